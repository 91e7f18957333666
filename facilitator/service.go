package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"facilitatord/chains"
	"facilitatord/ledger"
	"facilitatord/protocol"
)

// NonceLedger is the persistence surface the services require. Satisfied by
// *ledger.Ledger; tests substitute stubs.
type NonceLedger interface {
	IsFree(ctx context.Context, network protocol.Network, nonce string, now time.Time) (bool, error)
	Reserve(ctx context.Context, network protocol.Network, nonce string, expiresAt, now time.Time) error
	MarkConsumed(ctx context.Context, network protocol.Network, nonce string) error
	Release(ctx context.Context, network protocol.Network, nonce string) error
	RecordSettlement(ctx context.Context, rec ledger.SettlementRecord) error
}

// ErrUnsupported marks requests for networks or schemes this deployment does
// not serve. The transport layer maps it to a non-2xx status; it is not a
// business rejection.
var ErrUnsupported = errors.New("unsupported scheme or network")

// Service verifies and settles exact-scheme payment authorizations.
type Service struct {
	registry *chains.Registry
	ledger   NonceLedger
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option tweaks service construction.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithGrace overrides the expiry grace window.
func WithGrace(grace time.Duration) Option {
	return func(s *Service) { s.grace = grace }
}

// New constructs the facilitator service.
func New(registry *chains.Registry, nonces NonceLedger, logger *slog.Logger, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("chain registry required")
	}
	if nonces == nil {
		return nil, fmt.Errorf("nonce ledger required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry: registry,
		ledger:   nonces,
		grace:    DefaultGrace,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Supported lists the scheme/network pairs this deployment serves, with the
// facilitator signer per network.
func (s *Service) Supported() protocol.SupportedResponse {
	networks := s.registry.Networks()
	kinds := make([]protocol.SupportedKind, 0, len(networks))
	for _, network := range networks {
		adapter, err := s.registry.Get(network)
		if err != nil {
			continue
		}
		kinds = append(kinds, protocol.SupportedKind{
			X402Version: protocol.X402Version,
			Scheme:      protocol.SchemeExact,
			Network:     network,
			Signer:      adapter.SignerAddress(),
		})
	}
	return protocol.SupportedResponse{Kinds: kinds}
}

// prepare resolves the adapter, decodes the envelope, runs the static rule
// engine, and verifies the signature. Shared by Verify and Settle; both paths
// re-run the full sequence so a settle call never trusts a prior verify.
func (s *Service) prepare(payload *protocol.PaymentPayload, reqs *protocol.PaymentRequirements, now time.Time) (chains.Adapter, chains.Envelope, string, error) {
	if payload.Scheme != "" && payload.Scheme != protocol.SchemeExact {
		return nil, nil, "", fmt.Errorf("%w: scheme %q", ErrUnsupported, payload.Scheme)
	}
	if reqs.Scheme != protocol.SchemeExact {
		return nil, nil, "", fmt.Errorf("%w: scheme %q", ErrUnsupported, reqs.Scheme)
	}
	adapter, err := s.registry.Get(payload.Network)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %s", ErrUnsupported, payload.Network)
	}
	env, err := adapter.DecodeEnvelope(payload.Payload)
	if err != nil {
		return nil, nil, "", err
	}
	if err := CheckAuthorization(env.Authorization(), reqs, now, s.grace); err != nil {
		return nil, nil, "", err
	}
	payer, err := adapter.VerifySignature(env)
	if err != nil {
		return nil, nil, "", err
	}
	return adapter, env, payer, nil
}

// Verify produces a verdict without mutating any shared state. Safe to call
// arbitrarily many times concurrently for the same or different
// authorizations.
func (s *Service) Verify(ctx context.Context, payload *protocol.PaymentPayload, reqs *protocol.PaymentRequirements) (protocol.VerifyResponse, error) {
	now := s.now()
	adapter, env, payer, err := s.prepare(payload, reqs, now)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return protocol.VerifyResponse{}, err
		}
		return protocol.VerifyResponse{Valid: false, InvalidReason: protocol.KindOf(err)}, nil
	}
	auth := env.Authorization()
	free, err := s.ledger.IsFree(ctx, auth.Network, auth.NonceHex(), now)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("nonce lookup: %w", err)
	}
	if !free {
		return protocol.VerifyResponse{Valid: false, InvalidReason: protocol.KindReplayDetected, Payer: payer}, nil
	}
	// Advisory only: funding is enforced atomically by settlement
	// simulation. A stale pass here is acceptable.
	balance, err := adapter.QueryBalance(ctx, payer, reqs.Asset)
	if err != nil {
		return protocol.VerifyResponse{Valid: false, InvalidReason: protocol.KindOf(err), Payer: payer}, nil
	}
	if balance.Cmp(auth.Value) < 0 {
		return protocol.VerifyResponse{Valid: false, InvalidReason: protocol.KindInsufficientFunds, Payer: payer}, nil
	}
	return protocol.VerifyResponse{Valid: true, Payer: payer}, nil
}

// Settle re-validates the authorization, reserves its nonce, simulates the
// transfer, submits it, and finalizes the nonce record. The reservation is
// held for the whole simulate+submit window; every exit path after a
// successful reserve either consumes or releases it exactly once, including
// cancellation and panics.
func (s *Service) Settle(ctx context.Context, payload *protocol.PaymentPayload, reqs *protocol.PaymentRequirements) (protocol.SettleResponse, error) {
	now := s.now()
	attempt := uuid.NewString()
	adapter, env, payer, err := s.prepare(payload, reqs, now)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return protocol.SettleResponse{}, err
		}
		return protocol.SettleResponse{Success: false, ErrorReason: protocol.KindOf(err), Network: payload.Network}, nil
	}
	auth := env.Authorization()
	nonce := auth.NonceHex()
	logger := s.logger.With("attempt", attempt, "network", string(auth.Network), "nonce", nonce, "payer", payer)

	expiresAt := time.Unix(int64(auth.ValidBefore), 0).UTC()
	if err := s.ledger.Reserve(ctx, auth.Network, nonce, expiresAt, now); err != nil {
		if errors.Is(err, ledger.ErrReplayed) {
			return protocol.SettleResponse{Success: false, ErrorReason: protocol.KindReplayDetected, Network: auth.Network, Payer: payer}, nil
		}
		return protocol.SettleResponse{}, fmt.Errorf("reserve nonce: %w", err)
	}

	// The reservation must not leak: release on every exit path unless the
	// transfer reached the chain. A background context keeps the release
	// working after caller cancellation.
	consumed := false
	defer func() {
		if consumed {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.ledger.Release(releaseCtx, auth.Network, nonce); err != nil {
			logger.Error("release reserved nonce failed", "err", err)
		}
	}()

	if err := adapter.SimulateSettlement(ctx, env); err != nil {
		logger.Info("settlement simulation rejected", "err", err)
		return protocol.SettleResponse{Success: false, ErrorReason: protocol.KindOf(err), Network: auth.Network, Payer: payer}, nil
	}

	receipt, err := adapter.SubmitSettlement(ctx, env)
	if err != nil {
		logger.Warn("settlement submission failed", "err", err)
		return protocol.SettleResponse{Success: false, ErrorReason: protocol.KindOf(err), Network: auth.Network, Payer: payer}, nil
	}

	// Funds moved on-chain: from here the nonce is consumed no matter what
	// the bookkeeping below does.
	consumed = true
	finalizeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.MarkConsumed(finalizeCtx, auth.Network, nonce); err != nil {
		logger.Error("mark nonce consumed failed", "tx", receipt.TxHash, "err", err)
	}
	if err := s.ledger.RecordSettlement(finalizeCtx, ledger.SettlementRecord{
		Network:   auth.Network,
		Nonce:     nonce,
		TxHash:    receipt.TxHash,
		Payer:     payer,
		Amount:    auth.Value,
		SettledAt: s.now(),
	}); err != nil {
		logger.Error("record settlement failed", "tx", receipt.TxHash, "err", err)
	}
	logger.Info("settled authorization", "tx", receipt.TxHash)
	return protocol.SettleResponse{
		Success:     true,
		Transaction: receipt.TxHash,
		Network:     auth.Network,
		Payer:       payer,
	}, nil
}
