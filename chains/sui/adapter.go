// Package sui implements the chain adapter for Sui-style networks. Payers
// sign an intent-prefixed personal message over the authorization; settlement
// is a Move call into the configured vault package that re-checks the payer
// signature on-chain, moves the coins, and emits the tracking event. The
// facilitator signs and pays gas for the transaction itself.
package sui

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"facilitatord/chains"
	"facilitatord/protocol"
)

// Config captures the per-network wiring for a Sui adapter.
type Config struct {
	Network      protocol.Network
	CoinType     string
	VaultPackage string
	VaultModule  string
	VaultFunc    string
	GasBudget    uint64
}

// Adapter settles intent-signed authorizations on one Sui environment.
type Adapter struct {
	cfg    Config
	rpc    Caller
	key    ed25519.PrivateKey
	signer string
}

// New constructs the adapter around a fullnode RPC caller and the
// facilitator's ed25519 gas-paying key.
func New(cfg Config, rpc Caller, key ed25519.PrivateKey) (*Adapter, error) {
	if rpc == nil {
		return nil, fmt.Errorf("sui rpc client required")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sui signing key required")
	}
	if strings.TrimSpace(cfg.CoinType) == "" {
		return nil, fmt.Errorf("coin type required")
	}
	if strings.TrimSpace(cfg.VaultPackage) == "" {
		return nil, fmt.Errorf("vault package required")
	}
	if cfg.VaultModule == "" {
		cfg.VaultModule = "vault"
	}
	if cfg.VaultFunc == "" {
		cfg.VaultFunc = "settle"
	}
	if cfg.GasBudget == 0 {
		cfg.GasBudget = 10_000_000
	}
	signer, err := AddressFromPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, rpc: rpc, key: key, signer: signer}, nil
}

func (a *Adapter) Network() protocol.Network { return a.cfg.Network }

func (a *Adapter) SignerAddress() string { return a.signer }

type wireAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	CoinType    string `json:"coinType"`
}

type wirePayload struct {
	Signature     string            `json:"signature"`
	Authorization wireAuthorization `json:"authorization"`
	GasBudget     string            `json:"gasBudget,omitempty"`
}

type envelope struct {
	auth      *protocol.Authorization
	wire      wireAuthorization
	signature string
	gasBudget uint64
}

func (e *envelope) Authorization() *protocol.Authorization { return e.auth }

// DecodeEnvelope parses the Sui exact-scheme payload.
func (a *Adapter) DecodeEnvelope(raw json.RawMessage) (chains.Envelope, error) {
	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed sui payload")
	}
	from, err := parseAddress(wire.Authorization.From)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed from address")
	}
	to, err := parseAddress(wire.Authorization.To)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed to address")
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(wire.Authorization.Value), 10)
	if !ok || value.Sign() < 0 || !value.IsUint64() {
		return nil, protocol.Reject(protocol.KindInvalidSignature, "malformed value %q", wire.Authorization.Value)
	}
	validAfter, err := strconv.ParseUint(strings.TrimSpace(wire.Authorization.ValidAfter), 10, 64)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed validAfter")
	}
	validBefore, err := strconv.ParseUint(strings.TrimSpace(wire.Authorization.ValidBefore), 10, 64)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed validBefore")
	}
	nonce, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(wire.Authorization.Nonce), "0x"))
	if err != nil || len(nonce) == 0 || len(nonce) > 32 {
		return nil, protocol.Reject(protocol.KindInvalidSignature, "nonce must be 1..32 bytes")
	}
	gasBudget := a.cfg.GasBudget
	if trimmed := strings.TrimSpace(wire.GasBudget); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed gas budget")
		}
		if parsed > 0 && parsed < gasBudget {
			gasBudget = parsed
		}
	}
	return &envelope{
		auth: &protocol.Authorization{
			Network:     a.cfg.Network,
			From:        from,
			To:          to,
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       nonce,
			Asset:       wire.Authorization.CoinType,
		},
		wire:      wire.Authorization,
		signature: strings.TrimSpace(wire.Signature),
		gasBudget: gasBudget,
	}, nil
}

func parseAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	stripped := strings.TrimPrefix(trimmed, "0x")
	decoded, err := hex.DecodeString(stripped)
	if err != nil {
		return "", fmt.Errorf("address %q is not hex", raw)
	}
	if len(decoded) != 32 {
		return "", fmt.Errorf("address must be 32 bytes, got %d", len(decoded))
	}
	return "0x" + strings.ToLower(stripped), nil
}

// signingMessage is the canonical JSON document the payer signs: the wire
// authorization marshaled with Go's deterministic struct-order encoding.
func signingMessage(wire wireAuthorization) ([]byte, error) {
	return json.Marshal(wire)
}

// VerifySignature checks the scheme-tagged ed25519 signature over the
// intent-prefixed message digest and requires the key-derived address to
// match the authorization's from address.
func (a *Adapter) VerifySignature(env chains.Envelope) (string, error) {
	e, ok := env.(*envelope)
	if !ok {
		return "", protocol.Reject(protocol.KindInvalidSignature, "foreign envelope type %T", env)
	}
	parsed, err := parseSerializedSignature(e.signature)
	if err != nil {
		return "", err
	}
	message, err := signingMessage(e.wire)
	if err != nil {
		return "", protocol.Wrap(protocol.KindInvalidSignature, err, "build signing message")
	}
	digest := messageDigest(message)
	if !ed25519.Verify(parsed.publicKey, digest[:], parsed.signature) {
		return "", protocol.Reject(protocol.KindInvalidSignature, "signature does not verify")
	}
	signer, err := AddressFromPublicKey(parsed.publicKey)
	if err != nil {
		return "", protocol.Wrap(protocol.KindInvalidSignature, err, "derive signer address")
	}
	if !protocol.AddressesEqual(signer, e.auth.From) {
		return "", protocol.Reject(protocol.KindInvalidSignature, "signer %s does not match authorizer", signer)
	}
	return signer, nil
}

// QueryBalance reads the owner's balance of the coin type.
func (a *Adapter) QueryBalance(ctx context.Context, owner, asset string) (*big.Int, error) {
	var result struct {
		TotalBalance string `json:"totalBalance"`
	}
	err := chains.WithRetry(ctx, func() error {
		return a.rpc.Call(ctx, "suix_getBalance", []interface{}{owner, asset}, &result)
	})
	if err != nil {
		return nil, protocol.Wrap(protocol.KindChainError, err, "query balance")
	}
	balance, ok := new(big.Int).SetString(result.TotalBalance, 10)
	if !ok {
		return nil, protocol.Reject(protocol.KindChainError, "malformed balance %q", result.TotalBalance)
	}
	return balance, nil
}

type txEffects struct {
	Status struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"status"`
}

// buildSettlement asks the fullnode transaction builder for the vault settle
// call's transaction bytes.
func (a *Adapter) buildSettlement(ctx context.Context, e *envelope) (string, error) {
	args := []interface{}{
		e.auth.From,
		e.auth.To,
		e.auth.Value.String(),
		strconv.FormatUint(e.auth.ValidAfter, 10),
		strconv.FormatUint(e.auth.ValidBefore, 10),
		e.auth.NonceHex(),
		e.signature,
	}
	var result struct {
		TxBytes string `json:"txBytes"`
	}
	err := a.rpc.Call(ctx, "unsafe_moveCall", []interface{}{
		a.signer,
		a.cfg.VaultPackage,
		a.cfg.VaultModule,
		a.cfg.VaultFunc,
		[]interface{}{a.cfg.CoinType},
		args,
		nil,
		strconv.FormatUint(e.gasBudget, 10),
	}, &result)
	if err != nil {
		return "", err
	}
	if result.TxBytes == "" {
		return "", fmt.Errorf("transaction builder returned empty tx bytes")
	}
	return result.TxBytes, nil
}

// SimulateSettlement dry-runs the vault settle call.
func (a *Adapter) SimulateSettlement(ctx context.Context, env chains.Envelope) error {
	e, ok := env.(*envelope)
	if !ok {
		return protocol.Reject(protocol.KindSimulationFailed, "foreign envelope type %T", env)
	}
	var dryRunErr error
	err := chains.WithRetry(ctx, func() error {
		txBytes, err := a.buildSettlement(ctx, e)
		if err != nil {
			return err
		}
		var result struct {
			Effects txEffects `json:"effects"`
		}
		if err := a.rpc.Call(ctx, "sui_dryRunTransactionBlock", []interface{}{txBytes}, &result); err != nil {
			return err
		}
		if result.Effects.Status.Status != "success" {
			dryRunErr = protocol.Reject(protocol.KindSimulationFailed, "dry run aborted: %s", result.Effects.Status.Error)
		}
		return nil
	})
	if err != nil {
		return protocol.Wrap(protocol.KindSimulationFailed, err, "dry run settlement")
	}
	return dryRunErr
}

// SubmitSettlement builds, signs, and executes the vault settle call,
// waiting for local execution before returning. The execution call is made
// exactly once.
func (a *Adapter) SubmitSettlement(ctx context.Context, env chains.Envelope) (*chains.Receipt, error) {
	e, ok := env.(*envelope)
	if !ok {
		return nil, protocol.Reject(protocol.KindTransactionFailed, "foreign envelope type %T", env)
	}
	txBytesB64, err := a.buildSettlement(ctx, e)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "build settlement tx")
	}
	txBytes, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "decode settlement tx bytes")
	}
	digest := transactionDigest(txBytes)
	signature := SerializeSignature(ed25519.Sign(a.key, digest[:]), a.key.Public().(ed25519.PublicKey))
	var result struct {
		Digest  string    `json:"digest"`
		Effects txEffects `json:"effects"`
	}
	err = a.rpc.Call(ctx, "sui_executeTransactionBlock", []interface{}{
		txBytesB64,
		[]interface{}{signature},
		map[string]interface{}{"showEffects": true},
		"WaitForLocalExecution",
	}, &result)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "execute settlement tx")
	}
	if result.Effects.Status.Status != "success" {
		return nil, protocol.Reject(protocol.KindTransactionFailed, "settlement aborted: %s", result.Effects.Status.Error)
	}
	return &chains.Receipt{TxHash: result.Digest}, nil
}
