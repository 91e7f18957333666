// Package evm implements the chain adapter for eip155 networks. Payments are
// EIP-3009 TransferWithAuthorization calls against the configured token
// contract; the facilitator fronts gas with its own key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"facilitatord/chains"
	"facilitatord/protocol"
)

// Client is the subset of the Ethereum RPC surface the adapter uses.
// *ethclient.Client satisfies it; tests substitute a stub.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Dial initialises an Ethereum RPC client for the endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Config captures the per-network wiring for an EVM adapter.
type Config struct {
	Network       protocol.Network
	Token         common.Address
	TokenName     string
	TokenVersion  string
	GasLimit      uint64
	Confirmations uint64
	PollInterval  time.Duration
}

// Adapter settles EIP-3009 authorizations on one eip155 network.
type Adapter struct {
	cfg     Config
	chainID *big.Int
	client  Client
	key     *ecdsa.PrivateKey
	signer  common.Address
}

// New constructs the adapter. The key is the facilitator's gas-paying key,
// passed by value at construction; the adapter holds no other mutable state.
func New(cfg Config, client Client, key *ecdsa.PrivateKey) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if key == nil {
		return nil, fmt.Errorf("evm signing key required")
	}
	if (cfg.Token == common.Address{}) {
		return nil, fmt.Errorf("token contract address required")
	}
	chainID, err := cfg.Network.ChainID()
	if err != nil {
		return nil, err
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 120_000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		chainID: big.NewInt(chainID),
		client:  client,
		key:     key,
		signer:  gethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (a *Adapter) Network() protocol.Network { return a.cfg.Network }

func (a *Adapter) SignerAddress() string { return a.signer.Hex() }

type wirePayload struct {
	Signature     string `json:"signature"`
	Authorization struct {
		From        string `json:"from"`
		To          string `json:"to"`
		Value       string `json:"value"`
		ValidAfter  string `json:"validAfter"`
		ValidBefore string `json:"validBefore"`
		Nonce       string `json:"nonce"`
	} `json:"authorization"`
}

type envelope struct {
	auth      *protocol.Authorization
	signature []byte
}

func (e *envelope) Authorization() *protocol.Authorization { return e.auth }

// DecodeEnvelope parses the EVM exact-scheme payload. Every malformed field
// is an invalid-signature rejection: the envelope cannot be verified.
func (a *Adapter) DecodeEnvelope(raw json.RawMessage) (chains.Envelope, error) {
	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed evm payload")
	}
	if !common.IsHexAddress(wire.Authorization.From) || !common.IsHexAddress(wire.Authorization.To) {
		return nil, protocol.Reject(protocol.KindInvalidSignature, "malformed authorization address")
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(wire.Authorization.Value), 10)
	if !ok || value.Sign() < 0 {
		return nil, protocol.Reject(protocol.KindInvalidSignature, "malformed authorization value %q", wire.Authorization.Value)
	}
	validAfter, err := parseUnix(wire.Authorization.ValidAfter)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed validAfter")
	}
	validBefore, err := parseUnix(wire.Authorization.ValidBefore)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed validBefore")
	}
	nonce, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(wire.Authorization.Nonce), "0x"))
	if err != nil || len(nonce) != 32 {
		return nil, protocol.Reject(protocol.KindInvalidSignature, "nonce must be 32 bytes")
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(wire.Signature), "0x"))
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed signature encoding")
	}
	if len(signature) != 65 {
		return nil, protocol.Reject(protocol.KindInvalidSignature, "signature must be 65 bytes, got %d", len(signature))
	}
	return &envelope{
		auth: &protocol.Authorization{
			Network:     a.cfg.Network,
			From:        common.HexToAddress(wire.Authorization.From).Hex(),
			To:          common.HexToAddress(wire.Authorization.To).Hex(),
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       nonce,
			Asset:       a.cfg.Token.Hex(),
		},
		signature: signature,
	}, nil
}

func parseUnix(raw string) (uint64, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 || !value.IsUint64() {
		return 0, fmt.Errorf("malformed unix timestamp %q", raw)
	}
	return value.Uint64(), nil
}

// VerifySignature recovers the signer from the EIP-712 digest and requires it
// to match the authorization's from address.
func (a *Adapter) VerifySignature(env chains.Envelope) (string, error) {
	e, ok := env.(*envelope)
	if !ok {
		return "", protocol.Reject(protocol.KindInvalidSignature, "foreign envelope type %T", env)
	}
	digest, err := transferWithAuthorizationDigest(e.auth, a.cfg.Token, a.chainID, a.cfg.TokenName, a.cfg.TokenVersion)
	if err != nil {
		return "", protocol.Wrap(protocol.KindInvalidSignature, err, "build signing digest")
	}
	sig := make([]byte, 65)
	copy(sig, e.signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", protocol.Reject(protocol.KindInvalidSignature, "invalid recovery id %d", sig[64])
	}
	pub, err := gethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", protocol.Wrap(protocol.KindInvalidSignature, err, "recover signer")
	}
	recovered := gethcrypto.PubkeyToAddress(*pub)
	if !protocol.AddressesEqual(recovered.Hex(), e.auth.From) {
		return "", protocol.Reject(protocol.KindInvalidSignature, "signer %s does not match authorizer", recovered.Hex())
	}
	return recovered.Hex(), nil
}

// QueryBalance reads the ERC-20 balance of owner for the supplied asset.
func (a *Adapter) QueryBalance(ctx context.Context, owner, asset string) (*big.Int, error) {
	if !common.IsHexAddress(owner) || !common.IsHexAddress(asset) {
		return nil, protocol.Reject(protocol.KindChainError, "malformed address")
	}
	data, err := packBalanceOf(common.HexToAddress(owner))
	if err != nil {
		return nil, protocol.Wrap(protocol.KindChainError, err, "encode balance query")
	}
	token := common.HexToAddress(asset)
	var output []byte
	err = chains.WithRetry(ctx, func() error {
		var callErr error
		output, callErr = a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, protocol.Wrap(protocol.KindChainError, err, "query balance")
	}
	balance, err := unpackBalance(output)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindChainError, err, "decode balance")
	}
	return balance, nil
}

// SimulateSettlement dry-runs the transferWithAuthorization call from the
// facilitator's address.
func (a *Adapter) SimulateSettlement(ctx context.Context, env chains.Envelope) error {
	e, ok := env.(*envelope)
	if !ok {
		return protocol.Reject(protocol.KindSimulationFailed, "foreign envelope type %T", env)
	}
	data, err := a.settlementCalldata(e)
	if err != nil {
		return protocol.Wrap(protocol.KindSimulationFailed, err, "encode settlement call")
	}
	err = chains.WithRetry(ctx, func() error {
		_, callErr := a.client.CallContract(ctx, ethereum.CallMsg{
			From: a.signer,
			To:   &a.cfg.Token,
			Data: data,
		}, nil)
		return callErr
	})
	if err != nil {
		return protocol.Wrap(protocol.KindSimulationFailed, err, "settlement would revert")
	}
	return nil
}

// SubmitSettlement signs and broadcasts the settlement transaction, then
// waits for the configured confirmation depth. The broadcast is attempted
// exactly once.
func (a *Adapter) SubmitSettlement(ctx context.Context, env chains.Envelope) (*chains.Receipt, error) {
	e, ok := env.(*envelope)
	if !ok {
		return nil, protocol.Reject(protocol.KindTransactionFailed, "foreign envelope type %T", env)
	}
	data, err := a.settlementCalldata(e)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "encode settlement call")
	}
	accountNonce, err := a.client.PendingNonceAt(ctx, a.signer)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "fetch account nonce")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "fetch gas price")
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    accountNonce,
		To:       &a.cfg.Token,
		Gas:      a.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "sign settlement tx")
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "broadcast settlement tx")
	}
	receipt, err := a.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, protocol.Reject(protocol.KindTransactionFailed, "transaction %s reverted", signed.Hash().Hex())
	}
	return &chains.Receipt{TxHash: signed.Hash().Hex()}, nil
}

func (a *Adapter) settlementCalldata(e *envelope) ([]byte, error) {
	var nonce [32]byte
	copy(nonce[:], e.auth.Nonce)
	return packTransferWithAuthorization(
		common.HexToAddress(e.auth.From),
		common.HexToAddress(e.auth.To),
		e.auth.Value,
		new(big.Int).SetUint64(e.auth.ValidAfter),
		new(big.Int).SetUint64(e.auth.ValidBefore),
		nonce,
		e.signature,
	)
}

func (a *Adapter) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if a.cfg.Confirmations <= 1 {
				return receipt, nil
			}
			confirmed, err := a.confirmations(ctx, receipt)
			if err == nil && confirmed >= a.cfg.Confirmations {
				return receipt, nil
			}
		} else if err != nil && err != ethereum.NotFound {
			return nil, protocol.Wrap(protocol.KindTransactionFailed, err, "fetch receipt for %s", txHash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, protocol.Wrap(protocol.KindTransactionFailed, ctx.Err(), "wait for %s", txHash.Hex())
		case <-ticker.C:
		}
	}
}

func (a *Adapter) confirmations(ctx context.Context, receipt *gethtypes.Receipt) (uint64, error) {
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return 0, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return 0, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	if !depth.IsUint64() {
		return 0, fmt.Errorf("confirmation depth overflow")
	}
	return depth.Uint64(), nil
}
