package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"facilitatord/protocol"
)

type stubClient struct {
	callContract       func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	pendingNonceAt     func(ctx context.Context, account common.Address) (uint64, error)
	suggestGasPrice    func(ctx context.Context) (*big.Int, error)
	sendTransaction    func(ctx context.Context, tx *gethtypes.Transaction) error
	transactionReceipt func(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	headerByNumber     func(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

func (s *stubClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return s.callContract(ctx, msg, blockNumber)
}

func (s *stubClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return s.pendingNonceAt(ctx, account)
}

func (s *stubClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return s.suggestGasPrice(ctx)
}

func (s *stubClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return s.sendTransaction(ctx, tx)
}

func (s *stubClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return s.transactionReceipt(ctx, txHash)
}

func (s *stubClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return s.headerByNumber(ctx, number)
}

var testToken = common.HexToAddress("0x3333333333333333333333333333333333333333")

func newTestAdapter(t *testing.T, client Client) *Adapter {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate facilitator key: %v", err)
	}
	adapter, err := New(Config{
		Network:      protocol.NetworkBaseSepolia,
		Token:        testToken,
		TokenName:    "USD Coin",
		TokenVersion: "2",
		PollInterval: time.Millisecond,
	}, client, key)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

// signedPayload builds a wire payload signed by the supplied payer key.
func signedPayload(t *testing.T, a *Adapter, payer *ecdsa.PrivateKey, value *big.Int, validAfter, validBefore uint64, nonce [32]byte) json.RawMessage {
	t.Helper()
	from := gethcrypto.PubkeyToAddress(payer.PublicKey)
	auth := &protocol.Authorization{
		From:        from.Hex(),
		To:          "0x2222222222222222222222222222222222222222",
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce[:],
	}
	digest, err := transferWithAuthorizationDigest(auth, a.cfg.Token, a.chainID, a.cfg.TokenName, a.cfg.TokenVersion)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := gethcrypto.Sign(digest, payer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	raw := fmt.Sprintf(`{
        "signature": "0x%s",
        "authorization": {
            "from": "%s",
            "to": "%s",
            "value": "%s",
            "validAfter": "%d",
            "validBefore": "%d",
            "nonce": "0x%s"
        }
    }`, hex.EncodeToString(sig), auth.From, auth.To, value, validAfter, validBefore, hex.EncodeToString(nonce[:]))
	return json.RawMessage(raw)
}

func TestDecodeEnvelope(t *testing.T) {
	a := newTestAdapter(t, &stubClient{})
	payer, _ := gethcrypto.GenerateKey()
	var nonce [32]byte
	nonce[31] = 0x07

	raw := signedPayload(t, a, payer, big.NewInt(1_000_000), 0, 2_000_000_000, nonce)
	env, err := a.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	auth := env.Authorization()
	if auth.Network != protocol.NetworkBaseSepolia {
		t.Fatalf("network = %s", auth.Network)
	}
	if auth.Asset != testToken.Hex() {
		t.Fatalf("asset = %s, want configured token", auth.Asset)
	}
	if auth.Value.Int64() != 1_000_000 {
		t.Fatalf("value = %s", auth.Value)
	}
	if auth.NonceHex() != "0x"+hex.EncodeToString(nonce[:]) {
		t.Fatalf("nonce = %s", auth.NonceHex())
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	a := newTestAdapter(t, &stubClient{})
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"bad address", `{"signature":"0x00","authorization":{"from":"nope","to":"0x2222222222222222222222222222222222222222","value":"1","validAfter":"0","validBefore":"1","nonce":"0x00"}}`},
		{"negative value", `{"signature":"0x00","authorization":{"from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222","value":"-1","validAfter":"0","validBefore":"1","nonce":"0x00"}}`},
		{"short nonce", `{"signature":"0x00","authorization":{"from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222","value":"1","validAfter":"0","validBefore":"1","nonce":"0x0102"}}`},
		{"short signature", `{"signature":"0x0102","authorization":{"from":"0x1111111111111111111111111111111111111111","to":"0x2222222222222222222222222222222222222222","value":"1","validAfter":"0","validBefore":"1","nonce":"0x` + "0000000000000000000000000000000000000000000000000000000000000001" + `"}}`},
	}
	for _, tc := range cases {
		_, err := a.DecodeEnvelope(json.RawMessage(tc.raw))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if got := protocol.KindOf(err); got != protocol.KindInvalidSignature {
			t.Fatalf("%s: kind = %s, want %s", tc.name, got, protocol.KindInvalidSignature)
		}
	}
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	a := newTestAdapter(t, &stubClient{})
	payer, _ := gethcrypto.GenerateKey()
	var nonce [32]byte
	nonce[0] = 0xaa

	env, err := a.DecodeEnvelope(signedPayload(t, a, payer, big.NewInt(42), 0, 2_000_000_000, nonce))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	recovered, err := a.VerifySignature(env)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	want := gethcrypto.PubkeyToAddress(payer.PublicKey).Hex()
	if !protocol.AddressesEqual(recovered, want) {
		t.Fatalf("payer = %s, want %s", recovered, want)
	}
}

func TestVerifySignatureRejectsTamper(t *testing.T) {
	a := newTestAdapter(t, &stubClient{})
	payer, _ := gethcrypto.GenerateKey()
	var nonce [32]byte

	env, err := a.DecodeEnvelope(signedPayload(t, a, payer, big.NewInt(42), 0, 2_000_000_000, nonce))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Bump the authorized value after signing. Recovery now yields a
	// different address than the claimed payer.
	env.Authorization().Value = big.NewInt(43)
	_, err = a.VerifySignature(env)
	if protocol.KindOf(err) != protocol.KindInvalidSignature {
		t.Fatalf("tampered envelope: kind = %v, want %s", err, protocol.KindInvalidSignature)
	}
}

func TestVerifySignatureRejectsForeignSigner(t *testing.T) {
	a := newTestAdapter(t, &stubClient{})
	payer, _ := gethcrypto.GenerateKey()
	other, _ := gethcrypto.GenerateKey()
	var nonce [32]byte

	// Signed by `other` but claiming `payer` as the authorizer.
	raw := signedPayload(t, a, other, big.NewInt(42), 0, 2_000_000_000, nonce)
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var authFields map[string]string
	if err := json.Unmarshal(wire["authorization"], &authFields); err != nil {
		t.Fatalf("unmarshal authorization: %v", err)
	}
	authFields["from"] = gethcrypto.PubkeyToAddress(payer.PublicKey).Hex()
	patched, _ := json.Marshal(authFields)
	wire["authorization"] = patched
	repacked, _ := json.Marshal(wire)

	env, err := a.DecodeEnvelope(repacked)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, err = a.VerifySignature(env)
	if protocol.KindOf(err) != protocol.KindInvalidSignature {
		t.Fatalf("foreign signer: kind = %v, want %s", err, protocol.KindInvalidSignature)
	}
}

func TestQueryBalance(t *testing.T) {
	balance := big.NewInt(5_000_000)
	client := &stubClient{
		callContract: func(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			if msg.To == nil || *msg.To != testToken {
				return nil, errors.New("unexpected call target")
			}
			return common.LeftPadBytes(balance.Bytes(), 32), nil
		},
	}
	a := newTestAdapter(t, client)
	got, err := a.QueryBalance(context.Background(), "0x1111111111111111111111111111111111111111", testToken.Hex())
	if err != nil {
		t.Fatalf("query balance: %v", err)
	}
	if got.Cmp(balance) != 0 {
		t.Fatalf("balance = %s, want %s", got, balance)
	}
}

func TestSimulateSettlementRevert(t *testing.T) {
	client := &stubClient{
		callContract: func(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			return nil, errors.New("execution reverted")
		},
	}
	a := newTestAdapter(t, client)
	payer, _ := gethcrypto.GenerateKey()
	var nonce [32]byte
	env, err := a.DecodeEnvelope(signedPayload(t, a, payer, big.NewInt(1), 0, 2_000_000_000, nonce))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	err = a.SimulateSettlement(context.Background(), env)
	if protocol.KindOf(err) != protocol.KindSimulationFailed {
		t.Fatalf("kind = %v, want %s", err, protocol.KindSimulationFailed)
	}
}

func TestSubmitSettlement(t *testing.T) {
	sends := 0
	var sentHash common.Hash
	client := &stubClient{
		pendingNonceAt: func(ctx context.Context, _ common.Address) (uint64, error) {
			return 7, nil
		},
		suggestGasPrice: func(ctx context.Context) (*big.Int, error) {
			return big.NewInt(1_000_000_000), nil
		},
		sendTransaction: func(ctx context.Context, tx *gethtypes.Transaction) error {
			sends++
			sentHash = tx.Hash()
			return nil
		},
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
			return &gethtypes.Receipt{
				Status:      gethtypes.ReceiptStatusSuccessful,
				BlockNumber: big.NewInt(100),
			}, nil
		},
	}
	a := newTestAdapter(t, client)
	payer, _ := gethcrypto.GenerateKey()
	var nonce [32]byte
	env, err := a.DecodeEnvelope(signedPayload(t, a, payer, big.NewInt(1), 0, 2_000_000_000, nonce))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	receipt, err := a.SubmitSettlement(context.Background(), env)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sends != 1 {
		t.Fatalf("broadcasts = %d, want exactly 1", sends)
	}
	if receipt.TxHash != sentHash.Hex() {
		t.Fatalf("receipt hash = %s, want %s", receipt.TxHash, sentHash.Hex())
	}
}

func TestSubmitSettlementReverted(t *testing.T) {
	client := &stubClient{
		pendingNonceAt: func(ctx context.Context, _ common.Address) (uint64, error) {
			return 0, nil
		},
		suggestGasPrice: func(ctx context.Context) (*big.Int, error) {
			return big.NewInt(1), nil
		},
		sendTransaction: func(ctx context.Context, tx *gethtypes.Transaction) error {
			return nil
		},
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
			return &gethtypes.Receipt{
				Status:      gethtypes.ReceiptStatusFailed,
				BlockNumber: big.NewInt(1),
			}, nil
		},
	}
	a := newTestAdapter(t, client)
	payer, _ := gethcrypto.GenerateKey()
	var nonce [32]byte
	env, err := a.DecodeEnvelope(signedPayload(t, a, payer, big.NewInt(1), 0, 2_000_000_000, nonce))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, err = a.SubmitSettlement(context.Background(), env)
	if protocol.KindOf(err) != protocol.KindTransactionFailed {
		t.Fatalf("kind = %v, want %s", err, protocol.KindTransactionFailed)
	}
}

func TestSubmitSettlementWaitsForConfirmations(t *testing.T) {
	heads := []int64{100, 101, 102}
	headCalls := 0
	client := &stubClient{
		pendingNonceAt: func(ctx context.Context, _ common.Address) (uint64, error) {
			return 0, nil
		},
		suggestGasPrice: func(ctx context.Context) (*big.Int, error) {
			return big.NewInt(1), nil
		},
		sendTransaction: func(ctx context.Context, tx *gethtypes.Transaction) error {
			return nil
		},
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
			return &gethtypes.Receipt{
				Status:      gethtypes.ReceiptStatusSuccessful,
				BlockNumber: big.NewInt(100),
			}, nil
		},
		headerByNumber: func(ctx context.Context, _ *big.Int) (*gethtypes.Header, error) {
			head := heads[headCalls]
			if headCalls < len(heads)-1 {
				headCalls++
			}
			return &gethtypes.Header{Number: big.NewInt(head)}, nil
		},
	}
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a, err := New(Config{
		Network:       protocol.NetworkBaseSepolia,
		Token:         testToken,
		TokenName:     "USD Coin",
		TokenVersion:  "2",
		Confirmations: 3,
		PollInterval:  time.Millisecond,
	}, client, key)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	payer, _ := gethcrypto.GenerateKey()
	var nonce [32]byte
	env, err := a.DecodeEnvelope(signedPayload(t, a, payer, big.NewInt(1), 0, 2_000_000_000, nonce))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := a.SubmitSettlement(context.Background(), env); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if headCalls < 2 {
		t.Fatalf("settlement returned before reaching confirmation depth")
	}
}
