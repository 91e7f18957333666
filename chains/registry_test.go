package chains

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"facilitatord/protocol"
)

type fakeAdapter struct {
	network protocol.Network
}

func (f *fakeAdapter) Network() protocol.Network  { return f.network }
func (f *fakeAdapter) SignerAddress() string      { return "0x0" }
func (f *fakeAdapter) DecodeEnvelope(json.RawMessage) (Envelope, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAdapter) VerifySignature(Envelope) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeAdapter) QueryBalance(context.Context, string, string) (*big.Int, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAdapter) SimulateSettlement(context.Context, Envelope) error {
	return errors.New("not implemented")
}
func (f *fakeAdapter) SubmitSettlement(context.Context, Envelope) (*Receipt, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeAdapter{network: protocol.NetworkBase}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&fakeAdapter{network: protocol.NetworkSuiTestnet}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&fakeAdapter{network: protocol.NetworkBase}); err == nil {
		t.Fatalf("duplicate registration must fail")
	}
	if _, err := r.Get(protocol.NetworkBase); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := r.Get(protocol.NetworkSuiMainnet); err == nil {
		t.Fatalf("unknown network must fail")
	}
	networks := r.Networks()
	if len(networks) != 2 || networks[0] != protocol.NetworkBase || networks[1] != protocol.NetworkSuiTestnet {
		t.Fatalf("networks = %v", networks)
	}
}

func TestWithRetry(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	attempts = 0
	err = WithRetry(context.Background(), func() error {
		attempts++
		return errors.New("permanent")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if attempts != maxReadAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, maxReadAttempts)
	}
}

func TestWithRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, func() error { return errors.New("transient") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
