package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestSecp256k1FromEnv(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	hexKey := "0x" + hex.EncodeToString(gethcrypto.FromECDSA(key))
	t.Setenv("TEST_EVM_SIGNER_KEY", hexKey)

	loaded, err := Secp256k1FromEnv("TEST_EVM_SIGNER_KEY")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if gethcrypto.PubkeyToAddress(loaded.PublicKey) != gethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("round trip produced a different key")
	}

	if _, err := Secp256k1FromEnv("TEST_MISSING_KEY"); err == nil {
		t.Fatalf("missing env var must fail")
	}
	t.Setenv("TEST_BAD_KEY", "not-hex")
	if _, err := Secp256k1FromEnv("TEST_BAD_KEY"); err == nil {
		t.Fatalf("malformed key must fail")
	}
}

func TestEd25519FromEnv(t *testing.T) {
	t.Setenv("TEST_SUI_SIGNER_KEY", "0x"+strings.Repeat("ab", 32))
	key, err := Ed25519FromEnv("TEST_SUI_SIGNER_KEY")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(key) != 64 {
		t.Fatalf("key length = %d", len(key))
	}

	t.Setenv("TEST_SHORT_SEED", "0xabcd")
	if _, err := Ed25519FromEnv("TEST_SHORT_SEED"); err == nil {
		t.Fatalf("short seed must fail")
	}
	if _, err := Ed25519FromEnv(""); err == nil {
		t.Fatalf("blank env var name must fail")
	}
}
