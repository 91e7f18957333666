// Package crypto loads the facilitator's gas-paying signing keys. Keys are
// read once from the environment and handed by value to the chain adapters
// at construction; nothing here is process-global or mutable.
package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Secp256k1FromEnv reads a hex-encoded secp256k1 private key from the named
// environment variable.
func Secp256k1FromEnv(envVar string) (*ecdsa.PrivateKey, error) {
	raw, err := keyMaterial(envVar)
	if err != nil {
		return nil, err
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse secp256k1 key from %s: %w", envVar, err)
	}
	return key, nil
}

// Ed25519FromEnv reads a hex-encoded 32-byte ed25519 seed from the named
// environment variable.
func Ed25519FromEnv(envVar string) (ed25519.PrivateKey, error) {
	raw, err := keyMaterial(envVar)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse ed25519 seed from %s: %w", envVar, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed from %s must be %d bytes, got %d", envVar, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func keyMaterial(envVar string) (string, error) {
	name := strings.TrimSpace(envVar)
	if name == "" {
		return "", fmt.Errorf("signer key environment variable not configured")
	}
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("environment variable %s is empty", name)
	}
	return value, nil
}
