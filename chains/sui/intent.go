package sui

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"facilitatord/protocol"
)

// Intent scopes, per the Sui signing scheme: a three-byte prefix binds a
// signature to its purpose so it cannot be replayed in another context.
var (
	intentTransactionData = []byte{0x00, 0x00, 0x00}
	intentPersonalMessage = []byte{0x03, 0x00, 0x00}
)

const flagEd25519 = 0x00

// messageDigest hashes an intent-prefixed personal message. The message body
// is length-prefixed the way the wallet serializes it before signing.
func messageDigest(message []byte) [32]byte {
	buf := make([]byte, 0, len(intentPersonalMessage)+10+len(message))
	buf = append(buf, intentPersonalMessage...)
	buf = appendULEB128(buf, uint64(len(message)))
	buf = append(buf, message...)
	return blake2b.Sum256(buf)
}

// transactionDigest hashes intent-prefixed transaction bytes for the
// facilitator's own gas-paying signature.
func transactionDigest(txBytes []byte) [32]byte {
	buf := make([]byte, 0, len(intentTransactionData)+len(txBytes))
	buf = append(buf, intentTransactionData...)
	buf = append(buf, txBytes...)
	return blake2b.Sum256(buf)
}

func appendULEB128(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// serializedSignature is the scheme-tagged wire form:
// flag byte || 64-byte signature || 32-byte public key, base64-encoded.
type serializedSignature struct {
	signature []byte
	publicKey ed25519.PublicKey
}

func parseSerializedSignature(encoded string) (*serializedSignature, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidSignature, err, "malformed signature encoding")
	}
	if len(raw) != 1+ed25519.SignatureSize+ed25519.PublicKeySize {
		return nil, protocol.Reject(protocol.KindInvalidSignature, "signature must be %d bytes, got %d", 1+ed25519.SignatureSize+ed25519.PublicKeySize, len(raw))
	}
	if raw[0] != flagEd25519 {
		return nil, protocol.Reject(protocol.KindInvalidSignature, "unsupported signature scheme 0x%02x", raw[0])
	}
	return &serializedSignature{
		signature: raw[1 : 1+ed25519.SignatureSize],
		publicKey: ed25519.PublicKey(raw[1+ed25519.SignatureSize:]),
	}, nil
}

// SerializeSignature produces the scheme-tagged wire form of an ed25519
// signature.
func SerializeSignature(signature []byte, publicKey ed25519.PublicKey) string {
	raw := make([]byte, 0, 1+len(signature)+len(publicKey))
	raw = append(raw, flagEd25519)
	raw = append(raw, signature...)
	raw = append(raw, publicKey...)
	return base64.StdEncoding.EncodeToString(raw)
}

// AddressFromPublicKey derives the 32-byte account address from an ed25519
// public key: blake2b-256 over the scheme flag and the key bytes.
func AddressFromPublicKey(publicKey ed25519.PublicKey) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	buf := make([]byte, 0, 1+len(publicKey))
	buf = append(buf, flagEd25519)
	buf = append(buf, publicKey...)
	digest := blake2b.Sum256(buf)
	return "0x" + hex.EncodeToString(digest[:]), nil
}
