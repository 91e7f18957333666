// Package protocol defines the x402 exact-scheme wire types exchanged with
// resource servers and clients, the chain-agnostic authorization record the
// facilitator operates on, and the rejection taxonomy.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// X402Version is the protocol version this facilitator speaks.
const X402Version = 1

// SchemeExact is the only payment scheme the facilitator supports: the signed
// amount is settled in full, never partially.
const SchemeExact = "exact"

// PaymentRequirements describes what a resource server demands for access.
// Supplied by the caller on every request; never persisted.
type PaymentRequirements struct {
	Scheme            string  `json:"scheme"`
	Network           Network `json:"network"`
	MaxAmountRequired string  `json:"maxAmountRequired"`
	Asset             string  `json:"asset"`
	PayTo             string  `json:"payTo"`
	MaxTimeoutSeconds int64   `json:"maxTimeoutSeconds"`
	Extra             Extra   `json:"extra,omitempty"`
}

// Extra carries scheme-specific requirement parameters. For EVM assets these
// are the EIP-712 domain name and version of the token contract.
type Extra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// AmountRequired parses the base-unit amount string.
func (r PaymentRequirements) AmountRequired() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(r.MaxAmountRequired), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("malformed amount %q", r.MaxAmountRequired)
	}
	return amount, nil
}

// PaymentPayload is the client-submitted half of a verify or settle request.
// Payload holds the chain-specific signed envelope; the matching adapter
// decodes it.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// Authorization is the normalized, chain-agnostic view of a signed transfer
// authorization. Constructed fresh per request and compared field-by-field
// against the requirements; never mutated.
type Authorization struct {
	Network     Network
	From        string
	To          string
	Value       *big.Int
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       []byte
	Asset       string
}

// NonceHex returns the ledger key form of the nonce.
func (a *Authorization) NonceHex() string {
	return "0x" + hex.EncodeToString(a.Nonce)
}

// AddressesEqual compares two chain-native addresses. Both supported families
// encode addresses as hex strings, so comparison is case-insensitive.
func AddressesEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// VerifyResponse is the verdict returned by POST /verify. Business rejections
// populate InvalidReason; they are not transport errors.
type VerifyResponse struct {
	Valid         bool      `json:"valid"`
	InvalidReason ErrorKind `json:"invalidReason,omitempty"`
	Payer         string    `json:"payer,omitempty"`
}

// SettleResponse is the verdict returned by POST /settle.
type SettleResponse struct {
	Success     bool      `json:"success"`
	ErrorReason ErrorKind `json:"errorReason,omitempty"`
	Transaction string    `json:"transaction,omitempty"`
	Network     Network   `json:"network,omitempty"`
	Payer       string    `json:"payer,omitempty"`
}

// SupportedKind advertises one scheme/network pair served by this deployment.
type SupportedKind struct {
	X402Version int     `json:"x402Version"`
	Scheme      string  `json:"scheme"`
	Network     Network `json:"network"`
	Signer      string  `json:"signer,omitempty"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
