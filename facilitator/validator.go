// Package facilitator orchestrates authorization verification and
// settlement: the pure rule engine, the read-only verification service, and
// the settlement service that owns the reserve/simulate/submit/finalize
// sequence.
package facilitator

import (
	"time"

	"facilitatord/protocol"
)

// DefaultGrace is the default clock-skew window between verification and
// settlement. Policy tunable, not protocol law.
const DefaultGrace = 6 * time.Second

// CheckAuthorization applies the static, chain-agnostic rules in fixed order,
// short-circuiting on the first failure. Pure: no side effects, safe to call
// repeatedly and concurrently.
func CheckAuthorization(auth *protocol.Authorization, reqs *protocol.PaymentRequirements, now time.Time, grace time.Duration) error {
	if auth.Network != reqs.Network {
		return protocol.Reject(protocol.KindUnsupportedNetwork, "payload network %s does not match requirements network %s", auth.Network, reqs.Network)
	}
	if !protocol.AddressesEqual(auth.Asset, reqs.Asset) {
		return protocol.Reject(protocol.KindInvalidAsset, "authorized asset %s does not match required asset %s", auth.Asset, reqs.Asset)
	}
	if !protocol.AddressesEqual(auth.To, reqs.PayTo) {
		return protocol.Reject(protocol.KindRecipientMismatch, "authorized recipient %s does not match pay-to %s", auth.To, reqs.PayTo)
	}
	required, err := reqs.AmountRequired()
	if err != nil {
		return protocol.Wrap(protocol.KindAmountMismatch, err, "requirements amount")
	}
	if auth.Value == nil || auth.Value.Cmp(required) < 0 {
		return protocol.Reject(protocol.KindAmountMismatch, "authorized value below required amount %s", required)
	}
	unix := now.UTC().Unix()
	if unix < 0 {
		return protocol.Reject(protocol.KindExpired, "clock before unix epoch")
	}
	// The grace window tolerates clock skew and the delay between verify
	// and settle: an authorization about to expire is rejected up front.
	if uint64(unix)+uint64(grace/time.Second) >= auth.ValidBefore {
		return protocol.Reject(protocol.KindExpired, "authorization expires at %d", auth.ValidBefore)
	}
	if uint64(unix) < auth.ValidAfter {
		return protocol.Reject(protocol.KindNotYetValid, "authorization valid from %d", auth.ValidAfter)
	}
	return nil
}
