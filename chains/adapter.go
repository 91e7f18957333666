// Package chains defines the contract every chain family implements and the
// registry the services dispatch through. Adapters hold RPC connections and
// the facilitator's gas-paying key for their family; they carry no per-request
// state and are safe for concurrent use.
package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"facilitatord/protocol"
)

// Envelope is the decoded chain-specific signed wrapper around an
// authorization. It is consumed by signature verification and settlement and
// never stored.
type Envelope interface {
	Authorization() *protocol.Authorization
}

// Receipt reports the outcome of a submitted settlement transaction.
type Receipt struct {
	TxHash string
}

// Adapter is implemented once per chain family and selected by network.
type Adapter interface {
	// Network reports the network this adapter instance serves.
	Network() protocol.Network

	// SignerAddress is the facilitator's gas-paying address on this network.
	SignerAddress() string

	// DecodeEnvelope parses the chain-specific payload into a signed
	// envelope, normalizing its authorization. Malformed payloads fail with
	// KindInvalidSignature: a payload that cannot be decoded cannot be
	// verified.
	DecodeEnvelope(raw json.RawMessage) (Envelope, error)

	// VerifySignature reconstructs the canonical signing digest, validates
	// the envelope signature against it, and returns the signer address.
	// Fails closed with KindInvalidSignature on any malformed or mismatched
	// input.
	VerifySignature(env Envelope) (string, error)

	// QueryBalance reads the owner's balance of the asset. Advisory:
	// authoritative funding enforcement happens during settlement
	// simulation.
	QueryBalance(ctx context.Context, owner, asset string) (*big.Int, error)

	// SimulateSettlement dry-runs the settlement call without state change,
	// surfacing revert reasons as KindSimulationFailed.
	SimulateSettlement(ctx context.Context, env Envelope) error

	// SubmitSettlement signs and broadcasts the settlement transaction,
	// blocking until the chain's confirmation policy is met. Broadcast
	// errors are never retried here; retrying risks double-submission.
	SubmitSettlement(ctx context.Context, env Envelope) (*Receipt, error)
}

// Registry holds the configured adapters keyed by network.
type Registry struct {
	mu       sync.RWMutex
	adapters map[protocol.Network]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[protocol.Network]Adapter)}
}

// Register installs an adapter. Registering the same network twice is a
// wiring bug.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("nil adapter")
	}
	network := adapter.Network()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[network]; exists {
		return fmt.Errorf("adapter already registered for %s", network)
	}
	r.adapters[network] = adapter
	return nil
}

// Get returns the adapter serving the network.
func (r *Registry) Get(network protocol.Network) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[network]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for network %s", network)
	}
	return adapter, nil
}

// Networks lists the configured networks in stable order.
func (r *Registry) Networks() []protocol.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	networks := make([]protocol.Network, 0, len(r.adapters))
	for network := range r.adapters {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}
