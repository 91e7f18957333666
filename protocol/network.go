package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Family classifies a network into a chain family. The set is closed: new
// families require a new adapter implementation, never dynamic loading.
type Family string

const (
	FamilyEVM Family = "evm"
	FamilySui Family = "sui"
)

// Network is a CAIP-2 style chain identifier, e.g. "eip155:8453" or
// "sui:testnet".
type Network string

// Common deployments.
const (
	NetworkBase        Network = "eip155:8453"
	NetworkBaseSepolia Network = "eip155:84532"
	NetworkSuiMainnet  Network = "sui:mainnet"
	NetworkSuiTestnet  Network = "sui:testnet"
)

// ParseNetwork validates the identifier and reports its family.
func ParseNetwork(raw string) (Network, Family, error) {
	trimmed := strings.TrimSpace(raw)
	namespace, reference, ok := strings.Cut(trimmed, ":")
	if !ok || reference == "" {
		return "", "", fmt.Errorf("malformed network identifier %q", raw)
	}
	switch namespace {
	case "eip155":
		if _, err := strconv.ParseInt(reference, 10, 64); err != nil {
			return "", "", fmt.Errorf("malformed eip155 chain id %q", reference)
		}
		return Network(trimmed), FamilyEVM, nil
	case "sui":
		switch reference {
		case "mainnet", "testnet", "devnet", "localnet":
			return Network(trimmed), FamilySui, nil
		}
		return "", "", fmt.Errorf("unknown sui environment %q", reference)
	}
	return "", "", fmt.Errorf("unknown network namespace %q", namespace)
}

// Family reports the chain family of a previously validated network.
func (n Network) Family() Family {
	if strings.HasPrefix(string(n), "eip155:") {
		return FamilyEVM
	}
	return FamilySui
}

// ChainID returns the numeric chain id of an eip155 network.
func (n Network) ChainID() (int64, error) {
	_, reference, ok := strings.Cut(string(n), ":")
	if !ok {
		return 0, fmt.Errorf("malformed network %q", n)
	}
	id, err := strconv.ParseInt(reference, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("network %q has no numeric chain id", n)
	}
	return id, nil
}
