package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseNetwork(t *testing.T) {
	cases := []struct {
		raw    string
		family Family
		ok     bool
	}{
		{"eip155:8453", FamilyEVM, true},
		{"eip155:84532", FamilyEVM, true},
		{"eip155:1", FamilyEVM, true},
		{"sui:mainnet", FamilySui, true},
		{"sui:testnet", FamilySui, true},
		{"sui:devnet", FamilySui, true},
		{"sui:localnet", FamilySui, true},
		{"eip155:base", "", false},
		{"sui:staging", "", false},
		{"cosmos:cosmoshub-4", "", false},
		{"eip155", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		network, family, err := ParseNetwork(tc.raw)
		if tc.ok {
			if err != nil {
				t.Fatalf("ParseNetwork(%q): unexpected error: %v", tc.raw, err)
			}
			if family != tc.family {
				t.Fatalf("ParseNetwork(%q): family = %s, want %s", tc.raw, family, tc.family)
			}
			if string(network) != tc.raw {
				t.Fatalf("ParseNetwork(%q): network = %s", tc.raw, network)
			}
		} else if err == nil {
			t.Fatalf("ParseNetwork(%q): expected error", tc.raw)
		}
	}
}

func TestNetworkChainID(t *testing.T) {
	id, err := NetworkBase.ChainID()
	if err != nil {
		t.Fatalf("ChainID: %v", err)
	}
	if id != 8453 {
		t.Fatalf("ChainID = %d, want 8453", id)
	}
	if _, err := NetworkSuiMainnet.ChainID(); err == nil {
		t.Fatalf("expected error for non-numeric chain id")
	}
}

func TestKindOf(t *testing.T) {
	rejection := Reject(KindExpired, "past valid-before")
	if got := KindOf(rejection); got != KindExpired {
		t.Fatalf("KindOf = %s, want %s", got, KindExpired)
	}
	wrapped := fmt.Errorf("settle: %w", Wrap(KindSimulationFailed, errors.New("revert"), "dry run"))
	if got := KindOf(wrapped); got != KindSimulationFailed {
		t.Fatalf("KindOf wrapped = %s, want %s", got, KindSimulationFailed)
	}
	if got := KindOf(errors.New("connection refused")); got != KindChainError {
		t.Fatalf("KindOf untagged = %s, want %s", got, KindChainError)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q", got)
	}
}

func TestAmountRequired(t *testing.T) {
	reqs := PaymentRequirements{MaxAmountRequired: "1000000"}
	amount, err := reqs.AmountRequired()
	if err != nil {
		t.Fatalf("AmountRequired: %v", err)
	}
	if amount.String() != "1000000" {
		t.Fatalf("amount = %s", amount)
	}
	for _, bad := range []string{"", "abc", "-5", "1.5"} {
		reqs.MaxAmountRequired = bad
		if _, err := reqs.AmountRequired(); err == nil {
			t.Fatalf("AmountRequired(%q): expected error", bad)
		}
	}
}

func TestAddressesEqual(t *testing.T) {
	if !AddressesEqual("0xAbCd", "0xabcd") {
		t.Fatalf("case-insensitive comparison failed")
	}
	if AddressesEqual("0xabcd", "0xabce") {
		t.Fatalf("distinct addresses compared equal")
	}
}
