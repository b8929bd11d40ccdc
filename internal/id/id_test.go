package id

import "testing"

func TestParseChain(t *testing.T) {
	chain, err := ParseChain("polygon")
	if err != nil {
		t.Fatalf("ParseChain failed: %v", err)
	}
	if chain.ID != 137 {
		t.Fatalf("unexpected chain id: %d", chain.ID)
	}
	byCAIP, err := ParseChain("eip155:42161")
	if err != nil || byCAIP.Name != "Arbitrum" {
		t.Fatalf("unexpected CAIP-2 parse: %+v %v", byCAIP, err)
	}
	custom, err := ParseChain("999")
	if err != nil || custom.ID != 999 {
		t.Fatalf("unexpected custom parse: %+v %v", custom, err)
	}
	if _, err := ParseChain("not-a-chain"); err == nil {
		t.Fatal("expected unsupported chain error")
	}
}

func TestParseTokenAddress(t *testing.T) {
	got, err := ParseTokenAddress("NATIVE")
	if err != nil || got != NativeTokenAddress {
		t.Fatalf("expected native sentinel, got %q %v", got, err)
	}
	got, err = ParseTokenAddress("0x0000000000000000000000000000000000000000")
	if err != nil || got != NativeTokenAddress {
		t.Fatalf("expected zero address to map to sentinel, got %q %v", got, err)
	}
	got, err = ParseTokenAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	if err != nil || got != "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48" {
		t.Fatalf("expected lower-cased address, got %q %v", got, err)
	}
	if _, err := ParseTokenAddress("0x1234"); err == nil {
		t.Fatal("expected invalid address error")
	}
	for _, symbol := range []string{"ETH", "eth", "gas"} {
		if got, err := ParseTokenAddress(symbol); err == nil {
			t.Fatalf("expected %q to need a chain token lookup, got %q", symbol, got)
		}
	}
}

func TestIsNative(t *testing.T) {
	if !IsNative("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE") {
		t.Fatal("expected mixed-case sentinel to be native")
	}
	if IsNative("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48") {
		t.Fatal("expected erc20 address to be non-native")
	}
}

func TestKnownChainIDsSorted(t *testing.T) {
	ids := KnownChainIDs()
	if len(ids) != 12 {
		t.Fatalf("expected 12 known chains, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("chain ids not sorted: %v", ids)
		}
	}
}
