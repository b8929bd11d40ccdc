package id

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
)

const (
	// NativeTokenAddress is the reserved sentinel for a chain's gas asset.
	NativeTokenAddress = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
)

type Chain struct {
	ID   int64
	Key  string
	Name string
}

var chainBySlug = map[string]Chain{
	"ethereum":  {ID: 1, Key: "eth", Name: "Ethereum"},
	"mainnet":   {ID: 1, Key: "eth", Name: "Ethereum"},
	"eth":       {ID: 1, Key: "eth", Name: "Ethereum"},
	"polygon":   {ID: 137, Key: "pol", Name: "Polygon"},
	"pol":       {ID: 137, Key: "pol", Name: "Polygon"},
	"arbitrum":  {ID: 42161, Key: "arb", Name: "Arbitrum"},
	"arb":       {ID: 42161, Key: "arb", Name: "Arbitrum"},
	"optimism":  {ID: 10, Key: "opt", Name: "Optimism"},
	"opt":       {ID: 10, Key: "opt", Name: "Optimism"},
	"avalanche": {ID: 43114, Key: "ava", Name: "Avalanche"},
	"bsc":       {ID: 56, Key: "bsc", Name: "BNB Chain"},
	"base":      {ID: 8453, Key: "bas", Name: "Base"},
	"gnosis":    {ID: 100, Key: "dai", Name: "Gnosis"},
	"celo":      {ID: 42220, Key: "cel", Name: "Celo"},
	"fantom":    {ID: 250, Key: "ftm", Name: "Fantom"},
	"linea":     {ID: 59144, Key: "lna", Name: "Linea"},
	"zora":      {ID: 7777777, Key: "zor", Name: "Zora"},
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.ID] = chain
	}
	return out
}()

// KnownChainIDs lists the chains with built-in metadata, ascending.
func KnownChainIDs() []int64 {
	ids := make([]int64, 0, len(chainByID))
	for chainID := range chainByID {
		ids = append(ids, chainID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LookupChain returns built-in metadata for a chain id.
func LookupChain(chainID int64) (Chain, bool) {
	chain, ok := chainByID[chainID]
	return chain, ok
}

// ParseChain accepts a slug ("polygon"), a numeric id ("137") or a CAIP-2 id
// ("eip155:137"). Unknown numeric ids are accepted as-is.
func ParseChain(input string) (Chain, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if norm == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}
	norm = strings.TrimPrefix(norm, "eip155:")
	chainID, err := strconv.ParseInt(norm, 10, 64)
	if err != nil || chainID <= 0 {
		return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
	}
	if chain, ok := chainByID[chainID]; ok {
		return chain, nil
	}
	return Chain{ID: chainID, Key: fmt.Sprintf("evm-%d", chainID), Name: fmt.Sprintf("EVM-%d", chainID)}, nil
}

// NormalizeAddress lower-cases a hex address. Every map keyed by address uses
// this form.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsNative reports whether addr is the native sentinel or its zero-address alias.
func IsNative(addr string) bool {
	norm := NormalizeAddress(addr)
	return norm == NativeTokenAddress || norm == zeroAddress
}

// ParseTokenAddress resolves user token input into a normalized address.
// Only "native" is an alias; symbols such as ETH differ per chain and are
// resolved against the chain's token list by the caller.
func ParseTokenAddress(input string) (string, error) {
	norm := NormalizeAddress(input)
	if norm == "native" || IsNative(norm) {
		return NativeTokenAddress, nil
	}
	if !common.IsHexAddress(norm) {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address: %s", input))
	}
	return norm, nil
}
