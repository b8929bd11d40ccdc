package registry

import (
	"fmt"
	"strings"
)

// Default public RPC endpoints for the chains the wallet and balance lookups
// talk to. Overridden per chain through settings.
var defaultRPCByChainID = map[int64]string{
	1:       "https://eth.llamarpc.com",
	10:      "https://mainnet.optimism.io",
	56:      "https://bsc-dataseed.binance.org",
	100:     "https://rpc.gnosischain.com",
	137:     "https://polygon-rpc.com",
	250:     "https://rpc.ftm.tools",
	8453:    "https://mainnet.base.org",
	42161:   "https://arb1.arbitrum.io/rpc",
	42220:   "https://forno.celo.org",
	43114:   "https://api.avax.network/ext/bc/C/rpc",
	59144:   "https://rpc.linea.build",
	7777777: "https://rpc.zora.energy",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

// ResolveRPCURL prefers an explicit override, then the per-chain default.
func ResolveRPCURL(overrides map[int64]string, chainID int64) (string, error) {
	if value := strings.TrimSpace(overrides[chainID]); value != "" {
		return value, nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no rpc configured for chain id %d; set rpc_urls in config", chainID)
}
