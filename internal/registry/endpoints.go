package registry

import (
	"net"
	"net/url"
	"strings"
)

const (
	// LI.FI routing, directory and status endpoints share one base.
	LiFiBaseURL = "https://li.quest/v1"
	// LiFiIntegrator tags every route request.
	LiFiIntegrator = "pairs-dex"
)

var explorerByChainID = map[int64]string{
	1:       "https://etherscan.io",
	10:      "https://optimistic.etherscan.io",
	56:      "https://bscscan.com",
	100:     "https://gnosisscan.io",
	137:     "https://polygonscan.com",
	250:     "https://ftmscan.com",
	8453:    "https://basescan.org",
	42161:   "https://arbiscan.io",
	42220:   "https://celoscan.io",
	43114:   "https://snowtrace.io",
	59144:   "https://lineascan.build",
	7777777: "https://explorer.zora.energy",
}

// ExplorerTxURL links a transaction hash on the chain's block explorer.
func ExplorerTxURL(chainID int64, txHash string) (string, bool) {
	base, ok := explorerByChainID[chainID]
	if !ok || strings.TrimSpace(txHash) == "" {
		return "", false
	}
	return base + "/tx/" + strings.TrimSpace(txHash), true
}

// IsAllowedServiceURL accepts https endpoints and plain http on loopback hosts
// (local fakes and test servers).
func IsAllowedServiceURL(endpoint string) bool {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return false
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if isLoopbackHost(parsed.Hostname()) {
		return scheme == "http" || scheme == "https"
	}
	return scheme == "https"
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
