package wallet

import (
	"fmt"
	"sort"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/id"
)

// ChainMap translates between routing-service chain ids and the ids the
// wallet's RPC endpoints report. The mapping is one-to-one in both directions.
type ChainMap struct {
	toWallet  map[int64]int64
	toRouting map[int64]int64
}

// NewChainMap validates a routing->wallet mapping.
func NewChainMap(pairs map[int64]int64) (ChainMap, error) {
	m := ChainMap{toWallet: make(map[int64]int64, len(pairs)), toRouting: make(map[int64]int64, len(pairs))}
	for routingID, walletID := range pairs {
		if routingID <= 0 || walletID <= 0 {
			return ChainMap{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid chain map entry %d -> %d", routingID, walletID))
		}
		if prev, ok := m.toRouting[walletID]; ok {
			return ChainMap{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("wallet chain %d is mapped from both %d and %d", walletID, prev, routingID))
		}
		m.toWallet[routingID] = walletID
		m.toRouting[walletID] = routingID
	}
	return m, nil
}

// DefaultChainMap maps every built-in chain to itself.
func DefaultChainMap() ChainMap {
	pairs := map[int64]int64{}
	for _, chainID := range id.KnownChainIDs() {
		pairs[chainID] = chainID
	}
	m, _ := NewChainMap(pairs)
	return m
}

// WithOverrides returns a copy with extra or replaced routing->wallet entries.
func (m ChainMap) WithOverrides(overrides map[int64]int64) (ChainMap, error) {
	pairs := make(map[int64]int64, len(m.toWallet)+len(overrides))
	for routingID, walletID := range m.toWallet {
		pairs[routingID] = walletID
	}
	for routingID, walletID := range overrides {
		pairs[routingID] = walletID
	}
	return NewChainMap(pairs)
}

func (m ChainMap) ToWallet(routingID int64) (int64, error) {
	walletID, ok := m.toWallet[routingID]
	if !ok {
		return 0, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("chain %d is not supported by the wallet", routingID))
	}
	return walletID, nil
}

func (m ChainMap) ToRouting(walletID int64) (int64, error) {
	routingID, ok := m.toRouting[walletID]
	if !ok {
		return 0, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("wallet chain %d has no routing chain", walletID))
	}
	return routingID, nil
}

func (m ChainMap) RoutingIDs() []int64 {
	ids := make([]int64, 0, len(m.toWallet))
	for routingID := range m.toWallet {
		ids = append(ids, routingID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
