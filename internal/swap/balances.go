package swap

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

type Reconciler struct {
	balances providers.BalanceService
	logger   *slog.Logger
	now      func() time.Time
}

func NewReconciler(balances providers.BalanceService, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		balances: balances,
		logger:   logger.With(slog.String("component", "reconciler")),
		now:      time.Now,
	}
}

// Snapshot reads balances of tokens held by address on one chain. It tries a
// single batched call, then falls back to one call per token and keeps every
// success. A token missing from the result could not be read.
func (r *Reconciler) Snapshot(ctx context.Context, chainID int64, address string, tokens []string) model.BalanceSnapshot {
	snap := model.BalanceSnapshot{
		Address:  id.NormalizeAddress(address),
		ChainID:  chainID,
		Balances: map[string]string{},
		TakenAt:  r.now().UTC(),
	}
	keys := uniqueAddresses(tokens)
	if len(keys) == 0 {
		return snap
	}

	batch, err := r.balances.GetTokenBalances(ctx, chainID, snap.Address, keys)
	if err == nil {
		for token, amount := range batch {
			if amount != nil {
				snap.Balances[id.NormalizeAddress(token)] = amount.String()
			}
		}
		return snap
	}
	r.logger.Warn("batched balance fetch failed, falling back to per-token reads",
		slog.Int64("chain_id", chainID),
		slog.Int("tokens", len(keys)),
		slog.String("error", err.Error()),
	)

	for _, token := range keys {
		if ctx.Err() != nil {
			break
		}
		amount, err := r.balances.GetTokenBalance(ctx, chainID, snap.Address, token)
		if err != nil || amount == nil {
			r.logger.Debug("balance read failed",
				slog.String("token", token),
				slog.Any("error", err),
			)
			continue
		}
		snap.Balances[token] = amount.String()
	}
	return snap
}

func uniqueAddresses(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		key := id.NormalizeAddress(token)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
