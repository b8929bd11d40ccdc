package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggonzalez94/xswap/internal/cache"
	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

// Cached serves directory lookups from a TTL cache. A failed upstream call
// falls back to a stale entry still inside the stale budget.
type Cached struct {
	next     providers.Directory
	backend  cache.Backend
	ttl      time.Duration
	maxStale time.Duration
	logger   *slog.Logger
}

var _ providers.Directory = (*Cached)(nil)

func NewCached(next providers.Directory, backend cache.Backend, ttl, maxStale time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cached{
		next:     next,
		backend:  backend,
		ttl:      ttl,
		maxStale: maxStale,
		logger:   logger.With(slog.String("component", "directory")),
	}
}

func (c *Cached) ListChains(ctx context.Context) ([]model.Chain, error) {
	return lookup(ctx, c, "chains", func(ctx context.Context) ([]model.Chain, error) {
		return c.next.ListChains(ctx)
	})
}

func (c *Cached) ListTokens(ctx context.Context, chainID int64) ([]model.Token, error) {
	return lookup(ctx, c, fmt.Sprintf("tokens:%d", chainID), func(ctx context.Context) ([]model.Token, error) {
		return c.next.ListTokens(ctx, chainID)
	})
}

func (c *Cached) GetToken(ctx context.Context, chainID int64, address string) (model.Token, error) {
	key := fmt.Sprintf("token:%d:%s", chainID, id.NormalizeAddress(address))
	return lookup(ctx, c, key, func(ctx context.Context) (model.Token, error) {
		return c.next.GetToken(ctx, chainID, address)
	})
}

func lookup[T any](ctx context.Context, c *Cached, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if c.backend == nil || c.ttl <= 0 {
		return fetch(ctx)
	}
	cached, err := c.backend.Get(ctx, key, c.maxStale)
	if err != nil {
		c.logger.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	var hit T
	haveHit := err == nil && cached.Hit && json.Unmarshal(cached.Value, &hit) == nil
	if haveHit && !cached.Stale {
		return hit, nil
	}

	value, fetchErr := fetch(ctx)
	if fetchErr != nil {
		if haveHit && !cached.TooStale {
			c.logger.Warn("serving stale directory entry",
				slog.String("key", key),
				slog.Duration("age", cached.Age),
				slog.String("error", fetchErr.Error()),
			)
			return hit, nil
		}
		return zero, fetchErr
	}
	if data, err := json.Marshal(value); err == nil {
		if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return value, nil
}
