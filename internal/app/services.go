package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggonzalez94/xswap/internal/balance"
	"github.com/ggonzalez94/xswap/internal/cache"
	"github.com/ggonzalez94/xswap/internal/config"
	"github.com/ggonzalez94/xswap/internal/directory"
	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/httpx"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
	"github.com/ggonzalez94/xswap/internal/providers/lifi"
	"github.com/ggonzalez94/xswap/internal/store"
	"github.com/ggonzalez94/xswap/internal/swap"
	"github.com/ggonzalez94/xswap/internal/wallet"
)

const providerName = "lifi"

// lifiClient serves routing and step execution. It is built without a client
// timeout: route computation and status polling are bounded by the caller.
func (s *runtimeState) lifiClient() *lifi.Client {
	if s.lifi == nil {
		s.lifi = lifi.New(httpx.New(0, s.settings.Retries), lifi.Options{
			BaseURL:      s.settings.LiFiBaseURL,
			APIKey:       s.settings.LiFiAPIKey,
			Integrator:   s.settings.LiFiIntegrator,
			PollInterval: s.settings.PollInterval,
			Logger:       s.logger,
		})
	}
	return s.lifi
}

// tokenDirectory is the cached chain and token directory. Directory calls use
// the configured timeout and retries. A cache that cannot be opened degrades
// to direct lookups with a warning.
func (s *runtimeState) tokenDirectory(ctx context.Context) providers.Directory {
	if s.directory != nil {
		return s.directory
	}
	upstream := lifi.New(httpx.New(s.settings.Timeout, s.settings.Retries), lifi.Options{
		BaseURL:    s.settings.LiFiBaseURL,
		APIKey:     s.settings.LiFiAPIKey,
		Integrator: s.settings.LiFiIntegrator,
		Logger:     s.logger,
	})
	maxStale := s.settings.MaxStale
	if s.settings.NoStale {
		maxStale = 0
	}
	s.directory = directory.NewCached(upstream, s.openCache(ctx), s.settings.CacheTTL, maxStale, s.logger)
	return s.directory
}

func (s *runtimeState) openCache(ctx context.Context) cache.Backend {
	if !s.settings.CacheEnabled {
		return nil
	}
	if s.cache != nil || s.cacheErr != nil {
		return s.cache
	}
	var err error
	retention := s.settings.CacheTTL + s.settings.MaxStale
	switch s.settings.CacheBackend {
	case config.CacheBackendRedis:
		var rdb *cache.RedisStore
		rdb, err = cache.OpenRedis(ctx, s.settings.RedisAddr, s.settings.RedisPassword, s.settings.RedisDB, s.settings.RedisPrefix, retention)
		if err == nil {
			s.cache = rdb
		}
	default:
		var db *cache.Store
		db, err = cache.Open(s.settings.CachePath, s.settings.CacheLockPath, retention)
		if err == nil {
			s.cache = db
		}
	}
	if err != nil {
		s.cacheErr = err
		s.logger.Warn("cache unavailable, continuing without it",
			slog.String("backend", s.settings.CacheBackend),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return s.cache
}

// cacheMeta reports whether directory reads went through a cache.
func (s *runtimeState) cacheMeta() model.CacheStatus {
	if s.cache == nil {
		return cacheMetaBypass()
	}
	return model.CacheStatus{Status: "read_through"}
}

func (s *runtimeState) cacheWarnings() []string {
	if s.cacheErr == nil {
		return nil
	}
	return []string{fmt.Sprintf("%s cache unavailable: %v", s.settings.CacheBackend, s.cacheErr)}
}

func (s *runtimeState) balanceService() *balance.Service {
	if s.balances == nil {
		s.balances = balance.New(s.settings.RPCURLs, s.logger)
	}
	return s.balances
}

func (s *runtimeState) sessionStore() (*store.SessionStore, error) {
	if s.sessions != nil {
		return s.sessions, nil
	}
	sessions, err := store.OpenSessionStore(s.settings.SessionStorePath, s.settings.SessionLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open session store", err)
	}
	s.sessions = sessions
	return sessions, nil
}

// swapMachine wires the session machine to the directory, LI.FI routing and
// execution, on-chain balances and the session history.
func (s *runtimeState) swapMachine(ctx context.Context) (*swap.Machine, error) {
	if s.machine != nil {
		return s.machine, nil
	}
	sessions, err := s.sessionStore()
	if err != nil {
		return nil, err
	}
	router := s.lifiClient()
	s.machine = swap.NewMachine(swap.Deps{
		Builder:      swap.NewRequestBuilder(s.tokenDirectory(ctx), s.settings.Slippage, s.logger),
		Quoter:       swap.NewQuoter(router, s.logger),
		Gate:         swap.NewAllowanceGate(s.logger),
		Orchestrator: swap.NewOrchestrator(router, s.logger),
		Balances:     swap.NewReconciler(s.balanceService(), s.logger),
		Recorder:     sessions,
		Logger:       s.logger,
	})
	return s.machine, nil
}

func (s *runtimeState) chainMap() (wallet.ChainMap, error) {
	chains, err := wallet.DefaultChainMap().WithOverrides(s.settings.ChainMap)
	if err != nil {
		return wallet.ChainMap{}, clierr.Wrap(clierr.CodeUsage, "invalid chain map", err)
	}
	return chains, nil
}

func (s *runtimeState) loadSigner() (*wallet.LocalSigner, error) {
	signer, err := wallet.NewSignerFromEnv(s.settings.KeySource)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signing key", err)
	}
	return signer, nil
}

// openWallet connects the local signer, starting on the route's source chain.
// RPC overrides are keyed by routing chain id and translated to wallet ids.
func (s *runtimeState) openWallet(signer wallet.Signer, fromChainID int64) (*wallet.LocalWallet, error) {
	chains, err := s.chainMap()
	if err != nil {
		return nil, err
	}
	rpcURLs := make(map[int64]string, len(s.settings.RPCURLs))
	for routingID, url := range s.settings.RPCURLs {
		walletID, err := chains.ToWallet(routingID)
		if err != nil {
			walletID = routingID
		}
		rpcURLs[walletID] = url
	}
	w, err := wallet.NewLocal(signer, chains, fromChainID, wallet.Options{
		RPCURLs:       rpcURLs,
		GasMultiplier: s.settings.GasMultiplier,
		PollInterval:  s.settings.PollInterval,
		Logger:        s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.wallets = append(s.wallets, w)
	return w, nil
}

// close waits for background balance refreshes so their results are recorded,
// then releases every adapter.
func (s *runtimeState) close() {
	if s.machine != nil {
		done := make(chan struct{})
		go func() {
			s.machine.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			s.logger.Warn("balance refresh still running at exit")
		}
	}
	for _, w := range s.wallets {
		w.Close()
	}
	if s.balances != nil {
		s.balances.Close()
	}
	if s.sessions != nil {
		_ = s.sessions.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if norm := strings.TrimSpace(part); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}
