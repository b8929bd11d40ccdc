package swap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

const (
	testSender  = "0x00000000000000000000000000000000000000a1"
	testUSDC    = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	testSpender = "0x1231deb6f5749ef6ce6943a275a1d3e7486f4eae"
)

type fakeDirectory struct {
	mu     sync.Mutex
	tokens map[string]model.Token
	err    error
	calls  int
	// hold, when set, runs before each lookup outside the lock.
	hold func(chainID int64, address string)
}

func newFakeDirectory(tokens ...model.Token) *fakeDirectory {
	d := &fakeDirectory{tokens: map[string]model.Token{}}
	for _, token := range tokens {
		d.tokens[tokenKey(token.ChainID, token.Address)] = token
	}
	return d
}

func tokenKey(chainID int64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, id.NormalizeAddress(address))
}

func (d *fakeDirectory) ListChains(context.Context) ([]model.Chain, error) { return nil, nil }

func (d *fakeDirectory) ListTokens(context.Context, int64) ([]model.Token, error) { return nil, nil }

func (d *fakeDirectory) GetToken(_ context.Context, chainID int64, address string) (model.Token, error) {
	d.mu.Lock()
	hold := d.hold
	d.mu.Unlock()
	if hold != nil {
		hold(chainID, address)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return model.Token{}, d.err
	}
	token, ok := d.tokens[tokenKey(chainID, address)]
	if !ok {
		return model.Token{}, providers.ErrTokenNotFound
	}
	return token, nil
}

func (d *fakeDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func nativeToken(chainID int64) model.Token {
	return model.Token{Address: id.NativeTokenAddress, ChainID: chainID, Symbol: "ETH", Decimals: 18, Native: true}
}

func usdcToken(chainID int64) model.Token {
	return model.Token{Address: testUSDC, ChainID: chainID, Symbol: "USDC", Decimals: 6}
}

type routerFunc func(ctx context.Context, req model.SwapRequest) (providers.RoutesResult, error)

func (f routerFunc) GetRoutes(ctx context.Context, req model.SwapRequest) (providers.RoutesResult, error) {
	return f(ctx, req)
}

func routeResult(routes ...model.Route) routerFunc {
	return func(context.Context, model.SwapRequest) (providers.RoutesResult, error) {
		return providers.RoutesResult{Routes: routes}, nil
	}
}

func singleStepRoute(req model.SwapRequest, from, to model.Token) model.Route {
	return model.Route{
		ID:          "route-1",
		FromChainID: req.FromChainID,
		ToChainID:   req.ToChainID,
		FromToken:   from,
		ToToken:     to,
		FromAmount:  req.AmountRaw,
		ToAmount:    "990000000000000000",
		ToAmountMin: "985000000000000000",
		Steps: []model.Step{{
			ID:          "step-1",
			Type:        "lifi",
			Tool:        "stargate",
			FromChainID: req.FromChainID,
			ToChainID:   req.ToChainID,
			FromToken:   from,
			ToToken:     to,
			FromAmount:  req.AmountRaw,
			ToAmount:    "990000000000000000",
			ToAmountMin: "985000000000000000",
		}},
	}
}

type execFunc func(ctx context.Context, route model.Route, wallet providers.Wallet, onUpdate providers.ProgressFunc) error

func (f execFunc) ExecuteRoute(ctx context.Context, route model.Route, wallet providers.Wallet, onUpdate providers.ProgressFunc) error {
	return f(ctx, route, wallet, onUpdate)
}

type fakeWallet struct {
	mu         sync.Mutex
	address    string
	chainID    int64
	calls      []string
	approvals  []*big.Int
	approveErr error
	allowance  *big.Int
}

func newFakeWallet(chainID int64) *fakeWallet {
	return &fakeWallet{address: testSender, chainID: chainID}
}

func (w *fakeWallet) record(call string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, call)
}

func (w *fakeWallet) Address() string {
	w.record("address")
	return w.address
}

func (w *fakeWallet) ChainID() int64 {
	w.record("chain_id")
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID
}

func (w *fakeWallet) RequestChainSwitch(_ context.Context, chainID int64) error {
	w.record(fmt.Sprintf("switch:%d", chainID))
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chainID = chainID
	return nil
}

func (w *fakeWallet) SetAllowance(_ context.Context, token, spender string, amount *big.Int) (string, error) {
	w.record("approve:" + strings.ToLower(token) + ":" + strings.ToLower(spender))
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.approveErr != nil {
		return "", w.approveErr
	}
	w.approvals = append(w.approvals, new(big.Int).Set(amount))
	return "0xapprove", nil
}

func (w *fakeWallet) SendTransaction(context.Context, model.TxRequest) (string, error) {
	w.record("send")
	return "0xsend", nil
}

func (w *fakeWallet) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// readingWallet also exposes the current allowance.
type readingWallet struct {
	*fakeWallet
}

func (w readingWallet) Allowance(_ context.Context, _ int64, _, _, _ string) (*big.Int, error) {
	w.record("allowance")
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.allowance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(w.allowance), nil
}

type fakeBalances struct {
	mu       sync.Mutex
	batchErr error
	values   map[string]*big.Int
	failing  map[string]bool
	batches  int
	singles  int
}

func (b *fakeBalances) GetTokenBalances(_ context.Context, _ int64, _ string, tokens []string) (map[string]*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches++
	if b.batchErr != nil {
		return nil, b.batchErr
	}
	out := map[string]*big.Int{}
	for _, token := range tokens {
		if v, ok := b.values[token]; ok {
			out[token] = v
		}
	}
	return out, nil
}

func (b *fakeBalances) GetTokenBalance(_ context.Context, _ int64, _ string, token string) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.singles++
	if b.failing[token] {
		return nil, fmt.Errorf("rpc timeout for %s", token)
	}
	v, ok := b.values[token]
	if !ok {
		return nil, fmt.Errorf("no balance for %s", token)
	}
	return v, nil
}

type snapshotCall struct {
	chainID int64
	tokens  []string
}

type countingSnapshotter struct {
	mu    sync.Mutex
	calls []snapshotCall
}

func (c *countingSnapshotter) Snapshot(_ context.Context, chainID int64, address string, tokens []string) model.BalanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, snapshotCall{chainID: chainID, tokens: append([]string(nil), tokens...)})
	balances := map[string]string{}
	for _, token := range tokens {
		balances[token] = "1"
	}
	return model.BalanceSnapshot{Address: address, ChainID: chainID, Balances: balances}
}

func (c *countingSnapshotter) callsOn(chainID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.chainID == chainID {
			n++
		}
	}
	return n
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []model.SessionRecord
}

func (r *memoryRecorder) Record(_ context.Context, rec model.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryRecorder) states(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.records {
		if rec.ID == sessionID {
			out = append(out, rec.State)
		}
	}
	return out
}
