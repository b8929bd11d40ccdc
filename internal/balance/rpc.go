package balance

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/providers"
	"github.com/ggonzalez94/xswap/internal/registry"
)

var erc20ABI = mustABI(registry.ERC20MinimalABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Service reads native and ERC-20 balances over JSON-RPC. Multi-token reads go
// out as one JSON-RPC batch per chain.
type Service struct {
	rpcURLs map[int64]string
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[int64]*gethrpc.Client
}

var _ providers.BalanceService = (*Service)(nil)

func New(rpcURLs map[int64]string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		rpcURLs: rpcURLs,
		logger:  logger.With(slog.String("component", "balance")),
		clients: map[int64]*gethrpc.Client{},
	}
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chainID, client := range s.clients {
		client.Close()
		delete(s.clients, chainID)
	}
}

func (s *Service) client(ctx context.Context, chainID int64) (*gethrpc.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[chainID]; ok {
		return client, nil
	}
	rpcURL, err := registry.ResolveRPCURL(s.rpcURLs, chainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	client, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	s.clients[chainID] = client
	return client, nil
}

type balanceCall struct {
	elem   gethrpc.BatchElem
	native *hexutil.Big
	data   *hexutil.Bytes
}

func newBalanceCall(owner, token string) (*balanceCall, error) {
	if !common.IsHexAddress(owner) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid owner address: %s", owner))
	}
	if id.IsNative(token) {
		call := &balanceCall{native: new(hexutil.Big)}
		call.elem = gethrpc.BatchElem{
			Method: "eth_getBalance",
			Args:   []any{common.HexToAddress(owner), "latest"},
			Result: call.native,
		}
		return call, nil
	}
	if !common.IsHexAddress(token) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address: %s", token))
	}
	input, err := erc20ABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf call", err)
	}
	call := &balanceCall{data: new(hexutil.Bytes)}
	call.elem = gethrpc.BatchElem{
		Method: "eth_call",
		Args: []any{map[string]any{
			"to":   common.HexToAddress(token),
			"data": hexutil.Bytes(input),
		}, "latest"},
		Result: call.data,
	}
	return call, nil
}

func (c *balanceCall) value() (*big.Int, error) {
	if c.elem.Error != nil {
		return nil, c.elem.Error
	}
	if c.native != nil {
		return c.native.ToInt(), nil
	}
	out, err := erc20ABI.Unpack("balanceOf", *c.data)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", out[0])
	}
	return balance, nil
}

func (s *Service) GetTokenBalance(ctx context.Context, chainID int64, address string, token string) (*big.Int, error) {
	call, err := newBalanceCall(address, token)
	if err != nil {
		return nil, err
	}
	client, err := s.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if err := client.CallContext(ctx, call.elem.Result, call.elem.Method, call.elem.Args...); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token balance", err)
	}
	balance, err := call.value()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token balance", err)
	}
	return balance, nil
}

// GetTokenBalances fetches every token in one batch. Any element failure fails
// the whole call; callers fall back to single reads for partial results.
func (s *Service) GetTokenBalances(ctx context.Context, chainID int64, address string, tokens []string) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	calls := make([]*balanceCall, 0, len(tokens))
	elems := make([]gethrpc.BatchElem, 0, len(tokens))
	for _, token := range tokens {
		call, err := newBalanceCall(address, token)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
		elems = append(elems, call.elem)
	}
	client, err := s.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if err := client.BatchCallContext(ctx, elems); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "batch balance read", err)
	}
	for i, call := range calls {
		call.elem.Error = elems[i].Error
		balance, err := call.value()
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("batch balance read for %s", tokens[i]), err)
		}
		out[id.NormalizeAddress(tokens[i])] = balance
	}
	s.logger.Debug("balances fetched", slog.Int64("chain_id", chainID), slog.Int("tokens", len(out)))
	return out, nil
}
