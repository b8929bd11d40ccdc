package providers

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ggonzalez94/xswap/internal/model"
)

// ErrTokenNotFound is returned by a Directory when the chain has no token at
// the requested address.
var ErrTokenNotFound = errors.New("token not found")

type Directory interface {
	ListChains(ctx context.Context) ([]model.Chain, error)
	ListTokens(ctx context.Context, chainID int64) ([]model.Token, error)
	GetToken(ctx context.Context, chainID int64, address string) (model.Token, error)
}

// Wallet is the connected signer. Chain ids are routing-service ids.
type Wallet interface {
	Address() string
	ChainID() int64
	RequestChainSwitch(ctx context.Context, chainID int64) error
	SetAllowance(ctx context.Context, token, spender string, amount *big.Int) (string, error)
	SendTransaction(ctx context.Context, tx model.TxRequest) (string, error)
}

// AllowanceReader is implemented by wallets that can read current ERC-20
// allowances.
type AllowanceReader interface {
	Allowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error)
}

type Router interface {
	GetRoutes(ctx context.Context, req model.SwapRequest) (RoutesResult, error)
}

type RoutesResult struct {
	Routes      []model.Route
	Unavailable UnavailableRoutes
}

type UnavailableRoutes struct {
	FilteredOut []FilteredRoute
	Failed      []FailedRoute
}

type FilteredRoute struct {
	OverallPath string
	Reason      string
}

// FailedRoute keeps subpaths in the order the routing service reported them.
type FailedRoute struct {
	OverallPath string
	Subpaths    []Subpath
}

type Subpath struct {
	Key    string
	Errors []ToolError
}

type ToolError struct {
	ErrorType string
	Code      string
	Tool      string
	Message   string
}

// ProgressFunc receives execution updates in the order they occur.
type ProgressFunc func(model.ProgressUpdate)

type ExecutionService interface {
	ExecuteRoute(ctx context.Context, route model.Route, wallet Wallet, onUpdate ProgressFunc) error
}

type BalanceService interface {
	GetTokenBalance(ctx context.Context, chainID int64, address string, token string) (*big.Int, error)
	GetTokenBalances(ctx context.Context, chainID int64, address string, tokens []string) (map[string]*big.Int, error)
}

// RejectedError is a request the service refused outright (a 4xx other than
// rate limiting), with the service's own message.
type RejectedError struct {
	Status  int
	Message string
	Cause   error
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request rejected (status %d)", e.Status)
	}
	return fmt.Sprintf("request rejected (status %d): %s", e.Status, e.Message)
}

func (e *RejectedError) Unwrap() error { return e.Cause }
