package swap

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

const (
	codeAmountTooHigh   = "AMOUNT_TOO_HIGH"
	codeNoPossibleRoute = "NO_POSSIBLE_ROUTE"
)

type Quoter struct {
	router providers.Router
	logger *slog.Logger
}

func NewQuoter(router providers.Router, logger *slog.Logger) *Quoter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Quoter{router: router, logger: logger.With(slog.String("component", "quoter"))}
}

// RequestQuote makes exactly one routing call and returns the service's first
// candidate. Failures are a *RouteFailure or a *TransientError.
func (q *Quoter) RequestQuote(ctx context.Context, req model.SwapRequest) (model.Route, error) {
	result, err := q.router.GetRoutes(ctx, req)
	if err != nil {
		return model.Route{}, classifyRouterError(err)
	}
	if len(result.Routes) == 0 {
		failure := ClassifyUnavailable(result.Unavailable)
		q.logger.Info("no route",
			slog.String("kind", string(failure.Kind)),
			slog.Int("filtered_out", len(result.Unavailable.FilteredOut)),
			slog.Int("failed", len(result.Unavailable.Failed)),
		)
		return model.Route{}, failure
	}
	route := result.Routes[0]
	if err := checkRoute(route); err != nil {
		return model.Route{}, err
	}
	q.logger.Debug("route selected",
		slog.String("route_id", route.ID),
		slog.Int("steps", len(route.Steps)),
		slog.Int("candidates", len(result.Routes)),
	)
	return route, nil
}

// ClassifyUnavailable explains an empty route list. Filtered-out entries win
// over failed subpaths; within failed subpaths the first matching error wins;
// anything else is NoPossibleRoute.
func ClassifyUnavailable(u providers.UnavailableRoutes) *RouteFailure {
	if len(u.FilteredOut) > 0 {
		return &RouteFailure{Kind: FilteredOut, Reason: u.FilteredOut[0].Reason}
	}
	for _, failed := range u.Failed {
		for _, subpath := range failed.Subpaths {
			for _, toolErr := range subpath.Errors {
				if kind, ok := matchToolError(toolErr); ok {
					return &RouteFailure{Kind: kind}
				}
			}
		}
	}
	return &RouteFailure{Kind: NoPossibleRoute}
}

func matchToolError(e providers.ToolError) (RouteFailureKind, bool) {
	code := strings.ToUpper(strings.TrimSpace(e.Code))
	switch {
	case code == codeAmountTooHigh:
		return AmountTooHigh, true
	case strings.Contains(strings.ToLower(e.Message), "insufficient liquidity"):
		return InsufficientLiquidity, true
	case code == codeNoPossibleRoute:
		return NoPossibleRoute, true
	}
	return "", false
}

func classifyRouterError(err error) error {
	var rejected *providers.RejectedError
	if errors.As(err, &rejected) {
		if strings.Contains(strings.ToLower(rejected.Message), "price impact") {
			return &RouteFailure{Kind: PriceImpactTooHigh}
		}
		reason := rejected.Message
		if reason == "" {
			reason = rejected.Error()
		}
		return &RouteFailure{Kind: Unknown, Reason: reason}
	}
	return normalize("route quote", err)
}

func checkRoute(route model.Route) error {
	if len(route.Steps) == 0 {
		return &RouteFailure{Kind: Unknown, Reason: "routing service returned a route without steps"}
	}
	toAmount, okTo := new(big.Int).SetString(route.ToAmount, 10)
	toAmountMin, okMin := new(big.Int).SetString(route.ToAmountMin, 10)
	if okTo && okMin && toAmountMin.Cmp(toAmount) > 0 {
		return &RouteFailure{Kind: Unknown, Reason: "route minimum output exceeds its estimate"}
	}
	return nil
}
