package swap

import (
	"context"
	"errors"
	"testing"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

func failedWith(errs ...providers.ToolError) providers.FailedRoute {
	return providers.FailedRoute{Subpaths: []providers.Subpath{{Key: "a", Errors: errs}}}
}

func TestClassifyUnavailable(t *testing.T) {
	cases := []struct {
		name string
		in   providers.UnavailableRoutes
		want RouteFailureKind
	}{
		{
			name: "filtered out wins over amount too high",
			in: providers.UnavailableRoutes{
				FilteredOut: []providers.FilteredRoute{{Reason: "slippage too high"}, {Reason: "second"}},
				Failed:      []providers.FailedRoute{failedWith(providers.ToolError{Code: "AMOUNT_TOO_HIGH"})},
			},
			want: FilteredOut,
		},
		{
			name: "amount too high",
			in:   providers.UnavailableRoutes{Failed: []providers.FailedRoute{failedWith(providers.ToolError{Code: "AMOUNT_TOO_HIGH"})}},
			want: AmountTooHigh,
		},
		{
			name: "insufficient liquidity by message",
			in: providers.UnavailableRoutes{Failed: []providers.FailedRoute{failedWith(
				providers.ToolError{Code: "TOOL_ERROR", Message: "Insufficient Liquidity in pool"},
			)}},
			want: InsufficientLiquidity,
		},
		{
			name: "first match across subpaths wins",
			in: providers.UnavailableRoutes{Failed: []providers.FailedRoute{{Subpaths: []providers.Subpath{
				{Key: "zeta", Errors: []providers.ToolError{{Code: "TOOL_TIMEOUT"}, {Code: "NO_POSSIBLE_ROUTE"}}},
				{Key: "alpha", Errors: []providers.ToolError{{Code: "AMOUNT_TOO_HIGH"}}},
			}}}},
			want: NoPossibleRoute,
		},
		{
			name: "later failed entry still inspected",
			in: providers.UnavailableRoutes{Failed: []providers.FailedRoute{
				failedWith(providers.ToolError{Code: "TOOL_TIMEOUT"}),
				failedWith(providers.ToolError{Code: "AMOUNT_TOO_HIGH"}),
			}},
			want: AmountTooHigh,
		},
		{
			name: "unmatched codes fall back to no possible route",
			in:   providers.UnavailableRoutes{Failed: []providers.FailedRoute{failedWith(providers.ToolError{Code: "CHAIN_NOT_SUPPORTED", Message: "nope"})}},
			want: NoPossibleRoute,
		},
		{
			name: "nothing reported",
			want: NoPossibleRoute,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyUnavailable(tc.in)
			if got.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Kind)
			}
		})
	}
	if got := ClassifyUnavailable(cases[0].in); got.Reason != "slippage too high" {
		t.Fatalf("expected first filtered reason, got %q", got.Reason)
	}
}

func TestRequestQuoteSelectsFirstRoute(t *testing.T) {
	calls := 0
	req := model.SwapRequest{FromChainID: 1, ToChainID: 137, AmountRaw: "1000"}
	first := singleStepRoute(req, nativeToken(1), nativeToken(137))
	second := first
	second.ID = "route-2"
	second.ToAmount = "999999999999999999"
	q := NewQuoter(routerFunc(func(context.Context, model.SwapRequest) (providers.RoutesResult, error) {
		calls++
		return providers.RoutesResult{Routes: []model.Route{first, second}}, nil
	}), nil)

	route, err := q.RequestQuote(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestQuote failed: %v", err)
	}
	if route.ID != "route-1" {
		t.Fatalf("expected the service's first route, got %s", route.ID)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one routing call, got %d", calls)
	}
}

func TestRequestQuoteNoRoutesAmountTooHigh(t *testing.T) {
	q := NewQuoter(routerFunc(func(context.Context, model.SwapRequest) (providers.RoutesResult, error) {
		return providers.RoutesResult{Unavailable: providers.UnavailableRoutes{
			Failed: []providers.FailedRoute{failedWith(providers.ToolError{Code: "AMOUNT_TOO_HIGH", Message: "amount too high"})},
		}}, nil
	}), nil)
	_, err := q.RequestQuote(context.Background(), model.SwapRequest{})
	var failure *RouteFailure
	if !errors.As(err, &failure) || failure.Kind != AmountTooHigh {
		t.Fatalf("expected AmountTooHigh, got %v", err)
	}
	if code, _ := clierr.CodeOf(err); code != clierr.CodeRoute {
		t.Fatalf("expected route exit code, got %d", code)
	}
}

func TestRequestQuoteRejectedRequests(t *testing.T) {
	cases := []struct {
		message string
		want    RouteFailureKind
	}{
		{"The price impact of this swap is too high", PriceImpactTooHigh},
		{"Invalid toAddress", Unknown},
	}
	for _, tc := range cases {
		q := NewQuoter(routerFunc(func(context.Context, model.SwapRequest) (providers.RoutesResult, error) {
			return providers.RoutesResult{}, &providers.RejectedError{Status: 400, Message: tc.message}
		}), nil)
		_, err := q.RequestQuote(context.Background(), model.SwapRequest{})
		var failure *RouteFailure
		if !errors.As(err, &failure) || failure.Kind != tc.want {
			t.Fatalf("%q: expected %s, got %v", tc.message, tc.want, err)
		}
		if tc.want == Unknown && failure.Reason != tc.message {
			t.Fatalf("expected raw reason kept for unknown, got %q", failure.Reason)
		}
	}
}

func TestRequestQuoteOutageIsTransient(t *testing.T) {
	q := NewQuoter(routerFunc(func(context.Context, model.SwapRequest) (providers.RoutesResult, error) {
		return providers.RoutesResult{}, clierr.New(clierr.CodeUnavailable, "li.fi returned 503")
	}), nil)
	_, err := q.RequestQuote(context.Background(), model.SwapRequest{})
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %T %v", err, err)
	}
	if code, _ := clierr.CodeOf(err); code != clierr.CodeUnavailable {
		t.Fatalf("expected unavailable exit code, got %d", code)
	}
}

func TestRequestQuoteRejectsMalformedRoute(t *testing.T) {
	req := model.SwapRequest{FromChainID: 1, ToChainID: 137, AmountRaw: "1000"}
	noSteps := singleStepRoute(req, nativeToken(1), nativeToken(137))
	noSteps.Steps = nil
	inverted := singleStepRoute(req, nativeToken(1), nativeToken(137))
	inverted.ToAmountMin = "995000000000000000"

	for _, route := range []model.Route{noSteps, inverted} {
		_, err := NewQuoter(routeResult(route), nil).RequestQuote(context.Background(), req)
		var failure *RouteFailure
		if !errors.As(err, &failure) || failure.Kind != Unknown {
			t.Fatalf("expected Unknown for malformed route, got %v", err)
		}
	}
}
