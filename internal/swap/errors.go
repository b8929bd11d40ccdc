package swap

import (
	"context"
	"errors"
	"fmt"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
)

type InputKind string

const (
	InvalidAmount   InputKind = "invalid_amount"
	InvalidToken    InputKind = "invalid_token"
	InvalidAddress  InputKind = "invalid_address"
	InvalidSlippage InputKind = "invalid_slippage"
	InvalidChain    InputKind = "invalid_chain"
)

// InputError rejects a request before any external call that depends on it.
type InputError struct {
	Kind    InputKind
	Message string
	Cause   error
}

func (e *InputError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *InputError) Unwrap() error { return e.Cause }

func (e *InputError) ErrorCode() clierr.Code { return clierr.CodeUsage }

type RouteFailureKind string

const (
	FilteredOut           RouteFailureKind = "filtered_out"
	AmountTooHigh         RouteFailureKind = "amount_too_high"
	InsufficientLiquidity RouteFailureKind = "insufficient_liquidity"
	PriceImpactTooHigh    RouteFailureKind = "price_impact_too_high"
	NoPossibleRoute       RouteFailureKind = "no_possible_route"
	Unknown               RouteFailureKind = "unknown"
)

// RouteFailure is a classified "no route" answer. Reason carries the routing
// service's text for FilteredOut and Unknown only.
type RouteFailure struct {
	Kind   RouteFailureKind
	Reason string
}

func (e *RouteFailure) Error() string {
	switch e.Kind {
	case FilteredOut:
		return "route filtered out: " + e.Reason
	case AmountTooHigh:
		return "amount is too high for the available routes"
	case InsufficientLiquidity:
		return "insufficient liquidity for this swap"
	case PriceImpactTooHigh:
		return "price impact is too high, try a smaller amount"
	case NoPossibleRoute:
		return "no possible route for this swap"
	default:
		if e.Reason == "" {
			return "route unavailable"
		}
		return "route unavailable: " + e.Reason
	}
}

func (e *RouteFailure) ErrorCode() clierr.Code { return clierr.CodeRoute }

// ApprovalFailure covers a wallet rejection or a reverted approval.
type ApprovalFailure struct {
	Token   string
	Spender string
	TxHash  string
	Reason  string
	Cause   error
}

func (e *ApprovalFailure) Error() string {
	msg := "token approval failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ApprovalFailure) Unwrap() error { return e.Cause }

func (e *ApprovalFailure) ErrorCode() clierr.Code { return clierr.CodeApproval }

// ExecutionFailure is a step-level failure. Earlier steps may already be
// on-chain; TxHash is the last hash observed before the failure.
type ExecutionFailure struct {
	Step   int
	Reason string
	TxHash string
}

func (e *ExecutionFailure) Error() string {
	if e.Step < 0 {
		return "execution failed: " + e.Reason
	}
	return fmt.Sprintf("execution failed at step %d: %s", e.Step, e.Reason)
}

func (e *ExecutionFailure) ErrorCode() clierr.Code { return clierr.CodeExecution }

// TransientError is an outage on a quote, token or balance call. It is never
// retried automatically.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: service unavailable: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

func (e *TransientError) ErrorCode() clierr.Code {
	if code, ok := clierr.CodeOf(e.Cause); ok && (code == clierr.CodeRateLimited || code == clierr.CodeAuth) {
		return code
	}
	return clierr.CodeUnavailable
}

// normalize keeps taxonomy errors as they are and files anything else under
// TransientError.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		inputErr     *InputError
		routeErr     *RouteFailure
		approvalErr  *ApprovalFailure
		executionErr *ExecutionFailure
		transientErr *TransientError
	)
	switch {
	case errors.As(err, &inputErr), errors.As(err, &routeErr), errors.As(err, &approvalErr),
		errors.As(err, &executionErr), errors.As(err, &transientErr):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	return &TransientError{Op: op, Cause: err}
}
