package swap

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

// AllowanceGate approves exactly what the first step spends, never more.
type AllowanceGate struct {
	logger *slog.Logger
}

func NewAllowanceGate(logger *slog.Logger) *AllowanceGate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AllowanceGate{logger: logger.With(slog.String("component", "allowance_gate"))}
}

type approvalTarget struct {
	chainID int64
	token   string
	spender string
	amount  *big.Int
}

// target returns false when the route spends the native asset or names no
// spender.
func (g *AllowanceGate) target(route model.Route) (approvalTarget, bool, error) {
	if len(route.Steps) == 0 {
		return approvalTarget{}, false, nil
	}
	step := route.Steps[0]
	token := step.FromToken.Address
	if token == "" {
		token = route.FromToken.Address
	}
	if step.FromToken.Native || id.IsNative(token) {
		return approvalTarget{}, false, nil
	}
	if step.ApprovalAddress == "" {
		return approvalTarget{}, false, nil
	}
	raw := step.FromAmount
	if raw == "" {
		raw = route.FromAmount
	}
	amount, err := id.ParseBaseUnits(raw)
	if err != nil {
		return approvalTarget{}, false, &ApprovalFailure{
			Token:   id.NormalizeAddress(token),
			Spender: id.NormalizeAddress(step.ApprovalAddress),
			Reason:  "route step has no valid input amount",
			Cause:   err,
		}
	}
	chainID := step.FromChainID
	if chainID == 0 {
		chainID = route.FromChainID
	}
	return approvalTarget{
		chainID: chainID,
		token:   id.NormalizeAddress(token),
		spender: id.NormalizeAddress(step.ApprovalAddress),
		amount:  amount,
	}, true, nil
}

// Required reports whether the route needs an approval first. The wallet is
// not touched for native-asset routes. Wallets that can read allowances skip
// approvals already covering the amount.
func (g *AllowanceGate) Required(ctx context.Context, route model.Route, wallet providers.Wallet) (bool, error) {
	t, ok, err := g.target(route)
	if err != nil || !ok {
		return false, err
	}
	reader, ok := wallet.(providers.AllowanceReader)
	if !ok {
		return true, nil
	}
	current, err := reader.Allowance(ctx, t.chainID, t.token, wallet.Address(), t.spender)
	if err != nil {
		g.logger.Warn("allowance read failed, approval assumed required",
			slog.String("token", t.token),
			slog.String("error", err.Error()),
		)
		return true, nil
	}
	return current.Cmp(t.amount) < 0, nil
}

// EnsureAllowance sets the allowance to exactly the first step's input amount
// and returns the approval transaction hash. It is a no-op for native routes.
func (g *AllowanceGate) EnsureAllowance(ctx context.Context, route model.Route, wallet providers.Wallet) (string, error) {
	t, ok, err := g.target(route)
	if err != nil || !ok {
		return "", err
	}
	if wallet.ChainID() != t.chainID {
		if err := wallet.RequestChainSwitch(ctx, t.chainID); err != nil {
			return "", &ApprovalFailure{Token: t.token, Spender: t.spender, Reason: "wallet could not switch chain", Cause: err}
		}
	}
	txHash, err := wallet.SetAllowance(ctx, t.token, t.spender, new(big.Int).Set(t.amount))
	if err != nil {
		return txHash, &ApprovalFailure{Token: t.token, Spender: t.spender, TxHash: txHash, Cause: err}
	}
	g.logger.Info("allowance set",
		slog.String("token", t.token),
		slog.String("spender", t.spender),
		slog.String("amount", t.amount.String()),
		slog.String("tx_hash", txHash),
	)
	return txHash, nil
}
