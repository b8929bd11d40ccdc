package swap

import (
	"encoding/json"
	"time"

	"github.com/ggonzalez94/xswap/internal/model"
)

type State string

const (
	StateIdle          State = "idle"
	StateFetchingQuote State = "fetching_quote"
	StateQuoteReady    State = "quote_ready"
	StateApproving     State = "approving"
	StateSwapping      State = "swapping"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type ApprovalState string

const (
	ApprovalUnchecked   ApprovalState = ""
	ApprovalNotRequired ApprovalState = "not_required"
	ApprovalPending     ApprovalState = "pending"
	ApprovalGranted     ApprovalState = "granted"
	ApprovalFailed      ApprovalState = "failed"
)

// Session is a copy of one slot's swap attempt. The machine owns the live
// value; callers only ever see snapshots.
type Session struct {
	ID             string                 `json:"id"`
	Slot           string                 `json:"slot"`
	State          State                  `json:"state"`
	Request        model.SwapRequest      `json:"request"`
	Route          *model.Route           `json:"route,omitempty"`
	Approval       ApprovalState          `json:"approval,omitempty"`
	ApprovalTxHash string                 `json:"approval_tx_hash,omitempty"`
	Progress       []model.ProgressUpdate `json:"progress,omitempty"`
	TxHash         string                 `json:"tx_hash,omitempty"`
	Err            error                  `json:"-"`
	BalancesBefore *model.BalanceSnapshot `json:"balances_before,omitempty"`
	BalancesAfter  *model.BalanceSnapshot `json:"balances_after,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (s Session) clone() Session {
	out := s
	if s.Route != nil {
		route := *s.Route
		route.Steps = append([]model.Step(nil), s.Route.Steps...)
		out.Route = &route
	}
	if s.Progress != nil {
		out.Progress = append([]model.ProgressUpdate(nil), s.Progress...)
	}
	if s.BalancesBefore != nil {
		out.BalancesBefore = cloneSnapshot(s.BalancesBefore)
	}
	if s.BalancesAfter != nil {
		out.BalancesAfter = cloneSnapshot(s.BalancesAfter)
	}
	return out
}

func cloneSnapshot(in *model.BalanceSnapshot) *model.BalanceSnapshot {
	out := *in
	out.Balances = make(map[string]string, len(in.Balances))
	for k, v := range in.Balances {
		out.Balances[k] = v
	}
	return &out
}

type sessionPayload struct {
	Route          *model.Route           `json:"route,omitempty"`
	Approval       ApprovalState          `json:"approval,omitempty"`
	ApprovalTxHash string                 `json:"approval_tx_hash,omitempty"`
	Progress       []model.ProgressUpdate `json:"progress,omitempty"`
	BalancesBefore *model.BalanceSnapshot `json:"balances_before,omitempty"`
	BalancesAfter  *model.BalanceSnapshot `json:"balances_after,omitempty"`
}

// Record flattens the session for persistence.
func (s Session) Record() model.SessionRecord {
	rec := model.SessionRecord{
		ID:          s.ID,
		Slot:        s.Slot,
		State:       string(s.State),
		FromChainID: s.Request.FromChainID,
		ToChainID:   s.Request.ToChainID,
		FromToken:   s.Request.FromTokenAddress,
		ToToken:     s.Request.ToTokenAddress,
		AmountRaw:   s.Request.AmountRaw,
		TxHash:      s.TxHash,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	payload, err := json.Marshal(sessionPayload{
		Route:          s.Route,
		Approval:       s.Approval,
		ApprovalTxHash: s.ApprovalTxHash,
		Progress:       s.Progress,
		BalancesBefore: s.BalancesBefore,
		BalancesAfter:  s.BalancesAfter,
	})
	if err == nil {
		rec.Payload = payload
	}
	return rec
}
