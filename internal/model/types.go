package model

import (
	"encoding/json"
	"time"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

type Chain struct {
	ID      int64  `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	LogoURI string `json:"logo_uri,omitempty"`
}

// Token addresses are lower-case. The native asset carries the reserved
// sentinel address and Native set.
type Token struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chain_id"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	PriceUSD string `json:"price_usd,omitempty"`
	LogoURI  string `json:"logo_uri,omitempty"`
	Native   bool   `json:"native"`
}

// SwapRequest is a validated swap intent. AmountRaw is a positive base-unit
// integer and Slippage is a fraction in (0, 1).
type SwapRequest struct {
	FromChainID      int64   `json:"from_chain_id"`
	ToChainID        int64   `json:"to_chain_id"`
	FromTokenAddress string  `json:"from_token_address"`
	ToTokenAddress   string  `json:"to_token_address"`
	AmountRaw        string  `json:"amount_raw"`
	FromAddress      string  `json:"from_address"`
	Slippage         float64 `json:"slippage"`
}

type Route struct {
	ID          string   `json:"id"`
	FromChainID int64    `json:"from_chain_id"`
	ToChainID   int64    `json:"to_chain_id"`
	FromToken   Token    `json:"from_token"`
	ToToken     Token    `json:"to_token"`
	FromAmount  string   `json:"from_amount"`
	ToAmount    string   `json:"to_amount"`
	ToAmountMin string   `json:"to_amount_min"`
	FromAddress string   `json:"from_address,omitempty"`
	ToAddress   string   `json:"to_address,omitempty"`
	GasCostUSD  string   `json:"gas_cost_usd,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Steps       []Step   `json:"steps"`
}

// Step is one hop of a route. Raw keeps the routing service's payload so the
// step can be handed back for transaction building.
type Step struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Tool               string          `json:"tool"`
	ToolName           string          `json:"tool_name,omitempty"`
	FromChainID        int64           `json:"from_chain_id"`
	ToChainID          int64           `json:"to_chain_id"`
	FromToken          Token           `json:"from_token"`
	ToToken            Token           `json:"to_token"`
	FromAmount         string          `json:"from_amount"`
	ToAmount           string          `json:"to_amount"`
	ToAmountMin        string          `json:"to_amount_min"`
	ApprovalAddress    string          `json:"approval_address,omitempty"`
	EstimatedDurationS int64           `json:"estimated_duration_s"`
	GasCostUSD         string          `json:"gas_cost_usd,omitempty"`
	Raw                json.RawMessage `json:"-"`
}

type RouteSummary struct {
	RouteID            string     `json:"route_id"`
	Tools              []string   `json:"tools"`
	Steps              int        `json:"steps"`
	InputAmount        AmountInfo `json:"input_amount"`
	EstimatedOut       AmountInfo `json:"estimated_out"`
	MinimumOut         AmountInfo `json:"minimum_out"`
	GasCostUSD         string     `json:"gas_cost_usd,omitempty"`
	EstimatedDurationS int64      `json:"estimated_duration_s"`
}

// BalanceSnapshot maps lower-case token address to a base-unit balance. A
// missing key means the lookup failed, not a zero balance.
type BalanceSnapshot struct {
	Address  string            `json:"address"`
	ChainID  int64             `json:"chain_id,omitempty"`
	Balances map[string]string `json:"balances"`
	TakenAt  time.Time         `json:"taken_at"`
}

type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionDone    ExecutionStatus = "DONE"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// NoStepIndex marks a progress update that does not name a step.
const NoStepIndex = -1

type ProgressUpdate struct {
	Status    ExecutionStatus `json:"status"`
	StepIndex int             `json:"step_index"`
	TxHash    string          `json:"tx_hash,omitempty"`
	ChainID   int64           `json:"chain_id,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// TxRequest is an unsigned transaction as returned by the routing service.
// Value, GasLimit and GasPrice are hex quantities.
type TxRequest struct {
	ChainID  int64  `json:"chain_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value,omitempty"`
	GasLimit string `json:"gas_limit,omitempty"`
	GasPrice string `json:"gas_price,omitempty"`
}

// SessionRecord is the persisted form of a swap session.
type SessionRecord struct {
	ID          string          `json:"id"`
	Slot        string          `json:"slot"`
	State       string          `json:"state"`
	FromChainID int64           `json:"from_chain_id"`
	ToChainID   int64           `json:"to_chain_id"`
	FromToken   string          `json:"from_token"`
	ToToken     string          `json:"to_token"`
	AmountRaw   string          `json:"amount_raw"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
