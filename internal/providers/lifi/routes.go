package lifi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

type routesRequest struct {
	FromChainID      int64        `json:"fromChainId"`
	ToChainID        int64        `json:"toChainId"`
	FromTokenAddress string       `json:"fromTokenAddress"`
	ToTokenAddress   string       `json:"toTokenAddress"`
	FromAmount       string       `json:"fromAmount"`
	FromAddress      string       `json:"fromAddress,omitempty"`
	Options          routeOptions `json:"options"`
}

type routeOptions struct {
	Slippage         float64 `json:"slippage"`
	Integrator       string  `json:"integrator,omitempty"`
	Order            string  `json:"order"`
	AllowSwitchChain bool    `json:"allowSwitchChain"`
}

type routesResponse struct {
	Routes            []routePayload `json:"routes"`
	UnavailableRoutes struct {
		FilteredOut []struct {
			OverallPath string `json:"overallPath"`
			Reason      string `json:"reason"`
		} `json:"filteredOut"`
		Failed []struct {
			OverallPath string          `json:"overallPath"`
			Subpaths    orderedSubpaths `json:"subpaths"`
		} `json:"failed"`
	} `json:"unavailableRoutes"`
}

type routePayload struct {
	ID          string            `json:"id"`
	FromChainID int64             `json:"fromChainId"`
	ToChainID   int64             `json:"toChainId"`
	FromToken   tokenPayload      `json:"fromToken"`
	ToToken     tokenPayload      `json:"toToken"`
	FromAmount  string            `json:"fromAmount"`
	ToAmount    string            `json:"toAmount"`
	ToAmountMin string            `json:"toAmountMin"`
	FromAddress string            `json:"fromAddress"`
	ToAddress   string            `json:"toAddress"`
	GasCostUSD  string            `json:"gasCostUSD"`
	Tags        []string          `json:"tags"`
	Steps       []json.RawMessage `json:"steps"`
}

type stepPayload struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Tool        string `json:"tool"`
	ToolDetails struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"toolDetails"`
	Action struct {
		FromChainID int64        `json:"fromChainId"`
		ToChainID   int64        `json:"toChainId"`
		FromToken   tokenPayload `json:"fromToken"`
		ToToken     tokenPayload `json:"toToken"`
		FromAmount  string       `json:"fromAmount"`
	} `json:"action"`
	Estimate struct {
		FromAmount        string `json:"fromAmount"`
		ToAmount          string `json:"toAmount"`
		ToAmountMin       string `json:"toAmountMin"`
		ApprovalAddress   string `json:"approvalAddress"`
		ExecutionDuration int64  `json:"executionDuration"`
		GasCosts          []struct {
			AmountUSD string `json:"amountUSD"`
		} `json:"gasCosts"`
	} `json:"estimate"`
	TransactionRequest *txPayload `json:"transactionRequest,omitempty"`
}

type txPayload struct {
	From     string `json:"from"`
	To       string `json:"to"`
	ChainID  int64  `json:"chainId"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit string `json:"gasLimit"`
	GasPrice string `json:"gasPrice"`
}

// orderedSubpaths decodes the subpaths object keeping the key order of the
// response body. Classification depends on that order, which a Go map loses.
type orderedSubpaths []providers.Subpath

func (o *orderedSubpaths) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("subpaths: expected object, got %v", tok)
	}
	var out []providers.Subpath
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("subpaths: expected key, got %v", keyTok)
		}
		var items []struct {
			ErrorType string `json:"errorType"`
			Code      string `json:"code"`
			Tool      string `json:"tool"`
			Message   string `json:"message"`
		}
		if err := dec.Decode(&items); err != nil {
			return fmt.Errorf("subpaths %s: %w", key, err)
		}
		sub := providers.Subpath{Key: key}
		for _, item := range items {
			sub.Errors = append(sub.Errors, providers.ToolError{
				ErrorType: item.ErrorType,
				Code:      item.Code,
				Tool:      item.Tool,
				Message:   item.Message,
			})
		}
		out = append(out, sub)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*o = out
	return nil
}

// GetRoutes asks for candidate routes. Candidates come back in the service's
// order; an empty list carries the unavailable-route diagnostics.
func (c *Client) GetRoutes(ctx context.Context, req model.SwapRequest) (providers.RoutesResult, error) {
	body, err := json.Marshal(routesRequest{
		FromChainID:      req.FromChainID,
		ToChainID:        req.ToChainID,
		FromTokenAddress: req.FromTokenAddress,
		ToTokenAddress:   req.ToTokenAddress,
		FromAmount:       req.AmountRaw,
		FromAddress:      req.FromAddress,
		Options: routeOptions{
			Slippage:         req.Slippage,
			Integrator:       c.integrator,
			Order:            "RECOMMENDED",
			AllowSwitchChain: true,
		},
	})
	if err != nil {
		return providers.RoutesResult{}, clierr.Wrap(clierr.CodeInternal, "marshal lifi routes request", err)
	}
	var resp routesResponse
	if err := c.post(ctx, "/advanced/routes", body, &resp); err != nil {
		return providers.RoutesResult{}, rejected(err)
	}

	result := providers.RoutesResult{}
	for _, payload := range resp.Routes {
		route, err := payload.toModel()
		if err != nil {
			return providers.RoutesResult{}, clierr.Wrap(clierr.CodeUnavailable, "decode lifi route", err)
		}
		result.Routes = append(result.Routes, route)
	}
	for _, item := range resp.UnavailableRoutes.FilteredOut {
		result.Unavailable.FilteredOut = append(result.Unavailable.FilteredOut, providers.FilteredRoute{
			OverallPath: item.OverallPath,
			Reason:      item.Reason,
		})
	}
	for _, item := range resp.UnavailableRoutes.Failed {
		result.Unavailable.Failed = append(result.Unavailable.Failed, providers.FailedRoute{
			OverallPath: item.OverallPath,
			Subpaths:    []providers.Subpath(item.Subpaths),
		})
	}
	c.logger.Debug("routes fetched",
		slog.Int("routes", len(result.Routes)),
		slog.Int("filtered_out", len(result.Unavailable.FilteredOut)),
		slog.Int("failed", len(result.Unavailable.Failed)),
	)
	return result, nil
}

func (r routePayload) toModel() (model.Route, error) {
	route := model.Route{
		ID:          r.ID,
		FromChainID: r.FromChainID,
		ToChainID:   r.ToChainID,
		FromToken:   r.FromToken.toModel(),
		ToToken:     r.ToToken.toModel(),
		FromAmount:  r.FromAmount,
		ToAmount:    r.ToAmount,
		ToAmountMin: r.ToAmountMin,
		FromAddress: r.FromAddress,
		ToAddress:   r.ToAddress,
		GasCostUSD:  r.GasCostUSD,
		Tags:        r.Tags,
	}
	for i, raw := range r.Steps {
		step, err := decodeStep(raw)
		if err != nil {
			return model.Route{}, fmt.Errorf("step %d: %w", i, err)
		}
		route.Steps = append(route.Steps, step)
	}
	return route, nil
}

func decodeStep(raw json.RawMessage) (model.Step, error) {
	var payload stepPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.Step{}, err
	}
	fromAmount := payload.Estimate.FromAmount
	if fromAmount == "" {
		fromAmount = payload.Action.FromAmount
	}
	gasUSD := 0.0
	for _, cost := range payload.Estimate.GasCosts {
		v, _ := strconv.ParseFloat(cost.AmountUSD, 64)
		gasUSD += v
	}
	step := model.Step{
		ID:                 payload.ID,
		Type:               payload.Type,
		Tool:               payload.Tool,
		ToolName:           payload.ToolDetails.Name,
		FromChainID:        payload.Action.FromChainID,
		ToChainID:          payload.Action.ToChainID,
		FromToken:          payload.Action.FromToken.toModel(),
		ToToken:            payload.Action.ToToken.toModel(),
		FromAmount:         fromAmount,
		ToAmount:           payload.Estimate.ToAmount,
		ToAmountMin:        payload.Estimate.ToAmountMin,
		ApprovalAddress:    normalizeOptionalAddress(payload.Estimate.ApprovalAddress),
		EstimatedDurationS: payload.Estimate.ExecutionDuration,
		Raw:                append(json.RawMessage(nil), raw...),
	}
	if gasUSD > 0 {
		step.GasCostUSD = strconv.FormatFloat(gasUSD, 'f', 2, 64)
	}
	return step, nil
}
