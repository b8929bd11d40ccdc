package lifi

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

type statusResponse struct {
	Status           string `json:"status"`
	Substatus        string `json:"substatus"`
	SubstatusMessage string `json:"substatusMessage"`
	Sending          struct {
		TxHash  string `json:"txHash"`
		ChainID int64  `json:"chainId"`
	} `json:"sending"`
	Receiving struct {
		TxHash  string `json:"txHash"`
		ChainID int64  `json:"chainId"`
	} `json:"receiving"`
}

// ExecuteRoute submits each step in order: fetch the step transaction, send it
// from the wallet, then poll the status endpoint until the step settles.
// Every update is reported through onUpdate before the call returns.
func (c *Client) ExecuteRoute(ctx context.Context, route model.Route, wallet providers.Wallet, onUpdate providers.ProgressFunc) error {
	if onUpdate == nil {
		onUpdate = func(model.ProgressUpdate) {}
	}
	if wallet == nil {
		return clierr.New(clierr.CodeSigner, "missing wallet")
	}
	if len(route.Steps) == 0 {
		return clierr.New(clierr.CodeUsage, "route has no executable steps")
	}
	for i, step := range route.Steps {
		fail := func(txHash string, err error) error {
			onUpdate(model.ProgressUpdate{
				Status:    model.ExecutionFailed,
				StepIndex: i,
				TxHash:    txHash,
				ChainID:   step.FromChainID,
				Message:   err.Error(),
			})
			return err
		}
		if wallet.ChainID() != step.FromChainID {
			if err := wallet.RequestChainSwitch(ctx, step.FromChainID); err != nil {
				return fail("", clierr.Wrap(clierr.CodeSigner, fmt.Sprintf("switch wallet to chain %d", step.FromChainID), err))
			}
		}
		onUpdate(model.ProgressUpdate{
			Status:    model.ExecutionPending,
			StepIndex: i,
			ChainID:   step.FromChainID,
			Message:   "preparing transaction",
		})
		tx, err := c.stepTransaction(ctx, step)
		if err != nil {
			return fail("", err)
		}
		txHash, err := wallet.SendTransaction(ctx, tx)
		if err != nil {
			return fail("", clierr.Wrap(clierr.CodeExecution, "send step transaction", err))
		}
		c.logger.Info("step submitted",
			slog.Int("step", i),
			slog.String("tool", step.Tool),
			slog.String("tx_hash", txHash),
		)
		onUpdate(model.ProgressUpdate{
			Status:    model.ExecutionPending,
			StepIndex: i,
			TxHash:    txHash,
			ChainID:   step.FromChainID,
			Message:   "transaction submitted",
		})
		status, err := c.waitForStatus(ctx, step, txHash)
		if err != nil {
			return fail(txHash, err)
		}
		done := model.ProgressUpdate{
			Status:    model.ExecutionDone,
			StepIndex: i,
			TxHash:    txHash,
			ChainID:   step.FromChainID,
			Message:   status.Substatus,
		}
		if status.Receiving.TxHash != "" && step.ToChainID != step.FromChainID {
			done.Message = strings.TrimSpace(fmt.Sprintf("%s received %s", status.Substatus, status.Receiving.TxHash))
		}
		onUpdate(done)
	}
	return nil
}

func (c *Client) stepTransaction(ctx context.Context, step model.Step) (model.TxRequest, error) {
	if len(step.Raw) == 0 {
		return model.TxRequest{}, clierr.New(clierr.CodeExecution, "step is missing its routing payload")
	}
	var resp stepPayload
	if err := c.post(ctx, "/advanced/stepTransaction", step.Raw, &resp); err != nil {
		return model.TxRequest{}, clierr.Wrap(clierr.CodeExecution, "fetch step transaction", rejected(err))
	}
	txReq := resp.TransactionRequest
	if txReq == nil || strings.TrimSpace(txReq.To) == "" || strings.TrimSpace(txReq.Data) == "" {
		return model.TxRequest{}, clierr.New(clierr.CodeExecution, "lifi step missing executable transaction payload")
	}
	if !common.IsHexAddress(txReq.To) {
		return model.TxRequest{}, clierr.New(clierr.CodeExecution, "lifi step returned invalid transaction target")
	}
	if txReq.ChainID != 0 && txReq.ChainID != step.FromChainID {
		return model.TxRequest{}, clierr.New(clierr.CodeExecution, "lifi transaction chain does not match step source chain")
	}
	return model.TxRequest{
		ChainID:  step.FromChainID,
		From:     txReq.From,
		To:       txReq.To,
		Data:     txReq.Data,
		Value:    txReq.Value,
		GasLimit: txReq.GasLimit,
		GasPrice: txReq.GasPrice,
	}, nil
}

// waitForStatus polls until the step is DONE or FAILED. NOT_FOUND and PENDING
// keep polling; transient lookup failures are tolerated up to a limit.
func (c *Client) waitForStatus(ctx context.Context, step model.Step, txHash string) (statusResponse, error) {
	vals := url.Values{}
	vals.Set("txHash", txHash)
	if step.Tool != "" {
		vals.Set("bridge", step.Tool)
	}
	vals.Set("fromChain", strconv.FormatInt(step.FromChainID, 10))
	vals.Set("toChain", strconv.FormatInt(step.ToChainID, 10))
	path := "/status?" + vals.Encode()

	failures := 0
	for {
		var resp statusResponse
		err := c.get(ctx, path, &resp)
		switch {
		case err == nil:
			failures = 0
			switch strings.ToUpper(resp.Status) {
			case "DONE":
				return resp, nil
			case "FAILED", "INVALID":
				msg := strings.TrimSpace(resp.SubstatusMessage)
				if msg == "" {
					msg = strings.ToLower(resp.Status)
				}
				return resp, clierr.New(clierr.CodeExecution, "step failed: "+msg)
			}
		case isNotFound(err):
		case ctx.Err() != nil:
			return resp, clierr.Wrap(clierr.CodeUnavailable, "status polling cancelled", ctx.Err())
		default:
			failures++
			c.logger.Warn("status lookup failed", slog.String("tx_hash", txHash), slog.String("error", err.Error()))
			if failures >= maxStatusFailures {
				return resp, clierr.Wrap(clierr.CodeUnavailable, "status lookups keep failing", err)
			}
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return resp, clierr.Wrap(clierr.CodeUnavailable, "status polling cancelled", err)
		}
	}
}
