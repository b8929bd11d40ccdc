package swap

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

// Orchestrator hands a route to the execution service and turns its update
// stream into one terminal outcome.
type Orchestrator struct {
	exec   providers.ExecutionService
	logger *slog.Logger
}

func NewOrchestrator(exec providers.ExecutionService, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{exec: exec, logger: logger.With(slog.String("component", "orchestrator"))}
}

// finalDone reports whether u completes the whole route.
func finalDone(route model.Route, u model.ProgressUpdate) bool {
	if u.Status != model.ExecutionDone {
		return false
	}
	if u.StepIndex == model.NoStepIndex {
		return len(route.Steps) == 1
	}
	return u.StepIndex == len(route.Steps)-1
}

type tracker struct {
	mu       sync.Mutex
	route    model.Route
	terminal bool
	final    model.ProgressUpdate
	step     int
	txHash   string
}

// observe records u and reports whether it should be forwarded. Updates after
// a terminal one are dropped.
func (t *tracker) observe(u model.ProgressUpdate) (model.ProgressUpdate, bool) {
	if t.terminal {
		return u, false
	}
	if u.StepIndex != model.NoStepIndex {
		t.step = u.StepIndex
	}
	if u.TxHash != "" {
		t.txHash = u.TxHash
	} else if u.Status != model.ExecutionPending {
		u.TxHash = t.txHash
	}
	switch {
	case u.Status == model.ExecutionFailed:
		t.terminal = true
		t.final = u
	case finalDone(t.route, u):
		t.terminal = true
		t.final = u
	}
	return u, true
}

// Execute blocks until the execution service returns. onProgress sees every
// update in order, at most one of them terminal. A failed run yields an
// *ExecutionFailure carrying the last transaction hash seen.
func (o *Orchestrator) Execute(ctx context.Context, route model.Route, wallet providers.Wallet, onProgress providers.ProgressFunc) (model.ProgressUpdate, error) {
	if len(route.Steps) == 0 {
		return model.ProgressUpdate{}, &ExecutionFailure{Step: model.NoStepIndex, Reason: "route has no steps"}
	}
	t := &tracker{route: route, step: 0}
	err := o.exec.ExecuteRoute(ctx, route, wallet, func(u model.ProgressUpdate) {
		t.mu.Lock()
		defer t.mu.Unlock()
		fwd, ok := t.observe(u)
		if !ok {
			o.logger.Debug("update after terminal status ignored",
				slog.String("status", string(u.Status)),
				slog.Int("step", u.StepIndex),
			)
			return
		}
		if onProgress != nil {
			onProgress(fwd)
		}
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal && t.final.Status == model.ExecutionFailed {
		reason := t.final.Message
		if reason == "" && err != nil {
			reason = err.Error()
		}
		return t.final, &ExecutionFailure{Step: t.step, Reason: reason, TxHash: t.txHash}
	}
	if t.terminal {
		return t.final, nil
	}
	abandon := func(reason string) (model.ProgressUpdate, error) {
		failed := model.ProgressUpdate{Status: model.ExecutionFailed, StepIndex: t.step, TxHash: t.txHash, Message: reason}
		t.terminal = true
		t.final = failed
		if onProgress != nil {
			onProgress(failed)
		}
		return failed, &ExecutionFailure{Step: t.step, Reason: reason, TxHash: t.txHash}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return abandon("tracking abandoned")
		}
		return abandon(err.Error())
	}
	return abandon("execution service finished without reporting completion")
}
