package swap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

type harness struct {
	machine  *Machine
	dir      *fakeDirectory
	snaps    *countingSnapshotter
	recorder *memoryRecorder
}

func newHarness(router providers.Router, exec providers.ExecutionService) *harness {
	dir := newFakeDirectory(nativeToken(1), nativeToken(137), usdcToken(1), usdcToken(137))
	snaps := &countingSnapshotter{}
	recorder := &memoryRecorder{}
	machine := NewMachine(Deps{
		Builder:      NewRequestBuilder(dir, 0, nil),
		Quoter:       NewQuoter(router, nil),
		Orchestrator: NewOrchestrator(exec, nil),
		Balances:     snaps,
		Recorder:     recorder,
	})
	return &harness{machine: machine, dir: dir, snaps: snaps, recorder: recorder}
}

func nativeInput(amount string) SwapInput {
	return SwapInput{
		FromChainID: 1,
		ToChainID:   137,
		FromToken:   "native",
		ToToken:     "native",
		Amount:      amount,
		FromAddress: testSender,
	}
}

func quoteFromRequest() routerFunc {
	return func(_ context.Context, req model.SwapRequest) (providers.RoutesResult, error) {
		from, to := nativeToken(req.FromChainID), nativeToken(req.ToChainID)
		if req.FromTokenAddress == testUSDC {
			from, to = usdcToken(req.FromChainID), usdcToken(req.ToChainID)
		}
		route := singleStepRoute(req, from, to)
		if !from.Native {
			route.Steps[0].ApprovalAddress = testSpender
		}
		return providers.RoutesResult{Routes: []model.Route{route}}, nil
	}
}

func doneExec(txHash string) execFunc {
	return func(_ context.Context, route model.Route, _ providers.Wallet, onUpdate providers.ProgressFunc) error {
		for i := range route.Steps {
			onUpdate(model.ProgressUpdate{Status: model.ExecutionPending, StepIndex: i, Message: "transaction submitted", TxHash: txHash})
			onUpdate(model.ProgressUpdate{Status: model.ExecutionDone, StepIndex: i, TxHash: txHash})
		}
		onUpdate(model.ProgressUpdate{Status: model.ExecutionDone, StepIndex: len(route.Steps) - 1, TxHash: txHash})
		return nil
	}
}

func containsState(states []string, want string) bool {
	for _, state := range states {
		if state == want {
			return true
		}
	}
	return false
}

func TestNativeSwapCompletes(t *testing.T) {
	h := newHarness(quoteFromRequest(), doneExec("0x123"))
	wallet := newFakeWallet(1)

	quoted, err := h.machine.Submit(context.Background(), "main", nativeInput("1.0"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if quoted.State != StateQuoteReady || quoted.Route == nil {
		t.Fatalf("expected quote_ready with a route, got %+v", quoted)
	}
	if quoted.Request.AmountRaw != "1000000000000000000" {
		t.Fatalf("unexpected raw amount %s", quoted.Request.AmountRaw)
	}

	done, err := h.machine.Confirm(context.Background(), "main", wallet)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if done.State != StateCompleted || done.TxHash != "0x123" {
		t.Fatalf("expected completed with tx hash, got %s %q", done.State, done.TxHash)
	}
	if done.Approval != ApprovalNotRequired {
		t.Fatalf("expected approval to be skipped, got %q", done.Approval)
	}
	for _, call := range wallet.calls {
		if len(call) >= 7 && call[:7] == "approve" {
			t.Fatalf("native swap must not approve: %v", wallet.calls)
		}
	}

	h.machine.Wait()
	if got := h.snaps.callsOn(137); got != 1 {
		t.Fatalf("expected exactly one post-swap snapshot, got %d", got)
	}
	if got := h.snaps.callsOn(1); got != 1 {
		t.Fatalf("expected one pre-quote snapshot, got %d", got)
	}
	final, _ := h.machine.Session("main")
	if final.BalancesAfter == nil || final.BalancesBefore == nil {
		t.Fatalf("expected both balance snapshots on the session")
	}
	states := h.recorder.states(quoted.ID)
	for _, want := range []string{"fetching_quote", "quote_ready", "swapping", "completed"} {
		if !containsState(states, want) {
			t.Fatalf("expected %s in recorded states %v", want, states)
		}
	}
}

func TestAmountTooHighFailsQuote(t *testing.T) {
	router := routerFunc(func(context.Context, model.SwapRequest) (providers.RoutesResult, error) {
		return providers.RoutesResult{Unavailable: providers.UnavailableRoutes{
			Failed: []providers.FailedRoute{failedWith(providers.ToolError{Code: "AMOUNT_TOO_HIGH"})},
		}}, nil
	})
	h := newHarness(router, doneExec("0x1"))
	updates, stop := h.machine.Subscribe()
	defer stop()

	sess, err := h.machine.Submit(context.Background(), "main", nativeInput("1000000"))
	var failure *RouteFailure
	if !errors.As(err, &failure) || failure.Kind != AmountTooHigh {
		t.Fatalf("expected AmountTooHigh, got %v", err)
	}
	if sess.State != StateFailed || sess.Route != nil {
		t.Fatalf("expected failed session without route, got %+v", sess)
	}
	first, second := <-updates, <-updates
	if first.State != StateFetchingQuote || second.State != StateFailed {
		t.Fatalf("expected fetching_quote -> failed, got %s -> %s", first.State, second.State)
	}
}

func TestInvalidInputCreatesNoSession(t *testing.T) {
	var routed atomic.Int32
	router := routerFunc(func(ctx context.Context, req model.SwapRequest) (providers.RoutesResult, error) {
		routed.Add(1)
		return quoteFromRequest()(ctx, req)
	})
	h := newHarness(router, doneExec("0x1"))

	_, err := h.machine.Submit(context.Background(), "main", nativeInput("0"))
	var inputErr *InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected InputError, got %v", err)
	}
	if _, ok := h.machine.Session("main"); ok {
		t.Fatal("invalid input must not open a session")
	}
	if routed.Load() != 0 || len(h.recorder.records) != 0 {
		t.Fatal("invalid input must not reach the router or the store")
	}
}

func TestStaleQuoteIsSuppressed(t *testing.T) {
	for _, staleFails := range []bool{false, true} {
		started := make(chan struct{})
		release := make(chan struct{})
		router := routerFunc(func(ctx context.Context, req model.SwapRequest) (providers.RoutesResult, error) {
			if req.AmountRaw == "1000000000000000000" {
				close(started)
				<-release
				if staleFails {
					return providers.RoutesResult{}, errors.New("connection reset")
				}
			}
			return quoteFromRequest()(ctx, req)
		})
		h := newHarness(router, doneExec("0x1"))

		staleErr := make(chan error, 1)
		go func() {
			_, err := h.machine.Submit(context.Background(), "main", nativeInput("1"))
			staleErr <- err
		}()
		<-started

		fresh, err := h.machine.Submit(context.Background(), "main", nativeInput("2"))
		if err != nil {
			t.Fatalf("second Submit failed: %v", err)
		}
		close(release)

		err = <-staleErr
		if code, _ := clierr.CodeOf(err); code != clierr.CodeSuperseded {
			t.Fatalf("expected superseded error for the stale request, got %v", err)
		}
		current, _ := h.machine.Session("main")
		if current.ID != fresh.ID || current.State != StateQuoteReady || current.Request.AmountRaw != "2000000000000000000" {
			t.Fatalf("stale result mutated the current session: %+v", current)
		}
		if current.Err != nil {
			t.Fatalf("stale failure leaked into the current session: %v", current.Err)
		}
	}
}

func TestSubmitSupersedesWhileNewRequestBuilds(t *testing.T) {
	quoting := make(chan struct{})
	releaseQuote := make(chan struct{})
	router := routerFunc(func(ctx context.Context, req model.SwapRequest) (providers.RoutesResult, error) {
		if req.AmountRaw == "1000000000000000000" {
			close(quoting)
			<-releaseQuote
		}
		return quoteFromRequest()(ctx, req)
	})
	h := newHarness(router, doneExec("0x1"))

	building := make(chan struct{})
	releaseBuild := make(chan struct{})
	var once sync.Once
	h.dir.mu.Lock()
	h.dir.hold = func(chainID int64, address string) {
		if address == testUSDC {
			once.Do(func() { close(building) })
			<-releaseBuild
		}
	}
	h.dir.mu.Unlock()

	staleErr := make(chan error, 1)
	go func() {
		_, err := h.machine.Submit(context.Background(), "main", nativeInput("1"))
		staleErr <- err
	}()
	<-quoting
	stale, _ := h.machine.Session("main")

	type result struct {
		sess Session
		err  error
	}
	fresh := make(chan result, 1)
	go func() {
		in := nativeInput("2")
		in.FromToken, in.ToToken = testUSDC, testUSDC
		sess, err := h.machine.Submit(context.Background(), "main", in)
		fresh <- result{sess, err}
	}()
	<-building

	// The older quote lands while the newer request is still resolving tokens.
	close(releaseQuote)
	if code, _ := clierr.CodeOf(<-staleErr); code != clierr.CodeSuperseded {
		t.Fatal("expected the older request to be superseded once a newer one started")
	}
	if cur, _ := h.machine.Session("main"); cur.State == StateQuoteReady {
		t.Fatalf("superseded quote must not become confirmable: %+v", cur)
	}
	if _, err := h.machine.Confirm(context.Background(), "main", newFakeWallet(1)); err == nil {
		t.Fatal("expected confirm to be rejected while a newer request is building")
	} else if code, _ := clierr.CodeOf(err); code != clierr.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	close(releaseBuild)
	got := <-fresh
	if got.err != nil {
		t.Fatalf("newer Submit failed: %v", got.err)
	}
	current, _ := h.machine.Session("main")
	if current.ID != got.sess.ID || current.State != StateQuoteReady || current.Request.FromTokenAddress != testUSDC {
		t.Fatalf("unexpected current session: %+v", current)
	}
	if containsState(h.recorder.states(stale.ID), "quote_ready") {
		t.Fatalf("superseded session was recorded as quote_ready: %v", h.recorder.states(stale.ID))
	}
}

func TestInvalidResubmitLeavesSlotIdle(t *testing.T) {
	h := newHarness(quoteFromRequest(), doneExec("0x1"))
	quoted, err := h.machine.Submit(context.Background(), "main", nativeInput("1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	var inputErr *InputError
	if _, err := h.machine.Submit(context.Background(), "main", nativeInput("abc")); !errors.As(err, &inputErr) {
		t.Fatalf("expected InputError, got %v", err)
	}
	cur, ok := h.machine.Session("main")
	if !ok || cur.State != StateIdle || cur.ID == quoted.ID {
		t.Fatalf("expected a fresh idle session, got %+v", cur)
	}
	if _, err := h.machine.Confirm(context.Background(), "main", newFakeWallet(1)); err == nil {
		t.Fatal("expected the replaced quote to be unconfirmable")
	}
}

func TestEditReturnsToIdle(t *testing.T) {
	h := newHarness(quoteFromRequest(), doneExec("0x1"))
	quoted, err := h.machine.Submit(context.Background(), "main", nativeInput("1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	idle := h.machine.Edit("main")
	if idle.State != StateIdle || idle.Route != nil || idle.Err != nil {
		t.Fatalf("expected clean idle session, got %+v", idle)
	}
	if idle.ID == quoted.ID {
		t.Fatal("edit must discard the previous session")
	}
	if _, err := h.machine.Confirm(context.Background(), "main", newFakeWallet(1)); err == nil {
		t.Fatal("expected confirm on an idle slot to be rejected")
	} else if code, _ := clierr.CodeOf(err); code != clierr.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestERC20SwapApprovesThenSwaps(t *testing.T) {
	h := newHarness(quoteFromRequest(), doneExec("0xabc"))
	wallet := newFakeWallet(1)
	in := nativeInput("2.5")
	in.FromToken = testUSDC
	in.ToToken = testUSDC

	quoted, err := h.machine.Submit(context.Background(), "main", in)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	done, err := h.machine.Confirm(context.Background(), "main", wallet)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if done.State != StateCompleted || done.Approval != ApprovalGranted || done.ApprovalTxHash != "0xapprove" {
		t.Fatalf("unexpected session: %+v", done)
	}
	if len(wallet.approvals) != 1 || wallet.approvals[0].String() != "2500000" {
		t.Fatalf("expected exact approval of 2500000, got %v", wallet.approvals)
	}
	if !containsState(h.recorder.states(quoted.ID), "approving") {
		t.Fatalf("expected approving to be recorded: %v", h.recorder.states(quoted.ID))
	}
	h.machine.Wait()
}

func TestApprovalRejectionFailsSession(t *testing.T) {
	h := newHarness(quoteFromRequest(), doneExec("0xabc"))
	wallet := newFakeWallet(1)
	wallet.approveErr = errors.New("user rejected")
	in := nativeInput("1")
	in.FromToken = testUSDC

	if _, err := h.machine.Submit(context.Background(), "main", in); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sess, err := h.machine.Confirm(context.Background(), "main", wallet)
	var failure *ApprovalFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected ApprovalFailure, got %v", err)
	}
	if sess.State != StateFailed || sess.Approval != ApprovalFailed {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if code, _ := clierr.CodeOf(err); code != clierr.CodeApproval {
		t.Fatalf("expected approval exit code, got %d", code)
	}
}

func TestExecutionFailureKeepsTxHash(t *testing.T) {
	exec := execFunc(func(_ context.Context, _ model.Route, _ providers.Wallet, onUpdate providers.ProgressFunc) error {
		onUpdate(model.ProgressUpdate{Status: model.ExecutionPending, StepIndex: 0, TxHash: "0xdead"})
		onUpdate(model.ProgressUpdate{Status: model.ExecutionFailed, StepIndex: 0, Message: "reverted"})
		onUpdate(model.ProgressUpdate{Status: model.ExecutionDone, StepIndex: 0, TxHash: "0xdead"})
		return errors.New("step failed: reverted")
	})
	h := newHarness(quoteFromRequest(), exec)
	if _, err := h.machine.Submit(context.Background(), "main", nativeInput("1")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	sess, err := h.machine.Confirm(context.Background(), "main", newFakeWallet(1))
	var failure *ExecutionFailure
	if !errors.As(err, &failure) || failure.TxHash != "0xdead" {
		t.Fatalf("expected execution failure with tx hash, got %v", err)
	}
	if sess.State != StateFailed || sess.TxHash != "0xdead" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	h.machine.Wait()
	if got := h.snaps.callsOn(137); got != 0 {
		t.Fatalf("failed swap must not refresh destination balances, got %d", got)
	}
}

func TestTerminalStateCommittedOnce(t *testing.T) {
	failing := execFunc(func(_ context.Context, _ model.Route, _ providers.Wallet, onUpdate providers.ProgressFunc) error {
		onUpdate(model.ProgressUpdate{Status: model.ExecutionPending, StepIndex: 0, TxHash: "0xdead"})
		onUpdate(model.ProgressUpdate{Status: model.ExecutionFailed, StepIndex: 0, Message: "reverted"})
		return errors.New("step failed: reverted")
	})
	tests := []struct {
		name string
		exec execFunc
		want State
	}{
		{name: "completed", exec: doneExec("0x123"), want: StateCompleted},
		{name: "failed", exec: failing, want: StateFailed},
	}
	for _, tc := range tests {
		h := newHarness(quoteFromRequest(), tc.exec)
		// No post-swap refresh, so every terminal commit comes from Confirm.
		h.machine.balances = nil
		quoted, err := h.machine.Submit(context.Background(), "main", nativeInput("1"))
		if err != nil {
			t.Fatalf("%s: Submit failed: %v", tc.name, err)
		}
		updates, stop := h.machine.Subscribe()
		done, _ := h.machine.Confirm(context.Background(), "main", newFakeWallet(1))
		h.machine.Wait()
		stop()
		if done.State != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, done.State)
		}

		recorded := 0
		for _, state := range h.recorder.states(quoted.ID) {
			if state == string(tc.want) {
				recorded++
			}
		}
		if recorded != 1 {
			t.Fatalf("%s: expected one recorded %s, got %v", tc.name, tc.want, h.recorder.states(quoted.ID))
		}
		broadcast := 0
		for sess := range updates {
			if sess.State == tc.want {
				broadcast++
			}
		}
		if broadcast != 1 {
			t.Fatalf("%s: expected one terminal broadcast, got %d", tc.name, broadcast)
		}
	}
}

func TestEditDuringSwapAbandonsTracking(t *testing.T) {
	started := make(chan struct{})
	exec := execFunc(func(ctx context.Context, _ model.Route, _ providers.Wallet, onUpdate providers.ProgressFunc) error {
		onUpdate(model.ProgressUpdate{Status: model.ExecutionPending, StepIndex: 0, TxHash: "0xbeef"})
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(quoteFromRequest(), exec)
	if _, err := h.machine.Submit(context.Background(), "main", nativeInput("1")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	confirmErr := make(chan error, 1)
	go func() {
		_, err := h.machine.Confirm(context.Background(), "main", newFakeWallet(1))
		confirmErr <- err
	}()
	<-started

	if _, err := h.machine.Submit(context.Background(), "main", nativeInput("1")); err == nil {
		t.Fatal("expected submit during swapping to be rejected")
	} else if code, _ := clierr.CodeOf(err); code != clierr.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	idle := h.machine.Edit("main")
	select {
	case err := <-confirmErr:
		if code, _ := clierr.CodeOf(err); code != clierr.CodeSuperseded {
			t.Fatalf("expected superseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirm did not return after edit")
	}
	current, _ := h.machine.Session("main")
	if current.ID != idle.ID || current.State != StateIdle {
		t.Fatalf("abandoned swap mutated the new session: %+v", current)
	}
}
