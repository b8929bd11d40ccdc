package app

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"

	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/registry"
	"github.com/ggonzalez94/xswap/internal/swap"
)

// progressPrinter renders session transitions on a terminal while a swap
// runs. It only reads copies published by the machine.
type progressPrinter struct {
	w        io.Writer
	spin     *spinner.Spinner
	state    swap.State
	approval swap.ApprovalState
	printed  int
}

// watchProgress prints every change of the machine's sessions until the
// returned stop function is called.
func watchProgress(w io.Writer, machine *swap.Machine) func() {
	updates, unsubscribe := machine.Subscribe()
	p := &progressPrinter{
		w:    w,
		spin: spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w)),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for sess := range updates {
			p.observe(sess)
		}
	}()
	return func() {
		unsubscribe()
		<-done
		p.spin.Stop()
	}
}

func (p *progressPrinter) observe(sess swap.Session) {
	if sess.Approval != p.approval {
		p.approval = sess.Approval
		switch sess.Approval {
		case swap.ApprovalPending:
			p.line(color.YellowString("approval"), "waiting for token approval")
		case swap.ApprovalGranted:
			p.line(color.GreenString("approval"), "granted "+p.txRef(sess.Request.FromChainID, sess.ApprovalTxHash))
		case swap.ApprovalFailed:
			p.line(color.RedString("approval"), "failed")
		}
	}
	for ; p.printed < len(sess.Progress); p.printed++ {
		u := sess.Progress[p.printed]
		p.line(statusLabel(u.Status), p.stepText(sess, u))
	}
	if sess.State == p.state {
		return
	}
	p.state = sess.State
	switch sess.State {
	case swap.StateFetchingQuote:
		p.busy(" fetching quote")
	case swap.StateApproving:
		p.busy(" approving")
	case swap.StateSwapping:
		p.busy(" swapping")
	case swap.StateQuoteReady:
		p.line(color.CyanString("quote"), "ready")
	case swap.StateCompleted:
		p.line(color.GreenString("completed"), p.txRef(sess.Request.ToChainID, sess.TxHash))
	case swap.StateFailed:
		msg := "swap failed"
		if sess.Err != nil {
			msg = sess.Err.Error()
		}
		p.line(color.RedString("failed"), msg)
	}
}

func (p *progressPrinter) stepText(sess swap.Session, u model.ProgressUpdate) string {
	text := "route"
	if u.StepIndex != model.NoStepIndex {
		text = fmt.Sprintf("step %d", u.StepIndex+1)
		if sess.Route != nil {
			text = fmt.Sprintf("step %d/%d", u.StepIndex+1, len(sess.Route.Steps))
		}
	}
	if u.TxHash != "" {
		text += " " + p.txRef(u.ChainID, u.TxHash)
	}
	if u.Message != "" {
		text += " " + u.Message
	}
	return text
}

func (p *progressPrinter) txRef(chainID int64, txHash string) string {
	if txHash == "" {
		return ""
	}
	if link, ok := registry.ExplorerTxURL(chainID, txHash); ok {
		return color.HiBlackString(link)
	}
	return color.HiBlackString(txHash)
}

func (p *progressPrinter) busy(suffix string) {
	p.spin.Stop()
	p.spin.Suffix = suffix
	p.spin.Start()
}

func (p *progressPrinter) line(label, text string) {
	p.spin.Stop()
	_, _ = fmt.Fprintf(p.w, "%s %s\n", label, text)
}

func statusLabel(status model.ExecutionStatus) string {
	switch status {
	case model.ExecutionDone:
		return color.GreenString(string(status))
	case model.ExecutionFailed:
		return color.RedString(string(status))
	default:
		return color.YellowString(string(status))
	}
}
