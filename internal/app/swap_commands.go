package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/out"
	"github.com/ggonzalez94/xswap/internal/registry"
	"github.com/ggonzalez94/xswap/internal/swap"
)

// A CLI invocation drives a single swap, so every command shares one slot.
const cliSlot = "cli"

type swapArgs struct {
	fromChain   chainValue
	toChain     chainValue
	fromToken   string
	toToken     string
	amount      string
	fromAddress string
	slippage    float64
}

func (a *swapArgs) bind(cmd *cobra.Command) {
	cmd.Flags().Var(&a.fromChain, "from-chain", "Source chain id, name or CAIP-2 id")
	cmd.Flags().Var(&a.toChain, "to-chain", "Destination chain id, name or CAIP-2 id")
	cmd.Flags().StringVar(&a.fromToken, "from-token", "", "Source token address, symbol or native")
	cmd.Flags().StringVar(&a.toToken, "to-token", "", "Destination token address, symbol or native")
	cmd.Flags().StringVar(&a.amount, "amount", "", "Amount of the source token in whole units (e.g. 1.5)")
	cmd.Flags().StringVar(&a.fromAddress, "from-address", "", "Sender address (defaults to the configured signer)")
	cmd.Flags().Float64Var(&a.slippage, "slippage", 0, "Max slippage as a fraction (default from config, 0.005)")
	for _, name := range []string{"from-chain", "to-chain", "from-token", "to-token", "amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

// swapInput resolves token symbols against the directory. The rest of the
// validation belongs to the request builder.
func (s *runtimeState) swapInput(ctx context.Context, a *swapArgs, fromAddress string) (swap.SwapInput, error) {
	dir := s.tokenDirectory(ctx)
	fromToken, err := resolveTokenAddress(ctx, dir, a.fromChain.ID(), a.fromToken)
	if err != nil {
		return swap.SwapInput{}, err
	}
	toToken, err := resolveTokenAddress(ctx, dir, a.toChain.ID(), a.toToken)
	if err != nil {
		return swap.SwapInput{}, err
	}
	return swap.SwapInput{
		FromChainID: a.fromChain.ID(),
		ToChainID:   a.toChain.ID(),
		FromToken:   fromToken,
		ToToken:     toToken,
		Amount:      a.amount,
		FromAddress: fromAddress,
		Slippage:    a.slippage,
	}, nil
}

// sessionView is the command output for a session.
type sessionView struct {
	SessionID      string                 `json:"session_id"`
	State          swap.State             `json:"state"`
	Request        model.SwapRequest      `json:"request"`
	Route          *model.RouteSummary    `json:"route,omitempty"`
	Approval       swap.ApprovalState     `json:"approval,omitempty"`
	ApprovalTxHash string                 `json:"approval_tx_hash,omitempty"`
	TxHash         string                 `json:"tx_hash,omitempty"`
	ExplorerURL    string                 `json:"explorer_url,omitempty"`
	Progress       []model.ProgressUpdate `json:"progress,omitempty"`
	BalancesBefore *model.BalanceSnapshot `json:"balances_before,omitempty"`
	BalancesAfter  *model.BalanceSnapshot `json:"balances_after,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func newSessionView(sess swap.Session) sessionView {
	view := sessionView{
		SessionID:      sess.ID,
		State:          sess.State,
		Request:        sess.Request,
		Approval:       sess.Approval,
		ApprovalTxHash: sess.ApprovalTxHash,
		TxHash:         sess.TxHash,
		Progress:       sess.Progress,
		BalancesBefore: sess.BalancesBefore,
		BalancesAfter:  sess.BalancesAfter,
		UpdatedAt:      sess.UpdatedAt,
	}
	if sess.Route != nil {
		summary := swap.Summarize(*sess.Route)
		view.Route = &summary
	}
	if sess.TxHash != "" {
		chainID := sess.Request.FromChainID
		if n := len(sess.Progress); n > 0 && sess.Progress[n-1].ChainID != 0 {
			chainID = sess.Progress[n-1].ChainID
		}
		view.ExplorerURL, _ = registry.ExplorerTxURL(chainID, sess.TxHash)
	}
	return view
}

// balanceWarnings flags a quote whose source balance is known to be short.
func balanceWarnings(sess swap.Session) []string {
	snap := sess.BalancesBefore
	if snap == nil {
		return nil
	}
	raw, ok := snap.Balances[sess.Request.FromTokenAddress]
	if !ok {
		return []string{"source token balance could not be read"}
	}
	have, ok1 := new(big.Int).SetString(raw, 10)
	want, ok2 := new(big.Int).SetString(sess.Request.AmountRaw, 10)
	if ok1 && ok2 && have.Cmp(want) < 0 {
		return []string{fmt.Sprintf("balance %s is below the requested amount %s (base units)", raw, sess.Request.AmountRaw)}
	}
	return nil
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var args swapArgs
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Fetch the best route for a swap without executing it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			owner, err := s.resolveOwner(args.fromAddress)
			if err != nil {
				return err
			}
			in, err := s.swapInput(ctx, &args, owner)
			if err != nil {
				return err
			}
			machine, err := s.swapMachine(ctx)
			if err != nil {
				return err
			}
			start := time.Now()
			sess, err := machine.Submit(ctx, cliSlot, in)
			status := []model.ProviderStatus{providerStatus(providerName, start, err)}
			warnings := append(s.cacheWarnings(), balanceWarnings(sess)...)
			if err != nil {
				s.captureDiagnostics(warnings, status)
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), newSessionView(sess), warnings, s.cacheMeta(), status)
		},
	}
	args.bind(cmd)
	return cmd
}

func (s *runtimeState) newSwapCommand() *cobra.Command {
	var args swapArgs
	var yes bool
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Quote and execute a swap with the configured signer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return clierr.New(clierr.CodeUsage, "swap broadcasts transactions; pass --yes to confirm")
			}
			ctx := cmd.Context()
			signer, err := s.loadSigner()
			if err != nil {
				return err
			}
			owner := strings.ToLower(signer.Address().Hex())
			if args.fromAddress != "" && id.NormalizeAddress(args.fromAddress) != owner {
				return clierr.New(clierr.CodeSigner, fmt.Sprintf("signer %s does not match --from-address %s", owner, args.fromAddress))
			}
			in, err := s.swapInput(ctx, &args, owner)
			if err != nil {
				return err
			}
			machine, err := s.swapMachine(ctx)
			if err != nil {
				return err
			}
			w, err := s.openWallet(signer, in.FromChainID)
			if err != nil {
				return err
			}
			if s.settings.OutputMode == out.ModePlain {
				stop := watchProgress(s.runner.stderr, machine)
				defer stop()
			}

			start := time.Now()
			sess, err := machine.Submit(ctx, cliSlot, in)
			if err == nil {
				sess, err = machine.Confirm(ctx, cliSlot, w)
			}
			status := []model.ProviderStatus{providerStatus(providerName, start, err)}
			warnings := s.cacheWarnings()
			if err != nil {
				s.captureDiagnostics(warnings, status)
				return err
			}
			// The refresh runs in the background; wait so the output carries it.
			machine.Wait()
			if latest, ok := machine.Session(cliSlot); ok && latest.ID == sess.ID {
				sess = latest
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), newSessionView(sess), warnings, s.cacheMeta(), status)
		},
	}
	args.bind(cmd)
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm execution")
	return cmd
}

// recordView is a persisted session as stored after its last transition.
type recordView struct {
	model.SessionRecord
	Details json.RawMessage `json:"details,omitempty"`
}

func newRecordView(rec model.SessionRecord) recordView {
	view := recordView{SessionRecord: rec, Details: rec.Payload}
	view.Payload = nil
	return view
}

func (s *runtimeState) newSessionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "sessions", Short: "Swap session history"}

	var state string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := s.sessionStore()
			if err != nil {
				return err
			}
			records, err := sessions.List(cmd.Context(), strings.ToLower(strings.TrimSpace(state)), limit)
			if err != nil {
				return err
			}
			views := make([]recordView, 0, len(records))
			for _, rec := range records {
				views = append(views, newRecordView(rec))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), views, nil, cacheMetaBypass(), nil)
		},
	}
	listCmd.Flags().StringVar(&state, "state", "", "Filter by state (e.g. completed, failed)")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to return")
	root.AddCommand(listCmd)

	getCmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := s.sessionStore()
			if err != nil {
				return err
			}
			rec, err := sessions.Get(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), newRecordView(rec), nil, cacheMetaBypass(), nil)
		},
	}
	root.AddCommand(getCmd)

	return root
}
