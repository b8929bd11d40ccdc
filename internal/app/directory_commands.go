package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
	"github.com/ggonzalez94/xswap/internal/swap"
)

func (s *runtimeState) newChainsCommand() *cobra.Command {
	root := &cobra.Command{Use: "chains", Short: "Chains supported by the routing service"}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List supported chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			chains, err := s.tokenDirectory(cmd.Context()).ListChains(cmd.Context())
			status := []model.ProviderStatus{providerStatus(providerName, start, err)}
			if err != nil {
				s.captureDiagnostics(s.cacheWarnings(), status)
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), chains, s.cacheWarnings(), s.cacheMeta(), status)
		},
	}
	root.AddCommand(listCmd)
	return root
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token directory lookups"}

	var listChain chainValue
	var search string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens on a chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			tokens, err := s.tokenDirectory(cmd.Context()).ListTokens(cmd.Context(), listChain.ID())
			status := []model.ProviderStatus{providerStatus(providerName, start, err)}
			if err != nil {
				s.captureDiagnostics(s.cacheWarnings(), status)
				return err
			}
			tokens = filterTokens(tokens, search, limit)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), tokens, s.cacheWarnings(), s.cacheMeta(), status)
		},
	}
	listCmd.Flags().Var(&listChain, "chain", "Chain id, name or CAIP-2 id")
	listCmd.Flags().StringVar(&search, "search", "", "Filter by symbol, name or address")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum tokens to return (0 for all)")
	_ = listCmd.MarkFlagRequired("chain")
	root.AddCommand(listCmd)

	var getChain chainValue
	var tokenArg string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Resolve one token by address, symbol or native alias",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := s.tokenDirectory(cmd.Context())
			start := time.Now()
			token, err := lookupToken(cmd.Context(), dir, getChain.ID(), tokenArg)
			status := []model.ProviderStatus{providerStatus(providerName, start, err)}
			if err != nil {
				s.captureDiagnostics(s.cacheWarnings(), status)
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), token, s.cacheWarnings(), s.cacheMeta(), status)
		},
	}
	getCmd.Flags().Var(&getChain, "chain", "Chain id, name or CAIP-2 id")
	getCmd.Flags().StringVar(&tokenArg, "token", "", "Token address, symbol or native")
	_ = getCmd.MarkFlagRequired("chain")
	_ = getCmd.MarkFlagRequired("token")
	root.AddCommand(getCmd)

	return root
}

type balanceRow struct {
	Token            string `json:"token"`
	Symbol           string `json:"symbol,omitempty"`
	BalanceBaseUnits string `json:"balance_base_units"`
	Balance          string `json:"balance,omitempty"`
}

type balancesView struct {
	Address  string       `json:"address"`
	ChainID  int64        `json:"chain_id"`
	Balances []balanceRow `json:"balances"`
	TakenAt  time.Time    `json:"taken_at"`
}

func (s *runtimeState) newBalancesCommand() *cobra.Command {
	var chain chainValue
	var address, tokensArg string
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Read on-chain token balances for an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			owner, err := s.resolveOwner(address)
			if err != nil {
				return err
			}
			dir := s.tokenDirectory(ctx)
			inputs := splitCSV(tokensArg)
			if len(inputs) == 0 {
				inputs = []string{"native"}
			}
			tokens := make([]model.Token, 0, len(inputs))
			addresses := make([]string, 0, len(inputs))
			for _, input := range inputs {
				token, err := lookupToken(ctx, dir, chain.ID(), input)
				if err != nil {
					return err
				}
				tokens = append(tokens, token)
				addresses = append(addresses, token.Address)
			}

			snap := swap.NewReconciler(s.balanceService(), s.logger).Snapshot(ctx, chain.ID(), owner, addresses)
			view := balancesView{Address: snap.Address, ChainID: chain.ID(), Balances: []balanceRow{}, TakenAt: snap.TakenAt}
			warnings := s.cacheWarnings()
			for _, token := range tokens {
				raw, ok := snap.Balances[token.Address]
				if !ok {
					warnings = append(warnings, fmt.Sprintf("balance unavailable for %s (%s)", token.Symbol, token.Address))
					continue
				}
				view.Balances = append(view.Balances, balanceRow{
					Token:            token.Address,
					Symbol:           token.Symbol,
					BalanceBaseUnits: raw,
					Balance:          id.FormatBaseUnits(raw, token.Decimals),
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, warnings, s.cacheMeta(), nil)
		},
	}
	cmd.Flags().Var(&chain, "chain", "Chain id, name or CAIP-2 id")
	cmd.Flags().StringVar(&address, "address", "", "Owner address (defaults to the configured signer)")
	cmd.Flags().StringVar(&tokensArg, "tokens", "", "Tokens to read, comma-separated (default native)")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

// resolveOwner returns the explicit address, or the configured signer's.
func (s *runtimeState) resolveOwner(address string) (string, error) {
	if strings.TrimSpace(address) != "" {
		return strings.TrimSpace(address), nil
	}
	signer, err := s.loadSigner()
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "no address given and no signing key configured", err)
	}
	return strings.ToLower(signer.Address().Hex()), nil
}

// resolveTokenAddress maps user token input to an address. Addresses and
// "native" resolve locally; symbols are looked up in the chain's token list,
// so ETH on Polygon is the bridged token, not the gas token.
func resolveTokenAddress(ctx context.Context, dir providers.Directory, chainID int64, input string) (string, error) {
	addr, err := id.ParseTokenAddress(input)
	if err == nil {
		return addr, nil
	}
	symbol := strings.TrimSpace(input)
	if symbol == "" || strings.HasPrefix(strings.ToLower(symbol), "0x") {
		return "", &swap.InputError{Kind: swap.InvalidToken, Message: fmt.Sprintf("invalid token %q", input), Cause: err}
	}
	tokens, err := dir.ListTokens(ctx, chainID)
	if err != nil {
		return "", err
	}
	for _, token := range tokens {
		if strings.EqualFold(token.Symbol, symbol) {
			return id.ParseTokenAddress(token.Address)
		}
	}
	return "", &swap.InputError{Kind: swap.InvalidToken, Message: fmt.Sprintf("no token %q on chain %d", symbol, chainID)}
}

func lookupToken(ctx context.Context, dir providers.Directory, chainID int64, input string) (model.Token, error) {
	addr, err := resolveTokenAddress(ctx, dir, chainID, input)
	if err != nil {
		return model.Token{}, err
	}
	return dir.GetToken(ctx, chainID, addr)
}

func filterTokens(tokens []model.Token, search string, limit int) []model.Token {
	needle := strings.ToLower(strings.TrimSpace(search))
	out := make([]model.Token, 0, len(tokens))
	for _, token := range tokens {
		if needle != "" &&
			!strings.Contains(strings.ToLower(token.Symbol), needle) &&
			!strings.Contains(strings.ToLower(token.Name), needle) &&
			token.Address != needle {
			continue
		}
		out = append(out, token)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
