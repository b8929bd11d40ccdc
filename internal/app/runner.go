package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/xswap/internal/balance"
	"github.com/ggonzalez94/xswap/internal/cache"
	"github.com/ggonzalez94/xswap/internal/config"
	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/out"
	"github.com/ggonzalez94/xswap/internal/providers"
	"github.com/ggonzalez94/xswap/internal/providers/lifi"
	"github.com/ggonzalez94/xswap/internal/schema"
	"github.com/ggonzalez94/xswap/internal/store"
	"github.com/ggonzalez94/xswap/internal/swap"
	"github.com/ggonzalez94/xswap/internal/version"
	"github.com/ggonzalez94/xswap/internal/wallet"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

// runtimeState is the composition root for one invocation. Adapters are built
// on first use so commands only open what they touch.
type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	logger        *slog.Logger
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus

	lifi      *lifi.Client
	directory providers.Directory
	cache     cache.Backend
	cacheErr  error
	balances  *balance.Service
	sessions  *store.SessionStore
	machine   *swap.Machine
	wallets   []*wallet.LocalWallet
}

func (r *Runner) Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	state := &runtimeState{runner: r, logger: slog.New(slog.DiscardHandler)}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	err = normalizeRunError(err)
	if err != nil {
		state.renderError(err, state.lastWarnings, state.lastProviders)
	}
	state.close()
	if err == nil {
		return 0
	}
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Cross-chain swap CLI backed by LI.FI routing",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())

			logger, err := newLogger(s.runner.stderr, settings.LogLevel, settings.LogFormat)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.logger = logger
			s.logger.Debug("configuration loaded",
				slog.String("command", s.lastCommand),
				slog.String("lifi_base_url", settings.LiFiBaseURL),
				slog.String("cache_backend", settings.CacheBackend),
				slog.Bool("cache_enabled", settings.CacheEnabled),
			)
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Directory request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per directory request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.LogFormat, "log-format", "", "Log format (text|json)")
	cmd.PersistentFlags().StringArrayVar(&s.flags.RPCURLs, "rpc-url", nil, "RPC override as chain=url (repeatable)")
	cmd.PersistentFlags().StringVar(&s.flags.KeySource, "key-source", "", "Signing key source (auto|env|file|keystore)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newBalancesCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newSessionsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Describe commands and flags as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), doc, nil, cacheMetaBypass(), nil)
		},
	}
}

func (s *runtimeState) envelope(commandPath string, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus) model.Envelope {
	return model.Envelope{
		Version:  model.EnvelopeVersion,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
		},
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus) error {
	env := s.envelope(commandPath, warnings, cacheStatus, providers)
	env.Success = true
	env.Data = data
	return out.Render(s.runner.stdout, env, s.outputOptions())
}

// renderError writes the failure envelope to stderr. Field selection and
// results-only never apply to errors.
func (s *runtimeState) renderError(err error, warnings []string, providers []model.ProviderStatus) {
	commandPath := s.lastCommand
	if commandPath == "" {
		commandPath = version.CLIName
	}
	code, _ := clierr.CodeOf(err)
	env := s.envelope(commandPath, warnings, cacheMetaBypass(), providers)
	env.Data = []any{}
	env.Error = &model.ErrorBody{Code: int(code), Type: code.TypeName(), Message: err.Error()}

	opts := s.outputOptions()
	if opts.Mode == "" {
		opts.Mode = out.ModeJSON
	}
	opts.ResultsOnly = false
	opts.SelectFields = nil
	_ = out.Render(s.runner.stderr, env, opts)
}

func (s *runtimeState) outputOptions() out.Options {
	return out.Options{
		Mode:         s.settings.OutputMode,
		SelectFields: s.settings.SelectFields,
		ResultsOnly:  s.settings.ResultsOnly,
	}
}

func (s *runtimeState) captureDiagnostics(warnings []string, providers []model.ProviderStatus) {
	s.lastWarnings = append([]string(nil), warnings...)
	s.lastProviders = append([]model.ProviderStatus(nil), providers...)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	code, _ := clierr.CodeOf(err)
	switch code {
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

func providerStatus(name string, start time.Time, err error) model.ProviderStatus {
	return model.ProviderStatus{Name: name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass"}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.CodeOf(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
