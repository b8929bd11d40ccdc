package lifi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/httpx"
	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
	"github.com/ggonzalez94/xswap/internal/registry"
)

const (
	apiKeyHeader        = "x-lifi-api-key"
	defaultPollInterval = 5 * time.Second
	maxStatusFailures   = 10
)

type Options struct {
	BaseURL      string
	APIKey       string
	Integrator   string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Client talks to the LI.FI REST API. It serves as the token directory, the
// route source and the step execution service.
type Client struct {
	http         *httpx.Client
	baseURL      string
	apiKey       string
	integrator   string
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

var (
	_ providers.Directory        = (*Client)(nil)
	_ providers.Router           = (*Client)(nil)
	_ providers.ExecutionService = (*Client)(nil)
)

func New(httpClient *httpx.Client, opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = registry.LiFiBaseURL
	}
	integrator := strings.TrimSpace(opts.Integrator)
	if integrator == "" {
		integrator = registry.LiFiIntegrator
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		http:         httpClient,
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(opts.APIKey),
		integrator:   integrator,
		pollInterval: poll,
		logger:       logger.With(slog.String("component", "lifi")),
		now:          time.Now,
		sleep:        sleepContext,
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{apiKeyHeader: c.apiKey}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	_, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, c.baseURL+path, nil, c.headers(), out)
	return err
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	_, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+path, body, c.headers(), out)
	return err
}

// rejected turns a refused request into a providers.RejectedError. Rate
// limiting and server failures stay as transport errors.
func rejected(err error) error {
	statusErr, ok := httpx.AsStatusError(err)
	if !ok {
		return err
	}
	if statusErr.Status < 400 || statusErr.Status >= 500 || statusErr.Status == http.StatusTooManyRequests {
		return err
	}
	return &providers.RejectedError{Status: statusErr.Status, Message: statusErr.Message(), Cause: err}
}

type tokenPayload struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chainId"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name"`
	PriceUSD string `json:"priceUSD"`
	LogoURI  string `json:"logoURI"`
}

func (t tokenPayload) toModel() model.Token {
	addr := id.NormalizeAddress(t.Address)
	native := id.IsNative(addr)
	if native {
		addr = id.NativeTokenAddress
	}
	return model.Token{
		Address:  addr,
		ChainID:  t.ChainID,
		Symbol:   t.Symbol,
		Name:     t.Name,
		Decimals: t.Decimals,
		PriceUSD: t.PriceUSD,
		LogoURI:  t.LogoURI,
		Native:   native,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNotFound(err error) bool {
	var typed *clierr.Error
	if errors.As(err, &typed) && typed.Code == clierr.CodeNotFound {
		return true
	}
	return false
}

func normalizeOptionalAddress(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return ""
	}
	return id.NormalizeAddress(addr)
}
