package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

const DefaultSlippage = 0.005

// SwapInput is the raw user intent. Amount is a display amount in whole
// tokens; Slippage 0 means the builder default.
type SwapInput struct {
	FromChainID int64   `json:"from_chain_id"`
	ToChainID   int64   `json:"to_chain_id"`
	FromToken   string  `json:"from_token"`
	ToToken     string  `json:"to_token"`
	Amount      string  `json:"amount"`
	FromAddress string  `json:"from_address"`
	Slippage    float64 `json:"slippage,omitempty"`
}

type RequestBuilder struct {
	directory       providers.Directory
	defaultSlippage float64
	logger          *slog.Logger
}

func NewRequestBuilder(directory providers.Directory, defaultSlippage float64, logger *slog.Logger) *RequestBuilder {
	if defaultSlippage <= 0 || defaultSlippage >= 1 {
		defaultSlippage = DefaultSlippage
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RequestBuilder{
		directory:       directory,
		defaultSlippage: defaultSlippage,
		logger:          logger.With(slog.String("component", "request_builder")),
	}
}

// Build validates in and resolves both tokens. The raw amount is
// floor(amount * 10^decimals) of the source token.
func (b *RequestBuilder) Build(ctx context.Context, in SwapInput) (model.SwapRequest, error) {
	if in.FromChainID <= 0 || in.ToChainID <= 0 {
		return model.SwapRequest{}, &InputError{Kind: InvalidChain, Message: "source and destination chains are required"}
	}
	display, err := id.ParseDisplayAmount(in.Amount)
	if err != nil {
		return model.SwapRequest{}, &InputError{Kind: InvalidAmount, Message: "amount must be a number", Cause: err}
	}
	if !display.IsPositive() {
		return model.SwapRequest{}, &InputError{Kind: InvalidAmount, Message: "amount must be greater than zero"}
	}
	if !common.IsHexAddress(strings.TrimSpace(in.FromAddress)) {
		return model.SwapRequest{}, &InputError{Kind: InvalidAddress, Message: fmt.Sprintf("invalid sender address %q", in.FromAddress)}
	}
	slippage := in.Slippage
	if slippage == 0 {
		slippage = b.defaultSlippage
	}
	if slippage <= 0 || slippage >= 1 {
		return model.SwapRequest{}, &InputError{Kind: InvalidSlippage, Message: fmt.Sprintf("slippage %v must be between 0 and 1", slippage)}
	}
	fromAddr, err := id.ParseTokenAddress(in.FromToken)
	if err != nil {
		return model.SwapRequest{}, &InputError{Kind: InvalidToken, Message: "invalid source token", Cause: err}
	}
	toAddr, err := id.ParseTokenAddress(in.ToToken)
	if err != nil {
		return model.SwapRequest{}, &InputError{Kind: InvalidToken, Message: "invalid destination token", Cause: err}
	}

	var fromToken, toToken model.Token
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		token, err := b.lookup(gctx, in.FromChainID, fromAddr)
		fromToken = token
		return err
	})
	g.Go(func() error {
		token, err := b.lookup(gctx, in.ToChainID, toAddr)
		toToken = token
		return err
	})
	if err := g.Wait(); err != nil {
		return model.SwapRequest{}, err
	}

	raw, err := id.ToBaseUnits(in.Amount, fromToken.Decimals)
	if err != nil {
		return model.SwapRequest{}, &InputError{Kind: InvalidAmount, Message: "amount must be a number", Cause: err}
	}
	if raw.Sign() <= 0 {
		return model.SwapRequest{}, &InputError{
			Kind:    InvalidAmount,
			Message: fmt.Sprintf("amount is below the smallest unit of %s", fromToken.Symbol),
		}
	}

	req := model.SwapRequest{
		FromChainID:      in.FromChainID,
		ToChainID:        in.ToChainID,
		FromTokenAddress: id.NormalizeAddress(fromToken.Address),
		ToTokenAddress:   id.NormalizeAddress(toToken.Address),
		AmountRaw:        raw.String(),
		FromAddress:      id.NormalizeAddress(in.FromAddress),
		Slippage:         slippage,
	}
	b.logger.Debug("swap request built",
		slog.Int64("from_chain", req.FromChainID),
		slog.Int64("to_chain", req.ToChainID),
		slog.String("amount_raw", req.AmountRaw),
	)
	return req, nil
}

func (b *RequestBuilder) lookup(ctx context.Context, chainID int64, address string) (model.Token, error) {
	token, err := b.directory.GetToken(ctx, chainID, address)
	if err != nil {
		if errors.Is(err, providers.ErrTokenNotFound) {
			return model.Token{}, &InputError{
				Kind:    InvalidToken,
				Message: fmt.Sprintf("no token %s on chain %d", address, chainID),
			}
		}
		return model.Token{}, normalize("token lookup", err)
	}
	if token.Address == "" {
		token.Address = address
	}
	if id.IsNative(token.Address) {
		token.Address = id.NativeTokenAddress
		token.Native = true
	}
	return token, nil
}
