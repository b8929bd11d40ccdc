package lifi

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
	"github.com/ggonzalez94/xswap/internal/providers"
)

type chainsResponse struct {
	Chains []struct {
		ID      int64  `json:"id"`
		Key     string `json:"key"`
		Name    string `json:"name"`
		LogoURI string `json:"logoURI"`
	} `json:"chains"`
}

func (c *Client) ListChains(ctx context.Context) ([]model.Chain, error) {
	var resp chainsResponse
	if err := c.get(ctx, "/chains", &resp); err != nil {
		return nil, err
	}
	out := make([]model.Chain, 0, len(resp.Chains))
	for _, chain := range resp.Chains {
		out = append(out, model.Chain{ID: chain.ID, Key: chain.Key, Name: chain.Name, LogoURI: chain.LogoURI})
	}
	return out, nil
}

type tokensResponse struct {
	Tokens map[string][]tokenPayload `json:"tokens"`
}

func (c *Client) ListTokens(ctx context.Context, chainID int64) ([]model.Token, error) {
	key := strconv.FormatInt(chainID, 10)
	var resp tokensResponse
	if err := c.get(ctx, "/tokens?chains="+url.QueryEscape(key), &resp); err != nil {
		return nil, err
	}
	items := resp.Tokens[key]
	out := make([]model.Token, 0, len(items))
	for _, item := range items {
		token := item.toModel()
		if token.ChainID == 0 {
			token.ChainID = chainID
		}
		out = append(out, token)
	}
	return out, nil
}

// GetToken resolves one token. Unknown tokens come back as 404 or as a 400
// validation error; both map to providers.ErrTokenNotFound.
func (c *Client) GetToken(ctx context.Context, chainID int64, address string) (model.Token, error) {
	vals := url.Values{}
	vals.Set("chain", strconv.FormatInt(chainID, 10))
	vals.Set("token", id.NormalizeAddress(address))
	var resp tokenPayload
	if err := c.get(ctx, "/token?"+vals.Encode(), &resp); err != nil {
		if isNotFound(err) || isUnknownToken(err) {
			return model.Token{}, clierr.Wrap(clierr.CodeNotFound, "token not found", providers.ErrTokenNotFound)
		}
		return model.Token{}, err
	}
	if strings.TrimSpace(resp.Address) == "" {
		return model.Token{}, clierr.Wrap(clierr.CodeNotFound, "token not found", providers.ErrTokenNotFound)
	}
	token := resp.toModel()
	if token.ChainID == 0 {
		token.ChainID = chainID
	}
	return token, nil
}

func isUnknownToken(err error) bool {
	rej, ok := rejected(err).(*providers.RejectedError)
	if !ok || rej.Status != 400 {
		return false
	}
	msg := strings.ToLower(rej.Message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown token") || strings.Contains(msg, "invalid token")
}
