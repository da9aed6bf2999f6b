package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Exchanger trades an authorization code for the provider's user document.
type Exchanger interface {
	Exchange(ctx context.Context, code, verifier string) (any, error)
}

// ProviderExchanger performs the code exchange and a userinfo call.
type ProviderExchanger struct {
	cfg         *oauth2.Config
	userInfoURL string
	client      *http.Client
}

func NewProviderExchanger(cfg *oauth2.Config, userInfoURL string, client *http.Client) *ProviderExchanger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ProviderExchanger{cfg: cfg, userInfoURL: userInfoURL, client: client}
}

func (p *ProviderExchanger) Exchange(ctx context.Context, code, verifier string) (any, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("oauth: exchange: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: userinfo status %d", resp.StatusCode)
	}
	var doc any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("oauth: userinfo decode: %w", err)
	}
	return doc, nil
}
