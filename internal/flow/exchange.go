package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/evalabs/authbridge/internal/provider"
	"github.com/evalabs/authbridge/internal/serviceerr"
	"github.com/evalabs/authbridge/internal/token"
)

// Exchanger redeems an authorization code for tokens. When a broker endpoint
// is configured it is tried first, because only the broker holds a client
// secret for providers that require one. Any broker failure falls back to a
// direct public-client exchange against the provider, exactly once.
type Exchanger struct {
	clientID     string
	redirectURI  string
	brokerURL    string
	secureClient *http.Client
}

func NewExchanger(clientID, redirectURI, brokerURL string, httpClient *http.Client) *Exchanger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Exchanger{
		clientID:     clientID,
		redirectURI:  redirectURI,
		brokerURL:    brokerURL,
		secureClient: httpClient,
	}
}

type brokerRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier,omitempty"`
	RedirectURI  string `json:"redirectUri"`
}

func (e *Exchanger) Exchange(ctx context.Context, prov provider.Provider, conf provider.Configuration, code, verifier string) (token.Set, error) {
	if e.brokerURL != "" {
		tokens, err := e.brokered(ctx, prov, code, verifier)
		if err == nil {
			return stamp(tokens), nil
		}

		slogctx.Warn(ctx, "Brokered token exchange failed; falling back to a direct exchange",
			"provider", prov.Name, "error", err)
	}

	tokens, err := e.direct(ctx, prov, conf, code, verifier)
	if err != nil {
		return token.Set{}, err
	}

	return stamp(tokens), nil
}

// stamp records the local clocks the provider does not send: the access-token
// anchor and the start of the refresh token's absolute lifetime.
func stamp(tokens token.Set) token.Set {
	now := time.Now()
	tokens.IssuedAt = now
	tokens.RefreshTokenCreatedAt = now

	return tokens
}

func (e *Exchanger) brokered(ctx context.Context, prov provider.Provider, code, verifier string) (token.Set, error) {
	body, err := json.Marshal(brokerRequest{
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  e.redirectURI,
	})
	if err != nil {
		return token.Set{}, fmt.Errorf("encoding broker request: %w", err)
	}

	// the broker speaks this service's own token route, provider in the path
	uri := strings.TrimSuffix(e.brokerURL, "/") + "/api/auth/" + url.PathEscape(prov.Name) + "/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return token.Set{}, fmt.Errorf("creating broker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.secureClient.Do(req)
	if err != nil {
		return token.Set{}, fmt.Errorf("executing broker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return token.Set{}, fmt.Errorf("broker exchange failed with status: %d", resp.StatusCode)
	}

	var tokens token.Set
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return token.Set{}, fmt.Errorf("decoding broker response: %w", err)
	}

	return tokens, nil
}

func (e *Exchanger) direct(ctx context.Context, prov provider.Provider, conf provider.Configuration, code, verifier string) (token.Set, error) {
	return e.form(ctx, prov, conf, code, verifier, e.redirectURI, "")
}

// form performs the provider-facing exchange. A non-empty clientSecret turns
// it into the confidential server-side variant used by the broker endpoint;
// the public-client fallback never sends one.
func (e *Exchanger) form(ctx context.Context, prov provider.Provider, conf provider.Configuration, code, verifier, redirectURI, clientSecret string) (token.Set, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", e.clientID)
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	if prov.SupportsPKCE && verifier != "" {
		data.Set("code_verifier", verifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return token.Set{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.secureClient.Do(req)
	if err != nil {
		return token.Set{}, fmt.Errorf("executing token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var wireErr token.WireError
		_ = json.NewDecoder(resp.Body).Decode(&wireErr)

		slogctx.Warn(ctx, "Direct token exchange rejected",
			"provider", prov.Name, "status", resp.StatusCode, "error_code", wireErr.Code)

		if isRedirectURIMismatch(wireErr) {
			return token.Set{}, errors.Join(serviceerr.ErrRedirectURIMismatch,
				fmt.Errorf("provider rejected redirect_uri %q: %s", redirectURI, wireErr.Description))
		}

		return token.Set{}, fmt.Errorf("token exchange failed with status: %d", resp.StatusCode)
	}

	var tokens token.Set
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return token.Set{}, fmt.Errorf("decoding token response: %w", err)
	}

	return tokens, nil
}

// isRedirectURIMismatch spots the most common integration bug: the
// redirect_uri sent here not matching the one registered or used in the
// authorization request. Providers word it differently, so both the error
// code and the description are checked.
func isRedirectURIMismatch(wireErr token.WireError) bool {
	if wireErr.Code == "redirect_uri_mismatch" {
		return true
	}

	desc := strings.ToLower(wireErr.Description)

	return strings.Contains(desc, "redirect_uri") || strings.Contains(desc, "redirect uri") ||
		strings.Contains(desc, "reply url")
}
