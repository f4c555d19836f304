package token

import (
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
)

// EndpointResolver turns a provider descriptor into concrete endpoints,
// either from the descriptor's explicit fields or from the provider's
// published openid metadata.
type EndpointResolver interface {
	Resolve(ctx context.Context, prov provider.Provider) (provider.Configuration, error)
}

// Lifecycle performs refresh-token grants against a provider's token
// endpoint.
type Lifecycle struct {
	clientID     string
	resolver     EndpointResolver
	secureClient *http.Client
}

// NewLifecycle builds a lifecycle using the given resolver for token
// endpoints. A nil resolver restricts refreshes to providers with an
// explicitly configured token endpoint; issuer-only providers then fail
// with a configuration error.
func NewLifecycle(clientID string, resolver EndpointResolver, httpClient *http.Client) *Lifecycle {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Lifecycle{
		clientID:     clientID,
		resolver:     resolver,
		secureClient: httpClient,
	}
}

// Refresh exchanges the refresh token for a new token set.
//
// An invalid_grant or interaction_required response means the refresh token
// itself is dead and the caller must route the user through a full
// authorization; that surfaces as serviceerr.ErrRequiresReauth. Every other
// failure is a retryable serviceerr.ErrRefreshFailed.
func (l *Lifecycle) Refresh(ctx context.Context, prov provider.Provider, current Set) (Set, error) {
	endpoint := prov.TokenEndpoint
	if l.resolver != nil {
		conf, err := l.resolver.Resolve(ctx, prov)
		if err != nil {
			return Set{}, fmt.Errorf("resolving provider endpoints: %w", err)
		}
		endpoint = conf.TokenEndpoint
	}
	if endpoint == "" {
		return Set{}, serviceerr.New(serviceerr.CodeConfiguration, "provider has no token endpoint")
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", current.RefreshToken)
	data.Set("client_id", l.clientID)
	if len(prov.Scopes) > 0 {
		data.Set("scope", strings.Join(prov.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return Set{}, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := l.secureClient.Do(req)
	if err != nil {
		return Set{}, errors.Join(serviceerr.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var wireErr WireError
		_ = json.NewDecoder(resp.Body).Decode(&wireErr)

		slogctx.Warn(ctx, "Token refresh rejected",
			"provider", prov.Name, "status", resp.StatusCode, "error_code", wireErr.Code)

		if wireErr.Code == "invalid_grant" || wireErr.Code == "interaction_required" {
			return Set{}, serviceerr.ErrRequiresReauth
		}

		return Set{}, serviceerr.New(serviceerr.CodeRefreshFailed,
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
	}

	var refreshed Set
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		return Set{}, errors.Join(serviceerr.ErrRefreshFailed, err)
	}

	refreshed.IssuedAt = time.Now()
	// the absolute ceiling keeps counting from the original issuance
	refreshed.RefreshTokenCreatedAt = current.RefreshTokenCreatedAt
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}

	return refreshed, nil
}
