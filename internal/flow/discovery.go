package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	slogctx "github.com/veqryn/slog-context"

	"github.com/evalabs/authbridge/internal/provider"
	"github.com/evalabs/authbridge/internal/serviceerr"
)

const wellKnownPath = "/.well-known/openid-configuration"

// Discovery resolves a provider descriptor to concrete endpoints. Explicitly
// configured endpoints win; otherwise the provider's published openid
// metadata is fetched and cached.
type Discovery struct {
	cache        *gocache.Cache
	secureClient *http.Client
}

func NewDiscovery(httpClient *http.Client, cacheTTL time.Duration) *Discovery {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Discovery{
		cache:        gocache.New(cacheTTL, 2*cacheTTL),
		secureClient: httpClient,
	}
}

func (d *Discovery) Resolve(ctx context.Context, prov provider.Provider) (provider.Configuration, error) {
	if prov.AuthorizeEndpoint != "" && prov.TokenEndpoint != "" {
		return provider.Configuration{
			Issuer:                prov.IssuerURL,
			AuthorizationEndpoint: prov.AuthorizeEndpoint,
			TokenEndpoint:         prov.TokenEndpoint,
			JwksURI:               prov.JWKSURI,
		}, nil
	}

	if prov.IssuerURL == "" {
		return provider.Configuration{}, serviceerr.New(serviceerr.CodeConfiguration,
			fmt.Sprintf("provider %q has neither explicit endpoints nor an issuer", prov.Name))
	}

	if cached, ok := d.cache.Get(prov.IssuerURL); ok {
		return cached.(provider.Configuration), nil
	}

	conf, err := d.fetch(ctx, prov.IssuerURL)
	if err != nil {
		return provider.Configuration{}, err
	}

	d.cache.SetDefault(prov.IssuerURL, conf)
	slogctx.Debug(ctx, "Cached openid configuration", "issuer", prov.IssuerURL)

	return conf, nil
}

func (d *Discovery) fetch(ctx context.Context, issuer string) (provider.Configuration, error) {
	uri := strings.TrimSuffix(issuer, "/") + wellKnownPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return provider.Configuration{}, fmt.Errorf("creating discovery request: %w", err)
	}

	resp, err := d.secureClient.Do(req)
	if err != nil {
		return provider.Configuration{}, fmt.Errorf("executing discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.Configuration{}, fmt.Errorf("discovery request returned status: %d", resp.StatusCode)
	}

	var conf provider.Configuration
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return provider.Configuration{}, fmt.Errorf("decoding openid configuration: %w", err)
	}

	return conf, nil
}
