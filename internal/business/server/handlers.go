package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/evalabs/authbridge/internal/config"
	"github.com/evalabs/authbridge/internal/ephemeral"
	cookietier "github.com/evalabs/authbridge/internal/ephemeral/cookie"
	"github.com/evalabs/authbridge/internal/flow"
	"github.com/evalabs/authbridge/internal/provider"
	"github.com/evalabs/authbridge/internal/rollout"
	"github.com/evalabs/authbridge/internal/serviceerr"
	"github.com/evalabs/authbridge/internal/session"
	"github.com/evalabs/authbridge/internal/token"
	"github.com/evalabs/authbridge/pkg/fingerprint"
)

// Tiers carries the shared flow-secret tiers the API scopes per client.
// The cookie tier is not here: it is built per request from the response
// writer.
type Tiers struct {
	Valkey ephemeral.Tier
	SQL    ephemeral.Tier
	Memory ephemeral.Tier
}

// API serves the public authorization-flow surface and the private
// provider-administration surface.
type API struct {
	cfg       *config.Config
	engine    *flow.Engine
	providers *provider.Service
	sessions  session.Repository
	rollout   *rollout.Controller
	tiers     Tiers
}

func NewAPI(
	cfg *config.Config,
	engine *flow.Engine,
	providers *provider.Service,
	sessions session.Repository,
	controller *rollout.Controller,
	tiers Tiers,
) *API {
	return &API{
		cfg:       cfg,
		engine:    engine,
		providers: providers,
		sessions:  sessions,
		rollout:   controller,
		tiers:     tiers,
	}
}

// storeFor assembles the redundant flow-secret store for one request. The
// shared tiers are namespaced by the client fingerprint so concurrent
// sign-ins never read each other's canonical keys; the cookie tier is
// already scoped to the browser by nature.
func (a *API) storeFor(w http.ResponseWriter, r *http.Request, fp string) *ephemeral.Store {
	tiers := make([]ephemeral.Tier, 0, 4)
	if a.tiers.Valkey != nil {
		tiers = append(tiers, ephemeral.Scoped(a.tiers.Valkey, fp))
	}

	if a.tiers.SQL != nil {
		tiers = append(tiers, ephemeral.Scoped(a.tiers.SQL, fp))
	}

	tiers = append(tiers, cookietier.New(w, r, a.cfg.Flow.FlowCookie.Secure, a.cfg.Flow.FlowCookie.Domain))

	if a.tiers.Memory != nil {
		tiers = append(tiers, ephemeral.Scoped(a.tiers.Memory, fp))
	}

	return ephemeral.NewStore(a.cfg.Flow.SecretTTL, tiers...).
		CountFailuresInto(a.rollout.StorageFailures())
}

func (a *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	description := "internal error"

	var svcErr *serviceerr.Error
	if errors.As(err, &svcErr) {
		status = serviceerr.HTTPStatus(svcErr.Code)
		description = svcErr.Description
	}

	slogctx.Error(ctx, "Request failed", "error", err, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": description})
}

// Authorize handles GET /auth/{provider}/authorize. It persists the flow
// secrets, picks the flow implementation for this client, and answers with a
// redirect to the provider's authorization endpoint.
func (a *API) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := r.PathValue("provider")
	redirectTarget := r.URL.Query().Get("redirect_uri")

	fp, err := fingerprint.ExtractFingerprint(ctx)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	store := a.storeFor(w, r, fp)

	var authorizeURL string

	impl, err := a.rollout.SignIn(ctx, fp,
		func(ctx context.Context) error {
			u, err := a.engine.BuildLegacyAuthorizationURL(ctx, store, providerName, redirectTarget)
			if err != nil {
				return err
			}

			authorizeURL = u

			return nil
		},
		func(ctx context.Context) error {
			u, err := a.engine.BuildAuthorizationURL(ctx, store, providerName, redirectTarget)
			if err != nil {
				return err
			}

			authorizeURL = u

			return nil
		},
	)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	slogctx.Info(ctx, "Redirecting to the authorization endpoint",
		"provider", providerName, "implementation", string(impl))

	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// Callback handles GET /auth/{provider}/callback. On success it mints the
// session, sets the session and CSRF cookies, and sends the client back to
// its original target.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := r.PathValue("provider")
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		slogctx.Warn(ctx, "Provider returned an authorization error",
			"provider", providerName, "error", errCode,
			"description", query.Get("error_description"))
		a.writeError(ctx, w, serviceerr.New(serviceerr.CodeStateMismatch,
			"authorization was denied by the provider"))

		return
	}

	fp, err := fingerprint.ExtractFingerprint(ctx)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	store := a.storeFor(w, r, fp)

	result, err := a.engine.HandleCallback(ctx, store, providerName, query.Get("code"), query.Get("state"), fp)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	http.SetCookie(w, a.cfg.Flow.SessionCookieTemplate.ToCookie(result.Session.ID))
	http.SetCookie(w, a.cfg.Flow.CSRFCookieTemplate.ToCookie(result.Session.CSRFToken))

	target := result.RedirectTarget
	if target == "" {
		target = "/"
	}

	http.Redirect(w, r, target, http.StatusFound)
}

type tokenRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// ExchangeToken handles POST /api/auth/{provider}/token: the confidential
// code exchange performed on behalf of public clients, attaching the
// provider's client secret server-side.
func (a *API) ExchangeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := r.PathValue("provider")

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(ctx, w, serviceerr.New(serviceerr.CodeStateMismatch, "malformed token request body"))
		return
	}

	if req.Code == "" {
		a.writeError(ctx, w, serviceerr.New(serviceerr.CodeStateMismatch, "missing authorization code"))
		return
	}

	tokens, err := a.engine.BrokerExchange(ctx, providerName, req.Code, req.CodeVerifier, req.RedirectURI)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
		TokenType:    tokens.TokenType,
		Scope:        tokens.Scope,
		IDToken:      tokens.IDToken,
	})
}

type sessionResponse struct {
	Provider       string    `json:"provider"`
	Subject        string    `json:"subject,omitempty"`
	Email          string    `json:"email,omitempty"`
	Name           string    `json:"name,omitempty"`
	Expiry         time.Time `json:"expiry"`
	NeedsRefresh   bool      `json:"needsRefresh"`
	RequiresReauth bool      `json:"requiresReauth"`
}

// Introspect handles GET /auth/session: it reports the session bound to the
// session cookie, including whether its tokens are due for a refresh or a
// full reauthorization.
func (a *API) Introspect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, err := a.sessionFromRequest(ctx, r)
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	s.LastVisited = time.Now()
	if err := a.sessions.StoreSession(ctx, s); err != nil {
		slogctx.Warn(ctx, "Failed to record the session visit", "error", err)
	}

	requiresReauth := s.RequiresReauth
	if !requiresReauth && !s.Tokens.RefreshTokenCreatedAt.IsZero() {
		requiresReauth = token.ApproachingAbsoluteCeiling(s.Tokens.RefreshTokenCreatedAt,
			token.DefaultRefreshTokenMaxAge, token.DefaultCeilingWarning)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionResponse{
		Provider:       s.Provider,
		Subject:        s.Claims.Subject,
		Email:          s.Claims.Email,
		Name:           s.Claims.Name,
		Expiry:         s.Expiry,
		NeedsRefresh:   token.NeedsRefresh(s.Tokens.ExpiresAt(), token.DefaultRefreshBuffer),
		RequiresReauth: requiresReauth,
	})
}

func (a *API) sessionFromRequest(ctx context.Context, r *http.Request) (session.Session, error) {
	cookie, err := r.Cookie(a.cfg.Flow.SessionCookieTemplate.Name)
	if err != nil || cookie.Value == "" {
		return session.Session{}, serviceerr.New(serviceerr.CodeRequiresReauth, "no session")
	}

	s, err := a.sessions.LoadSession(ctx, cookie.Value)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return session.Session{}, serviceerr.New(serviceerr.CodeRequiresReauth, "session expired")
		}

		return session.Session{}, err
	}

	fp, err := fingerprint.ExtractFingerprint(ctx)
	if err != nil {
		return session.Session{}, err
	}

	if s.Fingerprint != fp {
		return session.Session{}, serviceerr.New(serviceerr.CodeRequiresReauth, "session does not belong to this client")
	}

	return s, nil
}

// RolloutStats handles GET /auth/rollout/stats.
func (a *API) RolloutStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.rollout.Stats())
}

// GetProvider handles GET /admin/providers/{name}.
func (a *API) GetProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	prov, err := a.providers.Get(ctx, r.PathValue("name"))
	if err != nil {
		a.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(prov)
}

// PutProvider handles PUT /admin/providers/{name}: create or replace.
func (a *API) PutProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var prov provider.Provider
	if err := json.NewDecoder(r.Body).Decode(&prov); err != nil {
		a.writeError(ctx, w, serviceerr.New(serviceerr.CodeConfiguration, "malformed provider body"))
		return
	}

	prov.Name = r.PathValue("name")

	if err := a.providers.Upsert(ctx, prov); err != nil {
		a.writeError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteProvider handles DELETE /admin/providers/{name}.
func (a *API) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := a.providers.Delete(ctx, r.PathValue("name")); err != nil {
		a.writeError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
