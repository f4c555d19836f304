package flow_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalabs/authbridge/internal/ephemeral"
	memorytier "github.com/evalabs/authbridge/internal/ephemeral/memory"
	"github.com/evalabs/authbridge/internal/flow"
	"github.com/evalabs/authbridge/internal/pkce"
	"github.com/evalabs/authbridge/internal/provider"
	providermock "github.com/evalabs/authbridge/internal/provider/mock"
	"github.com/evalabs/authbridge/internal/serviceerr"
	sessionmock "github.com/evalabs/authbridge/internal/session/mock"
	"github.com/evalabs/authbridge/internal/token"
)

var testCSRFSecret = bytes.Repeat([]byte("s"), 32)

func newTestStore() *ephemeral.Store {
	return ephemeral.NewStore(5*time.Minute, memorytier.New(5*time.Minute))
}

func newTestEngine(t *testing.T, cfg flow.Config, providers ...provider.Provider) (*flow.Engine, *sessionmock.Repository) {
	t.Helper()

	if cfg.ClientID == "" {
		cfg.ClientID = "c1"
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = "https://app/cb"
	}
	if cfg.CSRFSecret == nil {
		cfg.CSRFSecret = testCSRFSecret
	}

	opts := make([]providermock.RepositoryOption, 0, len(providers))
	for _, p := range providers {
		opts = append(opts, providermock.WithProvider(p))
	}

	sessions := sessionmock.NewRepository()
	engine, err := flow.NewEngine(
		cfg,
		provider.NewService(providermock.NewInMemRepository(opts...)),
		sessions,
		flow.NewDiscovery(nil, time.Minute),
		nil,
	)
	require.NoError(t, err)

	return engine, sessions
}

func TestNewEngine_Configuration(t *testing.T) {
	tests := []struct {
		name      string
		cfg       flow.Config
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name: "valid",
			cfg: flow.Config{
				ClientID:    "c1",
				RedirectURI: "https://app/cb",
				CSRFSecret:  testCSRFSecret,
			},
			assertErr: assert.NoError,
		},
		{
			name: "missing client ID",
			cfg: flow.Config{
				RedirectURI: "https://app/cb",
				CSRFSecret:  testCSRFSecret,
			},
			assertErr: assert.Error,
		},
		{
			name: "missing redirect URI",
			cfg: flow.Config{
				ClientID:   "c1",
				CSRFSecret: testCSRFSecret,
			},
			assertErr: assert.Error,
		},
		{
			name: "short CSRF secret",
			cfg: flow.Config{
				ClientID:    "c1",
				RedirectURI: "https://app/cb",
				CSRFSecret:  []byte("short"),
			},
			assertErr: assert.Error,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := flow.NewEngine(tt.cfg, nil, nil, nil, nil)
			tt.assertErr(t, err)
		})
	}
}

func TestEngine_BuildAuthorizationURL(t *testing.T) {
	engine, _ := newTestEngine(t, flow.Config{},
		provider.Provider{
			Name:              "microsoft",
			AuthorizeEndpoint: "https://login.example.com/authorize",
			TokenEndpoint:     "https://login.example.com/token",
			Scopes:            []string{"openid", "email"},
			SupportsPKCE:      true,
			Prompt:            "select_account",
		},
		provider.Provider{
			Name:              "linkedin",
			AuthorizeEndpoint: "https://linkedin.example.com/authorize",
			TokenEndpoint:     "https://linkedin.example.com/token",
			Scopes:            []string{"openid"},
			SupportsPKCE:      false,
		},
	)

	t.Run("PKCE provider", func(t *testing.T) {
		store := newTestStore()

		rawURL, err := engine.BuildAuthorizationURL(t.Context(), store, "microsoft", "https://app/dashboard")
		require.NoError(t, err)

		u, err := url.Parse(rawURL)
		require.NoError(t, err)

		q := u.Query()
		assert.Equal(t, "c1", q.Get("client_id"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "https://app/cb", q.Get("redirect_uri"))
		assert.Equal(t, "openid email", q.Get("scope"))
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.Equal(t, "select_account", q.Get("prompt"))

		envelope, err := flow.DecodeState(q.Get("state"))
		require.NoError(t, err)
		assert.Equal(t, "microsoft", envelope.Provider)
		assert.NotEmpty(t, envelope.Nonce)
		assert.NotZero(t, envelope.IssuedAt)
		assert.Equal(t, "https://app/dashboard", envelope.RedirectTarget)

		verifier, ok := store.Get(t.Context(), ephemeral.KeyVerifier)
		require.True(t, ok, "verifier must be persisted")
		assert.Equal(t, verifier, envelope.VerifierFallback)
		assert.Equal(t, pkce.DeriveChallenge(verifier), q.Get("code_challenge"))

		storedState, ok := store.Get(t.Context(), ephemeral.KeyState)
		require.True(t, ok, "state must be persisted")
		assert.Equal(t, q.Get("state"), storedState)
	})

	t.Run("provider without PKCE gets no challenge parameters", func(t *testing.T) {
		store := newTestStore()

		rawURL, err := engine.BuildAuthorizationURL(t.Context(), store, "linkedin", "")
		require.NoError(t, err)

		u, err := url.Parse(rawURL)
		require.NoError(t, err)

		q := u.Query()
		assert.False(t, q.Has("code_challenge"))
		assert.False(t, q.Has("code_challenge_method"))

		envelope, err := flow.DecodeState(q.Get("state"))
		require.NoError(t, err)
		assert.Empty(t, envelope.VerifierFallback)
	})

	t.Run("unknown provider writes nothing", func(t *testing.T) {
		store := newTestStore()

		_, err := engine.BuildAuthorizationURL(t.Context(), store, "unknown", "")
		require.Error(t, err)

		_, ok := store.Get(t.Context(), ephemeral.KeyState)
		assert.False(t, ok, "a configuration failure must not leave storage entries behind")
	})
}

// tokenEndpoint is a fake provider token endpoint capturing the last
// exchange request.
type tokenEndpoint struct {
	lastForm url.Values
	status   int
	body     any
}

func (te *tokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		te.lastForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		if te.status != 0 {
			w.WriteHeader(te.status)
		}
		if te.body != nil {
			_ = json.NewEncoder(w).Encode(te.body)
			return
		}
		_ = json.NewEncoder(w).Encode(token.Set{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			ExpiresIn:    3600,
			TokenType:    "Bearer",
		})
	}
}

func testProvider(name, tokenURL string) provider.Provider {
	return provider.Provider{
		Name:              name,
		AuthorizeEndpoint: "https://login.example.com/authorize",
		TokenEndpoint:     tokenURL,
		Scopes:            []string{"openid", "email"},
		SupportsPKCE:      true,
	}
}

func TestEngine_HandleCallback(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	engine, sessions := newTestEngine(t, flow.Config{}, testProvider("microsoft", srv.URL))

	store := newTestStore()
	rawURL, err := engine.BuildAuthorizationURL(t.Context(), store, "microsoft", "https://app/dashboard")
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	verifier, ok := store.Get(t.Context(), ephemeral.KeyVerifier)
	require.True(t, ok)

	result, err := engine.HandleCallback(t.Context(), store, "microsoft", "auth-code", state, "fp-1")
	require.NoError(t, err)

	assert.Equal(t, "https://app/dashboard", result.RedirectTarget)
	assert.Equal(t, "access-token", result.Session.Tokens.AccessToken)
	assert.Equal(t, "fp-1", result.Session.Fingerprint)
	assert.NotEmpty(t, result.Session.ID)
	assert.False(t, result.Session.Tokens.IssuedAt.IsZero())
	assert.False(t, result.Session.Tokens.RefreshTokenCreatedAt.IsZero())
	assert.True(t, engine.ValidateCSRFToken(result.Session.CSRFToken, result.Session.ID))

	// exchange used the public-client parameters and the exact verifier
	assert.Equal(t, "authorization_code", te.lastForm.Get("grant_type"))
	assert.Equal(t, "auth-code", te.lastForm.Get("code"))
	assert.Equal(t, "c1", te.lastForm.Get("client_id"))
	assert.Equal(t, "https://app/cb", te.lastForm.Get("redirect_uri"))
	assert.Equal(t, verifier, te.lastForm.Get("code_verifier"))

	stored, err := sessions.LoadSession(t.Context(), result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, stored.ID)

	// flow secrets are gone after the attempt
	_, ok = store.Get(t.Context(), ephemeral.KeyVerifier)
	assert.False(t, ok)
	_, ok = store.Get(t.Context(), ephemeral.KeyState)
	assert.False(t, ok)
}

func TestEngine_HandleCallback_StateExpired(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	engine, _ := newTestEngine(t, flow.Config{}, testProvider("microsoft", srv.URL))

	issuedAt := time.Now().Add(-6 * time.Minute)
	envelope := flow.StateEnvelope{
		Provider:         "microsoft",
		IssuedAt:         issuedAt.UnixMilli(),
		Nonce:            "nonce",
		VerifierFallback: "verifier",
	}
	state, err := envelope.Encode()
	require.NoError(t, err)

	store := newTestStore()
	store.PutFlow(t.Context(), ephemeral.FlowSecrets{Verifier: "verifier", State: state}, issuedAt)

	_, err = engine.HandleCallback(t.Context(), store, "microsoft", "auth-code", state, "fp")
	assert.ErrorIs(t, err, serviceerr.ErrStateExpired)

	// even a failed validation removes the secrets
	_, ok := store.Get(t.Context(), ephemeral.KeyVerifier)
	assert.False(t, ok)
}

func TestEngine_HandleCallback_VerifierFallback(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	engine, _ := newTestEngine(t, flow.Config{}, testProvider("microsoft", srv.URL))

	envelope := flow.StateEnvelope{
		Provider:         "microsoft",
		IssuedAt:         time.Now().UnixMilli(),
		Nonce:            "nonce",
		VerifierFallback: "fallback-verifier",
	}
	state, err := envelope.Encode()
	require.NoError(t, err)

	// every storage tier lost the flow; only the envelope fallback remains
	store := newTestStore()

	result, err := engine.HandleCallback(t.Context(), store, "microsoft", "auth-code", state, "fp")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Session.ID)
	assert.Equal(t, "fallback-verifier", te.lastForm.Get("code_verifier"))
}

func TestEngine_HandleCallback_StrictStateValidation(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	engine, _ := newTestEngine(t, flow.Config{StrictStateValidation: true},
		testProvider("microsoft", srv.URL))

	envelope := flow.StateEnvelope{
		Provider:         "microsoft",
		IssuedAt:         time.Now().UnixMilli(),
		Nonce:            "nonce",
		VerifierFallback: "fallback-verifier",
	}
	state, err := envelope.Encode()
	require.NoError(t, err)

	_, err = engine.HandleCallback(t.Context(), newTestStore(), "microsoft", "auth-code", state, "fp")
	assert.ErrorIs(t, err, serviceerr.ErrStateMismatch)
}

func TestEngine_HandleCallback_MalformedState(t *testing.T) {
	engine, _ := newTestEngine(t, flow.Config{},
		testProvider("microsoft", "https://login.example.com/token"))

	store := newTestStore()
	store.PutFlow(t.Context(), ephemeral.FlowSecrets{Verifier: "verifier", State: "stored"}, time.Now())

	_, err := engine.HandleCallback(t.Context(), store, "microsoft", "auth-code", "!!!not-an-envelope!!!", "fp")
	assert.ErrorIs(t, err, serviceerr.ErrStateMismatch)
}

func TestEngine_HandleCallback_VerifierNotFound(t *testing.T) {
	engine, _ := newTestEngine(t, flow.Config{},
		testProvider("microsoft", "https://login.example.com/token"))

	envelope := flow.StateEnvelope{
		Provider: "microsoft",
		IssuedAt: time.Now().UnixMilli(),
		Nonce:    "nonce",
	}
	state, err := envelope.Encode()
	require.NoError(t, err)

	_, err = engine.HandleCallback(t.Context(), newTestStore(), "microsoft", "auth-code", state, "fp")
	assert.ErrorIs(t, err, serviceerr.ErrVerifierNotFound)
}

func TestEngine_HandleCallback_BrokerFallsBackToDirect(t *testing.T) {
	var brokerCalls atomic.Int64
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokerCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broker.Close)

	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	engine, _ := newTestEngine(t, flow.Config{BrokerURL: broker.URL},
		testProvider("microsoft", srv.URL))

	store := newTestStore()
	rawURL, err := engine.BuildAuthorizationURL(t.Context(), store, "microsoft", "")
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	result, err := engine.HandleCallback(t.Context(), store, "microsoft", "auth-code", u.Query().Get("state"), "fp")
	require.NoError(t, err)

	assert.Equal(t, int64(1), brokerCalls.Load(), "broker must be tried first")
	assert.Equal(t, "access-token", result.Session.Tokens.AccessToken)
}

func TestEngine_HandleCallback_BrokerRequestTargetsProviderRoute(t *testing.T) {
	var gotPath string
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		var req struct {
			Code         string `json:"code"`
			CodeVerifier string `json:"codeVerifier"`
			RedirectURI  string `json:"redirectUri"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "auth-code", req.Code)
		assert.NotEmpty(t, req.CodeVerifier)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"brokered-at","refresh_token":"rt","expires_in":3600,"token_type":"Bearer"}`))
	}))
	t.Cleanup(broker.Close)

	// trailing slash on the configured URL must not double up in the path
	engine, _ := newTestEngine(t, flow.Config{BrokerURL: broker.URL + "/"},
		testProvider("microsoft", "https://login.example.com"))

	store := newTestStore()
	rawURL, err := engine.BuildAuthorizationURL(t.Context(), store, "microsoft", "")
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	result, err := engine.HandleCallback(t.Context(), store, "microsoft", "auth-code", u.Query().Get("state"), "fp")
	require.NoError(t, err)

	assert.Equal(t, "/api/auth/microsoft/token", gotPath)
	assert.Equal(t, "brokered-at", result.Session.Tokens.AccessToken)
}

func TestEngine_LegacyFlow(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	engine, sessions := newTestEngine(t, flow.Config{}, testProvider("microsoft", srv.URL))

	store := newTestStore()
	rawURL, err := engine.BuildLegacyAuthorizationURL(t.Context(), store, "microsoft", "")
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "c1", q.Get("client_id"))
	assert.False(t, q.Has("code_challenge"), "the legacy path never sends a challenge")
	state := q.Get("state")
	require.NotEmpty(t, state)

	// the opaque state is not an envelope
	_, err = flow.DecodeState(state)
	require.Error(t, err)

	result, err := engine.HandleCallback(t.Context(), store, "microsoft", "auth-code", state, "fp")
	require.NoError(t, err)
	assert.Empty(t, result.RedirectTarget)
	assert.Empty(t, te.lastForm.Get("code_verifier"))

	_, err = sessions.LoadSession(t.Context(), result.Session.ID)
	require.NoError(t, err)
}

func TestEngine_BuildAuthorizationURL_ExtraParams(t *testing.T) {
	prov := testProvider("microsoft", "https://login.example.com/token")
	prov.Properties = map[string]string{"audience": "api://resource"}

	engine, _ := newTestEngine(t, flow.Config{AuthorizeParams: []string{"audience"}}, prov)

	rawURL, err := engine.BuildAuthorizationURL(t.Context(), newTestStore(), "microsoft", "")
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	assert.Equal(t, "api://resource", u.Query().Get("audience"))
}

func TestEngine_BrokerExchange(t *testing.T) {
	te := &tokenEndpoint{}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	prov := testProvider("microsoft", srv.URL)
	prov.Properties = map[string]string{"client_secret": "shh"}

	engine, _ := newTestEngine(t, flow.Config{}, prov)

	tokens, err := engine.BrokerExchange(t.Context(), "microsoft", "auth-code", "verifier", "https://spa.example.com/cb")
	require.NoError(t, err)

	assert.Equal(t, "access-token", tokens.AccessToken)
	assert.False(t, tokens.IssuedAt.IsZero())
	assert.Equal(t, "shh", te.lastForm.Get("client_secret"))
	assert.Equal(t, "verifier", te.lastForm.Get("code_verifier"))
	assert.Equal(t, "https://spa.example.com/cb", te.lastForm.Get("redirect_uri"))
}

func TestEngine_HandleCallback_RedirectURIMismatch(t *testing.T) {
	te := &tokenEndpoint{
		status: http.StatusBadRequest,
		body: token.WireError{
			Code:        "invalid_grant",
			Description: "The redirect_uri does not match the one used in the authorization request",
		},
	}
	srv := httptest.NewServer(te.handler())
	t.Cleanup(srv.Close)

	engine, _ := newTestEngine(t, flow.Config{}, testProvider("microsoft", srv.URL))

	store := newTestStore()
	rawURL, err := engine.BuildAuthorizationURL(t.Context(), store, "microsoft", "")
	require.NoError(t, err)

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	_, err = engine.HandleCallback(t.Context(), store, "microsoft", "auth-code", u.Query().Get("state"), "fp")
	assert.ErrorIs(t, err, serviceerr.ErrRedirectURIMismatch)
}
