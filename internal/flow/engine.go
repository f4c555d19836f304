package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	slogctx "github.com/veqryn/slog-context"

	"github.com/evalabs/authbridge/internal/ephemeral"
	"github.com/evalabs/authbridge/internal/pkce"
	"github.com/evalabs/authbridge/internal/provider"
	"github.com/evalabs/authbridge/internal/serviceerr"
	"github.com/evalabs/authbridge/internal/session"
	"github.com/evalabs/authbridge/internal/token"
	"github.com/evalabs/authbridge/pkg/csrf"
)

const (
	// DefaultStateTTL is the hard replay ceiling on a returned state.
	DefaultStateTTL = 5 * time.Minute

	// DefaultStructuralWindow is the more permissive freshness window used
	// when no storage tier holds a literal copy of the returned state.
	DefaultStructuralWindow = 10 * time.Minute
)

// Config carries the client registration the engine acts as. ClientID and
// RedirectURI are required; their absence is a fatal configuration error, not
// a silent default.
type Config struct {
	ClientID    string
	RedirectURI string

	// BrokerURL is the optional server-mediated token exchange endpoint,
	// tried before the direct public-client exchange.
	BrokerURL string

	SessionDuration time.Duration

	StateTTL         time.Duration
	StructuralWindow time.Duration

	// StrictStateValidation disables the structural fallback: a returned
	// state must literally match a stored candidate. Stronger CSRF posture,
	// but a client that lost every storage tier cannot complete the flow.
	StrictStateValidation bool

	// AuthorizeParams names provider properties appended to the
	// authorization URL as extra query parameters.
	AuthorizeParams []string

	CSRFSecret []byte
}

// Engine drives the authorization-code flow for every configured provider.
type Engine struct {
	cfg       Config
	providers *provider.Service
	sessions  session.Repository
	discovery *Discovery
	exchanger *Exchanger
	pkce      pkce.Source

	secureClient *http.Client
}

func NewEngine(
	cfg Config,
	providers *provider.Service,
	sessions session.Repository,
	discovery *Discovery,
	httpClient *http.Client,
) (*Engine, error) {
	if cfg.ClientID == "" {
		return nil, serviceerr.New(serviceerr.CodeConfiguration, "client ID is not configured")
	}
	if cfg.RedirectURI == "" {
		return nil, serviceerr.New(serviceerr.CodeConfiguration, "redirect URI is not configured")
	}
	if _, err := url.Parse(cfg.RedirectURI); err != nil {
		return nil, fmt.Errorf("parsing redirect URI: %w", err)
	}
	if len(cfg.CSRFSecret) < 32 {
		return nil, errors.New("CSRF secret must be at least 32 bytes")
	}

	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = 12 * time.Hour
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.StructuralWindow <= 0 {
		cfg.StructuralWindow = DefaultStructuralWindow
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Engine{
		cfg:          cfg,
		providers:    providers,
		sessions:     sessions,
		discovery:    discovery,
		exchanger:    NewExchanger(cfg.ClientID, cfg.RedirectURI, cfg.BrokerURL, httpClient),
		secureClient: httpClient,
	}, nil
}

// BuildAuthorizationURL assembles the outbound redirect for the named
// provider and persists the flow secrets in every tier of the given store.
// Configuration is resolved before anything is written, so a misconfigured
// provider never leaves orphaned storage entries behind.
func (e *Engine) BuildAuthorizationURL(ctx context.Context, store *ephemeral.Store, providerName, redirectTarget string) (string, error) {
	prov, err := e.providers.Get(ctx, providerName)
	if err != nil {
		return "", fmt.Errorf("getting provider: %w", err)
	}

	conf, err := e.discovery.Resolve(ctx, prov)
	if err != nil {
		return "", fmt.Errorf("resolving provider endpoints: %w", err)
	}
	if conf.AuthorizationEndpoint == "" {
		return "", serviceerr.New(serviceerr.CodeConfiguration,
			fmt.Sprintf("provider %q has no authorization endpoint", prov.Name))
	}

	nonce, err := e.pkce.Nonce()
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	var pair pkce.PKCE
	if prov.SupportsPKCE {
		pair, err = e.pkce.PKCE()
		if err != nil {
			return "", fmt.Errorf("generating PKCE pair: %w", err)
		}
	}

	now := time.Now()
	envelope := StateEnvelope{
		RedirectTarget:   redirectTarget,
		Provider:         prov.Name,
		IssuedAt:         now.UnixMilli(),
		Nonce:            nonce,
		VerifierFallback: pair.Verifier,
	}
	encodedState, err := envelope.Encode()
	if err != nil {
		return "", err
	}

	store.PutFlow(ctx, ephemeral.FlowSecrets{
		Verifier: pair.Verifier,
		State:    encodedState,
	}, now)

	u, err := url.Parse(conf.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorization endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("client_id", e.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", e.cfg.RedirectURI)
	q.Set("scope", strings.Join(prov.Scopes, " "))
	q.Set("state", encodedState)
	if prov.SupportsPKCE {
		q.Set("code_challenge", pair.Challenge)
		q.Set("code_challenge_method", pair.Method)
	}
	if prov.Prompt != "" {
		q.Set("prompt", prov.Prompt)
	}
	for _, parameter := range e.cfg.AuthorizeParams {
		value, ok := prov.Properties[parameter]
		if !ok {
			return "", fmt.Errorf("missing auth parameter: %s", parameter)
		}
		q.Set(parameter, value)
	}

	u.RawQuery = q.Encode()

	slogctx.Info(ctx, "Built authorization URL", "provider", prov.Name)

	return u.String(), nil
}

// BuildLegacyAuthorizationURL is the pre-PKCE sign-in path kept alive for
// the migration rollout: an opaque random state stored canonically, no
// challenge pair, no envelope. Its callbacks are recognised by the literal
// tier match alone.
func (e *Engine) BuildLegacyAuthorizationURL(ctx context.Context, store *ephemeral.Store, providerName, _ string) (string, error) {
	prov, err := e.providers.Get(ctx, providerName)
	if err != nil {
		return "", fmt.Errorf("getting provider: %w", err)
	}

	conf, err := e.discovery.Resolve(ctx, prov)
	if err != nil {
		return "", fmt.Errorf("resolving provider endpoints: %w", err)
	}
	if conf.AuthorizationEndpoint == "" {
		return "", serviceerr.New(serviceerr.CodeConfiguration,
			fmt.Sprintf("provider %q has no authorization endpoint", prov.Name))
	}

	state, err := e.pkce.Nonce()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	store.Put(ctx, ephemeral.KeyState, state)

	u, err := url.Parse(conf.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorization endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("client_id", e.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", e.cfg.RedirectURI)
	q.Set("scope", strings.Join(prov.Scopes, " "))
	q.Set("state", state)
	if prov.Prompt != "" {
		q.Set("prompt", prov.Prompt)
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// CallbackResult is what a completed flow hands back to the HTTP layer.
type CallbackResult struct {
	Session        session.Session
	RedirectTarget string
}

// HandleCallback validates the returned state, recovers the verifier,
// removes the flow secrets from every tier, and exchanges the code. The
// secrets are removed before the exchange even when validation failed: the
// code is single-use and the envelope must not be replayable.
func (e *Engine) HandleCallback(ctx context.Context, store *ephemeral.Store, providerName, code, returnedState, fingerprint string) (CallbackResult, error) {
	prov, err := e.providers.Get(ctx, providerName)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("getting provider: %w", err)
	}

	envelope, verifier, validationErr := e.validateCallback(ctx, store, prov, returnedState)

	store.RemoveFlow(ctx)

	if validationErr != nil {
		return CallbackResult{}, validationErr
	}

	conf, err := e.discovery.Resolve(ctx, prov)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("resolving provider endpoints: %w", err)
	}

	tokens, err := e.exchanger.Exchange(ctx, prov, conf, code, verifier)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("exchanging code for tokens: %w", err)
	}

	slogctx.Info(ctx, "Exchanged the authorization code for tokens", "provider", prov.Name)

	claims, err := e.verifyIDToken(ctx, conf, tokens.IDToken)
	if err != nil {
		return CallbackResult{}, err
	}

	sessionID, err := e.pkce.SessionID()
	if err != nil {
		return CallbackResult{}, fmt.Errorf("generating session ID: %w", err)
	}
	csrfToken := csrf.NewToken(sessionID, e.cfg.CSRFSecret)

	now := time.Now()
	sess := session.Session{
		ID:             sessionID,
		Provider:       prov.Name,
		Fingerprint:    fingerprint,
		CSRFToken:      csrfToken,
		RedirectTarget: envelope.RedirectTarget,
		Claims:         claims,
		Tokens:         tokens,
		Expiry:         now.Add(e.cfg.SessionDuration),
		LastVisited:    now,
	}

	if err := e.sessions.StoreSession(ctx, sess); err != nil {
		return CallbackResult{}, fmt.Errorf("storing session: %w", err)
	}

	return CallbackResult{
		Session:        sess,
		RedirectTarget: envelope.RedirectTarget,
	}, nil
}

// BrokerExchange is the server-mediated side of the exchange duality: a
// confidential redemption of the code against the provider, applying the
// provider's client secret when one is registered. The redirect URI must be
// the one the caller used in its authorization request.
func (e *Engine) BrokerExchange(ctx context.Context, providerName, code, verifier, redirectURI string) (token.Set, error) {
	prov, err := e.providers.Get(ctx, providerName)
	if err != nil {
		return token.Set{}, fmt.Errorf("getting provider: %w", err)
	}

	conf, err := e.discovery.Resolve(ctx, prov)
	if err != nil {
		return token.Set{}, fmt.Errorf("resolving provider endpoints: %w", err)
	}

	if redirectURI == "" {
		redirectURI = e.cfg.RedirectURI
	}

	tokens, err := e.exchanger.form(ctx, prov, conf, code, verifier, redirectURI, prov.Properties["client_secret"])
	if err != nil {
		return token.Set{}, err
	}

	return stamp(tokens), nil
}

// validateCallback performs verifier recovery, state validation, and the
// freshness check. It never touches the network; the caller removes the flow
// secrets afterwards regardless of the outcome.
func (e *Engine) validateCallback(ctx context.Context, store *ephemeral.Store, prov provider.Provider, returnedState string) (StateEnvelope, string, error) {
	envelope, decodeErr := DecodeState(returnedState)
	isEnvelope := decodeErr == nil

	verifier, found := store.RecoverVerifier(ctx)
	if !found && isEnvelope && envelope.VerifierFallback != "" {
		verifier = envelope.VerifierFallback
		found = true
		slogctx.Warn(ctx, "Recovered verifier from the state envelope fallback; all storage tiers missed",
			"provider", prov.Name)
	}
	// Legacy states are opaque and carry no verifier; only envelope flows
	// demand one.
	if prov.SupportsPKCE && isEnvelope && !found {
		slogctx.Error(ctx, "No code verifier in any tier or the state fallback", "provider", prov.Name)
		return StateEnvelope{}, "", serviceerr.ErrVerifierNotFound
	}

	candidates := store.StateCandidates(ctx)
	if !slices.Contains(candidates, returnedState) {
		if e.cfg.StrictStateValidation {
			slogctx.Warn(ctx, "Returned state matches no stored candidate and strict validation is on",
				"provider", prov.Name, "candidates_checked", len(candidates))
			return StateEnvelope{}, "", serviceerr.ErrStateMismatch
		}

		if err := e.structurallyValid(envelope, decodeErr, prov); err != nil {
			slogctx.Warn(ctx, "Returned state failed both tier match and structural validation",
				"provider", prov.Name, "candidates_checked", len(candidates), "error", err)
			return StateEnvelope{}, "", serviceerr.ErrStateMismatch
		}

		slogctx.Warn(ctx, "Accepted state on structural validation only; storage tiers lost the original",
			"provider", prov.Name)
	}

	// a literally matched opaque state is a legacy flow; its replay window
	// is bounded by the tier TTL instead of an embedded timestamp
	if !isEnvelope {
		return StateEnvelope{}, verifier, nil
	}

	// replay ceiling, independent of how the state was matched
	if envelope.Age() > e.cfg.StateTTL {
		return StateEnvelope{}, "", serviceerr.ErrStateExpired
	}

	return envelope, verifier, nil
}

func (e *Engine) structurallyValid(envelope StateEnvelope, decodeErr error, prov provider.Provider) error {
	if decodeErr != nil {
		return decodeErr
	}
	if err := envelope.Validate(); err != nil {
		return err
	}
	if envelope.Provider != prov.Name {
		return fmt.Errorf("state envelope names provider %q", envelope.Provider)
	}
	if envelope.Age() > e.cfg.StructuralWindow {
		return fmt.Errorf("state envelope is %s old", envelope.Age())
	}

	return nil
}

// verifyIDToken checks the ID token signature against the provider's JWKS
// and lifts the identity claims. Providers without an ID token or published
// keys yield empty claims.
func (e *Engine) verifyIDToken(ctx context.Context, conf provider.Configuration, idToken string) (session.Claims, error) {
	if idToken == "" || conf.JwksURI == "" {
		return session.Claims{}, nil
	}

	algValues := conf.IDTokenSigningAlgValuesSupported
	if len(algValues) == 0 {
		algValues = []string{"RS256"}
	}
	algs := make([]jose.SignatureAlgorithm, 0, len(algValues))
	for _, alg := range algValues {
		algs = append(algs, jose.SignatureAlgorithm(alg))
	}

	parsed, err := jwt.ParseSigned(idToken, algs)
	if err != nil {
		return session.Claims{}, fmt.Errorf("parsing id token: %w", err)
	}

	keyset, err := e.providerKeySet(ctx, conf)
	if err != nil {
		return session.Claims{}, fmt.Errorf("getting jwks for a provider: %w", err)
	}

	type customClaims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}

	var standardClaims jwt.Claims
	var custom customClaims
	if err := parsed.Claims(keyset, &standardClaims, &custom); err != nil {
		return session.Claims{}, fmt.Errorf("getting JWT claims: %w", err)
	}

	return session.Claims{
		Subject: standardClaims.Subject,
		Email:   custom.Email,
		Name:    custom.Name,
	}, nil
}

func (e *Engine) providerKeySet(ctx context.Context, conf provider.Configuration) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conf.JwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("creating a new HTTP request: %w", err)
	}

	resp, err := e.secureClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing an http request: %w", err)
	}
	defer resp.Body.Close()

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("decoding keyset response: %w", err)
	}

	return &keySet, nil
}

// ValidateCSRFToken checks a token minted for the given session.
func (e *Engine) ValidateCSRFToken(token, sessionID string) bool {
	return csrf.Validate(token, sessionID, e.cfg.CSRFSecret)
}
