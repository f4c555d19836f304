// Package provider holds the capability descriptors of the identity
// providers the broker can sign users in with. One generic flow engine is
// parameterized by these descriptors instead of one module per provider.
package provider

type Provider struct {
	// Name is the stable identifier used in routes and rollout metrics,
	// e.g. "microsoft", "linkedin", "zoom".
	Name string `yaml:"name" json:"name"`

	// IssuerURL is the base issuer. When the explicit endpoints below are
	// empty, they are discovered from {issuer}/.well-known/openid-configuration.
	IssuerURL string `yaml:"issuerURL" json:"issuerURL"`

	AuthorizeEndpoint string `yaml:"authorizeEndpoint" json:"authorizeEndpoint"`
	TokenEndpoint     string `yaml:"tokenEndpoint" json:"tokenEndpoint"`
	JWKSURI           string `yaml:"jwksURI" json:"jwksURI"`

	Scopes []string `yaml:"scopes" json:"scopes"`

	// SupportsPKCE controls both verifier generation and the wire
	// parameters: providers without it get neither.
	SupportsPKCE bool `yaml:"supportsPKCE" json:"supportsPKCE"`

	// Prompt forces the provider's account chooser, e.g. "select_account".
	Prompt string `yaml:"prompt" json:"prompt"`

	// RefreshTokenMaxAge is the provider-enforced absolute lifetime of a
	// refresh token issued to a public client; zero means unbounded.
	RefreshTokenMaxAgeSeconds int `yaml:"refreshTokenMaxAgeSeconds" json:"refreshTokenMaxAgeSeconds"`

	Properties map[string]string `yaml:"properties" json:"properties"`
}

// Configuration is the subset of the provider's published openid metadata
// the broker uses. See
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type Configuration struct {
	Issuer                           string   `json:"issuer,omitempty"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                    string   `json:"token_endpoint,omitempty"`
	JwksURI                          string   `json:"jwks_uri,omitempty"`
	ResponseTypesSupported           []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported              []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
}
