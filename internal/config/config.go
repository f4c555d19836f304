// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database Database `yaml:"database"`
	ValKey   ValKey   `yaml:"valkey"`
	Migrate  Migrate  `yaml:"migrate"`

	Flow        Flow        `yaml:"flow"`
	Rollout     Rollout     `yaml:"rollout"`
	Housekeeper Housekeeper `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	SSLMode  string              `yaml:"sslMode"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
	Prefix    string              `yaml:"prefix"`
}

// Flow configures the authorization-code engine: the client registration,
// the flow-secret storage, and the state validation windows.
type Flow struct {
	ClientID   commoncfg.SourceRef `yaml:"clientID"`
	CSRFSecret commoncfg.SourceRef `yaml:"csrfSecret"`

	RedirectURI string `yaml:"redirectURI" default:"https://api.authbridge/callback"`
	BrokerURL   string `yaml:"brokerURL"`

	// ProvidersFile seeds the provider table at startup when set.
	ProvidersFile string `yaml:"providersFile"`

	SessionDuration  time.Duration `yaml:"sessionDuration" default:"12h"`
	SecretTTL        time.Duration `yaml:"secretTTL" default:"5m"`
	StateTTL         time.Duration `yaml:"stateTTL" default:"5m"`
	StructuralWindow time.Duration `yaml:"structuralWindow" default:"10m"`

	// StrictStateValidation requires a literal tier match for the returned
	// state instead of accepting a fresh, well-formed envelope.
	StrictStateValidation bool `yaml:"strictStateValidation"`

	// AuthorizeParams names provider properties forwarded as extra query
	// parameters on the authorization URL.
	AuthorizeParams []string `yaml:"authorizeParams"`

	DiscoveryCacheTTL time.Duration `yaml:"discoveryCacheTTL" default:"1h"`

	// FlowCookie shapes the request-scoped cookie tier.
	FlowCookie FlowCookie `yaml:"flowCookie"`

	SessionCookieTemplate CookieTemplate `yaml:"sessionCookieTemplate"`
	CSRFCookieTemplate    CookieTemplate `yaml:"csrfCookieTemplate"`
}

type FlowCookie struct {
	Secure bool   `yaml:"secure" default:"true"`
	Domain string `yaml:"domain"`
}

type Rollout struct {
	Percentage      float64 `yaml:"percentage" default:"100"`
	FallbackEnabled bool    `yaml:"fallbackEnabled" default:"true"`
}

type Housekeeper struct {
	Interval       time.Duration `yaml:"interval" default:"1m"`
	RefreshBuffer  time.Duration `yaml:"refreshBuffer" default:"5m"`
	CeilingWarning time.Duration `yaml:"ceilingWarning" default:"30m"`
	IdleTimeout    time.Duration `yaml:"idleTimeout" default:"12h"`
}

type Migrate struct {
	Source string `yaml:"source" default:"file://./sql"`
}

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "none"
	CookieSameSiteLax    CookieSameSite = "lax"
	CookieSameSiteStrict CookieSameSite = "strict"
)

type CookieTemplate struct {
	Name     string         `yaml:"name"`
	MaxAge   int            `yaml:"maxAge"`
	Path     string         `yaml:"path"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure"`
	HTTPOnly bool           `yaml:"httpOnly"`
	SameSite CookieSameSite `yaml:"sameSite"`
}
