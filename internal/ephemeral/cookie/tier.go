// Package cookietier carries flow secrets in HTTP cookies, so they ride along
// with the client through the redirect even when every server-side tier is
// unreachable. The tier is request-scoped: it reads from the incoming request
// and writes Set-Cookie headers on the response.
package cookietier

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

type Tier struct {
	w http.ResponseWriter
	r *http.Request

	// secure selects SameSite=None; Secure, which cross-site redirects on
	// HTTPS origins require. Plain-HTTP deployments fall back to Lax.
	secure bool

	// domain optionally widens the cookie to a parent registrable domain
	// for subdomain sharing.
	domain string
}

func New(w http.ResponseWriter, r *http.Request, secure bool, domain string) *Tier {
	return &Tier{w: w, r: r, secure: secure, domain: domain}
}

func (t *Tier) Name() string { return "cookie" }

func (t *Tier) cookie(key, value string, maxAge int) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if t.secure {
		sameSite = http.SameSiteNoneMode
	}

	return &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     "/",
		Domain:   t.domain,
		MaxAge:   maxAge,
		Secure:   t.secure,
		SameSite: sameSite,
	}
}

func (t *Tier) Put(_ context.Context, key, value string, ttl time.Duration) error {
	http.SetCookie(t.w, t.cookie(key, url.QueryEscape(value), int(ttl.Seconds())))

	return nil
}

func (t *Tier) Get(_ context.Context, key string) (string, error) {
	cookie, err := t.r.Cookie(key)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return "", serviceerr.ErrNotFound
		}

		return "", err
	}

	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return "", serviceerr.ErrNotFound
	}

	return value, nil
}

func (t *Tier) Remove(_ context.Context, key string) error {
	http.SetCookie(t.w, t.cookie(key, "", -1))

	return nil
}
