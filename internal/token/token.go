// Package token models the credentials minted by the provider's token
// endpoint and manages their two distinct expiry clocks: the short
// access-token lifetime, and the provider-enforced absolute lifetime of the
// refresh token itself.
package token

import "time"

// Set is a token response plus the local bookkeeping the provider does not
// send. IssuedAt anchors the access-token expiry; RefreshTokenCreatedAt
// anchors the absolute ceiling and survives refreshes unchanged, because the
// ceiling counts from original issuance no matter how many refreshes happen.
type Set struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token,omitempty"`

	IssuedAt              time.Time `json:"issuedAt,omitzero"`
	RefreshTokenCreatedAt time.Time `json:"refreshTokenCreatedAt,omitzero"`
}

// ExpiresAt is the moment the access token stops being usable.
func (s Set) ExpiresAt() time.Time {
	return s.IssuedAt.Add(time.Duration(s.ExpiresIn) * time.Second)
}

// WireError is the error body of an OAuth token endpoint.
type WireError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

const (
	// DefaultRefreshBuffer is how long before access-token expiry a refresh
	// should happen.
	DefaultRefreshBuffer = 5 * time.Minute

	// DefaultRefreshTokenMaxAge is the absolute refresh-token lifetime
	// providers enforce for public clients.
	DefaultRefreshTokenMaxAge = 24 * time.Hour

	// DefaultCeilingWarning is how early before the absolute ceiling a full
	// reauthorization should be signalled, so the user is redirected while
	// refreshes still succeed instead of hitting invalid_grant mid-action.
	DefaultCeilingWarning = 30 * time.Minute
)

// NeedsRefresh reports whether the access token is within the buffer of its
// expiry. Pure function, no I/O.
func NeedsRefresh(expiresAt time.Time, buffer time.Duration) bool {
	return !time.Now().Before(expiresAt.Add(-buffer))
}

// ApproachingAbsoluteCeiling reports whether the refresh token is within the
// warning window of its absolute lifetime. This is a coarser clock than
// NeedsRefresh and must be checked first: a refresh past the ceiling fails
// with invalid_grant even if the access token looks healthy.
func ApproachingAbsoluteCeiling(createdAt time.Time, maxAge, warning time.Duration) bool {
	if createdAt.IsZero() || maxAge <= 0 {
		return false
	}

	return !time.Now().Before(createdAt.Add(maxAge).Add(-warning))
}
