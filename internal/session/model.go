// Package session owns the authenticated sessions the broker hands out after
// a completed authorization flow, and the housekeeping that keeps their
// tokens fresh.
package session

import (
	"time"

	"github.com/evalabs/authbridge/internal/token"
)

type Session struct {
	ID          string
	Provider    string
	Fingerprint string
	CSRFToken   string

	// RedirectTarget is where the client asked to land after login.
	RedirectTarget string

	Claims Claims
	Tokens token.Set

	// RequiresReauth is set by housekeeping once the refresh token nears its
	// absolute ceiling; the next request must restart the authorization flow.
	RequiresReauth bool

	Expiry      time.Time
	LastVisited time.Time
}

// Claims is the identity subset lifted from a verified ID token.
type Claims struct {
	Subject string
	Email   string
	Name    string
}
