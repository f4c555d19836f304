// Package flow implements the authorization-code-with-PKCE flow: building
// the outbound authorization URL, validating the provider's callback, and
// exchanging the code for tokens. One generic engine serves every configured
// provider, parameterized by its capability descriptor.
package flow

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

// StateEnvelope is the opaque state parameter round-tripped through the
// provider. Besides the CSRF nonce it carries the post-login destination and,
// as a last resort, the PKCE verifier itself, so a callback can complete even
// after total storage loss on our side.
type StateEnvelope struct {
	RedirectTarget   string `json:"redirectTarget,omitempty"`
	Provider         string `json:"provider"`
	IssuedAt         int64  `json:"issuedAt"`
	Nonce            string `json:"nonce"`
	VerifierFallback string `json:"verifierFallback,omitempty"`
}

func (e StateEnvelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding state envelope: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeState parses an incoming state parameter. The result is untrusted
// until it passed Validate and either a literal tier match or the structural
// freshness checks.
func DecodeState(encoded string) (StateEnvelope, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return StateEnvelope{}, fmt.Errorf("decoding state parameter: %w", err)
	}

	var envelope StateEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return StateEnvelope{}, fmt.Errorf("parsing state envelope: %w", err)
	}

	return envelope, nil
}

// Validate checks the structure only. A malformed envelope fails closed
// instead of being used optimistically.
func (e StateEnvelope) Validate() error {
	if e.Provider == "" {
		return serviceerr.New(serviceerr.CodeStateMismatch, "state envelope has no provider")
	}
	if e.IssuedAt <= 0 {
		return serviceerr.New(serviceerr.CodeStateMismatch, "state envelope has no issuance timestamp")
	}
	if e.Nonce == "" {
		return serviceerr.New(serviceerr.CodeStateMismatch, "state envelope has no nonce")
	}

	return nil
}

// IssuedTime converts the epoch-millis issuance timestamp.
func (e StateEnvelope) IssuedTime() time.Time {
	return time.UnixMilli(e.IssuedAt)
}

// Age reports how long ago the envelope was issued.
func (e StateEnvelope) Age() time.Duration {
	return time.Since(e.IssuedTime())
}
