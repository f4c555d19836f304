// Package csrf issues and checks double-submit tokens bound to a session.
// A token is an HMAC over the session ID and a fresh random value, so it
// cannot be minted for a foreign session without the signing key.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const nonceLength = 32

func message(sessionID, nonce string) []byte {
	// Length-prefixing keeps (id="ab", nonce="c") distinct from (id="a", nonce="bc").
	return fmt.Appendf(nil, "%d.%s.%d.%s", len(sessionID), sessionID, len(nonce), nonce)
}

func sign(sessionID, nonce string, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message(sessionID, nonce))

	return mac.Sum(nil)
}

// NewToken mints a token for the session. The returned value is
// base64url(mac) "." base64url(nonce).
func NewToken(sessionID string, key []byte) string {
	buf := make([]byte, nonceLength)
	_, _ = rand.Read(buf)
	nonce := base64.RawURLEncoding.EncodeToString(buf)

	mac := sign(sessionID, nonce, key)

	return base64.RawURLEncoding.EncodeToString(mac) + "." + base64.RawURLEncoding.EncodeToString([]byte(nonce))
}

// Validate reports whether the token was minted for the session with the key.
func Validate(token, sessionID string, key []byte) bool {
	received, nonce, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}

	receivedMac, err := base64.RawURLEncoding.DecodeString(received)
	if err != nil {
		return false
	}

	nonceBytes, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil {
		return false
	}

	return hmac.Equal(receivedMac, sign(sessionID, string(nonceBytes), key))
}
