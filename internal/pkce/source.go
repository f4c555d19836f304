// Package pkce generates the secrets of the authorization-code flow: the
// PKCE verifier/challenge pair, the CSRF nonce embedded in the state
// envelope, and session identifiers.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

const MethodS256 = "S256"

// verifierBytes is the entropy of the verifier before encoding. RFC 7636
// requires at least 32 octets for public clients.
const verifierBytes = 32

type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

type Source struct{}

func (p Source) randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Join(serviceerr.ErrCryptoUnavailable, err)
	}

	return b, nil
}

func (p Source) randString(n int) (string, error) {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

	ret := make([]byte, n)
	for i := range n {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", errors.Join(serviceerr.ErrCryptoUnavailable, err)
		}
		ret[i] = letters[num.Int64()]
	}

	return string(ret), nil
}

// PKCE draws a fresh verifier and derives its S256 challenge. The challenge
// is recomputed from the verifier and never persisted anywhere.
func (p Source) PKCE() (PKCE, error) {
	raw, err := p.randBytes(verifierBytes)
	if err != nil {
		return PKCE{}, fmt.Errorf("drawing verifier bytes: %w", err)
	}

	verifierBuf := make([]byte, base64.RawURLEncoding.EncodedLen(len(raw)))
	base64.RawURLEncoding.Encode(verifierBuf, raw)

	return PKCE{
		Verifier:  string(verifierBuf),
		Challenge: DeriveChallenge(string(verifierBuf)),
		Method:    MethodS256,
	}, nil
}

// DeriveChallenge computes the S256 code challenge for a verifier:
// URL-safe base64 of the SHA-256 digest, without padding.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))

	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Nonce returns a random value for CSRF binding inside the state envelope.
// It is generated like a verifier but must never be reused as one.
func (p Source) Nonce() (string, error) {
	raw, err := p.randBytes(verifierBytes)
	if err != nil {
		return "", fmt.Errorf("drawing nonce bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (p Source) SessionID() (string, error) {
	return p.randString(32) // Entropy E = L * log2(63) = 32 * log2(63) = 191.3 bits
}
