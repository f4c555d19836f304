// Package serviceerr defines the distinguishable error kinds of the
// authorization flow. Callers route user-facing remediation on the code, so
// every failure mode that needs different handling gets its own code.
package serviceerr

import "net/http"

type Code string

const (
	CodeUnknown             Code = "unknown"
	CodeConfiguration       Code = "configuration_error"
	CodeCryptoUnavailable   Code = "crypto_unavailable"
	CodeVerifierNotFound    Code = "verifier_not_found"
	CodeStateMismatch       Code = "state_mismatch"
	CodeStateExpired        Code = "state_expired"
	CodeRedirectURIMismatch Code = "redirect_uri_mismatch"
	CodeRequiresReauth      Code = "requires_reauth"
	CodeRefreshFailed       Code = "refresh_failed"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "already_exists"
)

// Error carries a stable code plus a human-readable description. Two errors
// with the same code are equal under errors.Is regardless of description, so
// callers can match wrapped errors against the predefined instances below.
type Error struct {
	Code        Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}

	return string(e.Code) + ": " + e.Description
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Code == t.Code
}

func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description}
}

var (
	ErrUnknown           = &Error{Code: CodeUnknown, Description: "unknown error"}
	ErrConfiguration     = &Error{Code: CodeConfiguration, Description: "missing required client configuration"}
	ErrCryptoUnavailable = &Error{Code: CodeCryptoUnavailable, Description: "secure random source unavailable"}
	ErrVerifierNotFound  = &Error{Code: CodeVerifierNotFound, Description: "no code verifier found in any storage tier"}
	ErrStateMismatch     = &Error{Code: CodeStateMismatch, Description: "returned state matches no stored state; possible CSRF"}
	ErrStateExpired      = &Error{Code: CodeStateExpired, Description: "state exceeded the freshness ceiling"}
	ErrRedirectURIMismatch = &Error{
		Code:        CodeRedirectURIMismatch,
		Description: "token redemption rejected for this redirect URI; register the client as a public/SPA application",
	}
	ErrRequiresReauth = &Error{Code: CodeRequiresReauth, Description: "refresh token no longer usable; full reauthorization required"}
	ErrRefreshFailed  = &Error{Code: CodeRefreshFailed, Description: "token refresh failed"}
	ErrNotFound       = &Error{Code: CodeNotFound, Description: "not found"}
	ErrConflict       = &Error{Code: CodeConflict, Description: "already exists"}
)

// HTTPStatus maps an error code to the status the public API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeConfiguration, CodeCryptoUnavailable:
		return http.StatusInternalServerError
	case CodeVerifierNotFound, CodeStateMismatch:
		return http.StatusBadRequest
	case CodeStateExpired, CodeRequiresReauth:
		return http.StatusUnauthorized
	case CodeRedirectURIMismatch:
		return http.StatusBadGateway
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
