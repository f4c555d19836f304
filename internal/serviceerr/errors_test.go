package serviceerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evalabs/authbridge/internal/serviceerr"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name        string
		err         *serviceerr.Error
		expectedMsg string
	}{
		{
			name:        "Error with description",
			err:         &serviceerr.Error{Code: serviceerr.CodeNotFound, Description: "provider not found"},
			expectedMsg: "not_found: provider not found",
		},
		{
			name:        "Error without description",
			err:         &serviceerr.Error{Code: serviceerr.CodeStateMismatch},
			expectedMsg: "state_mismatch",
		},
		{
			name:        "Predefined error - ErrUnknown",
			err:         serviceerr.ErrUnknown,
			expectedMsg: "unknown: unknown error",
		},
		{
			name:        "Predefined error - ErrStateExpired",
			err:         serviceerr.ErrStateExpired,
			expectedMsg: "state_expired: state exceeded the freshness ceiling",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedMsg, tt.err.Error())
		})
	}
}

func TestError_Is(t *testing.T) {
	wrapped := fmt.Errorf("handling callback: %w", serviceerr.New(serviceerr.CodeVerifierNotFound, "checked 4 tiers"))
	assert.True(t, errors.Is(wrapped, serviceerr.ErrVerifierNotFound))
	assert.False(t, errors.Is(wrapped, serviceerr.ErrStateMismatch))
	assert.False(t, errors.Is(errors.New("verifier_not_found"), serviceerr.ErrVerifierNotFound))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code serviceerr.Code
		want int
	}{
		{serviceerr.CodeConfiguration, http.StatusInternalServerError},
		{serviceerr.CodeVerifierNotFound, http.StatusBadRequest},
		{serviceerr.CodeStateMismatch, http.StatusBadRequest},
		{serviceerr.CodeStateExpired, http.StatusUnauthorized},
		{serviceerr.CodeRequiresReauth, http.StatusUnauthorized},
		{serviceerr.CodeRedirectURIMismatch, http.StatusBadGateway},
		{serviceerr.CodeNotFound, http.StatusNotFound},
		{serviceerr.CodeConflict, http.StatusConflict},
		{serviceerr.Code("something-else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, serviceerr.HTTPStatus(tt.code))
		})
	}
}
