package csrf_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalabs/authbridge/pkg/csrf"
)

var testKey = bytes.Repeat([]byte("k"), 32)

func TestNewToken_Validate(t *testing.T) {
	token := csrf.NewToken("session-1", testKey)
	require.NotEmpty(t, token)

	assert.True(t, csrf.Validate(token, "session-1", testKey))

	t.Run("tokens are unique per call", func(t *testing.T) {
		assert.NotEqual(t, token, csrf.NewToken("session-1", testKey))
	})
}

func TestValidate_Rejects(t *testing.T) {
	token := csrf.NewToken("session-1", testKey)

	tests := []struct {
		name      string
		token     string
		sessionID string
		key       []byte
	}{
		{name: "different session", token: token, sessionID: "session-2", key: testKey},
		{name: "different key", token: token, sessionID: "session-1", key: bytes.Repeat([]byte("x"), 32)},
		{name: "no separator", token: "not-a-token", sessionID: "session-1", key: testKey},
		{name: "bad mac encoding", token: "!!!.AAAA", sessionID: "session-1", key: testKey},
		{name: "bad nonce encoding", token: "AAAA.!!!", sessionID: "session-1", key: testKey},
		{name: "empty token", token: "", sessionID: "session-1", key: testKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, csrf.Validate(tt.token, tt.sessionID, tt.key))
		})
	}
}
