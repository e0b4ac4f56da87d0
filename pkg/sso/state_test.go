package sso

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	original := &TransportState{
		OrgID:        uuid.New(),
		RedirectURL:  "/cases/42",
		PKCEVerifier: "verifier-value",
		Nonce:        "nonce-value",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}

	encoded, err := EncodeState(original)
	require.NoError(t, err)

	decoded, err := DecodeState(encoded, 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, original.OrgID, decoded.OrgID)
	assert.Equal(t, original.RedirectURL, decoded.RedirectURL)
	assert.Equal(t, original.PKCEVerifier, decoded.PKCEVerifier)
	assert.Equal(t, original.Nonce, decoded.Nonce)
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
}

func TestStateRoundTripSAML(t *testing.T) {
	original := &TransportState{
		OrgID:         uuid.New(),
		SAMLRequestID: "_abc123",
		CreatedAt:     time.Now().UTC(),
	}

	encoded, err := EncodeState(original)
	require.NoError(t, err)

	decoded, err := DecodeState(encoded, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "_abc123", decoded.SAMLRequestID)
	assert.Empty(t, decoded.PKCEVerifier)
}

func TestDecodeStateMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("plain text"))},
		{"json but wrong shape", base64.RawURLEncoding.EncodeToString([]byte(`{"foo": "bar"}`))},
		{"missing created_at", base64.RawURLEncoding.EncodeToString([]byte(`{"org_id":"` + uuid.New().String() + `"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeState(tt.input, 5*time.Minute)
			assert.ErrorIs(t, err, ErrStateMalformed)
		})
	}
}

func TestDecodeStateExpired(t *testing.T) {
	state := &TransportState{
		OrgID:     uuid.New(),
		CreatedAt: time.Now().UTC().Add(-6 * time.Minute),
	}

	encoded, err := EncodeState(state)
	require.NoError(t, err)

	_, err = DecodeState(encoded, 5*time.Minute)
	assert.ErrorIs(t, err, ErrStateExpired)
}

func TestDecodeStateJustInsideWindow(t *testing.T) {
	state := &TransportState{
		OrgID:     uuid.New(),
		CreatedAt: time.Now().UTC().Add(-4 * time.Minute),
	}

	encoded, err := EncodeState(state)
	require.NoError(t, err)

	_, err = DecodeState(encoded, 5*time.Minute)
	assert.NoError(t, err)
}

func TestDecodeStatePaddedBase64(t *testing.T) {
	state := &TransportState{
		OrgID:     uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)

	padded := base64.URLEncoding.EncodeToString(data)
	decoded, err := DecodeState(padded, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, state.OrgID, decoded.OrgID)
}
