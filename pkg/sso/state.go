package sso

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EncodeState serializes transport state to a URL-safe opaque string
func EncodeState(state *TransportState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode transport state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState parses an opaque state string and enforces the staleness
// window. Anything undecodable is ErrStateMalformed; a decodable state older
// than maxAge is ErrStateExpired.
func DecodeState(encoded string, maxAge time.Duration) (*TransportState, error) {
	if encoded == "" {
		return nil, ErrStateMalformed
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate padded variants produced by other encoders
		data, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, ErrStateMalformed
		}
	}

	state := &TransportState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, ErrStateMalformed
	}
	if state.OrgID == uuid.Nil || state.CreatedAt.IsZero() {
		return nil, ErrStateMalformed
	}

	if time.Since(state.CreatedAt) > maxAge {
		return nil, ErrStateExpired
	}

	return state, nil
}
