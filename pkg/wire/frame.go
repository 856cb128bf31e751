// Package wire defines the JSON text frames exchanged over the dashboard's
// WebSocket connection.
package wire

import (
	"encoding/json"
	"fmt"
)

// Reserved frame types. Everything else is an application event type routed
// to the listener registry.
const (
	// TypeAuth is the outbound authentication frame sent right after the
	// socket opens and on re-authentication.
	TypeAuth = "auth"
	// TypeAuthError is the inbound sentinel signalling the server rejected
	// the client's credentials.
	TypeAuthError = "auth_error"
)

// Frame is the inbound message shape: {"type": ..., "payload": ...}.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthFrame is the outbound authentication message. The token sits at the
// top level, not inside a payload.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// NewAuthFrame builds the authentication frame for the given token.
func NewAuthFrame(token string) AuthFrame {
	return AuthFrame{Type: TypeAuth, Token: token}
}

// NewFrame builds a frame with a marshalled payload. A nil payload yields a
// frame without a payload field.
func NewFrame(typ string, payload any) (*Frame, error) {
	f := &Frame{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal payload for %q frame: %w", typ, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v. A missing or null
// payload leaves v untouched.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// AuthErrorMessage extracts the optional human-readable message from an
// auth_error frame. It tolerates both a bare string payload and an object
// with a "message" field.
func AuthErrorMessage(f *Frame) string {
	if len(f.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Payload, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Payload, &obj); err == nil {
		return obj.Message
	}
	return ""
}
