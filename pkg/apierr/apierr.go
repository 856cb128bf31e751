// Package apierr defines the error taxonomy shared by every transport in
// pipedeck: the command channel, the REST client and the WebSocket client all
// classify failures with the same kinds so that one retry policy and one
// lockout policy can be applied across them.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindUnknown covers application-level failures that the transport layer
	// does not interpret (plain 4xx responses, validation errors). Never
	// retried.
	KindUnknown Kind = iota
	// KindNetwork is a connection-level failure: refused, reset, DNS.
	KindNetwork
	// KindTimeout means an allotted wait was exceeded.
	KindTimeout
	// KindAuth means the server rejected the client's credentials.
	KindAuth
	// KindServer is a 5xx-class backend fault.
	KindServer
	// KindRateLimited is 429-class throttling.
	KindRateLimited
	// KindProtocol is a malformed message or unparseable frame.
	KindProtocol
	// KindLockout means the client-side circuit breaker has tripped.
	KindLockout
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindRateLimited:
		return "rate-limited"
	case KindProtocol:
		return "protocol"
	case KindLockout:
		return "lockout"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure. Status carries an HTTP-like code
// when one is available, 0 otherwise.
type Error struct {
	Kind    Kind
	Status  int
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a literal message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies an HTTP response status. A 2xx status yields nil.
func FromStatus(op string, status int, message string) error {
	if status < 400 {
		return nil
	}
	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServer
	}
	return &Error{Kind: kind, Status: status, Op: op, Message: message}
}

// KindOf reports the Kind of err, or KindUnknown when err carries no
// classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf reports the HTTP-like status attached to err, 0 when absent.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
