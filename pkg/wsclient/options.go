package wsclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/pipedeck/pipedeck/pkg/session"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second

	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultMultiplier = 2.0

	// A connection that closes before living this long counts as a rapid
	// disconnect, the heuristic for "the server is rejecting me".
	defaultStabilityThreshold = 5 * time.Second
	// Consecutive rapid disconnects before the client locks out.
	defaultRapidDisconnectThreshold = 10
)

// Options configures a Client. Zero values fall back to library defaults.
type Options struct {
	// URL of the WebSocket endpoint (ws:// or wss://).
	URL         string
	Logger      *slog.Logger
	DialOptions *websocket.DialOptions
	// Session supplies the auth token and receives auth-failure reports.
	Session *session.Store

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Reconnect backoff knobs.
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64

	StabilityThreshold       time.Duration
	RapidDisconnectThreshold int
}

// DefaultOptions returns Options populated with library defaults for the
// given endpoint and session store.
func DefaultOptions(url string, store *session.Store) Options {
	return Options{
		URL:                      url,
		Logger:                   slog.Default(),
		DialOptions:              &websocket.DialOptions{HTTPClient: http.DefaultClient},
		Session:                  store,
		DialTimeout:              defaultDialTimeout,
		WriteTimeout:             defaultWriteTimeout,
		BaseDelay:                defaultBaseDelay,
		MaxDelay:                 defaultMaxDelay,
		Multiplier:               defaultMultiplier,
		StabilityThreshold:       defaultStabilityThreshold,
		RapidDisconnectThreshold: defaultRapidDisconnectThreshold,
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DialOptions == nil {
		o.DialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = defaultMultiplier
	}
	if o.StabilityThreshold <= 0 {
		o.StabilityThreshold = defaultStabilityThreshold
	}
	if o.RapidDisconnectThreshold <= 0 {
		o.RapidDisconnectThreshold = defaultRapidDisconnectThreshold
	}
	return o
}
