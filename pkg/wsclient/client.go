// Package wsclient implements the browser-backend WebSocket connection
// manager: it opens and authenticates the socket, fans inbound messages out
// to per-event-type listeners, and recovers from disconnects with capped
// exponential backoff. Repeated rapid disconnects or credential rejections
// trip a lock-out that suppresses automatic reconnection until
// ManualReconnect is called.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/pipedeck/pipedeck/pkg/backoff"
	"github.com/pipedeck/pipedeck/pkg/wire"
)

// Status is the connection state broadcast to subscribers on every
// transition.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// EventCallback receives the raw payload of an inbound frame.
type EventCallback func(payload json.RawMessage)

// listener is one registry entry, removable by identity.
type listener struct {
	cb      EventCallback
	removed bool
}

// Client is the stateful WebSocket connection manager. Construct it with New;
// all connection state, counters and the listener registry are owned here and
// mutated only through the exported methods.
type Client struct {
	cfg    Options
	logger *slog.Logger
	policy backoff.Policy

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	conn             *websocket.Conn
	status           Status
	lockedOut        bool
	shouldReconnect  bool
	closed           bool
	gen              int // connection generation; stale pumps and timers check it
	attempts         int
	rapidDisconnects int
	openedAt         time.Time
	listeners        map[string][]*listener
	statusSubs       map[int]func(Status)
	nextSub          int
}

// New builds a Client. It does not connect; call Connect, or let the first
// Listen trigger a lazy connect.
func New(opts Options) *Client {
	cfg := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		policy: backoff.Policy{
			BaseDelay:  cfg.BaseDelay,
			MaxDelay:   cfg.MaxDelay,
			Multiplier: cfg.Multiplier,
		},
		ctx:             ctx,
		cancel:          cancel,
		shouldReconnect: true,
		listeners:       make(map[string][]*listener),
		statusSubs:      make(map[int]func(Status)),
	}
	if cfg.Session != nil {
		cfg.Session.OnAuthFailureLimit(func() {
			c.lockOut("authentication failure limit reached")
		})
	}
	return c
}

// Connect opens the socket. It is a no-op when already connected, already
// connecting, or locked out. The dial happens asynchronously; observe the
// outcome through OnStatus.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.lockedOut || c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.shouldReconnect = true
	c.gen++
	gen := c.gen
	subs := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.notify(subs, StatusConnecting)
	go c.dial(gen)
}

func (c *Client) dial(gen int) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, c.cfg.DialOptions)
	cancel()

	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.cfg.Session != nil {
			c.cfg.Session.ReportAuthFailure("websocket handshake rejected with 401")
		}
		c.logger.Warn("wsclient: dial failed", "url", c.cfg.URL, "err", err)
		c.dialFailed(gen)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded connection")
		return
	}
	c.conn = conn
	c.openedAt = time.Now()
	// The attempt counter is deliberately not reset here; it resets only
	// after the connection proves stable (see handleClose).
	subs := c.setStatusLocked(StatusConnected)
	var token string
	if c.cfg.Session != nil {
		token = c.cfg.Session.Token()
	}
	c.mu.Unlock()

	c.notify(subs, StatusConnected)
	c.logger.Info("wsclient: connected", "url", c.cfg.URL)
	if token != "" {
		c.sendAuth(conn, token)
	}
	go c.readPump(conn, gen)
}

func (c *Client) dialFailed(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.lockedOut || !c.shouldReconnect {
		subs := c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		c.notify(subs, StatusDisconnected)
		return
	}
	c.attempts++
	delay := c.policy.Delay(c.attempts)
	attempt := c.attempts
	subs := c.setStatusLocked(StatusReconnecting)
	c.mu.Unlock()

	c.notify(subs, StatusReconnecting)
	c.logger.Info("wsclient: scheduling reconnect", "attempt", attempt, "delay", delay)
	time.AfterFunc(delay, c.retryConnect)
}

// retryConnect runs when a scheduled reconnect timer fires. The state check
// here is the cancellation mechanism for scheduled reconnects: timers are
// never cancelled explicitly, a disconnect or lock-out between scheduling and
// firing simply makes the fire a no-op.
func (c *Client) retryConnect() {
	c.mu.Lock()
	if c.closed || c.lockedOut || !c.shouldReconnect || c.status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	subs := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.notify(subs, StatusConnecting)
	go c.dial(gen)
}

func (c *Client) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		// Protocol error: drop the frame, keep the connection.
		c.logger.Warn("wsclient: dropping malformed frame", "err", err)
		return
	}
	if f.Type == "" {
		c.logger.Warn("wsclient: dropping frame without type")
		return
	}
	if f.Type == wire.TypeAuthError {
		msg := wire.AuthErrorMessage(&f)
		c.logger.Warn("wsclient: server rejected credentials", "message", msg)
		if c.cfg.Session != nil {
			c.cfg.Session.ReportAuthFailure("auth_error frame: " + msg)
		}
		return
	}
	c.dispatch(f.Type, f.Payload)
}

// dispatch fans a payload out to every listener registered for the event
// type. Listeners run in the read pump, so delivery follows socket order; a
// failing listener is isolated and logged and never blocks the rest.
func (c *Client) dispatch(eventType string, payload json.RawMessage) {
	c.mu.Lock()
	regs := c.listeners[eventType]
	snapshot := make([]*listener, len(regs))
	copy(snapshot, regs)
	c.mu.Unlock()

	for _, l := range snapshot {
		c.safeInvoke(eventType, l, payload)
	}
}

func (c *Client) safeInvoke(eventType string, l *listener, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("wsclient: listener failed", "event", eventType, "panic", r)
		}
	}()
	c.mu.Lock()
	removed := l.removed
	c.mu.Unlock()
	if !removed {
		l.cb(payload)
	}
}

func (c *Client) handleClose(gen int, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	openFor := time.Since(c.openedAt)

	rapid := openFor < c.cfg.StabilityThreshold
	if rapid {
		c.rapidDisconnects++
	} else {
		// The connection was healthy for a meaningful period; failure
		// accounting starts fresh.
		c.rapidDisconnects = 0
		c.attempts = 0
	}

	if rapid && c.rapidDisconnects >= c.cfg.RapidDisconnectThreshold {
		count := c.rapidDisconnects
		c.mu.Unlock()
		if conn != nil {
			conn.CloseNow()
		}
		c.lockOut(fmt.Sprintf("%d consecutive rapid disconnects (each < %s)", count, c.cfg.StabilityThreshold))
		return
	}

	if c.lockedOut || !c.shouldReconnect {
		subs := c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		if conn != nil {
			conn.CloseNow()
		}
		c.notify(subs, StatusDisconnected)
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := c.policy.Delay(attempt)
	subs := c.setStatusLocked(StatusReconnecting)
	c.mu.Unlock()

	if conn != nil {
		conn.CloseNow()
	}
	c.notify(subs, StatusReconnecting)
	c.logger.Info("wsclient: connection closed, reconnecting",
		"cause", cause, "open_for", openFor, "attempt", attempt, "delay", delay)
	time.AfterFunc(delay, c.retryConnect)
}

// lockOut trips the circuit breaker: automatic reconnection is suppressed and
// the auth token is cleared. Only ManualReconnect exits this state.
func (c *Client) lockOut(reason string) {
	c.mu.Lock()
	if c.closed || c.lockedOut {
		c.mu.Unlock()
		return
	}
	c.lockedOut = true
	c.shouldReconnect = false
	c.gen++
	conn := c.conn
	c.conn = nil
	subs := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	c.logger.Error("wsclient: locked out, automatic reconnection suppressed", "reason", reason)
	if c.cfg.Session != nil {
		c.cfg.Session.ClearToken()
	}
	if conn != nil {
		conn.Close(websocket.StatusPolicyViolation, "client locked out")
	}
	c.notify(subs, StatusDisconnected)
}

// Disconnect closes the socket, suppresses automatic reconnection and clears
// every registered listener.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.shouldReconnect = false
	c.gen++
	conn := c.conn
	c.conn = nil
	c.listeners = make(map[string][]*listener)
	subs := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.notify(subs, StatusDisconnected)
}

// ManualReconnect clears lock-out, resets every counter, re-enables
// automatic reconnection and connects. It is the only way out of lock-out.
func (c *Client) ManualReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lockedOut = false
	c.shouldReconnect = true
	c.attempts = 0
	c.rapidDisconnects = 0
	c.mu.Unlock()

	if c.cfg.Session != nil {
		c.cfg.Session.ResetAuthFailures()
	}
	c.Connect()
}

// Reauthenticate re-sends the auth frame with the latest token, used when the
// token changes without a full reconnect. No-op when not connected.
func (c *Client) Reauthenticate() {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected && conn != nil
	c.mu.Unlock()
	if !connected {
		return
	}
	var token string
	if c.cfg.Session != nil {
		token = c.cfg.Session.Token()
	}
	c.sendAuth(conn, token)
}

func (c *Client) sendAuth(conn *websocket.Conn, token string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, wire.NewAuthFrame(token)); err != nil {
		c.logger.Warn("wsclient: failed to send auth frame", "err", err)
	}
}

// Listen registers cb for inbound frames of the given event type. When no
// connection exists and none is being established, registering triggers a
// lazy Connect. The returned closure unregisters the callback and is safe to
// call more than once.
func (c *Client) Listen(eventType string, cb EventCallback) func() {
	l := &listener{cb: cb}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.listeners[eventType] = append(c.listeners[eventType], l)
	needConnect := c.status == StatusDisconnected && !c.lockedOut
	c.mu.Unlock()

	if needConnect {
		c.Connect()
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if l.removed {
			return
		}
		l.removed = true
		regs := c.listeners[eventType]
		for i, reg := range regs {
			if reg == l {
				c.listeners[eventType] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(c.listeners[eventType]) == 0 {
			delete(c.listeners, eventType)
		}
	}
}

// OnStatus subscribes to connection-status transitions. The returned closure
// unsubscribes.
func (c *Client) OnStatus(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.statusSubs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.statusSubs, id)
		c.mu.Unlock()
	}
}

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the socket is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected && c.conn != nil
}

// LockedOut reports whether the circuit breaker has tripped.
func (c *Client) LockedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedOut
}

// ReconnectAttempts reports the current backoff attempt counter, which the
// UI shows while reconnecting.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Close tears the client down permanently. Unlike Disconnect it also stops
// status delivery and invalidates the client for further use.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.shouldReconnect = false
	c.gen++
	conn := c.conn
	c.conn = nil
	c.listeners = make(map[string][]*listener)
	c.statusSubs = make(map[int]func(Status))
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client shutting down")
	}
}

// setStatusLocked records a transition and snapshots the subscribers to
// notify. Caller must hold c.mu and invoke notify after unlocking.
func (c *Client) setStatusLocked(st Status) []func(Status) {
	if c.status == st {
		return nil
	}
	c.status = st
	subs := make([]func(Status), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	return subs
}

func (c *Client) notify(subs []func(Status), st Status) {
	for _, fn := range subs {
		fn(st)
	}
}
