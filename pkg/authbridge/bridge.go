// Package authbridge links the session store to the WebSocket client with a
// one-way observer: login-state transitions drive re-authentication,
// reconnection or disconnection, without the store ever knowing about the
// socket.
package authbridge

import (
	"log/slog"

	"github.com/pipedeck/pipedeck/pkg/session"
)

// Socket is the slice of the WebSocket client the bridge drives.
type Socket interface {
	IsConnected() bool
	Reauthenticate()
	ManualReconnect()
	Disconnect()
}

// Bind subscribes to login-state transitions and reacts to edges only:
//
//	false -> true: re-authenticate in place when the socket is open,
//	               otherwise manual-reconnect (which also clears lock-out);
//	true -> false: disconnect.
//
// Levels are never replayed, so startup in the unauthenticated state causes
// no socket activity. The returned closure unbinds the bridge.
func Bind(store *session.Store, socket Socket, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	return store.Subscribe(func(was, is bool) {
		switch {
		case !was && is:
			if socket.IsConnected() {
				logger.Info("authbridge: login while connected, re-authenticating")
				socket.Reauthenticate()
			} else {
				logger.Info("authbridge: login while disconnected, reconnecting")
				socket.ManualReconnect()
			}
		case was && !is:
			logger.Info("authbridge: logout, disconnecting")
			socket.Disconnect()
		}
	})
}
