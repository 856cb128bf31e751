// pipedeck.go
package pipedeck

import (
	"log/slog"

	"github.com/pipedeck/pipedeck/pkg/authbridge"
	"github.com/pipedeck/pipedeck/pkg/backoff"
	"github.com/pipedeck/pipedeck/pkg/command"
	"github.com/pipedeck/pipedeck/pkg/service"
	"github.com/pipedeck/pipedeck/pkg/session"
	"github.com/pipedeck/pipedeck/pkg/wsclient"
)

// Re-export core types
type (
	Service         = service.Service
	ServiceOptions  = service.Options
	Capabilities    = service.Capabilities
	Backend         = service.Backend
	Provider        = service.Provider
	Pipeline        = service.Pipeline
	SessionStore    = session.Store
	SocketClient    = wsclient.Client
	SocketOptions   = wsclient.Options
	SocketStatus    = wsclient.Status
	Invoker         = command.Invoker
	InvokerFunc     = command.InvokerFunc
	CommandTimeouts = command.Timeouts
	BackoffPolicy   = backoff.Policy
)

// Re-export backend identifiers and event types
const (
	BackendNativeCommand = service.BackendNativeCommand
	BackendWebSocket     = service.BackendWebSocket

	EventPipelineUpdated = service.EventPipelineUpdated
	EventProviderStatus  = service.EventProviderStatus
)

// NewService creates the transport facade. The backend is resolved on first
// use: a non-nil Invoker selects the native command channel, otherwise
// HTTP+WebSocket.
func NewService(opts service.Options) *service.Service {
	return service.New(opts)
}

// NewSessionStore creates the shared auth state holder.
func NewSessionStore(logger *slog.Logger, failureLimit int) *session.Store {
	return session.NewStore(logger, failureLimit)
}

// NewSocketClient creates a standalone WebSocket connection manager.
func NewSocketClient(opts wsclient.Options) *wsclient.Client {
	return wsclient.New(opts)
}

// DefaultSocketOptions returns socket options with library defaults.
func DefaultSocketOptions(url string, store *session.Store) wsclient.Options {
	return wsclient.DefaultOptions(url, store)
}

// DefaultBackoff returns the shared retry policy defaults.
func DefaultBackoff() backoff.Policy {
	return backoff.Default()
}

// DefaultCommandTimeouts returns the built-in per-command timeout table.
func DefaultCommandTimeouts() command.Timeouts {
	return command.DefaultTimeouts()
}

// BindAuthBridge links the session store to the socket so login-state
// transitions drive the connection.
func BindAuthBridge(store *session.Store, socket *wsclient.Client, logger *slog.Logger) func() {
	return authbridge.Bind(store, socket, logger)
}
