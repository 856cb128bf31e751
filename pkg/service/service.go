// Package service is the transport selector: one fixed call surface for the
// UI, backed by either the native command channel or HTTP+WebSocket. The
// backend is detected once, on first use, and the resolution never changes
// for the life of the process.
package service

import (
	"context"
	"encoding/json"
	"sync"

	"log/slog"

	"github.com/pipedeck/pipedeck/pkg/backoff"
	"github.com/pipedeck/pipedeck/pkg/command"
	"github.com/pipedeck/pipedeck/pkg/restclient"
	"github.com/pipedeck/pipedeck/pkg/session"
	"github.com/pipedeck/pipedeck/pkg/wsclient"
)

// Backend identifies the resolved transport.
type Backend string

const (
	BackendNativeCommand Backend = "native-command"
	BackendWebSocket     Backend = "http+websocket"
)

// Capabilities is the fixed call surface exposed to UI code, identical on
// both backends, including the Listen unsubscribe contract.
type Capabilities interface {
	ListProviders(ctx context.Context) ([]Provider, error)
	FetchPipelines(ctx context.Context, providerID string) ([]Pipeline, error)
	TriggerPipeline(ctx context.Context, providerID, pipelineID string) error
	Listen(event string, cb func(payload json.RawMessage)) (unlisten func())
}

// Options configures a Service. A non-nil Invoker marks the native shell as
// present and selects the native-command backend; otherwise the browser
// backend (RestURL + SocketURL) is used.
type Options struct {
	Logger  *slog.Logger
	Session *session.Store
	Policy  backoff.Policy

	// Native backend.
	Invoker  command.Invoker
	Bus      *command.Bus
	Timeouts command.Timeouts

	// Browser backend.
	RestURL   string
	SocketURL string
	Rest      restclient.Options
	Socket    wsclient.Options
}

// Service forwards every call to the resolved backend.
type Service struct {
	opts   Options
	logger *slog.Logger

	once    sync.Once
	backend Backend
	impl    Capabilities
	socket  *wsclient.Client
	bus     *command.Bus
	ownsBus bool
}

// New builds a Service. No backend work happens until the first call (or
// Init).
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{opts: opts, logger: opts.Logger}
}

// resolve performs the backend detection exactly once and memoizes the
// result for the process lifetime.
func (s *Service) resolve() Capabilities {
	s.once.Do(func() {
		if s.opts.Invoker != nil {
			s.backend = BackendNativeCommand
			s.bus = s.opts.Bus
			if s.bus == nil {
				s.bus = command.NewBus(s.logger)
				s.ownsBus = true
			}
			channel := command.NewChannel(s.opts.Invoker, s.opts.Timeouts, s.opts.Policy, s.logger)
			s.impl = &nativeBackend{channel: channel, bus: s.bus}
		} else {
			s.backend = BackendWebSocket
			sockOpts := s.opts.Socket
			if sockOpts.URL == "" {
				sockOpts.URL = s.opts.SocketURL
			}
			if sockOpts.Logger == nil {
				sockOpts.Logger = s.logger
			}
			if sockOpts.Session == nil {
				sockOpts.Session = s.opts.Session
			}
			restOpts := s.opts.Rest
			if restOpts.Logger == nil {
				restOpts.Logger = s.logger
			}
			if restOpts.Policy == (backoff.Policy{}) {
				restOpts.Policy = s.opts.Policy
			}
			s.socket = wsclient.New(sockOpts)
			rest := restclient.New(s.opts.RestURL, s.opts.Session, restOpts)
			s.impl = &webBackend{rest: rest, socket: s.socket}
		}
		s.logger.Info("service: backend resolved", "backend", s.backend)
	})
	return s.impl
}

// Backend reports the resolved transport, resolving it if needed.
func (s *Service) Backend() Backend {
	s.resolve()
	return s.backend
}

// Socket exposes the WebSocket client for the browser backend, nil on the
// native one. The auth bridge binds against it.
func (s *Service) Socket() *wsclient.Client {
	s.resolve()
	return s.socket
}

// Init starts the transport the resolved backend needs: the WebSocket client
// for the browser backend, nothing for the native one (the shell manages its
// own event channel and must not also open a socket).
func (s *Service) Init() {
	s.resolve()
	if s.backend == BackendWebSocket {
		s.socket.Connect()
	}
}

// Cleanup stops whatever Init started.
func (s *Service) Cleanup() {
	s.resolve()
	if s.socket != nil {
		s.socket.Close()
	}
	if s.ownsBus && s.bus != nil {
		s.bus.Close()
	}
}

func (s *Service) ListProviders(ctx context.Context) ([]Provider, error) {
	return s.resolve().ListProviders(ctx)
}

func (s *Service) FetchPipelines(ctx context.Context, providerID string) ([]Pipeline, error) {
	return s.resolve().FetchPipelines(ctx, providerID)
}

func (s *Service) TriggerPipeline(ctx context.Context, providerID, pipelineID string) error {
	return s.resolve().TriggerPipeline(ctx, providerID, pipelineID)
}

func (s *Service) Listen(event string, cb func(payload json.RawMessage)) func() {
	return s.resolve().Listen(event, cb)
}
