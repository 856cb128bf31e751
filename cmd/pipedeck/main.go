package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/pipedeck/pipedeck/internal/confwatch"
	"github.com/pipedeck/pipedeck/pkg/authbridge"
	"github.com/pipedeck/pipedeck/pkg/command"
	"github.com/pipedeck/pipedeck/pkg/service"
	"github.com/pipedeck/pipedeck/pkg/session"
	"github.com/pipedeck/pipedeck/pkg/wsclient"
)

// demoInvoker stands in for an embedded native shell: canned results and a
// periodic pipeline event on the bus.
func demoInvoker() command.Invoker {
	return command.InvokerFunc(func(ctx context.Context, name string, args any) (json.RawMessage, error) {
		switch name {
		case "providers.list":
			return json.RawMessage(`[{"id":"local","name":"Local Runner","kind":"demo"}]`), nil
		case "pipelines.fetch":
			return json.RawMessage(`[{"id":"p1","provider":"local","name":"build","state":"passed"}]`), nil
		case "pipelines.trigger":
			return json.RawMessage(`null`), nil
		default:
			return nil, fmt.Errorf("unknown command %q", name)
		}
	})
}

func main() {
	configPath := flag.String("config", "", "path to the pipedeck YAML config (optional)")
	restURL := flag.String("rest-url", "", "override the REST endpoint")
	socketURL := flag.String("socket-url", "", "override the WebSocket endpoint")
	token := flag.String("token", "", "auth token to start with")
	native := flag.Bool("native", false, "use the demo in-process backend instead of HTTP+WebSocket")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg := confwatch.Default()
	if *configPath != "" {
		loaded, err := confwatch.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *restURL != "" {
		cfg.Server.RestURL = *restURL
	}
	if *socketURL != "" {
		cfg.Server.SocketURL = *socketURL
	}

	store := session.NewStore(logger, cfg.AuthFailureLimit)
	if *token != "" {
		store.SetToken(*token)
	}

	opts := service.Options{
		Logger:    logger,
		Session:   store,
		Policy:    cfg.Policy(),
		Timeouts:  cfg.CommandTimeouts(),
		RestURL:   cfg.Server.RestURL,
		SocketURL: cfg.Server.SocketURL,
		Socket:    cfg.SocketOptions(store),
	}
	var bus *command.Bus
	if *native {
		bus = command.NewBus(logger)
		defer bus.Close()
		opts.Invoker = demoInvoker()
		opts.Bus = bus
	}
	svc := service.New(opts)
	defer svc.Cleanup()

	logger.Info("pipedeck starting", "backend", svc.Backend(),
		"rest", cfg.Server.RestURL, "socket", cfg.Server.SocketURL)

	if sock := svc.Socket(); sock != nil {
		defer authbridge.Bind(store, sock, logger)()
		sock.OnStatus(func(st wsclient.Status) {
			logger.Info("connection status", "status", st.String(),
				"attempts", sock.ReconnectAttempts())
		})
	}
	svc.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if bus != nil {
		// Simulate the shell pushing pipeline updates.
		go func() {
			tick := time.NewTicker(5 * time.Second)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					bus.Publish(service.EventPipelineUpdated, service.Pipeline{
						ID: "p1", Provider: "local", Name: "build",
						State: "running", UpdatedAt: time.Now(),
					})
				}
			}
		}()
	}

	if *configPath != "" {
		watcher, err := confwatch.NewWatcher(*configPath, logger, func(next confwatch.Config) {
			logger.Info("config reloaded, new knobs apply on next connect",
				"baseDelay", next.Reconnect.BaseDelay.Std())
		})
		if err != nil {
			logger.Warn("config watching unavailable", "err", err)
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watching failed to start", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	unlisten := svc.Listen(service.EventPipelineUpdated, func(payload json.RawMessage) {
		var p service.Pipeline
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Warn("unreadable pipeline update", "err", err)
			return
		}
		fmt.Printf("[%s] %s/%s %s\n", time.Now().Format(time.TimeOnly), p.Provider, p.Name, p.State)
	})
	defer unlisten()

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	providers, err := svc.ListProviders(listCtx)
	cancel()
	if err != nil {
		logger.Error("failed to list providers", "err", err)
	} else {
		for _, p := range providers {
			logger.Info("provider", "id", p.ID, "name", p.Name, "kind", p.Kind)
		}
	}

	<-ctx.Done()
	logger.Info("pipedeck shutting down")
}
