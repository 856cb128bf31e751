// Package command implements the native-shell backend: a thin wrapper that
// invokes named in-process commands with per-command timeouts and transient
// retries, plus the pub/sub event bus the shell publishes push events on.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/pipedeck/pipedeck/pkg/apierr"
	"github.com/pipedeck/pipedeck/pkg/backoff"
)

// Invoker is the boundary to the native shell: it executes one named command
// and returns its raw JSON result.
type Invoker interface {
	Invoke(ctx context.Context, name string, args any) (json.RawMessage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, name string, args any) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, name string, args any) (json.RawMessage, error) {
	return f(ctx, name, args)
}

const defaultCommandTimeout = 10 * time.Second

// Timeouts is the per-command timeout table with a default fallback.
type Timeouts struct {
	Default    time.Duration
	PerCommand map[string]time.Duration
}

// DefaultTimeouts returns the built-in table. Bulk fetches, provider
// discovery and destructive resets are known to run long and get explicit
// entries.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default: defaultCommandTimeout,
		PerCommand: map[string]time.Duration{
			"pipelines.fetch_all": 60 * time.Second,
			"providers.discover":  45 * time.Second,
			"providers.reset":     120 * time.Second,
		},
	}
}

// For returns the timeout bound for a command name.
func (t Timeouts) For(name string) time.Duration {
	if d, ok := t.PerCommand[name]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return defaultCommandTimeout
}

// Channel invokes native commands with timeout enforcement and transient
// retries. It never buffers or reorders calls; each Invoke maps to at least
// one underlying invocation.
type Channel struct {
	invoker  Invoker
	timeouts Timeouts
	policy   backoff.Policy
	logger   *slog.Logger
}

// NewChannel wraps an Invoker. A zero Timeouts or Policy falls back to
// defaults.
func NewChannel(invoker Invoker, timeouts Timeouts, policy backoff.Policy, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if timeouts.Default <= 0 && timeouts.PerCommand == nil {
		timeouts = DefaultTimeouts()
	}
	if policy == (backoff.Policy{}) {
		policy = backoff.Default()
	}
	return &Channel{invoker: invoker, timeouts: timeouts, policy: policy, logger: logger}
}

// Invoke runs the named command. An optional timeoutOverride replaces the
// table lookup for this call. Transient failures are retried within the
// shared budget; the caller sees only the final outcome. Exceeding the bound
// yields a distinguished timeout error carrying the elapsed bound.
func (c *Channel) Invoke(ctx context.Context, name string, args any, timeoutOverride ...time.Duration) (json.RawMessage, error) {
	bound := c.timeouts.For(name)
	if len(timeoutOverride) > 0 && timeoutOverride[0] > 0 {
		bound = timeoutOverride[0]
	}

	var result json.RawMessage
	err := c.policy.Retry(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, bound)
		defer cancel()

		res, err := c.invoker.Invoke(attemptCtx, name, args)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return apierr.New(apierr.KindTimeout, "command."+name,
					fmt.Sprintf("command exceeded %s bound", bound))
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		c.logger.Warn("command: invoke failed", "command", name, "err", err)
		return nil, err
	}
	return result, nil
}
