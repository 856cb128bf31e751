// Package confwatch loads the dashboard's transport configuration from a
// YAML file and watches it for changes.
package confwatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipedeck/pipedeck/pkg/backoff"
	"github.com/pipedeck/pipedeck/pkg/command"
	"github.com/pipedeck/pipedeck/pkg/session"
	"github.com/pipedeck/pipedeck/pkg/wsclient"
)

// Duration parses YAML values like "500ms" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("confwatch: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every recognized transport knob.
type Config struct {
	Server struct {
		RestURL   string `yaml:"restURL"`
		SocketURL string `yaml:"socketURL"`
	} `yaml:"server"`

	Reconnect struct {
		BaseDelay                Duration `yaml:"baseDelay"`
		MaxDelay                 Duration `yaml:"maxDelay"`
		Multiplier               float64  `yaml:"multiplier"`
		StabilityThreshold       Duration `yaml:"stabilityThreshold"`
		RapidDisconnectThreshold int      `yaml:"rapidDisconnectThreshold"`
	} `yaml:"reconnect"`

	Retry struct {
		MaxAttempts int `yaml:"maxAttempts"`
	} `yaml:"retry"`

	Commands struct {
		DefaultTimeout Duration            `yaml:"defaultTimeout"`
		Timeouts       map[string]Duration `yaml:"timeouts"`
	} `yaml:"commands"`

	AuthFailureLimit int `yaml:"authFailureLimit"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Server.RestURL = "http://localhost:8787"
	c.Server.SocketURL = "ws://localhost:8787/ws"
	c.Reconnect.BaseDelay = Duration(1 * time.Second)
	c.Reconnect.MaxDelay = Duration(30 * time.Second)
	c.Reconnect.Multiplier = 2.0
	c.Reconnect.StabilityThreshold = Duration(5 * time.Second)
	c.Reconnect.RapidDisconnectThreshold = 10
	c.Retry.MaxAttempts = 5
	c.Commands.DefaultTimeout = Duration(10 * time.Second)
	c.AuthFailureLimit = 3
	return c
}

// Load reads path and unmarshals it over the defaults, so a partial file
// only overrides what it names.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("confwatch: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("confwatch: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the transport layer cannot honor.
func (c Config) Validate() error {
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("confwatch: reconnect.baseDelay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("confwatch: reconnect.maxDelay must be >= baseDelay")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("confwatch: reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.RapidDisconnectThreshold <= 0 {
		return fmt.Errorf("confwatch: reconnect.rapidDisconnectThreshold must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("confwatch: retry.maxAttempts must be positive")
	}
	return nil
}

// Policy converts the retry knobs into a backoff policy.
func (c Config) Policy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:   c.Reconnect.BaseDelay.Std(),
		MaxDelay:    c.Reconnect.MaxDelay.Std(),
		Multiplier:  c.Reconnect.Multiplier,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// SocketOptions converts the reconnect knobs into WebSocket client options.
func (c Config) SocketOptions(store *session.Store) wsclient.Options {
	opts := wsclient.DefaultOptions(c.Server.SocketURL, store)
	opts.BaseDelay = c.Reconnect.BaseDelay.Std()
	opts.MaxDelay = c.Reconnect.MaxDelay.Std()
	opts.Multiplier = c.Reconnect.Multiplier
	opts.StabilityThreshold = c.Reconnect.StabilityThreshold.Std()
	opts.RapidDisconnectThreshold = c.Reconnect.RapidDisconnectThreshold
	return opts
}

// CommandTimeouts converts the per-command timeout table.
func (c Config) CommandTimeouts() command.Timeouts {
	t := command.DefaultTimeouts()
	if c.Commands.DefaultTimeout > 0 {
		t.Default = c.Commands.DefaultTimeout.Std()
	}
	for name, d := range c.Commands.Timeouts {
		t.PerCommand[name] = d.Std()
	}
	return t
}
