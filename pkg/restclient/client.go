// Package restclient is the HTTP half of the browser backend: plain JSON
// request/response with bearer-token authorization. 401 responses feed the
// same centralized auth-failure counter as the WebSocket path, so both
// transports share one lockout policy.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/pipedeck/pipedeck/pkg/apierr"
	"github.com/pipedeck/pipedeck/pkg/backoff"
	"github.com/pipedeck/pipedeck/pkg/session"
)

const defaultRequestTimeout = 15 * time.Second

// Options configures a Client.
type Options struct {
	Logger         *slog.Logger
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Policy         backoff.Policy
}

// Client issues JSON requests against the dashboard backend.
type Client struct {
	baseURL string
	session *session.Store
	http    *http.Client
	timeout time.Duration
	policy  backoff.Policy
	logger  *slog.Logger
}

// New builds a REST client for baseURL. The session store supplies the
// bearer token and receives 401 reports; it may be nil for unauthenticated
// backends.
func New(baseURL string, store *session.Store, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: store,
		http:    opts.HTTPClient,
		timeout: opts.RequestTimeout,
		policy:  opts.Policy,
		logger:  opts.Logger,
	}
}

// Get issues a GET and decodes the JSON response into out (skipped when out
// is nil).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("restclient: marshal request body for %s: %w", op, err)
		}
	}

	return c.policy.Retry(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("restclient: build request for %s: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.session != nil {
			if tok := c.session.Token(); tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return apierr.Wrap(apierr.KindTimeout, op, err)
			}
			return apierr.Wrap(apierr.KindNetwork, op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg := readErrorBody(resp.Body)
			if resp.StatusCode == http.StatusUnauthorized && c.session != nil {
				c.session.ReportAuthFailure(op + " returned 401")
			}
			return apierr.FromStatus(op, resp.StatusCode, msg)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apierr.Wrap(apierr.KindProtocol, op, err)
		}
		return nil
	})
}

// readErrorBody pulls a short human-readable message out of an error
// response, tolerating both {"message": ...} and plain-text bodies.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return strings.TrimSpace(string(data))
}
