// Package ari talks to the PBX REST interface for call control. The only
// operation the concierge needs is a blind redirect of a live channel to the
// guard extension; a circuit breaker keeps a dead PBX from stalling calls.
package ari

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/resilience"
)

// redirectTimeout bounds one redirect round trip.
const redirectTimeout = 5 * time.Second

// Client issues channel commands against one PBX.
type Client struct {
	base    string
	user    string
	pass    string
	hc      *http.Client
	breaker *resilience.CircuitBreaker
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Intended for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// New returns a client for the configured PBX. An empty base URL yields a
// disabled client whose calls fail immediately; callers check [Client.Enabled].
func New(cfg config.ARIConfig, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		user: cfg.Username,
		pass: cfg.Password,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "ari",
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: redirectTimeout}
	}
	return c
}

// Enabled reports whether a PBX endpoint is configured.
func (c *Client) Enabled() bool { return c.base != "" }

// Redirect blind-transfers the channel to the given extension. Success is
// HTTP 200 or 204; everything else, including an open breaker, is an error.
func (c *Client) Redirect(ctx context.Context, channelID, extension string) error {
	if !c.Enabled() {
		return fmt.Errorf("ari: no PBX configured")
	}
	if channelID == "" || extension == "" {
		return fmt.Errorf("ari: channel id and extension required")
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, redirectTimeout)
		defer cancel()

		endpoint := fmt.Sprintf("%s/channels/%s/redirect?endpoint=%s",
			c.base, url.PathEscape(channelID), url.QueryEscape("PJSIP/"+extension))
		req, err := http.NewRequestWithContext(rctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.SetBasicAuth(c.user, c.pass)

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("redirect returned %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		slog.Warn("ari: redirect failed", "channel", channelID, "extension", extension, "err", err)
		return fmt.Errorf("ari: redirect: %w", err)
	}

	slog.Info("ari: channel redirected", "channel", channelID, "extension", extension)
	return nil
}
