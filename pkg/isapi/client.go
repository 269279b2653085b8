// Package isapi is a control-plane client for the vendor HTTP protocol
// spoken by access panels and biometric readers (digest auth, XML and JSON
// bodies). It opens and closes doors across firmware variants, provisions
// person and card records, and queries the device event journal.
//
// Firmware quirks drive the design: some panels only accept a minimal
// one-line XML body with no prolog, others require the versioned namespace,
// and a JSON body with statusCode==1 means success regardless of what the
// HTTP status suggests. Callers receive normalized results; raw device
// payloads never leave this package.
package isapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/icholy/digest"
)

// Door command payloads. The strict bodies must stay byte-exact: no XML
// prolog, no whitespace.
const (
	openBodyStrict  = "<RemoteControlDoor><cmd>open</cmd></RemoteControlDoor>"
	openBodyLegacy  = "<RemoteControlDoor version='2.0' xmlns='http://www.isapi.org/ver20/XMLSchema'><cmd>open</cmd></RemoteControlDoor>"
	closeBodyStrict = "<RemoteControlDoor><cmd>close</cmd></RemoteControlDoor>"
	closeBodyLegacy = "<RemoteControlDoor version='2.0' xmlns='http://www.isapi.org/ver20/XMLSchema'><cmd>close</cmd></RemoteControlDoor>"
	alarmOutBody    = "<IOOutputPort><outputState>active</outputState></IOOutputPort>"
)

// Method tags reported to callers, matching the first fallback that
// succeeded.
const (
	MethodAccessControl   = "access_control"
	MethodAccessControlV2 = "access_control_v2"
	MethodIOTrigger       = "io_trigger"
	MethodAlarmOutput     = "alarm_output"
	MethodCurlDigest      = "curl_digest"
)

// Variant selects which XML door-command payload to send.
type Variant string

const (
	// VariantStrict is the minimal one-line body most panels accept.
	VariantStrict Variant = "strict"

	// VariantLegacy is the versioned-namespace body some firmwares require.
	VariantLegacy Variant = "legacy"
)

// defaultTimeout bounds each device round trip unless overridden.
const defaultTimeout = 3 * time.Second

// Client talks to a single device. Clients are stateless apart from the
// shared HTTP transport and are safe for concurrent use.
type Client struct {
	host    string // host[:port]
	base    string // http://host[:port]
	user    string
	pass    string
	timeout time.Duration
	hc      *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeout sets the per-request timeout. Default 3 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Intended for tests;
// the default client carries the digest-auth transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// NewClient creates a client for the device at host (optionally host:port)
// using digest authentication.
func NewClient(host, username, password string, opts ...Option) *Client {
	c := &Client{
		host:    host,
		base:    "http://" + host,
		user:    username,
		pass:    password,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hc == nil {
		c.hc = &http.Client{
			Transport: &digest.Transport{Username: username, Password: password},
		}
	}
	return c
}

// Host returns the host[:port] this client targets.
func (c *Client) Host() string { return c.host }

// WithAttemptTimeout returns a shallow copy of the client with a different
// per-request timeout. The transport is shared.
func (c *Client) WithAttemptTimeout(d time.Duration) *Client {
	cp := *c
	if d > 0 {
		cp.timeout = d
	}
	return &cp
}

// OpenResult is the outcome of a door command sequence.
type OpenResult struct {
	// Success reports whether any fallback worked.
	Success bool

	// Method is the tag of the first successful fallback.
	Method string

	// Status is the HTTP status of the last attempt.
	Status int

	// Err is a short human-safe failure summary, empty on success.
	Err string
}

// callResult is one raw device round trip. Bodies stay inside the package.
type callResult struct {
	success bool
	status  int
	body    string
	err     error
}

// do performs one authenticated request with the per-attempt timeout.
// Success is HTTP 200/204 or a JSON body carrying statusCode==1.
func (c *Client) do(ctx context.Context, method, path, body, contentType string) callResult {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(rctx, method, c.base+path, reader)
	if err != nil {
		return callResult{err: fmt.Errorf("isapi: build request: %w", err)}
	}
	if body != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return callResult{err: fmt.Errorf("isapi: %s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	res := callResult{status: resp.StatusCode, body: string(raw)}
	res.success = resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusNoContent ||
		jsonStatusOK(raw)
	return res
}

// jsonStatusOK reports whether a response body is JSON with statusCode==1.
func jsonStatusOK(body []byte) bool {
	var probe struct {
		StatusCode int `json:"statusCode"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.StatusCode == 1
}

// openAttempt is one entry in the fallback chain.
type openAttempt struct {
	method      string
	httpMethod  string
	path        string
	body        string
	contentType string
}

// xmlAttempts returns the door-command attempts for the selected variants,
// preserving the strict-before-legacy order.
func xmlAttempts(door int, variants []Variant) []openAttempt {
	path := fmt.Sprintf("/ISAPI/AccessControl/RemoteControl/door/%d", door)
	var out []openAttempt
	for _, v := range variants {
		switch v {
		case VariantStrict:
			out = append(out, openAttempt{MethodAccessControl, http.MethodPut, path, openBodyStrict, "application/xml"})
		case VariantLegacy:
			out = append(out, openAttempt{MethodAccessControlV2, http.MethodPut, path, openBodyLegacy, "application/xml"})
		}
	}
	return out
}

// ioAttempts returns the relay-level fallbacks used when the door command is
// rejected outright.
func ioAttempts(door int) []openAttempt {
	return []openAttempt{
		{MethodIOTrigger, http.MethodPut, fmt.Sprintf("/ISAPI/System/IO/outputs/%d/trigger", door), "", ""},
		{MethodAlarmOutput, http.MethodPut, fmt.Sprintf("/ISAPI/System/IO/outputs/%d", door), alarmOutBody, "application/xml"},
	}
}

// runAttempts walks the fallback chain, first success wins. Each attempt runs
// at most once.
func (c *Client) runAttempts(ctx context.Context, attempts []openAttempt) OpenResult {
	var last callResult
	for _, a := range attempts {
		last = c.do(ctx, a.httpMethod, a.path, a.body, a.contentType)
		if last.success {
			slog.Info("door command accepted", "host", c.host, "method", a.method, "status", last.status)
			return OpenResult{Success: true, Method: a.method, Status: last.status}
		}
		slog.Debug("door command rejected, falling back",
			"host", c.host, "method", a.method, "status", last.status, "err", last.err)
	}
	res := OpenResult{Status: last.status, Err: "all door command variants failed"}
	if last.err != nil {
		res.Err = "device unreachable"
	}
	slog.Warn("door command exhausted all variants", "host", c.host, "status", last.status, "err", last.err)
	return res
}

// OpenDoor pulses the given door through the full fallback chain: strict XML,
// versioned XML, IO trigger, then alarm output.
func (c *Client) OpenDoor(ctx context.Context, door int) OpenResult {
	attempts := xmlAttempts(door, []Variant{VariantStrict, VariantLegacy})
	attempts = append(attempts, ioAttempts(door)...)
	return c.runAttempts(ctx, attempts)
}

// OpenDoorVariants pulses the door using only the selected XML payload
// variants, in the given order. Used by callers that know their panel's
// firmware and must not touch the IO fallbacks.
func (c *Client) OpenDoorVariants(ctx context.Context, door int, variants ...Variant) OpenResult {
	return c.runAttempts(ctx, xmlAttempts(door, variants))
}

// OpenDoorShell shells out to curl for one strict-body attempt. Some panels
// negotiate digest differently with curl than with the native transport;
// the credential issuance path uses this as its last resort.
func (c *Client) OpenDoorShell(ctx context.Context, door int) OpenResult {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/ISAPI/AccessControl/RemoteControl/door/%d", c.base, door)
	cmd := exec.CommandContext(rctx, "curl",
		"--silent", "--output", "/dev/null", "--write-out", "%{http_code}",
		"--digest", "--user", c.user+":"+c.pass,
		"--request", "PUT",
		"--header", "Content-Type: application/xml",
		"--data-binary", openBodyStrict,
		"--max-time", fmt.Sprintf("%.1f", c.timeout.Seconds()),
		url,
	)
	out, err := cmd.Output()
	code := strings.TrimSpace(string(out))
	if err == nil && (code == "200" || code == "204") {
		slog.Info("door command accepted", "host", c.host, "method", MethodCurlDigest, "status", code)
		return OpenResult{Success: true, Method: MethodCurlDigest, Status: atoiSafe(code)}
	}
	slog.Warn("shell fallback failed", "host", c.host, "code", code, "err", err)
	return OpenResult{Status: atoiSafe(code), Err: "shell fallback failed"}
}

// CloseDoor issues the close command, strict body first.
func (c *Client) CloseDoor(ctx context.Context, door int) OpenResult {
	path := fmt.Sprintf("/ISAPI/AccessControl/RemoteControl/door/%d", door)
	return c.runAttempts(ctx, []openAttempt{
		{MethodAccessControl, http.MethodPut, path, closeBodyStrict, "application/xml"},
		{MethodAccessControlV2, http.MethodPut, path, closeBodyLegacy, "application/xml"},
	})
}

// DeviceInfo describes reachability of a device.
type DeviceInfo struct {
	Connected bool
	Raw       string
}

// GetDeviceInfo probes the device identity endpoint.
func (c *Client) GetDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	res := c.do(ctx, http.MethodGet, "/ISAPI/System/deviceInfo", "", "")
	if res.err != nil {
		return DeviceInfo{}, res.err
	}
	return DeviceInfo{Connected: res.success, Raw: res.body}, nil
}

// GetDoorStatus returns the raw door status report.
func (c *Client) GetDoorStatus(ctx context.Context, door int) (string, error) {
	res := c.do(ctx, http.MethodGet, fmt.Sprintf("/ISAPI/AccessControl/Door/status/%d", door), "", "")
	if res.err != nil {
		return "", res.err
	}
	if !res.success {
		return "", fmt.Errorf("isapi: door status query returned %d", res.status)
	}
	return res.body, nil
}

func atoiSafe(s string) int {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
