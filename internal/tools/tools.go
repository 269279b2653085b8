// Package tools executes the function calls the realtime model emits during
// an intercom conversation.
//
// The catalog is a closed set dispatched by a single switch: find_resident,
// check_preauthorized_visitor, request_authorization, open_gate,
// transfer_to_guard and log_visit. Every internal failure is folded into the
// JSON result handed back to the model; nothing propagates into the
// conversation loop. In demo mode a broken persistence backend yields
// plausible synthetic answers flagged demo=true so the full conversation can
// run against empty infrastructure — the gate hardware is still driven for
// real.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/javierd009/agente-portero/internal/directory"
	"github.com/javierd009/agente-portero/internal/gate"
	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/internal/visits"
)

// Call is one tool invocation as the model emitted it. Args is the raw JSON
// argument string.
type Call struct {
	Name string
	Args string
	ID   string
}

// Caller identifies the live call a tool acts on behalf of.
type Caller struct {
	TenantID  string
	ChannelID string

	// GuardExtension is where transfer_to_guard sends the call.
	GuardExtension string
}

// TransferFunc blind-redirects a live channel to an extension.
type TransferFunc func(ctx context.Context, channelID, extension string) error

// Runtime dispatches tool calls onto the concierge services.
type Runtime struct {
	directory *directory.Service
	visits    *visits.Service
	opener    *gate.Opener
	transfer  TransferFunc
	metrics   *observe.Metrics
	demo      bool
}

// Config wires a [Runtime].
type Config struct {
	Directory *directory.Service
	Visits    *visits.Service
	Opener    *gate.Opener

	// Transfer is optional; without it transfer_to_guard reports failure.
	Transfer TransferFunc

	// Metrics falls back to the process-wide default when nil.
	Metrics *observe.Metrics

	// Demo substitutes synthetic results when persistence fails.
	Demo bool
}

// New returns a tool runtime.
func New(cfg Config) *Runtime {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Runtime{
		directory: cfg.Directory,
		visits:    cfg.Visits,
		opener:    cfg.Opener,
		transfer:  cfg.Transfer,
		metrics:   m,
		demo:      cfg.Demo,
	}
}

// Execute runs one tool call and returns the JSON result to hand back to the
// model. It never returns an error: failures become {"error": ...} payloads.
func (r *Runtime) Execute(ctx context.Context, caller Caller, call Call) string {
	start := time.Now()
	result, err := r.dispatch(ctx, caller, call)

	status := "success"
	if err != nil {
		status = "error"
		result = map[string]any{"error": err.Error()}
		slog.Warn("tools: call failed",
			"tool", call.Name, "tenant", caller.TenantID, "err", err)
	}
	r.metrics.RecordToolCall(ctx, call.Name, status)
	r.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", call.Name)))

	out, merr := json.Marshal(result)
	if merr != nil {
		return `{"error":"internal result encoding failure"}`
	}
	return string(out)
}

// dispatch is the closed-set switch over the catalog.
func (r *Runtime) dispatch(ctx context.Context, caller Caller, call Call) (any, error) {
	switch call.Name {
	case "find_resident":
		return r.findResident(ctx, caller, call.Args)
	case "check_preauthorized_visitor":
		return r.checkPreauthorized(ctx, caller, call.Args)
	case "request_authorization":
		return r.requestAuthorization(ctx, caller, call.Args)
	case "open_gate":
		return r.openGate(ctx, caller, call.Args)
	case "transfer_to_guard":
		return r.transferToGuard(ctx, caller, call.Args)
	case "log_visit":
		return r.logVisit(ctx, caller, call.Args)
	default:
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

// parseArgs decodes the model's argument JSON. A malformed payload is an
// error the model gets to see and repair.
func parseArgs(raw string, v any) error {
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("malformed arguments: %v", err)
	}
	return nil
}

// storeDown reports whether err looks like an unreachable persistence
// backend rather than a domain answer.
func storeDown(err error) bool {
	return err != nil &&
		!errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, store.ErrForbidden)
}

// ── find_resident ───────────────────────────────────────────────────────────

type residentSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Unit     string `json:"unit"`
	Building string `json:"building,omitempty"`
}

func (r *Runtime) findResident(ctx context.Context, caller Caller, raw string) (any, error) {
	var args struct {
		Name string `json:"name"`
		Unit string `json:"unit"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}

	matches, err := r.directory.Search(ctx, caller.TenantID, directory.Query{
		Name: args.Name,
		Unit: args.Unit,
	})
	if err != nil {
		if r.demo && storeDown(err) {
			return r.demoResidents(args.Name), nil
		}
		return nil, fmt.Errorf("directory lookup failed")
	}

	// Only what the agent needs to disambiguate leaves the backend.
	out := make([]residentSummary, len(matches))
	for i, m := range matches {
		out[i] = residentSummary{
			ID:       m.Resident.ID,
			Name:     m.Resident.Name,
			Unit:     m.Resident.Unit,
			Building: m.Resident.Tower,
		}
	}
	return map[string]any{
		"found":     len(out) > 0,
		"count":     len(out),
		"residents": out,
	}, nil
}

// ── check_preauthorized_visitor ─────────────────────────────────────────────

func (r *Runtime) checkPreauthorized(ctx context.Context, caller Caller, raw string) (any, error) {
	var args struct {
		VisitorName string `json:"visitor_name"`
		ResidentID  string `json:"resident_id"`
		Unit        string `json:"unit"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}

	pre, err := r.visits.CheckPreauthorized(ctx, caller.TenantID, visits.PreauthQuery{
		VisitorName: args.VisitorName,
		ResidentID:  args.ResidentID,
		Unit:        args.Unit,
	})
	if err != nil {
		if r.demo && storeDown(err) {
			return map[string]any{"authorized": false, "demo": true}, nil
		}
		return nil, fmt.Errorf("pre-authorization lookup failed")
	}
	if !pre.Authorized {
		return map[string]any{"authorized": false}, nil
	}
	return map[string]any{
		"authorized":       true,
		"authorization_id": pre.AuthorizationID,
		"expires_at":       pre.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// ── request_authorization ───────────────────────────────────────────────────

func (r *Runtime) requestAuthorization(ctx context.Context, caller Caller, raw string) (any, error) {
	var args struct {
		ResidentID     string `json:"resident_id"`
		VisitorName    string `json:"visitor_name"`
		VisitorCompany string `json:"visitor_company"`
		VisitReason    string `json:"visit_reason"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}

	id, err := r.visits.RequestAuthorization(ctx, caller.TenantID, visits.AuthorizationAsk{
		ResidentID:  args.ResidentID,
		VisitorName: args.VisitorName,
		Company:     args.VisitorCompany,
		Reason:      args.VisitReason,
	})
	if err != nil {
		if r.demo && storeDown(err) {
			return map[string]any{"sent": true, "waiting_response": true, "demo": true}, nil
		}
		return nil, fmt.Errorf("authorization request failed")
	}
	return map[string]any{
		"sent":             true,
		"request_id":       id,
		"waiting_response": true,
	}, nil
}

// ── open_gate ───────────────────────────────────────────────────────────────

func (r *Runtime) openGate(ctx context.Context, caller Caller, raw string) (any, error) {
	var args struct {
		VisitorName       string `json:"visitor_name"`
		ResidentID        string `json:"resident_id"`
		AuthorizationType string `json:"authorization_type"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	auth := gate.Authorization(args.AuthorizationType)
	if !auth.IsValid() {
		return nil, fmt.Errorf("unknown authorization_type %q", args.AuthorizationType)
	}

	// The intercom line fronts the vehicular entry.
	res, err := r.opener.Open(ctx, caller.TenantID, gate.OpenRequest{
		AccessPoint:   store.AccessVehicularEntry,
		VisitorName:   args.VisitorName,
		ResidentID:    args.ResidentID,
		Authorization: auth,
		Method:        "voice_agent",
	})
	if err != nil {
		return nil, fmt.Errorf("gate actuation failed")
	}
	if !res.Success && r.demo {
		// Demo mode still tried the device; only the answer is softened.
		return map[string]any{"success": true, "demo": true}, nil
	}
	return map[string]any{"success": res.Success}, nil
}

// ── transfer_to_guard ───────────────────────────────────────────────────────

func (r *Runtime) transferToGuard(ctx context.Context, caller Caller, raw string) (any, error) {
	var args struct {
		Reason string `json:"reason"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}

	if r.transfer == nil || caller.ChannelID == "" {
		return map[string]any{"transferred": false}, nil
	}
	if err := r.transfer(ctx, caller.ChannelID, caller.GuardExtension); err != nil {
		slog.Warn("tools: guard transfer failed",
			"channel", caller.ChannelID, "reason", args.Reason, "err", err)
		return map[string]any{"transferred": false}, nil
	}
	return map[string]any{
		"transferred": true,
		"extension":   caller.GuardExtension,
	}, nil
}

// ── log_visit ───────────────────────────────────────────────────────────────

func (r *Runtime) logVisit(ctx context.Context, caller Caller, raw string) (any, error) {
	var args struct {
		VisitorName string `json:"visitor_name"`
		ResidentID  string `json:"resident_id"`
		Unit        string `json:"unit"`
		Status      string `json:"status"`
		Notes       string `json:"notes"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}

	id, err := r.visits.LogVisit(ctx, caller.TenantID, visits.VisitEntry{
		VisitorName: args.VisitorName,
		ResidentID:  args.ResidentID,
		Unit:        args.Unit,
		Status:      store.VisitStatus(args.Status),
		Notes:       args.Notes,
	})
	if err != nil {
		// A lost log entry must never derail the conversation.
		slog.Warn("tools: visit log failed", "visitor", args.VisitorName, "err", err)
		if r.demo {
			return map[string]any{"logged": true, "demo": true}, nil
		}
		return map[string]any{"logged": false}, nil
	}
	return map[string]any{"logged": true, "visit_id": id}, nil
}

// ── demo fixtures ───────────────────────────────────────────────────────────

// demoResidents is the canned directory served when persistence is down in
// demo mode.
func (r *Runtime) demoResidents(name string) map[string]any {
	residents := []residentSummary{
		{ID: "res-001", Name: "María García", Unit: "101", Building: "A"},
		{ID: "res-002", Name: "Carlos Rodríguez", Unit: "202", Building: "A"},
		{ID: "res-003", Name: "Ana Jiménez", Unit: "303", Building: "B"},
	}
	return map[string]any{
		"found":     true,
		"count":     len(residents),
		"residents": residents,
		"demo":      true,
	}
}
