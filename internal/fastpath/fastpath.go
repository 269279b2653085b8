// Package fastpath turns a resident's literal open-door command into a door
// pulse without involving the language model.
//
// A small table of case-insensitive regexes maps text onto a closed set of
// actions. Matched actions are debounced per process so a double-tap sends
// one device command, then dispatched through the access-device client with
// the configured payload dialect. Unmatched text is reported back so the
// caller can fall through to the conversational path.
package fastpath

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/gate"
	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/pkg/isapi"
)

// Action is one recognised door command.
type Action string

const (
	ActionVehicularEntry Action = "vehicular_entry_panel"
	ActionVehicularExit  Action = "vehicular_exit_panel"
	ActionPedestrian     Action = "pedestrian_door"
)

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	switch a {
	case ActionVehicularEntry, ActionVehicularExit, ActionPedestrian:
		return true
	}
	return false
}

// AccessPoint maps the action onto the access point it actuates.
func (a Action) AccessPoint() store.AccessPoint {
	switch a {
	case ActionVehicularExit:
		return store.AccessVehicularExit
	case ActionPedestrian:
		return store.AccessPedestrian
	default:
		return store.AccessVehicularEntry
	}
}

// label is the Spanish name used in user-facing messages.
func (a Action) label() string {
	switch a {
	case ActionVehicularExit:
		return "Salida"
	case ActionPedestrian:
		return "Puerta peatonal"
	default:
		return "Entrada"
	}
}

// commandTable holds the recognisers, first match wins. Residents type these
// from WhatsApp, so the patterns tolerate accents and filler words but stay
// anchored: a sentence that merely mentions opening must not fire.
var commandTable = []struct {
	re     *regexp.Regexp
	action Action
}{
	{regexp.MustCompile(`(?i)^\s*(abrir|abre|abra)\s+(la\s+)?(salida|port[oó]n\s+(de\s+)?salida)\s*$`), ActionVehicularExit},
	{regexp.MustCompile(`(?i)^\s*(abrir|abre|abra)\s+(la\s+)?(puerta\s+)?peatonal\s*$`), ActionPedestrian},
	{regexp.MustCompile(`(?i)^\s*(abrir|abre|abra)\s+(la\s+)?(entrada|port[oó]n(\s+(de\s+)?(entrada|vehicular))?)\s*$`), ActionVehicularEntry},
}

// Classify maps command text onto an action. Reports false for anything the
// table does not recognise.
func Classify(text string) (Action, bool) {
	text = strings.TrimSpace(text)
	for _, row := range commandTable {
		if row.re.MatchString(text) {
			return row.action, true
		}
	}
	return "", false
}

// Result is the outcome of one dispatch.
type Result struct {
	// Matched reports whether the text was a recognised command at all.
	// When false the caller should fall through to the conversational path.
	Matched bool

	// OK reports whether the command is considered satisfied.
	OK bool

	// Debounced is set when a recent identical command already opened the
	// door and the device was deliberately not touched.
	Debounced bool

	Action Action

	// Message is the short human-safe reply for the resident. Raw device
	// payloads never appear here.
	Message string

	// Context carries the log fields of the attempt.
	Context map[string]any
}

// Actor identifies who issued the command, for the audit trail.
type Actor struct {
	Channel    string
	Phone      string
	ResidentID string
	MessageID  string
}

// Dispatcher executes fast-path commands. The debounce table is the only
// mutable state and is mutex-guarded.
type Dispatcher struct {
	cfg     *config.Config
	opener  *gate.Opener
	store   store.Store
	metrics *observe.Metrics

	mu       sync.Mutex
	lastOpen map[Action]time.Time
	now      func() time.Time
}

// New returns a dispatcher. Nil metrics fall back to the process default.
func New(cfg *config.Config, opener *gate.Opener, st store.Store, m *observe.Metrics) *Dispatcher {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Dispatcher{
		cfg:      cfg,
		opener:   opener,
		store:    st,
		metrics:  m,
		lastOpen: make(map[Action]time.Time),
		now:      time.Now,
	}
}

// Dispatch classifies and executes one command.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, text string, actor Actor) Result {
	action, ok := Classify(text)
	if !ok {
		return Result{Matched: false}
	}

	if d.debounced(action) {
		d.metrics.RecordFastPathCommand(ctx, string(action), "debounced")
		slog.Info("fastpath: debounced", "tenant", tenantID, "action", action)
		return Result{
			Matched:   true,
			OK:        true,
			Debounced: true,
			Action:    action,
			Message:   successMessage(action),
			Context:   map[string]any{"debounced": true},
		}
	}

	res, logCtx := d.pulse(ctx, action)

	status := "success"
	outcome := store.OutcomeSuccess
	if !res.Success {
		status = "failure"
		outcome = store.OutcomeFailure
	} else {
		d.stamp(action)
	}
	d.metrics.RecordFastPathCommand(ctx, string(action), status)

	d.audit(ctx, tenantID, action, actor, outcome, logCtx)

	if !res.Success {
		slog.Warn("fastpath: open failed",
			"tenant", tenantID, "action", action, "status", res.Status, "err", res.Err)
		return Result{
			Matched: true,
			Action:  action,
			Message: fmt.Sprintf("No pude abrir %s. Intentá de nuevo o contactá al oficial.", strings.ToLower(action.label())),
			Context: logCtx,
		}
	}

	slog.Info("fastpath: opened",
		"tenant", tenantID, "action", action, "method", res.Method)
	return Result{
		Matched: true,
		OK:      true,
		Action:  action,
		Message: successMessage(action),
		Context: logCtx,
	}
}

// pulse runs the device sequence for an action under the fast-path timeout
// and the configured payload dialect. Auto mode tries strict then legacy and
// layers exactly one retry of the whole sequence.
func (d *Dispatcher) pulse(ctx context.Context, action Action) (isapi.OpenResult, map[string]any) {
	mode := d.cfg.FastPath.ModeFor(string(action))
	logCtx := map[string]any{"action": string(action), "xml_mode": string(mode)}

	target, err := d.opener.Resolve(action.AccessPoint())
	if err != nil {
		return isapi.OpenResult{Err: err.Error()}, logCtx
	}
	logCtx["device_host"] = target.Host
	logCtx["door"] = target.Door

	client := target.Client.WithAttemptTimeout(d.cfg.FastPath.OpenTimeout)

	var variants []isapi.Variant
	switch mode {
	case config.XMLModeStrict:
		variants = []isapi.Variant{isapi.VariantStrict}
	case config.XMLModeLegacy:
		variants = []isapi.Variant{isapi.VariantLegacy}
	default:
		variants = []isapi.Variant{isapi.VariantStrict, isapi.VariantLegacy}
	}

	res := client.OpenDoorVariants(ctx, target.Door, variants...)
	if !res.Success && mode == config.XMLModeAuto {
		res = client.OpenDoorVariants(ctx, target.Door, variants...)
		logCtx["retried"] = true
	}
	logCtx["method"] = res.Method
	return res, logCtx
}

// debounced reports whether the action fired successfully inside the window.
func (d *Dispatcher) debounced(action Action) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastOpen[action]
	return ok && d.now().Sub(last) < d.cfg.FastPath.Debounce
}

// stamp records a successful open; failures never arm the debounce, so the
// resident can retry immediately.
func (d *Dispatcher) stamp(action Action) {
	d.mu.Lock()
	d.lastOpen[action] = d.now()
	d.mu.Unlock()
}

func (d *Dispatcher) audit(ctx context.Context, tenantID string, action Action, actor Actor, outcome store.Outcome, logCtx map[string]any) {
	extra := map[string]any{
		"channel":    actor.Channel,
		"message_id": actor.MessageID,
	}
	for k, v := range logCtx {
		extra[k] = v
	}
	err := d.store.AppendAuditLog(ctx, store.AuditLog{
		TenantID:     tenantID,
		ActorType:    store.ActorResident,
		ActorID:      actor.ResidentID,
		ActorLabel:   actor.Phone,
		Action:       "fast_path_open",
		ResourceType: "access_point",
		ResourceID:   string(action.AccessPoint()),
		Outcome:      outcome,
		Message:      fmt.Sprintf("fast path %s", action),
		Extra:        extra,
	})
	if err != nil {
		slog.Error("fastpath: audit write failed", "err", err)
	}
}

func successMessage(action Action) string {
	return fmt.Sprintf("Listo. %s abierto.", action.label())
}
