// Package gate actuates the physical access points of a tenant.
//
// It resolves a logical access point (vehicular entry, vehicular exit,
// pedestrian) onto the configured door controller and door index, runs the
// device's open sequence, and records the outcome in the access and audit
// logs. Callers that manage their own persistence transaction (the QR
// consume path) use [Opener.Pulse], which touches only the device.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/pkg/isapi"
)

// Authorization classifies how an open request was authorized.
type Authorization string

const (
	// AuthPreauthorized marks a visit approved ahead of time.
	AuthPreauthorized Authorization = "preauthorized"

	// AuthRealtime marks an approval obtained during the call.
	AuthRealtime Authorization = "realtime"

	// AuthGuardOverride marks a manual decision by the guard.
	AuthGuardOverride Authorization = "guard_override"
)

// IsValid reports whether a is a known authorization kind.
func (a Authorization) IsValid() bool {
	switch a {
	case AuthPreauthorized, AuthRealtime, AuthGuardOverride:
		return true
	}
	return false
}

// Target is a resolved access point: the device that controls it and the
// door index to pulse.
type Target struct {
	AccessPoint store.AccessPoint
	Device      config.DeviceName
	Host        string
	Door        int

	// Client is ready to talk to the device.
	Client *isapi.Client
}

// Opener opens access points and records what happened.
type Opener struct {
	cfg      *config.Config
	registry *isapi.Registry
	store    store.Store
	metrics  *observe.Metrics
}

// New returns an Opener. A nil registry gets a fresh one; nil metrics fall
// back to the process-wide default.
func New(cfg *config.Config, reg *isapi.Registry, st store.Store, m *observe.Metrics) *Opener {
	if reg == nil {
		reg = isapi.NewRegistry()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Opener{cfg: cfg, registry: reg, store: st, metrics: m}
}

// Resolve maps an access point onto its device target.
func (o *Opener) Resolve(ap store.AccessPoint) (Target, error) {
	if !ap.IsValid() {
		return Target{}, fmt.Errorf("gate: unknown access point %q", ap)
	}
	apCfg, ok := o.cfg.AccessPoint(string(ap))
	if !ok {
		return Target{}, fmt.Errorf("gate: access point %q has no device mapping", ap)
	}
	dev, ok := o.cfg.Devices.ByName(apCfg.Device)
	if !ok || dev.Host == "" {
		return Target{}, fmt.Errorf("gate: device %q for access point %q not configured", apCfg.Device, ap)
	}

	client := o.registry.Client(dev.Host, o.cfg.Devices.Username, dev.Password,
		isapi.WithTimeout(o.cfg.Devices.Timeout))
	return Target{
		AccessPoint: ap,
		Device:      apCfg.Device,
		Host:        dev.Host,
		Door:        apCfg.Door,
		Client:      client,
	}, nil
}

// Pulse opens the access point without writing any log. The device fallback
// sequence and its single-attempt-per-variant policy live in the client.
func (o *Opener) Pulse(ctx context.Context, ap store.AccessPoint) (isapi.OpenResult, error) {
	target, err := o.Resolve(ap)
	if err != nil {
		return isapi.OpenResult{}, err
	}
	return target.Client.OpenDoor(ctx, target.Door), nil
}

// OpenRequest describes an audited open on behalf of a visit.
type OpenRequest struct {
	AccessPoint store.AccessPoint

	// VisitorName and ResidentID tie the actuation to the visit, when known.
	VisitorName string
	ResidentID  string

	// Authorization is how the open was approved.
	Authorization Authorization

	// Method names the requesting subsystem for the access log
	// ("voice_agent", "guard", ...).
	Method string
}

// Open resolves, pulses and records the open. The returned result reports
// the device outcome; err covers resolution and validation only. A pulse
// that reached the device is never failed retroactively because a log write
// broke; those errors are logged and swallowed.
func (o *Opener) Open(ctx context.Context, tenantID string, req OpenRequest) (isapi.OpenResult, error) {
	if !req.Authorization.IsValid() {
		return isapi.OpenResult{}, fmt.Errorf("gate: invalid authorization %q", req.Authorization)
	}
	target, err := o.Resolve(req.AccessPoint)
	if err != nil {
		return isapi.OpenResult{}, err
	}

	res := target.Client.OpenDoor(ctx, target.Door)

	status := "success"
	outcome := store.OutcomeSuccess
	if !res.Success {
		status = "failure"
		outcome = store.OutcomeFailure
	}
	o.metrics.RecordGateOpen(ctx, string(req.AccessPoint), res.Method, status)

	slog.Info("gate: open",
		"tenant", tenantID,
		"access_point", req.AccessPoint,
		"device", target.Host,
		"door", target.Door,
		"method", res.Method,
		"success", res.Success,
		"authorization", req.Authorization,
	)

	audit := store.AuditLog{
		TenantID:     tenantID,
		ActorType:    store.ActorAgent,
		ActorID:      req.ResidentID,
		ActorLabel:   req.VisitorName,
		Action:       "open_gate",
		ResourceType: "access_point",
		ResourceID:   string(req.AccessPoint),
		Outcome:      outcome,
		Message:      fmt.Sprintf("open %s via %s", req.AccessPoint, res.Method),
		Extra: map[string]any{
			"device_host":        target.Host,
			"door":               target.Door,
			"open_method":        res.Method,
			"authorization_type": string(req.Authorization),
		},
	}
	if err := o.store.AppendAuditLog(ctx, audit); err != nil {
		slog.Error("gate: audit log write failed", "err", err)
	}

	if res.Success {
		_, err := o.store.AppendAccessLog(ctx, store.AccessLog{
			TenantID:    tenantID,
			EventType:   store.EventOpenGate,
			AccessPoint: req.AccessPoint,
			Direction:   directionOf(req.AccessPoint),
			ResidentID:  req.ResidentID,
			Method:      req.Method,
			Extra: map[string]any{
				"visitor_name":       req.VisitorName,
				"authorization_type": string(req.Authorization),
				"open_method":        res.Method,
			},
		})
		if err != nil {
			slog.Error("gate: access log write failed", "err", err)
		}
	}

	return res, nil
}

// directionOf maps an access point onto the direction of the passage it
// grants.
func directionOf(ap store.AccessPoint) store.Direction {
	if ap == store.AccessVehicularExit {
		return store.DirectionExit
	}
	return store.DirectionEntry
}
