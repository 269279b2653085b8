package api

import (
	"fmt"
	"net/http"

	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/pkg/isapi"
)

type intercomRequest struct {
	ExtensionCalled string `json:"extension_called" validate:"required"`
	BotExtension    string `json:"bot_extension"`
	CallerID        string `json:"caller_id"`
}

// handleCallStart resolves the called extension onto its access point so the
// PBX dialplan can decide how to route the call.
func (s *Server) handleCallStart(w http.ResponseWriter, r *http.Request) {
	var req intercomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant := tenantID(r)

	route, err := s.resolveExtension(r, tenant, req.ExtensionCalled)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown extension")
		return
	}

	s.auditPBX(r, tenant, "intercom_call_start", store.OutcomeSuccess, route, map[string]any{
		"extension": req.ExtensionCalled,
		"caller_id": req.CallerID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"access_point": string(route.AccessPoint),
		"device_type":  route.DeviceType,
		"door_id":      route.DoorIndex,
	})
}

type dtmfRequest struct {
	ExtensionCalled string `json:"extension_called" validate:"required"`
	BotExtension    string `json:"bot_extension"`
	CallerID        string `json:"caller_id"`
	DTMF            string `json:"dtmf" validate:"required"`

	// Opened reports that the PBX already pulsed the door itself.
	Opened bool `json:"opened"`
}

// handleDTMF reacts to in-call keypresses. Only `*` opens; every digit is
// audited.
func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant := tenantID(r)

	if req.DTMF != "*" {
		s.auditPBX(r, tenant, "intercom_dtmf", store.OutcomeSuccess, store.ExtensionRoute{}, map[string]any{
			"extension": req.ExtensionCalled,
			"dtmf":      req.DTMF,
			"opened":    false,
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "opened": false})
		return
	}

	route, err := s.resolveExtension(r, tenant, req.ExtensionCalled)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown extension")
		return
	}

	opened := req.Opened
	method := "pbx"
	if !opened {
		res := s.deviceFor(route).OpenDoor(r.Context(), route.DoorIndex)
		opened = res.Success
		method = res.Method
	}

	outcome := store.OutcomeSuccess
	if !opened {
		outcome = store.OutcomeFailure
	}
	s.auditPBX(r, tenant, "open_gate", outcome, route, map[string]any{
		"extension": req.ExtensionCalled,
		"dtmf":      req.DTMF,
		"opened":    opened,
		"method":    method,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"opened":       opened,
		"access_point": string(route.AccessPoint),
	})
}

// resolveExtension looks up an enabled extension mapping. Disabled rows are
// indistinguishable from absent ones.
func (s *Server) resolveExtension(r *http.Request, tenant, extension string) (store.ExtensionRoute, error) {
	route, err := s.store.ExtensionByDigits(r.Context(), tenant, extension)
	if err != nil {
		return store.ExtensionRoute{}, err
	}
	if !route.Enabled {
		return store.ExtensionRoute{}, store.ErrUnknownExtension
	}
	return route, nil
}

// deviceFor returns a client for the mapped device host, resolving the
// password from whichever configured device block matches.
func (s *Server) deviceFor(route store.ExtensionRoute) *isapi.Client {
	password := ""
	for _, dev := range []struct{ host, pass string }{
		{s.cfg.Devices.Panel.Host, s.cfg.Devices.Panel.Password},
		{s.cfg.Devices.Pedestrian.Host, s.cfg.Devices.Pedestrian.Password},
		{s.cfg.Devices.Biometric1.Host, s.cfg.Devices.Biometric1.Password},
		{s.cfg.Devices.Biometric2.Host, s.cfg.Devices.Biometric2.Password},
	} {
		if dev.host == route.DeviceHost {
			password = dev.pass
			break
		}
	}
	return s.registry.Client(route.DeviceHost, s.cfg.Devices.Username, password,
		isapi.WithTimeout(s.cfg.Devices.Timeout))
}

func (s *Server) auditPBX(r *http.Request, tenant, action string, outcome store.Outcome, route store.ExtensionRoute, extra map[string]any) {
	if route.DeviceHost != "" {
		extra["device_host"] = route.DeviceHost
		extra["door"] = route.DoorIndex
	}
	err := s.store.AppendAuditLog(r.Context(), store.AuditLog{
		TenantID:     tenant,
		ActorType:    store.ActorPBX,
		Action:       action,
		ResourceType: "access_point",
		ResourceID:   string(route.AccessPoint),
		Outcome:      outcome,
		Message:      fmt.Sprintf("pbx %s", action),
		Extra:        extra,
	})
	if err != nil {
		// PBX flows must answer fast; a lost audit row is logged, not fatal.
		writeAuditFailure(err)
	}
}
