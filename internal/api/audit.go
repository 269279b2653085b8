package api

import (
	"fmt"
	"net/http"

	"github.com/javierd009/agente-portero/internal/store"
)

type logOpenRequest struct {
	AccessPoint  string `json:"access_point" validate:"required"`
	Success      bool   `json:"success"`
	ActorChannel string `json:"actor_channel" validate:"required"`
	ActorPhone   string `json:"actor_phone"`
	MessageID    string `json:"message_id"`
	ResidentID   string `json:"resident_id"`
	DeviceHost   string `json:"device_host"`
	DoorID       int    `json:"door_id"`
	Method       string `json:"method"`
}

// handleLogOpen is the audit sink for open flows executed outside this
// process. The access and audit rows land in one transaction so readers
// never see half the story.
func (s *Server) handleLogOpen(w http.ResponseWriter, r *http.Request) {
	var req logOpenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ap := store.AccessPoint(req.AccessPoint)
	if !ap.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown access point")
		return
	}
	tenant := tenantID(r)

	outcome := store.OutcomeSuccess
	if !req.Success {
		outcome = store.OutcomeFailure
	}

	err := s.store.Atomically(r.Context(), func(tx store.Store) error {
		if req.Success {
			if _, err := tx.AppendAccessLog(r.Context(), store.AccessLog{
				TenantID:    tenant,
				EventType:   store.EventOpenGate,
				AccessPoint: ap,
				Direction:   store.DirectionEntry,
				ResidentID:  req.ResidentID,
				Method:      req.Method,
				Extra: map[string]any{
					"channel":     req.ActorChannel,
					"phone":       req.ActorPhone,
					"message_id":  req.MessageID,
					"device_host": req.DeviceHost,
					"door":        req.DoorID,
				},
			}); err != nil {
				return err
			}
		}
		return tx.AppendAuditLog(r.Context(), store.AuditLog{
			TenantID:     tenant,
			ActorType:    store.ActorResident,
			ActorID:      req.ResidentID,
			ActorLabel:   req.ActorPhone,
			Action:       "open_gate",
			ResourceType: "access_point",
			ResourceID:   req.AccessPoint,
			Outcome:      outcome,
			Message:      fmt.Sprintf("open via %s", req.ActorChannel),
			Extra: map[string]any{
				"channel":     req.ActorChannel,
				"message_id":  req.MessageID,
				"device_host": req.DeviceHost,
				"door":        req.DoorID,
				"method":      req.Method,
			},
		})
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
