package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/javierd009/agente-portero/internal/qr"
	"github.com/javierd009/agente-portero/internal/store"
)

type issueRequest struct {
	ResidentID    string    `json:"resident_id" validate:"required"`
	VisitorName   string    `json:"visitor_name" validate:"required"`
	Plate         string    `json:"plate"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidUntil    time.Time `json:"valid_until" validate:"required"`
	AccessPoints  []string  `json:"access_points" validate:"required,min=1"`
	MaxUses       int       `json:"max_uses" validate:"gte=0"`
	Authorization string    `json:"authorization_type" validate:"required"`
}

type issueResponse struct {
	VisitorID    string   `json:"visitor_id"`
	CredentialID string   `json:"credential_id"`
	TokenID      string   `json:"qr_token_id"`
	Token        string   `json:"token"`
	CardNo       string   `json:"card_no"`
	EmployeeNo   string   `json:"employee_no"`
	URL          string   `json:"url"`
	ExpiresAt    string   `json:"expires_at"`
	Provisioned  bool     `json:"provisioned"`
	Devices      []string `json:"devices"`
}

func (s *Server) handleQRIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	points := make([]store.AccessPoint, len(req.AccessPoints))
	for i, p := range req.AccessPoints {
		points[i] = store.AccessPoint(p)
	}
	if _, err := store.NormalizeAccessPoints(points); err != nil {
		writeError(w, http.StatusBadRequest, "unknown access point")
		return
	}
	if !store.AuthorizationType(req.Authorization).IsValid() {
		writeError(w, http.StatusBadRequest, "unknown authorization_type")
		return
	}
	if !req.ValidFrom.IsZero() && !req.ValidFrom.Before(req.ValidUntil) {
		writeError(w, http.StatusBadRequest, "validity window is empty")
		return
	}

	issued, err := s.qr.Issue(r.Context(), tenantID(r), qr.IssueRequest{
		ResidentID:    req.ResidentID,
		VisitorName:   req.VisitorName,
		Plate:         req.Plate,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		AccessPoints:  points,
		MaxUses:       req.MaxUses,
		Authorization: store.AuthorizationType(req.Authorization),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueResponse{
		VisitorID:    issued.Visitor.ID,
		CredentialID: issued.Credential.ID,
		TokenID:      issued.Token.ID,
		Token:        issued.Token.Token,
		CardNo:       issued.Token.CardNo,
		EmployeeNo:   issued.Token.EmployeeNo,
		URL:          s.cfg.Server.PublicBaseURL + "/qr/" + issued.Token.Token,
		ExpiresAt:    issued.Token.ExpiresAt.Format(time.RFC3339),
		Provisioned:  len(issued.Devices) > 0,
		Devices:      issued.Devices,
	})
}

type consumeRequest struct {
	Token       string `json:"token" validate:"required"`
	AccessPoint string `json:"access_point" validate:"required"`
	Direction   string `json:"direction" validate:"required"`
}

func (s *Server) handleQRConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ap := store.AccessPoint(req.AccessPoint)
	dir := store.Direction(req.Direction)
	if !ap.IsValid() || !dir.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown access point or direction")
		return
	}

	res, err := s.qr.Consume(r.Context(), tenantID(r), qr.ConsumeRequest{
		Token:       req.Token,
		AccessPoint: ap,
		Direction:   dir,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	body := map[string]any{
		"accepted":    res.Accepted,
		"use_count":   res.Token.UseCount,
		"gate_opened": res.GateOpened,
	}
	if res.Token.MaxUses > 0 {
		body["max_uses"] = res.Token.MaxUses
	}
	if res.OpenMethod != "" {
		body["gate_method"] = res.OpenMethod
	}
	writeJSON(w, http.StatusOK, body)
}

type revokeRequest struct {
	ResidentID string `json:"resident_id" validate:"required"`
	Token      string `json:"token" validate:"required"`
	Reason     string `json:"reason"`
}

func (s *Server) handleQRRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.qr.Revoke(r.Context(), tenantID(r), req.ResidentID, req.Token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked":         true,
		"already_revoked": res.AlreadyRevoked,
		"token":           res.Token.Token,
	})
}

// handleQRScan is the public landing endpoint: the printable token is the
// capability. The HTTP status mirrors the state so a scanner app can branch
// without parsing the body.
func (s *Server) handleQRScan(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	res, err := s.qr.Scan(r.Context(), token)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	body := map[string]any{
		"state":       string(res.State),
		"valid_until": res.Token.ExpiresAt.Format(time.RFC3339),
	}
	if res.Token.MaxUses > 0 {
		body["uses_remaining"] = max(res.Token.MaxUses-res.Token.UseCount, 0)
	}

	status := http.StatusOK
	if res.State != qr.StateActive {
		status = http.StatusGone
	}
	writeJSON(w, status, body)
}
