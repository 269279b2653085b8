// Package visits implements the visit flows behind the voice agent's tools:
// pre-authorization lookup, authorization requests to residents, and the
// visit log.
package visits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/javierd009/agente-portero/internal/store"
)

// Service answers visit questions for one persistence backend.
type Service struct {
	store store.Store
}

// New returns a visit service over st.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// Preauthorization is the answer to a pre-authorization lookup. When
// Authorized is false the remaining fields are zero.
type Preauthorization struct {
	Authorized bool

	// AuthorizationID identifies the approved visitor record.
	AuthorizationID string

	// ExpiresAt is when the authorization window closes.
	ExpiresAt time.Time

	// Visitor is the matched record, for the agent to confirm details.
	Visitor store.Visitor
}

// PreauthQuery narrows a pre-authorization lookup. All fields are optional;
// a zero Now means the current instant.
type PreauthQuery struct {
	VisitorName string
	ResidentID  string
	Unit        string
	Now         time.Time
}

// CheckPreauthorized looks for an approved visitor whose validity window
// covers the query instant. When several match, the one expiring soonest
// wins.
func (s *Service) CheckPreauthorized(ctx context.Context, tenantID string, q PreauthQuery) (Preauthorization, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	found, err := s.store.FindPreauthorized(ctx, tenantID, store.PreauthQuery{
		VisitorName: q.VisitorName,
		ResidentID:  q.ResidentID,
		Unit:        q.Unit,
		Now:         now,
	})
	if err != nil {
		return Preauthorization{}, fmt.Errorf("visits: check preauthorized: %w", err)
	}
	if len(found) == 0 {
		return Preauthorization{}, nil
	}

	v := found[0]
	return Preauthorization{
		Authorized:      true,
		AuthorizationID: v.ID,
		ExpiresAt:       v.ValidUntil,
		Visitor:         v,
	}, nil
}

// AuthorizationAsk is a request to a resident to approve a visitor at the
// gate right now.
type AuthorizationAsk struct {
	ResidentID  string
	VisitorName string
	Company     string
	Reason      string
}

// RequestAuthorization records a pending authorization request addressed to
// the resident and returns its id. Delivery to the resident and their answer
// travel on a separate channel; from the call's perspective this is
// fire-and-forget.
func (s *Service) RequestAuthorization(ctx context.Context, tenantID string, ask AuthorizationAsk) (string, error) {
	if ask.ResidentID == "" {
		return "", fmt.Errorf("visits: request authorization: resident id required")
	}
	if ask.VisitorName == "" {
		return "", fmt.Errorf("visits: request authorization: visitor name required")
	}

	// The resident must exist in this tenant before we promise the caller
	// an answer.
	if _, err := s.store.ResidentByID(ctx, tenantID, ask.ResidentID); err != nil {
		return "", fmt.Errorf("visits: request authorization: %w", err)
	}

	req := store.AuthorizationRequest{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		ResidentID:  ask.ResidentID,
		VisitorName: ask.VisitorName,
		Company:     ask.Company,
		Reason:      ask.Reason,
		Status:      "pending",
	}
	if err := s.store.CreateAuthorizationRequest(ctx, req); err != nil {
		return "", fmt.Errorf("visits: request authorization: %w", err)
	}

	slog.Info("visits: authorization requested",
		"tenant", tenantID,
		"resident", ask.ResidentID,
		"visitor", ask.VisitorName,
		"request_id", req.ID,
	)
	return req.ID, nil
}

// VisitEntry describes one concierge interaction to record.
type VisitEntry struct {
	VisitorName string
	ResidentID  string
	Unit        string
	Status      store.VisitStatus
	Notes       string
}

// LogVisit appends the interaction to the access log and returns the log id.
// The event type follows the visit status; details the schema has no column
// for ride along in the extra payload.
func (s *Service) LogVisit(ctx context.Context, tenantID string, e VisitEntry) (string, error) {
	if !e.Status.IsValid() {
		return "", fmt.Errorf("visits: log visit: invalid status %q", e.Status)
	}

	extra := map[string]any{
		"visitor_name": e.VisitorName,
		"status":       string(e.Status),
	}
	if e.Unit != "" {
		extra["unit"] = e.Unit
	}
	if e.Notes != "" {
		extra["notes"] = e.Notes
	}

	id, err := s.store.AppendAccessLog(ctx, store.AccessLog{
		TenantID:   tenantID,
		EventType:  e.Status.EventType(),
		ResidentID: e.ResidentID,
		Method:     "voice_agent",
		Extra:      extra,
	})
	if err != nil {
		return "", fmt.Errorf("visits: log visit: %w", err)
	}
	return id, nil
}
