package qr

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/javierd009/agente-portero/internal/store"
)

// ConsumeRequest is one presentation of a QR token at an access point.
type ConsumeRequest struct {
	Token       string
	AccessPoint store.AccessPoint
	Direction   store.Direction
}

// ConsumeResult reports a consumption decision. Accepted reflects the
// credential check alone; GateOpened reflects what the device did.
type ConsumeResult struct {
	Accepted   bool
	GateOpened bool

	// OpenMethod is the device command that succeeded, when one did.
	OpenMethod string

	// Token is the post-increment token state.
	Token store.QRToken
}

// Consume validates a token against an access point and, when accepted,
// increments its counters, pulses the mapped door and appends the passage
// and audit rows, all in one transaction. Preconditions run in a fixed
// order and the first failure wins: unknown token, revoked, expired,
// access point not allowed, uses exhausted.
//
// A device that refuses to open does not fail the consumption: the token
// use still counts and GateOpened records what happened.
func (s *Service) Consume(ctx context.Context, tenantID string, req ConsumeRequest) (out ConsumeResult, err error) {
	defer func() { s.metrics.RecordQROp(ctx, "consume", opStatus(err)) }()

	if req.Token == "" {
		return ConsumeResult{}, fmt.Errorf("qr: token required")
	}
	if !req.AccessPoint.IsValid() {
		return ConsumeResult{}, fmt.Errorf("qr: unknown access point %q", req.AccessPoint)
	}
	if !req.Direction.IsValid() {
		return ConsumeResult{}, fmt.Errorf("qr: unknown direction %q", req.Direction)
	}

	now := time.Now().UTC()
	var denied store.QRToken
	deny := func(tok store.QRToken, reason error) error {
		denied = tok
		return reason
	}
	err = s.store.Atomically(ctx, func(tx store.Store) error {
		tok, terr := tx.TokenByValue(ctx, tenantID, req.Token)
		if terr != nil {
			return terr
		}
		if tok.RevokedAt != nil {
			return deny(tok, store.ErrRevoked)
		}
		if !tok.ExpiresAt.After(now) {
			return deny(tok, store.ErrExpired)
		}
		if !slices.Contains(tok.AllowedAccessPoints, req.AccessPoint) {
			return deny(tok, store.ErrForbidden)
		}
		if tok.MaxUses > 0 && tok.UseCount >= tok.MaxUses {
			return deny(tok, store.ErrUsedUp)
		}

		updated, uerr := tx.RecordTokenUse(ctx, tenantID, tok.ID, now)
		if uerr != nil {
			return uerr
		}
		if cerr := tx.RecordCredentialUse(ctx, tenantID, tok.CredentialID, now); cerr != nil {
			return cerr
		}

		res, gerr := s.opener.Pulse(ctx, req.AccessPoint)
		opened := gerr == nil && res.Success
		if gerr != nil {
			slog.Warn("qr: gate pulse failed",
				"token", tok.ID, "access_point", req.AccessPoint, "error", gerr)
		}

		event := store.EventEntry
		if req.Direction == store.DirectionExit {
			event = store.EventExit
		}
		if _, lerr := tx.AppendAccessLog(ctx, store.AccessLog{
			TenantID:    tenantID,
			EventType:   event,
			AccessPoint: req.AccessPoint,
			Direction:   req.Direction,
			ResidentID:  tok.ResidentID,
			VisitorID:   tok.VisitorID,
			Method:      "qr",
			Extra: map[string]any{
				"token_id":    tok.ID,
				"use_count":   updated.UseCount,
				"gate_opened": opened,
				"open_method": res.Method,
			},
			CreatedAt: now,
		}); lerr != nil {
			return lerr
		}
		if aerr := tx.AppendAuditLog(ctx, store.AuditLog{
			TenantID:     tenantID,
			ActorType:    store.ActorVisitor,
			ActorID:      tok.VisitorID,
			Action:       "consume_qr",
			ResourceType: "qr_token",
			ResourceID:   tok.ID,
			Outcome:      store.OutcomeSuccess,
			Message:      fmt.Sprintf("consumed at %s (%s), gate_opened=%t", req.AccessPoint, req.Direction, opened),
			Extra: map[string]any{
				"access_point": string(req.AccessPoint),
				"direction":    string(req.Direction),
				"gate_opened":  opened,
				"open_method":  res.Method,
				"use_count":    updated.UseCount,
			},
			CreatedAt: now,
		}); aerr != nil {
			return aerr
		}

		out = ConsumeResult{Accepted: true, GateOpened: opened, OpenMethod: res.Method, Token: updated}
		return nil
	})
	if err != nil {
		// A classified denial still leaves an audit trace; the transaction
		// that carried the precondition check has already rolled back.
		if denied.ID != "" {
			if aerr := s.store.AppendAuditLog(ctx, store.AuditLog{
				TenantID:     tenantID,
				ActorType:    store.ActorVisitor,
				ActorID:      denied.VisitorID,
				Action:       "consume_qr",
				ResourceType: "qr_token",
				ResourceID:   denied.ID,
				Outcome:      store.OutcomeFailure,
				Message:      fmt.Sprintf("consume denied at %s: %s", req.AccessPoint, opStatus(err)),
				Extra: map[string]any{
					"access_point": string(req.AccessPoint),
					"direction":    string(req.Direction),
					"reason":       opStatus(err),
				},
				CreatedAt: now,
			}); aerr != nil {
				slog.Warn("qr: denial audit failed", "token", denied.ID, "error", aerr)
			}
		}
		return ConsumeResult{}, fmt.Errorf("qr: consume: %w", err)
	}

	slog.Info("qr: consumed",
		"tenant", tenantID,
		"token", out.Token.ID,
		"access_point", req.AccessPoint,
		"direction", req.Direction,
		"use_count", out.Token.UseCount,
		"gate_opened", out.GateOpened)
	return out, nil
}
