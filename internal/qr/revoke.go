package qr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/javierd009/agente-portero/internal/store"
)

// RevokeResult reports a revocation. AlreadyRevoked is true when the token
// carried an earlier revocation stamp, which is preserved.
type RevokeResult struct {
	AlreadyRevoked bool
	Token          store.QRToken
}

// Revoke invalidates a token and its credential. Only the issuing resident
// may revoke; anyone else gets [store.ErrForbidden]. Revoking an already
// revoked token succeeds without re-stamping. The audit entry is written
// on every successful call, repeat or not.
func (s *Service) Revoke(ctx context.Context, tenantID, residentID, token string) (out RevokeResult, err error) {
	defer func() { s.metrics.RecordQROp(ctx, "revoke", opStatus(err)) }()

	if residentID == "" {
		return RevokeResult{}, fmt.Errorf("qr: resident id required")
	}
	if token == "" {
		return RevokeResult{}, fmt.Errorf("qr: token required")
	}

	now := time.Now().UTC()
	err = s.store.Atomically(ctx, func(tx store.Store) error {
		tok, terr := tx.TokenByValue(ctx, tenantID, token)
		if terr != nil {
			return terr
		}
		if tok.ResidentID != residentID {
			return store.ErrForbidden
		}

		already := tok.RevokedAt != nil
		if !already {
			if rerr := tx.RevokeToken(ctx, tenantID, tok.ID, now); rerr != nil {
				return rerr
			}
			if rerr := tx.RevokeCredential(ctx, tenantID, tok.CredentialID, now); rerr != nil {
				return rerr
			}
			stamp := now
			tok.RevokedAt = &stamp
		}

		out = RevokeResult{AlreadyRevoked: already, Token: tok}
		return tx.AppendAuditLog(ctx, store.AuditLog{
			TenantID:     tenantID,
			ActorType:    store.ActorResident,
			ActorID:      residentID,
			Action:       "revoke_qr",
			ResourceType: "qr_token",
			ResourceID:   tok.ID,
			Outcome:      store.OutcomeSuccess,
			Message:      fmt.Sprintf("revoked qr for %s", tok.EmployeeNo),
			Extra:        map[string]any{"already_revoked": already},
			CreatedAt:    now,
		})
	})
	if err != nil {
		return RevokeResult{}, fmt.Errorf("qr: revoke: %w", err)
	}

	slog.Info("qr: revoked",
		"tenant", tenantID,
		"resident", residentID,
		"token", out.Token.ID,
		"already_revoked", out.AlreadyRevoked)
	return out, nil
}
