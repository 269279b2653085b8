package qr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/javierd009/agente-portero/internal/store"
)

// TokenState classifies a token for the public landing page.
type TokenState string

const (
	StateActive  TokenState = "active"
	StateRevoked TokenState = "revoked"
	StateExpired TokenState = "expired"
	StateUsed    TokenState = "used"
)

// ScanResult is the outcome of a read-only token lookup.
type ScanResult struct {
	State TokenState
	Token store.QRToken
}

// Scan classifies a token without touching counters or devices. The lookup
// is tenantless: the token value itself is the capability, and the audit
// row lands under the tenant the token belongs to.
func (s *Service) Scan(ctx context.Context, token string) (out ScanResult, err error) {
	defer func() { s.metrics.RecordQROp(ctx, "scan", opStatus(err)) }()

	if token == "" {
		return ScanResult{}, fmt.Errorf("qr: token required")
	}
	tok, err := s.store.LookupToken(ctx, token)
	if err != nil {
		return ScanResult{}, err
	}

	state := classify(tok, time.Now().UTC())
	if aerr := s.store.AppendAuditLog(ctx, store.AuditLog{
		TenantID:     tok.TenantID,
		ActorType:    store.ActorSystem,
		Action:       "scan_qr",
		ResourceType: "qr_token",
		ResourceID:   tok.ID,
		Outcome:      store.OutcomeSuccess,
		Message:      fmt.Sprintf("scanned: %s", state),
		Extra:        map[string]any{"state": string(state)},
	}); aerr != nil {
		// The landing page still renders; the miss is logged instead.
		slog.Warn("qr: scan audit failed", "token", tok.ID, "error", aerr)
	}
	return ScanResult{State: state, Token: tok}, nil
}

// classify mirrors the consume precondition order.
func classify(tok store.QRToken, now time.Time) TokenState {
	switch {
	case tok.RevokedAt != nil:
		return StateRevoked
	case !tok.ExpiresAt.After(now):
		return StateExpired
	case tok.MaxUses > 0 && tok.UseCount >= tok.MaxUses:
		return StateUsed
	default:
		return StateActive
	}
}
