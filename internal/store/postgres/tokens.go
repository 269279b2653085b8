package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/javierd009/agente-portero/internal/store"
)

// tokenColumns selects a QR token joined with the access-point list of its
// underlying credential, so one lookup carries everything a consume check
// needs.
const tokenColumns = `
	SELECT t.id, t.tenant_id, t.credential_id, t.visitor_id, t.resident_id,
	       t.token, t.card_no, t.employee_no, c.allowed_access_points,
	       t.expires_at, t.max_uses, t.use_count, t.used_at, t.revoked_at,
	       t.created_at
	FROM   qr_tokens t
	JOIN   access_credentials c ON c.id = t.credential_id`

// CreateToken implements [store.Store.CreateToken].
func (s *Store) CreateToken(ctx context.Context, t store.QRToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	const q = `
		INSERT INTO qr_tokens
		    (id, tenant_id, credential_id, visitor_id, resident_id,
		     token, card_no, employee_no, expires_at, max_uses, use_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.Exec(ctx, q,
		t.ID, t.TenantID, t.CredentialID, t.VisitorID, t.ResidentID,
		t.Token, t.CardNo, t.EmployeeNo, t.ExpiresAt, t.MaxUses, t.UseCount,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("postgres: create token: %w", err)
	}
	return nil
}

// TokenByValue implements [store.Store.TokenByValue]. Inside a transaction
// the token row is locked until commit, serializing concurrent consumes of
// the same token.
func (s *Store) TokenByValue(ctx context.Context, tenantID, token string) (store.QRToken, error) {
	q := tokenColumns + "\n\tWHERE  t.tenant_id = $1 AND t.token = $2"
	if s.inTx {
		q += "\n\tFOR UPDATE OF t"
	}

	t, err := s.scanToken(s.db.QueryRow(ctx, q, tenantID, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.QRToken{}, store.ErrNotFound
		}
		return store.QRToken{}, fmt.Errorf("postgres: token lookup: %w", err)
	}
	return t, nil
}

// LookupToken implements [store.Store.LookupToken].
func (s *Store) LookupToken(ctx context.Context, token string) (store.QRToken, error) {
	q := tokenColumns + "\n\tWHERE  t.token = $1"

	t, err := s.scanToken(s.db.QueryRow(ctx, q, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.QRToken{}, store.ErrNotFound
		}
		return store.QRToken{}, fmt.Errorf("postgres: token lookup: %w", err)
	}
	return t, nil
}

// RecordTokenUse implements [store.Store.RecordTokenUse].
func (s *Store) RecordTokenUse(ctx context.Context, tenantID, id string, now time.Time) (store.QRToken, error) {
	const q = `
		UPDATE qr_tokens t
		SET    use_count = t.use_count + 1, used_at = $3
		FROM   access_credentials c
		WHERE  t.tenant_id = $1 AND t.id = $2 AND c.id = t.credential_id
		RETURNING t.id, t.tenant_id, t.credential_id, t.visitor_id, t.resident_id,
		          t.token, t.card_no, t.employee_no, c.allowed_access_points,
		          t.expires_at, t.max_uses, t.use_count, t.used_at, t.revoked_at,
		          t.created_at`

	t, err := s.scanToken(s.db.QueryRow(ctx, q, tenantID, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.QRToken{}, store.ErrNotFound
		}
		return store.QRToken{}, fmt.Errorf("postgres: record token use: %w", err)
	}
	return t, nil
}

// RevokeToken implements [store.Store.RevokeToken].
func (s *Store) RevokeToken(ctx context.Context, tenantID, id string, now time.Time) error {
	const q = `
		UPDATE qr_tokens
		SET    revoked_at = $3
		WHERE  tenant_id = $1 AND id = $2 AND revoked_at IS NULL`

	tag, err := s.db.Exec(ctx, q, tenantID, id, now)
	if err != nil {
		return fmt.Errorf("postgres: revoke token: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows means either the token is already revoked (fine) or it does
	// not exist.
	var exists bool
	const check = `SELECT EXISTS (SELECT 1 FROM qr_tokens WHERE tenant_id = $1 AND id = $2)`
	if err := s.db.QueryRow(ctx, check, tenantID, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: revoke token check: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

// scanToken scans a token row in tokenColumns order.
func (s *Store) scanToken(row pgx.Row) (store.QRToken, error) {
	var (
		t         store.QRToken
		points    []byte
		usedAt    *time.Time
		revokedAt *time.Time
	)
	if err := row.Scan(
		&t.ID, &t.TenantID, &t.CredentialID, &t.VisitorID, &t.ResidentID,
		&t.Token, &t.CardNo, &t.EmployeeNo, &points,
		&t.ExpiresAt, &t.MaxUses, &t.UseCount, &usedAt, &revokedAt,
		&t.CreatedAt,
	); err != nil {
		return store.QRToken{}, err
	}
	t.UsedAt = usedAt
	t.RevokedAt = revokedAt
	var err error
	if t.AllowedAccessPoints, err = unmarshalPoints(points); err != nil {
		return store.QRToken{}, err
	}
	return t, nil
}
