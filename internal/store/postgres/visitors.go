package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/javierd009/agente-portero/internal/store"
)

// CreateVisitor implements [store.Store.CreateVisitor].
func (s *Store) CreateVisitor(ctx context.Context, v store.Visitor) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	points, err := marshalPoints(v.AllowedAccessPoints)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO visitors
		    (id, tenant_id, resident_id, name, plate, document,
		     valid_from, valid_until, allowed_access_points, status, authorized_via)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.db.Exec(ctx, q,
		v.ID, v.TenantID, v.ResidentID, v.Name, v.Plate, v.Document,
		nullableTime(v.ValidFrom), v.ValidUntil, points, v.Status, v.AuthorizedVia,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("postgres: create visitor: %w", err)
	}
	return nil
}

// FindPreauthorized implements [store.Store.FindPreauthorized].
func (s *Store) FindPreauthorized(ctx context.Context, tenantID string, pq store.PreauthQuery) ([]store.Visitor, error) {
	args := []any{tenantID, pq.Now}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"v.tenant_id = $1",
		"v.status = 'approved'",
		"(v.valid_from IS NULL OR v.valid_from <= $2)",
		"v.valid_until > $2",
	}
	join := ""
	if pq.VisitorName != "" {
		conditions = append(conditions, "v.name ILIKE "+next("%"+pq.VisitorName+"%"))
	}
	if pq.ResidentID != "" {
		conditions = append(conditions, "v.resident_id = "+next(pq.ResidentID))
	}
	if pq.Unit != "" {
		join = "JOIN residents r ON r.id = v.resident_id\n"
		conditions = append(conditions, "r.unit = "+next(pq.Unit))
	}

	q := "SELECT v.id, v.tenant_id, v.resident_id, v.name, v.plate, v.document,\n" +
		"       v.valid_from, v.valid_until, v.allowed_access_points, v.status,\n" +
		"       v.authorized_via, v.created_at\n" +
		"FROM   visitors v\n" + join +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY v.valid_until"

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find preauthorized: %w", err)
	}
	visitors, err := pgx.CollectRows(rows, scanVisitor)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan visitors: %w", err)
	}
	if visitors == nil {
		visitors = []store.Visitor{}
	}
	return visitors, nil
}

// scanVisitor scans a visitor row including its JSONB access-point list.
func scanVisitor(row pgx.CollectableRow) (store.Visitor, error) {
	var (
		v         store.Visitor
		validFrom *time.Time
		points    []byte
	)
	if err := row.Scan(
		&v.ID, &v.TenantID, &v.ResidentID, &v.Name, &v.Plate, &v.Document,
		&validFrom, &v.ValidUntil, &points, &v.Status, &v.AuthorizedVia, &v.CreatedAt,
	); err != nil {
		return store.Visitor{}, err
	}
	v.ValidFrom = timeOrZero(validFrom)
	var err error
	if v.AllowedAccessPoints, err = unmarshalPoints(points); err != nil {
		return store.Visitor{}, err
	}
	return v, nil
}

// CreateCredential implements [store.Store.CreateCredential].
func (s *Store) CreateCredential(ctx context.Context, c store.AccessCredential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	points, err := marshalPoints(c.AllowedAccessPoints)
	if err != nil {
		return err
	}
	targets := c.DeviceTargets
	if targets == nil {
		targets = map[string]string{}
	}
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("postgres: marshal device targets: %w", err)
	}
	if c.Status == "" {
		c.Status = store.CredentialActive
	}
	if c.Provisioning == "" {
		c.Provisioning = "backend"
	}

	const q = `
		INSERT INTO access_credentials
		    (id, tenant_id, visitor_id, type, valid_from, valid_until,
		     allowed_access_points, max_uses, use_count, status, provisioning, device_targets)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.db.Exec(ctx, q,
		c.ID, c.TenantID, c.VisitorID, c.Type, nullableTime(c.ValidFrom), c.ValidUntil,
		points, c.MaxUses, c.UseCount, c.Status, c.Provisioning, targetsJSON,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("postgres: create credential: %w", err)
	}
	return nil
}

// CredentialByID implements [store.Store.CredentialByID].
func (s *Store) CredentialByID(ctx context.Context, tenantID, id string) (store.AccessCredential, error) {
	const q = `
		SELECT id, tenant_id, visitor_id, type, valid_from, valid_until,
		       allowed_access_points, max_uses, use_count, status, provisioning,
		       device_targets, created_at
		FROM   access_credentials
		WHERE  tenant_id = $1 AND id = $2`

	var (
		c         store.AccessCredential
		validFrom *time.Time
		points    []byte
		targets   []byte
	)
	err := s.db.QueryRow(ctx, q, tenantID, id).Scan(
		&c.ID, &c.TenantID, &c.VisitorID, &c.Type, &validFrom, &c.ValidUntil,
		&points, &c.MaxUses, &c.UseCount, &c.Status, &c.Provisioning,
		&targets, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.AccessCredential{}, store.ErrNotFound
		}
		return store.AccessCredential{}, fmt.Errorf("postgres: credential %q: %w", id, err)
	}
	c.ValidFrom = timeOrZero(validFrom)
	if c.AllowedAccessPoints, err = unmarshalPoints(points); err != nil {
		return store.AccessCredential{}, err
	}
	if err := json.Unmarshal(targets, &c.DeviceTargets); err != nil {
		return store.AccessCredential{}, fmt.Errorf("postgres: unmarshal device targets: %w", err)
	}
	return c, nil
}

// RecordCredentialUse implements [store.Store.RecordCredentialUse]. A bounded
// credential whose limit is reached flips to status used in the same update.
func (s *Store) RecordCredentialUse(ctx context.Context, tenantID, id string, now time.Time) error {
	const q = `
		UPDATE access_credentials
		SET    use_count = use_count + 1,
		       status = CASE
		                  WHEN max_uses > 0 AND use_count + 1 >= max_uses THEN 'used'
		                  ELSE status
		                END
		WHERE  tenant_id = $1 AND id = $2`

	tag, err := s.db.Exec(ctx, q, tenantID, id)
	if err != nil {
		return fmt.Errorf("postgres: record credential use: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RevokeCredential implements [store.Store.RevokeCredential].
func (s *Store) RevokeCredential(ctx context.Context, tenantID, id string, now time.Time) error {
	const q = `
		UPDATE access_credentials
		SET    status = 'revoked'
		WHERE  tenant_id = $1 AND id = $2`

	tag, err := s.db.Exec(ctx, q, tenantID, id)
	if err != nil {
		return fmt.Errorf("postgres: revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
