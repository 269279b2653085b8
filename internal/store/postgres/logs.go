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

// AppendAccessLog implements [store.Store.AppendAccessLog].
func (s *Store) AppendAccessLog(ctx context.Context, l store.AccessLog) (string, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	extra, err := marshalExtra(l.Extra)
	if err != nil {
		return "", err
	}

	const q = `
		INSERT INTO access_logs
		    (id, tenant_id, event_type, access_point, direction, resident_id,
		     visitor_id, method, snapshot_url, confidence, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.db.Exec(ctx, q,
		l.ID, l.TenantID, l.EventType, l.AccessPoint, l.Direction, l.ResidentID,
		l.VisitorID, l.Method, l.SnapshotURL, l.Confidence, extra, l.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: append access log: %w", err)
	}
	return l.ID, nil
}

// AppendAuditLog implements [store.Store.AppendAuditLog].
func (s *Store) AppendAuditLog(ctx context.Context, l store.AuditLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	extra, err := marshalExtra(l.Extra)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO audit_logs
		    (id, tenant_id, actor_type, actor_id, actor_label, action,
		     resource_type, resource_id, outcome, message, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.db.Exec(ctx, q,
		l.ID, l.TenantID, l.ActorType, l.ActorID, l.ActorLabel, l.Action,
		l.ResourceType, l.ResourceID, l.Outcome, l.Message, extra, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit log: %w", err)
	}
	return nil
}

// CreateAuthorizationRequest implements [store.Store.CreateAuthorizationRequest].
func (s *Store) CreateAuthorizationRequest(ctx context.Context, r store.AuthorizationRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "pending"
	}

	const q = `
		INSERT INTO authorization_requests
		    (id, tenant_id, resident_id, visitor_name, company, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, q,
		r.ID, r.TenantID, r.ResidentID, r.VisitorName, r.Company, r.Reason, r.Status,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("postgres: create authorization request: %w", err)
	}
	return nil
}

// ExtensionByDigits implements [store.Store.ExtensionByDigits].
func (s *Store) ExtensionByDigits(ctx context.Context, tenantID, extension string) (store.ExtensionRoute, error) {
	const q = `
		SELECT tenant_id, extension, access_point, device_type, device_host,
		       door_index, enabled
		FROM   extension_maps
		WHERE  tenant_id = $1 AND extension = $2 AND enabled`

	var e store.ExtensionRoute
	err := s.db.QueryRow(ctx, q, tenantID, extension).Scan(
		&e.TenantID, &e.Extension, &e.AccessPoint, &e.DeviceType, &e.DeviceHost,
		&e.DoorIndex, &e.Enabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ExtensionRoute{}, store.ErrUnknownExtension
		}
		return store.ExtensionRoute{}, fmt.Errorf("postgres: extension %q: %w", extension, err)
	}
	return e, nil
}

// UpsertExtension implements [store.Store.UpsertExtension].
func (s *Store) UpsertExtension(ctx context.Context, e store.ExtensionRoute) error {
	const q = `
		INSERT INTO extension_maps
		    (tenant_id, extension, access_point, device_type, device_host, door_index, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, extension) DO UPDATE SET
		    access_point = EXCLUDED.access_point,
		    device_type  = EXCLUDED.device_type,
		    device_host  = EXCLUDED.device_host,
		    door_index   = EXCLUDED.door_index,
		    enabled      = EXCLUDED.enabled`

	_, err := s.db.Exec(ctx, q,
		e.TenantID, e.Extension, e.AccessPoint, e.DeviceType, e.DeviceHost,
		e.DoorIndex, e.Enabled,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert extension: %w", err)
	}
	return nil
}
