package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/javierd009/agente-portero/internal/store"
)

// SearchResidents implements [store.Store.SearchResidents].
func (s *Store) SearchResidents(ctx context.Context, tenantID string, rq store.ResidentQuery) ([]store.Resident, error) {
	args := []any{tenantID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"tenant_id = $1"}
	if rq.Name != "" {
		conditions = append(conditions, "name ILIKE "+next("%"+rq.Name+"%"))
	}
	if rq.Unit != "" {
		conditions = append(conditions, "unit = "+next(rq.Unit))
	}

	q := "SELECT id, tenant_id, name, phone, unit, tower, created_at\n" +
		"FROM   residents\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY name"

	if rq.Limit > 0 {
		args = append(args, rq.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search residents: %w", err)
	}
	residents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Resident, error) {
		var r store.Resident
		err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Phone, &r.Unit, &r.Tower, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan residents: %w", err)
	}
	if residents == nil {
		residents = []store.Resident{}
	}
	return residents, nil
}

// ResidentByID implements [store.Store.ResidentByID].
func (s *Store) ResidentByID(ctx context.Context, tenantID, id string) (store.Resident, error) {
	const q = `
		SELECT id, tenant_id, name, phone, unit, tower, created_at
		FROM   residents
		WHERE  tenant_id = $1 AND id = $2`

	var r store.Resident
	err := s.db.QueryRow(ctx, q, tenantID, id).Scan(
		&r.ID, &r.TenantID, &r.Name, &r.Phone, &r.Unit, &r.Tower, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Resident{}, store.ErrNotFound
		}
		return store.Resident{}, fmt.Errorf("postgres: resident %q: %w", id, err)
	}
	return r, nil
}

// CreateResident implements [store.Store.CreateResident].
func (s *Store) CreateResident(ctx context.Context, r store.Resident) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	const q = `
		INSERT INTO residents (id, tenant_id, name, phone, unit, tower)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, q, r.ID, r.TenantID, r.Name, r.Phone, r.Unit, r.Tower)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("postgres: create resident: %w", err)
	}
	return nil
}
