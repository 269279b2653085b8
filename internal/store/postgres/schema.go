// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store].
//
// All tables live in a single database and share one [pgxpool.Pool].
// [Migrate] is idempotent and runs on every start, so a fresh database
// needs no external migration step.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Directory DDL — residents and visitors
// ─────────────────────────────────────────────────────────────────────────────

const ddlDirectory = `
CREATE TABLE IF NOT EXISTS residents (
    id         TEXT         PRIMARY KEY,
    tenant_id  TEXT         NOT NULL,
    name       TEXT         NOT NULL,
    phone      TEXT         NOT NULL DEFAULT '',
    unit       TEXT         NOT NULL DEFAULT '',
    tower      TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_residents_tenant
    ON residents (tenant_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_residents_phone
    ON residents (phone) WHERE phone <> '';

CREATE TABLE IF NOT EXISTS visitors (
    id                    TEXT         PRIMARY KEY,
    tenant_id             TEXT         NOT NULL,
    resident_id           TEXT         NOT NULL DEFAULT '',
    name                  TEXT         NOT NULL,
    plate                 TEXT         NOT NULL DEFAULT '',
    document              TEXT         NOT NULL DEFAULT '',
    valid_from            TIMESTAMPTZ,
    valid_until           TIMESTAMPTZ  NOT NULL,
    allowed_access_points JSONB        NOT NULL DEFAULT '[]',
    status                TEXT         NOT NULL DEFAULT 'pending',
    authorized_via        TEXT         NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_visitors_tenant
    ON visitors (tenant_id);

CREATE INDEX IF NOT EXISTS idx_visitors_resident
    ON visitors (resident_id);

CREATE INDEX IF NOT EXISTS idx_visitors_tenant_status
    ON visitors (tenant_id, status);
`

// ─────────────────────────────────────────────────────────────────────────────
// Credential DDL — access credentials and QR tokens
// ─────────────────────────────────────────────────────────────────────────────

const ddlCredentials = `
CREATE TABLE IF NOT EXISTS access_credentials (
    id                    TEXT         PRIMARY KEY,
    tenant_id             TEXT         NOT NULL,
    visitor_id            TEXT         NOT NULL,
    type                  TEXT         NOT NULL,
    valid_from            TIMESTAMPTZ,
    valid_until           TIMESTAMPTZ  NOT NULL,
    allowed_access_points JSONB        NOT NULL DEFAULT '[]',
    max_uses              INT          NOT NULL DEFAULT 0,
    use_count             INT          NOT NULL DEFAULT 0,
    status                TEXT         NOT NULL DEFAULT 'active',
    provisioning          TEXT         NOT NULL DEFAULT 'backend',
    device_targets        JSONB        NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_credentials_tenant
    ON access_credentials (tenant_id);

CREATE INDEX IF NOT EXISTS idx_credentials_visitor
    ON access_credentials (visitor_id);

CREATE TABLE IF NOT EXISTS qr_tokens (
    id            TEXT         PRIMARY KEY,
    tenant_id     TEXT         NOT NULL,
    credential_id TEXT         NOT NULL REFERENCES access_credentials (id) ON DELETE CASCADE,
    visitor_id    TEXT         NOT NULL,
    resident_id   TEXT         NOT NULL DEFAULT '',
    token         TEXT         NOT NULL UNIQUE,
    card_no       TEXT         NOT NULL DEFAULT '',
    employee_no   TEXT         NOT NULL DEFAULT '',
    expires_at    TIMESTAMPTZ  NOT NULL,
    max_uses      INT          NOT NULL DEFAULT 0,
    use_count     INT          NOT NULL DEFAULT 0,
    used_at       TIMESTAMPTZ,
    revoked_at    TIMESTAMPTZ,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_qr_tokens_tenant
    ON qr_tokens (tenant_id);

CREATE INDEX IF NOT EXISTS idx_qr_tokens_credential
    ON qr_tokens (credential_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Log DDL — access log, audit log, authorization requests
// ─────────────────────────────────────────────────────────────────────────────

const ddlLogs = `
CREATE TABLE IF NOT EXISTS access_logs (
    id           TEXT              PRIMARY KEY,
    tenant_id    TEXT              NOT NULL,
    event_type   TEXT              NOT NULL,
    access_point TEXT              NOT NULL DEFAULT '',
    direction    TEXT              NOT NULL DEFAULT '',
    resident_id  TEXT              NOT NULL DEFAULT '',
    visitor_id   TEXT              NOT NULL DEFAULT '',
    method       TEXT              NOT NULL DEFAULT '',
    snapshot_url TEXT              NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    extra        JSONB             NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_access_logs_tenant_time
    ON access_logs (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS audit_logs (
    id            TEXT         PRIMARY KEY,
    tenant_id     TEXT         NOT NULL,
    actor_type    TEXT         NOT NULL DEFAULT '',
    actor_id      TEXT         NOT NULL DEFAULT '',
    actor_label   TEXT         NOT NULL DEFAULT '',
    action        TEXT         NOT NULL,
    resource_type TEXT         NOT NULL DEFAULT '',
    resource_id   TEXT         NOT NULL DEFAULT '',
    outcome       TEXT         NOT NULL DEFAULT '',
    message       TEXT         NOT NULL DEFAULT '',
    extra         JSONB        NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_time
    ON audit_logs (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS authorization_requests (
    id           TEXT         PRIMARY KEY,
    tenant_id    TEXT         NOT NULL,
    resident_id  TEXT         NOT NULL,
    visitor_name TEXT         NOT NULL,
    company      TEXT         NOT NULL DEFAULT '',
    reason       TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL DEFAULT 'pending',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_authorization_requests_resident
    ON authorization_requests (tenant_id, resident_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// PBX DDL — extension routes
// ─────────────────────────────────────────────────────────────────────────────

const ddlExtensions = `
CREATE TABLE IF NOT EXISTS extension_maps (
    tenant_id    TEXT     NOT NULL,
    extension    TEXT     NOT NULL,
    access_point TEXT     NOT NULL,
    device_type  TEXT     NOT NULL DEFAULT '',
    device_host  TEXT     NOT NULL DEFAULT '',
    door_index   INT      NOT NULL DEFAULT 1,
    enabled      BOOLEAN  NOT NULL DEFAULT true,
    PRIMARY KEY (tenant_id, extension)
);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, db DB) error {
	statements := []string{
		ddlDirectory,
		ddlCredentials,
		ddlLogs,
		ddlExtensions,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
