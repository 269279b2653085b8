package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all Store implementations. HTTP handlers map
// them onto status codes (404, 403, 410); callers classify with errors.Is.
var (
	// ErrNotFound is returned when a requested row does not exist or belongs
	// to a different tenant.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned when an insert collides with an existing id
	// or unique token.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrForbidden is returned when the actor is not allowed to perform the
	// operation on the target row.
	ErrForbidden = errors.New("forbidden")

	// ErrRevoked marks a credential that has been revoked.
	ErrRevoked = errors.New("credential revoked")

	// ErrExpired marks a credential whose validity window has passed.
	ErrExpired = errors.New("credential expired")

	// ErrUsedUp marks a bounded credential whose uses are exhausted.
	ErrUsedUp = errors.New("credential fully used")

	// ErrUnknownExtension is returned when a PBX extension has no route.
	ErrUnknownExtension = errors.New("unknown extension")
)

// Store is the persistence boundary of the concierge backend.
//
// All methods are safe for concurrent use. Methods that create rows generate
// an id when the given one is empty. Reads scoped by tenantID return
// [ErrNotFound] for rows of other tenants.
type Store interface {
	// SearchResidents returns residents of the tenant matching q, ordered by
	// name. An empty query returns all residents.
	SearchResidents(ctx context.Context, tenantID string, q ResidentQuery) ([]Resident, error)

	// ResidentByID returns a single resident.
	// Returns [ErrNotFound] when no such resident exists in the tenant.
	ResidentByID(ctx context.Context, tenantID, id string) (Resident, error)

	// CreateResident inserts a resident.
	// Returns [ErrDuplicateID] on id collision.
	CreateResident(ctx context.Context, r Resident) error

	// CreateVisitor inserts a visitor.
	CreateVisitor(ctx context.Context, v Visitor) error

	// FindPreauthorized returns approved visitors whose validity window
	// covers q.Now, narrowed by the remaining query fields.
	FindPreauthorized(ctx context.Context, tenantID string, q PreauthQuery) ([]Visitor, error)

	// CreateCredential inserts an access credential.
	CreateCredential(ctx context.Context, c AccessCredential) error

	// CredentialByID returns a single credential.
	// Returns [ErrNotFound] when no such credential exists in the tenant.
	CredentialByID(ctx context.Context, tenantID, id string) (AccessCredential, error)

	// RecordCredentialUse increments the credential's use count and marks it
	// used when a bounded limit is reached.
	// Returns [ErrNotFound] when the credential does not exist.
	RecordCredentialUse(ctx context.Context, tenantID, id string, now time.Time) error

	// RevokeCredential stamps the credential revoked. Revoking an already
	// revoked credential is a no-op.
	RevokeCredential(ctx context.Context, tenantID, id string, now time.Time) error

	// CreateToken inserts a QR token.
	// Returns [ErrDuplicateID] when the printable token already exists.
	CreateToken(ctx context.Context, t QRToken) error

	// TokenByValue returns the token with the given printable value.
	// Returns [ErrNotFound] when it does not exist or belongs to another
	// tenant.
	TokenByValue(ctx context.Context, tenantID, token string) (QRToken, error)

	// LookupToken returns the token with the given printable value without
	// tenant scoping. Used by the public landing page, which carries no
	// tenant header.
	LookupToken(ctx context.Context, token string) (QRToken, error)

	// RecordTokenUse increments the token's use count, stamps used_at and
	// returns the updated row.
	RecordTokenUse(ctx context.Context, tenantID, id string, now time.Time) (QRToken, error)

	// RevokeToken stamps revoked_at unless already set; revoking an already
	// revoked token keeps the original timestamp.
	RevokeToken(ctx context.Context, tenantID, id string, now time.Time) error

	// CreateAuthorizationRequest inserts a pending authorization request.
	CreateAuthorizationRequest(ctx context.Context, r AuthorizationRequest) error

	// AppendAccessLog inserts an access log row and returns its id.
	AppendAccessLog(ctx context.Context, l AccessLog) (string, error)

	// AppendAuditLog inserts an audit log row.
	AppendAuditLog(ctx context.Context, l AuditLog) error

	// ExtensionByDigits resolves a PBX extension to its route.
	// Returns [ErrUnknownExtension] when no enabled route exists.
	ExtensionByDigits(ctx context.Context, tenantID, extension string) (ExtensionRoute, error)

	// UpsertExtension creates or replaces an extension route.
	UpsertExtension(ctx context.Context, e ExtensionRoute) error

	// Atomically runs fn inside a single transaction. The Store passed to fn
	// is transaction-scoped; every row it touches commits or rolls back as
	// one unit. Returning an error from fn rolls back.
	Atomically(ctx context.Context, fn func(Store) error) error

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
