// Package store defines the persisted domain model of the concierge backend
// and the [Store] interface over it.
//
// Every entity is scoped by tenant id; lookups never cross that boundary.
// Two implementations exist: [MemStore] (in-memory, used in demo mode and
// tests) and the PostgreSQL-backed store in the postgres subpackage.
//
// Timestamps are stored in UTC. Rendering into the tenant's local timezone
// happens at the device boundary, never here.
package store

import (
	"fmt"
	"time"
)

// AccessPoint identifies one of the physical passages of a site.
type AccessPoint string

const (
	// AccessVehicularEntry is the vehicle entry barrier.
	AccessVehicularEntry AccessPoint = "vehicular_entry"

	// AccessVehicularExit is the vehicle exit barrier.
	AccessVehicularExit AccessPoint = "vehicular_exit"

	// AccessPedestrian is the pedestrian gate.
	AccessPedestrian AccessPoint = "pedestrian"
)

// IsValid reports whether a names a known access point.
func (a AccessPoint) IsValid() bool {
	switch a {
	case AccessVehicularEntry, AccessVehicularExit, AccessPedestrian:
		return true
	}
	return false
}

// NormalizeAccessPoints validates points and removes duplicates while
// preserving first-seen order. An empty input or an unknown access point
// yields an error.
func NormalizeAccessPoints(points []AccessPoint) ([]AccessPoint, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("store: no access points given")
	}
	seen := make(map[AccessPoint]bool, len(points))
	out := make([]AccessPoint, 0, len(points))
	for _, p := range points {
		if !p.IsValid() {
			return nil, fmt.Errorf("store: unknown access point %q", p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Direction is the direction of a passage through an access point.
type Direction string

const (
	// DirectionEntry marks movement into the site.
	DirectionEntry Direction = "entry"

	// DirectionExit marks movement out of the site.
	DirectionExit Direction = "exit"
)

// IsValid reports whether d is a known direction.
func (d Direction) IsValid() bool {
	return d == DirectionEntry || d == DirectionExit
}

// CredentialType classifies an [AccessCredential].
type CredentialType string

const (
	CredentialQR    CredentialType = "qr"
	CredentialPIN   CredentialType = "pin"
	CredentialPlate CredentialType = "plate"
	CredentialFace  CredentialType = "face"
	CredentialCard  CredentialType = "card"
)

// IsValid reports whether t is a known credential type.
func (t CredentialType) IsValid() bool {
	switch t {
	case CredentialQR, CredentialPIN, CredentialPlate, CredentialFace, CredentialCard:
		return true
	}
	return false
}

// CredentialStatus is the lifecycle state of an [AccessCredential].
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialUsed    CredentialStatus = "used"
	CredentialRevoked CredentialStatus = "revoked"
	CredentialExpired CredentialStatus = "expired"
)

// VisitorStatus is the lifecycle state of a [Visitor].
type VisitorStatus string

const (
	VisitorPending  VisitorStatus = "pending"
	VisitorApproved VisitorStatus = "approved"
	VisitorDenied   VisitorStatus = "denied"
	VisitorInside   VisitorStatus = "inside"
	VisitorExited   VisitorStatus = "exited"
)

// VisitStatus is the outcome of a concierge interaction with a visitor,
// as reported by the voice agent.
type VisitStatus string

const (
	VisitAuthorized         VisitStatus = "authorized"
	VisitDenied             VisitStatus = "denied"
	VisitPending            VisitStatus = "pending"
	VisitTransferredToGuard VisitStatus = "transferred_to_guard"
)

// IsValid reports whether s is a known visit status.
func (s VisitStatus) IsValid() bool {
	switch s {
	case VisitAuthorized, VisitDenied, VisitPending, VisitTransferredToGuard:
		return true
	}
	return false
}

// EventType returns the access-log event type recorded for a visit with
// this status.
func (s VisitStatus) EventType() EventType {
	switch s {
	case VisitAuthorized:
		return EventEntry
	case VisitDenied:
		return EventDenied
	case VisitTransferredToGuard:
		return EventTransferred
	default:
		return EventPending
	}
}

// EventType classifies an [AccessLog] row.
type EventType string

const (
	EventEntry       EventType = "entry"
	EventExit        EventType = "exit"
	EventDenied      EventType = "denied"
	EventOpenGate    EventType = "open_gate"
	EventTransferred EventType = "transferred"
	EventPending     EventType = "pending"
)

// AuthorizationType classifies how a QR credential was authorized.
type AuthorizationType string

const (
	AuthAirbnb   AuthorizationType = "airbnb"
	AuthEmployee AuthorizationType = "employee"
	AuthGuest    AuthorizationType = "guest"
	AuthDelivery AuthorizationType = "delivery"
)

// IsValid reports whether t is a known authorization type.
func (t AuthorizationType) IsValid() bool {
	switch t {
	case AuthAirbnb, AuthEmployee, AuthGuest, AuthDelivery:
		return true
	}
	return false
}

// Outcome is the result recorded on an [AuditLog] row.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ActorType identifies the kind of actor behind an audited action.
type ActorType string

const (
	ActorResident ActorType = "resident"
	ActorVisitor  ActorType = "visitor"
	ActorAgent    ActorType = "agent"
	ActorPBX      ActorType = "pbx"
	ActorSystem   ActorType = "system"
)

// Resident is an end user of a tenant, identified by phone number and unit.
type Resident struct {
	ID       string
	TenantID string

	// Name is the resident's display name.
	Name string

	// Phone is the resident's phone number in E.164 form. Globally unique.
	Phone string

	// Unit is the tenant-scoped apartment or house number.
	Unit string

	// Tower is the building or tower identifier, empty for single-building sites.
	Tower string

	CreatedAt time.Time
}

// Visitor is a person granted access on behalf of a resident.
type Visitor struct {
	ID       string
	TenantID string

	// ResidentID is the host resident.
	ResidentID string

	Name string

	// Plate is the visitor's vehicle plate, if any.
	Plate string

	// Document is the visitor's identification number, if any.
	Document string

	ValidFrom  time.Time
	ValidUntil time.Time

	// AllowedAccessPoints is the subset of access points this visitor may pass.
	AllowedAccessPoints []AccessPoint

	Status VisitorStatus

	// AuthorizedVia records the channel that approved the visitor
	// (e.g. "qr", "whatsapp", "voice").
	AuthorizedVia string

	CreatedAt time.Time
}

// AccessCredential is the generic credential envelope behind every
// concrete credential (QR, PIN, plate, face, card).
type AccessCredential struct {
	ID       string
	TenantID string

	// VisitorID is the visitor the credential belongs to.
	VisitorID string

	Type CredentialType

	ValidFrom  time.Time
	ValidUntil time.Time

	AllowedAccessPoints []AccessPoint

	// MaxUses bounds how often the credential may be consumed.
	// Zero means unlimited.
	MaxUses int

	UseCount int

	Status CredentialStatus

	// Provisioning records where the credential lives: "backend" for
	// database-only credentials, "device" for credentials pushed into
	// biometric readers.
	Provisioning string

	// DeviceTargets maps provisioned device hosts to the employee number
	// created on each.
	DeviceTargets map[string]string

	CreatedAt time.Time
}

// QRToken is the printable token side of a QR access credential.
// AllowedAccessPoints is carried over from the underlying credential so a
// single lookup is enough to validate a consume request.
type QRToken struct {
	ID       string
	TenantID string

	// CredentialID is the underlying [AccessCredential].
	CredentialID string

	// VisitorID is the visitor the token admits.
	VisitorID string

	// ResidentID is the resident who issued the token. Only this resident
	// may revoke it.
	ResidentID string

	// Token is the URL-safe printable token.
	Token string

	// CardNo is the numeric card number provisioned into biometric readers.
	CardNo string

	// EmployeeNo is the person-record identifier on the biometric readers.
	EmployeeNo string

	AllowedAccessPoints []AccessPoint

	ExpiresAt time.Time

	// MaxUses bounds how often the token may be consumed. Zero means unlimited.
	MaxUses int

	UseCount int

	UsedAt    *time.Time
	RevokedAt *time.Time

	CreatedAt time.Time
}

// AccessLog is an append-only record of a passage or passage attempt.
// Rows are never mutated after insert.
type AccessLog struct {
	ID       string
	TenantID string

	EventType   EventType
	AccessPoint AccessPoint

	// Direction is empty for events that are not passages.
	Direction Direction

	// ResidentID and VisitorID reference the actors involved, when known.
	ResidentID string
	VisitorID  string

	// Method records the authorization method ("qr", "fast_path",
	// "voice_agent", "preauthorized", ...).
	Method string

	// SnapshotURL points at camera evidence, when captured.
	SnapshotURL string

	// Confidence is the recognition confidence for biometric events,
	// zero otherwise.
	Confidence float64

	// Extra holds free-form context (visitor name, unit, device host, ...).
	Extra map[string]any

	CreatedAt time.Time
}

// AuditLog is an append-only record of a decision taken by the system.
type AuditLog struct {
	ID       string
	TenantID string

	// ActorType, ActorID and ActorLabel identify who acted.
	ActorType  ActorType
	ActorID    string
	ActorLabel string

	// Action names the operation ("issue_qr", "consume_qr", "revoke_qr",
	// "scan_qr", "open_gate", ...).
	Action string

	// ResourceType and ResourceID identify what was acted on.
	ResourceType string
	ResourceID   string

	Outcome Outcome

	// Message is a short human-readable account of the decision.
	Message string

	Extra map[string]any

	CreatedAt time.Time
}

// AuthorizationRequest is a pending ask to a resident to approve a visitor.
// The resident's answer arrives asynchronously on another channel.
type AuthorizationRequest struct {
	ID       string
	TenantID string

	ResidentID  string
	VisitorName string

	// Company is the visitor's company, if stated.
	Company string

	// Reason is the stated purpose of the visit.
	Reason string

	// Status is "pending" until the resident answers.
	Status string

	CreatedAt time.Time
}

// ExtensionRoute maps a PBX intercom extension to the access point and
// device it controls.
type ExtensionRoute struct {
	TenantID string

	// Extension is the dialed extension string.
	Extension string

	AccessPoint AccessPoint

	// DeviceType classifies the hardware ("panel", "pedestrian").
	DeviceType string

	DeviceHost string
	DoorIndex  int

	Enabled bool
}

// ResidentQuery narrows [Store.SearchResidents]. Zero-value fields are not
// applied; an empty query matches all residents of the tenant.
type ResidentQuery struct {
	// Name matches case-insensitively on a substring of the resident name.
	Name string

	// Unit matches the unit exactly.
	Unit string

	// Limit caps the result count. Zero or negative means no limit.
	Limit int
}

// PreauthQuery narrows [Store.FindPreauthorized]. Only visitors with status
// approved and a validity window covering Now are considered.
type PreauthQuery struct {
	// VisitorName matches case-insensitively on a substring.
	VisitorName string

	// ResidentID restricts to visitors hosted by this resident.
	ResidentID string

	// Unit restricts to visitors whose host resident lives in this unit.
	Unit string

	// Now is the instant the validity window is checked against.
	Now time.Time
}
