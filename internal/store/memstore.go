package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It backs
// demo deployments that run without a database, and tests.
//
// Atomically serializes transactional sections against each other but cannot
// roll back: a failing fn may leave rows it already wrote. The write paths
// are ordered so that validation happens before the first mutation, which
// keeps demo-mode behavior consistent in practice.
type MemStore struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	residents  map[string]Resident
	visitors   map[string]Visitor
	creds      map[string]AccessCredential
	tokens     map[string]QRToken // keyed by printable token
	requests   map[string]AuthorizationRequest
	accessLogs []AccessLog
	auditLogs  []AuditLog
	extensions map[string]ExtensionRoute // keyed by tenantID+"/"+extension
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		residents:  make(map[string]Resident),
		visitors:   make(map[string]Visitor),
		creds:      make(map[string]AccessCredential),
		tokens:     make(map[string]QRToken),
		requests:   make(map[string]AuthorizationRequest),
		extensions: make(map[string]ExtensionRoute),
	}
}

// SeedDemo populates the store with the demo directory for tenantID: three
// residents and an intercom extension per gate. Safe to call once at startup.
func (s *MemStore) SeedDemo(ctx context.Context, tenantID string) error {
	now := time.Now().UTC()
	residents := []Resident{
		{ID: "res-001", TenantID: tenantID, Name: "Carlos García", Phone: "+50688880001", Unit: "5", Tower: "A", CreatedAt: now},
		{ID: "res-002", TenantID: tenantID, Name: "María López", Phone: "+50688880002", Unit: "16", Tower: "B", CreatedAt: now},
		{ID: "res-003", TenantID: tenantID, Name: "Juan Pérez", Phone: "+50688880003", Unit: "8", Tower: "A", CreatedAt: now},
	}
	for _, r := range residents {
		if err := s.CreateResident(ctx, r); err != nil {
			return err
		}
	}
	routes := []ExtensionRoute{
		{TenantID: tenantID, Extension: "1001", AccessPoint: AccessVehicularEntry, DeviceType: "panel", DoorIndex: 1, Enabled: true},
		{TenantID: tenantID, Extension: "1003", AccessPoint: AccessPedestrian, DeviceType: "pedestrian", DoorIndex: 1, Enabled: true},
	}
	for _, e := range routes {
		if err := s.UpsertExtension(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// SearchResidents implements [Store.SearchResidents].
func (s *MemStore) SearchResidents(ctx context.Context, tenantID string, q ResidentQuery) ([]Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := strings.ToLower(q.Name)
	out := make([]Resident, 0)
	for _, r := range s.residents {
		if r.TenantID != tenantID {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(r.Name), name) {
			continue
		}
		if q.Unit != "" && r.Unit != q.Unit {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Resident) int {
		return strings.Compare(a.Name, b.Name)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ResidentByID implements [Store.ResidentByID].
func (s *MemStore) ResidentByID(ctx context.Context, tenantID, id string) (Resident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.residents[id]
	if !ok || r.TenantID != tenantID {
		return Resident{}, ErrNotFound
	}
	return r, nil
}

// CreateResident implements [Store.CreateResident].
func (s *MemStore) CreateResident(ctx context.Context, r Resident) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.residents[r.ID]; exists {
		return ErrDuplicateID
	}
	s.residents[r.ID] = r
	return nil
}

// CreateVisitor implements [Store.CreateVisitor].
func (s *MemStore) CreateVisitor(ctx context.Context, v Visitor) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.visitors[v.ID]; exists {
		return ErrDuplicateID
	}
	s.visitors[v.ID] = v
	return nil
}

// FindPreauthorized implements [Store.FindPreauthorized].
func (s *MemStore) FindPreauthorized(ctx context.Context, tenantID string, q PreauthQuery) ([]Visitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := strings.ToLower(q.VisitorName)
	out := make([]Visitor, 0)
	for _, v := range s.visitors {
		if v.TenantID != tenantID || v.Status != VisitorApproved {
			continue
		}
		if !v.ValidFrom.IsZero() && q.Now.Before(v.ValidFrom) {
			continue
		}
		if !q.Now.Before(v.ValidUntil) {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(v.Name), name) {
			continue
		}
		if q.ResidentID != "" && v.ResidentID != q.ResidentID {
			continue
		}
		if q.Unit != "" {
			host, ok := s.residents[v.ResidentID]
			if !ok || host.Unit != q.Unit {
				continue
			}
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b Visitor) int {
		return a.ValidUntil.Compare(b.ValidUntil)
	})
	return out, nil
}

// CreateCredential implements [Store.CreateCredential].
func (s *MemStore) CreateCredential(ctx context.Context, c AccessCredential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[c.ID]; exists {
		return ErrDuplicateID
	}
	s.creds[c.ID] = c
	return nil
}

// CredentialByID implements [Store.CredentialByID].
func (s *MemStore) CredentialByID(ctx context.Context, tenantID, id string) (AccessCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[id]
	if !ok || c.TenantID != tenantID {
		return AccessCredential{}, ErrNotFound
	}
	return c, nil
}

// RecordCredentialUse implements [Store.RecordCredentialUse].
func (s *MemStore) RecordCredentialUse(ctx context.Context, tenantID, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	c.UseCount++
	if c.MaxUses > 0 && c.UseCount >= c.MaxUses {
		c.Status = CredentialUsed
	}
	s.creds[id] = c
	return nil
}

// RevokeCredential implements [Store.RevokeCredential].
func (s *MemStore) RevokeCredential(ctx context.Context, tenantID, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	if c.Status == CredentialRevoked {
		return nil
	}
	c.Status = CredentialRevoked
	s.creds[id] = c
	return nil
}

// CreateToken implements [Store.CreateToken].
func (s *MemStore) CreateToken(ctx context.Context, t QRToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[t.Token]; exists {
		return ErrDuplicateID
	}
	s.tokens[t.Token] = t
	return nil
}

// TokenByValue implements [Store.TokenByValue].
func (s *MemStore) TokenByValue(ctx context.Context, tenantID, token string) (QRToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[token]
	if !ok || t.TenantID != tenantID {
		return QRToken{}, ErrNotFound
	}
	return t, nil
}

// LookupToken implements [Store.LookupToken].
func (s *MemStore) LookupToken(ctx context.Context, token string) (QRToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[token]
	if !ok {
		return QRToken{}, ErrNotFound
	}
	return t, nil
}

// RecordTokenUse implements [Store.RecordTokenUse].
func (s *MemStore) RecordTokenUse(ctx context.Context, tenantID, id string, now time.Time) (QRToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tokens {
		if t.ID != id || t.TenantID != tenantID {
			continue
		}
		t.UseCount++
		used := now
		t.UsedAt = &used
		s.tokens[key] = t
		return t, nil
	}
	return QRToken{}, ErrNotFound
}

// RevokeToken implements [Store.RevokeToken].
func (s *MemStore) RevokeToken(ctx context.Context, tenantID, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tokens {
		if t.ID != id || t.TenantID != tenantID {
			continue
		}
		if t.RevokedAt == nil {
			revoked := now
			t.RevokedAt = &revoked
			s.tokens[key] = t
		}
		return nil
	}
	return ErrNotFound
}

// CreateAuthorizationRequest implements [Store.CreateAuthorizationRequest].
func (s *MemStore) CreateAuthorizationRequest(ctx context.Context, r AuthorizationRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[r.ID]; exists {
		return ErrDuplicateID
	}
	s.requests[r.ID] = r
	return nil
}

// AppendAccessLog implements [Store.AppendAccessLog].
func (s *MemStore) AppendAccessLog(ctx context.Context, l AccessLog) (string, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessLogs = append(s.accessLogs, l)
	return l.ID, nil
}

// AppendAuditLog implements [Store.AppendAuditLog].
func (s *MemStore) AppendAuditLog(ctx context.Context, l AuditLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, l)
	return nil
}

// ExtensionByDigits implements [Store.ExtensionByDigits].
func (s *MemStore) ExtensionByDigits(ctx context.Context, tenantID, extension string) (ExtensionRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.extensions[tenantID+"/"+extension]
	if !ok || !e.Enabled {
		return ExtensionRoute{}, ErrUnknownExtension
	}
	return e, nil
}

// UpsertExtension implements [Store.UpsertExtension].
func (s *MemStore) UpsertExtension(ctx context.Context, e ExtensionRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.extensions[e.TenantID+"/"+e.Extension] = e
	return nil
}

// Atomically implements [Store.Atomically]. Transactional sections are
// serialized against each other; there is no rollback.
func (s *MemStore) Atomically(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

// Ping implements [Store.Ping]. A MemStore is always reachable.
func (s *MemStore) Ping(ctx context.Context) error { return nil }

// AccessLogs returns a snapshot of all access log rows, oldest first.
// Intended for tests and the demo dashboard.
func (s *MemStore) AccessLogs() []AccessLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.accessLogs)
}

// AuditLogs returns a snapshot of all audit log rows, oldest first.
// Intended for tests and the demo dashboard.
func (s *MemStore) AuditLogs() []AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.auditLogs)
}
