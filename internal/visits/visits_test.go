package visits_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/internal/visits"
)

const testTenant = "condominio-vista-hermosa"

func seeded(t *testing.T) (*visits.Service, *store.MemStore) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemStore()

	if err := ms.CreateResident(ctx, store.Resident{
		ID: "res-1", TenantID: testTenant, Name: "Carlos García", Phone: "+50688880001", Unit: "5",
	}); err != nil {
		t.Fatalf("CreateResident: %v", err)
	}
	return visits.New(ms), ms
}

func TestCheckPreauthorized(t *testing.T) {
	svc, ms := seeded(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	for _, v := range []store.Visitor{
		{
			ID: "vis-1", TenantID: testTenant, ResidentID: "res-1", Name: "Pedro Mora",
			ValidUntil: now.Add(4 * time.Hour), Status: store.VisitorApproved,
		},
		{
			ID: "vis-2", TenantID: testTenant, ResidentID: "res-1", Name: "Pedro Mora",
			ValidUntil: now.Add(time.Hour), Status: store.VisitorApproved,
		},
		{
			ID: "vis-old", TenantID: testTenant, ResidentID: "res-1", Name: "Ana Solano",
			ValidUntil: now.Add(-time.Hour), Status: store.VisitorApproved,
		},
	} {
		if err := ms.CreateVisitor(ctx, v); err != nil {
			t.Fatalf("CreateVisitor: %v", err)
		}
	}

	// Two active windows for the same name: the one expiring soonest wins.
	got, err := svc.CheckPreauthorized(ctx, testTenant, visits.PreauthQuery{VisitorName: "pedro", Now: now})
	if err != nil {
		t.Fatalf("CheckPreauthorized: %v", err)
	}
	if !got.Authorized {
		t.Fatal("Authorized: want true")
	}
	if got.AuthorizationID != "vis-2" {
		t.Errorf("AuthorizationID: want vis-2 (soonest expiry), got %s", got.AuthorizationID)
	}
	if !got.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiresAt: want %v, got %v", now.Add(time.Hour), got.ExpiresAt)
	}
	if got.Visitor.Name != "Pedro Mora" {
		t.Errorf("Visitor.Name: want Pedro Mora, got %s", got.Visitor.Name)
	}

	// An expired window does not authorize.
	got, err = svc.CheckPreauthorized(ctx, testTenant, visits.PreauthQuery{VisitorName: "ana", Now: now})
	if err != nil {
		t.Fatalf("CheckPreauthorized expired: %v", err)
	}
	if got.Authorized {
		t.Error("expired visitor: want Authorized=false")
	}

	// An unknown name does not authorize.
	got, err = svc.CheckPreauthorized(ctx, testTenant, visits.PreauthQuery{VisitorName: "nadie", Now: now})
	if err != nil {
		t.Fatalf("CheckPreauthorized unknown: %v", err)
	}
	if got.Authorized {
		t.Error("unknown visitor: want Authorized=false")
	}
}

func TestRequestAuthorization(t *testing.T) {
	svc, _ := seeded(t)
	ctx := context.Background()

	id, err := svc.RequestAuthorization(ctx, testTenant, visits.AuthorizationAsk{
		ResidentID:  "res-1",
		VisitorName: "Pedro Mora",
		Reason:      "entrega de paquete",
	})
	if err != nil {
		t.Fatalf("RequestAuthorization: %v", err)
	}
	if id == "" {
		t.Fatal("request id: want non-empty")
	}

	// The resident must exist in the tenant.
	_, err = svc.RequestAuthorization(ctx, testTenant, visits.AuthorizationAsk{
		ResidentID:  "res-missing",
		VisitorName: "Pedro Mora",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing resident: want ErrNotFound, got %v", err)
	}

	// Required fields.
	if _, err := svc.RequestAuthorization(ctx, testTenant, visits.AuthorizationAsk{VisitorName: "Pedro"}); err == nil {
		t.Error("missing resident id: want error")
	}
	if _, err := svc.RequestAuthorization(ctx, testTenant, visits.AuthorizationAsk{ResidentID: "res-1"}); err == nil {
		t.Error("missing visitor name: want error")
	}
}

func TestLogVisit(t *testing.T) {
	svc, ms := seeded(t)
	ctx := context.Background()

	id, err := svc.LogVisit(ctx, testTenant, visits.VisitEntry{
		VisitorName: "Pedro Mora",
		ResidentID:  "res-1",
		Unit:        "5",
		Status:      store.VisitAuthorized,
		Notes:       "visita confirmada por el residente",
	})
	if err != nil {
		t.Fatalf("LogVisit: %v", err)
	}
	if id == "" {
		t.Fatal("visit id: want non-empty")
	}

	logs := ms.AccessLogs()
	if len(logs) != 1 {
		t.Fatalf("access logs: want 1, got %d", len(logs))
	}
	l := logs[0]
	if l.EventType != store.EventEntry {
		t.Errorf("EventType: want entry for authorized visit, got %s", l.EventType)
	}
	if l.Method != "voice_agent" {
		t.Errorf("Method: want voice_agent, got %s", l.Method)
	}
	if l.Extra["visitor_name"] != "Pedro Mora" || l.Extra["unit"] != "5" {
		t.Errorf("Extra: unexpected %v", l.Extra)
	}

	// Each status maps onto its own event type.
	for status, want := range map[store.VisitStatus]store.EventType{
		store.VisitDenied:             store.EventDenied,
		store.VisitPending:            store.EventPending,
		store.VisitTransferredToGuard: store.EventTransferred,
	} {
		if _, err := svc.LogVisit(ctx, testTenant, visits.VisitEntry{
			VisitorName: "X", Status: status,
		}); err != nil {
			t.Fatalf("LogVisit %s: %v", status, err)
		}
		logs = ms.AccessLogs()
		if got := logs[len(logs)-1].EventType; got != want {
			t.Errorf("status %s: want event %s, got %s", status, want, got)
		}
	}

	// Unknown statuses are rejected before touching the log.
	if _, err := svc.LogVisit(ctx, testTenant, visits.VisitEntry{Status: "vanished"}); err == nil {
		t.Error("invalid status: want error")
	}
}
