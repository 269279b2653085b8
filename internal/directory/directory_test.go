package directory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/javierd009/agente-portero/internal/directory"
	"github.com/javierd009/agente-portero/internal/store"
)

const testTenant = "condominio-vista-hermosa"

func newService(t *testing.T) *directory.Service {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemStore()

	for _, r := range []store.Resident{
		{ID: "res-1", TenantID: testTenant, Name: "Carlos García", Phone: "+50688880001", Unit: "5", Tower: "A"},
		{ID: "res-2", TenantID: testTenant, Name: "María López", Phone: "+50688880002", Unit: "16", Tower: "B"},
		{ID: "res-3", TenantID: testTenant, Name: "Ana García", Phone: "+50688880003", Unit: "8", Tower: "A"},
		{ID: "res-4", TenantID: testTenant, Name: "Juan Pérez", Phone: "+50688880004", Unit: "21", Tower: "B"},
	} {
		if err := ms.CreateResident(ctx, r); err != nil {
			t.Fatalf("CreateResident %s: %v", r.ID, err)
		}
	}

	return directory.New(ms, nil)
}

func TestSearch_ExactSubstring(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	got, err := svc.Search(ctx, testTenant, directory.Query{Name: "garcía"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 matches, got %d", len(got))
	}
	for _, m := range got {
		if m.Confidence != 1 {
			t.Errorf("substring hit %s: confidence %f, want 1", m.Resident.ID, m.Confidence)
		}
	}
}

func TestSearch_PhoneticFallback(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	// "garsia" matches no substring, so the phonetic pass takes over and
	// must surface both García residents ranked alphabetically on the tie.
	got, err := svc.Search(ctx, testTenant, directory.Query{Name: "garsia"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 matches, got %d: %+v", len(got), got)
	}
	if got[0].Resident.Name != "Ana García" || got[1].Resident.Name != "Carlos García" {
		t.Errorf("order: got [%s, %s]", got[0].Resident.Name, got[1].Resident.Name)
	}
	for _, m := range got {
		if m.Confidence < 0.7 || m.Confidence >= 1 {
			t.Errorf("phonetic hit %s: confidence %f, want in [0.7, 1)", m.Resident.ID, m.Confidence)
		}
	}
}

func TestSearch_UnitOnly(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	got, err := svc.Search(ctx, testTenant, directory.Query{Unit: "16"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Resident.ID != "res-2" {
		t.Fatalf("want [res-2], got %+v", got)
	}

	// A unit nobody lives in finds nothing; there is no phonetic pass
	// without a name.
	empty, err := svc.Search(ctx, testTenant, directory.Query{Unit: "99"})
	if err != nil {
		t.Fatalf("Search empty unit: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("want no matches, got %+v", empty)
	}
}

func TestSearch_NameAndUnit(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	// The unit narrows the phonetic pass to one of the two Garcías.
	got, err := svc.Search(ctx, testTenant, directory.Query{Name: "garsia", Unit: "8"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Resident.ID != "res-3" {
		t.Fatalf("want [res-3], got %+v", got)
	}
}

func TestSearch_CapsResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ms := store.NewMemStore()
	for i := 0; i < 7; i++ {
		r := store.Resident{
			ID:       fmt.Sprintf("res-%d", i),
			TenantID: testTenant,
			Name:     fmt.Sprintf("José Mora %d", i),
			Phone:    fmt.Sprintf("+5068888%04d", i),
			Unit:     fmt.Sprintf("%d", i),
		}
		if err := ms.CreateResident(ctx, r); err != nil {
			t.Fatalf("CreateResident: %v", err)
		}
	}
	svc := directory.New(ms, nil)

	// "morra" forces the phonetic pass over all seven Moras.
	got, err := svc.Search(ctx, testTenant, directory.Query{Name: "morra"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("want 5 capped matches, got %d", len(got))
	}
}

func TestSearch_NoMatch(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	got, err := svc.Search(ctx, testTenant, directory.Query{Name: "zzzzz"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("want no matches, got %+v", got)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	if _, err := svc.Search(context.Background(), testTenant, directory.Query{}); err == nil {
		t.Fatal("empty query: want error, got nil")
	}
}

func TestSearch_TenantIsolation(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	got, err := svc.Search(ctx, "other-tenant", directory.Query{Name: "garcía"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("foreign tenant sees residents: %+v", got)
	}
}
