package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/javierd009/agente-portero/internal/api"
	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/fastpath"
	"github.com/javierd009/agente-portero/internal/gate"
	"github.com/javierd009/agente-portero/internal/health"
	"github.com/javierd009/agente-portero/internal/qr"
	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/internal/transcribe"
	"github.com/javierd009/agente-portero/pkg/isapi"
)

const (
	testTenant  = "b7a9f2c4-3d1e-4f5a-9c8b-2e6d7a1f0b3c"
	otherTenant = "06e1d1a2-54f3-4b8c-8d9e-0f1a2b3c4d5e"
)

// fakeDevice stands in for a door controller, optionally serving a canned
// event journal.
type fakeDevice struct {
	mu     sync.Mutex
	paths  []string
	status int
}

func newFakeDevice(t *testing.T, status int) (*fakeDevice, string) {
	t.Helper()
	fd := &fakeDevice{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fd.mu.Lock()
		fd.paths = append(fd.paths, r.URL.Path)
		fd.mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/ISAPI/AccessControl/AcsEvent") {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"AcsEvent":{"InfoList":[
				{"time":"2026-08-25T10:00:00-06:00","doorNo":1,"cardNo":"1234567890","name":"Pedro Mora","major":5,"minor":1},
				{"time":"2026-08-25T09:30:00-06:00","doorNo":1,"employeeNoString":"V1a2b3c4d5","major":5,"minor":75}
			]}}`)
			return
		}
		w.WriteHeader(fd.status)
	}))
	t.Cleanup(srv.Close)
	return fd, strings.TrimPrefix(srv.URL, "http://")
}

func (fd *fakeDevice) doorHits() int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	n := 0
	for _, p := range fd.paths {
		if strings.HasPrefix(p, "/ISAPI/AccessControl/RemoteControl/door/") ||
			strings.HasPrefix(p, "/ISAPI/System/IO/outputs/") {
			n++
		}
	}
	return n
}

// harness is one fully wired API instance over a memstore and a fake panel.
type harness struct {
	ts    *httptest.Server
	ms    *store.MemStore
	panel *fakeDevice
	host  string
}

func newHarness(t *testing.T, trans *transcribe.Transcriber) *harness {
	t.Helper()
	panel, host := newFakeDevice(t, http.StatusOK)

	cfg := &config.Config{
		Server: config.ServerConfig{PublicBaseURL: "https://portero.example.com"},
		Tenant: config.TenantConfig{ID: testTenant, Timezone: "America/Costa_Rica"},
		Devices: config.DevicesConfig{
			Username: "admin",
			Timeout:  2 * time.Second,
			Panel:    config.DeviceConfig{Host: host, Password: "secret"},
		},
		FastPath: config.FastPathConfig{
			OpenTimeout: time.Second,
			Debounce:    4 * time.Second,
			XMLMode:     config.XMLModeStrict,
		},
		QR: config.QRConfig{CardDigits: 10, EmployeePrefix: "V"},
	}

	ms := store.NewMemStore()
	if err := ms.CreateResident(context.Background(), store.Resident{
		ID:       "res-001",
		TenantID: testTenant,
		Name:     "María García",
		Unit:     "101",
	}); err != nil {
		t.Fatalf("seed resident: %v", err)
	}

	reg := isapi.NewRegistry()
	opener := gate.New(cfg, reg, ms, nil)
	qrSvc, err := qr.New(cfg, ms, reg, opener, nil)
	if err != nil {
		t.Fatalf("qr service: %v", err)
	}

	srv := api.New(cfg, api.Config{
		Store:       ms,
		QR:          qrSvc,
		FastPath:    fastpath.New(cfg, opener, ms, nil),
		Opener:      opener,
		Registry:    reg,
		Transcriber: trans,
		Health:      health.New(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &harness{ts: ts, ms: ms, panel: panel, host: host}
}

// call performs one JSON request with the tenant header and decodes the body.
func (h *harness) call(t *testing.T, method, path, tenant string, body any) (int, map[string]any) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if tenant != "" {
		req.Header.Set("x-tenant-id", tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("%s %s: body is not JSON: %s", method, path, raw)
		}
	}
	return resp.StatusCode, decoded
}

func (h *harness) issue(t *testing.T, maxUses int) string {
	t.Helper()
	status, body := h.call(t, http.MethodPost, "/qr/issue-visit", testTenant, map[string]any{
		"resident_id":        "res-001",
		"visitor_name":       "Pedro Mora",
		"valid_until":        time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"access_points":      []string{"vehicular_entry"},
		"max_uses":           maxUses,
		"authorization_type": "guest",
	})
	if status != http.StatusCreated {
		t.Fatalf("issue returned %d: %v", status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("issue response missing token: %v", body)
	}
	return token
}

// ── tenant scoping ──────────────────────────────────────────────────────────

func TestTenantHeader_Required(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	status, _ := h.call(t, http.MethodPost, "/qr/consume", "", map[string]any{
		"token": "x", "access_point": "vehicular_entry", "direction": "entry",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("missing header returned %d, want 400", status)
	}

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/qr/consume", strings.NewReader("{}"))
	req.Header.Set("x-tenant-id", "not-a-uuid")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed header returned %d, want 400", resp.StatusCode)
	}
}

// ── QR lifecycle over HTTP ──────────────────────────────────────────────────

func TestQR_IssueConsumeExhaust(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	token := h.issue(t, 1)

	consume := map[string]any{
		"token": token, "access_point": "vehicular_entry", "direction": "entry",
	}
	status, body := h.call(t, http.MethodPost, "/qr/consume", testTenant, consume)
	if status != http.StatusOK {
		t.Fatalf("first consume returned %d: %v", status, body)
	}
	if body["accepted"] != true || body["use_count"] != float64(1) {
		t.Fatalf("first consume body = %v", body)
	}
	if body["gate_opened"] != true {
		t.Errorf("gate_opened = %v against a healthy panel", body["gate_opened"])
	}

	status, body = h.call(t, http.MethodPost, "/qr/consume", testTenant, consume)
	if status != http.StatusGone {
		t.Fatalf("second consume returned %d, want 410: %v", status, body)
	}
	if body["error"] != "used_up" {
		t.Errorf("second consume error = %v, want used_up", body["error"])
	}
}

func TestQR_ConsumeWrongTenantIsNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	token := h.issue(t, 0)

	status, _ := h.call(t, http.MethodPost, "/qr/consume", otherTenant, map[string]any{
		"token": token, "access_point": "vehicular_entry", "direction": "entry",
	})
	if status != http.StatusNotFound {
		t.Fatalf("cross-tenant consume returned %d, want 404", status)
	}
}

func TestQR_ConsumeForbiddenAccessPoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	token := h.issue(t, 0) // allowed: vehicular_entry only

	status, body := h.call(t, http.MethodPost, "/qr/consume", testTenant, map[string]any{
		"token": token, "access_point": "pedestrian", "direction": "entry",
	})
	if status != http.StatusForbidden {
		t.Fatalf("forbidden access point returned %d: %v", status, body)
	}
}

func TestQR_RevokeOwnershipAndIdempotence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	token := h.issue(t, 0)

	status, _ := h.call(t, http.MethodPost, "/qr/revoke", testTenant, map[string]any{
		"resident_id": "res-999", "token": token,
	})
	if status != http.StatusForbidden {
		t.Fatalf("revoke by non-owner returned %d, want 403", status)
	}

	status, body := h.call(t, http.MethodPost, "/qr/revoke", testTenant, map[string]any{
		"resident_id": "res-001", "token": token,
	})
	if status != http.StatusOK || body["revoked"] != true {
		t.Fatalf("revoke returned %d: %v", status, body)
	}

	status, body = h.call(t, http.MethodPost, "/qr/revoke", testTenant, map[string]any{
		"resident_id": "res-001", "token": token,
	})
	if status != http.StatusOK || body["already_revoked"] != true {
		t.Fatalf("second revoke returned %d: %v", status, body)
	}

	status, body = h.call(t, http.MethodPost, "/qr/consume", testTenant, map[string]any{
		"token": token, "access_point": "vehicular_entry", "direction": "entry",
	})
	if status != http.StatusGone || body["error"] != "revoked" {
		t.Fatalf("consume after revoke returned %d: %v", status, body)
	}
}

func TestQR_LandingPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	token := h.issue(t, 1)

	// Public: no tenant header.
	status, body := h.call(t, http.MethodGet, "/qr/"+token, "", nil)
	if status != http.StatusOK || body["state"] != "active" {
		t.Fatalf("landing for active token: %d %v", status, body)
	}
	if body["uses_remaining"] != float64(1) {
		t.Errorf("uses_remaining = %v, want 1", body["uses_remaining"])
	}

	h.call(t, http.MethodPost, "/qr/consume", testTenant, map[string]any{
		"token": token, "access_point": "vehicular_entry", "direction": "entry",
	})
	status, body = h.call(t, http.MethodGet, "/qr/"+token, "", nil)
	if status != http.StatusGone || body["state"] != "used" {
		t.Fatalf("landing for used token: %d %v", status, body)
	}

	status, _ = h.call(t, http.MethodGet, "/qr/no-such-token", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("landing for unknown token: %d, want 404", status)
	}
}

func TestQR_IssueRejectsEmptyWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	now := time.Now().UTC()
	status, _ := h.call(t, http.MethodPost, "/qr/issue-visit", testTenant, map[string]any{
		"resident_id":        "res-001",
		"visitor_name":       "Pedro Mora",
		"valid_from":         now.Format(time.RFC3339),
		"valid_until":        now.Add(-time.Hour).Format(time.RFC3339),
		"access_points":      []string{"vehicular_entry"},
		"authorization_type": "guest",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("empty window returned %d, want 400", status)
	}
}

// ── audit sink ──────────────────────────────────────────────────────────────

func TestLogOpen_WritesPairedRows(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	status, body := h.call(t, http.MethodPost, "/audit/log-open", testTenant, map[string]any{
		"access_point":  "vehicular_entry",
		"success":       true,
		"actor_channel": "whatsapp",
		"actor_phone":   "+50688880001",
		"resident_id":   "res-001",
		"method":        "fast_path",
	})
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("log-open returned %d: %v", status, body)
	}
	if len(h.ms.AccessLogs()) != 1 || len(h.ms.AuditLogs()) != 1 {
		t.Fatalf("rows: access=%d audit=%d, want 1/1",
			len(h.ms.AccessLogs()), len(h.ms.AuditLogs()))
	}
}

// ── intercom hooks ──────────────────────────────────────────────────────────

func seedExtension(t *testing.T, h *harness, enabled bool) {
	t.Helper()
	if err := h.ms.UpsertExtension(context.Background(), store.ExtensionRoute{
		TenantID:    testTenant,
		Extension:   "7001",
		AccessPoint: store.AccessVehicularEntry,
		DeviceType:  "panel",
		DeviceHost:  h.host,
		DoorIndex:   1,
		Enabled:     enabled,
	}); err != nil {
		t.Fatalf("seed extension: %v", err)
	}
}

func TestIntercomCallStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedExtension(t, h, true)

	status, body := h.call(t, http.MethodPost, "/intercom/call-start", testTenant, map[string]any{
		"extension_called": "7001", "caller_id": "gate",
	})
	if status != http.StatusOK {
		t.Fatalf("call-start returned %d: %v", status, body)
	}
	if body["access_point"] != "vehicular_entry" || body["door_id"] != float64(1) {
		t.Errorf("call-start body = %v", body)
	}

	status, _ = h.call(t, http.MethodPost, "/intercom/call-start", testTenant, map[string]any{
		"extension_called": "9999",
	})
	if status != http.StatusNotFound {
		t.Fatalf("unknown extension returned %d, want 404", status)
	}
}

func TestIntercomCallStart_DisabledExtensionIsAbsent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedExtension(t, h, false)

	status, _ := h.call(t, http.MethodPost, "/intercom/call-start", testTenant, map[string]any{
		"extension_called": "7001",
	})
	if status != http.StatusNotFound {
		t.Fatalf("disabled extension returned %d, want 404", status)
	}
}

func TestIntercomDTMF(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	seedExtension(t, h, true)

	// A digit other than * only audits.
	status, body := h.call(t, http.MethodPost, "/intercom/dtmf", testTenant, map[string]any{
		"extension_called": "7001", "dtmf": "5",
	})
	if status != http.StatusOK || body["opened"] != false {
		t.Fatalf("dtmf 5 returned %d: %v", status, body)
	}
	if h.panel.doorHits() != 0 {
		t.Fatalf("dtmf 5 drove the device")
	}

	// Star opens when the PBX has not already.
	status, body = h.call(t, http.MethodPost, "/intercom/dtmf", testTenant, map[string]any{
		"extension_called": "7001", "dtmf": "*",
	})
	if status != http.StatusOK || body["opened"] != true {
		t.Fatalf("dtmf * returned %d: %v", status, body)
	}
	if h.panel.doorHits() != 1 {
		t.Errorf("device hits = %d, want 1", h.panel.doorHits())
	}

	// PBX already opened: audit only.
	before := h.panel.doorHits()
	status, body = h.call(t, http.MethodPost, "/intercom/dtmf", testTenant, map[string]any{
		"extension_called": "7001", "dtmf": "*", "opened": true,
	})
	if status != http.StatusOK || body["opened"] != true {
		t.Fatalf("dtmf * (pre-opened) returned %d: %v", status, body)
	}
	if h.panel.doorHits() != before {
		t.Errorf("device driven although the PBX already opened")
	}
}

// ── commands ────────────────────────────────────────────────────────────────

func TestCommandDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	status, body := h.call(t, http.MethodPost, "/commands/dispatch", testTenant, map[string]any{
		"phone": "+50688880001", "text": "abrir entrada",
	})
	if status != http.StatusOK || body["ok"] != true || body["matched"] != true {
		t.Fatalf("dispatch returned %d: %v", status, body)
	}
	if h.panel.doorHits() != 1 {
		t.Errorf("device hits = %d, want 1", h.panel.doorHits())
	}

	status, body = h.call(t, http.MethodPost, "/commands/dispatch", testTenant, map[string]any{
		"text": "llegó un paquete para la 101",
	})
	if status != http.StatusOK || body["matched"] != false {
		t.Fatalf("unmatched dispatch returned %d: %v", status, body)
	}
}

func TestVoiceNote_TranscribesAndDispatches(t *testing.T) {
	t.Parallel()

	stt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"abrir entrada"}`)
	}))
	t.Cleanup(stt.Close)

	h := newHarness(t, transcribe.New("key", "whisper-1", "es", transcribe.WithBaseURL(stt.URL)))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "note.ogg")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("fake-ogg"))
	mw.WriteField("phone", "+50688880001")
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/commands/voice-note", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-tenant-id", testTenant)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("voice-note returned %d: %v", resp.StatusCode, body)
	}
	if body["transcript"] != "abrir entrada" {
		t.Errorf("transcript = %v", body["transcript"])
	}
	if h.panel.doorHits() != 1 {
		t.Errorf("device hits = %d, want 1", h.panel.doorHits())
	}
}

// ── device events ───────────────────────────────────────────────────────────

func TestDeviceEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	status, body := h.call(t, http.MethodGet, "/devices/"+h.host+"/events?count=5", testTenant, nil)
	if status != http.StatusOK {
		t.Fatalf("events returned %d: %v", status, body)
	}
	events, ok := body["events"].([]any)
	if !ok || len(events) == 0 {
		t.Fatalf("events body = %v", body)
	}

	status, _ = h.call(t, http.MethodGet, "/devices/10.0.0.99/events", testTenant, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown host returned %d, want 404", status)
	}
}

// ── probes ──────────────────────────────────────────────────────────────────

func TestHealthAndMetricsArePublic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}
