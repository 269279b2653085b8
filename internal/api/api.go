// Package api exposes the concierge's HTTP surface: QR credential lifecycle,
// fast-path commands, intercom extension hooks, device event queries, the
// audit sink, health probes and metrics.
//
// Every non-public route is tenant-scoped through the x-tenant-id header.
// Handlers translate domain errors into status codes at this boundary and
// never leak device payloads or internals into response bodies.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/fastpath"
	"github.com/javierd009/agente-portero/internal/gate"
	"github.com/javierd009/agente-portero/internal/health"
	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/internal/qr"
	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/internal/transcribe"
	"github.com/javierd009/agente-portero/pkg/isapi"
)

// validate checks request DTO tags. Shared; the validator is safe for
// concurrent use.
var validate = validator.New()

// Server bundles the HTTP handlers and their dependencies.
type Server struct {
	cfg      *config.Config
	store    store.Store
	qr       *qr.Service
	fastpath *fastpath.Dispatcher
	opener   *gate.Opener
	registry *isapi.Registry
	trans    *transcribe.Transcriber
	health   *health.Handler
	metrics  *observe.Metrics
}

// Config wires a [Server]. Transcriber may be nil; the voice-note endpoint
// then answers 503.
type Config struct {
	Store       store.Store
	QR          *qr.Service
	FastPath    *fastpath.Dispatcher
	Opener      *gate.Opener
	Registry    *isapi.Registry
	Transcriber *transcribe.Transcriber
	Health      *health.Handler
	Metrics     *observe.Metrics
}

// New returns an API server over the given services.
func New(cfg *config.Config, deps Config) *Server {
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	reg := deps.Registry
	if reg == nil {
		reg = isapi.NewRegistry()
	}
	h := deps.Health
	if h == nil {
		h = health.New()
	}
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		qr:       deps.QR,
		fastpath: deps.FastPath,
		opener:   deps.Opener,
		registry: reg,
		trans:    deps.Transcriber,
		health:   h,
		metrics:  m,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	// Public surface: probes, metrics and the QR landing page. The token in
	// the URL is the capability; no tenant header is required.
	s.health.Register(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/qr/{token}", s.handleQRScan).Methods(http.MethodGet)

	// Tenant-scoped surface.
	t := r.NewRoute().Subrouter()
	t.Use(s.requireTenant)
	t.HandleFunc("/qr/issue-visit", s.handleQRIssue).Methods(http.MethodPost)
	t.HandleFunc("/qr/consume", s.handleQRConsume).Methods(http.MethodPost)
	t.HandleFunc("/qr/revoke", s.handleQRRevoke).Methods(http.MethodPost)
	t.HandleFunc("/audit/log-open", s.handleLogOpen).Methods(http.MethodPost)
	t.HandleFunc("/intercom/call-start", s.handleCallStart).Methods(http.MethodPost)
	t.HandleFunc("/intercom/dtmf", s.handleDTMF).Methods(http.MethodPost)
	t.HandleFunc("/commands/dispatch", s.handleCommandDispatch).Methods(http.MethodPost)
	t.HandleFunc("/commands/voice-note", s.handleVoiceNote).Methods(http.MethodPost)
	t.HandleFunc("/devices/{host}/events", s.handleDeviceEvents).Methods(http.MethodGet)

	return r
}

// ── request/response plumbing ───────────────────────────────────────────────

// decodeJSON parses and validates a request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: response encode failed", "err", err)
	}
}

func writeAuditFailure(err error) {
	slog.Error("api: audit log write failed", "err", err)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinels onto HTTP statuses. Anything
// unclassified is an internal error with a generic body.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnknownExtension):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrRevoked):
		writeError(w, http.StatusGone, "revoked")
	case errors.Is(err, store.ErrExpired):
		writeError(w, http.StatusGone, "expired")
	case errors.Is(err, store.ErrUsedUp):
		writeError(w, http.StatusGone, "used_up")
	case errors.Is(err, qr.ErrProvisioning):
		writeError(w, http.StatusBadGateway, "device provisioning failed")
	default:
		slog.Error("api: request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
