package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/pkg/isapi"
)

// defaultEventCount is how many journal rows a query returns when the caller
// does not say.
const defaultEventCount = 10

// handleDeviceEvents polls the access-control journal of one configured
// device. Hosts outside the tenant's device config do not exist as far as
// this endpoint is concerned.
func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	dev, ok := s.deviceByHost(host)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	count := defaultEventCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}

	loc, err := s.cfg.Tenant.Location()
	if err != nil {
		loc = time.UTC
	}

	client := s.registry.Client(host, s.cfg.Devices.Username, dev.Password,
		isapi.WithTimeout(s.cfg.Devices.Timeout))
	events, err := client.RecentEvents(r.Context(), count, loc)
	if err != nil {
		writeError(w, http.StatusBadGateway, "device query failed")
		return
	}
	if events == nil {
		events = []isapi.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// deviceByHost finds the configured device block for a host.
func (s *Server) deviceByHost(host string) (config.DeviceConfig, bool) {
	for _, dev := range []config.DeviceConfig{
		s.cfg.Devices.Panel,
		s.cfg.Devices.Pedestrian,
		s.cfg.Devices.Biometric1,
		s.cfg.Devices.Biometric2,
	} {
		if dev.Host != "" && dev.Host == host {
			return dev, true
		}
	}
	return config.DeviceConfig{}, false
}
