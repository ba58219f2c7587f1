package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/devlink-io/devlink-core/internal/audit"
	"github.com/devlink-io/devlink-core/internal/device"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// WebSocket upgrade. Authentication happens inside the gateway,
	// before the upgrade.
	r.Get(s.wsPath, s.gateway.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{id}", s.handleGetDevice)
			r.Get("/{id}/events", s.handleDeviceEvents)
		})

		r.Get("/commands", s.handleCommandTrail)
	})

	return r
}

// handleHealth returns the coarse service health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.gateway.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  health.Status,
		"version": s.version,
	})
}

// handleStatus returns the full service status: gateway health plus the
// device fleet summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshots := s.manager.Devices(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway": s.gateway.Health(),
		"devices": map[string]any{
			"total":     len(snapshots),
			"connected": s.manager.Connected(),
		},
		"version": s.version,
	})
}

// handleMetrics returns the gateway performance counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Metrics())
}

// handleListDevices returns a snapshot of every managed device.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.manager.Devices(r.Context()),
	})
}

// handleGetDevice returns one device snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.manager.Device(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		writeInternalError(w, "failed to load device")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDeviceEvents returns the recent event history for one device,
// newest first. The limit query parameter caps the page size.
func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "event history not available")
		return
	}
	id := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.store.RecentEvents(r.Context(), id, limit)
	if err != nil {
		writeInternalError(w, "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"events":    events,
	})
}

// handleCommandTrail returns the command audit trail, newest first,
// filterable by device, user, source and status.
func (s *Server) handleCommandTrail(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "command trail not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: q.Get("device"),
		UserID:   q.Get("user"),
		Source:   q.Get("source"),
		Status:   q.Get("status"),
	}
	for param, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if raw := q.Get(param); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeBadRequest(w, param+" must be a non-negative integer")
				return
			}
			*dst = n
		}
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to load command trail")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
