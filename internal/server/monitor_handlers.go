package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/finpulse/internal/monitor"
)

type MonitorHandlers struct {
	coordinator *monitor.Coordinator
	log         zerolog.Logger
}

func NewMonitorHandlers(coordinator *monitor.Coordinator, log zerolog.Logger) *MonitorHandlers {
	return &MonitorHandlers{coordinator: coordinator, log: log.With().Str("component", "monitor_handlers").Logger()}
}

func (h *MonitorHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/monitor/status/{id}", h.status)
	r.Post("/monitor/pulse/{id}", h.pulse)
}

func (h *MonitorHandlers) status(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")
	forceRun := r.URL.Query().Get("force") == "true"
	result, err := h.coordinator.Run(businessID, time.Now().UTC(), forceRun)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *MonitorHandlers) pulse(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "id")
	forceRun, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.coordinator.Pulse(businessID, time.Now().UTC(), forceRun); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pulsed"})
}
