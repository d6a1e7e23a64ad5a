package handler

import (
	"net/http"

	"github.com/facilityhub/notifyq/internal/service"
)

// StatsHandler serves a human-readable JSON queue snapshot.
// Raw Prometheus metrics (counters, histograms) are available at /metrics
// via promhttp.Handler and are separate from this endpoint.
type StatsHandler struct {
	d *service.Dispatcher
}

func NewStatsHandler(d *service.Dispatcher) *StatsHandler {
	return &StatsHandler{d: d}
}

// GetStats handles GET /api/v1/stats
//
// @Summary  Queue depth per status
// @Tags     metrics
// @Produce  json
// @Success  200  {object}  service.QueueStats
// @Router   /api/v1/stats [get]
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.d.Stats(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
