package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/service"
)

// AdminHandler exposes operational actions.
type AdminHandler struct {
	stall  *service.StallDetector
	logger *zap.Logger
}

func NewAdminHandler(stall *service.StallDetector, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{stall: stall, logger: logger}
}

// Sweep handles POST /api/v1/admin/sweep
//
// @Summary  Reclaim stalled leases now
// @Tags     admin
// @Produce  json
// @Param    now  query     string  false  "Sweep reference time (RFC3339, default now)"
// @Success  200  {object}  map[string]int
// @Failure  400  {object}  map[string]string
// @Router   /api/v1/admin/sweep [post]
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	now := h.stall.Now()
	if v := r.URL.Query().Get("now"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "now must be RFC3339")
			return
		}
		now = t
	}

	n, err := h.stall.SweepStalled(r.Context(), now)
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}
