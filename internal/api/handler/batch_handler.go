package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/service"
)

// BatchHandler handles batch-level endpoints.
type BatchHandler struct {
	batches *service.BatchCoordinator
	logger  *zap.Logger
}

func NewBatchHandler(batches *service.BatchCoordinator, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{batches: batches, logger: logger}
}

// CreateBatch handles POST /api/v1/batches
//
// @Summary  Register a batch before fanning out its items
// @Tags     batches
// @Accept   json
// @Produce  json
// @Param    body  body      domain.CreateBatchRequest  true  "Channel and expected item count"
// @Success  201   {object}  domain.Batch
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/batches [post]
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	batch, err := h.batches.CreateBatch(r.Context(), req)
	if err != nil {
		h.logger.Warn("create batch failed", zap.Error(err))
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, batch)
}

// GetBatch handles GET /api/v1/batches/{id}
//
// @Summary  Get batch progress
// @Tags     batches
// @Produce  json
// @Param    id   path      string  true  "Batch ID"
// @Success  200  {object}  domain.BatchProgress
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/batches/{id} [get]
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	progress, err := h.batches.GetBatchStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}
