package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/facilityhub/notifyq/internal/api/middleware"
	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/service"
)

// LeaseHandler exposes the worker protocol: claim, renew and report.
type LeaseHandler struct {
	d      *service.Dispatcher
	logger *zap.Logger
}

func NewLeaseHandler(d *service.Dispatcher, logger *zap.Logger) *LeaseHandler {
	return &LeaseHandler{d: d, logger: logger}
}

type claimRequest struct {
	WorkerID string          `json:"worker_id"`
	Channel  *domain.Channel `json:"channel,omitempty"`
	Limit    int             `json:"limit"`
}

type workerRequest struct {
	WorkerID string `json:"worker_id"`
}

// Claim handles POST /api/v1/leases/claim
//
// @Summary  Lease up to limit ready items to a worker
// @Tags     leases
// @Accept   json
// @Produce  json
// @Param    body  body      claimRequest  true  "Worker, optional channel, limit"
// @Success  200   {object}  map[string]any
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/leases/claim [post]
func (h *LeaseHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	items, err := h.d.Leases().Claim(r.Context(), req.Channel, req.Limit, req.WorkerID)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Renew handles POST /api/v1/leases/{id}/renew
//
// @Summary  Extend the lease on a processing item
// @Tags     leases
// @Accept   json
// @Produce  json
// @Param    id    path      string         true  "Item ID"
// @Param    body  body      workerRequest  true  "Lease holder"
// @Success  200   {object}  domain.QueueItem
// @Failure  409   {object}  map[string]string  "Lease no longer held"
// @Router   /api/v1/leases/{id}/renew [post]
func (h *LeaseHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	it, err := h.d.Leases().Renew(r.Context(), chi.URLParam(r, "id"), req.WorkerID)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, it)
}

// Outcome handles POST /api/v1/leases/{id}/outcome
//
// A stale report answers 409 and leaves the item untouched; the worker
// should discard its in-flight result.
//
// @Summary  Report the delivery outcome for a leased item
// @Tags     leases
// @Accept   json
// @Produce  json
// @Param    id    path      string           true  "Item ID"
// @Param    body  body      service.Outcome  true  "Outcome"
// @Success  200   {object}  domain.QueueItem
// @Failure  409   {object}  map[string]string  "Stale lease"
// @Router   /api/v1/leases/{id}/outcome [post]
func (h *LeaseHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	var o service.Outcome
	if err := decodeJSON(r, &o); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	o.ItemID = chi.URLParam(r, "id")

	it, err := h.d.Leases().Release(r.Context(), o)
	if err != nil {
		if !errors.Is(err, domain.ErrStaleLease) {
			apimw.Logger(r.Context(), h.logger).Warn("report outcome failed", zap.String("item_id", o.ItemID), zap.Error(err))
		}
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, it)
}
