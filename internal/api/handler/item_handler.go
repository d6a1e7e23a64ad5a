package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/facilityhub/notifyq/internal/api/middleware"
	"github.com/facilityhub/notifyq/internal/domain"
	"github.com/facilityhub/notifyq/internal/service"
)

// ItemHandler handles the producer-facing queue item endpoints.
type ItemHandler struct {
	d      *service.Dispatcher
	logger *zap.Logger
}

func NewItemHandler(d *service.Dispatcher, logger *zap.Logger) *ItemHandler {
	return &ItemHandler{d: d, logger: logger}
}

// Enqueue handles POST /api/v1/items
//
// @Summary     Enqueue a delivery item
// @Tags        items
// @Accept      json
// @Produce     json
// @Param       body  body      domain.EnqueueRequest  true  "Item payload reference"
// @Success     201   {object}  domain.QueueItem
// @Failure     404   {object}  map[string]string      "Unknown batch_ref"
// @Failure     422   {object}  map[string]string
// @Failure     429   {object}  map[string]string
// @Router      /api/v1/items [post]
func (h *ItemHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	it, err := h.d.Enqueue(r.Context(), req)
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Warn("enqueue failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, it)
}

// GetByID handles GET /api/v1/items/{id}
//
// @Summary  Get a queue item by ID
// @Tags     items
// @Produce  json
// @Param    id   path      string  true  "Item ID"
// @Success  200  {object}  domain.QueueItem
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/items/{id} [get]
func (h *ItemHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	it, err := h.d.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, it)
}

// List handles GET /api/v1/items
//
// @Summary  List queue items with filtering and pagination
// @Tags     items
// @Produce  json
// @Param    status     query     string  false  "Filter by status"
// @Param    channel    query     string  false  "Filter by channel"
// @Param    batch_ref  query     string  false  "Filter by batch"
// @Param    page       query     int     false  "Page number (default 1)"
// @Param    limit      query     int     false  "Items per page (default 20, max 100)"
// @Success  200        {object}  map[string]any
// @Router   /api/v1/items [get]
func (h *ItemHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := parseListFilter(r)
	items, total, err := h.d.ListItems(r.Context(), filter)
	if err != nil {
		apimw.Logger(r.Context(), h.logger).Error("list items failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list items")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// Cancel handles POST /api/v1/items/{id}/cancel
//
// @Summary  Cancel a queued item
// @Tags     items
// @Param    id   path      string  true  "Item ID"
// @Success  200  {object}  domain.QueueItem
// @Failure  404  {object}  map[string]string
// @Failure  409  {object}  map[string]string  "Item is not queued"
// @Router   /api/v1/items/{id}/cancel [post]
func (h *ItemHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	it, err := h.d.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, it)
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	filter := domain.ListFilter{Page: 1, Limit: 20}

	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		filter.Status = &st
	}
	if ch := q.Get("channel"); ch != "" {
		c := domain.Channel(ch)
		filter.Channel = &c
	}
	if b := q.Get("batch_ref"); b != "" {
		filter.BatchRef = &b
	}
	return filter
}
