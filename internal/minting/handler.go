package minting

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/groeimetai/certminter/internal/pkg/httputil"
)

// Pagination constants.
const (
	DefaultItemsLimit = 100
	MaxItemsLimit     = 500
)

// Handler handles HTTP requests for the minting queue (admin only).
type Handler struct {
	queue     *Queue
	scheduler *Scheduler
	validator *validator.Validate
}

// NewHandler creates a new minting handler.
func NewHandler(queue *Queue, scheduler *Scheduler) *Handler {
	return &Handler{
		queue:     queue,
		scheduler: scheduler,
		validator: httputil.NewValidator(),
	}
}

// RegisterRoutes registers queue administration routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.GetSnapshot)
		r.Post("/", h.ProcessQueue)
		r.Get("/items", h.ListItems)
		r.Get("/items/{id}", h.GetItem)
		r.Post("/retry", h.RetryFailed)
		r.Post("/cleanup", h.Cleanup)
	})
}

// RetryRequest represents the request body for retrying failed items.
type RetryRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
}

// CleanupRequest represents the request body for queue cleanup.
type CleanupRequest struct {
	RetentionDays *int `json:"retention_days" validate:"required,min=0,max=3650"`
}

// ProcessResponse is returned by a manual queue run.
type ProcessResponse struct {
	Run *RunReport `json:"run"`
	*Snapshot
}

// GetSnapshot handles GET /queue request.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.scheduler.Snapshot(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, queueErrors)
		return
	}
	httputil.Success(w, http.StatusOK, snapshot)
}

// ProcessQueue handles POST /queue request. The run is detached from the
// request so a client disconnect does not cut a batch short.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	report, err := h.scheduler.ProcessQueue(ctx)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, queueErrors)
		return
	}

	snapshot, err := h.scheduler.Snapshot(ctx)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, queueErrors)
		return
	}
	httputil.Success(w, http.StatusOK, ProcessResponse{Run: report, Snapshot: snapshot})
}

// ListItems handles GET /queue/items request.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	status := QueueStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		httputil.Error(w, http.StatusBadRequest, "invalid status")
		return
	}

	limit := DefaultItemsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxItemsLimit {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	items, err := h.queue.ListQueueItems(r.Context(), status, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, queueErrors)
		return
	}
	httputil.Success(w, http.StatusOK, items)
}

// GetItem handles GET /queue/items/{id} request.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.GetQueueItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, queueErrors)
		return
	}
	httputil.Success(w, http.StatusOK, item)
}

// RetryFailed handles POST /queue/retry request.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	n, err := h.queue.RetryFailed(r.Context(), req.IDs)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, queueErrors)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int64{"reset": n})
}

// Cleanup handles POST /queue/cleanup request.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	n, err := h.queue.Cleanup(r.Context(), *req.RetentionDays)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, queueErrors)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]int64{"deleted": n})
}

var queueErrors = []httputil.ErrorMapping{
	{Error: ErrQueueItemNotFound, Status: http.StatusNotFound},
	{Error: ErrInvalidQueueItem, Status: http.StatusBadRequest},
	{Error: ErrDuplicateQueueEntry, Status: http.StatusConflict},
}
