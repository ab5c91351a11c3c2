package handlers

import (
	"log/slog"
	"net/http"

	"stand-queue/internal/services"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"golang.org/x/crypto/bcrypt"
)

// OperatorKeyHeader carries the operator key checked by RequireOperator.
const OperatorKeyHeader = "X-Operator-Key"

type AdminHandler struct {
	queueService *services.QueueService
}

func NewAdminHandler(queueService *services.QueueService) *AdminHandler {
	return &AdminHandler{queueService: queueService}
}

// RequireOperator rejects requests whose operator key does not match the
// bcrypt hash. An empty hash rejects everything.
func RequireOperator(keyHash string) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		key := e.Request.Header.Get(OperatorKeyHeader)
		if keyHash == "" || key == "" {
			return apis.NewUnauthorizedError("Operator access required", nil)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
			slog.Warn("Rejected operator key", "ip", e.RealIP(), "path", e.Request.URL.Path)
			return apis.NewForbiddenError("Invalid operator key", nil)
		}
		return e.Next()
	}
}

// AdvanceQueue - POST /api/v1/queues/{queueId}/advance
func (h *AdminHandler) AdvanceQueue(e *core.RequestEvent) error {
	queueID, err := pathID(e, "queueId")
	if err != nil {
		return err
	}

	res, err := h.queueService.Advance(e.Request.Context(), queueID)
	if err != nil {
		return apiError(err, "Failed to advance queue")
	}
	return e.JSON(http.StatusOK, res)
}

// ServeEntry - POST /api/v1/entries/{entryId}/serve
func (h *AdminHandler) ServeEntry(e *core.RequestEvent) error {
	entryID, err := pathID(e, "entryId")
	if err != nil {
		return err
	}

	entry, err := h.queueService.CompleteEntry(e.Request.Context(), entryID)
	if err != nil {
		return apiError(err, "Failed to complete entry")
	}
	return e.JSON(http.StatusOK, entry)
}

// SkipEntry - POST /api/v1/entries/{entryId}/skip
func (h *AdminHandler) SkipEntry(e *core.RequestEvent) error {
	entryID, err := pathID(e, "entryId")
	if err != nil {
		return err
	}

	entry, err := h.queueService.SkipEntry(e.Request.Context(), entryID)
	if err != nil {
		return apiError(err, "Failed to skip entry")
	}
	return e.JSON(http.StatusOK, entry)
}

// GetWaiting - GET /api/v1/queues/{queueId}/waiting
func (h *AdminHandler) GetWaiting(e *core.RequestEvent) error {
	queueID, err := pathID(e, "queueId")
	if err != nil {
		return err
	}

	res, err := h.queueService.Waiting(e.Request.Context(), queueID)
	if err != nil {
		return apiError(err, "Failed to list waiting participants")
	}
	return e.JSON(http.StatusOK, res)
}

// CreateQueue - POST /api/v1/admin/queues
func (h *AdminHandler) CreateQueue(e *core.RequestEvent) error {
	var req struct {
		Name         string  `json:"name"`
		PriorMinutes float64 `json:"prior_minutes"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	q, err := h.queueService.CreateQueue(e.Request.Context(), req.Name, req.PriorMinutes)
	if err != nil {
		return apiError(err, "Failed to create queue")
	}
	return e.JSON(http.StatusCreated, q)
}

// RebuildQueue - POST /api/v1/admin/queues/{queueId}/rebuild
func (h *AdminHandler) RebuildQueue(e *core.RequestEvent) error {
	queueID, err := pathID(e, "queueId")
	if err != nil {
		return err
	}

	n, err := h.queueService.Rebuild(e.Request.Context(), queueID)
	if err != nil {
		return apiError(err, "Failed to rebuild queue")
	}

	slog.Info("Operator rebuilt queue", "queueID", queueID, "waiting", n, "ip", e.RealIP())
	return e.JSON(http.StatusOK, map[string]any{"queue_id": queueID, "waiting": n})
}
