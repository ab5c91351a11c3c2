package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"stand-queue/internal/services"
	"stand-queue/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type QueueHandler struct {
	queueService *services.QueueService
}

func NewQueueHandler(queueService *services.QueueService) *QueueHandler {
	return &QueueHandler{queueService: queueService}
}

type participantRequest struct {
	ExternalID  int64  `json:"external_id"`
	DisplayName string `json:"display_name"`
}

// JoinQueue - POST /api/v1/queues/{queueId}/join
func (h *QueueHandler) JoinQueue(e *core.RequestEvent) error {
	queueID, err := pathID(e, "queueId")
	if err != nil {
		return err
	}

	var req participantRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	res, err := h.queueService.Join(e.Request.Context(), queueID, req.ExternalID, req.DisplayName)
	if err != nil {
		return apiError(err, "Failed to join queue")
	}
	return e.JSON(http.StatusOK, res)
}

// LeaveQueue - POST /api/v1/queues/{queueId}/leave
func (h *QueueHandler) LeaveQueue(e *core.RequestEvent) error {
	queueID, err := pathID(e, "queueId")
	if err != nil {
		return err
	}

	var req participantRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	res, err := h.queueService.Leave(e.Request.Context(), queueID, req.ExternalID)
	if err != nil {
		return apiError(err, "Failed to leave queue")
	}
	return e.JSON(http.StatusOK, res)
}

// GetPosition - GET /api/v1/queues/{queueId}/position?external_id=
func (h *QueueHandler) GetPosition(e *core.RequestEvent) error {
	queueID, err := pathID(e, "queueId")
	if err != nil {
		return err
	}

	externalID, err := strconv.ParseInt(e.Request.URL.Query().Get("external_id"), 10, 64)
	if err != nil {
		return apis.NewBadRequestError("external_id required", nil)
	}

	res, err := h.queueService.Position(e.Request.Context(), queueID, externalID)
	if err != nil {
		return apiError(err, "Failed to get position")
	}
	return e.JSON(http.StatusOK, res)
}

// CancelEntry - POST /api/v1/entries/{entryId}/cancel
func (h *QueueHandler) CancelEntry(e *core.RequestEvent) error {
	entryID, err := pathID(e, "entryId")
	if err != nil {
		return err
	}

	res, err := h.queueService.CancelEntry(e.Request.Context(), entryID)
	var cannotCancel *status.CannotCancelError
	if errors.As(err, &cannotCancel) {
		return e.JSON(http.StatusConflict, map[string]any{
			"cancelled": false,
			"message":   "Entry cannot be cancelled",
			"status":    cannotCancel.Status,
		})
	}
	if err != nil {
		return apiError(err, "Failed to cancel entry")
	}
	return e.JSON(http.StatusOK, res)
}

// ListQueues - GET /api/v1/queues
func (h *QueueHandler) ListQueues(e *core.RequestEvent) error {
	queues, err := h.queueService.ListQueues(e.Request.Context())
	if err != nil {
		return apiError(err, "Failed to list queues")
	}
	return e.JSON(http.StatusOK, map[string]any{"queues": queues})
}

// GetEstimate - GET /api/v1/queues/{queueId}/estimate
func (h *QueueHandler) GetEstimate(e *core.RequestEvent) error {
	queueID, err := pathID(e, "queueId")
	if err != nil {
		return err
	}

	res, err := h.queueService.Estimate(e.Request.Context(), queueID)
	if err != nil {
		return apiError(err, "Failed to estimate service time")
	}
	return e.JSON(http.StatusOK, res)
}

func pathID(e *core.RequestEvent, name string) (int64, error) {
	id, err := strconv.ParseInt(e.Request.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apis.NewBadRequestError("Invalid "+name, nil)
	}
	return id, nil
}

// apiError maps service errors to HTTP errors. Unknown errors are logged and
// reported as 500 with the given message.
func apiError(err error, message string) error {
	switch {
	case errors.Is(err, status.ErrCannotCancel), errors.Is(err, status.ErrInvalidTransition):
		return apis.NewApiError(http.StatusConflict, "Entry is not in a state that allows this", nil)
	case errors.Is(err, status.ErrParticipantIDRequired):
		return apis.NewBadRequestError("external_id required", nil)
	case errors.Is(err, status.ErrInvalidQueue):
		return apis.NewBadRequestError("Invalid queue", nil)
	case errors.Is(err, status.ErrQueueNotFound):
		return apis.NewNotFoundError("Queue not found", nil)
	case status.IsNotFound(err):
		return apis.NewNotFoundError("Not found", nil)
	case errors.Is(err, status.ErrStoreUnavailable):
		return apis.NewApiError(http.StatusServiceUnavailable, "Queue temporarily unavailable, try again", nil)
	}

	slog.Error(message, "error", err)
	return apis.NewInternalServerError(message, nil)
}
