package handlers

import (
	"stand-queue/internal/services"
	"stand-queue/security"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
)

// RegisterRoutes binds the queue API. Operator routes require the operator
// key; joins go through the rate limiter when one is given.
func RegisterRoutes(r *router.Router[*core.RequestEvent], queueService *services.QueueService, limiter *security.RateLimiter, operatorKeyHash string) {
	queueHandler := NewQueueHandler(queueService)
	adminHandler := NewAdminHandler(queueService)
	operator := RequireOperator(operatorKeyHash)

	join := r.POST("/api/v1/queues/{queueId}/join", queueHandler.JoinQueue)
	if limiter != nil {
		join.BindFunc(limiter.QueueRateLimit())
	}
	r.POST("/api/v1/queues/{queueId}/leave", queueHandler.LeaveQueue)
	r.GET("/api/v1/queues/{queueId}/position", queueHandler.GetPosition)
	r.GET("/api/v1/queues/{queueId}/estimate", queueHandler.GetEstimate)
	r.GET("/api/v1/queues", queueHandler.ListQueues)
	r.POST("/api/v1/entries/{entryId}/cancel", queueHandler.CancelEntry)

	// Operator endpoints
	r.POST("/api/v1/queues/{queueId}/advance", adminHandler.AdvanceQueue).BindFunc(operator)
	r.GET("/api/v1/queues/{queueId}/waiting", adminHandler.GetWaiting).BindFunc(operator)
	r.POST("/api/v1/entries/{entryId}/serve", adminHandler.ServeEntry).BindFunc(operator)
	r.POST("/api/v1/entries/{entryId}/skip", adminHandler.SkipEntry).BindFunc(operator)

	admin := r.Group("/api/v1/admin")
	admin.BindFunc(operator)
	admin.POST("/queues", adminHandler.CreateQueue)
	admin.POST("/queues/{queueId}/rebuild", adminHandler.RebuildQueue)
}
