package router

import (
	"github.com/gin-gonic/gin"

	"mrpilot.dev/pipeline/internal/http/handler"
)

func DeadLetterRouter(router *gin.RouterGroup, handler *handler.DeadLetterHandler) {
	router.GET("", handler.List)
	router.GET("/:entry_id", handler.Get)
	router.POST("/:entry_id/retry", handler.Retry)
	router.POST("/:entry_id/dismiss", handler.Dismiss)
}
