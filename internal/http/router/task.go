package router

import (
	"github.com/gin-gonic/gin"

	"mrpilot.dev/pipeline/internal/http/handler"
)

func TaskRouter(router *gin.RouterGroup, handler *handler.TaskHandler) {
	router.GET("/:task_id", handler.Get)
	router.GET("/:task_id/history", handler.History)
}
