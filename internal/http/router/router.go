package router

import (
	"github.com/gin-gonic/gin"

	"mrpilot.dev/pipeline/core/config"
	"mrpilot.dev/pipeline/internal/http/handler"
	"mrpilot.dev/pipeline/internal/http/handler/webhook"
	"mrpilot.dev/pipeline/internal/http/middleware"
	"mrpilot.dev/pipeline/internal/service"
)

type RouterConfig struct {
	GitLab      config.GitLabConfig
	AdminAPIKey string
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	gitlabWebhook := webhook.NewGitLabWebhookHandler(services.Ingest(), cfg.GitLab)
	router.POST("/webhooks/gitlab", gitlabWebhook.HandleEvent)

	v1 := router.Group("/api/v1", middleware.RequireAdminKey(cfg.AdminAPIKey))
	{
		taskHandler := handler.NewTaskHandler(services.Tasks())
		TaskRouter(v1.Group("/tasks"), taskHandler)

		deadLetterHandler := handler.NewDeadLetterHandler(services.DeadLetters())
		DeadLetterRouter(v1.Group("/dead-letters"), deadLetterHandler)
	}
}
