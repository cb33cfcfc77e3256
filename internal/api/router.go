package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/handlers"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/webhook"
)

func NewRouter(flows interfaces.FlowService, ingestor *webhook.Ingestor) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "authorization-orchestrator"})
	})

	// Authorization flow routes
	flowHandler := handlers.NewFlowHandler(flows)
	r.POST("/flows", flowHandler.StartFlow)
	r.GET("/flows/:proposalId", flowHandler.GetFlow)
	r.DELETE("/flows/:proposalId", flowHandler.CancelFlow)
	r.GET("/banks", flowHandler.ListBanks)

	// Bank callbacks
	webhookHandler := handlers.NewWebhookHandler(ingestor)
	r.POST("/webhooks/banks/:bankCode", webhookHandler.ReceiveBankEvent)

	return r
}
