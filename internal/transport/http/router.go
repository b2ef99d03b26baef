package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/savings-ledger/internal/config"
	"github.com/richardliu001/savings-ledger/internal/reconcile"
	"github.com/richardliu001/savings-ledger/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.LedgerService, rec *reconcile.Reconciler, rl config.RateLimitConfig, adminToken string, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// providers retry on their own schedule; they are not rate limited
	r.POST("/v1/webhooks/:provider", webhookHandler(rec))

	api := r.Group("/v1", RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(api, svc)

	admin := api.Group("/admin", AdminAuth(adminToken))
	RegisterAdminHandlers(admin, svc, rec)
	return r
}
