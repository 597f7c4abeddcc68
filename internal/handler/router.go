package handler

import (
	"creditledger/internal/config"
	"creditledger/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, authCfg config.AuthConfig, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	log = logger.OrNop(log)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	// 需要用户身份
	user := r.Group("/", AuthMiddleware(authCfg.TokenSecret))
	{
		user.POST("/generate", h.Generate)
		user.GET("/balance", h.GetBalance)

		payments := user.Group("/payments")
		{
			payments.POST("/create-intent", h.CreateIntent)
			payments.GET("/transactions", h.ListTransactions)
		}
	}

	// 签名在 service 层校验
	r.POST("/webhooks/payment", h.PaymentWebhook)

	admin := r.Group("/admin", AdminMiddleware(authCfg.AdminToken))
	{
		admin.POST("/ledger/adjust", h.AdjustLedger)
		admin.GET("/discrepancies", h.ListDiscrepancies)
	}

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
