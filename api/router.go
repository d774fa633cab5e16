package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"custodychain/api/handlers/common"
	custodyHandlers "custodychain/api/handlers/custody"
	failureHandlers "custodychain/api/handlers/failures"
	"custodychain/internal/infra/queue"
	"custodychain/internal/metrics"
	"custodychain/internal/middleware"
)

// QueueStatsProvider 异步重放队列积压
type QueueStatsProvider interface {
	Stats() map[string]*queue.QueueStats
}

// Dependencies 路由依赖；Reader、Queues、RateLimiter 可为空
type Dependencies struct {
	Engine      custodyHandlers.Validator
	Failures    failureHandlers.Service
	Reader      custodyHandlers.VerificationReader
	Queues      QueueStatsProvider
	Redis       redis.UniversalClient
	RateLimiter *middleware.RateLimiter
	Logger      *zap.Logger
}

// SetupRouter 组装 HTTP 路由
func SetupRouter(deps Dependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.RequestLogger(log.Named("http")))
	r.Use(metrics.PrometheusMiddleware())
	r.Use(CORS())

	r.GET("/health", HealthCheck())
	r.GET("/ready", ReadinessCheck(deps.Redis))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if deps.RateLimiter != nil {
		v1.Use(middleware.RateLimitMiddleware(deps.RateLimiter))
	}

	custody := custodyHandlers.NewHandler(deps.Engine, deps.Reader)
	v1.POST("/actions/validate", custody.ValidateAction)

	entities := v1.Group("/entities/:id")
	{
		entities.GET("/state", custody.GetState)
		entities.GET("/credential", custody.GetCredential)
		entities.GET("/verification", custody.GetVerification)
		entities.POST("/block", custody.Block)
		entities.DELETE("/block", custody.Unblock)
	}

	failures := failureHandlers.NewHandler(deps.Failures)
	dlq := v1.Group("/failures")
	{
		dlq.GET("", failures.List)
		dlq.GET("/stats", failures.Stats)
		dlq.GET("/:id", failures.Get)
		dlq.POST("/:id/retry", failures.Retry)
		dlq.POST("/:id/retry/async", failures.RetryAsync)
		dlq.POST("/:id/review", failures.Review)
	}

	v1.GET("/queues/stats", func(c *gin.Context) {
		if deps.Queues == nil {
			c.JSON(http.StatusServiceUnavailable, common.ErrorResponse{Code: "ASYNC_REPLAY_DISABLED", Message: "未启用异步重放"})
			return
		}
		c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: deps.Queues.Stats()})
	})

	return r
}
