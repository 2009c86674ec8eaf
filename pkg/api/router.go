// 文件: pkg/api/router.go
// 路由注册
//
// POST /internal/distribution/:kind/run  定时触发 (X-Trigger-Secret)
// POST /admin/distribution/:kind/run     管理员手动触发 / 补跑 (JWT)
// POST /admin/positions/:id/cancel       管理员取消持仓 (JWT)
// GET  /distribution/status              运行状态 (只读)
// GET  /healthz /readyz

package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Options struct {
	TriggerSecret  string
	AdminJWTSecret string
	DB             *gorm.DB
	Engine         Engine
	Positions      PositionCanceller
	Logger         *zap.Logger
	RunTimeout     time.Duration // HTTP 触发的运行上限
}

func NewRouter(opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	(&HealthHandler{DB: opts.DB}).Register(r)

	h := &DistributionHandler{
		Engine:     opts.Engine,
		Positions:  opts.Positions,
		Logger:     log,
		RunTimeout: opts.RunTimeout,
	}

	internal := r.Group("/internal", TriggerAuth(opts.TriggerSecret, log))
	internal.POST("/distribution/:kind/run", h.scheduledRun)

	admin := r.Group("/admin", AdminAuth(opts.AdminJWTSecret, log))
	admin.POST("/distribution/:kind/run", h.manualRun)
	admin.POST("/positions/:id/cancel", h.cancelPosition)

	r.GET("/distribution/status", h.status)
	return r
}

// requestLogger 访问日志
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/healthz" || c.FullPath() == "/readyz" {
			return
		}
		log.Info("[API] request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
