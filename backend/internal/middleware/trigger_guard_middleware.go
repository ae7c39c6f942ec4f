package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	response "analytics-kiosk/backend/internal/infra/common"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	"analytics-kiosk/backend/internal/infra/ratelimit"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TriggerGuardConfig 描述手动触发接口的限流参数。
type TriggerGuardConfig struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// TriggerGuard 对手动采集、导入等会调用上游配额的接口按 IP 与路由限流。
type TriggerGuard struct {
	limiter ratelimit.Limiter
	cfg     TriggerGuardConfig
	logger  *zap.SugaredLogger
}

// NewTriggerGuard 构建 TriggerGuard，limiter 为空时不限流。
func NewTriggerGuard(limiter ratelimit.Limiter, cfg TriggerGuardConfig) *TriggerGuard {
	if cfg.Prefix == "" {
		cfg.Prefix = "trigger"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &TriggerGuard{
		limiter: limiter,
		cfg:     cfg,
		logger:  appLogger.Named("middleware.trigger_guard"),
	}
}

// Handle 返回 Gin 中间件，超限时返回 429 并附带 Retry-After。
func (m *TriggerGuard) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || m.limiter == nil || m.cfg.Limit <= 0 {
			c.Next()
			return
		}
		ip := strings.TrimSpace(c.ClientIP())
		if ip == "" {
			ip = "unknown"
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s:%s:%s", m.cfg.Prefix, route, ip)

		result, err := m.limiter.Allow(c.Request.Context(), key, m.cfg.Limit, m.cfg.Window)
		if err != nil {
			// 限流存储不可用时放行，只记录日志。
			m.logger.Warnw("trigger guard allow failed", "ip", ip, "route", route, "error", err)
			c.Next()
			return
		}
		if result.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}
		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Round(time.Second).Seconds())))
			}
			m.logger.Infow("manual trigger rate limited", "ip", ip, "route", route, "retry_after", result.RetryAfter)
			response.Fail(c, http.StatusTooManyRequests, response.ErrTooManyRequests, "too many manual triggers, retry later", nil)
			c.Abort()
			return
		}

		c.Next()
	}
}
