package server

import (
	"fmt"
	"strings"
	"time"

	"analytics-kiosk/backend/internal/handler"
	"analytics-kiosk/backend/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions 汇总路由依赖，handler 为空时对应分组不注册。
type RouterOptions struct {
	AnalyticsHandler   *handler.AnalyticsHandler
	UserMetricsHandler *handler.UserMetricsHandler
	SchedulerHandler   *handler.SchedulerHandler
	RosterHandler      *handler.RosterHandler
	StoreHandler       *handler.StoreHandler
	TriggerGuard       *middleware.TriggerGuard
	AllowedOrigins     []string
	Debug              bool
}

// NewRouter 构建看板后端的 Gin Engine，汇总读取接口、调度接口与公共中间件。
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  false,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", "Retry-After", middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
		AllowOriginFunc:  originMatcher(opts.AllowedOrigins),
	}))
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/metrics", "/healthz"},
		Formatter: gin.LogFormatter(func(params gin.LogFormatterParams) string {
			requestID, _ := params.Keys[middleware.RequestIDKey].(string)
			return fmt.Sprintf("%s - [%s] \"%s %s\" %d %s %s\n",
				params.ClientIP,
				params.TimeStamp.Format(time.RFC3339),
				params.Method,
				params.Path,
				params.StatusCode,
				params.Latency,
				requestID,
			)
		}),
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.StoreHandler != nil {
		r.GET("/healthz", opts.StoreHandler.Health)
	}

	// 手动触发类接口会消耗上游配额，统一挂限流。
	guarded := func(h gin.HandlerFunc) []gin.HandlerFunc {
		if opts.TriggerGuard == nil {
			return []gin.HandlerFunc{h}
		}
		return []gin.HandlerFunc{opts.TriggerGuard.Handle(), h}
	}

	api := r.Group("/api")
	{
		analytics := api.Group("/analytics")
		if opts.AnalyticsHandler != nil {
			analytics.GET("/dashboard", opts.AnalyticsHandler.Dashboard)
			analytics.GET("/history/latest", opts.AnalyticsHandler.LatestHistory)
			analytics.GET("/location-history", opts.AnalyticsHandler.LocationHistory)
			analytics.GET("/realtime/locations", opts.AnalyticsHandler.RealtimeLocations)
		}

		if opts.UserMetricsHandler != nil {
			metrics := analytics.Group("/user-metrics")
			metrics.GET("/chart-data", opts.UserMetricsHandler.ChartData)
			metrics.GET("/historical", opts.UserMetricsHandler.ListHistorical)
			metrics.POST("/historical", guarded(opts.UserMetricsHandler.ImportHistorical)...)
			metrics.GET("/update", opts.UserMetricsHandler.RecentPreview)
			metrics.POST("/update", guarded(opts.UserMetricsHandler.RefreshRecent)...)
		}

		if opts.RosterHandler != nil {
			analytics.GET("/character-rankings", opts.RosterHandler.Rankings)
			analytics.GET("/character-reviews", opts.RosterHandler.Reviews)
		}

		if opts.SchedulerHandler != nil {
			scheduler := analytics.Group("/scheduler")
			scheduler.POST("/start", opts.SchedulerHandler.Start)
			scheduler.POST("/stop", opts.SchedulerHandler.Stop)
			scheduler.GET("/status", opts.SchedulerHandler.Status)
			scheduler.POST("/collect-now", guarded(opts.SchedulerHandler.CollectNow)...)
		}

		if opts.StoreHandler != nil {
			api.GET("/store/data", opts.StoreHandler.Data)
		}
	}

	return r
}

// originMatcher 放行配置的来源，未配置时只放行本机开发地址与 file:// 的 null 来源。
func originMatcher(allowed []string) func(string) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			wildcard = true
			continue
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	return func(origin string) bool {
		if origin == "" {
			return false
		}
		if wildcard {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		if origin == "null" {
			return true
		}
		return strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")
	}
}
