package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"analytics-kiosk/backend/internal/app"
	"analytics-kiosk/backend/internal/config"
	"analytics-kiosk/backend/internal/handler"
	"analytics-kiosk/backend/internal/infra/cache"
	"analytics-kiosk/backend/internal/infra/ga4"
	"analytics-kiosk/backend/internal/infra/ratelimit"
	"analytics-kiosk/backend/internal/infra/supabase"
	"analytics-kiosk/backend/internal/middleware"
	"analytics-kiosk/backend/internal/repository"
	"analytics-kiosk/backend/internal/server"
	collectorsvc "analytics-kiosk/backend/internal/service/collector"
	dashboardsvc "analytics-kiosk/backend/internal/service/dashboard"
	rankingsvc "analytics-kiosk/backend/internal/service/ranking"

	"go.uber.org/zap"
)

const (
	cachePrefix   = "kiosk:view"
	limiterPrefix = "kiosk:rl"
	triggerPrefix = "trigger"
)

// Application 持有装配完成的调度器、查询服务与 HTTP 路由，供 cmd 入口启动与关闭。
type Application struct {
	Resources  *app.Resources
	Repository *repository.AnalyticsRepository
	Scheduler  *collectorsvc.Scheduler
	Dashboard  *dashboardsvc.Service
	Router     http.Handler
}

// BuildApplication 根据已初始化的资源装配仓储、数据源、服务与路由。
func BuildApplication(ctx context.Context, logger *zap.SugaredLogger, resources *app.Resources) (*Application, error) {
	if resources == nil || resources.DB == nil {
		return nil, fmt.Errorf("build application: store not initialised")
	}
	settings := resources.Config

	repo := repository.NewAnalyticsRepository(resources.DB,
		repository.WithBatchPolicy(settings.BatchPolicy),
		repository.WithRepositoryLogger(logger.Named("repository")),
	)
	if err := repo.Init(ctx); err != nil {
		return nil, fmt.Errorf("init analytics store: %w", err)
	}

	ga4Client, err := ga4.NewClient(ctx, settings.GA4.PropertyID, settings.GA4.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("init ga4 client: %w", err)
	}

	viewCache, limiter := initSharedState(resources, logger)

	rosterSource := supabase.NewRosterSource(
		supabase.NewClient(settings.Supabase.URL, settings.Supabase.AnonKey),
		resources.Supabase,
		logger.Named("supabase"),
	)
	if !rosterSource.Configured() {
		logger.Warnw("supabase not configured, ranking and review endpoints will report configuration errors")
	}

	scheduler := collectorsvc.NewScheduler(collectorConfig(settings), logger.Named("collector"), ga4Client, repo)
	dashboard := dashboardsvc.NewService(repo, settings.Scheduler.Location)
	ranking := rankingsvc.NewService(rosterSource, viewCache, settings.ViewCache, logger.Named("ranking"))

	var guard *middleware.TriggerGuard
	if settings.Trigger.Limit > 0 {
		guard = middleware.NewTriggerGuard(limiter, middleware.TriggerGuardConfig{
			Prefix: triggerPrefix,
			Limit:  settings.Trigger.Limit,
			Window: settings.Trigger.Window,
		})
	}

	router := server.NewRouter(server.RouterOptions{
		AnalyticsHandler:   handler.NewAnalyticsHandler(dashboard, ga4Client),
		UserMetricsHandler: handler.NewUserMetricsHandler(dashboard, scheduler),
		SchedulerHandler:   handler.NewSchedulerHandler(scheduler),
		RosterHandler:      handler.NewRosterHandler(ranking),
		StoreHandler:       handler.NewStoreHandler(dashboard, repo),
		TriggerGuard:       guard,
		AllowedOrigins:     settings.CORSOrigins,
		Debug:              settings.Mode == config.ModeLocal,
	})

	logger.Infow("application assembled",
		"mode", settings.Mode,
		"ga4_configured", ga4Client.Configured(),
		"supabase_configured", rosterSource.Configured(),
		"redis", resources.Redis != nil,
		"interval", settings.Scheduler.Interval,
		"rollup_at", settings.Scheduler.RollupAt(),
	)

	return &Application{
		Resources:  resources,
		Repository: repo,
		Scheduler:  scheduler,
		Dashboard:  dashboard,
		Router:     router,
	}, nil
}

func collectorConfig(settings config.Settings) collectorsvc.Config {
	return collectorsvc.Config{
		Interval:     settings.Scheduler.Interval,
		RollupHour:   settings.Scheduler.RollupHour,
		RollupMinute: settings.Scheduler.RollupMinute,
		RollupDays:   settings.Scheduler.RollupDays,
		Location:     settings.Scheduler.Location,
		BatchPolicy:  settings.BatchPolicy,
	}
}

// initSharedState 在 Redis 可用时使用 Redis 作为视图缓存与限流存储，否则退化为进程内实现。
func initSharedState(resources *app.Resources, logger *zap.SugaredLogger) (cache.ViewCache, ratelimit.Limiter) {
	if resources.Redis != nil {
		return cache.NewRedisCache(resources.Redis, cachePrefix), ratelimit.NewRedisLimiter(resources.Redis, limiterPrefix)
	}
	logger.Infow("using in-memory view cache and rate limiter; state won't be shared across instances")
	return cache.NewMemoryCache(), ratelimit.NewMemoryLimiter()
}
