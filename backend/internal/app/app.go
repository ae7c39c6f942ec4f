package app

import (
	"context"
	"errors"
	"fmt"

	"analytics-kiosk/backend/internal/config"
	infra "analytics-kiosk/backend/internal/infra/client"
	appLogger "analytics-kiosk/backend/internal/infra/logger"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Resources 汇总进程级的外部连接，由 InitResources 创建、Close 释放。
type Resources struct {
	Config   config.Settings
	DB       *gorm.DB
	Redis    *redis.Client
	Supabase *sqlx.DB
}

// InitResources 加载配置并建立存储连接。
// 本地库连接失败直接返回错误；Redis 与 Supabase 直连为可选项，失败时降级并记录日志。
func InitResources(ctx context.Context) (*Resources, error) {
	logger := appLogger.Named("app")

	settings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var db *gorm.DB
	switch settings.Mode {
	case config.ModeOnline:
		db, err = infra.NewGORMMySQL(settings.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("connect mysql: %w", err)
		}
		logger.Infow("store connected", "mode", settings.Mode, "driver", "mysql")
	default:
		db, err = infra.NewGORMSQLite(settings.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Infow("store connected", "mode", settings.Mode, "driver", "sqlite", "path", settings.DBPath)
	}

	resources := &Resources{Config: settings, DB: db}

	redisOpts, redisEnabled, err := infra.RedisOptionsFromSettings(settings.Redis)
	if err != nil {
		_ = resources.Close()
		return nil, err
	}
	if redisEnabled {
		client, err := infra.NewRedisClient(redisOpts)
		if err != nil {
			logger.Warnw("redis unavailable, falling back to in-memory cache and limiter", "endpoint", settings.Redis.Endpoint, "error", err)
		} else {
			resources.Redis = client
			logger.Infow("redis connected", "host", redisOpts.Host, "port", redisOpts.Port, "db", redisOpts.DB)
		}
	}

	if settings.Supabase.DBURL != "" {
		supabaseDB, err := infra.NewSupabaseDB(ctx, settings.Supabase.DBURL)
		if err != nil {
			logger.Warnw("supabase direct connection unavailable, using REST only", "error", err)
		} else {
			resources.Supabase = supabaseDB
			logger.Infow("supabase direct connection ready")
		}
	}

	return resources, nil
}

// Close 依次关闭各连接，返回合并后的错误。
func (r *Resources) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Supabase != nil {
		if err := r.Supabase.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close supabase: %w", err))
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if r.DB != nil {
		if sqlDB, err := r.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
