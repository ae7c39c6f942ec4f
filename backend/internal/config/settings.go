package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"analytics-kiosk/backend/internal/domain/analytics"
)

const (
	// ModeLocal 使用本地 SQLite 文件作为存储。
	ModeLocal = "local"
	// ModeOnline 使用 MySQL 作为存储。
	ModeOnline = "online"

	defaultPort          = "8080"
	defaultDBRelPath     = "data/analytics.db"
	defaultInterval      = 3 * time.Minute
	defaultRollupAt      = "02:00"
	defaultRollupDays    = 3
	defaultTimezone      = "Asia/Seoul"
	defaultViewCacheTTL  = 60 * time.Second
	defaultTriggerLimit  = 6
	defaultTriggerWindow = time.Minute
)

// Settings 汇总进程运行所需的全部配置。
type Settings struct {
	Port        string
	Mode        string
	DBPath      string
	MySQLDSN    string
	GA4         GA4Settings
	Supabase    SupabaseSettings
	Redis       RedisSettings
	Scheduler   SchedulerSettings
	BatchPolicy analytics.BatchPolicy
	ViewCache   time.Duration
	Trigger     TriggerSettings
	CORSOrigins []string
}

// GA4Settings 描述 GA4 Data API 的访问参数。
type GA4Settings struct {
	PropertyID      string
	CredentialsFile string
}

// Configured 表示是否提供了 property id。
func (s GA4Settings) Configured() bool {
	return strings.TrimSpace(s.PropertyID) != ""
}

// SupabaseSettings 描述 Supabase REST 与直连数据库的参数。
type SupabaseSettings struct {
	URL     string
	AnonKey string
	DBURL   string
}

// RESTConfigured 表示 REST 接口参数是否齐全。
func (s SupabaseSettings) RESTConfigured() bool {
	return s.URL != "" && s.AnonKey != ""
}

// RedisSettings 为空 Endpoint 时不连接 Redis，缓存与限流退化为内存实现。
type RedisSettings struct {
	Endpoint string
	Password string
	DB       int
}

// SchedulerSettings 描述实时采集与每日汇总的调度参数。
type SchedulerSettings struct {
	Interval     time.Duration
	RollupHour   int
	RollupMinute int
	RollupDays   int
	Location     *time.Location
	Autostart    bool
}

// RollupAt 以 HH:MM 形式返回每日汇总时间。
func (s SchedulerSettings) RollupAt() string {
	return fmt.Sprintf("%02d:%02d", s.RollupHour, s.RollupMinute)
}

// TriggerSettings 限制手动触发接口的调用频率。
type TriggerSettings struct {
	Limit  int
	Window time.Duration
}

// Load 加载 env 文件后解析配置，非法值返回错误，缺失值使用默认值。
func Load() (Settings, error) {
	LoadEnvFiles()

	settings := Settings{
		Port:     envOr("SERVER_PORT", defaultPort),
		Mode:     strings.ToLower(envOr("APP_MODE", ModeLocal)),
		DBPath:   normalisePath(envOr("ANALYTICS_DB_PATH", defaultDBRelPath)),
		MySQLDSN: strings.TrimSpace(os.Getenv("MYSQL_DSN")),
		GA4: GA4Settings{
			PropertyID:      strings.TrimSpace(os.Getenv("GA4_PROPERTY_ID")),
			CredentialsFile: strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		},
		Supabase: SupabaseSettings{
			URL:     strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
			AnonKey: strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
			DBURL:   strings.TrimSpace(os.Getenv("SUPABASE_DB_URL")),
		},
		Redis: RedisSettings{
			Endpoint: strings.TrimSpace(os.Getenv("REDIS_ENDPOINT")),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		CORSOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if settings.Mode != ModeLocal && settings.Mode != ModeOnline {
		return Settings{}, fmt.Errorf("invalid APP_MODE %q", settings.Mode)
	}
	if settings.Mode == ModeOnline && settings.MySQLDSN == "" {
		return Settings{}, fmt.Errorf("MYSQL_DSN is required when APP_MODE=%s", ModeOnline)
	}

	var err error
	if settings.Redis.DB, err = intFromEnv("REDIS_DB", 0); err != nil {
		return Settings{}, err
	}

	sched := SchedulerSettings{}
	if sched.Interval, err = durationFromEnv("COLLECT_INTERVAL", defaultInterval); err != nil {
		return Settings{}, err
	}
	if sched.RollupHour, sched.RollupMinute, err = ParseClock(envOr("DAILY_ROLLUP_AT", defaultRollupAt)); err != nil {
		return Settings{}, err
	}
	if sched.RollupDays, err = intFromEnv("DAILY_ROLLUP_DAYS", defaultRollupDays); err != nil {
		return Settings{}, err
	}
	if sched.RollupDays <= 0 {
		return Settings{}, fmt.Errorf("DAILY_ROLLUP_DAYS must be positive, got %d", sched.RollupDays)
	}
	tz := envOr("APP_TIMEZONE", defaultTimezone)
	if sched.Location, err = time.LoadLocation(tz); err != nil {
		return Settings{}, fmt.Errorf("invalid APP_TIMEZONE %q: %w", tz, err)
	}
	if sched.Autostart, err = boolFromEnv("SCHEDULER_AUTOSTART", false); err != nil {
		return Settings{}, err
	}
	settings.Scheduler = sched

	if settings.BatchPolicy, err = analytics.ParseBatchPolicy(os.Getenv("LOCATION_BATCH_POLICY")); err != nil {
		return Settings{}, err
	}
	if settings.ViewCache, err = durationFromEnv("VIEW_CACHE_TTL", defaultViewCacheTTL); err != nil {
		return Settings{}, err
	}

	settings.Trigger = TriggerSettings{Window: defaultTriggerWindow}
	if settings.Trigger.Limit, err = intFromEnv("MANUAL_TRIGGER_LIMIT", defaultTriggerLimit); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

// ParseClock 解析 HH:MM 形式的时间。
func ParseClock(raw string) (int, int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q: expected HH:MM", raw)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return value, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// normalisePath 将路径展开为绝对路径，兼容 ~ 前缀与相对路径。
func normalisePath(raw string) string {
	if raw == "" {
		return raw
	}
	if strings.HasPrefix(raw, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			raw = filepath.Join(home, strings.TrimPrefix(raw, "~"))
		}
	}
	if filepath.IsAbs(raw) {
		return raw
	}
	if abs, err := filepath.Abs(raw); err == nil {
		return abs
	}
	return raw
}
