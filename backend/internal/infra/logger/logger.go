package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogFile = "logs/analytics-kiosk.log"

var (
	// globalLogger 缓存进程级 zap.Logger，组件通过 S()/Named() 获取。
	globalLogger *zap.Logger
	mu           sync.RWMutex
	once         sync.Once
)

// Options 描述日志初始化时可配置的参数。
type Options struct {
	Level      string
	Encoding   string
	FilePath   string // 为空或 "off" 时只输出到控制台
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Init 按环境变量初始化全局日志记录器，多次调用只构建一次。
func Init() (*zap.Logger, error) {
	var initErr error
	once.Do(func() {
		built, err := New(OptionsFromEnv())
		if err != nil {
			initErr = err
			return
		}
		mu.Lock()
		globalLogger = built
		mu.Unlock()
	})
	if initErr != nil {
		return nil, initErr
	}

	mu.RLock()
	defer mu.RUnlock()
	if globalLogger == nil {
		return nil, errors.New("logger not initialized")
	}
	return globalLogger, nil
}

// L 返回全局 zap.Logger，尚未初始化时自动初始化。
func L() *zap.Logger {
	mu.RLock()
	current := globalLogger
	mu.RUnlock()
	if current != nil {
		return current
	}

	built, err := Init()
	if err != nil {
		panic(fmt.Sprintf("logger init failed: %v", err))
	}
	return built
}

// S 返回 SugaredLogger，便于输出键值对日志。
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Named 返回带 component 字段的 SugaredLogger。
func Named(component string) *zap.SugaredLogger {
	return S().With("component", component)
}

// Replace 替换全局 logger，测试中常用 zap.NewNop()。
func Replace(l *zap.Logger) {
	if l == nil {
		return
	}
	once.Do(func() {})
	mu.Lock()
	globalLogger = l
	mu.Unlock()
}

// Sync 刷新缓冲区，通常在进程退出前调用。
func Sync() {
	mu.RLock()
	current := globalLogger
	mu.RUnlock()
	if current != nil {
		_ = current.Sync()
	}
}

// OptionsFromEnv 从环境变量解析日志配置，缺失项回退到默认值。
func OptionsFromEnv() Options {
	opts := Options{
		Level:      strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))),
		Encoding:   strings.ToLower(strings.TrimSpace(os.Getenv("LOG_ENCODING"))),
		FilePath:   strings.TrimSpace(os.Getenv("LOG_FILE")),
		MaxSize:    20,
		MaxBackups: 5,
		MaxAge:     15,
		Compress:   true,
	}

	if opts.Level == "" {
		opts.Level = "info"
	}
	if opts.Encoding == "" {
		opts.Encoding = "json"
	}
	if opts.FilePath == "" {
		opts.FilePath = defaultLogFile
	}

	opts.MaxSize = positiveIntOr(os.Getenv("LOG_MAX_SIZE"), opts.MaxSize)
	opts.MaxBackups = positiveIntOr(os.Getenv("LOG_MAX_BACKUPS"), opts.MaxBackups)
	opts.MaxAge = positiveIntOr(os.Getenv("LOG_MAX_AGE"), opts.MaxAge)
	if val := strings.TrimSpace(os.Getenv("LOG_COMPRESS")); val != "" {
		opts.Compress = val == "1" || strings.EqualFold(val, "true")
	}
	return opts
}

// New 根据 Options 构建 zap.Logger：控制台彩色输出始终开启，文件输出带滚动策略。
func New(opts Options) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if err := lvl.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeDuration = zapcore.StringDurationEncoder

	cores := make([]zapcore.Core, 0, 2)

	if path := opts.FilePath; path != "" && !strings.EqualFold(path, "off") {
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("logger create dir: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		}
		var fileEncoder zapcore.Encoder
		if opts.Encoding == "console" {
			fileEncoder = zapcore.NewConsoleEncoder(encoderCfg)
		} else {
			fileEncoder = zapcore.NewJSONEncoder(encoderCfg)
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotating), lvl))
	}

	consoleCfg := encoderCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.AddSync(os.Stdout),
		lvl,
	))

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func positiveIntOr(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
