package infra

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"analytics-kiosk/backend/internal/config"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPort = 6379
	defaultRedisTTL  = 5 * time.Second
)

// RedisOptions 描述连接 Redis 所需的配置。
type RedisOptions struct {
	Host     string
	Port     int
	Password string
	DB       int
	Timeout  time.Duration
}

// RedisOptionsFromSettings 将配置转换为连接参数，未配置 Endpoint 时返回 ok=false。
func RedisOptionsFromSettings(settings config.RedisSettings) (RedisOptions, bool, error) {
	if strings.TrimSpace(settings.Endpoint) == "" {
		return RedisOptions{}, false, nil
	}
	host, port, err := parseEndpointWithDefault(settings.Endpoint, defaultRedisPort)
	if err != nil {
		return RedisOptions{}, false, fmt.Errorf("invalid redis endpoint: %w", err)
	}
	return RedisOptions{
		Host:     host,
		Port:     port,
		Password: settings.Password,
		DB:       settings.DB,
		Timeout:  defaultRedisTTL,
	}, true, nil
}

// NewRedisClient 根据配置创建 redis.Client，并执行一次 PING 验证连接。
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("redis host is required")
	}
	if opts.Port == 0 {
		opts.Port = defaultRedisPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRedisTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func parseEndpointWithDefault(endpoint string, defaultPort int) (string, int, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", 0, fmt.Errorf("endpoint is empty")
	}

	if !strings.Contains(endpoint, ":") {
		return endpoint, defaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}

	return host, port, nil
}
