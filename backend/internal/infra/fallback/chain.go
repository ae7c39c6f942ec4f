package fallback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNoStrategies 表示链上没有可执行的策略。
var ErrNoStrategies = errors.New("fallback chain has no strategies")

// Strategy 是回退链中的一种取数方式。
type Strategy[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Chain 依次尝试各个策略，第一个成功的结果直接返回。
type Chain[T any] struct {
	name       string
	strategies []Strategy[T]
	logger     *zap.SugaredLogger
}

// NewChain 构造回退链，nil Run 的策略会被忽略。
func NewChain[T any](name string, logger *zap.SugaredLogger, strategies ...Strategy[T]) *Chain[T] {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	filtered := make([]Strategy[T], 0, len(strategies))
	for _, s := range strategies {
		if s.Run != nil {
			filtered = append(filtered, s)
		}
	}
	return &Chain[T]{name: name, strategies: filtered, logger: logger}
}

// Run 执行回退链。全部失败时返回 errors.Join 汇总的错误，每个错误带策略名前缀。
func (c *Chain[T]) Run(ctx context.Context) (T, error) {
	var zero T
	if c == nil || len(c.strategies) == 0 {
		return zero, ErrNoStrategies
	}

	errs := make([]error, 0, len(c.strategies))
	for idx, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result, err := strategy.Run(ctx)
		if err == nil {
			if idx > 0 {
				c.logger.Infow("fallback strategy succeeded", "chain", c.name, "strategy", strategy.Name, "attempt", idx+1)
			}
			return result, nil
		}
		c.logger.Warnw("fallback strategy failed", "chain", c.name, "strategy", strategy.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", strategy.Name, err))
	}
	return zero, errors.Join(errs...)
}

// Names 返回链上策略名，便于日志与测试。
func (c *Chain[T]) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name)
	}
	return names
}
