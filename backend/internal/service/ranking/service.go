package ranking

import (
	"context"
	"sort"
	"time"

	"analytics-kiosk/backend/internal/domain/roster"
	"analytics-kiosk/backend/internal/infra/cache"
	appLogger "analytics-kiosk/backend/internal/infra/logger"

	"go.uber.org/zap"
)

const (
	// TopN 是排行榜返回的角色数量。
	TopN = 10
	// ReviewFeedSize 是评价墙展示的评价条数。
	ReviewFeedSize = 8

	cacheKeyRankings = "character-rankings"
	cacheKeyReviews  = "character-reviews"
)

// Source 是角色、表现与评价数据的来源。
type Source interface {
	ActiveCharacters(ctx context.Context) ([]roster.Character, error)
	LatestPerformance(ctx context.Context, characterIDs []string) ([]roster.PerformanceRecord, error)
	RecentReviews(ctx context.Context, limit int) ([]roster.Review, error)
}

// Service 生成角色排行榜与评价墙，结果按 ttl 缓存。
type Service struct {
	source Source
	cache  cache.ViewCache
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewService 构造排行服务，viewCache 为空或 ttl<=0 时不缓存。
func NewService(source Source, viewCache cache.ViewCache, ttl time.Duration, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = appLogger.Named("service.ranking")
	}
	return &Service{source: source, cache: viewCache, ttl: ttl, logger: logger}
}

// TopCharacters 返回主指标为正的前 10 个上架角色。
func (s *Service) TopCharacters(ctx context.Context) ([]roster.RankedCharacter, error) {
	return cached(ctx, s, cacheKeyRankings, func(ctx context.Context) ([]roster.RankedCharacter, error) {
		characters, err := s.source.ActiveCharacters(ctx)
		if err != nil {
			return nil, err
		}
		if len(characters) == 0 {
			return []roster.RankedCharacter{}, nil
		}
		ids := make([]string, 0, len(characters))
		for _, c := range characters {
			ids = append(ids, c.ID)
		}
		records, err := s.source.LatestPerformance(ctx, ids)
		if err != nil {
			return nil, err
		}
		return RankCharacters(characters, records, TopN), nil
	})
}

// RecentReviews 返回最新的 8 条文字评价。
func (s *Service) RecentReviews(ctx context.Context) ([]roster.Review, error) {
	return cached(ctx, s, cacheKeyReviews, func(ctx context.Context) ([]roster.Review, error) {
		reviews, err := s.source.RecentReviews(ctx, ReviewFeedSize)
		if err != nil {
			return nil, err
		}
		if len(reviews) > ReviewFeedSize {
			reviews = reviews[:ReviewFeedSize]
		}
		return reviews, nil
	})
}

// RankCharacters 将角色与其最新表现记录关联，过滤主指标非正的角色后按主指标倒序取前 limit 个。
// records 需按创建时间倒序，同一角色取第一条；无记录的角色各项指标为 0，因此会被过滤。
func RankCharacters(characters []roster.Character, records []roster.PerformanceRecord, limit int) []roster.RankedCharacter {
	latest := roster.LatestByCharacter(records)

	ranked := make([]roster.RankedCharacter, 0, len(characters))
	for _, c := range characters {
		perf := latest[c.ID]
		if perf.MeanPaymentRatio <= 0 {
			continue
		}
		ranked = append(ranked, roster.RankedCharacter{
			ID:                c.ID,
			Name:              c.Name,
			ProfileImage:      c.ProfileImage,
			MeanPaymentRatio:  perf.MeanPaymentRatio,
			ReviewCount:       perf.ReviewCount,
			AvgStoryRating:    perf.AvgStoryRating,
			AvgArtRating:      perf.AvgArtRating,
			PlayCount:         perf.PlayCount,
			CompletionRate30d: perf.CompletionRate30d,
			DropoutRate30d:    perf.DropoutRate30d,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MeanPaymentRatio > ranked[j].MeanPaymentRatio
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// cached 先读缓存，未命中时加载并回写。缓存读写失败只记日志。
func cached[T any](ctx context.Context, s *Service, key string, load func(context.Context) (T, error)) (T, error) {
	if s.cache != nil && s.ttl > 0 {
		var hit T
		ok, err := s.cache.Get(ctx, key, &hit)
		if err != nil {
			s.logger.Warnw("view cache read failed", "key", key, "error", err)
		} else if ok {
			return hit, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if s.cache != nil && s.ttl > 0 {
		if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
			s.logger.Warnw("view cache write failed", "key", key, "error", err)
		}
	}
	return value, nil
}
