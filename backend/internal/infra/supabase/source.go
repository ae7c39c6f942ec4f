package supabase

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"analytics-kiosk/backend/internal/domain/analytics"
	"analytics-kiosk/backend/internal/domain/roster"
	"analytics-kiosk/backend/internal/infra/fallback"
	"analytics-kiosk/backend/internal/infra/metrics"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const sourceName = "supabase"

const (
	tableCharacters  = "arimate_characters"
	tablePerformance = "arimate_character_performance_history"
	tableReviews     = "arimate_character_reviews"
)

const activeCharactersSQL = `
SELECT id::text AS id, COALESCE(name, '') AS name, COALESCE(profile_img, '') AS profile_img
FROM arimate_characters
WHERE "on" = true`

const latestPerformanceSQL = `
SELECT DISTINCT ON ("character")
	"character"::text AS "character",
	COALESCE(mean_payment_ratio, 0) AS mean_payment_ratio,
	COALESCE(review_count, 0) AS review_count,
	COALESCE(avg_story_rating, 0) AS avg_story_rating,
	COALESCE(avg_art_rating, 0) AS avg_art_rating,
	COALESCE(play_count, 0) AS play_count,
	COALESCE(completion_rate_recent_30d, 0) AS completion_rate_recent_30d,
	COALESCE(dropout_rate_recent_30d, 0) AS dropout_rate_recent_30d,
	created_at
FROM arimate_character_performance_history
WHERE "character"::text IN (?)
ORDER BY "character", created_at DESC`

const recentReviewsSQL = `
SELECT
	r.id,
	r."character"::text AS "character",
	COALESCE(r."user"::text, '') AS "user",
	COALESCE(r.story_star, 0) AS story_star,
	COALESCE(r.art_star, 0) AS art_star,
	r.review,
	r.created_at,
	COALESCE(c.name, 'Unknown') AS character_name,
	COALESCE(c.profile_img, '') AS profile_img
FROM arimate_character_reviews r
LEFT JOIN arimate_characters c ON r."character" = c.id
WHERE r.review IS NOT NULL AND r.review <> ''
ORDER BY r.created_at DESC
LIMIT %d`

// RosterSource 从 Supabase 读取角色、表现与评价数据。
// 直连 SQL、rpc/sql 与 REST 表查询依次回退，任一方式成功即返回。
type RosterSource struct {
	rest   *Client
	db     *sqlx.DB
	logger *zap.SugaredLogger
}

// NewRosterSource 构造数据源，rest 与 db 均可为空，缺失的方式不参与回退。
func NewRosterSource(rest *Client, db *sqlx.DB, logger *zap.SugaredLogger) *RosterSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RosterSource{rest: rest, db: db, logger: logger}
}

// Configured 表示至少有一种取数方式可用。
func (s *RosterSource) Configured() bool {
	return s != nil && (s.db != nil || s.rest.Configured())
}

// ActiveCharacters 返回所有上架（on=true）的角色。
func (s *RosterSource) ActiveCharacters(ctx context.Context) ([]roster.Character, error) {
	if !s.Configured() {
		return nil, analytics.ErrConfiguration
	}
	chain := fallback.NewChain("active_characters", s.logger,
		fallback.Strategy[[]roster.Character]{Name: "sql", Run: onlyIf(s.db != nil, func(ctx context.Context) ([]roster.Character, error) {
			out := make([]roster.Character, 0)
			err := s.db.SelectContext(ctx, &out, activeCharactersSQL)
			return out, err
		})},
		fallback.Strategy[[]roster.Character]{Name: "rest", Run: onlyIf(s.rest.Configured(), func(ctx context.Context) ([]roster.Character, error) {
			query := url.Values{}
			query.Set("on", "eq.true")
			query.Set("select", "id,name,profile_img")
			out := make([]roster.Character, 0)
			err := s.rest.Select(ctx, tableCharacters, query, &out)
			return out, err
		})},
	)
	return runChain(ctx, chain, "active characters")
}

// LatestPerformance 返回指定角色的表现记录。
// SQL 方式每个角色只返回最新一条；表查询方式返回按时间倒序的全部记录，由调用方取第一条。
func (s *RosterSource) LatestPerformance(ctx context.Context, characterIDs []string) ([]roster.PerformanceRecord, error) {
	if !s.Configured() {
		return nil, analytics.ErrConfiguration
	}
	if len(characterIDs) == 0 {
		return []roster.PerformanceRecord{}, nil
	}
	chain := fallback.NewChain("latest_performance", s.logger,
		fallback.Strategy[[]roster.PerformanceRecord]{Name: "sql", Run: onlyIf(s.db != nil, func(ctx context.Context) ([]roster.PerformanceRecord, error) {
			query, args, err := sqlx.In(latestPerformanceSQL, characterIDs)
			if err != nil {
				return nil, fmt.Errorf("expand ids: %w", err)
			}
			out := make([]roster.PerformanceRecord, 0, len(characterIDs))
			err = s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...)
			return out, err
		})},
		fallback.Strategy[[]roster.PerformanceRecord]{Name: "rpc", Run: onlyIf(s.rest.Configured(), func(ctx context.Context) ([]roster.PerformanceRecord, error) {
			statement := strings.Replace(latestPerformanceSQL, "?", quoteList(characterIDs), 1)
			out := make([]roster.PerformanceRecord, 0, len(characterIDs))
			err := s.rest.SQL(ctx, statement, &out)
			return out, err
		})},
		fallback.Strategy[[]roster.PerformanceRecord]{Name: "rest", Run: onlyIf(s.rest.Configured(), func(ctx context.Context) ([]roster.PerformanceRecord, error) {
			query := url.Values{}
			query.Set("character", "in.("+strings.Join(characterIDs, ",")+")")
			query.Set("order", "created_at.desc")
			out := make([]roster.PerformanceRecord, 0)
			err := s.rest.Select(ctx, tablePerformance, query, &out)
			return out, err
		})},
	)
	return runChain(ctx, chain, "latest performance")
}

// restReview 是 REST 嵌入查询返回的评价行，角色信息在嵌套对象中。
type restReview struct {
	roster.Review
	Joined *struct {
		Name         string `json:"name"`
		ProfileImage string `json:"profile_img"`
	} `json:"arimate_characters"`
}

// RecentReviews 返回最新 limit 条非空评价，并关联角色名与头像。
func (s *RosterSource) RecentReviews(ctx context.Context, limit int) ([]roster.Review, error) {
	if !s.Configured() {
		return nil, analytics.ErrConfiguration
	}
	if limit <= 0 {
		limit = 8
	}
	statement := fmt.Sprintf(recentReviewsSQL, limit)
	chain := fallback.NewChain("recent_reviews", s.logger,
		fallback.Strategy[[]roster.Review]{Name: "sql", Run: onlyIf(s.db != nil, func(ctx context.Context) ([]roster.Review, error) {
			out := make([]roster.Review, 0, limit)
			err := s.db.SelectContext(ctx, &out, statement)
			return out, err
		})},
		fallback.Strategy[[]roster.Review]{Name: "rpc", Run: onlyIf(s.rest.Configured(), func(ctx context.Context) ([]roster.Review, error) {
			out := make([]roster.Review, 0, limit)
			err := s.rest.SQL(ctx, statement, &out)
			return out, err
		})},
		fallback.Strategy[[]roster.Review]{Name: "rest", Run: onlyIf(s.rest.Configured(), func(ctx context.Context) ([]roster.Review, error) {
			query := url.Values{}
			query.Add("review", "not.is.null")
			query.Add("review", "neq.")
			query.Set("order", "created_at.desc")
			query.Set("limit", strconv.Itoa(limit))
			query.Set("select", "*,arimate_characters(name,profile_img)")
			rows := make([]restReview, 0, limit)
			if err := s.rest.Select(ctx, tableReviews, query, &rows); err != nil {
				return nil, err
			}
			out := make([]roster.Review, 0, len(rows))
			for _, row := range rows {
				review := row.Review
				if row.Joined != nil {
					review.CharacterName = row.Joined.Name
					review.ProfileImage = row.Joined.ProfileImage
				}
				out = append(out, review)
			}
			return out, nil
		})},
	)
	reviews, err := runChain(ctx, chain, "recent reviews")
	if err != nil {
		return nil, err
	}
	for i := range reviews {
		reviews[i] = reviews[i].Normalize()
	}
	return reviews, nil
}

// onlyIf 在 enabled 为 false 时返回 nil，使该策略被回退链忽略。
func onlyIf[T any](enabled bool, fn func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	if !enabled {
		return nil
	}
	return fn
}

func runChain[T any](ctx context.Context, chain *fallback.Chain[T], op string) (T, error) {
	result, err := chain.Run(ctx)
	if err != nil {
		metrics.RecordUpstreamCall(sourceName, op, "error")
		var zero T
		return zero, &analytics.UpstreamError{Source: sourceName, Op: op, Err: err}
	}
	metrics.RecordUpstreamCall(sourceName, op, "ok")
	return result, nil
}

// quoteList 将 id 列表转为 SQL 字面量列表，单引号按 SQL 规则转义。
func quoteList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, "'"+strings.ReplaceAll(v, "'", "''")+"'")
	}
	return strings.Join(quoted, ",")
}
