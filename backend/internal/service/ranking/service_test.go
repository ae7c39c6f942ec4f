package ranking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"analytics-kiosk/backend/internal/domain/analytics"
	"analytics-kiosk/backend/internal/domain/roster"
	"analytics-kiosk/backend/internal/infra/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRoster struct {
	characters    []roster.Character
	records       []roster.PerformanceRecord
	reviews       []roster.Review
	err           error
	characterHits int
	reviewHits    int
	requestedIDs  []string
	reviewLimit   int
}

func (f *fakeRoster) ActiveCharacters(context.Context) ([]roster.Character, error) {
	f.characterHits++
	return f.characters, f.err
}

func (f *fakeRoster) LatestPerformance(_ context.Context, ids []string) ([]roster.PerformanceRecord, error) {
	f.requestedIDs = ids
	return f.records, nil
}

func (f *fakeRoster) RecentReviews(_ context.Context, limit int) ([]roster.Review, error) {
	f.reviewHits++
	f.reviewLimit = limit
	return f.reviews, f.err
}

func TestRankCharactersFiltersAndOrders(t *testing.T) {
	characters := []roster.Character{
		{ID: "zero", Name: "Zero"},
		{ID: "low", Name: "Low"},
		{ID: "high", Name: "High"},
	}
	records := []roster.PerformanceRecord{
		{Character: "zero", MeanPaymentRatio: 0.0},
		{Character: "low", MeanPaymentRatio: 0.05},
		{Character: "high", MeanPaymentRatio: 0.2},
	}

	ranked := RankCharacters(characters, records, TopN)
	require.Len(t, ranked, 2)
	assert.Equal(t, "high", ranked[0].ID)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, "low", ranked[1].ID)
	assert.Equal(t, 2, ranked[1].Rank)
}

func TestRankCharactersUsesLatestRecordPerCharacter(t *testing.T) {
	characters := []roster.Character{{ID: "a", Name: "Aria"}, {ID: "b", Name: "Bram"}}
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	records := []roster.PerformanceRecord{
		{Character: "a", MeanPaymentRatio: 0.1, ReviewCount: 9, CreatedAt: now},
		{Character: "a", MeanPaymentRatio: 0.9, CreatedAt: now.Add(-time.Hour)},
		{Character: "b", MeanPaymentRatio: 0.3, CreatedAt: now},
	}

	ranked := RankCharacters(characters, records, TopN)
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].ID)
	assert.Equal(t, "a", ranked[1].ID)
	assert.InDelta(t, 0.1, ranked[1].MeanPaymentRatio, 1e-9)
	assert.Equal(t, 9, ranked[1].ReviewCount)
}

func TestRankCharactersDropsMissingPerformanceAndCapsAtLimit(t *testing.T) {
	characters := make([]roster.Character, 0, 13)
	records := make([]roster.PerformanceRecord, 0, 12)
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("c%02d", i)
		characters = append(characters, roster.Character{ID: id})
		records = append(records, roster.PerformanceRecord{Character: id, MeanPaymentRatio: float64(i) / 100})
	}
	characters = append(characters, roster.Character{ID: "ghost"})

	ranked := RankCharacters(characters, records, TopN)
	require.Len(t, ranked, TopN)
	assert.Equal(t, "c12", ranked[0].ID)
	assert.Equal(t, "c03", ranked[9].ID)
	assert.Equal(t, 10, ranked[9].Rank)
}

func TestTopCharactersUsesCache(t *testing.T) {
	source := &fakeRoster{
		characters: []roster.Character{{ID: "a", Name: "Aria", ProfileImage: "a.png"}},
		records:    []roster.PerformanceRecord{{Character: "a", MeanPaymentRatio: 0.4}},
	}
	svc := NewService(source, cache.NewMemoryCache(), time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	first, err := svc.TopCharacters(ctx)
	require.NoError(t, err)
	second, err := svc.TopCharacters(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.characterHits)
	assert.Equal(t, []string{"a"}, source.requestedIDs)
	assert.Equal(t, "a.png", first[0].ProfileImage)
}

func TestTopCharactersWithoutCharacters(t *testing.T) {
	svc := NewService(&fakeRoster{}, nil, 0, zap.NewNop().Sugar())

	ranked, err := svc.TopCharacters(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ranked)
	assert.Empty(t, ranked)
}

func TestRecentReviewsThroughRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reviews := make([]roster.Review, 0, 10)
	for i := 10; i > 0; i-- {
		reviews = append(reviews, roster.Review{ID: int64(i), Character: "a", Text: "nice", CharacterName: "Aria"})
	}
	source := &fakeRoster{reviews: reviews}
	svc := NewService(source, cache.NewRedisCache(client, ""), time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	got, err := svc.RecentReviews(ctx)
	require.NoError(t, err)
	require.Len(t, got, ReviewFeedSize)
	assert.Equal(t, int64(10), got[0].ID)
	assert.Equal(t, ReviewFeedSize, source.reviewLimit)

	_, err = svc.RecentReviews(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, source.reviewHits)

	mr.FastForward(2 * time.Minute)
	_, err = svc.RecentReviews(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, source.reviewHits)
}

func TestErrorsAreNotCached(t *testing.T) {
	upstream := &analytics.UpstreamError{Source: "supabase", Op: "recent reviews", Err: errors.New("boom")}
	source := &fakeRoster{err: upstream}
	svc := NewService(source, cache.NewMemoryCache(), time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	_, err := svc.RecentReviews(ctx)
	assert.True(t, analytics.IsUpstream(err))

	source.err = nil
	source.reviews = []roster.Review{{ID: 1, CharacterName: "Unknown"}}
	got, err := svc.RecentReviews(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 2, source.reviewHits)
}
