package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"analytics-kiosk/backend/internal/domain/analytics"
	"analytics-kiosk/backend/internal/domain/roster"
	"analytics-kiosk/backend/internal/handler"
	"analytics-kiosk/backend/internal/infra/cache"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	"analytics-kiosk/backend/internal/infra/ratelimit"
	"analytics-kiosk/backend/internal/middleware"
	"analytics-kiosk/backend/internal/repository"
	collectorsvc "analytics-kiosk/backend/internal/service/collector"
	dashboardsvc "analytics-kiosk/backend/internal/service/dashboard"
	rankingsvc "analytics-kiosk/backend/internal/service/ranking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	appLogger.Replace(zap.NewNop())
	os.Exit(m.Run())
}

type stubMetrics struct {
	realtimeErr error
	daily       []analytics.DailyMetric
}

func (s *stubMetrics) FetchRealtimeSnapshot(context.Context) (analytics.RealtimeSummary, error) {
	if s.realtimeErr != nil {
		return analytics.RealtimeSummary{}, s.realtimeErr
	}
	return analytics.RealtimeSummary{
		TotalActiveUsers: 42,
		ByCountry:        map[string]int{"South Korea": 30, "United States": 12},
		ByDevice:         map[string]int{"desktop": 42},
		ByPlatform:       map[string]int{"web": 42},
	}, nil
}

func (s *stubMetrics) FetchRealtimeLocations(context.Context) (analytics.RealtimeLocations, error) {
	if s.realtimeErr != nil {
		return analytics.RealtimeLocations{}, s.realtimeErr
	}
	return analytics.RealtimeLocations{
		TotalActiveUsers: 42,
		LocationDetails: []analytics.LocationDetail{
			{Country: "South Korea", City: "Seoul", ActiveUsers: 30},
			{Country: "United States", City: "Austin", ActiveUsers: 12},
		},
	}, nil
}

func (s *stubMetrics) FetchDailyUserMetrics(context.Context, string, string) ([]analytics.DailyMetric, error) {
	return s.daily, nil
}

type stubRoster struct{}

func (stubRoster) ActiveCharacters(context.Context) ([]roster.Character, error) {
	return []roster.Character{{ID: "a", Name: "Aria"}, {ID: "b", Name: "Bram"}, {ID: "c", Name: "Cleo"}}, nil
}

func (stubRoster) LatestPerformance(context.Context, []string) ([]roster.PerformanceRecord, error) {
	return []roster.PerformanceRecord{
		{Character: "a", MeanPaymentRatio: 0.0},
		{Character: "b", MeanPaymentRatio: 0.05},
		{Character: "c", MeanPaymentRatio: 0.2},
	}, nil
}

func (stubRoster) RecentReviews(context.Context, int) ([]roster.Review, error) {
	return []roster.Review{{ID: 1, Character: "z", Text: "lovely", CharacterName: "Unknown"}}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	router    http.Handler
	source    *stubMetrics
	scheduler *collectorsvc.Scheduler
}

func newTestServer(t *testing.T, triggerLimit int) *testServer {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewAnalyticsRepository(db, repository.WithRepositoryLogger(zap.NewNop().Sugar()))
	require.NoError(t, repo.Init(context.Background()))

	source := &stubMetrics{}
	scheduler := collectorsvc.NewScheduler(collectorsvc.Config{Interval: time.Hour}, zap.NewNop().Sugar(), source, repo)
	t.Cleanup(scheduler.Stop)

	dashboard := dashboardsvc.NewService(repo, time.UTC)
	ranking := rankingsvc.NewService(stubRoster{}, cache.NewMemoryCache(), time.Minute, zap.NewNop().Sugar())

	router := NewRouter(RouterOptions{
		AnalyticsHandler:   handler.NewAnalyticsHandler(dashboard, source),
		UserMetricsHandler: handler.NewUserMetricsHandler(dashboard, scheduler),
		SchedulerHandler:   handler.NewSchedulerHandler(scheduler),
		RosterHandler:      handler.NewRosterHandler(ranking),
		StoreHandler:       handler.NewStoreHandler(dashboard, repo),
		TriggerGuard:       middleware.NewTriggerGuard(ratelimit.NewMemoryLimiter(), middleware.TriggerGuardConfig{Limit: triggerLimit, Window: time.Minute}),
	})
	return &testServer{router: router, source: source, scheduler: scheduler}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func TestDashboardBeforeAndAfterCollection(t *testing.T) {
	srv := newTestServer(t, 10)

	w, env := srv.do(t, http.MethodGet, "/api/analytics/dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	var empty dashboardsvc.LatestView
	require.NoError(t, json.Unmarshal(env.Data, &empty))
	assert.False(t, empty.HasData)

	w, env = srv.do(t, http.MethodGet, "/api/analytics/history/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", string(env.Data))

	w, env = srv.do(t, http.MethodPost, "/api/analytics/scheduler/collect-now", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary collectorsvc.CollectionSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 42, summary.TotalUsers)
	assert.Equal(t, 2, summary.Locations)

	w, env = srv.do(t, http.MethodGet, "/api/analytics/dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view dashboardsvc.LatestView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.True(t, view.HasData)
	assert.Equal(t, 42, view.TotalActiveUsers)
	assert.Equal(t, 30, view.ByCountry["South Korea"])

	w, env = srv.do(t, http.MethodGet, "/api/analytics/location-history?hours=24", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rollup dashboardsvc.LocationRollup
	require.NoError(t, json.Unmarshal(env.Data, &rollup))
	assert.Equal(t, 2, rollup.TotalRecords)
	require.Len(t, rollup.TimeSeries, 1)
	assert.Equal(t, 42, rollup.TimeSeries[0].TotalUsers)

	w, _ = srv.do(t, http.MethodGet, "/api/store/data?table=location_history&limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCollectNowErrorMapping(t *testing.T) {
	srv := newTestServer(t, 10)

	srv.source.realtimeErr = analytics.ErrConfiguration
	w, env := srv.do(t, http.MethodPost, "/api/analytics/scheduler/collect-now", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CONFIGURATION_MISSING", env.Error.Code)

	srv.source.realtimeErr = &analytics.UpstreamError{Source: "ga4", Op: "realtime", Err: errors.New("quota")}
	w, env = srv.do(t, http.MethodPost, "/api/analytics/scheduler/collect-now", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "UPSTREAM_FAILED", env.Error.Code)

	w, env = srv.do(t, http.MethodGet, "/api/analytics/realtime/locations", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.False(t, env.Success)
}

func TestManualTriggersAreRateLimited(t *testing.T) {
	srv := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		w, _ := srv.do(t, http.MethodPost, "/api/analytics/scheduler/collect-now", "")
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, env := srv.do(t, http.MethodPost, "/api/analytics/scheduler/collect-now", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "TOO_MANY_REQUESTS", env.Error.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w, _ = srv.do(t, http.MethodGet, "/api/analytics/scheduler/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t, 10)

	w, env := srv.do(t, http.MethodPost, "/api/analytics/user-metrics/historical", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NO_DATA", env.Error.Code)

	w, _ = srv.do(t, http.MethodPost, "/api/analytics/user-metrics/historical", `{"days":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = srv.do(t, http.MethodPost, "/api/analytics/user-metrics/update", `{"days":3}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no recent data available", env.Message)

	today := analytics.FormatDate(time.Now().UTC().AddDate(0, 0, -3))
	srv.source.daily = []analytics.DailyMetric{analytics.NewDailyMetric(today, 120, 40, nil, nil)}
	w, env = srv.do(t, http.MethodPost, "/api/analytics/user-metrics/historical", `{"days":30}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var imported collectorsvc.ImportSummary
	require.NoError(t, json.Unmarshal(env.Data, &imported))
	assert.Equal(t, 1, imported.Saved)

	w, env = srv.do(t, http.MethodGet, "/api/analytics/user-metrics/chart-data?range=1y", "")
	require.Equal(t, http.StatusOK, w.Code)
	var series dashboardsvc.ChartSeries
	require.NoError(t, json.Unmarshal(env.Data, &series))
	assert.Equal(t, []int{120}, series.Total)
	assert.Equal(t, []int{80}, series.Returning)

	w, _ = srv.do(t, http.MethodGet, "/api/analytics/user-metrics/chart-data?range=3y", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = srv.do(t, http.MethodGet, "/api/analytics/user-metrics/historical?startDate=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = srv.do(t, http.MethodGet, "/api/analytics/user-metrics/update", "")
	require.Equal(t, http.StatusOK, w.Code)
	var preview dashboardsvc.MetricsView
	require.NoError(t, json.Unmarshal(env.Data, &preview))
	assert.Equal(t, 1, preview.Count)
}

func TestSchedulerLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t, 10)

	w, env := srv.do(t, http.MethodPost, "/api/analytics/scheduler/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status collectorsvc.Status
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.True(t, status.Running)
	assert.True(t, status.RollupRunning)

	w, _ = srv.do(t, http.MethodPost, "/api/analytics/scheduler/start", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = srv.do(t, http.MethodPost, "/api/analytics/scheduler/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.False(t, status.Running)
}

func TestRosterEndpoints(t *testing.T) {
	srv := newTestServer(t, 10)

	w, env := srv.do(t, http.MethodGet, "/api/analytics/character-rankings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rankings struct {
		Rankings []roster.RankedCharacter `json:"rankings"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &rankings))
	require.Len(t, rankings.Rankings, 2)
	assert.Equal(t, "c", rankings.Rankings[0].ID)
	assert.Equal(t, 1, rankings.Rankings[0].Rank)
	assert.Equal(t, "b", rankings.Rankings[1].ID)

	w, env = srv.do(t, http.MethodGet, "/api/analytics/character-reviews", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"character_name":"Unknown"`)
}

func TestInputValidationAndInfraRoutes(t *testing.T) {
	srv := newTestServer(t, 10)

	w, _ := srv.do(t, http.MethodGet, "/api/analytics/location-history?hours=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = srv.do(t, http.MethodGet, "/api/store/data?table=users", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = srv.do(t, http.MethodGet, "/api/store/data?limit=-5", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env := srv.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"store":"ready"`)

	w, _ = srv.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/analytics/dashboard", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestOriginMatcher(t *testing.T) {
	match := originMatcher([]string{"https://kiosk.example.com/"})
	assert.True(t, match("https://kiosk.example.com"))
	assert.True(t, match("http://127.0.0.1:5173"))
	assert.True(t, match("null"))
	assert.False(t, match("https://evil.example.com"))
	assert.False(t, match(""))

	assert.True(t, originMatcher([]string{"*"})("https://anywhere.example.com"))
}
