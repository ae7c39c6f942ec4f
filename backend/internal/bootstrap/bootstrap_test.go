package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"analytics-kiosk/backend/internal/app"
	"analytics-kiosk/backend/internal/config"
	"analytics-kiosk/backend/internal/domain/analytics"
	appLogger "analytics-kiosk/backend/internal/infra/logger"

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

func newTestResources(t *testing.T) *app.Resources {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:bootstrap_test?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return &app.Resources{
		Config: config.Settings{
			Mode: config.ModeLocal,
			Scheduler: config.SchedulerSettings{
				Interval:   time.Minute,
				RollupHour: 2,
				RollupDays: 3,
				Location:   time.UTC,
			},
			BatchPolicy: analytics.BatchBestEffort,
			ViewCache:   time.Minute,
			Trigger:     config.TriggerSettings{Limit: 1, Window: time.Minute},
		},
		DB: db,
	}
}

func TestBuildApplicationWithoutUpstreams(t *testing.T) {
	application, err := BuildApplication(context.Background(), zap.NewNop().Sugar(), newTestResources(t))
	require.NoError(t, err)
	require.NotNil(t, application.Scheduler)
	assert.False(t, application.Scheduler.Status().Running)

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/api/analytics/dashboard", http.StatusOK},
		{http.MethodGet, "/api/analytics/realtime/locations", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/analytics/character-rankings", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/analytics/scheduler/collect-now", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/analytics/scheduler/collect-now", http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		application.Router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.status, w.Code, "%s %s: %s", tc.method, tc.path, w.Body.String())
	}
}

func TestBuildApplicationRequiresStore(t *testing.T) {
	_, err := BuildApplication(context.Background(), zap.NewNop().Sugar(), &app.Resources{})
	assert.Error(t, err)
}
