package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"analytics-kiosk/backend/internal/domain/analytics"
	response "analytics-kiosk/backend/internal/infra/common"
	"analytics-kiosk/backend/internal/service/collector"
	"analytics-kiosk/backend/internal/service/dashboard"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   response.ErrorCode
	}{
		{"configuration", analytics.ErrConfiguration, http.StatusServiceUnavailable, response.ErrConfigurationMissing},
		{"wrapped configuration", &analytics.UpstreamError{Source: "ga4", Op: "realtime", Err: analytics.ErrConfiguration}, http.StatusServiceUnavailable, response.ErrConfigurationMissing},
		{"in progress", collector.ErrCollectionInProgress, http.StatusConflict, response.ErrConflict},
		{"no data", fmt.Errorf("import: %w", collector.ErrNoData), http.StatusNotFound, response.ErrNoData},
		{"invalid input", fmt.Errorf("%w: bad table", dashboard.ErrInvalidInput), http.StatusBadRequest, response.ErrBadRequest},
		{"upstream", &analytics.UpstreamError{Source: "supabase", Op: "reviews", Err: errors.New("boom")}, http.StatusBadGateway, response.ErrUpstreamFailed},
		{"store", &analytics.StoreError{Op: "append snapshot", Err: errors.New("disk full")}, http.StatusInternalServerError, response.ErrStoreFailed},
		{"store unavailable", analytics.ErrStoreUnavailable, http.StatusInternalServerError, response.ErrStoreFailed},
		{"partial batch", &analytics.PartialBatchError{Inserted: 1}, http.StatusInternalServerError, response.ErrStoreFailed},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, response.ErrUpstreamFailed},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code := classifyError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestRespondErrorIncludesBatchDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	err := &analytics.PartialBatchError{
		Inserted: 2,
		Failures: []analytics.RowFailure{{Index: 2, Country: "KR", City: "Seoul", Err: errors.New("negative")}},
	}
	respondError(c, zap.NewNop().Sugar(), "append locations", err)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"STORE_FAILED"`)
	assert.Contains(t, w.Body.String(), `"inserted":2`)
	assert.Contains(t, w.Body.String(), `"country":"KR"`)
}
