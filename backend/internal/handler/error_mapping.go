package handler

import (
	"context"
	"errors"
	"net/http"

	"analytics-kiosk/backend/internal/domain/analytics"
	response "analytics-kiosk/backend/internal/infra/common"
	"analytics-kiosk/backend/internal/service/collector"
	"analytics-kiosk/backend/internal/service/dashboard"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError 把领域错误映射为 HTTP 状态码与统一错误码，5xx 记 error 日志，其余记 warn。
func respondError(c *gin.Context, logger *zap.SugaredLogger, op string, err error) {
	status, code := classifyError(err)

	var details any
	var partial *analytics.PartialBatchError
	if errors.As(err, &partial) {
		details = gin.H{"inserted": partial.Inserted, "failures": partial.Failures}
	}

	if logger != nil {
		if status >= http.StatusInternalServerError {
			logger.Errorw(op+" failed", "status", status, "error", err)
		} else {
			logger.Warnw(op+" rejected", "status", status, "error", err)
		}
	}
	response.Fail(c, status, code, err.Error(), details)
}

func classifyError(err error) (int, response.ErrorCode) {
	switch {
	case errors.Is(err, analytics.ErrConfiguration):
		return http.StatusServiceUnavailable, response.ErrConfigurationMissing
	case errors.Is(err, collector.ErrCollectionInProgress):
		return http.StatusConflict, response.ErrConflict
	case errors.Is(err, collector.ErrNoData):
		return http.StatusNotFound, response.ErrNoData
	case errors.Is(err, dashboard.ErrInvalidInput):
		return http.StatusBadRequest, response.ErrBadRequest
	case analytics.IsUpstream(err):
		return http.StatusBadGateway, response.ErrUpstreamFailed
	case errors.Is(err, analytics.ErrStoreUnavailable), analytics.IsStore(err):
		return http.StatusInternalServerError, response.ErrStoreFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, response.ErrUpstreamFailed
	default:
		var partial *analytics.PartialBatchError
		if errors.As(err, &partial) {
			return http.StatusInternalServerError, response.ErrStoreFailed
		}
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// badRequest 返回 400。
func badRequest(c *gin.Context, message string) {
	response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, message, nil)
}
