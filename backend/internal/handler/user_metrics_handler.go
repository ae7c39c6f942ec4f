package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"analytics-kiosk/backend/internal/domain/analytics"
	response "analytics-kiosk/backend/internal/infra/common"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	collectorsvc "analytics-kiosk/backend/internal/service/collector"
	dashboardsvc "analytics-kiosk/backend/internal/service/dashboard"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxImportDays = 3650

// UserMetricsHandler 提供每日指标的查询、刷新与历史导入接口。
type UserMetricsHandler struct {
	dashboard *dashboardsvc.Service
	collector *collectorsvc.Scheduler
	logger    *zap.SugaredLogger
}

// NewUserMetricsHandler 构造 handler。
func NewUserMetricsHandler(dashboard *dashboardsvc.Service, collector *collectorsvc.Scheduler) *UserMetricsHandler {
	return &UserMetricsHandler{
		dashboard: dashboard,
		collector: collector,
		logger:    appLogger.Named("handler.user_metrics"),
	}
}

type daysRequest struct {
	Days *int `json:"days"`
}

// ChartData 返回 1y 或 2y 窗口的折线图数据。
func (h *UserMetricsHandler) ChartData(c *gin.Context) {
	window, err := dashboardsvc.ParseWindow(c.Query("range"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	series, err := h.dashboard.ChartSeries(c.Request.Context(), window)
	if err != nil {
		respondError(c, h.logger, "load chart data", err)
		return
	}
	response.Success(c, http.StatusOK, series, nil)
}

// ListHistorical 返回 startDate 与 endDate 之间的原始每日指标。
func (h *UserMetricsHandler) ListHistorical(c *gin.Context) {
	view, err := h.dashboard.DailyMetrics(c.Request.Context(), c.Query("startDate"), c.Query("endDate"))
	if err != nil {
		respondError(c, h.logger, "list daily metrics", err)
		return
	}
	response.Success(c, http.StatusOK, view, nil)
}

// ImportHistorical 从上游导入 days 天的历史指标，默认 730 天。
func (h *UserMetricsHandler) ImportHistorical(c *gin.Context) {
	days, ok := bindDays(c, analytics.DefaultHistoricalDays)
	if !ok {
		return
	}
	summary, err := h.collector.ImportHistorical(c.Request.Context(), days)
	if err != nil {
		respondError(c, h.logger, "import historical metrics", err)
		return
	}
	response.SuccessWithMessage(c, summary, fmt.Sprintf("imported %d days of historical data", summary.Saved))
}

// RecentPreview 返回最近 7 天已入库的指标。
func (h *UserMetricsHandler) RecentPreview(c *gin.Context) {
	view, err := h.dashboard.RecentMetrics(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "load recent metrics", err)
		return
	}
	response.Success(c, http.StatusOK, view, nil)
}

// RefreshRecent 重新拉取最近 days 天的指标并覆盖入库，默认使用调度配置。
func (h *UserMetricsHandler) RefreshRecent(c *gin.Context) {
	days, ok := bindDays(c, 0)
	if !ok {
		return
	}
	summary, err := h.collector.RefreshRecent(c.Request.Context(), days)
	if err != nil {
		respondError(c, h.logger, "refresh recent metrics", err)
		return
	}
	message := fmt.Sprintf("updated %d days of data", summary.Saved)
	if summary.Saved == 0 {
		message = "no recent data available"
	}
	response.SuccessWithMessage(c, summary, message)
}

// bindDays 解析可选的 {days} 请求体，空体使用 fallback。
func bindDays(c *gin.Context, fallback int) (int, bool) {
	var req daysRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body: "+err.Error())
		return 0, false
	}
	if req.Days == nil {
		return fallback, true
	}
	if *req.Days <= 0 || *req.Days > maxImportDays {
		badRequest(c, fmt.Sprintf("days must be between 1 and %d", maxImportDays))
		return 0, false
	}
	return *req.Days, true
}
