package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"analytics-kiosk/backend/internal/domain/analytics"
	response "analytics-kiosk/backend/internal/infra/common"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	dashboardsvc "analytics-kiosk/backend/internal/service/dashboard"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxHistoryHours = 24 * 31

// LocationFetcher 直接向上游拉取实时地区分布。
type LocationFetcher interface {
	FetchRealtimeLocations(ctx context.Context) (analytics.RealtimeLocations, error)
}

// AnalyticsHandler 提供看板读取接口。
type AnalyticsHandler struct {
	dashboard *dashboardsvc.Service
	locations LocationFetcher
	logger    *zap.SugaredLogger
}

// NewAnalyticsHandler 构造 handler，locations 为空时实时地区接口返回 503。
func NewAnalyticsHandler(dashboard *dashboardsvc.Service, locations LocationFetcher) *AnalyticsHandler {
	return &AnalyticsHandler{
		dashboard: dashboard,
		locations: locations,
		logger:    appLogger.Named("handler.analytics"),
	}
}

// Dashboard 返回最新快照视图，库中无数据时返回零值视图。
func (h *AnalyticsHandler) Dashboard(c *gin.Context) {
	view, err := h.dashboard.Latest(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "load dashboard", err)
		return
	}
	response.Success(c, http.StatusOK, view, nil)
}

// LatestHistory 返回库中存储形态的最新快照，无数据时 data 为 null。
func (h *AnalyticsHandler) LatestHistory(c *gin.Context) {
	snap, err := h.dashboard.LatestSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "load latest snapshot", err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": nil})
		return
	}
	response.Success(c, http.StatusOK, snap, nil)
}

// LocationHistory 返回最近 hours 小时的地区时间序列。
func (h *AnalyticsHandler) LocationHistory(c *gin.Context) {
	hours := 0
	if raw := strings.TrimSpace(c.Query("hours")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryHours {
			badRequest(c, "hours must be an integer between 1 and 744")
			return
		}
		hours = parsed
	}

	rollup, err := h.dashboard.LocationRollup(c.Request.Context(), hours)
	if err != nil {
		respondError(c, h.logger, "load location history", err)
		return
	}
	response.Success(c, http.StatusOK, rollup, nil)
}

// RealtimeLocations 透传一次实时地区查询，不落库。
func (h *AnalyticsHandler) RealtimeLocations(c *gin.Context) {
	if h.locations == nil {
		respondError(c, h.logger, "fetch realtime locations", analytics.ErrConfiguration)
		return
	}
	result, err := h.locations.FetchRealtimeLocations(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "fetch realtime locations", err)
		return
	}
	response.Success(c, http.StatusOK, result, nil)
}
