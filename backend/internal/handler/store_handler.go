package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	response "analytics-kiosk/backend/internal/infra/common"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	dashboardsvc "analytics-kiosk/backend/internal/service/dashboard"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StoreHandler 提供本地库的数据查看与健康检查。
type StoreHandler struct {
	dashboard *dashboardsvc.Service
	store     Pinger
	logger    *zap.SugaredLogger
}

// Pinger 检查存储是否可用。
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewStoreHandler 构造 handler。
func NewStoreHandler(dashboard *dashboardsvc.Service, store Pinger) *StoreHandler {
	return &StoreHandler{dashboard: dashboard, store: store, logger: appLogger.Named("handler.store")}
}

// Data 返回指定表的最近若干行，table 可选 active_users 或 location_history。
func (h *StoreHandler) Data(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	view, err := h.dashboard.StoreTable(c.Request.Context(), c.Query("table"), limit)
	if err != nil {
		respondError(c, h.logger, "load store table", err)
		return
	}
	response.Success(c, http.StatusOK, view, nil)
}

// Health 返回进程存活与存储可用状态，存储不可用时返回 503。
func (h *StoreHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if h.store == nil {
		response.Success(c, http.StatusOK, gin.H{"status": "ok", "store": "disabled"}, nil)
		return
	}
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warnw("health check store ping failed", "error", err)
		response.Fail(c, http.StatusServiceUnavailable, response.ErrStoreFailed, "store unavailable", gin.H{"status": "degraded"})
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "ok", "store": "ready"}, nil)
}
