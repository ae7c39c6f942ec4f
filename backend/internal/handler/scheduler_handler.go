package handler

import (
	"net/http"

	response "analytics-kiosk/backend/internal/infra/common"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	collectorsvc "analytics-kiosk/backend/internal/service/collector"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SchedulerHandler 提供采集调度的启停、状态与手动采集接口。
type SchedulerHandler struct {
	scheduler *collectorsvc.Scheduler
	logger    *zap.SugaredLogger
}

// NewSchedulerHandler 构造 handler。
func NewSchedulerHandler(scheduler *collectorsvc.Scheduler) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler, logger: appLogger.Named("handler.scheduler")}
}

// Start 启动实时采集与每日刷新，已在运行时同样返回成功。
func (h *SchedulerHandler) Start(c *gin.Context) {
	h.scheduler.Start()
	h.logger.Infow("scheduler started via api", "client_ip", c.ClientIP())
	response.SuccessWithMessage(c, h.scheduler.Status(), "scheduler started")
}

// Stop 停止两个周期任务，正在执行的采集会继续完成。
func (h *SchedulerHandler) Stop(c *gin.Context) {
	h.scheduler.Stop()
	h.logger.Infow("scheduler stopped via api", "client_ip", c.ClientIP())
	response.SuccessWithMessage(c, h.scheduler.Status(), "scheduler stopped")
}

// Status 返回调度器状态。
func (h *SchedulerHandler) Status(c *gin.Context) {
	response.Success(c, http.StatusOK, h.scheduler.Status(), nil)
}

// CollectNow 同步执行一次采集，已有采集在执行时返回 409。
func (h *SchedulerHandler) CollectNow(c *gin.Context) {
	summary, err := h.scheduler.CollectNow(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "manual collection", err)
		return
	}
	response.SuccessWithMessage(c, summary, "data collection completed")
}
