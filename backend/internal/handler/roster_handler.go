package handler

import (
	"net/http"

	response "analytics-kiosk/backend/internal/infra/common"
	appLogger "analytics-kiosk/backend/internal/infra/logger"
	rankingsvc "analytics-kiosk/backend/internal/service/ranking"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RosterHandler 提供角色排行榜与评价墙。
type RosterHandler struct {
	ranking *rankingsvc.Service
	logger  *zap.SugaredLogger
}

// NewRosterHandler 构造 handler。
func NewRosterHandler(ranking *rankingsvc.Service) *RosterHandler {
	return &RosterHandler{ranking: ranking, logger: appLogger.Named("handler.roster")}
}

// Rankings 返回前 10 名角色。
func (h *RosterHandler) Rankings(c *gin.Context) {
	rankings, err := h.ranking.TopCharacters(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "load character rankings", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"rankings": rankings}, nil)
}

// Reviews 返回最新 8 条评价。
func (h *RosterHandler) Reviews(c *gin.Context) {
	reviews, err := h.ranking.RecentReviews(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "load character reviews", err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"reviews": reviews}, nil)
}
