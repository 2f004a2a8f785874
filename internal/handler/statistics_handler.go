package handler

import (
	"net/http"

	"crm/internal/service"
	"crm/pkg/response"

	"github.com/gin-gonic/gin"
)

type StatisticsHandler struct {
	statisticsService service.StatisticsService
}

func NewStatisticsHandler(statisticsService service.StatisticsService) *StatisticsHandler {
	return &StatisticsHandler{statisticsService: statisticsService}
}

func (h *StatisticsHandler) RegisterRoutes(router *gin.RouterGroup) {
	statsGroup := router.Group("/api/statistics")
	{
		statsGroup.GET("/dashboard", h.GetDashboard)
	}
}

// @Summary      Get Dashboard Statistics
// @Description  Clients per pipeline stage, invoice totals per status, outstanding amount and pending reconciliations
// @Tags         Statistics
// @Produce      json
// @Success      200 {object} response.Response{data=model.DashboardStatistics}
// @Failure      401 {object} response.Response "Unauthorized"
// @Failure      500 {object} response.Response "Internal server error"
// @Security     BearerAuth
// @Router       /api/statistics/dashboard [get]
func (h *StatisticsHandler) GetDashboard(c *gin.Context) {
	stats, err := h.statisticsService.GetDashboard(c.Request.Context())
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, stats))
}
