package handler

import (
	"net/http"

	"crm/internal/service"
	"crm/pkg/pagination"
	"crm/pkg/response"

	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	auditService service.AuditService
}

func NewAuditHandler(auditService service.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

func (h *AuditHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/api/audit-logs")
	{
		group.GET("", h.GetAuditLogs)
	}
}

// GetAuditLogs retrieves paginated audit records, newest first
// @Summary      Get audit logs
// @Tags         audit
// @Security     BearerAuth
// @Produce      json
// @Param        action  query     string  false  "Filter by action, e.g. MARK_INVOICE_PAID"
// @Param        entity_id  query  string  false  "Only entries about this client, invoice or task"
// @Param        actor_id   query  string  false  "Only entries by this operator"
// @Param        page    query     int     false  "Page number (default 1)"
// @Param        limit   query     int     false  "Number of items per page (default 20)"
// @Success      200     {object}  response.Response{data=response.Page}
// @Router       /api/audit-logs [get]
func (h *AuditHandler) GetAuditLogs(c *gin.Context) {
	p := pagination.Parse(c)
	logs, total, err := h.auditService.GetAuditLogs(c.Request.Context(), service.AuditQuery{
		Action:   c.Query("action"),
		EntityID: c.Query("entity_id"),
		ActorID:  c.Query("actor_id"),
		Page:     p.Page,
		Limit:    p.Limit,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessWithPagination(logs, total, p.Page, p.Limit))
}
