package handler

import (
	"net/http"

	"crm/internal/service"
	"crm/pkg/pagination"
	"crm/pkg/response"

	"github.com/gin-gonic/gin"
)

type ReconciliationHandler struct {
	reconciler service.Reconciler
}

func NewReconciliationHandler(reconciler service.Reconciler) *ReconciliationHandler {
	return &ReconciliationHandler{reconciler: reconciler}
}

func (h *ReconciliationHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/api/reconciliation")
	{
		group.GET("/tasks", h.ListTasks)
		group.POST("/tasks/:id/retry", h.Retry)
	}
}

// ListTasks returns installment reconciliation tasks
// @Summary      List reconciliation tasks
// @Tags         reconciliation
// @Security     BearerAuth
// @Produce      json
// @Param        status  query     string  false  "pending, done or failed"
// @Param        page    query     int     false  "Page number (default 1)"
// @Param        limit   query     int     false  "Number of items per page (default 20)"
// @Success      200     {object}  response.Response{data=response.Page}
// @Router       /api/reconciliation/tasks [get]
func (h *ReconciliationHandler) ListTasks(c *gin.Context) {
	p := pagination.Parse(c)
	tasks, total, err := h.reconciler.ListTasks(c.Request.Context(), c.Query("status"), p.Page, p.Limit)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessWithPagination(tasks, total, p.Page, p.Limit))
}

// Retry runs a pending or failed task immediately
// @Summary      Retry reconciliation task
// @Tags         reconciliation
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Task ID"
// @Success      200  {object}  response.Response{data=service.ReconciliationOutcome}
// @Failure      409  {object}  response.Response  "Task already applied"
// @Router       /api/reconciliation/tasks/{id}/retry [post]
func (h *ReconciliationHandler) Retry(c *gin.Context) {
	out, err := h.reconciler.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, out))
}
