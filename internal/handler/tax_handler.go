package handler

import (
	"net/http"

	"crm/internal/middleware"
	"crm/internal/service"
	"crm/pkg/pagination"
	"crm/pkg/response"

	"github.com/gin-gonic/gin"
)

type TaxHandler struct {
	taxService service.TaxService
}

func NewTaxHandler(taxService service.TaxService) *TaxHandler {
	return &TaxHandler{taxService: taxService}
}

func (h *TaxHandler) RegisterRoutes(router *gin.RouterGroup) {
	tax := router.Group("/api/tax-rules")
	{
		tax.GET("", h.GetTaxRules)
		tax.POST("", h.CreateTaxRule)
		tax.GET("/active", h.GetActiveTaxRate)
	}
}

// GetTaxRules returns VAT rules grouped by type, newest period first
// @Summary      List tax rules
// @Tags         tax
// @Security     BearerAuth
// @Produce      json
// @Param        tax_type   query     string  false  "VAT_STANDARD, VAT_REDUCED or VAT_ZERO"
// @Param        active_on  query     string  false  "Only rules in force on this date (YYYY-MM-DD)"
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=response.Page}
// @Router       /api/tax-rules [get]
func (h *TaxHandler) GetTaxRules(c *gin.Context) {
	p := pagination.Parse(c)
	rules, total, err := h.taxService.GetTaxRules(c.Request.Context(), service.TaxRuleQuery{
		TaxType:  c.Query("tax_type"),
		ActiveOn: c.Query("active_on"),
		Page:     p.Page,
		Limit:    p.Limit,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessWithPagination(rules, total, p.Page, p.Limit))
}

// CreateTaxRule creates a new tax rule entry
// @Summary      Create tax rule
// @Tags         tax
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateTaxRuleRequest  true  "Tax rule"
// @Success      201      {object}  response.Response{data=service.TaxRuleResponse}
// @Failure      409      {object}  response.Response  "Overlapping effective dates"
// @Router       /api/tax-rules [post]
func (h *TaxHandler) CreateTaxRule(c *gin.Context) {
	var req service.CreateTaxRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	rule, err := h.taxService.CreateTaxRule(c.Request.Context(), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, rule))
}

// GetActiveTaxRate returns today's rate for a tax type; data is null when none applies
// @Summary      Active tax rate
// @Tags         tax
// @Security     BearerAuth
// @Produce      json
// @Param        tax_type  query     string  false  "Tax type (default VAT_STANDARD)"
// @Success      200       {object}  response.Response{data=service.ActiveTaxRateResponse}
// @Router       /api/tax-rules/active [get]
func (h *TaxHandler) GetActiveTaxRate(c *gin.Context) {
	rate, err := h.taxService.GetActiveTaxRate(c.Request.Context(), c.DefaultQuery("tax_type", "VAT_STANDARD"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, rate))
}
