package handler

import (
	"net/http"

	"crm/internal/middleware"
	"crm/internal/service"
	"crm/pkg/pagination"
	"crm/pkg/response"

	"github.com/gin-gonic/gin"
)

type InvoiceHandler struct {
	invoiceService service.InvoiceService
}

func NewInvoiceHandler(invoiceService service.InvoiceService) *InvoiceHandler {
	return &InvoiceHandler{invoiceService: invoiceService}
}

func (h *InvoiceHandler) RegisterRoutes(router *gin.RouterGroup) {
	invoices := router.Group("/api/invoices")
	{
		invoices.POST("", h.CreateInvoice)
		invoices.GET("", h.ListInvoices)
		invoices.GET("/:id", h.GetInvoice)
		invoices.PATCH("/:id", h.UpdateInvoice)
		invoices.POST("/:id/send", h.MarkSent)
		invoices.POST("/:id/view", h.MarkViewed)
		invoices.POST("/:id/cancel", h.Cancel)
		invoices.POST("/:id/mark-paid", h.MarkPaid)
		invoices.POST("/:id/reminders", h.AddReminder)
	}
}

// CreateInvoice issues a numbered invoice with computed totals
// @Summary      Create invoice
// @Description  Allocates the next INV-YYYY-NNNN number and computes subtotal, discount, VAT and total from the items
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateInvoiceRequest  true  "Create Invoice Payload"
// @Success      201      {object}  response.Response{data=service.InvoiceResponse}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response  "Client not found"
// @Router       /api/invoices [post]
func (h *InvoiceHandler) CreateInvoice(c *gin.Context) {
	var req service.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	invoice, err := h.invoiceService.CreateInvoice(c.Request.Context(), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, invoice))
}

// ListInvoices returns a paginated list of invoices
// @Summary      List invoices
// @Tags         invoices
// @Security     BearerAuth
// @Produce      json
// @Param        status     query     string  false  "Filter by status"
// @Param        client_id  query     string  false  "Filter by client"
// @Param        number     query     string  false  "Invoice number, partial match"
// @Param        page       query     int     false  "Page number (default 1)"
// @Param        limit      query     int     false  "Number of items per page (default 20)"
// @Success      200        {object}  response.Response{data=response.Page}
// @Router       /api/invoices [get]
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	p := pagination.Parse(c)
	invoices, total, err := h.invoiceService.ListInvoices(c.Request.Context(), service.InvoiceFilter{
		Status:        c.Query("status"),
		ClientID:      c.Query("client_id"),
		InvoiceNumber: c.Query("number"),
		Page:          p.Page,
		Limit:         p.Limit,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessWithPagination(invoices, total, p.Page, p.Limit))
}

// GetInvoice returns one invoice with items, payment and reminders
// @Summary      Get invoice
// @Tags         invoices
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {object}  response.Response{data=service.InvoiceResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/invoices/{id} [get]
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	invoice, err := h.invoiceService.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// UpdateInvoice edits an invoice without a recorded payment and recomputes totals
// @Summary      Update invoice
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                        true  "Invoice ID"
// @Param        payload  body      service.UpdateInvoiceRequest  true  "Fields to change"
// @Success      200      {object}  response.Response{data=service.InvoiceResponse}
// @Failure      409      {object}  response.Response  "Invoice already paid or cancelled"
// @Router       /api/invoices/{id} [patch]
func (h *InvoiceHandler) UpdateInvoice(c *gin.Context) {
	var req service.UpdateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	invoice, err := h.invoiceService.UpdateInvoice(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// MarkSent records that the invoice went out to the client
// @Summary      Mark invoice sent
// @Tags         invoices
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {object}  response.Response{data=service.InvoiceResponse}
// @Router       /api/invoices/{id}/send [post]
func (h *InvoiceHandler) MarkSent(c *gin.Context) {
	invoice, err := h.invoiceService.MarkSent(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// MarkViewed records that the client opened the invoice
// @Summary      Mark invoice viewed
// @Tags         invoices
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {object}  response.Response{data=service.InvoiceResponse}
// @Router       /api/invoices/{id}/view [post]
func (h *InvoiceHandler) MarkViewed(c *gin.Context) {
	invoice, err := h.invoiceService.MarkViewed(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// Cancel voids an unpaid invoice
// @Summary      Cancel invoice
// @Tags         invoices
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Invoice ID"
// @Success      200  {object}  response.Response{data=service.InvoiceResponse}
// @Failure      409  {object}  response.Response  "Invoice has a recorded payment"
// @Router       /api/invoices/{id}/cancel [post]
func (h *InvoiceHandler) Cancel(c *gin.Context) {
	invoice, err := h.invoiceService.Cancel(c.Request.Context(), c.Param("id"), middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, invoice))
}

// MarkPaid records a payment and reconciles the linked installment
// @Summary      Mark invoice paid
// @Description  An empty amount means the full total. A failed installment update does not fail the payment; the response reports it as pending and it is retried in the background.
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                   true  "Invoice ID"
// @Param        payload  body      service.MarkPaidRequest  true  "Payment"
// @Success      200      {object}  response.Response{data=service.MarkPaidResponse}
// @Failure      409      {object}  response.Response  "Invoice cancelled"
// @Router       /api/invoices/{id}/mark-paid [post]
func (h *InvoiceHandler) MarkPaid(c *gin.Context) {
	var req service.MarkPaidRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err)
			return
		}
	}

	res, err := h.invoiceService.MarkPaid(c.Request.Context(), c.Param("id"), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// AddReminder records a payment reminder, optionally delivering it over WhatsApp
// @Summary      Add payment reminder
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                   true  "Invoice ID"
// @Param        payload  body      service.ReminderRequest  true  "Reminder"
// @Success      201      {object}  response.Response{data=service.AddReminderResponse}
// @Router       /api/invoices/{id}/reminders [post]
func (h *InvoiceHandler) AddReminder(c *gin.Context) {
	var req service.ReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	res, err := h.invoiceService.AddReminder(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, res))
}
