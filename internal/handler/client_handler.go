package handler

import (
	"net/http"
	"strconv"
	"strings"

	"crm/internal/middleware"
	"crm/internal/service"
	"crm/pkg/pagination"
	"crm/pkg/response"

	"github.com/gin-gonic/gin"
)

type ClientHandler struct {
	clientService  service.ClientService
	invoiceService service.InvoiceService
}

func NewClientHandler(clientService service.ClientService, invoiceService service.InvoiceService) *ClientHandler {
	return &ClientHandler{clientService: clientService, invoiceService: invoiceService}
}

func (h *ClientHandler) RegisterRoutes(router *gin.RouterGroup) {
	clients := router.Group("/api/clients")
	{
		clients.POST("", h.CreateClient)
		clients.GET("", h.ListClients)
		clients.GET("/:id", h.GetClient)
		clients.PATCH("/:id", h.UpdateClient)
		clients.DELETE("/:id", h.DeleteClient)
		clients.PUT("/:id/status", h.OverrideStatus)
		clients.PUT("/:id/tags", h.ReplaceTags)

		clients.POST("/:id/interactions", h.AddInteraction)
		clients.PUT("/:id/interactions/:iid/complete", h.CompleteInteraction)
		clients.POST("/:id/orders", h.CreateOrder)
		clients.PUT("/:id/orders/:oid/status", h.UpdateOrderStatus)
		clients.POST("/:id/tasks", h.AddTask)
		clients.PATCH("/:id/tasks/:tid", h.UpdateTask)
		clients.PUT("/:id/payment-plan", h.SetPaymentPlan)
		clients.POST("/:id/assessment", h.FillAssessment)
		clients.POST("/:id/invoices", h.CreateClientInvoice)
	}
}

// CreateClient registers a new lead or client
// @Summary      Create client
// @Tags         clients
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateClientRequest  true  "Client"
// @Success      201      {object}  response.Response{data=service.ClientResponse}
// @Failure      400      {object}  response.Response
// @Failure      409      {object}  response.Response  "Phone already registered"
// @Router       /api/clients [post]
func (h *ClientHandler) CreateClient(c *gin.Context) {
	var req service.CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	client, err := h.clientService.CreateClient(c.Request.Context(), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, client))
}

// ListClients returns a filtered page of clients
// @Summary      List clients
// @Description  view=leads|clients|all narrows by pipeline stage; status and tags take comma separated values
// @Tags         clients
// @Security     BearerAuth
// @Produce      json
// @Param        view         query     string  false  "leads, clients or all"
// @Param        status       query     string  false  "Comma separated statuses"
// @Param        tags         query     string  false  "Comma separated tags"
// @Param        lead_source  query     string  false  "Lead source"
// @Param        search       query     string  false  "Name, email, phone or company"
// @Param        min_score    query     int     false  "Minimum lead score"
// @Param        sort         query     string  false  "created_at, name, lead_score or status"
// @Param        page         query     int     false  "Page number (default 1)"
// @Param        limit        query     int     false  "Number of items per page (default 20)"
// @Success      200          {object}  response.Response{data=response.Page}
// @Router       /api/clients [get]
func (h *ClientHandler) ListClients(c *gin.Context) {
	p := pagination.Parse(c)
	filter := service.ClientFilter{
		View:       c.Query("view"),
		Statuses:   splitList(c.Query("status")),
		Tags:       splitList(c.Query("tags")),
		LeadSource: c.Query("lead_source"),
		Search:     c.Query("search"),
		SortBy:     c.Query("sort"),
		Page:       p.Page,
		Limit:      p.Limit,
	}
	if raw := c.Query("min_score"); raw != "" {
		score, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "min_score must be an integer"))
			return
		}
		filter.MinScore = &score
	}

	clients, total, err := h.clientService.ListClients(c.Request.Context(), filter)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessWithPagination(clients, total, p.Page, p.Limit))
}

// GetClient returns a client with interactions, orders, tasks and payment plan
// @Summary      Get client
// @Tags         clients
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Client ID"
// @Success      200  {object}  response.Response{data=service.ClientDetailResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/clients/{id} [get]
func (h *ClientHandler) GetClient(c *gin.Context) {
	client, err := h.clientService.GetClient(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, client))
}

// UpdateClient edits contact fields
// @Summary      Update client
// @Tags         clients
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                       true  "Client ID"
// @Param        payload  body      service.UpdateClientRequest  true  "Fields to change"
// @Success      200      {object}  response.Response{data=service.ClientResponse}
// @Failure      400      {object}  response.Response
// @Router       /api/clients/{id} [patch]
func (h *ClientHandler) UpdateClient(c *gin.Context) {
	var req service.UpdateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	client, err := h.clientService.UpdateClient(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, client))
}

// DeleteClient soft deletes a client without invoices
// @Summary      Delete client
// @Tags         clients
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Client ID"
// @Success      200  {object}  response.Response
// @Failure      409  {object}  response.Response  "Client has invoices"
// @Router       /api/clients/{id} [delete]
func (h *ClientHandler) DeleteClient(c *gin.Context) {
	if err := h.clientService.DeleteClient(c.Request.Context(), c.Param("id"), middleware.OperatorID(c)); err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"deleted": true}))
}

// OverrideStatus moves a client to any pipeline stage
// @Summary      Override client status
// @Tags         clients
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                         true  "Client ID"
// @Param        payload  body      service.StatusOverrideRequest  true  "New status"
// @Success      200      {object}  response.Response{data=service.ClientResponse}
// @Router       /api/clients/{id}/status [put]
func (h *ClientHandler) OverrideStatus(c *gin.Context) {
	var req service.StatusOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	client, err := h.clientService.OverrideStatus(c.Request.Context(), c.Param("id"), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, client))
}

// ReplaceTags sets the client's tag list
// @Summary      Replace client tags
// @Tags         clients
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string               true  "Client ID"
// @Param        payload  body      service.TagsRequest  true  "Tags"
// @Success      200      {object}  response.Response{data=service.ClientResponse}
// @Router       /api/clients/{id}/tags [put]
func (h *ClientHandler) ReplaceTags(c *gin.Context) {
	var req service.TagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	client, err := h.clientService.ReplaceTags(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, client))
}

// AddInteraction logs a call, email, meeting, message or note
// @Summary      Add interaction
// @Tags         clients
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                      true  "Client ID"
// @Param        payload  body      service.InteractionRequest  true  "Interaction"
// @Success      201      {object}  response.Response{data=service.InteractionResponse}
// @Router       /api/clients/{id}/interactions [post]
func (h *ClientHandler) AddInteraction(c *gin.Context) {
	var req service.InteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	it, err := h.clientService.AddInteraction(c.Request.Context(), c.Param("id"), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, it))
}

// CompleteInteraction marks a follow-up interaction as done
// @Summary      Complete interaction
// @Tags         clients
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Client ID"
// @Param        iid  path      string  true  "Interaction ID"
// @Success      200  {object}  response.Response{data=service.InteractionResponse}
// @Router       /api/clients/{id}/interactions/{iid}/complete [put]
func (h *ClientHandler) CompleteInteraction(c *gin.Context) {
	it, err := h.clientService.CompleteInteraction(c.Request.Context(), c.Param("id"), c.Param("iid"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, it))
}

// CreateOrder records an order; a client's first order from proposal_sent or negotiation moves it to won
// @Summary      Create order
// @Tags         orders
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                      true  "Client ID"
// @Param        payload  body      service.CreateOrderRequest  true  "Order"
// @Success      201      {object}  response.Response{data=service.CreateOrderResponse}
// @Router       /api/clients/{id}/orders [post]
func (h *ClientHandler) CreateOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	order, err := h.clientService.CreateOrder(c.Request.Context(), c.Param("id"), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, order))
}

// UpdateOrderStatus changes an order's fulfilment status
// @Summary      Update order status
// @Tags         orders
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                      true  "Client ID"
// @Param        oid      path      string                      true  "Order ID"
// @Param        payload  body      service.OrderStatusRequest  true  "Status"
// @Success      200      {object}  response.Response{data=service.OrderResponse}
// @Router       /api/clients/{id}/orders/{oid}/status [put]
func (h *ClientHandler) UpdateOrderStatus(c *gin.Context) {
	var req service.OrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	order, err := h.clientService.UpdateOrderStatus(c.Request.Context(), c.Param("id"), c.Param("oid"), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, order))
}

// AddTask creates a follow-up task
// @Summary      Add task
// @Tags         tasks
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                     true  "Client ID"
// @Param        payload  body      service.CreateTaskRequest  true  "Task"
// @Success      201      {object}  response.Response{data=service.TaskResponse}
// @Router       /api/clients/{id}/tasks [post]
func (h *ClientHandler) AddTask(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	task, err := h.clientService.AddTask(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, task))
}

// UpdateTask edits a task
// @Summary      Update task
// @Tags         tasks
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                     true  "Client ID"
// @Param        tid      path      string                     true  "Task ID"
// @Param        payload  body      service.UpdateTaskRequest  true  "Fields to change"
// @Success      200      {object}  response.Response{data=service.TaskResponse}
// @Router       /api/clients/{id}/tasks/{tid} [patch]
func (h *ClientHandler) UpdateTask(c *gin.Context) {
	var req service.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	task, err := h.clientService.UpdateTask(c.Request.Context(), c.Param("id"), c.Param("tid"), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, task))
}

// SetPaymentPlan replaces the client's installment schedule
// @Summary      Set payment plan
// @Tags         clients
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                      true  "Client ID"
// @Param        payload  body      service.PaymentPlanRequest  true  "Installments"
// @Success      200      {object}  response.Response{data=service.PaymentPlanResponse}
// @Failure      409      {object}  response.Response  "Plan has paid installments"
// @Router       /api/clients/{id}/payment-plan [put]
func (h *ClientHandler) SetPaymentPlan(c *gin.Context) {
	var req service.PaymentPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	plan, err := h.clientService.SetPaymentPlan(c.Request.Context(), c.Param("id"), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, plan))
}

// FillAssessment stores assessment answers; a lead moves to assessment_completed
// @Summary      Fill assessment
// @Tags         clients
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                     true  "Client ID"
// @Param        payload  body      service.AssessmentRequest  true  "Answers"
// @Success      200      {object}  response.Response{data=service.ClientResponse}
// @Router       /api/clients/{id}/assessment [post]
func (h *ClientHandler) FillAssessment(c *gin.Context) {
	var req service.AssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	client, err := h.clientService.FillAssessment(c.Request.Context(), c.Param("id"), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, client))
}

// CreateClientInvoice issues an invoice for the client in the path
// @Summary      Create client invoice
// @Tags         invoices
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                        true  "Client ID"
// @Param        payload  body      service.CreateInvoiceRequest  true  "Invoice"
// @Success      201      {object}  response.Response{data=service.InvoiceResponse}
// @Router       /api/clients/{id}/invoices [post]
func (h *ClientHandler) CreateClientInvoice(c *gin.Context) {
	var req service.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	invoice, err := h.invoiceService.CreateClientInvoice(c.Request.Context(), c.Param("id"), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, invoice))
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
