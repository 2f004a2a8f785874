package handler

import (
	"net/http"

	"crm/internal/middleware"
	"crm/internal/service"
	"crm/pkg/pagination"
	"crm/pkg/response"

	"github.com/gin-gonic/gin"
)

// emptyTwiML acknowledges an inbound webhook without replying to the sender.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type WhatsAppHandler struct {
	dispatchService service.DispatchService
	clientService   service.ClientService
}

func NewWhatsAppHandler(dispatchService service.DispatchService, clientService service.ClientService) *WhatsAppHandler {
	return &WhatsAppHandler{dispatchService: dispatchService, clientService: clientService}
}

func (h *WhatsAppHandler) RegisterRoutes(router *gin.RouterGroup) {
	wa := router.Group("/api/whatsapp")
	{
		wa.POST("/send-bulk", h.SendBulk)
		wa.GET("/dispatches", h.ListDispatches)
		wa.GET("/status", h.Status)
	}
}

// RegisterWebhook mounts the inbound endpoint. The group must not require an operator token.
func (h *WhatsAppHandler) RegisterWebhook(router *gin.RouterGroup) {
	router.POST("/api/whatsapp/webhook", h.Webhook)
}

// SendBulk sends one WhatsApp message to every client matching the filter
// @Summary      Send bulk WhatsApp message
// @Description  Messages are sent one at a time with a fixed delay. {name} in the message is replaced by the client name. The call returns when every recipient has been attempted.
// @Tags         whatsapp
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.SendBulkRequest  true  "Message and recipient filter"
// @Success      200      {object}  response.Response{data=service.BulkDispatchResponse}
// @Failure      400      {object}  response.Response  "No recipients with a valid phone"
// @Router       /api/whatsapp/send-bulk [post]
func (h *WhatsAppHandler) SendBulk(c *gin.Context) {
	var req service.SendBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err)
		return
	}

	res, err := h.dispatchService.SendBulk(c.Request.Context(), req, middleware.OperatorID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// ListDispatches returns past bulk dispatches, newest first
// @Summary      List bulk dispatches
// @Tags         whatsapp
// @Security     BearerAuth
// @Produce      json
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=response.Page}
// @Router       /api/whatsapp/dispatches [get]
func (h *WhatsAppHandler) ListDispatches(c *gin.Context) {
	p := pagination.Parse(c)
	rows, total, err := h.dispatchService.ListDispatches(c.Request.Context(), p.Page, p.Limit)
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessWithPagination(rows, total, p.Page, p.Limit))
}

// Status reports whether the outbound channel is reachable
// @Summary      WhatsApp channel status
// @Tags         whatsapp
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  response.Response{data=messaging.ChannelStatus}
// @Failure      503  {object}  response.Response
// @Router       /api/whatsapp/status [get]
func (h *WhatsAppHandler) Status(c *gin.Context) {
	st, err := h.dispatchService.ChannelStatus(c.Request.Context())
	if err != nil {
		response.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, st))
}

// Webhook receives inbound WhatsApp messages from Twilio
// @Summary      Inbound WhatsApp webhook
// @Description  Files the message on the sender's client, creating a new lead for unknown numbers.
// @Tags         whatsapp
// @Accept       x-www-form-urlencoded
// @Produce      xml
// @Param        From         formData  string  true   "Sender, whatsapp:+E164"
// @Param        ProfileName  formData  string  false  "Sender profile name"
// @Param        Body         formData  string  false  "Message text"
// @Param        MessageSid   formData  string  false  "Provider message id"
// @Success      200
// @Router       /api/whatsapp/webhook [post]
func (h *WhatsAppHandler) Webhook(c *gin.Context) {
	msg := service.InboundMessage{
		From:        c.PostForm("From"),
		ProfileName: c.PostForm("ProfileName"),
		Body:        c.PostForm("Body"),
		MessageID:   c.PostForm("MessageSid"),
	}
	if _, err := h.clientService.HandleInboundMessage(c.Request.Context(), msg); err != nil {
		response.Fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(emptyTwiML))
}
