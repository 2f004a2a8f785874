package handler

import (
	"net/http"

	"crm/internal/logger"
	"crm/internal/middleware"
	"crm/internal/realtime"
	"crm/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Services bundles everything the HTTP layer calls into.
type Services struct {
	Clients    service.ClientService
	Invoices   service.InvoiceService
	Dispatch   service.DispatchService
	Reconciler service.Reconciler
	Statistics service.StatisticsService
	Audit      service.AuditService
	Tax        service.TaxService
}

// RouterConfig holds router settings that do not come from services.
type RouterConfig struct {
	ServiceName    string
	AllowedOrigins []string
	Secret         []byte
	Tracing        bool
}

// NewRouter builds the gin engine with every route mounted. hub may be nil, which disables /ws.
func NewRouter(cfg RouterConfig, svc Services, hub *realtime.Hub, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Tracing {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(middleware.RequestLogger(log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})
	if hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			realtime.ServeWs(hub, c, cfg.Secret)
		})
	}

	whatsappHandler := NewWhatsAppHandler(svc.Dispatch, svc.Clients)
	whatsappHandler.RegisterWebhook(router.Group(""))

	protected := router.Group("", middleware.RequireOperator(cfg.Secret))
	NewClientHandler(svc.Clients, svc.Invoices).RegisterRoutes(protected)
	NewInvoiceHandler(svc.Invoices).RegisterRoutes(protected)
	whatsappHandler.RegisterRoutes(protected)
	NewReconciliationHandler(svc.Reconciler).RegisterRoutes(protected)
	NewStatisticsHandler(svc.Statistics).RegisterRoutes(protected)
	NewAuditHandler(svc.Audit).RegisterRoutes(protected)
	NewTaxHandler(svc.Tax).RegisterRoutes(protected)

	return router
}
