package http

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	rd "github.com/redis/go-redis/v9"

	"github.com/ichristine180/iproxy-sub001/internal/config"
	"github.com/ichristine180/iproxy-sub001/internal/service"
)

type Server struct {
	router  *gin.Engine
	handler *Handler
	webhook *WebhookHandler
	cfg     *config.Config
	db      *pgxpool.Pool
	redis   *rd.Client
}

func NewServer(
	cfg *config.Config,
	db *pgxpool.Pool,
	redis *rd.Client,
	orderService *service.OrderService,
	quotaService *service.QuotaService,
	provisionService *service.ProvisionService,
	paymentService *service.PaymentService,
) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		handler: NewHandler(orderService, quotaService, provisionService),
		webhook: NewWebhookHandler(paymentService, cfg.Payments.SignatureHeader),
		cfg:     cfg,
		db:      db,
		redis:   redis,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "proxy-fulfillment-service",
		})
	})

	// Payment provider callbacks. No auth: signature and source IP are
	// checked inside the processor, and the response is always 200.
	webhooks := s.router.Group("/api/webhooks")
	webhooks.Use(RateLimitMiddleware(s.redis, "webhook", s.cfg.Redis.WebhookLimit, s.cfg.Redis.WebhookWindow))
	{
		webhooks.POST("/payment", s.webhook.PaymentWebhook)
	}

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(s.redis, "api", s.cfg.Redis.APILimit, s.cfg.Redis.APIWindow))
	{
		// Checkout uses a stricter window: it holds quota
		user.POST("/orders",
			RateLimitMiddleware(s.redis, "checkout", s.cfg.Redis.CheckoutLimit, s.cfg.Redis.CheckoutWindow),
			s.handler.Checkout)
		user.GET("/orders", s.handler.ListOrders)
		user.GET("/orders/:id", s.handler.GetOrder)
		user.DELETE("/orders/:id", s.handler.CancelOrder)
		user.PUT("/orders/:id/rotation", s.handler.UpdateRotation)
		user.GET("/orders/:id/rotation-links", s.handler.GetRotationLinks)

		user.GET("/availability", s.handler.GetAvailability)
	}

	// Internal API - called by admin tooling and sibling services
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/orders/:id/activate", s.handler.AdminActivate)
		internal.POST("/quota/adjust", s.handler.AdminAdjustQuota)
		internal.GET("/quota/reservations", s.handler.AdminListReservations)

		// DB Browser API (ops debugging)
		dbAdminHandler := NewDBAdminHandler(s.db, s.cfg.Database.Schema)
		dbAdmin := internal.Group("/db")
		{
			dbAdmin.GET("/tables", dbAdminHandler.ListTables)
			dbAdmin.GET("/tables/:table/schema", dbAdminHandler.GetTableSchema)
			dbAdmin.GET("/tables/:table/rows", dbAdminHandler.QueryRows)
		}
	}
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
