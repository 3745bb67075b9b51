// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"raw-uart-service/internal/config"
	"raw-uart-service/internal/database"
	"raw-uart-service/internal/handler"
	"raw-uart-service/internal/middleware"
	"raw-uart-service/internal/service"
	"raw-uart-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config           *config.Config
	logger           *zap.Logger
	db               *database.DB
	metrics          *prometheus.Registry
	eventBus         *handler.EventBus
	deviceService    *service.DeviceService
	discoveryService *service.DiscoveryService
}

// NewRouter creates a new router instance. db and metrics may be nil.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	db *database.DB,
	metrics *prometheus.Registry,
	eventBus *handler.EventBus,
	deviceService *service.DeviceService,
	discoveryService *service.DiscoveryService,
) *Router {
	return &Router{
		config:           config,
		logger:           logger,
		db:               db,
		metrics:          metrics,
		eventBus:         eventBus,
		deviceService:    deviceService,
		discoveryService: discoveryService,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.IsDebugEnabled() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.db, r.deviceService, r.config, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.deviceService, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.discoveryService, r.logger)
	wsHandler := handler.NewWebSocketHandler(r.deviceService, r.eventBus, r.config.Security.AllowedOrigins, r.logger)

	healthHandler.RegisterRoutes(router.Group(""))

	apiV1 := router.Group("/api/v1")
	deviceHandler.RegisterRoutes(apiV1)
	discoveryHandler.RegisterRoutes(apiV1)

	wsHandler.RegisterRoutes(router.Group("/ws"))

	r.addDocumentationRoutes(router)

	if r.config.Metrics.Enabled && r.metrics != nil {
		router.GET(r.config.Metrics.Path, gin.WrapH(promhttp.HandlerFor(r.metrics, promhttp.HandlerOpts{
			ErrorLog: zap.NewStdLog(r.logger),
		})))
	}

	r.logger.Info("All routes configured successfully")
}

// addDocumentationRoutes sets up documentation routes
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
