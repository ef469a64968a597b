// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/discovery"
	"instrument-service/internal/handler"
	"instrument-service/internal/middleware"
	"instrument-service/internal/registry"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config      *config.Config
	logger      *zap.Logger
	registry    *registry.Registry
	instruments *service.InstrumentService
}

// NewRouter creates a new router instance
func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	reg *registry.Registry,
	instruments *service.InstrumentService,
) *Router {
	return &Router{
		config:      cfg,
		logger:      logger,
		registry:    reg,
		instruments: instruments,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
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

	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.registry, r.config, r.logger)
	instrumentHandler := handler.NewInstrumentHandler(r.instruments, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(discovery.NewScannerManager(r.logger), r.logger)

	// Health and metrics (no API prefix)
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	r.addInstrumentRoutes(apiV1, instrumentHandler)
	apiV1.GET("/discovery", discoveryHandler.ScanPorts)

	r.logger.Info("All routes configured successfully")
}

// addInstrumentRoutes sets up instrument communication routes
func (r *Router) addInstrumentRoutes(api *gin.RouterGroup, h *handler.InstrumentHandler) {
	instruments := api.Group("/instruments")
	{
		instruments.GET("", h.ListInstruments)

		instrument := instruments.Group("/:instrument_id")
		{
			instrument.POST("/connect", h.ConnectInstrument)
			instrument.POST("/disconnect", h.DisconnectInstrument)
			instrument.POST("/query", h.QueryInstrument)
			instrument.POST("/write", h.WriteInstrument)
			instrument.GET("/read", h.ReadInstrument)
		}
	}
}
