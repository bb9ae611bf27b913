package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ksys/vtag-engine/internal/api/controllers"
	"github.com/ksys/vtag-engine/internal/api/middleware"
	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/db"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/services"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// Router manages the API routes and controllers
type Router struct {
	engine           *gin.Engine
	logger           *utils.Logger
	config           *config.Config
	authMiddleware   *middleware.AuthMiddleware
	serviceProvider  *services.ServiceProvider
	db               *db.Database
	collector        *metrics.Collector
	apiV1            *gin.RouterGroup
	tagController    *controllers.VirtualTagController
	engineController *controllers.EngineController
	streamController *controllers.StreamController
}

// NewRouter creates a new Router instance
func NewRouter(
	config *config.Config,
	logger *utils.Logger,
	db *db.Database,
	serviceProvider *services.ServiceProvider,
	collector *metrics.Collector,
) *Router {
	if config.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.LoggingMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Origin"}
	engine.Use(cors.New(corsConfig))

	return &Router{
		engine:          engine,
		logger:          logger.Named("router"),
		config:          config,
		authMiddleware:  middleware.NewAuthMiddleware(&config.JWT, logger),
		serviceProvider: serviceProvider,
		db:              db,
		collector:       collector,
	}
}

// SetupRoutes configures all API routes
func (r *Router) SetupRoutes() {
	r.engine.GET("/health", r.health)
	r.engine.GET("/metrics", gin.WrapH(r.collector.Handler()))

	r.apiV1 = r.engine.Group("/api/v1")

	sp := r.serviceProvider
	r.tagController = controllers.NewVirtualTagController(sp.GetDefinitionService(), sp.GetScheduler(), r.logger)
	r.engineController = controllers.NewEngineController(
		sp.GetTrigger(),
		sp.GetScheduler(),
		sp.GetLatestCache(),
		sp.GetDefinitionService(),
		r.logger,
	)
	r.streamController = controllers.NewStreamController(sp.GetStreamService(), r.logger)

	// Reads are open to dashboards
	r.tagController.RegisterRoutes(r.apiV1.Group("/virtual-tags"))
	r.engineController.RegisterRoutes(r.apiV1)

	operatorRoutes := r.apiV1.Group("")
	operatorRoutes.Use(r.authMiddleware.RequireOperator())
	r.tagController.RegisterOperatorRoutes(operatorRoutes.Group("/virtual-tags"))
	r.engineController.RegisterOperatorRoutes(operatorRoutes)
	r.streamController.RegisterRoutes(operatorRoutes)

	r.logger.Info("API routes setup completed")
}

func (r *Router) health(ctx *gin.Context) {
	checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()

	if err := r.db.VerifyConnection(checkCtx); err != nil {
		r.logger.Warn("Health check failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
		return
	}

	response := gin.H{"status": "healthy"}
	if report := r.serviceProvider.GetScheduler().LastBatch(); report != nil {
		response["last_batch"] = report.Tick
	}
	ctx.JSON(http.StatusOK, response)
}

// GetEngine returns the Gin engine
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
