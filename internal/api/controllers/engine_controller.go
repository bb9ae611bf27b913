package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksys/vtag-engine/internal/api/middleware"
	"github.com/ksys/vtag-engine/internal/services"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// EngineController exposes batch control and the latest-value view
type EngineController struct {
	trigger     *services.Trigger
	scheduler   *services.Scheduler
	cache       *services.LatestCache
	definitions *services.DefinitionService
	logger      *utils.Logger
}

// NewEngineController creates a new engine controller
func NewEngineController(
	trigger *services.Trigger,
	scheduler *services.Scheduler,
	cache *services.LatestCache,
	definitions *services.DefinitionService,
	logger *utils.Logger,
) *EngineController {
	return &EngineController{
		trigger:     trigger,
		scheduler:   scheduler,
		cache:       cache,
		definitions: definitions,
		logger:      logger.Named("engine_controller"),
	}
}

// RegisterRoutes registers the read-only routes
func (c *EngineController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/batches/last", c.GetLastBatch)
	router.GET("/latest", c.ListLatest)
	router.GET("/sensor-tags", c.ListSensorTags)
}

// RegisterOperatorRoutes registers the routes that drive the engine
func (c *EngineController) RegisterOperatorRoutes(router *gin.RouterGroup) {
	router.POST("/batches", c.RunBatch)
	router.POST("/latest/rebuild", c.RebuildLatest)
}

// RunBatch runs a batch for the current tick outside the cron cadence
func (c *EngineController) RunBatch(ctx *gin.Context) {
	report, err := c.trigger.Fire(ctx.Request.Context())
	if err != nil {
		if errors.Is(err, services.ErrBatchInProgress) {
			err = fmt.Errorf("%w: %w", utils.ErrConflict, err)
		}
		utils.HandleError(ctx, err, c.logger)
		return
	}

	c.logger.Info("Manual batch completed",
		zap.String("batch_id", report.ID),
		zap.Int("evaluated", report.Evaluated),
		zap.String("operator", middleware.Operator(ctx)))
	ctx.JSON(http.StatusOK, gin.H{"data": report})
}

// GetLastBatch returns the report of the most recent batch
func (c *EngineController) GetLastBatch(ctx *gin.Context) {
	report := c.scheduler.LastBatch()
	if report == nil {
		utils.HandleError(ctx, fmt.Errorf("%w: no batch has run yet", utils.ErrNotFound), c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"data": report})
}

// ListLatest returns the latest result of every virtual tag
func (c *EngineController) ListLatest(ctx *gin.Context) {
	latest := c.cache.All()
	ctx.JSON(http.StatusOK, gin.H{"data": latest, "count": len(latest)})
}

// RebuildLatest reloads the latest-value view from stored results
func (c *EngineController) RebuildLatest(ctx *gin.Context) {
	if err := c.cache.Rebuild(ctx.Request.Context()); err != nil {
		utils.HandleError(ctx, fmt.Errorf("%w: %w", utils.ErrServiceUnavailable, err), c.logger)
		return
	}

	c.logger.Info("Latest-value view rebuilt",
		zap.Int("entries", c.cache.Len()),
		zap.String("operator", middleware.Operator(ctx)))
	ctx.JSON(http.StatusOK, gin.H{"entries": c.cache.Len()})
}

// ListSensorTags returns the distinct sensor tag names seen in history
func (c *EngineController) ListSensorTags(ctx *gin.Context) {
	tags, err := c.definitions.SensorTags(ctx.Request.Context())
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"data": tags, "count": len(tags)})
}
