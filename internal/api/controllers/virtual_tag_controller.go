package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksys/vtag-engine/internal/api/middleware"
	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/ksys/vtag-engine/internal/services"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// VirtualTagController handles HTTP requests for virtual tag definitions
type VirtualTagController struct {
	definitions *services.DefinitionService
	scheduler   *services.Scheduler
	logger      *utils.Logger
}

// NewVirtualTagController creates a new virtual tag controller
func NewVirtualTagController(definitions *services.DefinitionService, scheduler *services.Scheduler, logger *utils.Logger) *VirtualTagController {
	return &VirtualTagController{
		definitions: definitions,
		scheduler:   scheduler,
		logger:      logger.Named("virtual_tag_controller"),
	}
}

// RegisterRoutes registers the read-only routes
func (c *VirtualTagController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("", c.ListVirtualTags)
	router.GET("/:id", c.GetVirtualTag)
	router.GET("/:id/dependencies", c.GetDependencies)
	router.GET("/:id/history", c.GetHistory)
}

// RegisterOperatorRoutes registers the routes that change definitions or run evaluations
func (c *VirtualTagController) RegisterOperatorRoutes(router *gin.RouterGroup) {
	router.POST("", c.CreateVirtualTag)
	router.PUT("/:id", c.UpdateVirtualTag)
	router.POST("/:id/enable", c.EnableVirtualTag)
	router.POST("/:id/disable", c.DisableVirtualTag)
	router.DELETE("/:id", c.DeleteVirtualTag)
	router.POST("/:id/evaluate", c.EvaluateVirtualTag)
}

// ListVirtualTags returns one page of definitions with their latest result
func (c *VirtualTagController) ListVirtualTags(ctx *gin.Context) {
	page := utils.GetPaginationFromContext(ctx)

	summaries, total, err := c.definitions.List(ctx.Request.Context(), page.Offset(), page.Limit)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"data":       summaries,
		"pagination": utils.NewPagination(page, total),
	})
}

// GetVirtualTag returns a definition and its latest result
func (c *VirtualTagController) GetVirtualTag(ctx *gin.Context) {
	id := ctx.Param("id")

	tag, err := c.definitions.Get(ctx.Request.Context(), id)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	response := gin.H{"data": tag}
	if latest, ok := c.definitions.Latest(id); ok {
		response["latest"] = latest
	}
	if due, ok := c.scheduler.NextDue(id); ok {
		response["next_due"] = due
	}
	ctx.JSON(http.StatusOK, response)
}

// GetDependencies returns the source tags a definition reads
func (c *VirtualTagController) GetDependencies(ctx *gin.Context) {
	deps, err := c.definitions.Dependencies(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"data": deps})
}

// GetHistory returns stored results for a definition within a time range
func (c *VirtualTagController) GetHistory(ctx *gin.Context) {
	start, err := parseTimeQuery(ctx, "start")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	end, err := parseTimeQuery(ctx, "end")
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			utils.HandleError(ctx, fmt.Errorf("%w: limit must be a positive integer", utils.ErrBadRequest), c.logger)
			return
		}
	}

	results, err := c.definitions.History(ctx.Request.Context(), ctx.Param("id"), start, end, limit)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"data": results, "count": len(results)})
}

// CreateVirtualTag validates and stores a new definition
func (c *VirtualTagController) CreateVirtualTag(ctx *gin.Context) {
	var req services.CreateDefinitionInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	tag, err := c.definitions.Create(ctx.Request.Context(), req)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	c.logger.Info("Virtual tag created",
		zap.String("id", tag.ID),
		zap.String("operator", middleware.Operator(ctx)))
	ctx.JSON(http.StatusCreated, gin.H{"data": tag})
}

// UpdateVirtualTag replaces a definition and re-extracts its dependencies
func (c *VirtualTagController) UpdateVirtualTag(ctx *gin.Context) {
	var req services.DefinitionInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	tag, err := c.definitions.Update(ctx.Request.Context(), ctx.Param("id"), req)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	c.logger.Info("Virtual tag updated",
		zap.String("id", tag.ID),
		zap.String("operator", middleware.Operator(ctx)))
	ctx.JSON(http.StatusOK, gin.H{"data": tag})
}

// EnableVirtualTag puts a definition back on the schedule
func (c *VirtualTagController) EnableVirtualTag(ctx *gin.Context) {
	c.setEnabled(ctx, true)
}

// DisableVirtualTag takes a definition off the schedule
func (c *VirtualTagController) DisableVirtualTag(ctx *gin.Context) {
	c.setEnabled(ctx, false)
}

func (c *VirtualTagController) setEnabled(ctx *gin.Context, enabled bool) {
	tag, err := c.definitions.SetEnabled(ctx.Request.Context(), ctx.Param("id"), enabled)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	c.logger.Info("Virtual tag state changed",
		zap.String("id", tag.ID),
		zap.Bool("enabled", enabled),
		zap.String("operator", middleware.Operator(ctx)))
	ctx.JSON(http.StatusOK, gin.H{"data": tag})
}

// DeleteVirtualTag removes a definition that nothing else depends on
func (c *VirtualTagController) DeleteVirtualTag(ctx *gin.Context) {
	id := ctx.Param("id")
	if err := c.definitions.Delete(ctx.Request.Context(), id); err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	c.logger.Info("Virtual tag deleted",
		zap.String("id", id),
		zap.String("operator", middleware.Operator(ctx)))
	ctx.Status(http.StatusNoContent)
}

// EvaluateVirtualTag evaluates a definition immediately. With persist=true
// the result is stored like a scheduled one.
func (c *VirtualTagController) EvaluateVirtualTag(ctx *gin.Context) {
	persist, err := strconv.ParseBool(ctx.DefaultQuery("persist", "false"))
	if err != nil {
		utils.HandleError(ctx, fmt.Errorf("%w: persist must be a boolean", utils.ErrBadRequest), c.logger)
		return
	}

	result, err := c.scheduler.EvaluateNow(ctx.Request.Context(), ctx.Param("id"), persist)
	if err != nil {
		if errors.Is(err, calc.ErrDefinitionNotFoundOrDisabled) {
			err = fmt.Errorf("%w: %w", utils.ErrNotFound, err)
		}
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"data":      result,
		"quality":   calc.Quality(result.Quality).String(),
		"persisted": persist,
	})
}

// parseTimeQuery reads an optional RFC3339 query parameter
func parseTimeQuery(ctx *gin.Context, name string) (time.Time, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC3339 timestamp", utils.ErrBadRequest, name)
	}
	return t, nil
}
