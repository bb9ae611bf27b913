package controllers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksys/vtag-engine/internal/api/middleware"
	"github.com/ksys/vtag-engine/internal/services"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// StreamController upgrades clients onto the live batch stream
type StreamController struct {
	stream   *services.StreamService
	upgrader websocket.Upgrader
	logger   *utils.Logger
}

// NewStreamController creates a new stream controller
func NewStreamController(stream *services.StreamService, logger *utils.Logger) *StreamController {
	return &StreamController{
		stream: stream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are already governed by the CORS middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("stream_controller"),
	}
}

// RegisterRoutes registers the stream route
func (c *StreamController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/stream", c.Stream)
}

// Stream upgrades the connection. The optional tags query parameter is a
// comma-separated initial subscription; without it every tag is streamed.
func (c *StreamController) Stream(ctx *gin.Context) {
	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	tags := splitTags(ctx.Query("tags"))
	operator := middleware.Operator(ctx)
	c.stream.RegisterClient(conn, operator, tags)

	c.logger.Info("Stream client connected",
		zap.String("operator", operator),
		zap.Strings("tags", tags))
}

func splitTags(raw string) []string {
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
