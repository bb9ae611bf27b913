package services

import (
	"context"
	"fmt"

	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/db/repository"
	"github.com/ksys/vtag-engine/internal/kafka"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// ReadingsRegistrar is the part of the Kafka manager the handler needs
type ReadingsRegistrar interface {
	RegisterReadingsHandler(name string, handler func(ctx context.Context, readings []kafka.Reading) error) error
}

// KafkaHandler writes raw sensor readings from Kafka into sensor history so
// the engine can run without a separate ingestion service
type KafkaHandler struct {
	logger  *utils.Logger
	sensors repository.SensorRepository
	metrics *metrics.Collector
}

// NewKafkaHandler creates the readings handler
func NewKafkaHandler(logger *utils.Logger, repoFactory *repository.RepositoryFactory, collector *metrics.Collector) *KafkaHandler {
	return &KafkaHandler{
		logger:  logger.Named("kafka_handler"),
		sensors: repoFactory.Sensor(),
		metrics: collector,
	}
}

// Initialize registers the readings consumer
func (h *KafkaHandler) Initialize(registrar ReadingsRegistrar) error {
	if err := registrar.RegisterReadingsHandler("sensor-ingest", h.HandleReadings); err != nil {
		return fmt.Errorf("failed to register readings handler: %w", err)
	}
	return nil
}

// HandleReadings stores one decoded message. A returned error sends the
// message to the DLQ.
func (h *KafkaHandler) HandleReadings(ctx context.Context, readings []kafka.Reading) error {
	rows := make([]models.SensorReading, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, models.SensorReading{
			Time:    r.Timestamp.UTC(),
			TagName: r.Tag,
			Value:   *r.Value,
			Quality: r.Quality,
		})
	}

	err := h.sensors.Insert(ctx, rows)
	if h.metrics != nil {
		h.metrics.RecordReadings(len(rows), err)
	}
	if err != nil {
		return fmt.Errorf("failed to store readings: %w", err)
	}

	h.logger.Debug("Stored sensor readings", zap.Int("count", len(rows)))
	return nil
}
