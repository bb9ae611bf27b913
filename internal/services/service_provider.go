package services

import (
	"context"
	"fmt"

	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/db"
	"github.com/ksys/vtag-engine/internal/db/repository"
	"github.com/ksys/vtag-engine/internal/kafka"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// ServiceProvider wires and owns the engine services
type ServiceProvider struct {
	logger            *utils.Logger
	config            *config.Config
	database          *db.Database
	metrics           *metrics.Collector
	repos             *repository.RepositoryFactory
	redisMirror       *RedisMirror
	latestCache       *LatestCache
	scheduler         *Scheduler
	trigger           *Trigger
	definitionService *DefinitionService
	streamService     *StreamService
	kafkaManager      *kafka.Manager
	kafkaHandler      *KafkaHandler
}

// NewServiceProvider creates a new service provider
func NewServiceProvider(
	logger *utils.Logger,
	config *config.Config,
	database *db.Database,
	collector *metrics.Collector,
) *ServiceProvider {
	return &ServiceProvider{
		logger:   logger.Named("services"),
		config:   config,
		database: database,
		metrics:  collector,
	}
}

// Initialize builds every service, loads definitions and starts the trigger
func (sp *ServiceProvider) Initialize(ctx context.Context) error {
	var err error

	sp.repos = repository.NewRepositoryFactory(sp.database.DB, sp.database.CommandTimeout())

	var mirror LatestMirror
	if sp.config.Redis.Enabled {
		sp.redisMirror, err = NewRedisMirror(&sp.config.Redis)
		if err != nil {
			// The mirror is optional; the engine keeps serving from memory
			sp.logger.Warn("Redis mirror unavailable", zap.String("addr", sp.config.Redis.Addr), zap.Error(err))
		} else {
			mirror = sp.redisMirror
			sp.logger.Info("Redis mirror connected", zap.String("key", sp.redisMirror.Key()))
		}
	}

	sp.latestCache = NewLatestCache(sp.repos.Result(), mirror, sp.metrics, sp.logger)
	if err = sp.latestCache.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to build latest-value cache: %w", err)
	}
	sp.logger.Info("Latest-value cache built", zap.Int("tags", sp.latestCache.Len()))

	sp.streamService = NewStreamService(sp.metrics, sp.logger)

	sp.scheduler = NewScheduler(sp.repos, sp.latestCache, &sp.config.Engine, sp.metrics, sp.logger)
	sp.scheduler.SetBroadcaster(sp.streamService)

	if sp.config.Kafka.Enabled {
		if err = sp.startKafka(); err != nil {
			return err
		}
		sp.scheduler.SetPublisher(sp.kafkaManager)
	}

	if err = sp.scheduler.Load(ctx); err != nil {
		return fmt.Errorf("failed to load scheduler: %w", err)
	}

	sp.definitionService, err = NewDefinitionService(sp.repos, sp.latestCache, sp.scheduler, &sp.config.Engine, sp.logger)
	if err != nil {
		return fmt.Errorf("failed to create definition service: %w", err)
	}

	sp.trigger = NewTrigger(sp.scheduler, sp.config.Engine.TriggerInterval, sp.logger)
	if err = sp.trigger.Start(ctx, sp.config.Engine.RunOnStart); err != nil {
		return fmt.Errorf("failed to start trigger: %w", err)
	}

	sp.logger.Info("All services initialized successfully")
	return nil
}

func (sp *ServiceProvider) startKafka() error {
	var err error
	sp.kafkaManager, err = kafka.NewManager(&sp.config.Kafka, sp.logger)
	if err != nil {
		return fmt.Errorf("failed to create Kafka manager: %w", err)
	}

	sp.kafkaHandler = NewKafkaHandler(sp.logger, sp.repos, sp.metrics)
	if err = sp.kafkaHandler.Initialize(sp.kafkaManager); err != nil {
		return err
	}

	if err = sp.kafkaManager.Start(); err != nil {
		return fmt.Errorf("failed to start Kafka manager: %w", err)
	}
	sp.logger.Info("Kafka manager started",
		zap.String("results_topic", sp.config.Kafka.ResultsTopic),
		zap.String("readings_topic", sp.config.Kafka.ReadingsTopic))
	return nil
}

// Shutdown stops the trigger first so no batch starts while the rest of
// the services go down
func (sp *ServiceProvider) Shutdown() error {
	sp.logger.Info("Shutting down services")

	if sp.trigger != nil {
		sp.trigger.Stop()
	}

	if sp.kafkaManager != nil && sp.kafkaManager.IsRunning() {
		if err := sp.kafkaManager.Stop(); err != nil {
			sp.logger.Error("Failed to stop Kafka manager", zap.Error(err))
		}
	}

	if sp.streamService != nil {
		sp.streamService.Close()
	}

	if sp.redisMirror != nil {
		if err := sp.redisMirror.Close(); err != nil {
			sp.logger.Error("Failed to close Redis mirror", zap.Error(err))
		}
	}

	sp.logger.Info("Services shut down successfully")
	return nil
}

// GetScheduler returns the scheduler
func (sp *ServiceProvider) GetScheduler() *Scheduler {
	return sp.scheduler
}

// GetTrigger returns the batch trigger
func (sp *ServiceProvider) GetTrigger() *Trigger {
	return sp.trigger
}

// GetDefinitionService returns the definition service
func (sp *ServiceProvider) GetDefinitionService() *DefinitionService {
	return sp.definitionService
}

// GetLatestCache returns the latest-value cache
func (sp *ServiceProvider) GetLatestCache() *LatestCache {
	return sp.latestCache
}

// GetStreamService returns the live stream hub
func (sp *ServiceProvider) GetStreamService() *StreamService {
	return sp.streamService
}

// GetKafkaManager returns the Kafka manager, nil when Kafka is disabled
func (sp *ServiceProvider) GetKafkaManager() *kafka.Manager {
	return sp.kafkaManager
}
