package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// Client IDs reported to the brokers
const (
	ResultsClientID = "vtag-engine-results"
	DLQClientID     = "vtag-engine-dlq"
)

// HeaderBatchID carries the scheduler batch a result belongs to
const HeaderBatchID = "batch_id"

// Manager owns the results producer, the DLQ producer and the consumers
type Manager struct {
	config           *config.KafkaConfig
	logger           *utils.Logger
	mainProducer     *Producer
	dlqProducer      *Producer
	consumers        map[string]*Consumer
	consumerCtx      context.Context
	consumerCancel   context.CancelFunc
	wg               sync.WaitGroup
	mu               sync.Mutex
	isRunning        bool
	messageProcessed chan struct{}
}

// NewManager creates a manager and its producers
func NewManager(cfg *config.KafkaConfig, logger *utils.Logger) (*Manager, error) {
	kafkaLogger := logger.Named("kafka_manager")

	mainProducer, err := NewProducer(cfg, ResultsClientID, kafkaLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create results producer: %w", err)
	}

	dlqProducer, err := NewProducer(cfg, DLQClientID, kafkaLogger)
	if err != nil {
		mainProducer.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:           cfg,
		logger:           kafkaLogger,
		mainProducer:     mainProducer,
		dlqProducer:      dlqProducer,
		consumers:        make(map[string]*Consumer),
		consumerCtx:      ctx,
		consumerCancel:   cancel,
		messageProcessed: make(chan struct{}, 100),
	}, nil
}

// Start starts every registered consumer
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("kafka manager is already running")
	}

	for name, consumer := range m.consumers {
		m.logger.Info("Starting consumer", zap.String("name", name))
		if err := consumer.Start(m.consumerCtx); err != nil {
			m.stopAllConsumers()
			return fmt.Errorf("failed to start consumer %s: %w", name, err)
		}
	}

	m.wg.Add(1)
	go m.monitorProcessing()

	m.isRunning = true
	m.logger.Info("Kafka manager started", zap.Int("consumers", len(m.consumers)))
	return nil
}

// AddConsumer registers a consumer with per-topic handlers
func (m *Manager) AddConsumer(name string, handlers map[string][]MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("cannot add consumer while manager is running")
	}
	if _, exists := m.consumers[name]; exists {
		return fmt.Errorf("consumer with name %s already exists", name)
	}

	consumer, err := NewConsumer(m.config, m.logger, m.dlqProducer)
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", name, err)
	}

	topics := make([]string, 0, len(handlers))
	for topic, topicHandlers := range handlers {
		topics = append(topics, topic)
		for _, handler := range topicHandlers {
			consumer.RegisterHandler(topic, m.wrapHandler(handler))
		}
	}

	m.consumers[name] = consumer
	m.logger.Info("Added consumer", zap.String("name", name), zap.Strings("topics", topics))
	return nil
}

// wrapHandler signals the processing monitor after each message
func (m *Manager) wrapHandler(handler MessageHandler) MessageHandler {
	return func(msg *kafka.Message) error {
		defer func() {
			select {
			case m.messageProcessed <- struct{}{}:
			default:
			}
		}()
		return handler(msg)
	}
}

// PublishResults sends one message per result to the results topic, keyed by
// virtual tag ID so a tag's results stay ordered within a partition
func (m *Manager) PublishResults(ctx context.Context, batchID string, results []models.CalculationResult) error {
	var errs []error
	for i := range results {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := &Message{
			Key:       results[i].VirtualTagID,
			Value:     NewResultEvent(&results[i]),
			Timestamp: results[i].Time,
			Headers:   map[string]string{HeaderBatchID: batchID},
		}
		if err := m.mainProducer.Produce(m.config.ResultsTopic, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", results[i].VirtualTagID, err))
		}
	}
	return errors.Join(errs...)
}

// RegisterReadingsHandler consumes the readings topic and passes each decoded
// message to handler. Undecodable messages go to the DLQ.
func (m *Manager) RegisterReadingsHandler(name string, handler func(ctx context.Context, readings []Reading) error) error {
	msgHandler := func(msg *kafka.Message) error {
		readings, err := DecodeReadings(msg.Value, msg.Timestamp)
		if err != nil {
			return err
		}
		return handler(m.consumerCtx, readings)
	}

	return m.AddConsumer(
		fmt.Sprintf("%s-readings", name),
		map[string][]MessageHandler{
			m.config.ReadingsTopic: {msgHandler},
		},
	)
}

// monitorProcessing logs message throughput once a minute
func (m *Manager) monitorProcessing() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	messageCount := 0
	for {
		select {
		case <-m.consumerCtx.Done():
			return
		case <-m.messageProcessed:
			messageCount++
		case <-ticker.C:
			if messageCount > 0 {
				m.logger.Info("Message processing statistics",
					zap.Int("processed_messages", messageCount),
					zap.String("interval", "1m"))
				messageCount = 0
			}
		}
	}
}

func (m *Manager) stopAllConsumers() {
	for name, consumer := range m.consumers {
		m.logger.Info("Stopping consumer", zap.String("name", name))
		consumer.Stop()
	}
}

// Stop stops consumers and flushes both producers
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return fmt.Errorf("kafka manager is not running")
	}

	m.consumerCancel()
	m.stopAllConsumers()
	m.wg.Wait()

	m.mainProducer.Close()
	m.dlqProducer.Close()

	m.isRunning = false
	m.logger.Info("Kafka manager stopped")
	return nil
}

// IsRunning reports whether Start has been called without Stop
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}
