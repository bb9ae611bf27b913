package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// MessageHandler processes one Kafka message
type MessageHandler func(msg *kafka.Message) error

// Consumer reads registered topics and dispatches messages to handlers.
// Messages whose handler fails are forwarded to <topic>.dlq.
type Consumer struct {
	consumer    *kafka.Consumer
	logger      *utils.Logger
	config      *config.KafkaConfig
	handlers    map[string][]MessageHandler
	dlqProducer *Producer

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewConsumer creates a consumer in the configured group
func NewConsumer(cfg *config.KafkaConfig, logger *utils.Logger, dlqProducer *Producer) (*Consumer, error) {
	configMap, err := newConfigMap(cfg, kafka.ConfigMap{
		"group.id":                cfg.ConsumerGroup,
		"auto.offset.reset":       "earliest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, err
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    consumer,
		logger:      logger.Named("kafka_consumer"),
		config:      cfg,
		handlers:    make(map[string][]MessageHandler),
		dlqProducer: dlqProducer,
	}, nil
}

// RegisterHandler adds a handler for topic. Must be called before Start.
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	c.handlers[topic] = append(c.handlers[topic], handler)
	c.logger.Info("Registered handler for topic", zap.String("topic", topic))
}

// Start subscribes to the registered topics and begins polling
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("consumer is already running")
	}

	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return fmt.Errorf("no topics registered")
	}

	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	c.logger.Info("Subscribed to topics", zap.Strings("topics", topics))

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true
	go c.consumeLoop(ctx)

	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.logger.Warn("Failed to close consumer", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context canceled, stopping consumer")
			return
		case <-c.stop:
			c.logger.Info("Received stop signal, stopping consumer")
			return
		default:
		}

		msg, err := c.consumer.ReadMessage(100 * time.Millisecond)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			c.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		c.processMessage(msg)
	}
}

func (c *Consumer) processMessage(msg *kafka.Message) {
	if msg == nil || msg.TopicPartition.Topic == nil {
		return
	}

	topic := *msg.TopicPartition.Topic
	handlers := c.handlers[topic]
	if len(handlers) == 0 {
		c.logger.Warn("No handlers registered for topic", zap.String("topic", topic))
		return
	}

	for i, handler := range handlers {
		err := handler(msg)
		if err == nil {
			continue
		}

		c.logger.Error("Handler failed to process message",
			zap.String("topic", topic),
			zap.Int("handler_index", i),
			zap.Int64("offset", int64(msg.TopicPartition.Offset)),
			zap.Error(err))

		if c.dlqProducer == nil {
			continue
		}
		dlqTopic := topic + ".dlq"
		dlqMessage := &Message{
			Key:       string(msg.Key),
			Raw:       msg.Value,
			Timestamp: time.Now(),
			Headers: map[string]string{
				"error":          err.Error(),
				"original_topic": topic,
			},
		}
		if err := c.dlqProducer.Produce(dlqTopic, dlqMessage); err != nil {
			c.logger.Error("Failed to send message to DLQ",
				zap.String("dlq_topic", dlqTopic),
				zap.Error(err))
		}
	}
}

// Stop ends the poll loop and closes the underlying consumer
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	close(c.stop)
	<-c.done
	c.running = false
	c.logger.Info("Kafka consumer stopped")
}
