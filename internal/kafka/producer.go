package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/ksys/vtag-engine/internal/config"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// Producer writes messages to Kafka topics
type Producer struct {
	producer *kafka.Producer
	logger   *utils.Logger
	config   *config.KafkaConfig
}

// newConfigMap builds the client configuration shared by producers and
// consumers, including SASL settings when security is enabled
func newConfigMap(cfg *config.KafkaConfig, settings kafka.ConfigMap) (*kafka.ConfigMap, error) {
	configMap := kafka.ConfigMap{"bootstrap.servers": cfg.Brokers}
	for k, v := range settings {
		configMap[k] = v
	}

	if cfg.SecurityEnable {
		security := map[string]string{
			"security.protocol": "SASL_SSL",
			"sasl.mechanisms":   "PLAIN",
			"sasl.username":     cfg.SecurityUser,
			"sasl.password":     cfg.SecurityPass,
		}
		for k, v := range security {
			if err := configMap.SetKey(k, v); err != nil {
				return nil, fmt.Errorf("failed to set %s: %w", k, err)
			}
		}
	}

	return &configMap, nil
}

// NewProducer creates a producer. Delivery failures are logged by a
// background goroutine reading the events channel.
func NewProducer(cfg *config.KafkaConfig, clientID string, logger *utils.Logger) (*Producer, error) {
	producerLogger := logger.Named("kafka_producer")

	configMap, err := newConfigMap(cfg, kafka.ConfigMap{
		"client.id": clientID,
		"acks":      "all",
	})
	if err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	go func() {
		for e := range producer.Events() {
			ev, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if ev.TopicPartition.Error != nil {
				producerLogger.Error("Failed to deliver message",
					zap.String("topic", topicName(ev)),
					zap.Error(ev.TopicPartition.Error))
				continue
			}
			producerLogger.Debug("Message delivered",
				zap.String("topic", topicName(ev)),
				zap.Int32("partition", ev.TopicPartition.Partition),
				zap.Int64("offset", int64(ev.TopicPartition.Offset)))
		}
	}()

	return &Producer{
		producer: producer,
		logger:   producerLogger,
		config:   cfg,
	}, nil
}

// Message is an outgoing record. Raw is sent as-is when set, otherwise
// Value is JSON encoded.
type Message struct {
	Key       string
	Value     interface{}
	Raw       []byte
	Timestamp time.Time
	Headers   map[string]string
}

// encode converts m into a kafka.Message for topic
func (m *Message) encode(topic string) (*kafka.Message, error) {
	payload := m.Raw
	if payload == nil {
		var err error
		payload, err = json.Marshal(m.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message value: %w", err)
		}
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
		Timestamp:      m.Timestamp,
	}
	if m.Key != "" {
		msg.Key = []byte(m.Key)
	}
	for k, v := range m.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg, nil
}

// Produce queues a message; delivery is reported asynchronously
func (p *Producer) Produce(topic string, message *Message) error {
	msg, err := message.encode(topic)
	if err != nil {
		return err
	}

	p.logger.Debug("Producing message",
		zap.String("topic", topic),
		zap.String("key", message.Key))

	if err := p.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// ProduceSync sends a message and waits for its delivery report
func (p *Producer) ProduceSync(topic string, message *Message) error {
	msg, err := message.encode(topic)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(msg, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	delivered, ok := (<-deliveryChan).(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event for topic %s", topic)
	}
	if delivered.TopicPartition.Error != nil {
		return fmt.Errorf("failed to deliver message: %w", delivered.TopicPartition.Error)
	}
	return nil
}

// Flush waits up to timeoutMs for queued messages and returns how many remain
func (p *Producer) Flush(timeoutMs int) int {
	return p.producer.Flush(timeoutMs)
}

// Close flushes outstanding messages and closes the producer
func (p *Producer) Close() {
	if remaining := p.producer.Flush(5000); remaining > 0 {
		p.logger.Warn("Failed to deliver all messages during flush", zap.Int("remaining", remaining))
	}
	p.producer.Close()
	p.logger.Info("Kafka producer closed")
}

func topicName(msg *kafka.Message) string {
	if msg.TopicPartition.Topic == nil {
		return ""
	}
	return *msg.TopicPartition.Topic
}
