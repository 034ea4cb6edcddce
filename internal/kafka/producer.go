package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/segmentio/kafka-go"
)

const writeTimeout = 15 * time.Second

// messageWriter часть kafka.Writer, которую использует публикатор
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EntitlementPublisher публикует изменения прав пользователя через segmentio/kafka-go.
// Ключ сообщения это id пользователя.
type EntitlementPublisher struct {
	writer messageWriter
	topic  string
	log    *logger.Logger
}

// NewEntitlementPublisher создает и настраивает публикатор
func NewEntitlementPublisher(brokers []string, topic string, log *logger.Logger) (*EntitlementPublisher, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}
	if topic == "" {
		topic = DefaultEntitlementTopic
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka entitlement publisher initialized", "brokers", brokers, "topic", topic)
	return newEntitlementPublisher(writer, topic, log), nil
}

func newEntitlementPublisher(w messageWriter, topic string, log *logger.Logger) *EntitlementPublisher {
	return &EntitlementPublisher{writer: w, topic: topic, log: log}
}

// PublishEntitlementChange сериализует изменение в JSON и пишет в топик
func (p *EntitlementPublisher) PublishEntitlementChange(ctx context.Context, change domain.EntitlementChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal entitlement change: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(change.UserID),
		Value: value,
		Time:  change.ChangedAt,
		Headers: []kafka.Header{
			{Key: "cause", Value: []byte(change.Cause)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Errorw("Kafka write timeout exceeded", "topic", p.topic, "userID", change.UserID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		p.log.Errorw("Failed to write message to Kafka", "error", err, "topic", p.topic, "userID", change.UserID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	p.log.Debugw("Published entitlement change", "topic", p.topic, "userID", change.UserID, "cause", change.Cause)
	return nil
}

// Close закрывает writer. Вызывается при graceful shutdown.
func (p *EntitlementPublisher) Close() error {
	p.log.Infow("Closing Kafka entitlement publisher...")
	if err := p.writer.Close(); err != nil {
		p.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}
