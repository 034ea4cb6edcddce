package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/IBM/sarama"
)

// RevocationProducer отправляет намерения отозвать сессии устройства.
// Ключ сообщения это id устройства, поэтому отзывы одного устройства упорядочены.
type RevocationProducer struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

// NewRevocationProducer создает продюсер отзывов поверх sarama.SyncProducer
func NewRevocationProducer(producer sarama.SyncProducer, topic string, log *logger.Logger) *RevocationProducer {
	if topic == "" {
		topic = DefaultRevocationTopic
	}
	return &RevocationProducer{
		producer: producer,
		topic:    topic,
		log:      log,
	}
}

// RevokeDeviceSessions публикует отзыв и ждет подтверждения брокера
func (p *RevocationProducer) RevokeDeviceSessions(ctx context.Context, rev domain.SessionRevocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("failed to marshal session revocation: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(rev.DeviceID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte("session_revoked")},
			{Key: []byte("reason"), Value: []byte(rev.Reason)},
		},
		Timestamp: rev.At,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		p.log.Errorw("Failed to publish session revocation", "deviceID", rev.DeviceID, "topic", p.topic, "error", err)
		return fmt.Errorf("failed to publish session revocation: %w", err)
	}

	p.log.Debugw("Published session revocation",
		"topic", p.topic,
		"partition", partition,
		"offset", offset,
		"deviceID", rev.DeviceID,
		"reason", rev.Reason,
	)
	return nil
}

// Close закрывает продюсер
func (p *RevocationProducer) Close() error {
	return p.producer.Close()
}
