package kafka

import (
	"github.com/Dhoini/license-service/pkg/logger"
	"github.com/IBM/sarama"
)

// Топики по умолчанию
const (
	DefaultRevocationTopic  = "license.sessions.revoke"
	DefaultEntitlementTopic = "license.entitlements"
)

// Config конфигурация для Kafka
type Config struct {
	Brokers          []string
	ClientID         string
	RevocationTopic  string
	EntitlementTopic string
	Producer         ProducerConfig
}

// ProducerConfig конфигурация для продюсера
type ProducerConfig struct {
	MaxMessageBytes int
	Compression     sarama.CompressionCodec
	RequiredAcks    sarama.RequiredAcks
	MaxRetries      int
}

// NewConfig создает новую конфигурацию Kafka
func NewConfig(brokers []string, clientID string) *Config {
	return &Config{
		Brokers:          brokers,
		ClientID:         clientID,
		RevocationTopic:  DefaultRevocationTopic,
		EntitlementTopic: DefaultEntitlementTopic,
		Producer: ProducerConfig{
			MaxMessageBytes: 1000000,
			Compression:     sarama.CompressionSnappy,
			RequiredAcks:    sarama.WaitForAll,
			MaxRetries:      5,
		},
	}
}

// NewSaramaConfig создает конфигурацию Sarama для синхронного продюсера.
// Idempotent требует WaitForAll и одного запроса в полете.
func NewSaramaConfig(cfg *Config, log *logger.Logger) *sarama.Config {
	saramaConfig := sarama.NewConfig()

	saramaConfig.Version = sarama.V3_3_0_0
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}

	saramaConfig.Producer.MaxMessageBytes = cfg.Producer.MaxMessageBytes
	saramaConfig.Producer.Compression = cfg.Producer.Compression
	saramaConfig.Producer.RequiredAcks = cfg.Producer.RequiredAcks
	saramaConfig.Producer.Retry.Max = cfg.Producer.MaxRetries
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	if cfg.Producer.RequiredAcks == sarama.WaitForAll {
		saramaConfig.Producer.Idempotent = true
		saramaConfig.Net.MaxOpenRequests = 1
	}

	log.Debugw("Sarama producer configured",
		"clientID", saramaConfig.ClientID,
		"idempotent", saramaConfig.Producer.Idempotent,
	)
	return saramaConfig
}
