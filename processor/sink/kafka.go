package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/maxpert/sitesync/cfg"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20

	// SiteHeader names the site that exported a message, so consumers of a
	// topic shared by many sites can route without decoding the payload
	SiteHeader = "sitesync-site"
)

func init() {
	Register("kafka", func(config cfg.SinkConfiguration, siteID uint64) (Sink, error) {
		kc := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kc.BatchSize = config.BatchSize
		}
		kc.SiteID = siteID
		kc.ClientID = fmt.Sprintf("sitesync-%d-%s", siteID, config.Name)
		return NewKafkaSink(kc)
	})
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	ClientID         string // reported to brokers, defaults to the kafka-go id
	SiteID           uint64 // sent in SiteHeader when set
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// DefaultKafkaConfig waits for all replicas, since a changelog entry is
// only acknowledged once the broker holds it
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaSink writes one topic per exported table. Messages are keyed by row
// id, so every change of a row lands on one partition in changelog order.
type KafkaSink struct {
	writer  *kafka.Writer
	headers []kafka.Header
}

func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}
	if config.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: config.ClientID}
	}

	ks := &KafkaSink{writer: w}
	if config.SiteID != 0 {
		ks.headers = []kafka.Header{{Key: SiteHeader, Value: []byte(strconv.FormatUint(config.SiteID, 10))}}
	}
	return ks, nil
}

// Publish blocks until the brokers acknowledge the message or ctx ends. A
// nil value is a tombstone for compacted topics.
func (k *KafkaSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: k.headers,
	})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
