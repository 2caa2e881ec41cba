package history

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// KafkaConfig configures the Kafka history writer.
type KafkaConfig struct {
	Address      string        `yaml:"address"`
	Topic        string        `yaml:"topic"`
	ClientID     string        `yaml:"client_id"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	AutoCreate   bool          `yaml:"auto_create_topic_enabled"`
}

// RegisterFlagsWithPrefix registers flags for cfg with every name prefixed
// by prefix.
func (cfg *KafkaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+"kafka.address", "", "Kafka seed broker address. History records are only logged when empty.")
	f.StringVar(&cfg.Topic, prefix+"kafka.topic", "quarry-maintenance-history", "Kafka topic history records are written to.")
	f.StringVar(&cfg.ClientID, prefix+"kafka.client-id", "quarry-maintenance", "Kafka client ID.")
	f.DurationVar(&cfg.WriteTimeout, prefix+"kafka.write-timeout", 10*time.Second, "Timeout of a single history record write.")
	f.BoolVar(&cfg.AutoCreate, prefix+"kafka.auto-create-topic-enabled", true, "Create the topic when it does not exist.")
}

// Validate returns an error if cfg is invalid.
func (cfg *KafkaConfig) Validate() error {
	if cfg.Address != "" && cfg.Topic == "" {
		return errors.New("the Kafka topic has not been configured")
	}
	return nil
}

// KafkaWriter produces history records as JSON to a Kafka topic, keyed by
// table.
type KafkaWriter struct {
	cfg    KafkaConfig
	client *kgo.Client
	logger log.Logger
}

// NewKafkaWriter returns a writer producing to the topic of cfg.
func NewKafkaWriter(cfg KafkaConfig, reg prometheus.Registerer, logger log.Logger) (*KafkaWriter, error) {
	metrics := kprom.NewMetrics("quarry_maintenance_history_kafka", kprom.Registerer(reg))
	opts := []kgo.Opt{
		kgo.ClientID(cfg.ClientID),
		kgo.SeedBrokers(cfg.Address),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(cfg.WriteTimeout),
		kgo.RecordDeliveryTimeout(cfg.WriteTimeout),
		kgo.WithHooks(metrics),
	}
	if cfg.AutoCreate {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &KafkaWriter{
		cfg:    cfg,
		client: client,
		logger: log.With(logger, "component", "maintenance_history", "topic", cfg.Topic),
	}, nil
}

// Write implements [Writer].
func (w *KafkaWriter) Write(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding history record: %w", err)
	}
	res := w.client.ProduceSync(ctx, &kgo.Record{
		Key:   []byte(rec.Database + "." + rec.Table),
		Value: value,
	})
	if err := res.FirstErr(); err != nil {
		level.Warn(w.logger).Log("msg", "failed to write history record", "table", rec.Database+"."+rec.Table, "err", err)
		return fmt.Errorf("writing history record: %w", err)
	}
	return nil
}

// Close flushes pending records and closes the client.
func (w *KafkaWriter) Close() {
	w.client.Close()
}
