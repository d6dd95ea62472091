package sender

import (
	"context"
	"fmt"

	"github.com/jpillora/sizestr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/config"
	"github.com/scicore-unibas-ch/gpfs-sge-metrics/internal/lineproto"
)

// producer is the part of *kgo.Client the sink uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink publishes each batch as one line-protocol record, for setups
// where a consumer feeds the store from a topic.
type KafkaSink struct {
	client producer
	topic  string
	key    []byte
	logger *zap.Logger
}

// NewKafkaSink connects a producer to the configured brokers.
func NewKafkaSink(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return newKafkaSink(cl, cfg, logger), nil
}

func newKafkaSink(p producer, cfg config.KafkaConfig, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{
		client: p,
		topic:  cfg.Topic,
		key:    []byte(cfg.ClientID),
		logger: logger.Named("kafka"),
	}
}

// Deliver produces the batch and waits for the broker acknowledgement.
func (s *KafkaSink) Deliver(ctx context.Context, points []lineproto.Point) error {
	if len(points) == 0 {
		return nil
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   s.key,
		Value: lineproto.Batch(points),
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return &DeliveryError{Sink: "kafka", Err: err}
	}
	s.logger.Debug("Batch produced",
		zap.String("topic", s.topic),
		zap.Int("points", len(points)),
		zap.String("payload", sizestr.ToString(int64(len(record.Value)))))
	return nil
}

// Close flushes and closes the client.
func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
