package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/config"
	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// KafkaPublisher writes each transition as JSON keyed by event_id.
type KafkaPublisher struct {
	producer syncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher dials the configured brokers.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Version = sarama.V2_1_0_0

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: create producer: %w", err)
	}
	return newKafkaPublisher(p, cfg.Topic, logger), nil
}

func newKafkaPublisher(p syncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{producer: p, topic: topic, logger: logger}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

func (k *KafkaPublisher) Publish(ctx context.Context, rec state.TransitionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kafka publisher: encode: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(rec.EventID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("new_state"), Value: []byte(rec.NewState)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka publisher: send: %w", err)
	}
	k.logger.Debug("transition published",
		zap.String("event_id", rec.EventID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.producer.Close()
}
