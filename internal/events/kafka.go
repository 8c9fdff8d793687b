package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// NewKafkaProducer builds a sync producer that waits for all in-sync
// replicas before SendMessage returns.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka relay: at least one broker is required")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka relay: create sync producer: %w", err)
	}
	return p, nil
}

// KafkaRelay forwards bus events to a Kafka topic keyed by queue id, so all
// events of one queue land on the same partition.
type KafkaRelay struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

func NewKafkaRelay(producer sarama.SyncProducer, topic string, logger *slog.Logger) (*KafkaRelay, error) {
	if producer == nil {
		return nil, errors.New("kafka relay: producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka relay: topic is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &KafkaRelay{producer: producer, topic: topic, logger: logger}, nil
}

// Run drains sub until ctx is done or the subscription closes. Send failures
// are logged and counted; they never stop the relay.
func (r *KafkaRelay) Run(ctx context.Context, sub *Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := r.Send(ev); err != nil {
				r.failed.Add(1)
				r.logger.Warn("kafka_relay_send_failed",
					slog.String("type", string(ev.Type)),
					slog.String("queue_id", ev.QueueID.String()),
					slog.Any("err", err),
				)
				continue
			}
			r.sent.Add(1)
		}
	}
}

func (r *KafkaRelay) Send(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka relay: encode event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(ev.QueueID.String()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
		},
	}
	if _, _, err := r.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka relay: send: %w", err)
	}
	return nil
}

func (r *KafkaRelay) Sent() int64   { return r.sent.Load() }
func (r *KafkaRelay) Failed() int64 { return r.failed.Load() }

func (r *KafkaRelay) Close() error {
	return r.producer.Close()
}
