package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func TestNewKafkaRelay_Validation(t *testing.T) {
	if _, err := NewKafkaRelay(nil, "t", nil); err == nil {
		t.Fatalf("expected error for nil producer")
	}
	p := mocks.NewSyncProducer(t, nil)
	defer p.Close()
	if _, err := NewKafkaRelay(p, "", nil); err == nil {
		t.Fatalf("expected error for empty topic")
	}
}

func TestNewKafkaProducer_NoBrokers(t *testing.T) {
	if _, err := NewKafkaProducer(nil); err == nil {
		t.Fatalf("expected error for empty broker list")
	}
}

func TestKafkaRelay_RunForwardsEvents(t *testing.T) {
	queueID := uuid.New()
	moved := MessageMovedToDLQ(queueID, uuid.New(), "max_attempts_exceeded", time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC))

	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	p := mocks.NewSyncProducer(t, cfg)
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Event
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.Type != TypeMessageMovedToDLQ || got.Reason != "max_attempts_exceeded" || got.QueueID != queueID {
			return fmt.Errorf("unexpected event %+v", got)
		}
		return nil
	})
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	relay, err := NewKafkaRelay(p, "reliq.events", nil)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	bus := NewBus()
	sub := bus.Subscribe(4)
	bus.Publish(moved)
	bus.Publish(MessageEnqueued(queueID, uuid.New(), 0, time.Now()))
	sub.Close()

	if err := relay.Run(context.Background(), sub); err != nil {
		t.Fatalf("run: %v", err)
	}
	if relay.Sent() != 1 || relay.Failed() != 1 {
		t.Fatalf("sent=%d failed=%d, want 1/1", relay.Sent(), relay.Failed())
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaRelay_RunStopsOnContextCancel(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	relay, err := NewKafkaRelay(p, "reliq.events", nil)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	bus := NewBus()
	sub := bus.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := relay.Run(ctx, sub); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := bus.Stats(); st.Subscribers != 0 {
		t.Fatalf("subscribers=%d after run, want 0", st.Subscribers)
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
