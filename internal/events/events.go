// Package events publishes settlement events produced by a game room tick:
// fills, short opens and covers, liquidations, margin calls and dividend
// actions. Publishers fan the same events out to Kafka and WebSocket
// clients.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kind names an event type.
type Kind string

const (
	KindTick              Kind = "tick"
	KindFill              Kind = "fill"
	KindStopTriggered     Kind = "stop_triggered"
	KindOrderExpired      Kind = "order_expired"
	KindShortOpened       Kind = "short_opened"
	KindShortCovered      Kind = "short_covered"
	KindLiquidation       Kind = "liquidation"
	KindMarginCall        Kind = "margin_call"
	KindDividendScheduled Kind = "dividend_scheduled"
	KindExRights          Kind = "ex_rights"
	KindDividendPaid      Kind = "dividend_paid"
)

// Event is one published fact. Key partitions the stream, normally by
// player or stock.
type Event struct {
	Kind      Kind      `json:"kind"`
	RoomID    string    `json:"room_id"`
	Tick      int64     `json:"tick"`
	Key       string    `json:"key,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes events as JSON messages keyed by Event.Key.
type KafkaPublisher struct {
	w MessageWriter
}

// NewKafkaPublisher wraps a writer.
func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

// NewKafkaWriter builds a batching writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("events: encode %s: %w", ev.Kind, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Key),
			Value: value,
			Time:  ev.Timestamp,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(ev.Kind)},
				{Key: "room", Value: []byte(ev.RoomID)},
			},
		})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("events: write %d messages: %w", len(msgs), err)
	}
	return nil
}
