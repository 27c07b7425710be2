package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// Stream publishes audit records to a Kafka topic so downstream consumers
// (billing, alerting) can react to kill-switch activity without polling the
// database. Publishing is best-effort: the database row is the source of
// truth, and a broker outage must never block or fail a kill.
type Stream struct {
	writer *kafka.Writer
}

// NewStream creates a Stream writing to the given brokers and topic.
func NewStream(brokers []string, topic string) *Stream {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("publishing audit records", "error", err, "count", len(messages))
			}
		},
	}
	return &Stream{writer: w}
}

// Publish enqueues a record for asynchronous delivery. Messages are keyed by
// target ID so all events for one agent land on the same partition in order.
func (s *Stream) Publish(ctx context.Context, rec *Record) {
	if s == nil {
		return
	}
	value, err := json.Marshal(rec)
	if err != nil {
		slog.Error("marshalling audit record", "error", err, "event_type", rec.EventType)
		return
	}

	msg := kafka.Message{
		Key:   []byte(rec.TargetID),
		Value: value,
		Time:  rec.CreatedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("enqueueing audit record", "error", err, "event_type", rec.EventType)
	}
}

// Close flushes pending messages and releases the writer.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	return s.writer.Close()
}
