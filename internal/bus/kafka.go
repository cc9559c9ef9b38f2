package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for a comma-separated broker list.
func NewKafkaWriter(brokersCSV, topic string) (*kafka.Writer, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}, nil
}

// Forwarder copies bus events onto a Kafka topic as JSON envelopes keyed
// by agent id, so all events for one agent land on one partition.
type Forwarder struct {
	bus     *Bus
	writer  MessageWriter
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewForwarder creates a forwarder for events whose topic starts with
// prefix. An empty prefix forwards everything.
func NewForwarder(b *Bus, w MessageWriter, prefix string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{bus: b, writer: w, prefix: prefix, timeout: 3 * time.Second, logger: logger}
}

type envelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func encodeEvent(ev Event, now time.Time) (kafka.Message, error) {
	value, err := json.Marshal(envelope{Topic: ev.Topic, Payload: ev.Payload})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", ev.Topic, err)
	}
	return kafka.Message{
		Key:   []byte(eventKey(ev.Payload)),
		Value: value,
		Time:  now,
	}, nil
}

func eventKey(payload any) string {
	switch p := payload.(type) {
	case TaskStateChangedEvent:
		return p.AgentID
	case AgentCheckInEvent:
		return p.AgentID
	case WakeEvent:
		return p.AgentID
	case AgentWakeEvent:
		return p.AgentID
	}
	return ""
}

// Run forwards events until ctx is done, then closes the writer.
// Write failures are logged and the event is dropped.
func (f *Forwarder) Run(ctx context.Context) {
	sub := f.bus.Subscribe(f.prefix)
	defer f.bus.Unsubscribe(sub)
	defer func() {
		if err := f.writer.Close(); err != nil {
			f.logger.Warn("kafka writer close failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, err := encodeEvent(ev, time.Now())
			if err != nil {
				f.logger.Warn("kafka forward encode failed", "topic", ev.Topic, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, f.timeout)
			err = f.writer.WriteMessages(wctx, msg)
			cancel()
			if err != nil {
				f.logger.Warn("kafka forward failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
