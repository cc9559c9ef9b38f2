package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() ([]kafka.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...), w.closed
}

func TestEncodeEvent_KeysByAgent(t *testing.T) {
	now := time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)
	msg, err := encodeEvent(Event{
		Topic:   TopicWakeEscalated,
		Payload: WakeEvent{AgentID: "ops-bot", TaskIDs: []string{"t1"}, Tier: "visible", At: now},
	}, now)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	if string(msg.Key) != "ops-bot" {
		t.Fatalf("key = %q, want ops-bot", msg.Key)
	}
	var env struct {
		Topic   string    `json:"topic"`
		Payload WakeEvent `json:"payload"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Topic != TopicWakeEscalated || env.Payload.Tier != "visible" || len(env.Payload.TaskIDs) != 1 {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestNewKafkaWriter_Validates(t *testing.T) {
	if _, err := NewKafkaWriter(" , ", "events"); err == nil {
		t.Fatal("expected error for empty broker list")
	}
	if _, err := NewKafkaWriter("localhost:9092", ""); err == nil {
		t.Fatal("expected error for empty topic")
	}
	w, err := NewKafkaWriter("a:9092, b:9092", "events")
	if err != nil {
		t.Fatalf("NewKafkaWriter: %v", err)
	}
	if w.Topic != "events" {
		t.Fatalf("topic = %q", w.Topic)
	}
}

func TestForwarder_ForwardsMatchingEvents(t *testing.T) {
	b := New()
	w := &fakeWriter{}
	f := NewForwarder(b, w, "wake.", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	// Wait for the subscription to register.
	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("forwarder never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1", AgentID: "a"})
	b.Publish(TopicWakeSilent, WakeEvent{AgentID: "a"})

	deadline = time.Now().Add(time.Second)
	for {
		msgs, _ := w.snapshot()
		if len(msgs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("forwarded %d messages, want 1", len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	msgs, closed := w.snapshot()
	if !closed {
		t.Fatal("writer not closed after Run returned")
	}
	if string(msgs[0].Key) != "a" {
		t.Fatalf("key = %q", msgs[0].Key)
	}
}
