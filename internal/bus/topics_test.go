package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_Unique(t *testing.T) {
	topics := []string{
		TopicTaskStateChanged,
		TopicAgentCheckIn,
		TopicAgentWake,
		TopicWakeSilent,
		TopicWakeEscalated,
		TopicWakeAcknowledged,
		TopicWakeCleared,
		TopicWakeFailed,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestTopics_WakePrefixCoversWakeTopics(t *testing.T) {
	b := New()
	sub := b.Subscribe("wake.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicWakeSilent, WakeEvent{AgentID: "a", Tier: "silent", At: time.Unix(0, 0)})
	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1"})
	b.Publish(TopicWakeCleared, WakeEvent{AgentID: "a"})

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			if !strings.HasPrefix(ev.Topic, "wake.") {
				t.Fatalf("unexpected topic %q", ev.Topic)
			}
			got = append(got, ev.Topic)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for wake event")
		}
	}
	if got[0] != TopicWakeSilent || got[1] != TopicWakeCleared {
		t.Fatalf("topics = %v", got)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected extra event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
