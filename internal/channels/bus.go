package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/shared"
)

// BusSender delivers to agents running in the same process. They subscribe
// to bus.TopicAgentWake + "." + target. Delivery fails when nobody listens.
type BusSender struct {
	bus *bus.Bus
}

func NewBusSender(b *bus.Bus) *BusSender {
	return &BusSender{bus: b}
}

func (s *BusSender) Name() string {
	return "bus"
}

func (s *BusSender) Send(ctx context.Context, target, message string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errEmptyTarget
	}
	ev := bus.AgentWakeEvent{AgentID: shared.AgentID(ctx), Target: target, Message: message}
	if n := s.bus.Publish(bus.TopicAgentWake+"."+target, ev); n == 0 {
		return fmt.Errorf("bus: no listener for %q", target)
	}
	return nil
}
