// Package channels delivers wake messages to agents. A Router maps each
// agent to a silent and a visible endpoint; a Sender per platform does the
// delivery.
package channels

import (
	"context"
	"fmt"
	"sort"
)

// Sender delivers one message to one target on a messaging platform.
type Sender interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Send delivers message to target, a platform-specific address such as
	// a Slack channel id or a Telegram chat id.
	Send(ctx context.Context, target, message string) error
}

// Endpoint is one physical destination.
type Endpoint struct {
	Channel string `yaml:"channel" json:"channel"`
	Target  string `yaml:"target" json:"target"`
}

func (e Endpoint) String() string {
	return e.Channel + ":" + e.Target
}

// Route is where an agent's two tiers go.
type Route struct {
	Silent  Endpoint `yaml:"silent" json:"silent"`
	Visible Endpoint `yaml:"visible" json:"visible"`
}

// Validate checks that every endpoint names a known channel and a target.
func Validate(routes map[string]Route, known []string) error {
	names := make(map[string]struct{}, len(known))
	for _, k := range known {
		names[k] = struct{}{}
	}
	agents := make([]string, 0, len(routes))
	for id := range routes {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	for _, agentID := range agents {
		r := routes[agentID]
		tiers := [...]struct {
			name string
			ep   Endpoint
		}{{"silent", r.Silent}, {"visible", r.Visible}}
		for _, tier := range tiers {
			if _, ok := names[tier.ep.Channel]; !ok {
				return fmt.Errorf("route %s.%s: unknown channel %q", agentID, tier.name, tier.ep.Channel)
			}
			if tier.ep.Target == "" {
				return fmt.Errorf("route %s.%s: target required", agentID, tier.name)
			}
		}
	}
	return nil
}

// Unrouted returns the ids in agentIDs that have no route, sorted.
func Unrouted(routes map[string]Route, agentIDs []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range agentIDs {
		if _, ok := routes[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
