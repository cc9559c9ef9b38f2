// Package audit keeps an append-only JSONL journal of notification
// delivery attempts at <home>/logs/deliveries.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskpulse/internal/shared"
)

// Delivery outcomes.
const (
	Delivered = "delivered"
	Failed    = "failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	AgentID   string `json:"agent_id"`
	Tier      string `json:"tier"`
	Channel   string `json:"channel"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

// Journal appends delivery records. A nil *Journal discards everything.
type Journal struct {
	mu        sync.Mutex
	file      *os.File
	failCount atomic.Int64
	now       func() time.Time
}

// Open creates or appends to <homeDir>/logs/deliveries.jsonl.
func Open(homeDir string) (*Journal, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "deliveries.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f, now: time.Now}, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// FailCount returns the number of failed deliveries recorded since Open.
func (j *Journal) FailCount() int64 {
	if j == nil {
		return 0
	}
	return j.failCount.Load()
}

// Record appends one delivery attempt. reason is redacted before it is
// written since channel errors can echo tokens.
func (j *Journal) Record(traceID, agentID, tier, channel, outcome, reason string) {
	if j == nil {
		return
	}
	if outcome == Failed {
		j.failCount.Add(1)
	}
	ev := entry{
		Timestamp: j.now().UTC().Format(time.RFC3339Nano),
		TraceID:   traceID,
		AgentID:   agentID,
		Tier:      tier,
		Channel:   channel,
		Outcome:   outcome,
		Reason:    shared.Redact(reason),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		_, _ = j.file.Write(append(b, '\n'))
	}
}
