package wake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StateKey is the kv_store key holding the engine's persisted memory.
const StateKey = "wake_state"

// PendingWake records a delivered silent wake that has not yet been
// acknowledged or escalated. Snapshot is the latest LastUpdate across
// TaskIDs at send time; it is zero for idle-only wakes.
type PendingWake struct {
	WakeTime time.Time `json:"wake_time"`
	Snapshot time.Time `json:"snapshot"`
	TaskIDs  []string  `json:"task_ids,omitempty"`
	Idle     bool      `json:"idle,omitempty"`
}

// AgentState is the engine's memory for one agent.
type AgentState struct {
	LastWake time.Time    `json:"last_wake"`
	Pending  *PendingWake `json:"pending,omitempty"`
}

// State is the whole persisted engine memory keyed by agent id.
type State struct {
	Agents map[string]*AgentState `json:"agents"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Agents: make(map[string]*AgentState)}
}

// Agent returns the state for agentID, or nil.
func (s *State) Agent(agentID string) *AgentState {
	if s == nil || s.Agents == nil {
		return nil
	}
	return s.Agents[agentID]
}

func (s *State) ensure(agentID string) *AgentState {
	if s.Agents == nil {
		s.Agents = make(map[string]*AgentState)
	}
	st, ok := s.Agents[agentID]
	if !ok {
		st = &AgentState{}
		s.Agents[agentID] = st
	}
	return st
}

// StateStore loads and saves engine memory. Load is called once per tick
// and Save only when the tick changed something.
type StateStore interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
}

// KV is the key-value surface of *persistence.Store used for engine memory.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// KVStateStore keeps State as one JSON document under StateKey.
type KVStateStore struct {
	kv KV
}

func NewKVStateStore(kv KV) *KVStateStore {
	return &KVStateStore{kv: kv}
}

func (s *KVStateStore) Load(ctx context.Context) (*State, error) {
	raw, err := s.kv.KVGet(ctx, StateKey)
	if err != nil {
		return nil, fmt.Errorf("load wake state: %w", err)
	}
	st := NewState()
	if raw == "" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(raw), st); err != nil {
		return nil, fmt.Errorf("decode wake state: %w", err)
	}
	if st.Agents == nil {
		st.Agents = make(map[string]*AgentState)
	}
	return st, nil
}

func (s *KVStateStore) Save(ctx context.Context, st *State) error {
	if st == nil {
		st = NewState()
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode wake state: %w", err)
	}
	if err := s.kv.KVSet(ctx, StateKey, string(raw)); err != nil {
		return fmt.Errorf("save wake state: %w", err)
	}
	return nil
}
