package agent

import (
	"encoding/json"
	"time"
)

// AgentStatus is the closed set of agent lifecycle states.
type AgentStatus string

const (
	StatusActive AgentStatus = "active"
	StatusIdle   AgentStatus = "idle"
	StatusBusy   AgentStatus = "busy"
)

// State is one user agent's full state. The owning shard is its single
// writer; the cache snapshot exists for recovery, not for coordination.
type State struct {
	AgentID         string            `json:"agentId"`
	UserID          string            `json:"userId"`
	Platform        string            `json:"platform"`
	Status          AgentStatus       `json:"status"`
	LastInteraction time.Time         `json:"lastInteraction"`
	CreatedAt       time.Time         `json:"createdAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate orchestrator state.
func (s *State) Clone() *State {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// CommandKind is the closed set of agent lifecycle commands.
type CommandKind string

const (
	CommandCreateAgent    CommandKind = "create_agent"
	CommandTerminateAgent CommandKind = "terminate_agent"
)

// Valid reports whether the kind is one of the supported values.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandCreateAgent, CommandTerminateAgent:
		return true
	default:
		return false
	}
}

// Command is an agent lifecycle request from the message router.
type Command struct {
	Kind     CommandKind       `json:"kind"`
	UserID   string            `json:"userId"`
	AgentID  string            `json:"agentId,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Interaction is one user message directed at an agent.
type Interaction struct {
	AgentID  string `json:"agentId"`
	UserID   string `json:"userId"`
	Platform string `json:"platform"`
	Content  string `json:"content"`
}

// Response is the agent's reply, published to the platform's response topic.
type Response struct {
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func unmarshalState(data []byte, s *State) error {
	return json.Unmarshal(data, s)
}
