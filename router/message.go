package router

import (
	"time"

	"github.com/tradegrid/tradegrid/agent"
	"github.com/tradegrid/tradegrid/trade"
)

// MessageKind is the closed set of inbound social message kinds.
type MessageKind string

const (
	KindChat    MessageKind = "CHAT"
	KindTrade   MessageKind = "TRADE"
	KindCommand MessageKind = "COMMAND"
)

// Valid reports whether the kind is one of the supported values.
func (k MessageKind) Valid() bool {
	switch k {
	case KindChat, KindTrade, KindCommand:
		return true
	default:
		return false
	}
}

// SocialMessage is one inbound message from a platform adapter. Exactly one
// of the typed payloads is set, matching Kind.
type SocialMessage struct {
	MessageID string      `json:"messageId"`
	UserID    string      `json:"userId"`
	AgentID   string      `json:"agentId,omitempty"`
	Platform  string      `json:"platform"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content,omitempty"`

	Trade   *trade.TradeRequest  `json:"trade,omitempty"`
	Cancel  *trade.CancelRequest `json:"cancel,omitempty"`
	Command *agent.Command       `json:"command,omitempty"`
}

// UserResponse is the outbound reply pushed to a platform's response topic.
type UserResponse struct {
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
