package uniqueid

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes identify the entity kind at a glance in logs and cache keys.
const (
	OrderPrefix       = "ord_"
	TransactionPrefix = "tx_"
	EventPrefix       = "evt_"
	AgentPrefix       = "agt_"
)

// NewOrderID returns a unique order identifier.
func NewOrderID() string {
	return OrderPrefix + uuid.NewString()
}

// NewTransactionID returns a unique transaction identifier, locally generated
// by the gateway shard before the chain provider is invoked.
func NewTransactionID() string {
	return TransactionPrefix + uuid.NewString()
}

// NewEventID returns a unique event envelope identifier.
func NewEventID() string {
	return EventPrefix + uuid.NewString()
}

// NewAgentID returns a unique agent identifier.
func NewAgentID() string {
	return AgentPrefix + uuid.NewString()
}

// Kind returns the prefix of an identifier, or an empty string if the id does
// not carry a known prefix.
func Kind(id string) string {
	for _, p := range []string{OrderPrefix, TransactionPrefix, EventPrefix, AgentPrefix} {
		if strings.HasPrefix(id, p) {
			return p
		}
	}
	return ""
}
