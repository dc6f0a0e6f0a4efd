package agent

import (
	"context"
	"fmt"
	"strings"
)

// EchoResponder is the built-in responder used when no conversational
// backend is configured. It acknowledges the message so the platform side of
// the pipeline can be exercised end to end.
type EchoResponder struct{}

// Respond produces a canned acknowledgement.
func (EchoResponder) Respond(ctx context.Context, agent *State, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "I didn't catch that. Could you rephrase?", nil
	}
	return fmt.Sprintf("Agent %s here: received %q.", agent.AgentID, content), nil
}
