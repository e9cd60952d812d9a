// Package agents routes inbound chat events to the receipt,
// authorization and chat agents. The dispatcher is the sole entry
// point for chat-driven actions: it applies cooldowns, asks the small
// model which function to call and posts the result back as a message.
package agents

import (
	"context"
	"encoding/json"
)

// Event is one inbound chat event.
type Event struct {
	UserID     string
	ChannelKey string
	Text       string
	Agent      string // target agent name; empty means the chat agent
}

// FunctionSpec describes one callable capability for the router
// prompt.
type FunctionSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Args        []string `json:"args"`
}

// Agent is one thin adapter over the core components.
type Agent interface {
	Name() string
	Persona() string
	Catalog() []FunctionSpec
	Call(ctx context.Context, fn string, args map[string]string, ev Event) (string, error)
}

// routing is the JSON shape the small model must return.
type routing struct {
	Action      string            `json:"action"` // function_call | free_chat | cross_agent
	Function    string            `json:"function,omitempty"`
	Arguments   map[string]string `json:"arguments,omitempty"`
	TargetAgent string            `json:"target_agent,omitempty"`
	AckMessage  string            `json:"ack_message"`
}

func parseRouting(raw json.RawMessage) (*routing, error) {
	var r routing
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
