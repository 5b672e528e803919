// Package wire defines the structured payload carried on every topic and
// its text encoding, plus the naming of the RPC control topics.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageIDKey is the payload key correlating an invocation with its outcome.
const MessageIDKey = "messageId"

// ErrMalformed is returned by Decode for payloads that are not a JSON object.
var ErrMalformed = errors.New("wire: malformed payload")

// Payload is a structured key/value document.
type Payload map[string]any

// MessageID returns the payload's message ID, if it carries a non-empty string one.
func (p Payload) MessageID() (string, bool) {
	id, ok := p[MessageIDKey].(string)
	return id, ok && id != ""
}

// Clone returns a shallow copy of p. Cloning a nil payload returns an empty one.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With returns a copy of p with key set to v.
func (p Payload) With(key string, v any) Payload {
	out := p.Clone()
	out[key] = v
	return out
}

// Encode serializes p as JSON. A nil payload encodes as an empty object.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return b, nil
}

// Decode parses a JSON object into a Payload.
func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return p, nil
}

// Action is the last segment of an RPC control topic.
type Action string

const (
	ActionInvoke  Action = "invoke"
	ActionCancel  Action = "cancel"
	ActionResolve Action = "resolve"
	ActionReject  Action = "reject"
)

// Topic returns the control topic of command for action, e.g. "echo/invoke".
func Topic(command string, action Action) string {
	return command + "/" + string(action)
}

// SplitTopic splits an RPC control topic into its command and action.
// ok is false for plain topics.
func SplitTopic(topic string) (command string, action Action, ok bool) {
	i := strings.LastIndexByte(topic, '/')
	if i <= 0 {
		return "", "", false
	}
	switch a := Action(topic[i+1:]); a {
	case ActionInvoke, ActionCancel, ActionResolve, ActionReject:
		return topic[:i], a, true
	}
	return "", "", false
}
