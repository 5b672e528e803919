package rpc

import (
	"errors"
	"fmt"

	"github.com/erlorenz/pubrpc/wire"
)

var (
	// ErrCommandAlreadyRegistered is returned by Register for a name that
	// already has a handler. The existing handler stays active.
	ErrCommandAlreadyRegistered = errors.New("rpc: command already registered")

	// ErrCallWithNoSubscription is returned by Call when the client does not
	// subscribe to both the resolve and the reject topic of the command, so
	// the outcome could never be observed.
	ErrCallWithNoSubscription = errors.New("rpc: call without resolve and reject subscriptions")

	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("rpc: client is closed")

	// ErrInvalidCommand is returned for command names that cannot be used
	// as a topic prefix.
	ErrInvalidCommand = errors.New("rpc: invalid command name")
)

// StatusInternal is the status of rejections generated for unexpected
// handler failures.
const StatusInternal = 500

// Rejection is a structured failure. Returned by a Handler, it is published
// verbatim to the reject topic. Returned by Invoke, it is the failure the
// remote handler reported.
type Rejection struct {
	Status  int
	Message string
	// Details holds any additional fields of the reject payload.
	Details wire.Payload
}

// Reject returns a Rejection with the given status and message.
func Reject(status int, message string) *Rejection {
	return &Rejection{Status: status, Message: message}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rpc: rejected with status %d: %s", r.Status, r.Message)
}

// Payload returns the reject payload for messageID.
func (r *Rejection) Payload(messageID string) wire.Payload {
	p := r.Details.Clone()
	p["ok"] = false
	p["status"] = r.Status
	p["message"] = r.Message
	p[wire.MessageIDKey] = messageID
	return p
}

// RejectionFromPayload reads a reject payload back into a Rejection.
// Missing or mistyped fields are left zero.
func RejectionFromPayload(p wire.Payload) *Rejection {
	r := &Rejection{}
	switch status := p["status"].(type) {
	case float64:
		r.Status = int(status)
	case int:
		r.Status = status
	}
	r.Message, _ = p["message"].(string)

	for k, v := range p {
		switch k {
		case "ok", "status", "message", wire.MessageIDKey:
			continue
		}
		if r.Details == nil {
			r.Details = wire.Payload{}
		}
		r.Details[k] = v
	}
	return r
}

// internalRejection turns an unexpected failure into a generic rejection.
func internalRejection(kind string, err error) *Rejection {
	return Reject(StatusInternal, kind+": "+err.Error())
}
