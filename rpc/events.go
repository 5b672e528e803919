package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/erlorenz/pubrpc/hub"
	"github.com/erlorenz/pubrpc/wire"
)

// EventKind identifies a lifecycle event of a Client.
type EventKind int

const (
	// EventConnect is emitted every time the transport connects, after the
	// subscriptions were restored.
	EventConnect EventKind = iota
	// EventInit is emitted after EventConnect when the broker kept no
	// session, i.e. on the first connect and after every session loss.
	EventInit
	// EventReconnect is emitted when the transport starts reconnecting.
	EventReconnect
	// EventRetry is emitted after each failed delivery attempt of an
	// inbound message.
	EventRetry
	// EventParseError is emitted for inbound payloads that are not a JSON
	// object. Such messages are acknowledged and dropped.
	EventParseError
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventInit:
		return "init"
	case EventReconnect:
		return "reconnect"
	case EventRetry:
		return "retry"
	case EventParseError:
		return "parse-error"
	default:
		return "unknown"
	}
}

// Event describes a lifecycle event. Fields that do not apply to Kind are zero.
type Event struct {
	Kind EventKind

	// SessionPresent is set for EventConnect.
	SessionPresent bool

	// Topic is set for EventRetry and EventParseError.
	Topic string
	// Payload is the parsed payload for EventRetry.
	Payload wire.Payload
	// Raw is the unparsable payload for EventParseError.
	Raw []byte
	// Err is the failure for EventRetry and EventParseError.
	Err error
	// Attempt is the 1-based number of the failed attempt for EventRetry.
	Attempt int
	// Delay is the wait before the next attempt for EventRetry.
	Delay time.Duration
}

// EventHandler handles lifecycle events. Errors are logged and otherwise ignored.
type EventHandler = hub.Handler[Event]

// On registers fn for events of kind and returns its registration ID.
func (c *Client) On(kind EventKind, fn EventHandler) hub.HandlerID {
	return c.events.On(kind, fn)
}

// Off removes a registration made with On.
func (c *Client) Off(kind EventKind, id hub.HandlerID) {
	c.events.Off(kind, id)
}

func (c *Client) emit(ctx context.Context, ev Event) {
	if err := c.events.Emit(ctx, ev.Kind, ev); err != nil {
		c.log.Warn("event handler failed", zap.Stringer("event", ev.Kind), zap.Error(err))
	}
}
