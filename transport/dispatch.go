package transport

import (
	"context"

	"go.uber.org/zap"
)

type deliveryKind int

const (
	deliverConnect deliveryKind = iota
	deliverReconnect
	deliverMessage
)

type delivery struct {
	kind           deliveryKind
	sessionPresent bool
	msg            Message
}

// dispatcher serializes lifecycle events and messages coming from many
// listener goroutines into one ordered stream for the Handler.
type dispatcher struct {
	h     Handler
	items chan delivery
	log   *zap.Logger
}

func newDispatcher(h Handler, log *zap.Logger, size int) *dispatcher {
	return &dispatcher{
		h:     h,
		items: make(chan delivery, size),
		log:   log,
	}
}

// run delivers items until ctx is done.
func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.items:
			switch item.kind {
			case deliverConnect:
				d.h.HandleConnect(ctx, item.sessionPresent)
			case deliverReconnect:
				d.h.HandleReconnect(ctx)
			case deliverMessage:
				if err := d.h.HandleMessage(ctx, item.msg); err != nil {
					// Nothing to redeliver from: the broker has no acks.
					d.log.Warn("message dropped",
						zap.String("topic", item.msg.Topic),
						zap.String("packet_id", item.msg.PacketID),
						zap.Error(err))
				}
			}
		}
	}
}

func (d *dispatcher) push(ctx context.Context, item delivery) {
	select {
	case d.items <- item:
	case <-ctx.Done():
	}
}

func (d *dispatcher) connect(ctx context.Context, sessionPresent bool) {
	d.push(ctx, delivery{kind: deliverConnect, sessionPresent: sessionPresent})
}

func (d *dispatcher) reconnect(ctx context.Context) {
	d.push(ctx, delivery{kind: deliverReconnect})
}

func (d *dispatcher) message(ctx context.Context, msg Message) {
	d.push(ctx, delivery{kind: deliverMessage, msg: msg})
}
