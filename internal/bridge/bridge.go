// Package bridge provides the in-process event channel that decouples the Hub
// transport from local message delivery.
package bridge

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBridgeClosed is returned when publishing to a closed Bridge.
var ErrBridgeClosed = errors.New("event bridge closed")

const defaultBuffer = 100

// Bridge is a single-topic publish/subscribe channel of IncomingNodeMessage.
// Publishers never block as long as the buffer has room; subscribers observe
// messages in publish order. Messages published while no subscriber is
// attached sit in the buffer until consumed or the bridge closes.
type Bridge struct {
	messages chan IncomingNodeMessage
	done     chan struct{}
	closed   atomic.Bool
}

func New() *Bridge {
	return &Bridge{
		messages: make(chan IncomingNodeMessage, defaultBuffer),
		done:     make(chan struct{}),
	}
}

// Publish enqueues a message for delivery to a subscriber.
func (b *Bridge) Publish(ctx context.Context, msg IncomingNodeMessage) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	select {
	case b.messages <- msg:
		return nil
	case <-b.done:
		return ErrBridgeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe blocks until a message is available, the bridge closes, or ctx is
// cancelled. The second return value is false when no more messages will come.
func (b *Bridge) Subscribe(ctx context.Context) (IncomingNodeMessage, bool) {
	select {
	case msg := <-b.messages:
		return msg, true
	case <-b.done:
		// Drain what was published before the close.
		select {
		case msg := <-b.messages:
			return msg, true
		default:
			return IncomingNodeMessage{}, false
		}
	case <-ctx.Done():
		return IncomingNodeMessage{}, false
	}
}

// Close stops the bridge. Pending messages remain consumable; further
// publishes fail with ErrBridgeClosed.
func (b *Bridge) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
