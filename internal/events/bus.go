// Package events carries lifecycle notifications from the manager to
// observers. Delivery is asynchronous.
package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// A nil *Bus drops everything.
type Bus struct {
	dispatcher *event.Dispatcher
}

func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish publishes an event to all subscribers of its concrete type.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case ProcessAdded:
		event.Publish(b.dispatcher, e)
	case ProcessRemoved:
		event.Publish(b.dispatcher, e)
	case StateChanged:
		event.Publish(b.dispatcher, e)
	case ProcessCrashed:
		event.Publish(b.dispatcher, e)
	case ConnectionAccepted:
		event.Publish(b.dispatcher, e)
	case ConnectionLost:
		event.Publish(b.dispatcher, e)
	case HandshakeRejected:
		event.Publish(b.dispatcher, e)
	case Shutdown:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers fn for events of type T and returns the unsubscribe
// function.
func Subscribe[T Event](b *Bus, fn func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, fn)
}

// SubscribeToChannel forwards events of type T to ch, dropping them when ch
// is full.
func SubscribeToChannel[T Event](b *Bus, ch chan<- any) func() {
	return Subscribe(b, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
