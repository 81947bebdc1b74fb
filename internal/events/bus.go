package events

import (
	"sync/atomic"

	"github.com/kelindar/event"
)

// Bus broadcasts worker, manifest and log events to in-process subscribers.
type Bus struct {
	dispatcher *event.Dispatcher
	dropped    atomic.Uint64
}

// New creates an event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to the subscribers of its concrete type. Events of
// types this package does not define are ignored.
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case WorkerStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerRestartedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerSettledEvent:
		event.Publish(b.dispatcher, e)
	case ManifestAppliedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type named by its parameter,
// e.g. func(WorkerSettledEvent). It returns the unsubscribe function. An
// unsupported handler type yields a no-op unsubscribe.
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(WorkerStateChangedEvent):
		return On(b, h)
	case func(WorkerRestartedEvent):
		return On(b, h)
	case func(WorkerSettledEvent):
		return On(b, h)
	case func(ManifestAppliedEvent):
		return On(b, h)
	case func(LogEntryEvent):
		return On(b, h)
	default:
		return func() {}
	}
}

// Dropped returns how many events Forward discarded because a channel was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// On is the typed form of Subscribe.
func On[T Event](b *Bus, handler func(T)) func() {
	return event.Subscribe(b.dispatcher, handler)
}

// Forward copies every event of type T into ch until the returned function
// is called. A full channel drops the event instead of blocking the publisher.
func Forward[T Event](b *Bus, ch chan<- any) func() {
	return On(b, func(e T) {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	})
}
