package events

import (
	"sync/atomic"
	"time"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// StateChangeHandler returns a processing.Options.OnStateChange callback that
// publishes worker events on bus. Every transition becomes a
// WorkerStateChangedEvent; restarts and terminal states are also published
// on their own.
func StateChangeHandler(bus *Bus) func(processing.StateChange) {
	return func(c processing.StateChange) {
		ts := c.Time.UTC().Format(time.RFC3339Nano)
		bus.Publish(WorkerStateChangedEvent{
			Key:          c.Key,
			Kind:         c.Kind,
			RunID:        c.RunID,
			From:         c.From.String(),
			To:           c.To.String(),
			RestartCount: c.RestartCount,
			Error:        c.Error,
			Timestamp:    ts,
		})

		switch {
		case c.Restarted():
			bus.Publish(WorkerRestartedEvent{
				Key:          c.Key,
				Kind:         c.Kind,
				RunID:        c.RunID,
				RestartCount: c.RestartCount,
				Timestamp:    ts,
			})
		case c.To.Terminal():
			bus.Publish(WorkerSettledEvent{
				Key:          c.Key,
				Kind:         c.Kind,
				Status:       c.To.String(),
				RestartCount: c.RestartCount,
				Error:        c.Error,
				Timestamp:    ts,
			})
		}
	}
}

// LogCallback returns a logging.LogCallback that republishes log entries as
// LogEntryEvents with increasing sequence numbers.
func LogCallback(bus *Bus) logging.LogCallback {
	var seq atomic.Uint64
	return func(entry logging.LogEntry) {
		bus.Publish(LogEntryEvent{
			Seq:        seq.Add(1),
			Timestamp:  entry.Timestamp.UTC().Format(time.RFC3339Nano),
			Level:      entry.Level,
			Module:     entry.Module,
			Message:    entry.Message,
			Attributes: entry.Attributes,
		})
	}
}
