package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/ceetaro/Suitkaise-sub005/internal/events"
)

// registerSSERoutes registers the worker event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of worker status transitions, restarts and manifest reloads",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"worker-state-changed": events.WorkerStateChangedEvent{},
		"worker-restarted":     events.WorkerRestartedEvent{},
		"worker-settled":       events.WorkerSettledEvent{},
		"manifest-applied":     events.ManifestAppliedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.Forward[events.WorkerStateChangedEvent](s.eventBus, eventCh),
			events.Forward[events.WorkerRestartedEvent](s.eventBus, eventCh),
			events.Forward[events.WorkerSettledEvent](s.eventBus, eventCh),
			events.Forward[events.ManifestAppliedEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Current state first so clients do not depend on catching every transition
		for _, v := range s.options.Workers.List() {
			if err := send.Data(events.WorkerStateChangedEvent{
				Key:          v.Key,
				Kind:         v.Kind,
				RunID:        v.RunID,
				From:         v.Status.String(),
				To:           v.Status.String(),
				RestartCount: v.RestartCount,
				Timestamp:    v.UpdatedAt.UTC().Format(timestampFormat),
			}); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
