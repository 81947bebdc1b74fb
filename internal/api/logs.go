package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/ceetaro/Suitkaise-sub005/internal/api/models"
	"github.com/ceetaro/Suitkaise-sub005/internal/events"
	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
)

const timestampFormat = time.RFC3339Nano

// registerLogRoutes registers the recent-logs and log streaming endpoints.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "Recent log entries from the in-memory ring buffer, including worker output",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, input *models.LogsInput) (*models.LogsResponse, error) {
		var entries []logging.LogEntry
		if s.options.Logs != nil {
			entries = s.options.Logs.ReadRecent(input.Limit, input.Module)
		}
		data := make([]models.LogEntryData, 0, len(entries))
		for _, e := range entries {
			data = append(data, models.LogEntryData{
				Timestamp:  e.Timestamp,
				Level:      e.Level,
				Module:     e.Module,
				Message:    e.Message,
				Attributes: e.Attributes,
			})
		}
		return &models.LogsResponse{
			Body: models.LogsData{Entries: data, Count: len(data)},
		}, nil
	})

	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Sends historical logs first, then streams new logs.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Subscribe before replaying history so nothing logged in between is lost
		eventCh := make(chan any, 100)
		unsubscribe := events.Forward[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		if s.options.Logs != nil {
			for _, entry := range s.options.Logs.ReadAll() {
				event := events.LogEntryEvent{
					Timestamp:  entry.Timestamp.UTC().Format(timestampFormat),
					Level:      entry.Level,
					Module:     entry.Module,
					Message:    entry.Message,
					Attributes: entry.Attributes,
				}
				if err := send.Data(event); err != nil {
					return
				}
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
