package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ceetaro/Suitkaise-sub005/internal/api/models"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// registerWorkerRoutes registers the worker status and control endpoints.
func (s *Server) registerWorkerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/api/workers",
		Summary:     "List Workers",
		Description: "List every registered worker with its current status",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.WorkerListResponse, error) {
		views := s.options.Workers.List()
		workers := make([]models.WorkerData, 0, len(views))
		for _, v := range views {
			workers = append(workers, s.workerData(v))
		}
		return &models.WorkerListResponse{
			Body: models.WorkerListData{
				Workers: workers,
				Count:   len(workers),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-worker",
		Method:      http.MethodGet,
		Path:        "/api/workers/{key}",
		Summary:     "Get Worker",
		Description: "Get the current status of one worker",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.WorkerKeyInput) (*models.WorkerResponse, error) {
		view, ok := s.options.Workers.Status(input.Key)
		if !ok {
			return nil, huma.Error404NotFound("worker not found: " + input.Key)
		}
		return &models.WorkerResponse{Body: s.workerData(view)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-worker-stats",
		Method:      http.MethodGet,
		Path:        "/api/workers/{key}/stats",
		Summary:     "Get Worker Stats",
		Description: "Get timing samples and recorded errors of the current run",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.WorkerKeyInput) (*models.WorkerStatsResponse, error) {
		stats, ok := s.options.Workers.Stats(input.Key)
		if !ok {
			return nil, huma.Error404NotFound("worker not found: " + input.Key)
		}
		errs := stats.Errors
		if errs == nil {
			errs = []processing.ErrorRecord{}
		}
		return &models.WorkerStatsResponse{
			Body: models.WorkerStatsData{
				Key:          input.Key,
				StartTime:    stats.StartTime,
				EndTime:      stats.EndTime,
				Elapsed:      stats.Elapsed().Round(time.Millisecond).String(),
				TotalLoops:   stats.TotalLoops,
				MeanLap:      stats.MeanLap().String(),
				MinLap:       stats.MinLap().String(),
				MaxLap:       stats.MaxLap().String(),
				ErrorCount:   stats.ErrorCount(),
				TimeoutCount: stats.TimeoutCount,
				RestartCount: stats.RestartCount,
				Errors:       errs,
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "terminate-worker",
		Method:        http.MethodPost,
		Path:          "/api/workers/{key}/terminate",
		Summary:       "Terminate Worker",
		Description:   "Stop a worker gracefully, or kill it with force",
		Tags:          []string{"workers"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 404, 500},
	}, func(_ context.Context, input *models.TerminateInput) (*models.WorkerResponse, error) {
		if err := s.options.Workers.Terminate(input.Key, input.Body.Force); err != nil {
			if errors.Is(err, processing.ErrUnknownKey) {
				return nil, huma.Error404NotFound("worker not found: " + input.Key)
			}
			return nil, huma.Error500InternalServerError("failed to terminate worker", err)
		}
		view, _ := s.options.Workers.Status(input.Key)
		return &models.WorkerResponse{Body: s.workerData(view)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-worker-result",
		Method:      http.MethodGet,
		Path:        "/api/workers/{key}/result",
		Summary:     "Get Worker Result",
		Description: "Retrieve the result of a finished worker. A result is delivered at most once.",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 409},
	}, func(ctx context.Context, input *models.ResultInput) (*models.ResultResponse, error) {
		var wait time.Duration
		if input.Wait != "" {
			d, err := time.ParseDuration(input.Wait)
			if err != nil || d < 0 {
				return nil, huma.Error400BadRequest("invalid wait duration: " + input.Wait)
			}
			wait = d
		}

		view, ok := s.options.Workers.Status(input.Key)
		if !ok {
			return nil, huma.Error404NotFound("worker not found: " + input.Key)
		}
		if !view.Done() && wait == 0 {
			return nil, huma.Error409Conflict("worker is still " + view.Status.String())
		}
		if wait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, wait)
			defer cancel()
		}

		var value any
		if !s.options.Workers.Result(ctx, input.Key, &value) {
			if ctx.Err() != nil {
				return nil, huma.Error409Conflict("worker did not finish in " + wait.String())
			}
			return nil, huma.Error404NotFound("no result available for " + input.Key)
		}
		return &models.ResultResponse{
			Body: models.ResultData{Key: input.Key, Value: value},
		}, nil
	})
}

func (s *Server) workerData(v processing.StatusView) models.WorkerData {
	data := models.WorkerData{
		Key:          v.Key,
		Kind:         v.Kind,
		PID:          v.PID,
		Status:       v.Status.String(),
		Done:         v.Done(),
		CurrentLoop:  v.CurrentLoop,
		RestartCount: v.RestartCount,
		RunID:        v.RunID,
		RunName:      v.RunName,
		ExitCode:     v.ExitCode,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
	}
	if s.options.Metrics != nil {
		data.Metrics = s.options.Metrics.Get(v.Key)
	}
	return data
}
