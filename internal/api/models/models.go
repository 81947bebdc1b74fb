package models

import (
	"time"

	"github.com/ceetaro/Suitkaise-sub005/internal/metrics"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Workers int    `json:"workers" example:"3" doc:"Number of registered workers"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go runtime version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Worker models
type WorkerKeyInput struct {
	Key string `path:"key" example:"ticker" doc:"Worker key"`
}

type WorkerData struct {
	Key          string                 `json:"key" example:"ticker" doc:"Worker key"`
	Kind         string                 `json:"kind" example:"sleep" doc:"Definition kind"`
	PID          int                    `json:"pid" example:"4242" doc:"Process ID of the current run, 0 when none"`
	Status       string                 `json:"status" example:"running" enum:"created,starting,running,stopping,finished,crashed,killed" doc:"Lifecycle status"`
	Done         bool                   `json:"done" doc:"Whether the worker reached a terminal status"`
	CurrentLoop  int                    `json:"current_loop" example:"12" doc:"1-based iteration currently executing"`
	RestartCount int                    `json:"restart_count" example:"0" doc:"Automatic restarts so far"`
	RunID        string                 `json:"run_id" doc:"Identifier of the current run"`
	RunName      string                 `json:"run_name" doc:"Human-readable run name"`
	ExitCode     *int                   `json:"exit_code,omitempty" example:"0" doc:"Exit code of the last run"`
	CreatedAt    time.Time              `json:"created_at" doc:"Registration time"`
	UpdatedAt    time.Time              `json:"updated_at" doc:"Last status update"`
	Metrics      *metrics.WorkerMetrics `json:"metrics,omitempty" doc:"Counters recorded for this worker"`
}

type WorkerListData struct {
	Workers []WorkerData `json:"workers" doc:"Registered workers in registration order"`
	Count   int          `json:"count" example:"2" doc:"Number of registered workers"`
}

type WorkerListResponse struct {
	Body WorkerListData
}

type WorkerResponse struct {
	Body WorkerData
}

type WorkerStatsData struct {
	Key          string                   `json:"key" example:"ticker" doc:"Worker key"`
	StartTime    time.Time                `json:"start_time" doc:"Start of the current run"`
	EndTime      *time.Time               `json:"end_time,omitempty" doc:"End of the run, once finished"`
	Elapsed      string                   `json:"elapsed" example:"1m30s" doc:"Run duration so far"`
	TotalLoops   int                      `json:"total_loops" example:"12" doc:"Completed timed iterations"`
	MeanLap      string                   `json:"mean_lap" example:"250ms" doc:"Mean iteration time"`
	MinLap       string                   `json:"min_lap" example:"200ms" doc:"Fastest iteration"`
	MaxLap       string                   `json:"max_lap" example:"300ms" doc:"Slowest iteration"`
	ErrorCount   int                      `json:"error_count" example:"0" doc:"Recorded errors"`
	TimeoutCount int                      `json:"timeout_count" example:"0" doc:"Sections that exceeded their timeout"`
	RestartCount int                      `json:"restart_count" example:"0" doc:"Automatic restarts so far"`
	Errors       []processing.ErrorRecord `json:"errors" doc:"Recorded errors of the current run"`
}

type WorkerStatsResponse struct {
	Body WorkerStatsData
}

type TerminateInput struct {
	Key  string `path:"key" example:"ticker" doc:"Worker key"`
	Body struct {
		Force bool `json:"force,omitempty" doc:"Kill the process instead of stopping it gracefully"`
	}
}

type ResultInput struct {
	Key  string `path:"key" example:"ticker" doc:"Worker key"`
	Wait string `query:"wait" example:"5s" doc:"How long to wait for a running worker, as a Go duration"`
}

type ResultData struct {
	Key   string `json:"key" example:"ticker" doc:"Worker key"`
	Value any    `json:"value" doc:"Decoded result value"`
}

type ResultResponse struct {
	Body ResultData
}

// Manifest models
type ManifestReloadData struct {
	Added   []string `json:"added" doc:"Keys of started workers"`
	Updated []string `json:"updated" doc:"Keys of restarted workers"`
	Removed []string `json:"removed" doc:"Keys of stopped workers"`
}

type ManifestReloadResponse struct {
	Body ManifestReloadData
}

// Log models
type LogsInput struct {
	Limit  int    `query:"limit" default:"100" minimum:"0" maximum:"10000" doc:"Maximum number of entries, newest last"`
	Module string `query:"module" example:"processing" doc:"Only entries of this module"`
}

type LogEntryData struct {
	Timestamp  time.Time      `json:"timestamp" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"processing" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

type LogsData struct {
	Entries []LogEntryData `json:"entries" doc:"Recent log entries, oldest first"`
	Count   int            `json:"count" example:"100" doc:"Number of entries"`
}

type LogsResponse struct {
	Body LogsData
}
