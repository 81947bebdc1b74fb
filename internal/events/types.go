package events

// Event type constants for kelindar/event.
const (
	TypeWorkerStateChanged uint32 = iota + 1
	TypeWorkerRestarted
	TypeWorkerSettled
	TypeManifestApplied
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// WorkerStateChangedEvent is published for every status transition of a worker.
type WorkerStateChangedEvent struct {
	Key          string `json:"key" example:"ticker" doc:"Worker key"`
	Kind         string `json:"kind" example:"sleep" doc:"Definition kind"`
	RunID        string `json:"run_id" doc:"Identifier of the worker process run"`
	From         string `json:"from" example:"starting" doc:"Previous status"`
	To           string `json:"to" example:"running" doc:"New status"`
	RestartCount int    `json:"restart_count" example:"0" doc:"Automatic restarts so far"`
	Error        string `json:"error,omitempty" doc:"Last error, for crashes"`
	Timestamp    string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Transition time"`
}

// Type returns the event type identifier for WorkerStateChangedEvent.
func (e WorkerStateChangedEvent) Type() uint32 { return TypeWorkerStateChanged }

// WorkerRestartedEvent is published when a crashed worker is started again.
type WorkerRestartedEvent struct {
	Key          string `json:"key" example:"ticker" doc:"Worker key"`
	Kind         string `json:"kind" example:"sleep" doc:"Definition kind"`
	RunID        string `json:"run_id" doc:"Identifier of the new run"`
	RestartCount int    `json:"restart_count" example:"1" doc:"Automatic restarts so far"`
	Timestamp    string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Restart time"`
}

// Type returns the event type identifier for WorkerRestartedEvent.
func (e WorkerRestartedEvent) Type() uint32 { return TypeWorkerRestarted }

// WorkerSettledEvent is published once a worker reaches a terminal status.
type WorkerSettledEvent struct {
	Key          string `json:"key" example:"ticker" doc:"Worker key"`
	Kind         string `json:"kind" example:"sleep" doc:"Definition kind"`
	Status       string `json:"status" example:"finished" doc:"Terminal status"`
	RestartCount int    `json:"restart_count" example:"0" doc:"Automatic restarts used"`
	Error        string `json:"error,omitempty" doc:"Last error, for crashes"`
	Timestamp    string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Settle time"`
}

// Type returns the event type identifier for WorkerSettledEvent.
func (e WorkerSettledEvent) Type() uint32 { return TypeWorkerSettled }

// ManifestAppliedEvent is published after the worker manifest was (re)applied.
type ManifestAppliedEvent struct {
	Path      string   `json:"path" example:"workers.toml" doc:"Manifest file"`
	Added     []string `json:"added" doc:"Keys of started workers"`
	Updated   []string `json:"updated" doc:"Keys of restarted workers"`
	Removed   []string `json:"removed" doc:"Keys of stopped workers"`
	Error     string   `json:"error,omitempty" doc:"Errors of workers that could not be applied"`
	Timestamp string   `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Apply time"`
}

// Type returns the event type identifier for ManifestAppliedEvent.
func (e ManifestAppliedEvent) Type() uint32 { return TypeManifestApplied }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"processing" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
