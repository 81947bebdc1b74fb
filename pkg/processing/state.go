package processing

// Status is the lifecycle state of a worker.
type Status string

// Worker states.
const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusFinished Status = "finished"
	StatusCrashed  Status = "crashed"
	StatusKilled   Status = "killed"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusCrashed, StatusKilled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Exit codes shared by the child entrypoint and the monitor.
const (
	ExitFinished = 0
	ExitCrashed  = 1   // crashed and not eligible for restart
	ExitRestart  = 75  // crashed and eligible for restart
	ExitKilled   = 137 // 128 + SIGKILL
)

// statusFromExit maps a child exit code to its terminal status.
// forced is set when the owner killed the child.
func statusFromExit(code int, forced bool) Status {
	switch {
	case forced:
		return StatusKilled
	case code == ExitFinished:
		return StatusFinished
	case code == ExitKilled:
		return StatusKilled
	default:
		return StatusCrashed
	}
}
