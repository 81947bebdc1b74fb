package processing

import "time"

// StatusView is a plain-data snapshot of one registration. The monitor
// rebuilds it on every tick; callers get copies.
type StatusView struct {
	Key          string    `json:"key"`
	Kind         string    `json:"kind"`
	PID          int       `json:"pid"`
	Status       Status    `json:"status"`
	CurrentLoop  int       `json:"current_loop"`
	RestartCount int       `json:"restart_count"`
	RunID        string    `json:"run_id"`
	RunName      string    `json:"run_name"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Done reports whether the worker reached a terminal state.
func (v StatusView) Done() bool {
	return v.Status.Terminal()
}

func (v StatusView) clone() StatusView {
	if v.ExitCode != nil {
		code := *v.ExitCode
		v.ExitCode = &code
	}
	return v
}
