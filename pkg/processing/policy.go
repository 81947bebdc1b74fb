package processing

import (
	"errors"
	"fmt"
	"time"
)

// LapStart selects where the per-iteration timer starts.
type LapStart string

// LapEnd selects where the per-iteration timer stops.
type LapEnd string

// Timer points.
const (
	LapStartBeforePreloop LapStart = "before_preloop"
	LapStartBeforeLoop    LapStart = "before_loop"
	LapEndAfterLoop       LapEnd   = "after_loop"
	LapEndAfterPostloop   LapEnd   = "after_postloop"
)

// Policy configures how one registration runs. A zero duration disables the
// corresponding bound; an unbounded section that hangs keeps its worker alive
// until it is terminated from outside.
type Policy struct {
	PreloopTimeout  time.Duration `json:"preloop_timeout"`
	LoopTimeout     time.Duration `json:"loop_timeout"`
	PostloopTimeout time.Duration `json:"postloop_timeout"`
	// StartupTimeout bounds the time from spawn until the worker reports RUNNING.
	StartupTimeout time.Duration `json:"startup_timeout"`
	// ShutdownTimeout bounds OnFinish and Result separately.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	AutoJoinAfter      time.Duration `json:"auto_join_after"`
	AutoJoinAfterLoops int           `json:"auto_join_after_loops"`

	CrashRestart bool `json:"crash_restart"`
	MaxRestarts  int  `json:"max_restarts"`

	LogEachLoop bool `json:"log_each_loop"`

	LapStart LapStart `json:"lap_start"`
	LapEnd   LapEnd   `json:"lap_end"`
}

// DefaultPolicy returns bounded defaults for every section.
func DefaultPolicy() Policy {
	return Policy{
		PreloopTimeout:  30 * time.Second,
		LoopTimeout:     5 * time.Minute,
		PostloopTimeout: 30 * time.Second,
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxRestarts:     3,
		LapStart:        LapStartBeforeLoop,
		LapEnd:          LapEndAfterLoop,
	}
}

// Validate checks p and fills unset timer points.
func (p *Policy) Validate() error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"preloop_timeout", p.PreloopTimeout},
		{"loop_timeout", p.LoopTimeout},
		{"postloop_timeout", p.PostloopTimeout},
		{"startup_timeout", p.StartupTimeout},
		{"shutdown_timeout", p.ShutdownTimeout},
		{"auto_join_after", p.AutoJoinAfter},
	}
	for _, f := range durations {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}
	if p.AutoJoinAfterLoops < 0 {
		errs = append(errs, errors.New("auto_join_after_loops must not be negative"))
	}
	if p.MaxRestarts < 0 {
		errs = append(errs, errors.New("max_restarts must not be negative"))
	}

	switch p.LapStart {
	case "":
		p.LapStart = LapStartBeforeLoop
	case LapStartBeforePreloop, LapStartBeforeLoop:
	default:
		errs = append(errs, fmt.Errorf("unknown lap_start %q", p.LapStart))
	}
	switch p.LapEnd {
	case "":
		p.LapEnd = LapEndAfterLoop
	case LapEndAfterLoop, LapEndAfterPostloop:
	default:
		errs = append(errs, fmt.Errorf("unknown lap_end %q", p.LapEnd))
	}

	return errors.Join(errs...)
}

// restartEligible reports whether a crashed run with the given restart count
// may be restarted.
func (p Policy) restartEligible(restarts int) bool {
	return p.CrashRestart && restarts < p.MaxRestarts
}
