package processing

import (
	"slices"
	"time"
)

// ErrorKind classifies an ErrorRecord.
type ErrorKind string

// Error kinds.
const (
	KindError    ErrorKind = "error"
	KindTimeout  ErrorKind = "timeout"
	KindFinalize ErrorKind = "finalize"
)

// ErrorRecord describes one failure observed during a run.
type ErrorRecord struct {
	Message   string    `json:"message"`
	Kind      ErrorKind `json:"kind"`
	Section   Section   `json:"section,omitempty"`
	Loop      int       `json:"loop"`
	Time      time.Time `json:"time"`
	Traceback string    `json:"traceback,omitempty"`
}

// Stats accumulates timing and failures for one run of a worker.
// Everything except RestartCount is reset when the worker restarts.
type Stats struct {
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	LoopTimes    []time.Duration `json:"loop_times"`
	Errors       []ErrorRecord   `json:"errors"`
	TimeoutCount int             `json:"timeout_count"`
	RestartCount int             `json:"restart_count"`
	TotalLoops   int             `json:"total_loops"`
}

func (s *Stats) addLap(d time.Duration) {
	s.LoopTimes = append(s.LoopTimes, d)
	s.TotalLoops++
}

func (s *Stats) addError(rec ErrorRecord) {
	s.Errors = append(s.Errors, rec)
	if rec.Kind == KindTimeout {
		s.TimeoutCount++
	}
}

func (s *Stats) finish(t time.Time) {
	if s.EndTime == nil {
		s.EndTime = &t
	}
}

// Clone returns a deep copy of s.
func (s Stats) Clone() Stats {
	c := s
	c.LoopTimes = slices.Clone(s.LoopTimes)
	c.Errors = slices.Clone(s.Errors)
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return c
}

// MeanLap returns the mean recorded iteration time.
func (s Stats) MeanLap() time.Duration {
	if len(s.LoopTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.LoopTimes {
		total += d
	}
	return total / time.Duration(len(s.LoopTimes))
}

// MinLap returns the shortest recorded iteration time.
func (s Stats) MinLap() time.Duration {
	if len(s.LoopTimes) == 0 {
		return 0
	}
	return slices.Min(s.LoopTimes)
}

// MaxLap returns the longest recorded iteration time.
func (s Stats) MaxLap() time.Duration {
	if len(s.LoopTimes) == 0 {
		return 0
	}
	return slices.Max(s.LoopTimes)
}

// ErrorCount returns the number of recorded errors.
func (s Stats) ErrorCount() int {
	return len(s.Errors)
}

// Elapsed returns the run duration, measured to now while still running.
func (s Stats) Elapsed() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}
