package processing

import "time"

// Metrics receives lifecycle measurements from a Manager.
type Metrics interface {
	RecordStatus(key string, status Status)
	RecordRestart(key string)
	RecordLap(key string, lap time.Duration)
	RecordSectionError(key string, section Section, timeout bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordStatus(string, Status)              {}
func (nopMetrics) RecordRestart(string)                     {}
func (nopMetrics) RecordLap(string, time.Duration)          {}
func (nopMetrics) RecordSectionError(string, Section, bool) {}
