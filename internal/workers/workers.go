// Package workers holds the definition kinds the host binary can run from a
// manifest.
package workers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// Kind names.
const (
	KindSleep   = "sleep"
	KindCount   = "count"
	KindFail    = "fail"
	KindCommand = "command"
)

// Register adds every built-in kind to r.
func Register(r *processing.Registry) error {
	factories := map[string]processing.Factory{
		KindSleep:   func() processing.Definition { return &Sleep{} },
		KindCount:   func() processing.Definition { return &Count{Step: 1} },
		KindFail:    func() processing.Definition { return &Fail{At: 1} },
		KindCommand: func() processing.Definition { return &Command{} },
	}
	for kind, factory := range factories {
		if err := r.Register(kind, factory); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *processing.Registry {
	r := processing.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

// Duration is a time.Duration that reads "1.5s" style strings or integer
// nanoseconds from JSON and writes strings.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
