package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
	"github.com/ceetaro/Suitkaise-sub005/internal/process"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// Sleep waits Delay per loop. With Runs zero it loops until stopped.
type Sleep struct {
	processing.Base
	Delay Duration `json:"delay"`
	Runs  int      `json:"runs"`
}

func (s *Sleep) Limits() processing.Limits { return processing.Limits{Runs: s.Runs} }

func (s *Sleep) Loop(ctx context.Context) error {
	return sleepCtx(ctx, s.Delay.Std())
}

// Result is the number of loops completed.
func (s *Sleep) Result() (any, error) { return s.CurrentLoop(), nil }

// Count adds Step to Value every loop until it reaches To.
type Count struct {
	processing.Base
	Value    int      `json:"value"`
	To       int      `json:"to"`
	Step     int      `json:"step"`
	Interval Duration `json:"interval"`
}

func (c *Count) Preloop(ctx context.Context) error {
	if c.Step == 0 {
		return errors.New("step must not be zero")
	}
	return sleepCtx(ctx, c.Interval.Std())
}

func (c *Count) Loop(context.Context) error {
	c.Value += c.Step
	return nil
}

func (c *Count) Postloop(context.Context) error {
	if c.To != 0 && (c.Step > 0 && c.Value >= c.To || c.Step < 0 && c.Value <= c.To) {
		c.RequestGracefulStop()
	}
	return nil
}

func (c *Count) Result() (any, error) { return c.Value, nil }

// Fail returns an error, or panics, on loop At. Restarts see the same
// failure, which makes it useful for exercising restart policies.
type Fail struct {
	processing.Base
	At      int      `json:"at"`
	Message string   `json:"message"`
	Panic   bool     `json:"panic"`
	Delay   Duration `json:"delay"`
}

func (f *Fail) Loop(ctx context.Context) error {
	if err := sleepCtx(ctx, f.Delay.Std()); err != nil {
		return err
	}
	if f.CurrentLoop() < f.At {
		return nil
	}
	msg := f.Message
	if msg == "" {
		msg = fmt.Sprintf("fail worker %s failed at loop %d", f.Key(), f.CurrentLoop())
	}
	if f.Panic {
		panic(msg)
	}
	return errors.New(msg)
}

// Command runs a command line once per loop. A non-zero exit fails the loop
// unless IgnoreExit is set.
type Command struct {
	processing.Base
	Command    string   `json:"command"`
	Runs       int      `json:"runs"`
	Interval   Duration `json:"interval"`
	IgnoreExit bool     `json:"ignore_exit"`

	ExitCodes []int `json:"exit_codes,omitempty"`
}

func (c *Command) Limits() processing.Limits { return processing.Limits{Runs: c.Runs} }

func (c *Command) Preloop(ctx context.Context) error {
	if c.Command == "" {
		return errors.New("command is required")
	}
	if c.CurrentLoop() == 1 {
		return nil
	}
	return sleepCtx(ctx, c.Interval.Std())
}

func (c *Command) Loop(ctx context.Context) error {
	logger := logging.GetLogger("worker").With("key", c.Key())
	code, err := process.RunCommand(ctx, c.Key(), c.Command, logger)
	c.ExitCodes = append(c.ExitCodes, code)
	if err != nil {
		return err
	}
	if code != 0 && !c.IgnoreExit {
		return fmt.Errorf("command exited with code %d", code)
	}
	return nil
}

// Result is the exit code of every run, in order.
func (c *Command) Result() (any, error) { return c.ExitCodes, nil }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
