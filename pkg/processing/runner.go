package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
	"github.com/ceetaro/Suitkaise-sub005/pkg/cereal"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Key          string
	Definition   Definition
	Policy       Policy
	RestartCount int

	// Codec serializes the value returned by Result. Defaults to JSON.
	Codec cereal.Codec
	// Reporter receives progress. Defaults to a no-op.
	Reporter Reporter
	// Results receives the final Envelope. Defaults to io.Discard.
	Results io.Writer

	Logger         *slog.Logger
	DebugFormatter DebugFormatter
}

// Runner drives one definition through its iterations and finalization.
// It is used inside the child process, and directly by tests.
type Runner struct {
	key      string
	def      Definition
	policy   Policy
	restarts int
	limits   Limits
	codec    cereal.Codec
	reporter Reporter
	results  io.Writer
	logger   *slog.Logger
	format   DebugFormatter
	ctl      *control

	mu    sync.Mutex
	stats Stats
}

type outcome int

const (
	outcomeFinished outcome = iota
	outcomeCrashed
	outcomeKilled
)

type stopReason int

const (
	stopNone stopReason = iota
	stopKill
	stopImmediate
	stopLoopLimit
	stopTimeLimit
	stopGraceful
)

var errBoundExpired = errors.New("time bound expired")

// NewRunner validates cfg and returns a Runner ready to Run.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Definition == nil {
		return nil, newManagerError(ErrCodeMissingLoop, cfg.Key, "definition is nil", nil)
	}
	policy := cfg.Policy
	if err := policy.Validate(); err != nil {
		return nil, newManagerError(ErrCodeInvalidPolicy, cfg.Key, "invalid policy", err)
	}

	r := &Runner{
		key:      cfg.Key,
		def:      cfg.Definition,
		policy:   policy,
		restarts: cfg.RestartCount,
		codec:    cfg.Codec,
		reporter: cfg.Reporter,
		results:  cfg.Results,
		logger:   cfg.Logger,
		format:   cfg.DebugFormatter,
	}
	if r.codec == nil {
		r.codec = cereal.JSON{}
	}
	if r.reporter == nil {
		r.reporter = nopReporter{}
	}
	if r.results == nil {
		r.results = io.Discard
	}
	if r.logger == nil {
		r.logger = logging.GetLogger("runner")
	}
	r.logger = r.logger.With("key", cfg.Key)

	if c, ok := cfg.Definition.(controlled); ok {
		r.ctl = c.control()
	} else {
		r.ctl = &control{}
	}
	r.ctl.bind(cfg.Key, cfg.RestartCount)

	r.limits = effectiveLimits(cfg.Definition, policy)
	return r, nil
}

// effectiveLimits merges the definition's limits with the policy's
// auto-join bounds; the tighter nonzero bound wins.
func effectiveLimits(def Definition, p Policy) Limits {
	var l Limits
	if lim, ok := def.(Limiter); ok {
		l = lim.Limits()
	}
	if p.AutoJoinAfterLoops > 0 && (l.Runs <= 0 || p.AutoJoinAfterLoops < l.Runs) {
		l.Runs = p.AutoJoinAfterLoops
	}
	if p.AutoJoinAfter > 0 && (l.JoinIn <= 0 || p.AutoJoinAfter < l.JoinIn) {
		l.JoinIn = p.AutoJoinAfter
	}
	return l
}

// RequestGracefulStop asks the run to end after the current iteration.
func (r *Runner) RequestGracefulStop() { r.ctl.graceful.Store(true) }

// RequestImmediateStop asks the run to skip to finalization.
func (r *Runner) RequestImmediateStop() { r.ctl.immediate.Store(true) }

// RequestKill asks the run to exit without finalization.
func (r *Runner) RequestKill() { r.ctl.kill.Store(true) }

// Status returns the runner's current state.
func (r *Runner) Status() Status { return r.ctl.status() }

// CurrentLoop returns the iteration number in progress.
func (r *Runner) CurrentLoop() int { return int(r.ctl.loop.Load()) }

// Stats returns a copy of the run's statistics.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.Clone()
}

// Run drives the definition to completion and returns the process exit
// code the outcome maps to.
func (r *Runner) Run(ctx context.Context) int {
	start := time.Now()
	r.mu.Lock()
	r.stats = Stats{StartTime: start, RestartCount: r.restarts}
	r.mu.Unlock()

	r.setStatus(StatusStarting)
	r.setStatus(StatusRunning)

	result, crash := r.drive(ctx, start)

	if result == outcomeKilled {
		r.setStatus(StatusKilled)
		r.endStats()
		r.logger.Warn("Worker killed", "loop", r.CurrentLoop())
		return ExitKilled
	}

	if crash != nil {
		r.setStatus(StatusCrashed)
	} else {
		r.setStatus(StatusStopping)
	}

	r.finalize(ctx, crash)
	r.endStats()

	if crash == nil {
		r.setStatus(StatusFinished)
		r.logger.Info("Worker finished", "loops", r.CurrentLoop())
		return ExitFinished
	}

	if r.policy.restartEligible(r.restarts) {
		r.logger.Warn("Worker crashed, restart requested",
			"error", crash, "restarts", r.restarts, "max_restarts", r.policy.MaxRestarts)
		return ExitRestart
	}
	r.logger.Error("Worker crashed", "error", crash, "restarts", r.restarts)
	return ExitCrashed
}

// drive runs iterations until a stop condition or a section error.
func (r *Runner) drive(ctx context.Context, start time.Time) (outcome, *SectionError) {
	pre, _ := r.def.(Prelooper)
	post, _ := r.def.(Postlooper)

	for {
		switch reason := r.checkStop(ctx, start); reason {
		case stopNone:
		case stopKill:
			return outcomeKilled, nil
		default:
			r.logger.Debug(formatDebug(r.format, "Stop condition reached", map[string]any{
				"reason": reason.String(),
				"loop":   r.CurrentLoop(),
			}))
			return outcomeFinished, nil
		}

		loop := int(r.ctl.loop.Add(1))
		r.reporter.Report(Report{Kind: ReportLoop, Time: time.Now(), Loop: loop})

		var lapStart time.Time
		if r.policy.LapStart == LapStartBeforePreloop {
			lapStart = time.Now()
		}

		if pre != nil {
			if err := r.runSection(ctx, SectionPreloop, loop, pre.Preloop, r.policy.PreloopTimeout); err != nil {
				return outcomeCrashed, err
			}
			if o, stop := r.interrupted(); stop {
				return o, nil
			}
		}

		if r.policy.LapStart == LapStartBeforeLoop {
			lapStart = time.Now()
		}
		if err := r.runSection(ctx, SectionLoop, loop, r.def.Loop, r.policy.LoopTimeout); err != nil {
			return outcomeCrashed, err
		}
		if r.policy.LapEnd == LapEndAfterLoop {
			r.recordLap(loop, time.Since(lapStart))
		}
		if o, stop := r.interrupted(); stop {
			return o, nil
		}

		if post != nil {
			if err := r.runSection(ctx, SectionPostloop, loop, post.Postloop, r.policy.PostloopTimeout); err != nil {
				return outcomeCrashed, err
			}
		}
		if r.policy.LapEnd == LapEndAfterPostloop {
			r.recordLap(loop, time.Since(lapStart))
		}

		if r.policy.LogEachLoop {
			r.logger.Info("Loop complete", "loop", loop)
		}

		if r.ctl.kill.Load() {
			return outcomeKilled, nil
		}
		if r.ctl.graceful.Load() {
			return outcomeFinished, nil
		}
	}
}

// checkStop evaluates stop conditions in precedence order.
func (r *Runner) checkStop(ctx context.Context, start time.Time) stopReason {
	switch {
	case r.ctl.kill.Load():
		return stopKill
	case r.ctl.immediate.Load(), ctx.Err() != nil:
		return stopImmediate
	case r.limits.Runs > 0 && r.CurrentLoop() >= r.limits.Runs:
		return stopLoopLimit
	case r.limits.JoinIn > 0 && time.Since(start) >= r.limits.JoinIn:
		return stopTimeLimit
	case r.ctl.graceful.Load():
		return stopGraceful
	default:
		return stopNone
	}
}

// interrupted is checked between sections of one iteration.
func (r *Runner) interrupted() (outcome, bool) {
	switch {
	case r.ctl.kill.Load():
		return outcomeKilled, true
	case r.ctl.immediate.Load():
		return outcomeFinished, true
	default:
		return outcomeFinished, false
	}
}

func (r *Runner) runSection(ctx context.Context, section Section, loop int, fn func(context.Context) error, timeout time.Duration) *SectionError {
	_, err := bounded(ctx, timeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	if err == nil {
		return nil
	}

	serr := &SectionError{Section: section, Key: r.key, Loop: loop}
	rec := ErrorRecord{Kind: KindError, Section: section, Loop: loop, Time: time.Now()}
	if errors.Is(err, errBoundExpired) {
		serr.Timeout = timeout
		rec.Kind = KindTimeout
	} else {
		serr.Err = err
		var perr *panicError
		if errors.As(err, &perr) {
			rec.Traceback = string(perr.stack)
		}
	}
	rec.Message = serr.Error()
	r.recordError(rec)
	return serr
}

// bounded runs fn on its own goroutine and waits at most timeout for it.
// On expiry the goroutine's context is cancelled and the goroutine is left
// to finish on its own. Panics are returned as *panicError.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type boundedResult struct {
		val T
		err error
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan boundedResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- boundedResult{err: &panicError{value: p, stack: debug.Stack()}}
			}
		}()
		v, err := fn(sctx)
		done <- boundedResult{val: v, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case o := <-done:
		return o.val, o.err
	case <-expired:
		var zero T
		return zero, errBoundExpired
	}
}

// finalize runs OnFinish and Result and writes the envelope. A crashed run
// skips Result and reports the crash instead.
func (r *Runner) finalize(ctx context.Context, crash *SectionError) {
	if f, ok := r.def.(Finisher); ok {
		_, err := bounded(ctx, r.policy.ShutdownTimeout, func(c context.Context) (struct{}, error) {
			return struct{}{}, f.OnFinish(c)
		})
		if err != nil {
			r.recordFinalizeError(SectionFinish, err)
		}
	}

	var env Envelope
	if crash != nil {
		env = errorEnvelope(ResultError, crash.Error())
	} else {
		env = r.produceResult(ctx)
	}

	if err := WriteEnvelope(r.results, env); err != nil {
		r.logger.Error("Failed to deliver result", "error", err)
	}
}

func (r *Runner) produceResult(ctx context.Context) Envelope {
	res, ok := r.def.(Resulter)
	if !ok {
		return successEnvelope(nil)
	}

	v, err := bounded(ctx, r.policy.ShutdownTimeout, func(context.Context) (any, error) {
		return res.Result()
	})
	if err != nil {
		r.recordFinalizeError(SectionResult, err)
		return errorEnvelope(ResultError, r.finalizeMessage(SectionResult, err))
	}
	if v == nil {
		return successEnvelope(nil)
	}

	data, err := cereal.Serialize(r.codec, v)
	if err != nil {
		r.recordFinalizeError(SectionResult, err)
		return errorEnvelope(ResultSerializeError, err.Error())
	}
	return successEnvelope(data)
}

func (r *Runner) finalizeMessage(section Section, err error) string {
	if errors.Is(err, errBoundExpired) {
		return fmt.Sprintf("%s of %q timed out after %s", section, r.key, r.policy.ShutdownTimeout)
	}
	return fmt.Sprintf("%s of %q failed: %v", section, r.key, err)
}

func (r *Runner) recordFinalizeError(section Section, err error) {
	rec := ErrorRecord{
		Message: r.finalizeMessage(section, err),
		Kind:    KindFinalize,
		Section: section,
		Loop:    r.CurrentLoop(),
		Time:    time.Now(),
	}
	var perr *panicError
	if errors.As(err, &perr) {
		rec.Traceback = string(perr.stack)
	}
	r.logger.Warn("Finalization failed", "section", section, "error", rec.Message)
	r.recordError(rec)
}

func (r *Runner) recordError(rec ErrorRecord) {
	r.mu.Lock()
	r.stats.addError(rec)
	r.mu.Unlock()
	r.reporter.Report(Report{Kind: ReportError, Time: rec.Time, Loop: rec.Loop, Error: &rec})
}

func (r *Runner) recordLap(loop int, lap time.Duration) {
	r.mu.Lock()
	r.stats.addLap(lap)
	r.mu.Unlock()
	r.reporter.Report(Report{Kind: ReportLap, Time: time.Now(), Loop: loop, Lap: lap})
}

func (r *Runner) setStatus(s Status) {
	r.ctl.setStatus(s)
	r.reporter.Report(Report{Kind: ReportStatus, Time: time.Now(), Status: s, Loop: r.CurrentLoop()})
}

func (r *Runner) endStats() {
	r.mu.Lock()
	r.stats.finish(time.Now())
	r.mu.Unlock()
}

func (s stopReason) String() string {
	switch s {
	case stopKill:
		return "kill"
	case stopImmediate:
		return "immediate"
	case stopLoopLimit:
		return "loop_limit"
	case stopTimeLimit:
		return "time_limit"
	case stopGraceful:
		return "graceful"
	default:
		return "none"
	}
}
