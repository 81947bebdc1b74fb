package processing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Definition is the unit of work run inside a child process. Loop is called
// once per iteration. The context passed to every hook is cancelled when the
// hook's time bound expires or the run is abandoned.
type Definition interface {
	Loop(ctx context.Context) error
}

// Prelooper runs before Loop in every iteration.
type Prelooper interface {
	Preloop(ctx context.Context) error
}

// Postlooper runs after Loop in every iteration.
type Postlooper interface {
	Postloop(ctx context.Context) error
}

// Finisher runs once after the last iteration, unless the worker was killed.
type Finisher interface {
	OnFinish(ctx context.Context) error
}

// Resulter produces the value delivered to the owner. Definitions without
// it deliver no value.
type Resulter interface {
	Result() (any, error)
}

// Limits bounds a run from the definition side. Zero means unbounded.
type Limits struct {
	Runs   int           `json:"runs"`
	JoinIn time.Duration `json:"join_in"`
}

// Limiter supplies Limits.
type Limiter interface {
	Limits() Limits
}

// Base is embedded by definitions that want to read their runtime state or
// stop themselves. Only the runner writes to it.
type Base struct {
	// Runtime is never encoded with the definition's state.
	Runtime runtimeState `json:"-" yaml:"-" toml:"-"`
}

// runtimeState holds the control block. Its gob methods live here rather
// than on Base so they are not promoted to the embedding definition.
type runtimeState struct {
	ctl control
}

// GobEncode implements gob.GobEncoder.
func (*runtimeState) GobEncode() ([]byte, error) { return []byte{}, nil }

// GobDecode implements gob.GobDecoder.
func (*runtimeState) GobDecode([]byte) error { return nil }

type controlled interface {
	control() *control
}

func (b *Base) control() *control {
	return &b.Runtime.ctl
}

// Key returns the registration key.
func (b *Base) Key() string { return b.control().key() }

// CurrentLoop returns the number of the iteration in progress, or the last
// one started.
func (b *Base) CurrentLoop() int { return int(b.control().loop.Load()) }

// Status returns the runner's current state.
func (b *Base) Status() Status { return b.control().status() }

// RestartCount returns how many times this worker has been restarted.
func (b *Base) RestartCount() int { return int(b.control().restarts.Load()) }

// RequestGracefulStop finishes the current iteration, postloop included,
// then finalizes.
func (b *Base) RequestGracefulStop() { b.control().graceful.Store(true) }

// RequestImmediateStop skips the remaining sections and finalizes.
func (b *Base) RequestImmediateStop() { b.control().immediate.Store(true) }

// RequestKill exits at the next check without running any hook.
func (b *Base) RequestKill() { b.control().kill.Store(true) }

// control holds the flags shared between a definition and its runner.
type control struct {
	graceful  atomic.Bool
	immediate atomic.Bool
	kill      atomic.Bool
	loop      atomic.Int64
	restarts  atomic.Int64

	mu       sync.RWMutex
	keyValue string
	state    Status
}

func (c *control) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyValue
}

func (c *control) status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == "" {
		return StatusCreated
	}
	return c.state
}

func (c *control) setStatus(s Status) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *control) bind(key string, restarts int) {
	c.mu.Lock()
	c.keyValue = key
	c.mu.Unlock()
	c.restarts.Store(int64(restarts))
	c.loop.Store(0)
}
