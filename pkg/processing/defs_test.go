package processing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Definitions shared by the runner tests and the worker processes started
// by the manager tests.

func testRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("appender", func() Definition { return &appender{} })
	r.MustRegister("failer", func() Definition { return &failer{} })
	r.MustRegister("sleeper", func() Definition { return &sleeper{} })
	r.MustRegister("spinner", func() Definition { return &spinner{} })
	r.MustRegister("stubborn", func() Definition { return &stubborn{} })
	r.MustRegister("selfkiller", func() Definition { return &selfKiller{} })
	r.MustRegister("handle", func() Definition { return &handle{} })
	r.MustRegister("unencodable", func() Definition { return &unencodable{} })
	return r
}

// appender adds the next integer to Items on every loop.
type appender struct {
	Base
	Runs  int   `json:"runs"`
	Items []int `json:"items"`
}

func (a *appender) Limits() Limits { return Limits{Runs: a.Runs} }

func (a *appender) Loop(context.Context) error {
	a.Items = append(a.Items, len(a.Items)+1)
	return nil
}

func (a *appender) Result() (any, error) { return a.Items, nil }

// failer fails its first loop.
type failer struct {
	Base
	Message string `json:"message"`
}

func (f *failer) Loop(context.Context) error { return errors.New(f.Message) }

func (f *failer) Result() (any, error) { return "unreachable", nil }

// sleeper runs one loop that takes Delay.
type sleeper struct {
	Base
	Delay time.Duration `json:"delay"`
}

func (s *sleeper) Limits() Limits { return Limits{Runs: 1} }

func (s *sleeper) Loop(ctx context.Context) error {
	select {
	case <-time.After(s.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sleeper) Result() (any, error) { return s.Delay.String(), nil }

// spinner loops until stopped and reports how many loops it completed.
type spinner struct {
	Base
	Finished bool `json:"finished"`
}

func (s *spinner) Loop(ctx context.Context) error {
	select {
	case <-time.After(10 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *spinner) OnFinish(context.Context) error {
	s.Finished = true
	return nil
}

func (s *spinner) Result() (any, error) { return s.CurrentLoop(), nil }

// stubborn ignores its context and blocks for a long time.
type stubborn struct {
	Base
}

func (s *stubborn) Loop(context.Context) error {
	time.Sleep(30 * time.Second)
	return nil
}

// selfKiller kills itself on its second loop.
type selfKiller struct {
	Base
}

func (s *selfKiller) Loop(context.Context) error {
	if s.CurrentLoop() == 2 {
		s.RequestKill()
	}
	return nil
}

func (s *selfKiller) Result() (any, error) { return "unreachable", nil }

// handle holds a connection-like resource and transfers only its address.
type handle struct {
	Base
	addr string
	open bool
}

func (h *handle) DetachForTransfer() ([]byte, error) { return []byte(h.addr), nil }

func (h *handle) Reattach(state []byte) error {
	h.addr = string(state)
	h.open = true
	return nil
}

func (h *handle) Limits() Limits { return Limits{Runs: 1} }

func (h *handle) Loop(context.Context) error {
	if !h.open {
		return errors.New("handle not reattached")
	}
	return nil
}

func (h *handle) Result() (any, error) { return h.addr, nil }

// unencodable carries a value JSON cannot encode.
type unencodable struct {
	Base
	Signal chan int `json:"signal"`
}

func (u *unencodable) Loop(context.Context) error { return nil }

// hookRecorder records the order and time of its hooks. It is only run in-process.
type hookRecorder struct {
	Base
	Runs int

	mu     sync.Mutex
	events []hookEvent

	preloopErr  error
	loopErr     error
	postloopErr error
	finishErr   error
	result      any
	resultErr   error
	loopDelay   time.Duration
	preDelay    time.Duration
	onLoop      func(p *hookRecorder)
}

type hookEvent struct {
	name string
	loop int
	at   time.Time
}

func (p *hookRecorder) record(name string) {
	p.mu.Lock()
	p.events = append(p.events, hookEvent{name: name, loop: p.CurrentLoop(), at: time.Now()})
	p.mu.Unlock()
}

func (p *hookRecorder) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.name
	}
	return out
}

func (p *hookRecorder) Limits() Limits { return Limits{Runs: p.Runs} }

func (p *hookRecorder) Preloop(context.Context) error {
	p.record("preloop")
	if p.preDelay > 0 {
		time.Sleep(p.preDelay)
	}
	return p.preloopErr
}

func (p *hookRecorder) Loop(ctx context.Context) error {
	p.record("loop")
	if p.onLoop != nil {
		p.onLoop(p)
	}
	if p.loopDelay > 0 {
		select {
		case <-time.After(p.loopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.record("loop_end")
	return p.loopErr
}

func (p *hookRecorder) Postloop(context.Context) error {
	p.record("postloop")
	return p.postloopErr
}

func (p *hookRecorder) OnFinish(context.Context) error {
	p.record("on_finish")
	return p.finishErr
}

func (p *hookRecorder) Result() (any, error) {
	p.record("result")
	return p.result, p.resultErr
}
