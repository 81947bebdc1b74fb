package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
	"github.com/ceetaro/Suitkaise-sub005/pkg/cereal"
)

const (
	defaultMonitorInterval = time.Second
	defaultKillTimeout     = 5 * time.Second
)

// StateChange describes one status transition of a registration.
type StateChange struct {
	Key          string
	Kind         string
	RunID        string
	From         Status
	To           Status
	RestartCount int
	Error        string
	Time         time.Time
}

// Restarted reports whether the change is the start of an automatic restart.
func (c StateChange) Restarted() bool {
	return c.To == StatusStarting && c.RestartCount > 0 && c.From != StatusCreated
}

// Options configures a Manager.
type Options struct {
	// Registry resolves definition types to kinds. Worker processes must
	// be started with a registry holding the same kinds.
	Registry *Registry
	// Codec encodes definitions and results. Defaults to JSON.
	Codec  cereal.Codec
	Logger *slog.Logger

	// MonitorInterval is the monitor tick. Defaults to one second.
	MonitorInterval time.Duration
	// KillTimeout bounds waits after SIGKILL. Defaults to five seconds.
	KillTimeout time.Duration

	// Executable and ChildArgs start a worker process. Executable defaults
	// to the running binary, which must call RunChild when IsChild is true.
	Executable string
	ChildArgs  []string
	// Env is added to the environment of every worker process.
	Env []string

	// OnStateChange is called for every transition, in order, from a
	// single goroutine owned by the manager.
	OnStateChange func(StateChange)
	Metrics       Metrics
	// DebugFormatter renders diagnostic lines. Defaults to a plain format.
	DebugFormatter DebugFormatter
}

// registration is the manager's record for one key.
type registration struct {
	key       string
	kind      string
	state     []byte
	policy    Policy
	createdAt time.Time

	view     StatusView
	stats    Stats
	run      *run
	restarts int

	stopRequested bool
	forced        bool
	settled       bool
	done          chan struct{}
}

// Manager runs registered definitions in worker processes, restarts them
// per policy, and collects their results.
type Manager struct {
	opts   Options
	depth  int
	logger *slog.Logger

	mu     sync.Mutex
	regs   map[string]*registration
	order  []string
	active bool
	queue  []StateChange

	stop        chan struct{}
	monitorDone chan struct{}
	wakeCh      chan struct{}

	notifyCh     chan struct{}
	dispatchStop chan struct{}
	dispatchDone chan struct{}
}

// New creates a top-level Manager and starts its monitor. It fails inside a
// worker process; workers use NewSubManager.
func New(opts Options) (*Manager, error) {
	return newManager(opts, false)
}

// NewSubManager creates a Manager inside a worker process. Workers nest at
// most MaxNestingDepth levels below the top-level process.
func NewSubManager(opts Options) (*Manager, error) {
	return newManager(opts, true)
}

func newManager(opts Options, sub bool) (*Manager, error) {
	depth := currentDepth()
	if err := checkDepth(depth, sub); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		return nil, errors.New("processing: Options.Registry is required")
	}
	if opts.Codec == nil {
		opts.Codec = cereal.JSON{}
	}
	// Workers resolve the codec by name.
	if _, err := cereal.Lookup(opts.Codec.Name()); err != nil {
		return nil, fmt.Errorf("processing: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("processing")
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = defaultKillTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("processing: resolve executable: %w", err)
		}
		opts.Executable = exe
	}

	m := &Manager{
		opts:        opts,
		depth:       depth,
		logger:      opts.Logger,
		regs:        make(map[string]*registration),
		active:      true,
		stop:        make(chan struct{}),
		monitorDone: make(chan struct{}),
		wakeCh:      make(chan struct{}, 1),

		notifyCh:     make(chan struct{}, 1),
		dispatchStop: make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go m.monitor()
	go m.dispatch()
	return m, nil
}

// Register starts def in a new worker process under key. The definition's
// exported state is encoded with the manager's codec; the worker rebuilds it
// from a fresh value of the same kind.
func (m *Manager) Register(key string, def Definition, policy Policy) (StatusView, error) {
	if key == "" {
		return StatusView{}, newManagerError(ErrCodeInvalidKey, key, "key is required", nil)
	}
	if def == nil {
		return StatusView{}, newManagerError(ErrCodeMissingLoop, key, "definition is nil", nil)
	}
	kind, ok := m.opts.Registry.KindOf(def)
	if !ok {
		return StatusView{}, newManagerError(ErrCodeUnknownKind, key,
			fmt.Sprintf("type %T is not registered", def), nil)
	}
	if err := policy.Validate(); err != nil {
		return StatusView{}, newManagerError(ErrCodeInvalidPolicy, key, "invalid policy", err)
	}
	state, err := cereal.Serialize(m.opts.Codec, def)
	if err != nil {
		return StatusView{}, newManagerError(ErrCodeEncode, key, "definition state", err)
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return StatusView{}, newManagerError(ErrCodeManagerInactive, key, "manager is shut down", nil)
	}
	if _, exists := m.regs[key]; exists {
		m.mu.Unlock()
		return StatusView{}, newManagerError(ErrCodeDuplicateKey, key, "key already registered", nil)
	}

	now := time.Now()
	reg := &registration{
		key:       key,
		kind:      kind,
		state:     state,
		policy:    policy,
		createdAt: now,
		view: StatusView{
			Key:       key,
			Kind:      kind,
			Status:    StatusCreated,
			CreatedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
	if err := m.startRun(reg); err != nil {
		m.mu.Unlock()
		m.logger.Error("Failed to spawn worker", "key", key, "error", err)
		return StatusView{}, newManagerError(ErrCodeSpawn, key, "start worker process", err)
	}
	m.regs[key] = reg
	m.order = append(m.order, key)
	view := reg.view.clone()
	m.mu.Unlock()

	m.logger.Info("Worker registered", "key", key, "kind", kind, "pid", view.PID)
	return view, nil
}

// startRun spawns a fresh run of reg. Caller must hold m.mu.
func (m *Manager) startRun(reg *registration) error {
	r, err := m.spawn(reg)
	if err != nil {
		return err
	}
	reg.run = r
	reg.stats = Stats{StartTime: r.startedAt, RestartCount: reg.restarts}
	reg.view.PID = r.child.PID()
	reg.view.RunID = r.id
	reg.view.RunName = r.name
	reg.view.RestartCount = reg.restarts
	reg.view.CurrentLoop = 0
	reg.view.ExitCode = nil
	m.setStatus(reg, StatusStarting, "")
	return nil
}

// setStatus records a transition and queues it for OnStateChange. Caller
// must hold m.mu.
func (m *Manager) setStatus(reg *registration, to Status, msg string) {
	from := reg.view.Status
	if from == to {
		return
	}
	now := time.Now()
	reg.view.Status = to
	reg.view.UpdatedAt = now
	m.opts.Metrics.RecordStatus(reg.key, to)

	if m.opts.OnStateChange == nil {
		return
	}
	m.queue = append(m.queue, StateChange{
		Key:          reg.key,
		Kind:         reg.kind,
		RunID:        reg.view.RunID,
		From:         from,
		To:           to,
		RestartCount: reg.restarts,
		Error:        msg,
		Time:         now,
	})
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

// dispatch delivers queued transitions until Shutdown.
func (m *Manager) dispatch() {
	defer close(m.dispatchDone)
	for {
		select {
		case <-m.notifyCh:
			m.flush()
		case <-m.dispatchStop:
			m.flush()
			return
		}
	}
}

func (m *Manager) flush() {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, change := range batch {
		m.opts.OnStateChange(change)
	}
}

// handleReport applies a progress report from the worker running r.
func (m *Manager) handleReport(reg *registration, r *run, rep Report) {
	m.mu.Lock()
	if reg.run != r || reg.settled {
		m.mu.Unlock()
		return
	}
	switch rep.Kind {
	case ReportStatus:
		// Terminal states come from the exit code.
		if !rep.Status.Terminal() {
			m.setStatus(reg, rep.Status, "")
		}
	case ReportLoop:
		reg.view.CurrentLoop = rep.Loop
	case ReportLap:
		reg.stats.addLap(rep.Lap)
		m.opts.Metrics.RecordLap(reg.key, rep.Lap)
	case ReportError:
		if rep.Error != nil {
			reg.stats.addError(*rep.Error)
			if rep.Error.Kind != KindFinalize {
				m.opts.Metrics.RecordSectionError(reg.key, rep.Error.Section, rep.Error.Kind == KindTimeout)
			}
		}
	}
	reg.view.UpdatedAt = time.Now()
	m.mu.Unlock()
}

// Status returns the snapshot of key as of the last monitor tick or report.
func (m *Manager) Status(key string) (StatusView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[key]
	if !ok {
		return StatusView{}, false
	}
	return reg.view.clone(), true
}

// List returns snapshots of all registrations in registration order.
func (m *Manager) List() []StatusView {
	m.mu.Lock()
	defer m.mu.Unlock()
	views := make([]StatusView, 0, len(m.order))
	for _, key := range m.order {
		views = append(views, m.regs[key].view.clone())
	}
	return views
}

// Stats returns the statistics of the current or last run of key.
func (m *Manager) Stats(key string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[key]
	if !ok {
		return Stats{}, false
	}
	return reg.stats.Clone(), true
}

// Result waits until key reaches a terminal state, bounded by ctx, and
// decodes its result into out. The result is delivered at most once. False
// is returned on timeout, when there is no value, when the worker failed to
// produce one, and when decoding fails; failures are logged, not returned.
func (m *Manager) Result(ctx context.Context, key string, out any) bool {
	m.mu.Lock()
	reg, ok := m.regs[key]
	m.mu.Unlock()
	if !ok {
		m.debug("Result requested for unknown key", map[string]any{"key": key})
		return false
	}

	select {
	case <-reg.done:
	case <-ctx.Done():
		m.debug("Result wait ended before the worker finished", map[string]any{"key": key, "error": ctx.Err()})
		return false
	}

	m.mu.Lock()
	results := reg.run.results
	m.mu.Unlock()

	env, ok, err := results.Drain()
	if err != nil {
		m.debug("Result channel unreadable", map[string]any{"key": key, "error": err})
		return false
	}
	if !ok {
		return false
	}
	if env.Status != ResultSuccess {
		m.debug("Worker produced no result", map[string]any{"key": key, "status": env.Status, "message": env.Text()})
		return false
	}
	if len(env.Payload) == 0 {
		return false
	}
	if out == nil {
		return true
	}
	if err := cereal.Deserialize(m.opts.Codec, env.Payload, out); err != nil {
		m.debug("Result decode failed", map[string]any{"key": key, "error": err})
		return false
	}
	return true
}

// ResultAs is Result for a value of type T.
func ResultAs[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var v T
	ok := m.Result(ctx, key, &v)
	return v, ok
}

// Wait blocks until key reaches a terminal state or ctx ends.
func (m *Manager) Wait(ctx context.Context, key string) (StatusView, error) {
	m.mu.Lock()
	reg, ok := m.regs[key]
	m.mu.Unlock()
	if !ok {
		return StatusView{}, newManagerError(ErrCodeUnknownKey, key, "not registered", nil)
	}
	select {
	case <-reg.done:
	case <-ctx.Done():
		return StatusView{}, ctx.Err()
	}
	view, _ := m.Status(key)
	return view, nil
}

// JoinAll waits for every registration to reach a terminal state and
// reports whether all did before ctx ended.
func (m *Manager) JoinAll(ctx context.Context) bool {
	m.mu.Lock()
	waits := make([]chan struct{}, 0, len(m.regs))
	for _, reg := range m.regs {
		waits = append(waits, reg.done)
	}
	m.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Terminate stops key. A graceful stop lets the worker finish its current
// iteration and finalize; a forced stop kills the process without running
// any hook.
func (m *Manager) Terminate(key string, force bool) error {
	m.mu.Lock()
	reg, ok := m.regs[key]
	if !ok {
		m.mu.Unlock()
		return newManagerError(ErrCodeUnknownKey, key, "not registered", nil)
	}
	if reg.settled {
		m.mu.Unlock()
		return nil
	}
	reg.stopRequested = true
	if force {
		reg.forced = true
	}
	child := reg.run.child
	m.mu.Unlock()

	if force {
		m.logger.Info("Killing worker", "key", key)
		return child.Kill()
	}
	m.logger.Info("Stopping worker", "key", key)
	return child.Interrupt()
}

// Remove forgets a registration that reached a terminal state.
func (m *Manager) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[key]
	if !ok {
		return newManagerError(ErrCodeUnknownKey, key, "not registered", nil)
	}
	if !reg.settled {
		return newManagerError(ErrCodeStillRunning, key, "worker has not finished", nil)
	}
	delete(m.regs, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Active reports whether the manager accepts registrations.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Shutdown stops the monitor and asks every worker to stop gracefully. It
// waits until all have exited or ctx ends; with forceAfterTimeout the
// remaining workers are then killed. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context, forceAfterTimeout bool) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	close(m.stop)
	var live []*registration
	for _, key := range m.order {
		reg := m.regs[key]
		if reg.settled {
			continue
		}
		reg.stopRequested = true
		live = append(live, reg)
	}
	m.mu.Unlock()

	<-m.monitorDone
	defer func() {
		close(m.dispatchStop)
		<-m.dispatchDone
	}()
	m.logger.Info("Shutting down workers", "count", len(live))

	for _, reg := range live {
		if err := reg.run.child.Interrupt(); err != nil {
			m.logger.Warn("Failed to interrupt worker", "key", reg.key, "error", err)
		}
	}

	var stragglers []*registration
	for _, reg := range live {
		select {
		case <-reg.run.exited:
			m.settleExited(reg)
			continue
		default:
		}
		select {
		case <-reg.run.exited:
			m.settleExited(reg)
		case <-ctx.Done():
			stragglers = append(stragglers, reg)
		}
	}
	if len(stragglers) == 0 {
		return nil
	}
	if !forceAfterTimeout {
		for _, reg := range stragglers {
			go m.settleLate(reg, reg.run)
		}
		return fmt.Errorf("shutdown timed out with %d workers running: %w", len(stragglers), ctx.Err())
	}

	var g errgroup.Group
	for _, reg := range stragglers {
		g.Go(func() error {
			m.mu.Lock()
			reg.forced = true
			r := reg.run
			m.mu.Unlock()

			m.logger.Warn("Worker did not stop in time, killing", "key", reg.key)
			if err := r.child.Kill(); err != nil {
				return fmt.Errorf("kill %s: %w", reg.key, err)
			}
			select {
			case <-r.exited:
				m.settleExited(reg)
				return nil
			case <-time.After(m.opts.KillTimeout):
				go m.settleLate(reg, r)
				return fmt.Errorf("worker %s did not exit after kill", reg.key)
			}
		})
	}
	return g.Wait()
}

// settleExited applies the exit of reg's current run outside the monitor.
func (m *Manager) settleExited(reg *registration) {
	m.mu.Lock()
	if !reg.settled {
		m.handleExit(reg, time.Now())
	}
	m.mu.Unlock()
}

// settleLate settles reg once r exits after Shutdown gave up waiting.
// The monitor and dispatcher are gone by then, so state changes are
// delivered here.
func (m *Manager) settleLate(reg *registration, r *run) {
	<-r.exited
	m.settleExited(reg)
	<-m.dispatchDone
	m.flush()
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) debug(msg string, data map[string]any) {
	m.logger.Debug(formatDebug(m.opts.DebugFormatter, msg, data))
}
