package processing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceetaro/Suitkaise-sub005/pkg/cereal"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = testRegistry()
	}
	if opts.MonitorInterval == 0 {
		opts.MonitorInterval = 20 * time.Millisecond
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx, true))
	})
	return m
}

func timeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func waitRunning(t *testing.T, m *Manager, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, ok := m.Status(key)
		return ok && view.Status == StatusRunning && view.CurrentLoop >= 1
	}, 10*time.Second, 10*time.Millisecond)
}

type changeLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *changeLog) record(c StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) restarts(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.changes {
		if c.Key == key && c.Restarted() {
			n++
		}
	}
	return n
}

func (l *changeLog) path(key string) []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, c := range l.changes {
		if c.Key == key {
			out = append(out, c.To)
		}
	}
	return out
}

func TestManagerLoopLimitResult(t *testing.T) {
	changes := &changeLog{}
	m := newTestManager(t, Options{OnStateChange: changes.record})

	view, err := m.Register("counter", &appender{Runs: 3}, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, view.Status)
	assert.Equal(t, "appender", view.Kind)
	assert.NotZero(t, view.PID)
	assert.NotEmpty(t, view.RunID)

	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))

	view, ok := m.Status("counter")
	require.True(t, ok)
	assert.Equal(t, StatusFinished, view.Status)
	assert.Equal(t, 3, view.CurrentLoop)
	require.NotNil(t, view.ExitCode)
	assert.Equal(t, ExitFinished, *view.ExitCode)

	stats, ok := m.Stats("counter")
	require.True(t, ok)
	assert.Len(t, stats.LoopTimes, 3)
	assert.Empty(t, stats.Errors)

	items, ok := ResultAs[[]int](timeout(t, time.Second), m, "counter")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, items)

	_, ok = ResultAs[[]int](timeout(t, time.Second), m, "counter")
	assert.False(t, ok, "result must be delivered once")

	want := []Status{StatusStarting, StatusRunning, StatusStopping, StatusFinished}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, changes.path("counter"))
	}, 2*time.Second, 10*time.Millisecond, "transitions: %v", changes.path("counter"))
}

func TestManagerCrashWithoutRestart(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.Register("broken", &failer{Message: "x"}, DefaultPolicy())
	require.NoError(t, err)
	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))

	view, _ := m.Status("broken")
	assert.Equal(t, StatusCrashed, view.Status)
	assert.Equal(t, 0, view.RestartCount)
	require.NotNil(t, view.ExitCode)
	assert.Equal(t, ExitCrashed, *view.ExitCode)

	var out string
	assert.False(t, m.Result(timeout(t, time.Second), "broken", &out))

	stats, _ := m.Stats("broken")
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, KindError, stats.Errors[0].Kind)
	assert.Contains(t, stats.Errors[0].Message, "x")
}

func TestManagerRestartBound(t *testing.T) {
	changes := &changeLog{}
	m := newTestManager(t, Options{OnStateChange: changes.record})

	policy := DefaultPolicy()
	policy.CrashRestart = true
	policy.MaxRestarts = 2

	_, err := m.Register("flaky", &failer{Message: "always"}, policy)
	require.NoError(t, err)
	require.True(t, m.JoinAll(timeout(t, 30*time.Second)))

	view, _ := m.Status("flaky")
	assert.Equal(t, StatusCrashed, view.Status)
	assert.Equal(t, 2, view.RestartCount)
	assert.Equal(t, "flaky#restart-2", view.RunName)
	assert.Eventually(t, func() bool { return changes.restarts("flaky") == 2 }, 2*time.Second, 10*time.Millisecond)

	stats, _ := m.Stats("flaky")
	assert.Equal(t, 2, stats.RestartCount)
	assert.Len(t, stats.Errors, 1, "stats are reset on restart")
}

func TestManagerTimeoutClassified(t *testing.T) {
	m := newTestManager(t, Options{})

	policy := DefaultPolicy()
	policy.LoopTimeout = 100 * time.Millisecond

	_, err := m.Register("slow", &sleeper{Delay: 5 * time.Second}, policy)
	require.NoError(t, err)
	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))

	view, _ := m.Status("slow")
	assert.Equal(t, StatusCrashed, view.Status)

	stats, _ := m.Stats("slow")
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, KindTimeout, stats.Errors[0].Kind)
	assert.Equal(t, SectionLoop, stats.Errors[0].Section)
	assert.Equal(t, 1, stats.TimeoutCount)
}

func TestManagerRunsWorkersInParallel(t *testing.T) {
	m := newTestManager(t, Options{})

	start := time.Now()
	_, err := m.Register("fast", &sleeper{Delay: 50 * time.Millisecond}, DefaultPolicy())
	require.NoError(t, err)
	_, err = m.Register("slow", &sleeper{Delay: 300 * time.Millisecond}, DefaultPolicy())
	require.NoError(t, err)

	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))
	elapsed := time.Since(start)

	fast, _ := m.Stats("fast")
	slow, _ := m.Stats("slow")
	require.NotNil(t, fast.EndTime)
	require.NotNil(t, slow.EndTime)

	// Both runs were alive at the same time, and the short one ended first.
	assert.True(t, fast.EndTime.After(slow.StartTime))
	assert.True(t, fast.EndTime.Before(*slow.EndTime))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)

	d, ok := ResultAs[string](timeout(t, time.Second), m, "slow")
	require.True(t, ok)
	assert.Equal(t, "300ms", d)
}

func TestManagerConfigurationErrors(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.Register("spin", &spinner{}, DefaultPolicy())
	require.NoError(t, err)

	tests := []struct {
		name   string
		key    string
		def    Definition
		policy Policy
		want   error
	}{
		{"duplicate key", "spin", &spinner{}, DefaultPolicy(), ErrDuplicateKey},
		{"empty key", "", &spinner{}, DefaultPolicy(), ErrInvalidKey},
		{"nil definition", "nil", nil, DefaultPolicy(), ErrMissingLoop},
		{"unregistered kind", "recorder", &hookRecorder{}, DefaultPolicy(), ErrUnknownKind},
		{"invalid policy", "policy", &spinner{}, Policy{LoopTimeout: -time.Second}, ErrInvalidPolicy},
		{"unencodable state", "chan", &unencodable{Signal: make(chan int)}, DefaultPolicy(), ErrEncode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Register(tt.key, tt.def, tt.policy)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	require.NoError(t, m.Terminate("spin", true))
	assert.ErrorIs(t, m.Terminate("missing", false), ErrUnknownKey)
}

func TestManagerSpawnFailure(t *testing.T) {
	m := newTestManager(t, Options{Executable: "/nonexistent/worker"})

	_, err := m.Register("ghost", &spinner{}, DefaultPolicy())
	assert.ErrorIs(t, err, ErrSpawn)

	_, ok := m.Status("ghost")
	assert.False(t, ok)
}

func TestManagerTerminate(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		m := newTestManager(t, Options{})
		_, err := m.Register("spin", &spinner{}, DefaultPolicy())
		require.NoError(t, err)
		waitRunning(t, m, "spin")

		require.NoError(t, m.Terminate("spin", false))
		view, err := m.Wait(timeout(t, 10*time.Second), "spin")
		require.NoError(t, err)
		assert.Equal(t, StatusFinished, view.Status)

		loops, ok := ResultAs[int](timeout(t, time.Second), m, "spin")
		require.True(t, ok)
		assert.Positive(t, loops)
	})

	t.Run("forced", func(t *testing.T) {
		m := newTestManager(t, Options{})
		_, err := m.Register("spin", &spinner{}, DefaultPolicy())
		require.NoError(t, err)
		waitRunning(t, m, "spin")

		require.NoError(t, m.Terminate("spin", true))
		view, err := m.Wait(timeout(t, 10*time.Second), "spin")
		require.NoError(t, err)
		assert.Equal(t, StatusKilled, view.Status)

		var loops int
		assert.False(t, m.Result(timeout(t, time.Second), "spin", &loops))
	})

	t.Run("terminated workers are not restarted", func(t *testing.T) {
		m := newTestManager(t, Options{})
		policy := DefaultPolicy()
		policy.CrashRestart = true
		_, err := m.Register("spin", &spinner{}, policy)
		require.NoError(t, err)
		waitRunning(t, m, "spin")

		require.NoError(t, m.Terminate("spin", true))
		view, err := m.Wait(timeout(t, 10*time.Second), "spin")
		require.NoError(t, err)
		assert.Equal(t, StatusKilled, view.Status)
		assert.Equal(t, 0, view.RestartCount)
	})
}

func TestManagerSelfKill(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.Register("doomed", &selfKiller{}, DefaultPolicy())
	require.NoError(t, err)
	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))

	view, _ := m.Status("doomed")
	assert.Equal(t, StatusKilled, view.Status)
	require.NotNil(t, view.ExitCode)
	assert.Equal(t, ExitKilled, *view.ExitCode)

	var out string
	assert.False(t, m.Result(timeout(t, time.Second), "doomed", &out))
}

func TestManagerResultTimeout(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Register("spin", &spinner{}, DefaultPolicy())
	require.NoError(t, err)

	start := time.Now()
	var loops int
	assert.False(t, m.Result(timeout(t, 100*time.Millisecond), "spin", &loops))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.False(t, m.Result(timeout(t, time.Second), "missing", &loops))
}

func TestManagerTransferableState(t *testing.T) {
	m := newTestManager(t, Options{})

	_, err := m.Register("conn", &handle{addr: "unix:///run/suitkaise.sock"}, DefaultPolicy())
	require.NoError(t, err)
	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))

	addr, ok := ResultAs[string](timeout(t, time.Second), m, "conn")
	require.True(t, ok)
	assert.Equal(t, "unix:///run/suitkaise.sock", addr)
}

func TestManagerGobCodec(t *testing.T) {
	m := newTestManager(t, Options{Codec: cereal.Gob{}})

	_, err := m.Register("gob", &appender{Runs: 2}, DefaultPolicy())
	require.NoError(t, err)
	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))

	items, ok := ResultAs[[]int](timeout(t, time.Second), m, "gob")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, items)
}

func TestManagerStartupTimeout(t *testing.T) {
	m := newTestManager(t, Options{Executable: "/bin/sleep", ChildArgs: []string{"10"}})

	policy := DefaultPolicy()
	policy.StartupTimeout = 100 * time.Millisecond

	_, err := m.Register("silent", &spinner{}, policy)
	require.NoError(t, err)
	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))

	view, _ := m.Status("silent")
	assert.Equal(t, StatusCrashed, view.Status)

	stats, _ := m.Stats("silent")
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, KindTimeout, stats.Errors[0].Kind)
	assert.Equal(t, SectionStartup, stats.Errors[0].Section)
}

func TestManagerShutdown(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		m := newTestManager(t, Options{})
		_, err := m.Register("spin", &spinner{}, DefaultPolicy())
		require.NoError(t, err)
		waitRunning(t, m, "spin")

		require.NoError(t, m.Shutdown(timeout(t, 10*time.Second), false))
		assert.False(t, m.Active())

		view, _ := m.Status("spin")
		assert.Equal(t, StatusFinished, view.Status)

		_, err = m.Register("late", &spinner{}, DefaultPolicy())
		assert.ErrorIs(t, err, ErrManagerInactive)

		assert.NoError(t, m.Shutdown(timeout(t, time.Second), false))
	})

	t.Run("forced after timeout", func(t *testing.T) {
		m := newTestManager(t, Options{})
		_, err := m.Register("stuck", &stubborn{}, DefaultPolicy())
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			view, _ := m.Status("stuck")
			return view.Status == StatusRunning
		}, 10*time.Second, 10*time.Millisecond)

		require.NoError(t, m.Shutdown(timeout(t, 300*time.Millisecond), true))

		view, _ := m.Status("stuck")
		assert.Equal(t, StatusKilled, view.Status)
	})

	t.Run("workers left running still settle", func(t *testing.T) {
		changes := &changeLog{}
		m := newTestManager(t, Options{OnStateChange: changes.record})
		_, err := m.Register("stuck", &stubborn{}, DefaultPolicy())
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			view, _ := m.Status("stuck")
			return view.Status == StatusRunning
		}, 10*time.Second, 10*time.Millisecond)

		err = m.Shutdown(timeout(t, 200*time.Millisecond), false)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		require.NoError(t, m.Terminate("stuck", true))
		view, err := m.Wait(timeout(t, 10*time.Second), "stuck")
		require.NoError(t, err)
		assert.Equal(t, StatusKilled, view.Status)
		assert.True(t, m.JoinAll(timeout(t, time.Second)))

		require.Eventually(t, func() bool {
			path := changes.path("stuck")
			return len(path) > 0 && path[len(path)-1] == StatusKilled
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestManagerShutdownCountsExitedWorkers(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Register("once", &appender{Runs: 1}, DefaultPolicy())
	require.NoError(t, err)

	m.mu.Lock()
	exited := m.regs["once"].run.exited
	m.mu.Unlock()
	select {
	case <-exited:
	case <-time.After(20 * time.Second):
		t.Fatal("worker did not exit")
	}

	// An expired context must not turn a worker that already exited into a
	// straggler.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Shutdown(ctx, false))

	view, _ := m.Status("once")
	assert.Equal(t, StatusFinished, view.Status)
}

func TestManagerStatusStableAfterSettle(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Register("once", &appender{Runs: 2}, DefaultPolicy())
	require.NoError(t, err)

	settled, err := m.Wait(timeout(t, 20*time.Second), "once")
	require.NoError(t, err)
	require.Equal(t, StatusFinished, settled.Status)

	first, ok := m.Status("once")
	require.True(t, ok)
	second, ok := m.Status("once")
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, settled, first)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, first, list[0])
}

func TestManagerRemove(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Register("spin", &spinner{}, DefaultPolicy())
	require.NoError(t, err)

	assert.ErrorIs(t, m.Remove("spin"), ErrStillRunning)
	assert.ErrorIs(t, m.Remove("missing"), ErrUnknownKey)

	require.NoError(t, m.Terminate("spin", true))
	_, err = m.Wait(timeout(t, 10*time.Second), "spin")
	require.NoError(t, err)

	require.NoError(t, m.Remove("spin"))
	_, ok := m.Status("spin")
	assert.False(t, ok)
	assert.Empty(t, m.List())
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t, Options{})
	for _, key := range []string{"b", "a", "c"} {
		_, err := m.Register(key, &appender{Runs: 1}, DefaultPolicy())
		require.NoError(t, err)
	}

	var keys []string
	for _, v := range m.List() {
		keys = append(keys, v.Key)
	}
	assert.Equal(t, []string{"b", "a", "c"}, keys)

	_, ok := m.Status("missing")
	assert.False(t, ok)
	require.True(t, m.JoinAll(timeout(t, 20*time.Second)))
}

type metricsLog struct {
	mu       sync.Mutex
	statuses []Status
	restarts int
	laps     int
	errors   int
}

func (l *metricsLog) RecordStatus(_ string, s Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s)
	l.mu.Unlock()
}

func (l *metricsLog) RecordRestart(string) {
	l.mu.Lock()
	l.restarts++
	l.mu.Unlock()
}

func (l *metricsLog) RecordLap(string, time.Duration) {
	l.mu.Lock()
	l.laps++
	l.mu.Unlock()
}

func (l *metricsLog) RecordSectionError(string, Section, bool) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func TestManagerMetrics(t *testing.T) {
	metrics := &metricsLog{}
	m := newTestManager(t, Options{Metrics: metrics})

	policy := DefaultPolicy()
	policy.CrashRestart = true
	policy.MaxRestarts = 1

	_, err := m.Register("counter", &appender{Runs: 2}, DefaultPolicy())
	require.NoError(t, err)
	_, err = m.Register("flaky", &failer{Message: "no"}, policy)
	require.NoError(t, err)
	require.True(t, m.JoinAll(timeout(t, 30*time.Second)))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.laps)
	assert.Equal(t, 1, metrics.restarts)
	assert.Equal(t, 2, metrics.errors)
	assert.Contains(t, metrics.statuses, StatusFinished)
	assert.Contains(t, metrics.statuses, StatusCrashed)
}

func TestNestingDepth(t *testing.T) {
	t.Run("top-level manager inside a worker", func(t *testing.T) {
		t.Setenv(EnvDepth, "1")
		_, err := New(Options{Registry: testRegistry()})
		assert.ErrorIs(t, err, ErrNestingDepth)
	})

	t.Run("sub-manager within the limit", func(t *testing.T) {
		t.Setenv(EnvDepth, "1")
		m, err := NewSubManager(Options{Registry: testRegistry()})
		require.NoError(t, err)
		assert.NoError(t, m.Shutdown(timeout(t, time.Second), true))
	})

	t.Run("sub-manager beyond the limit", func(t *testing.T) {
		t.Setenv(EnvDepth, "2")
		_, err := NewSubManager(Options{Registry: testRegistry()})
		assert.ErrorIs(t, err, ErrNestingDepth)
	})
}

func TestCheckDepth(t *testing.T) {
	tests := []struct {
		depth   int
		sub     bool
		wantErr bool
	}{
		{0, false, false},
		{0, true, false},
		{1, false, true},
		{1, true, false},
		{2, true, true},
		{5, true, true},
	}

	for _, tt := range tests {
		err := checkDepth(tt.depth, tt.sub)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrNestingDepth, "depth %d sub %v", tt.depth, tt.sub)
		} else {
			assert.NoError(t, err, "depth %d sub %v", tt.depth, tt.sub)
		}
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Registry: testRegistry(), Codec: customCodec{}})
	assert.Error(t, err)
}

type customCodec struct{ cereal.JSON }

func (customCodec) Name() string { return "custom" }
