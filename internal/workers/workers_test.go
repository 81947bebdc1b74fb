package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// run drives def in-process and decodes its result into out.
func run(t *testing.T, def processing.Definition, policy processing.Policy, out any) (int, *processing.Runner) {
	t.Helper()
	var results bytes.Buffer
	r, err := processing.NewRunner(processing.RunnerConfig{
		Key:        "w",
		Definition: def,
		Policy:     policy,
		Results:    &results,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	code := r.Run(context.Background())

	if out != nil {
		var env processing.Envelope
		require.NoError(t, json.Unmarshal(results.Bytes(), &env))
		require.Equal(t, processing.ResultSuccess, env.Status, env.Text())
		require.NoError(t, json.Unmarshal(env.Payload, out))
	}
	return code, r
}

func TestRegistryKinds(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{KindCommand, KindCount, KindFail, KindSleep}, r.Kinds())

	def, err := r.New(KindCount)
	require.NoError(t, err)
	assert.Equal(t, 1, def.(*Count).Step)

	require.Error(t, Register(r), "registering twice must fail")
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`2000000`), &d))
	assert.Equal(t, 2*time.Millisecond, d.Std())

	require.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	require.Error(t, json.Unmarshal([]byte(`true`), &d))

	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(data))
}

func TestSleep(t *testing.T) {
	var loops int
	code, _ := run(t, &Sleep{Delay: Duration(time.Millisecond), Runs: 3}, processing.DefaultPolicy(), &loops)
	assert.Equal(t, processing.ExitFinished, code)
	assert.Equal(t, 3, loops)
}

func TestCount(t *testing.T) {
	tests := []struct {
		name string
		def  *Count
		want int
	}{
		{"up", &Count{To: 5, Step: 1}, 5},
		{"by two", &Count{Value: 1, To: 6, Step: 2}, 7},
		{"down", &Count{Value: 3, To: -3, Step: -3}, -3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got int
			code, _ := run(t, tc.def, processing.DefaultPolicy(), &got)
			assert.Equal(t, processing.ExitFinished, code)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCountZeroStepCrashes(t *testing.T) {
	code, r := run(t, &Count{To: 3}, processing.DefaultPolicy(), nil)
	assert.Equal(t, processing.ExitCrashed, code)
	stats := r.Stats()
	require.NotEmpty(t, stats.Errors)
	assert.Equal(t, processing.SectionPreloop, stats.Errors[0].Section)
}

func TestFail(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		code, r := run(t, &Fail{At: 2, Message: "boom"}, processing.DefaultPolicy(), nil)
		assert.Equal(t, processing.ExitCrashed, code)
		assert.Equal(t, 2, r.CurrentLoop())
		stats := r.Stats()
		require.NotEmpty(t, stats.Errors)
		assert.Contains(t, stats.Errors[0].Message, "boom")
	})

	t.Run("panic", func(t *testing.T) {
		code, r := run(t, &Fail{At: 1, Panic: true}, processing.DefaultPolicy(), nil)
		assert.Equal(t, processing.ExitCrashed, code)
		stats := r.Stats()
		require.NotEmpty(t, stats.Errors)
		assert.Contains(t, stats.Errors[0].Message, "failed at loop 1")
	})

	t.Run("restart eligible", func(t *testing.T) {
		policy := processing.DefaultPolicy()
		policy.CrashRestart = true
		code, _ := run(t, &Fail{At: 1}, policy, nil)
		assert.Equal(t, processing.ExitRestart, code)
	})
}

func TestCommand(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var codes []int
		code, _ := run(t, &Command{Command: "true", Runs: 2}, processing.DefaultPolicy(), &codes)
		assert.Equal(t, processing.ExitFinished, code)
		assert.Equal(t, []int{0, 0}, codes)
	})

	t.Run("non-zero exit fails the loop", func(t *testing.T) {
		code, r := run(t, &Command{Command: "false", Runs: 2}, processing.DefaultPolicy(), nil)
		assert.Equal(t, processing.ExitCrashed, code)
		assert.Equal(t, 1, r.CurrentLoop())
	})

	t.Run("ignore exit", func(t *testing.T) {
		var codes []int
		code, _ := run(t, &Command{Command: "false", Runs: 2, IgnoreExit: true}, processing.DefaultPolicy(), &codes)
		assert.Equal(t, processing.ExitFinished, code)
		assert.Equal(t, []int{1, 1}, codes)
	})

	t.Run("missing command", func(t *testing.T) {
		code, _ := run(t, &Command{Runs: 1}, processing.DefaultPolicy(), nil)
		assert.Equal(t, processing.ExitCrashed, code)
	})

	t.Run("loop timeout stops the command", func(t *testing.T) {
		policy := processing.DefaultPolicy()
		policy.LoopTimeout = 100 * time.Millisecond
		start := time.Now()
		code, r := run(t, &Command{Command: "sleep 10", Runs: 1}, policy, nil)
		assert.Equal(t, processing.ExitCrashed, code)
		assert.Less(t, time.Since(start), 8*time.Second)
		stats := r.Stats()
		require.NotEmpty(t, stats.Errors)
		assert.Equal(t, processing.KindTimeout, stats.Errors[0].Kind)
	})
}
