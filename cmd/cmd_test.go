package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceetaro/Suitkaise-sub005/internal/workers"
	"github.com/ceetaro/Suitkaise-sub005/pkg/cereal"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

func TestMain(m *testing.M) {
	if processing.IsChild() {
		os.Exit(processing.RunChild(workers.NewRegistry()))
	}
	os.Exit(m.Run())
}

const testManifest = `
[[worker]]
key = "counter"
kind = "count"
params = { to = 3 }

[[worker]]
key = "napper"
kind = "sleep"
enabled = false
params = { delay = "10ms", runs = 2 }

[[worker]]
key = "broken"
kind = "fail"
params = { at = 1 }

[worker.policy]
crash_restart = true
max_restarts = 1
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workers.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateManifest(t *testing.T) {
	path := writeManifest(t, testManifest)
	var out bytes.Buffer

	require.NoError(t, ValidateManifest(&out, path, workers.NewRegistry()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "KEY")
	assert.Regexp(t, `^counter\s+count\s+true\s+unlimited\s+off`, lines[1])
	assert.Regexp(t, `^napper\s+sleep\s+false\s+2\s+off`, lines[2])
	assert.Regexp(t, `^broken\s+fail\s+true\s+unlimited\s+1`, lines[3])
}

func TestValidateManifestErrors(t *testing.T) {
	registry := workers.NewRegistry()

	err := ValidateManifest(&bytes.Buffer{}, filepath.Join(t.TempDir(), "missing.toml"), registry)
	assert.Error(t, err)

	path := writeManifest(t, `
[[worker]]
key = "typo"
kind = "count"
params = { stpe = 2 }
`)
	var out bytes.Buffer
	err = ValidateManifest(&out, path, registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 workers are invalid")
	assert.Contains(t, out.String(), "typo")

	path = writeManifest(t, `
[[worker]]
key = "x"
kind = "nope"
`)
	err = ValidateManifest(&bytes.Buffer{}, path, registry)
	require.Error(t, err)
}

func TestPrintKinds(t *testing.T) {
	var out bytes.Buffer
	PrintKinds(&out, workers.NewRegistry())
	assert.Equal(t, "command\ncount\nfail\nsleep\n", out.String())
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	c := CreateVersionCmd()
	c.SetOut(&out)
	c.SetArgs(nil)
	require.NoError(t, c.Execute())
	assert.Contains(t, out.String(), "commit")
}

func runOptions(t *testing.T, key, manifest string, out *bytes.Buffer) RunOptions {
	t.Helper()
	return RunOptions{
		Key:          key,
		ManifestFile: writeManifest(t, manifest),
		Registry:     workers.NewRegistry(),
		Codec:        cereal.JSON{},
		Out:          out,
		ChildArgs:    []string{},
	}
}

func TestRunWorkerFinished(t *testing.T) {
	var out bytes.Buffer
	code := RunWorker(context.Background(), runOptions(t, "counter", testManifest, &out))

	assert.Equal(t, processing.ExitFinished, code)
	assert.Equal(t, "3", strings.TrimSpace(out.String()))
}

func TestRunWorkerCrashed(t *testing.T) {
	var out bytes.Buffer
	code := RunWorker(context.Background(), runOptions(t, "broken", testManifest, &out))

	assert.Equal(t, processing.ExitCrashed, code)
	assert.Empty(t, out.String())
}

func TestRunWorkerUnknownKey(t *testing.T) {
	var out bytes.Buffer
	code := RunWorker(context.Background(), runOptions(t, "ghost", testManifest, &out))
	assert.Equal(t, processing.ExitCrashed, code)
}

func TestRunWorkerInterrupted(t *testing.T) {
	manifest := `
[[worker]]
key = "forever"
kind = "sleep"
params = { delay = "20ms" }
`
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out bytes.Buffer
	opts := runOptions(t, "forever", manifest, &out)
	running := make(chan struct{})
	var once sync.Once
	opts.OnStateChange = func(c processing.StateChange) {
		if c.To == processing.StatusRunning {
			once.Do(func() { close(running) })
		}
	}

	done := make(chan int, 1)
	go func() { done <- RunWorker(ctx, opts) }()

	select {
	case <-running:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never reached running")
	}
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, processing.ExitFinished, code, "graceful stop finishes the worker")
		assert.NotEmpty(t, strings.TrimSpace(out.String()), "loop count is printed")
	case <-time.After(10 * time.Second):
		t.Fatal("RunWorker did not return after interrupt")
	}
}
