package processing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
	"github.com/ceetaro/Suitkaise-sub005/internal/process"
)

// File descriptors of the report and result pipes in a worker process.
const (
	reportFD = 3
	resultFD = 4
)

// spawnEnvelope is written to a worker's stdin. It carries everything the
// worker needs to rebuild and run its definition.
type spawnEnvelope struct {
	Key          string `json:"key"`
	Kind         string `json:"kind"`
	RunName      string `json:"run_name"`
	RunID        string `json:"run_id"`
	Policy       Policy `json:"policy"`
	RestartCount int    `json:"restart_count"`
	Codec        string `json:"codec"`
	State        []byte `json:"state"`
}

// run is one physical execution of a registration.
type run struct {
	id      string
	name    string
	child   *process.Child
	results *ResultChannel

	// exited is closed once the process was reaped and both pipes were read.
	exited chan struct{}

	startedAt      time.Time
	startupExpired bool
}

func runName(key string, restarts int) string {
	if restarts == 0 {
		return key
	}
	return fmt.Sprintf("%s#restart-%d", key, restarts)
}

// spawn starts a worker process for reg. Caller must hold m.mu.
func (m *Manager) spawn(reg *registration) (*run, error) {
	r := &run{
		id:        uuid.NewString(),
		name:      runName(reg.key, reg.restarts),
		results:   newResultChannel(),
		exited:    make(chan struct{}),
		startedAt: time.Now(),
	}

	envelope, err := json.Marshal(spawnEnvelope{
		Key:          reg.key,
		Kind:         reg.kind,
		RunName:      r.name,
		RunID:        r.id,
		Policy:       reg.policy,
		RestartCount: reg.restarts,
		Codec:        m.opts.Codec.Name(),
		State:        reg.state,
	})
	if err != nil {
		return nil, fmt.Errorf("encode spawn envelope: %w", err)
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create report pipe: %w", err)
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		reportR.Close()
		reportW.Close()
		return nil, fmt.Errorf("create result pipe: %w", err)
	}

	child := process.NewChild(process.Spec{
		ID:         r.name,
		Path:       m.opts.Executable,
		Args:       m.opts.ChildArgs,
		Env:        append(childEnv(m.depth), m.opts.Env...),
		Stdin:      bytes.NewReader(envelope),
		ExtraFiles: []*os.File{reportW, resultW},
	}, m.logger)
	child.SetKillTimeout(m.opts.KillTimeout)
	child.SetLogParser(logging.GetLogger("worker").With("key", reg.key, "run", r.name), process.ParseSlogLine)

	startErr := child.Start()
	reportW.Close()
	resultW.Close()
	if startErr != nil {
		reportR.Close()
		resultR.Close()
		return nil, startErr
	}
	r.child = child

	reportsDone := make(chan struct{})
	go func() {
		defer close(reportsDone)
		defer reportR.Close()
		err := readReports(reportR, func(rep Report) {
			m.handleReport(reg, r, rep)
		}, func(line string, err error) {
			m.logger.Debug(formatDebug(m.opts.DebugFormatter, "Malformed report", map[string]any{
				"key": reg.key, "line": line, "error": err,
			}))
		})
		if err != nil {
			m.logger.Warn("Report pipe failed", "key", reg.key, "error", err)
		}
	}()
	go func() {
		defer resultR.Close()
		r.results.fill(resultR)
	}()

	go func() {
		<-child.Done()
		// Pipes hit EOF when the worker exits; the bound covers leaked descriptors.
		timer := time.NewTimer(m.opts.KillTimeout)
		defer timer.Stop()
	drain:
		for _, ch := range []<-chan struct{}{reportsDone, r.results.Filled()} {
			select {
			case <-ch:
			case <-timer.C:
				m.logger.Warn("Worker pipes still open after exit", "key", reg.key, "run", r.name)
				break drain
			}
		}
		close(r.exited)
		m.wake()
	}()

	return r, nil
}
