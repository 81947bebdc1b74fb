package processing

import (
	"fmt"
	"syscall"
	"time"
)

// monitor polls every registration until Shutdown. Worker exits wake it
// early so restarts do not wait for the next tick.
func (m *Manager) monitor() {
	defer close(m.monitorDone)

	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.wakeCh:
		}
		m.poll(time.Now())
	}
}

func (m *Manager) poll(now time.Time) {
	m.mu.Lock()
	for _, key := range m.order {
		reg := m.regs[key]
		if reg.settled {
			continue
		}
		r := reg.run

		select {
		case <-r.exited:
			m.handleExit(reg, now)
			continue
		default:
		}

		if reg.view.Status == StatusStarting && !r.startupExpired &&
			reg.policy.StartupTimeout > 0 && now.Sub(r.startedAt) > reg.policy.StartupTimeout {
			r.startupExpired = true
			msg := fmt.Sprintf("startup of %q timed out after %s", reg.key, reg.policy.StartupTimeout)
			reg.stats.addError(ErrorRecord{
				Message: msg,
				Kind:    KindTimeout,
				Section: SectionStartup,
				Time:    now,
			})
			m.opts.Metrics.RecordSectionError(reg.key, SectionStartup, true)
			m.logger.Warn("Worker startup timed out", "key", reg.key, "timeout", reg.policy.StartupTimeout)
			if err := r.child.Kill(); err != nil {
				m.logger.Error("Failed to kill worker", "key", reg.key, "error", err)
			}
		}

		reg.view.PID = r.child.PID()
		reg.view.UpdatedAt = now
	}
	m.mu.Unlock()
}

// handleExit restarts reg or settles it in a terminal state once its
// current run has exited. Caller must hold m.mu.
func (m *Manager) handleExit(reg *registration, now time.Time) {
	r := reg.run
	code := r.child.ExitCode()

	if m.shouldRestart(reg, code) {
		msg := m.lastError(reg)
		m.setStatus(reg, StatusCrashed, msg)
		reg.restarts++
		m.opts.Metrics.RecordRestart(reg.key)
		m.logger.Warn("Restarting worker",
			"key", reg.key, "exit_code", code, "restart", reg.restarts, "max_restarts", reg.policy.MaxRestarts)

		err := m.startRun(reg)
		if err == nil {
			return
		}
		m.logger.Error("Failed to restart worker", "key", reg.key, "error", err)
		reg.stats.addError(ErrorRecord{
			Message: fmt.Sprintf("restart of %q failed: %v", reg.key, err),
			Kind:    KindError,
			Section: SectionStartup,
			Time:    now,
		})
		m.settle(reg, StatusCrashed, code, now)
		return
	}

	m.settle(reg, m.exitStatus(reg, code), code, now)
}

// shouldRestart applies the restart policy to an exited run. The worker
// decides eligibility with the same restart count and signals it with
// ExitRestart; other abnormal exits are the monitor's call.
func (m *Manager) shouldRestart(reg *registration, code int) bool {
	if reg.stopRequested || reg.forced || !reg.policy.restartEligible(reg.restarts) {
		return false
	}
	if reg.run.startupExpired {
		return true
	}
	switch code {
	case ExitFinished, ExitCrashed, ExitKilled:
		return false
	default:
		return true
	}
}

// exitStatus maps the exit of a run that will not be restarted.
func (m *Manager) exitStatus(reg *registration, code int) Status {
	switch {
	case reg.run.startupExpired && !reg.forced:
		return StatusCrashed
	case reg.stopRequested && code == 128+int(syscall.SIGINT):
		// Interrupted before the worker installed its signal handlers.
		return StatusKilled
	default:
		return statusFromExit(code, reg.forced)
	}
}

// settle moves reg to its final state. Caller must hold m.mu.
func (m *Manager) settle(reg *registration, status Status, code int, now time.Time) {
	reg.settled = true
	reg.view.ExitCode = &code
	reg.view.UpdatedAt = now
	reg.stats.finish(now)

	var msg string
	if status == StatusCrashed {
		msg = m.lastError(reg)
	}
	m.setStatus(reg, status, msg)
	close(reg.done)

	m.logger.Info("Worker settled",
		"key", reg.key, "status", status, "exit_code", code, "restarts", reg.restarts)
}

func (m *Manager) lastError(reg *registration) string {
	if n := len(reg.stats.Errors); n > 0 {
		return reg.stats.Errors[n-1].Message
	}
	return ""
}
