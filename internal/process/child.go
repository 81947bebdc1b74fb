package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
)

// Spec describes a subprocess to launch.
type Spec struct {
	ID   string
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Stdin is copied to the child's standard input, if set.
	Stdin io.Reader
	// ExtraFiles become file descriptors 3, 4, ... in the child.
	ExtraFiles []*os.File
}

// Child manages the lifecycle of one subprocess.
type Child struct {
	spec          Spec
	cmd           *exec.Cmd
	logger        logging.Logger
	processLogger logging.Logger // logger for process output (nil = use logger)
	logParser     LogParser      // parses process output for log level (nil = no parsing)
	killTimeout   time.Duration  // timeout after Kill() before giving up

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	exitCode int
}

// NewChild creates a child process handle. Nothing runs until Start.
func NewChild(spec Spec, logger logging.Logger) *Child {
	return &Child{
		spec:        spec,
		logger:      logger,
		killTimeout: 5 * time.Second,
		done:        make(chan struct{}),
		exitCode:    -1,
	}
}

// SetLogParser sets a custom logger and log parser for process output.
func (c *Child) SetLogParser(logger logging.Logger, parser LogParser) {
	c.processLogger = logger
	c.logParser = parser
}

// SetKillTimeout bounds how long Stop waits after SIGKILL, and how long
// the exit path waits for output to drain.
func (c *Child) SetKillTimeout(d time.Duration) {
	c.killTimeout = d
}

// Start launches the subprocess. The caller keeps ownership of
// Spec.ExtraFiles and should close its copies once Start returns.
func (c *Child) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("process %s already started", c.spec.ID)
	}

	c.cmd = exec.Command(c.spec.Path, c.spec.Args...)
	c.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.cmd.Env = append(os.Environ(), c.spec.Env...)
	c.cmd.Stdin = c.spec.Stdin
	c.cmd.ExtraFiles = c.spec.ExtraFiles

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	c.cmd.Stdout = stdoutW
	c.cmd.Stderr = stderrW

	startErr := c.cmd.Start()
	// The child holds its own copies now.
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		c.logger.Error("Failed to start process", "id", c.spec.ID, "error", startErr)
		return startErr
	}
	c.started = true

	c.logger.Info("Process started", "id", c.spec.ID, "pid", c.cmd.Process.Pid)

	outputDone := make(chan struct{}, 2)
	go func() {
		c.streamOutput(stdoutR, "stdout")
		stdoutR.Close()
		outputDone <- struct{}{}
	}()
	go func() {
		c.streamOutput(stderrR, "stderr")
		stderrR.Close()
		outputDone <- struct{}{}
	}()

	go c.wait(outputDone)
	return nil
}

// wait reaps the process, then gives output streams a bounded window to
// drain; a grandchild holding the pipes open must not block the exit path.
func (c *Child) wait(outputDone <-chan struct{}) {
	err := c.cmd.Wait()

	deadline := time.After(c.killTimeout)
drain:
	for range 2 {
		select {
		case <-outputDone:
		case <-deadline:
			c.logger.Warn("Output streams still open after exit", "id", c.spec.ID)
			break drain
		}
	}

	code := exitCodeFromError(err)
	if err != nil && !isExitError(err) {
		c.logger.Error("Process exited with error", "id", c.spec.ID, "error", err)
	}

	c.mu.Lock()
	c.exitCode = code
	c.mu.Unlock()
	close(c.done)
}

// PID returns the process id, or 0 before Start.
func (c *Child) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return c.cmd.Process.Pid
}

// Done is closed after the process has exited and been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitCode returns the exit code, or -1 while the process is running.
func (c *Child) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// Interrupt sends SIGINT.
func (c *Child) Interrupt() error {
	return c.signal(syscall.SIGINT)
}

// Kill sends SIGKILL.
func (c *Child) Kill() error {
	return c.signal(syscall.SIGKILL)
}

func (c *Child) signal(sig syscall.Signal) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return fmt.Errorf("process %s not started", c.spec.ID)
	}
	select {
	case <-c.done:
		return nil
	default:
	}

	c.logger.Debug("Sending signal to process", "id", c.spec.ID, "pid", c.cmd.Process.Pid, "signal", sig.String())
	if err := c.cmd.Process.Signal(sig); err != nil {
		// "os: process already finished" is OK - process exited before the signal
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}

// Stop sends SIGINT and waits up to timeout, then force-kills.
// Returns the exit code, 137 when the kill was needed.
func (c *Child) Stop(timeout time.Duration) int {
	if err := c.Interrupt(); err != nil {
		c.logger.Warn("Failed to send SIGINT", "id", c.spec.ID, "error", err)
	}

	select {
	case <-c.done:
		return c.ExitCode()
	case <-time.After(timeout):
		c.logger.Warn("Graceful shutdown timeout, forcing kill", "id", c.spec.ID, "timeout", timeout)
		if err := c.Kill(); err != nil {
			c.logger.Error("Failed to kill process", "id", c.spec.ID, "error", err)
		}
		// Wait for process to exit with a secondary timeout to prevent hanging
		select {
		case <-c.done:
		case <-time.After(c.killTimeout):
			c.logger.Error("Process did not exit after kill signal", "id", c.spec.ID)
		}
		return 137
	}
}
