package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
	"github.com/ceetaro/Suitkaise-sub005/pkg/cereal"
)

// EnvLogLevel sets the log level of worker processes.
const EnvLogLevel = "SUITKAISE_LOG_LEVEL"

// RunChild is the entrypoint of a worker process. The binary started by a
// Manager must call it, with a registry holding the same kinds as the
// owner's, whenever IsChild is true, and exit with the returned code:
//
//	if processing.IsChild() {
//		os.Exit(processing.RunChild(registry))
//	}
//
// SIGINT requests a graceful stop and SIGTERM an immediate one.
func RunChild(registry *Registry) int {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	logging.Initialize(logging.Config{
		Level:     os.Getenv(EnvLogLevel),
		Format:    "text",
		Output:    os.Stderr,
		NoJournal: true,
	})
	logger := logging.GetLogger("worker")

	if !IsChild() {
		logger.Error("Not started as a worker process")
		return ExitCrashed
	}

	syscall.CloseOnExec(reportFD)
	syscall.CloseOnExec(resultFD)
	reports := os.NewFile(reportFD, "reports")
	results := os.NewFile(resultFD, "results")
	defer reports.Close()
	defer results.Close()

	runner, err := prepareRun(registry, logger, reports, results)
	if err != nil {
		logger.Error("Failed to prepare worker", "error", err)
		if werr := WriteEnvelope(results, errorEnvelope(ResultError, err.Error())); werr != nil {
			logger.Error("Failed to deliver result", "error", werr)
		}
		return ExitCrashed
	}

	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGINT:
				logger.Info("Graceful stop requested")
				runner.RequestGracefulStop()
			case syscall.SIGTERM:
				logger.Info("Immediate stop requested")
				runner.RequestImmediateStop()
			}
		}
	}()

	return runner.Run(context.Background())
}

// prepareRun rebuilds the definition described by the spawn envelope on
// stdin and wraps it in a Runner wired to the report and result pipes.
func prepareRun(registry *Registry, logger *slog.Logger, reports, results *os.File) (*Runner, error) {
	if registry == nil {
		return nil, fmt.Errorf("no registry")
	}

	var env spawnEnvelope
	if err := json.NewDecoder(os.Stdin).Decode(&env); err != nil {
		return nil, fmt.Errorf("read spawn envelope: %w", err)
	}
	codec, err := cereal.Lookup(env.Codec)
	if err != nil {
		return nil, err
	}
	def, err := registry.New(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := cereal.Deserialize(codec, env.State, def); err != nil {
		return nil, fmt.Errorf("restore %s state: %w", env.Kind, err)
	}

	logger.Debug("Worker starting",
		"key", env.Key, "run", env.RunName, "run_id", env.RunID, "restarts", env.RestartCount)

	return NewRunner(RunnerConfig{
		Key:            env.Key,
		Definition:     def,
		Policy:         env.Policy,
		RestartCount:   env.RestartCount,
		Codec:          codec,
		Reporter:       NewLineReporter(reports),
		Results:        results,
		Logger:         logger.With("run", env.RunName),
		DebugFormatter: logging.FormatDebugMessage,
	})
}
