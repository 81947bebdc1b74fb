package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ceetaro/Suitkaise-sub005/internal/config"
	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
	"github.com/ceetaro/Suitkaise-sub005/pkg/cereal"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// CreateRunCmd creates the run command.
func CreateRunCmd(registry *processing.Registry) *cobra.Command {
	var manifestFile string
	var codecName string
	var logJSON bool
	var watch bool

	cmd := &cobra.Command{
		Use:   "run [worker-key]",
		Short: "Run one worker from the manifest in the foreground",
		Long: `Starts the worker in its own process, waits for it to settle and prints its result as JSON. ` +
			`An interrupt stops it gracefully; it is killed if it does not settle within its shutdown timeouts.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]

			configPath, _ := cmd.Flags().GetString("config")
			loggingConfig := config.LoadLoggingConfig(configPath)
			loggingConfig.Output = os.Stderr
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("run").With("key", key)

			codec, err := cereal.Lookup(codecName)
			if err != nil {
				logger.Error("Invalid codec", "error", err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			code := RunWorker(ctx, RunOptions{
				Key:          key,
				ManifestFile: manifestFile,
				Registry:     registry,
				Codec:        codec,
				Watch:        watch,
				Out:          cmd.OutOrStdout(),
			})
			logger.Info("Run command exiting", "exit_code", code)
			os.Exit(code)
		},
	}

	cmd.Flags().StringVar(&manifestFile, "manifest", "workers.toml", "Path to the worker manifest")
	cmd.Flags().StringVar(&codecName, "codec", "json", "Codec for worker state and results")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Use JSON log format")
	cmd.Flags().BoolVar(&watch, "watch", false, "Stop the worker when it is removed from the manifest")

	return cmd
}

// RunOptions configures RunWorker.
type RunOptions struct {
	Key          string
	ManifestFile string
	Registry     *processing.Registry
	Codec        cereal.Codec
	Watch        bool
	Out          io.Writer
	// OnStateChange, if set, observes every status transition.
	OnStateChange func(processing.StateChange)

	// Manager overrides are used by tests.
	Executable string
	ChildArgs  []string
	Env        []string
}

// RunWorker runs one manifest worker to completion and returns the process
// exit code for its terminal status. Cancelling ctx stops the worker
// gracefully and kills it if it has not settled within its postloop and
// shutdown timeouts.
func RunWorker(ctx context.Context, opts RunOptions) int {
	logger := logging.GetLogger("run").With("key", opts.Key)

	manifest, err := config.LoadManifest(opts.ManifestFile)
	if err != nil {
		logger.Error("Failed to load manifest", "error", err, "manifest", opts.ManifestFile)
		return processing.ExitCrashed
	}
	var spec *config.WorkerSpec
	for i := range manifest.Workers {
		if manifest.Workers[i].Key == opts.Key {
			spec = &manifest.Workers[i]
			break
		}
	}
	if spec == nil {
		logger.Error("Worker not found", "manifest", opts.ManifestFile)
		return processing.ExitCrashed
	}

	def, err := spec.Definition(opts.Registry)
	if err != nil {
		logger.Error("Invalid worker", "error", err)
		return processing.ExitCrashed
	}
	policy, err := spec.Policy.Policy()
	if err != nil {
		logger.Error("Invalid policy", "error", err)
		return processing.ExitCrashed
	}

	args := opts.ChildArgs
	if args == nil {
		args = []string{WorkerCommand}
	}
	mgr, err := processing.New(processing.Options{
		Registry:       opts.Registry,
		Codec:          opts.Codec,
		Executable:     opts.Executable,
		ChildArgs:      args,
		Env:            opts.Env,
		DebugFormatter: logging.FormatDebugMessage,
		OnStateChange: func(c processing.StateChange) {
			logger.Info("Worker status changed", "from", c.From, "to", c.To, "restarts", c.RestartCount)
			if opts.OnStateChange != nil {
				opts.OnStateChange(c)
			}
		},
	})
	if err != nil {
		logger.Error("Failed to create manager", "error", err)
		return processing.ExitCrashed
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(shutdownCtx, true)
	}()

	if _, err := mgr.Register(opts.Key, def, policy); err != nil {
		logger.Error("Failed to start worker", "error", err)
		return processing.ExitCrashed
	}

	if opts.Watch {
		watcher := config.NewConfigWatcher(opts.ManifestFile, config.LoadManifest, logger)
		watcher.OnReload(func(m *config.Manifest) {
			for _, w := range m.Enabled() {
				if w.Key == opts.Key {
					return
				}
			}
			logger.Warn("Worker removed from manifest, stopping")
			_ = mgr.Terminate(opts.Key, false)
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("Failed to start manifest watcher, removal is not detected", "error", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	view, err := mgr.Wait(ctx, opts.Key)
	if err != nil {
		// Interrupted: stop gracefully, kill after the shutdown timeout
		_ = mgr.Terminate(opts.Key, false)
		view = waitOrKill(mgr, opts.Key, policy.ShutdownTimeout+policy.PostloopTimeout)
	}

	var result any
	if mgr.Result(context.Background(), opts.Key, &result) {
		enc := json.NewEncoder(opts.Out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			logger.Warn("Failed to print result", "error", err)
		}
	}
	if stats, ok := mgr.Stats(opts.Key); ok {
		logger.Info("Worker settled", "status", view.Status, "loops", stats.TotalLoops,
			"mean_lap", stats.MeanLap(), "errors", stats.ErrorCount(), "restarts", view.RestartCount)
		for _, rec := range stats.Errors {
			logger.Warn("Worker error", "section", rec.Section, "loop", rec.Loop, "kind", rec.Kind, "message", rec.Message)
		}
	}

	return exitCode(view.Status)
}

func waitOrKill(mgr *processing.Manager, key string, grace time.Duration) processing.StatusView {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if view, err := mgr.Wait(ctx, key); err == nil {
		return view
	}
	_ = mgr.Terminate(key, true)
	view, _ := mgr.Wait(context.Background(), key)
	return view
}

func exitCode(status processing.Status) int {
	switch status {
	case processing.StatusFinished:
		return processing.ExitFinished
	case processing.StatusKilled:
		return processing.ExitKilled
	default:
		return processing.ExitCrashed
	}
}
