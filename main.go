package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/ceetaro/Suitkaise-sub005/cmd"
	"github.com/ceetaro/Suitkaise-sub005/internal/api"
	"github.com/ceetaro/Suitkaise-sub005/internal/config"
	"github.com/ceetaro/Suitkaise-sub005/internal/events"
	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
	"github.com/ceetaro/Suitkaise-sub005/internal/metrics"
	"github.com/ceetaro/Suitkaise-sub005/internal/metrics/exporters"
	"github.com/ceetaro/Suitkaise-sub005/internal/supervisor"
	"github.com/ceetaro/Suitkaise-sub005/internal/systemd"
	"github.com/ceetaro/Suitkaise-sub005/internal/workers"
	"github.com/ceetaro/Suitkaise-sub005/pkg/cereal"
	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"suitkaise.toml"`

	// Server settings
	Port       string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	CORSOrigin string `help:"Allowed CORS origins, comma-separated, empty for any" default:"" toml:"server.cors_origin" env:"SERVER_CORS_ORIGIN"`

	// Manifest settings
	Manifest string `help:"Worker manifest file (.toml, .yaml)" short:"m" default:"workers.toml" toml:"manifest.file" env:"MANIFEST_FILE"`
	Watch    bool   `help:"Apply manifest changes while running" default:"true" toml:"manifest.watch" env:"MANIFEST_WATCH"`

	// Processing settings
	Codec           string `help:"Codec for worker state and results (json, gob, toml, yaml)" default:"json" toml:"processing.codec" env:"PROCESSING_CODEC"`
	MonitorInterval string `help:"Monitor tick" default:"1s" toml:"processing.monitor_interval" env:"PROCESSING_MONITOR_INTERVAL"`
	KillTimeout     string `help:"Wait after killing a worker" default:"5s" toml:"processing.kill_timeout" env:"PROCESSING_KILL_TIMEOUT"`
	StopTimeout     string `help:"Graceful stop of a removed worker before it is killed" default:"10s" toml:"processing.stop_timeout" env:"PROCESSING_STOP_TIMEOUT"`
	ShutdownTimeout string `help:"Graceful shutdown of all workers before they are killed" default:"30s" toml:"processing.shutdown_timeout" env:"PROCESSING_SHUTDOWN_TIMEOUT"`

	// Metrics settings
	MetricsEnabled   bool   `help:"Enable Prometheus metrics" default:"true" toml:"metrics.enabled" env:"METRICS_ENABLED"`
	MetricsNamespace string `help:"Prometheus metric namespace" default:"suitkaise" toml:"metrics.namespace" env:"METRICS_NAMESPACE"`

	// Auth settings
	AuthUsername string `help:"Basic auth username, empty disables auth" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingProcessing string `help:"Manager logging level" default:"info" toml:"logging.processing" env:"LOGGING_PROCESSING"`
	LoggingWorker     string `help:"Worker output logging level" default:"info" toml:"logging.worker" env:"LOGGING_WORKER"`
	LoggingSupervisor string `help:"Supervisor logging level" default:"info" toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

func main() {
	registry := workers.NewRegistry()

	// Worker processes re-run this binary; they never reach the CLI.
	if processing.IsChild() {
		os.Exit(processing.RunChild(registry))
	}

	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"processing": opts.LoggingProcessing,
				"worker":     opts.LoggingWorker,
				"supervisor": opts.LoggingSupervisor,
				"api":        opts.LoggingAPI,
				"http":       opts.LoggingAPI,
			},
		})
		logger := logging.GetLogger("main")

		var h *host
		hooks.OnStart(func() {
			var err error
			h, err = newHost(opts, registry)
			if err != nil {
				logger.Error("Failed to start", "error", err)
				os.Exit(1)
			}
			if startErr := h.run(); startErr != nil {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			if h != nil {
				h.stop()
			}
		})
	})

	cli.Root().AddCommand(cmd.CreateWorkerCmd(registry))
	cli.Root().AddCommand(cmd.CreateRunCmd(registry))
	cli.Root().AddCommand(cmd.CreateValidateCmd(registry))
	cli.Root().AddCommand(cmd.CreateKindsCmd(registry))
	cli.Root().AddCommand(cmd.CreateVersionCmd())

	cli.Run()
}

// host wires the manager, supervisor, watcher and API of the serve command.
type host struct {
	opts            *Options
	logger          *slog.Logger
	bus             *events.Bus
	exporter        *metrics.Exporter
	manager         *processing.Manager
	supervisor      *supervisor.Supervisor
	watcher         *config.Watcher[*config.Manifest]
	server          *api.Server
	notifier        *systemd.Notifier
	stopWatchdog    context.CancelFunc
	shutdownTimeout time.Duration
}

func newHost(opts *Options, registry *processing.Registry) (*host, error) {
	logger := logging.GetLogger("main")

	codec, err := cereal.Lookup(opts.Codec)
	if err != nil {
		return nil, err
	}
	monitorInterval := parseDuration(logger, "monitor_interval", opts.MonitorInterval, time.Second)
	killTimeout := parseDuration(logger, "kill_timeout", opts.KillTimeout, 5*time.Second)
	stopTimeout := parseDuration(logger, "stop_timeout", opts.StopTimeout, 10*time.Second)

	h := &host{
		opts:            opts,
		logger:          logger,
		bus:             events.New(),
		notifier:        systemd.NewNotifier(logging.GetLogger("systemd")),
		shutdownTimeout: parseDuration(logger, "shutdown_timeout", opts.ShutdownTimeout, 30*time.Second),
	}
	logging.SetLogCallback(events.LogCallback(h.bus))

	managerOpts := processing.Options{
		Registry:        registry,
		Codec:           codec,
		MonitorInterval: monitorInterval,
		KillTimeout:     killTimeout,
		ChildArgs:       []string{cmd.WorkerCommand},
		Env:             []string{processing.EnvLogLevel + "=" + opts.LoggingWorker},
		OnStateChange:   events.StateChangeHandler(h.bus),
		DebugFormatter:  logging.FormatDebugMessage,
	}

	apiOpts := &api.Options{
		AuthUsername: opts.AuthUsername,
		AuthPassword: opts.AuthPassword,
		CORSOrigin:   opts.CORSOrigin,
		EventBus:     h.bus,
		Reload:       h.reload,
	}

	if opts.MetricsEnabled {
		reg := exporters.NewRegistry()
		h.exporter = metrics.NewExporter(opts.MetricsNamespace, reg)
		managerOpts.Metrics = h.exporter
		apiOpts.Metrics = h.exporter
		apiOpts.PrometheusHandler = exporters.HTTPHandler(reg)
	}

	h.manager, err = processing.New(managerOpts)
	if err != nil {
		return nil, err
	}
	apiOpts.Workers = h.manager

	h.supervisor = supervisor.New(supervisor.Options{
		Manager:     h.manager,
		Registry:    registry,
		Logger:      logging.GetLogger("supervisor"),
		StopTimeout: stopTimeout,
	})
	h.server = api.NewServer(apiOpts)

	return h, nil
}

// run applies the manifest, starts watching it and serves the API until stop.
func (h *host) run() error {
	if _, err := h.reload(context.Background()); err != nil {
		h.logger.Warn("Manifest applied with errors", "error", err)
	}

	if h.opts.Watch {
		h.watcher = config.NewConfigWatcher(h.opts.Manifest, config.LoadManifest, logging.GetLogger("config"),
			config.WithErrorHandler[*config.Manifest](func(err error) {
				h.publishApplied(supervisor.Changes{}, err)
			}))
		h.watcher.OnReload(func(m *config.Manifest) {
			if _, err := h.apply(context.Background(), m); err != nil {
				h.logger.Warn("Manifest applied with errors", "error", err)
			}
		})
		if err := h.watcher.Start(); err != nil {
			h.logger.Warn("Failed to start manifest watcher, hot-reload disabled", "error", err)
			h.watcher = nil
		}
	}

	h.notifier.Ready()
	h.notifier.Status("%d workers", len(h.manager.List()))
	var watchdogCtx context.Context
	watchdogCtx, h.stopWatchdog = context.WithCancel(context.Background())
	go h.notifier.Watchdog(watchdogCtx)

	h.logger.Info("Starting HTTP server", "port", h.opts.Port)
	return h.server.Start(h.opts.Port)
}

func (h *host) stop() {
	h.logger.Info("Shutting down")
	h.notifier.Stopping()
	if h.stopWatchdog != nil {
		h.stopWatchdog()
	}
	if err := h.server.Stop(); err != nil {
		h.logger.Error("Error stopping HTTP server", "error", err)
	}
	if h.watcher != nil {
		_ = h.watcher.Stop()
	}

	// Stop workers after the API stops accepting requests
	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	if err := h.manager.Shutdown(ctx, true); err != nil {
		h.logger.Error("Workers did not stop cleanly", "error", err)
	}
}

// reload reads the manifest file and applies it.
func (h *host) reload(ctx context.Context) (supervisor.Changes, error) {
	m, err := config.LoadManifest(h.opts.Manifest)
	if err != nil {
		h.publishApplied(supervisor.Changes{}, err)
		return supervisor.Changes{}, err
	}
	return h.apply(ctx, m)
}

func (h *host) apply(ctx context.Context, m *config.Manifest) (supervisor.Changes, error) {
	changes, err := h.supervisor.Apply(ctx, m)
	if h.exporter != nil {
		for _, key := range changes.Removed {
			h.exporter.Forget(key)
		}
	}
	if !changes.Empty() || err != nil {
		h.publishApplied(changes, err)
		h.notifier.Status("%d workers", len(h.manager.List()))
	}
	return changes, err
}

func (h *host) publishApplied(changes supervisor.Changes, err error) {
	event := events.ManifestAppliedEvent{
		Path:      h.opts.Manifest,
		Added:     changes.Added,
		Updated:   changes.Updated,
		Removed:   changes.Removed,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		event.Error = err.Error()
	}
	h.bus.Publish(event)
}

func parseDuration(logger *slog.Logger, name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn("Invalid duration, using default", "option", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}
