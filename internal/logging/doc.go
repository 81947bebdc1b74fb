// Package logging configures the slog loggers of the host and its workers.
//
// Every module gets its own logger with a runtime-adjustable level:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"processing": "debug", "api": "warn"},
//	})
//
//	logger := logging.GetLogger("supervisor")
//	logger.Info("Applied manifest", "added", 2)
//
//	logging.SetModuleLevel("worker", "debug") // later, without a restart
//
// # Sinks
//
// Records go to every sink that is present:
//
//   - the console (stdout, or Config.Output), as text or JSON
//   - journald, when the process runs under systemd
//   - the in-memory RingBuffer served by /api/logs
//
// Worker processes log to stderr with NoJournal set. The Manager that owns
// them parses each stderr line and logs it again under the "worker" module,
// so a worker's records reach the same sinks as the host's and carry its key.
//
// # Journal fields
//
// Attributes become journal fields in upper case:
//
//	journalctl -t suitkaise MODULE=worker KEY=ticker
//	journalctl -t suitkaise -p err --since "5m"
//
// # Configuration
//
//	[logging]
//	level = "info"
//	format = "text"
//	worker = "debug"
package logging
