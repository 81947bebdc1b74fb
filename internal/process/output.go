package process

import (
	"bufio"
	"io"
	"strings"
)

// LogParser parses a log line and returns the log level and message.
// Used to extract structured log info from process output.
type LogParser func(line string) (level, msg string)

// streamOutput streams output from the subprocess.
// Uses the configured processLogger (or falls back to default logger).
// Uses the configured LogParser to extract log levels from process output.
func (c *Child) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	logger := c.processLogger
	if logger == nil {
		logger = c.logger
	}

	for scanner.Scan() {
		line := scanner.Text()

		level, msg := "info", line
		if c.logParser != nil {
			level, msg = c.logParser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg, "source", source)
		case "warning", "warn":
			logger.Warn(msg, "source", source)
		case "debug", "trace":
			logger.Debug(msg, "source", source)
		default:
			logger.Info(msg, "source", source)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("Error reading output", "id", c.spec.ID, "source", source, "error", err)
	}
}

// ParseSlogLine extracts the level from a line written by slog's text
// handler ("time=... level=WARN msg=..."). Other lines are info.
func ParseSlogLine(line string) (level, msg string) {
	idx := strings.Index(line, "level=")
	if idx < 0 || (idx > 0 && line[idx-1] != ' ') {
		return "info", line
	}
	rest := line[idx+len("level="):]
	word, tail, _ := strings.Cut(rest, " ")

	switch strings.ToUpper(word) {
	case "DEBUG":
		level = "debug"
	case "INFO":
		level = "info"
	case "WARN":
		level = "warning"
	case "ERROR":
		level = "error"
	default:
		return "info", line
	}

	tail = strings.TrimSpace(tail)
	if after, ok := strings.CutPrefix(tail, "msg="); ok {
		tail = after
	}
	return level, tail
}
