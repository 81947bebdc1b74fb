package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
)

// gracefulTimeout is how long RunCommand waits after SIGINT before killing.
const gracefulTimeout = 5 * time.Second

// RunCommand parses command, runs it, and waits for it to exit. When ctx is
// cancelled first the process is stopped and ctx.Err() is returned with the
// exit code.
func RunCommand(ctx context.Context, id, command string, logger logging.Logger) (int, error) {
	args, err := parseCommand(command)
	if err != nil {
		return 1, err
	}
	if len(args) == 0 {
		return 1, errors.New("empty command")
	}

	c := NewChild(Spec{ID: id, Path: args[0], Args: args[1:]}, logger)
	if err := c.Start(); err != nil {
		return 1, err
	}

	select {
	case <-c.Done():
		return c.ExitCode(), nil
	case <-ctx.Done():
		return c.Stop(gracefulTimeout), ctx.Err()
	}
}

// parseCommand parses a command string into arguments
// Handles quoted strings and basic escaping.
func parseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	command = strings.TrimSpace(command)
	runes := []rune(command)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		case r == '\\' && i+1 < len(runes):
			i++ // Skip the backslash
			current.WriteRune(runes[i])
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command")
	}

	return args, nil
}
