package processing

import "fmt"

// DebugFormatter renders a diagnostic message with structured data into a
// single log line.
type DebugFormatter func(msg string, data map[string]any) string

// formatDebug calls f and falls back to a plain line if f is nil or panics.
func formatDebug(f DebugFormatter, msg string, data map[string]any) (line string) {
	if f == nil {
		return plainDebug(msg, data)
	}
	defer func() {
		if recover() != nil {
			line = plainDebug(msg, data)
		}
	}()
	return f(msg, data)
}

func plainDebug(msg string, data map[string]any) string {
	if len(data) == 0 {
		return msg
	}
	return fmt.Sprintf("%s %v", msg, data)
}
