package logging

import (
	"fmt"
	"time"
)

// FormatDebugMessage renders a diagnostic message and its data in the
// same layout as FormatLogLine. Values that panic while being printed are
// replaced by a marker rather than aborting the whole line.
func FormatDebugMessage(msg string, data map[string]any) string {
	attrs := make(map[string]any, len(data))
	for k, v := range data {
		attrs[k] = safeValue(v)
	}
	return FormatLogLine(LogEntry{
		Timestamp:  time.Now(),
		Level:      "debug",
		Module:     "processing",
		Message:    msg,
		Attributes: attrs,
	})
}

func safeValue(v any) (s string) {
	defer func() {
		if recover() != nil {
			s = fmt.Sprintf("<%T: unprintable>", v)
		}
	}()
	// fmt swallows panics from String and Error, so call them directly.
	switch x := v.(type) {
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
