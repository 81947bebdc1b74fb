package processing

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReporterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rep := NewLineReporter(&buf)

	now := time.Now().UTC()
	rep.Report(Report{Kind: ReportStatus, Time: now, Status: StatusRunning})
	rep.Report(Report{Kind: ReportLap, Time: now, Loop: 2, Lap: 15 * time.Millisecond})
	buf.WriteString("garbage\n")
	rep.Report(Report{Kind: ReportError, Time: now, Loop: 3, Error: &ErrorRecord{Message: "x", Kind: KindTimeout}})

	var got []Report
	var bad []string
	err := readReports(&buf, func(r Report) { got = append(got, r) }, func(line string, _ error) {
		bad = append(bad, line)
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, StatusRunning, got[0].Status)
	assert.Equal(t, 15*time.Millisecond, got[1].Lap)
	require.NotNil(t, got[2].Error)
	assert.Equal(t, KindTimeout, got[2].Error.Kind)
	assert.Equal(t, []string{"garbage"}, bad)
}

func TestFormatDebugFallback(t *testing.T) {
	data := map[string]any{"key": "w"}

	assert.Equal(t, "msg map[key:w]", formatDebug(nil, "msg", data))
	assert.Equal(t, "msg", formatDebug(nil, "msg", nil))

	panicky := func(string, map[string]any) string { panic("formatter broke") }
	assert.Equal(t, "msg map[key:w]", formatDebug(panicky, "msg", data))

	custom := func(msg string, _ map[string]any) string { return strings.ToUpper(msg) }
	assert.Equal(t, "MSG", formatDebug(custom, "msg", data))
}
