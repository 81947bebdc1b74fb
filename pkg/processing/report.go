package processing

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// ReportKind tags a Report.
type ReportKind string

// Report kinds.
const (
	ReportStatus ReportKind = "status"
	ReportLoop   ReportKind = "loop"
	ReportLap    ReportKind = "lap"
	ReportError  ReportKind = "error"
)

// Report is a progress message from a runner to its owner.
type Report struct {
	Kind   ReportKind    `json:"kind"`
	Time   time.Time     `json:"time"`
	Status Status        `json:"status,omitempty"`
	Loop   int           `json:"loop,omitempty"`
	Lap    time.Duration `json:"lap,omitempty"`
	Error  *ErrorRecord  `json:"error,omitempty"`
}

// Reporter receives runner progress.
type Reporter interface {
	Report(r Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Report)

// Report implements Reporter.
func (f ReporterFunc) Report(r Report) { f(r) }

type nopReporter struct{}

func (nopReporter) Report(Report) {}

// lineReporter writes one JSON document per line. Write errors are dropped;
// the owner falls back to the exit code when the pipe breaks.
type lineReporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewLineReporter returns a Reporter writing JSON lines to w.
func NewLineReporter(w io.Writer) Reporter {
	return &lineReporter{enc: json.NewEncoder(w)}
}

func (r *lineReporter) Report(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.enc.Encode(rep)
}

// readReports decodes JSON lines from rd until EOF. Malformed lines are
// passed to bad and skipped.
func readReports(rd io.Reader, handle func(Report), bad func(line string, err error)) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rep Report
		if err := json.Unmarshal(line, &rep); err != nil {
			if bad != nil {
				bad(string(line), err)
			}
			continue
		}
		handle(rep)
	}
	return scanner.Err()
}
