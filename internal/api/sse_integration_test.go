package api

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ceetaro/Suitkaise-sub005/internal/events"
	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
)

// openStream connects to an SSE endpoint and returns a channel of its data lines.
func openStream(t *testing.T, ts *httptest.Server, path string) <-chan string {
	t.Helper()

	credentials := base64.StdEncoding.EncodeToString([]byte("test:test"))
	resp, err := http.Get(fmt.Sprintf("%s%s?auth=%s", ts.URL, path, credentials))
	if err != nil {
		t.Fatalf("Failed to connect to SSE: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("Expected SSE content type, got %s", resp.Header.Get("Content-Type"))
	}

	messages := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data:") {
				messages <- line
			}
		}
	}()
	return messages
}

func nextMessage(t *testing.T, messages <-chan string) string {
	t.Helper()
	select {
	case msg := <-messages:
		return msg
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for SSE message")
		return ""
	}
}

func newSSEServer(t *testing.T, bus *events.Bus, logs *logging.RingBuffer) *httptest.Server {
	t.Helper()
	server := NewServer(&Options{
		AuthUsername: "test",
		AuthPassword: "test",
		Workers:      newFakeWorkers(testViews()...),
		EventBus:     bus,
		Logs:         logs,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestSSEWorkerEvents(t *testing.T) {
	bus := events.New()
	ts := newSSEServer(t, bus, logging.NewRingBuffer(4))
	messages := openStream(t, ts, "/api/events")

	// Snapshot of current workers first
	if msg := nextMessage(t, messages); !strings.Contains(msg, `"key":"ticker"`) || !strings.Contains(msg, `"to":"running"`) {
		t.Errorf("Expected ticker snapshot, got: %s", msg)
	}
	if msg := nextMessage(t, messages); !strings.Contains(msg, `"key":"counter"`) {
		t.Errorf("Expected counter snapshot, got: %s", msg)
	}

	bus.Publish(events.WorkerSettledEvent{
		Key:       "ticker",
		Kind:      "sleep",
		Status:    "crashed",
		Error:     "loop failed",
		Timestamp: time.Now().Format(time.RFC3339),
	})

	msg := nextMessage(t, messages)
	if !strings.Contains(msg, `"status":"crashed"`) || !strings.Contains(msg, "loop failed") {
		t.Errorf("Expected settled event, got: %s", msg)
	}

	bus.Publish(events.ManifestAppliedEvent{Path: "workers.toml", Added: []string{"new"}})
	if msg := nextMessage(t, messages); !strings.Contains(msg, `"added":["new"]`) {
		t.Errorf("Expected manifest event, got: %s", msg)
	}
}

func TestSSELogStream(t *testing.T) {
	bus := events.New()
	logs := logging.NewRingBuffer(4)
	logs.Write(logging.LogEntry{Timestamp: time.Now(), Level: "info", Module: "processing", Message: "history line"})

	ts := newSSEServer(t, bus, logs)
	messages := openStream(t, ts, "/api/logs/stream")

	if msg := nextMessage(t, messages); !strings.Contains(msg, "history line") {
		t.Errorf("Expected buffered entry first, got: %s", msg)
	}

	bus.Publish(events.LogEntryEvent{Seq: 7, Level: "warn", Module: "worker", Message: "live line"})
	msg := nextMessage(t, messages)
	if !strings.Contains(msg, "live line") || !strings.Contains(msg, `"seq":7`) {
		t.Errorf("Expected live entry, got: %s", msg)
	}
}

func TestSSEAuthFailure(t *testing.T) {
	ts := newSSEServer(t, events.New(), nil)

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d", resp.StatusCode)
	}

	credentials := base64.StdEncoding.EncodeToString([]byte("wrong:wrong"))
	resp, err = http.Get(fmt.Sprintf("%s/api/events?auth=%s", ts.URL, credentials))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected status 401 for wrong auth, got %d", resp.StatusCode)
	}
}
