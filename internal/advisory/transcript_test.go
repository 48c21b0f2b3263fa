package advisory

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTranscriptWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewTranscriptLogger(TranscriptLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewTranscriptLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(TranscriptEvent{
		UserID:     "user-1",
		SessionID:  "sess-1",
		TaskID:     "narrate-2-0",
		TaskType:   "GM_NARRATE",
		Direction:  "response",
		ContentRaw: "The\x1b[1m door\x1b[0m   opens.",
	})

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got TranscriptEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.TaskID != "narrate-2-0" {
		t.Fatalf("unexpected TaskID: %q", got.TaskID)
	}
	if got.Content != "The door opens." {
		t.Fatalf("expected cleaned content, got %q", got.Content)
	}
}

func TestTranscriptCloseFlushesAndIgnoresLateEvents(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewTranscriptLogger(TranscriptLogConfig{Enabled: true, Dir: dir, QueueSize: 64}, nil)
	if err != nil {
		t.Fatalf("NewTranscriptLogger failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		logger.Log(TranscriptEvent{UserID: "u", SessionID: "s", ContentRaw: "x"})
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	logger.Log(TranscriptEvent{UserID: "u", SessionID: "s"})
	_ = logger.Close()

	data, err := os.ReadFile(filepath.Join(dir, "u", "s.ndjson"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if n := len(strings.Split(strings.TrimSpace(string(data)), "\n")); n != 10 {
		t.Fatalf("expected 10 lines, got %d", n)
	}
}

func TestTranscriptDisabledIsNop(t *testing.T) {
	logger, err := NewTranscriptLogger(TranscriptLogConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewTranscriptLogger: %v", err)
	}
	if _, ok := logger.(NopTranscript); !ok {
		t.Fatalf("expected NopTranscript, got %T", logger)
	}
}

func TestCleanForReadability(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31mThe lantern\x1b[0m   hums.\x00\x07\nKeep  going."
	clean := cleanForReadability(raw)
	if want := "The lantern hums.\nKeep going."; clean != want {
		t.Fatalf("clean = %q, want %q", clean, want)
	}
}

func TestSafeName(t *testing.T) {
	if got := safeName("../etc/passwd", "x"); strings.Contains(got, "/") {
		t.Fatalf("path separator survived: %q", got)
	}
	if got := safeName("", "anonymous"); got != "anonymous" {
		t.Fatalf("empty name = %q", got)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
