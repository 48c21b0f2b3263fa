package advisory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// TranscriptLogConfig controls NDJSON transcripts of advisory traffic.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TranscriptEvent is one line of a transcript file.
type TranscriptEvent struct {
	Timestamp  time.Time `json:"ts"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id"`
	TaskType   string    `json:"task_type"`
	Direction  string    `json:"direction"`
	Content    string    `json:"content"`
	ContentRaw string    `json:"content_raw"`
	Fallback   bool      `json:"fallback,omitempty"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// TranscriptLogger records advisory traffic.
type TranscriptLogger interface {
	Log(evt TranscriptEvent)
	Close() error
}

// NopTranscript discards everything.
type NopTranscript struct{}

// Log does nothing.
func (NopTranscript) Log(TranscriptEvent) {}

// Close does nothing.
func (NopTranscript) Close() error { return nil }

// FileTranscript writes one NDJSON file per user and session from a
// background goroutine. Events are dropped when the queue is full.
type FileTranscript struct {
	dir    string
	queue  chan TranscriptEvent
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// NewTranscriptLogger returns a file logger, or NopTranscript when
// disabled.
func NewTranscriptLogger(cfg TranscriptLogConfig, logger *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return NopTranscript{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript log dir cannot be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	t := &FileTranscript{
		dir:    cfg.Dir,
		queue:  make(chan TranscriptEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.run()
	return t, nil
}

// Log enqueues evt without blocking.
func (t *FileTranscript) Log(evt TranscriptEvent) {
	if evt.Content == "" {
		evt.Content = cleanForReadability(evt.ContentRaw)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- evt:
	default:
		t.logger.Warn("transcript queue full, dropping event", "session_id", evt.SessionID, "task_id", evt.TaskID)
	}
}

// Close flushes queued events and stops the writer.
func (t *FileTranscript) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	<-t.done
	return nil
}

func (t *FileTranscript) run() {
	defer close(t.done)
	for evt := range t.queue {
		if err := t.write(evt); err != nil {
			t.logger.Warn("failed to write transcript event", "session_id", evt.SessionID, "error", err)
		}
	}
}

func (t *FileTranscript) write(evt TranscriptEvent) error {
	user := safeName(evt.UserID, "anonymous")
	session := safeName(evt.SessionID, "unknown")
	dir := filepath.Join(t.dir, user)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, session+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var (
	escapePattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	spacePattern    = regexp.MustCompile(`[ \t]+`)
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// cleanForReadability normalizes advisory text for the transcript: escape
// sequences and control characters are dropped, blank runs become one space.
func cleanForReadability(raw string) string {
	s := escapePattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func safeName(v, fallback string) string {
	v = unsafeNameChars.ReplaceAllString(v, "_")
	if v == "" || v == "." || v == ".." {
		return fallback
	}
	return v
}
