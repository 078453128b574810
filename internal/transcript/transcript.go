// Package transcript writes an append-only NDJSON log of chat turns, one
// file per session.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ashureev/toolchat/internal/config"
	"github.com/ashureev/toolchat/internal/domain"
)

// Channels.
const (
	ChannelHTTP      = "chat_http"
	ChannelWebSocket = "chat_ws"
	ChannelCLI       = "chat_cli"
)

// Event types.
const (
	EventUserMessage      = "chat_user_message"
	EventAssistantMessage = "chat_assistant_message"
	EventToolCall         = "chat_tool_call"
	EventTurnFailed       = "chat_turn_failed"
)

// Directions, seen from the assistant.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event is one line of a session transcript.
type Event struct {
	Timestamp  string         `json:"ts"`
	SessionID  string         `json:"session_id"`
	RequestID  string         `json:"request_id,omitempty"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger accepts transcript events. Implementations must not block the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

// FileLogger writes events asynchronously to dir/<session>.ndjson.
type FileLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New returns a FileLogger when cfg.Enabled and a Nop logger otherwise.
func New(cfg config.ConversationLogConfig, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}

	l := &FileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues event. When the queue is full the event is dropped.
func (l *FileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = Clean(event.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Transcript queue full, dropping event",
			"session_id", event.SessionID,
			"event_type", event.EventType)
	}
}

// Close flushes queued events and stops the writer.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write transcript event",
				"session_id", event.SessionID,
				"error", err)
		}
	}
}

func (l *FileLogger) write(event Event) error {
	name := event.SessionID
	if !domain.ValidSessionID(name) {
		name = "unknown"
	}
	path := filepath.Join(l.dir, name+".ndjson")

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path is built from a validated session id
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Clean strips escape sequences and control characters and collapses runs
// of whitespace.
func Clean(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
