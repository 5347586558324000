package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TickLog represents the outcome of one reconciler pass over one entity.
type TickLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Reconciler string    `json:"reconciler"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries,omitempty"`
}

// Logger handles reconciler tick logging, independent of the operational
// slog logger Op() returns: TickLog entries are one-per-entity-transition
// records meant for an audit trail, not free-form diagnostics.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default tick logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a tick log entry.
func (l *Logger) Log(entry *TickLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "fail"
		}
		transition := ""
		if entry.FromState != "" || entry.ToState != "" {
			transition = fmt.Sprintf(" %s->%s", entry.FromState, entry.ToState)
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[tick] %s %s/%s%s %dms %s%s\n",
			status, entry.EntityKind, entry.EntityID, transition, entry.DurationMs, entry.Reconciler, retry)
		if entry.Error != "" {
			fmt.Printf("[tick]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
