package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TaskLog represents one completed task's outcome, independent of the
// free-form stdout/stderr lines in the output buffer. Its fields mirror
// protocol.TaskResultReport plus run metadata not carried on the wire.
type TaskLog struct {
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"task_id"`
	RepoURL    string    `json:"repo_url"`
	Branch     string    `json:"branch"`
	DurationMs int64     `json:"duration_ms"`
	ColdStart  bool      `json:"cold_start"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	PrURL      string    `json:"pr_url,omitempty"`
}

// TaskLogger appends TaskLog entries to an optional JSON-lines file and,
// optionally, a human-readable console line.
type TaskLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultTaskLogger = &TaskLogger{enabled: true, console: true}

// DefaultTaskLogger returns the process-wide task logger.
func DefaultTaskLogger() *TaskLogger {
	return defaultTaskLogger
}

// SetOutput directs JSON task-log entries to path, appending.
func (l *TaskLogger) SetOutput(path string) error {
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

// SetConsole enables or disables the human-readable console line.
func (l *TaskLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log records one task outcome.
func (l *TaskLogger) Log(entry TaskLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "failed"
		}
		cold := ""
		if entry.ColdStart {
			cold = " [cold]"
		}
		fmt.Printf("[task] %s %s %dms%s\n", status, entry.TaskID, entry.DurationMs, cold)
		if entry.Error != "" {
			fmt.Printf("[task]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the underlying log file, if any.
func (l *TaskLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
