package director

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ActionLogEntry records one action attempt made by a runner.
type ActionLogEntry struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Action      string         `json:"action"`
	SessionID   string         `json:"session_id,omitempty"`
	Attempt     int            `json:"attempt"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	Duration    float64        `json:"duration"`
}

// ActionLog defines a simple action audit logging interface
type ActionLog interface {
	// LogAction logs a completed action attempt
	LogAction(ctx context.Context, entry *ActionLogEntry) error

	// ActionHistory retrieves the logged attempts for an execution
	ActionHistory(ctx context.Context, executionID string) ([]*ActionLogEntry, error)
}

// NullActionLog discards all entries.
type NullActionLog struct{}

// NewNullActionLog creates an ActionLog that discards everything
func NewNullActionLog() *NullActionLog {
	return &NullActionLog{}
}

func (l *NullActionLog) LogAction(ctx context.Context, entry *ActionLogEntry) error {
	return nil
}

func (l *NullActionLog) ActionHistory(ctx context.Context, executionID string) ([]*ActionLogEntry, error) {
	return nil, nil
}

// FileActionLog appends entries as JSON lines, one file per execution.
type FileActionLog struct {
	mutex   sync.Mutex
	logsDir string
}

// NewFileActionLog creates a file-based action log rooted at logsDir
func NewFileActionLog(logsDir string) *FileActionLog {
	return &FileActionLog{logsDir: logsDir}
}

func (l *FileActionLog) LogAction(ctx context.Context, entry *ActionLogEntry) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if err := os.MkdirAll(l.logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal action log entry: %w", err)
	}
	file, err := os.OpenFile(l.logPath(entry.ExecutionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open action log: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write action log entry: %w", err)
	}
	return nil
}

func (l *FileActionLog) ActionHistory(ctx context.Context, executionID string) ([]*ActionLogEntry, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	data, err := os.ReadFile(l.logPath(executionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read action log: %w", err)
	}
	var entries []*ActionLogEntry
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var entry ActionLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action log entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileActionLog) logPath(executionID string) string {
	return filepath.Join(l.logsDir, executionID+".jsonl")
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
