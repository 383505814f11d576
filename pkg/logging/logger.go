package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryWorkflow   Category = "workflow"
	CategorySecurity   Category = "security"
	CategoryBudget     Category = "budget"
	CategoryApproval   Category = "approval"
	CategoryEscalation Category = "escalation"
	CategoryModel      Category = "model"
	CategoryTool       Category = "tool"
	CategoryStorage    Category = "storage"
	CategoryServer     Category = "server"
)

// auditCategories are mirrored into the audit log for compliance review.
var auditCategories = map[Category]bool{
	CategoryApproval:   true,
	CategoryEscalation: true,
	CategorySecurity:   true,
}

// Event represents a structured log event
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Level      Level             `json:"level"`
	Category   Category          `json:"category"`
	EventType  string            `json:"type"`
	RequestID  string            `json:"request_id,omitempty"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// Logger writes structured JSONL events to multiple destinations
type Logger struct {
	service   string
	baseDir   string
	mainFile  *os.File
	errorFile *os.File
	auditFile *os.File
	mu        sync.Mutex
	minLevel  Level
}

// NewLogger creates a new structured logger rooted at baseDir.
// The main stream goes to <service>.jsonl; errors are mirrored to
// errors.jsonl and approval/escalation/security events to audit.jsonl.
func NewLogger(baseDir, service string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	mainFile, err := os.OpenFile(
		filepath.Join(baseDir, service+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open main log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		mainFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	auditFile, err := os.OpenFile(
		filepath.Join(baseDir, "audit.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		mainFile.Close()
		errorFile.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &Logger{
		service:   service,
		baseDir:   baseDir,
		mainFile:  mainFile,
		errorFile: errorFile,
		auditFile: auditFile,
		minLevel:  LevelInfo,
	}, nil
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Check min level
	if !l.shouldLog(event.Level) {
		return nil
	}

	// Marshal event
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	// Write to main log
	if l.mainFile != nil {
		if _, err := l.mainFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to main log: %w", err)
		}
	}

	// Write errors to error log
	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}

	// Mirror governance events to audit log
	if auditCategories[event.Category] && l.auditFile != nil {
		if _, err := l.auditFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to audit log: %w", err)
		}
	}

	return nil
}

// shouldLog checks if event should be logged based on level
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Helper methods for common log patterns

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelDebug,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelError,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.mainFile != nil {
		if err := l.mainFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.auditFile != nil {
		if err := l.auditFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// EventWriter adapts Logger to interfaces that take plain string
// categories, dropping the write error.
type EventWriter struct {
	L *Logger
}

func (w EventWriter) Warn(category, eventType, message string, details map[string]any) {
	if w.L == nil {
		return
	}
	_ = w.L.Warn(Category(category), eventType, message, details)
}

// ReadRecentEvents reads the last N events from a JSONL log
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var events []Event
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		events = append(events, event)
	}

	if len(events) > count {
		events = events[len(events)-count:]
	}
	return events, nil
}
