package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogFormat selects how entries are rendered
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// LogEntry is one rendered log line
type LogEntry struct {
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// sink is shared by a root logger and every logger derived from it
type sink struct {
	mu              sync.Mutex
	out             io.Writer
	format          LogFormat
	caller          bool
	clock           func() time.Time
	level           LogLevel
	componentLevels map[string]LogLevel
}

// StructuredLogger writes leveled entries with a component and context fields.
// Derived loggers share output and levels with their parent.
type StructuredLogger struct {
	sink      *sink
	component string
	fields    map[string]interface{}
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level           LogLevel
	Output          io.Writer
	Format          LogFormat
	IncludeCaller   bool
	ComponentLevels map[string]LogLevel
	Clock           func() time.Time
}

// DefaultStructuredLoggerConfig returns an INFO text logger on stdout
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
	}
}

// NewStructuredLogger creates a root logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Format != FormatText && config.Format != FormatJSON {
		return nil, fmt.Errorf("invalid log format: %d", config.Format)
	}

	s := &sink{
		out:             config.Output,
		format:          config.Format,
		caller:          config.IncludeCaller,
		clock:           config.Clock,
		level:           config.Level,
		componentLevels: make(map[string]LogLevel, len(config.ComponentLevels)),
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	for name, level := range config.ComponentLevels {
		s.componentLevels[name] = level
	}
	return &StructuredLogger{sink: s}, nil
}

// NewDefaultLogger returns an INFO-level text logger on stdout scoped to component.
func NewDefaultLogger(component string) *StructuredLogger {
	logger, _ := NewStructuredLogger(DefaultStructuredLoggerConfig())
	return logger.WithComponent(component)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	logger, _ := NewStructuredLogger(&StructuredLoggerConfig{Level: FATAL + 1, Output: io.Discard})
	return logger
}

func (sl *StructuredLogger) derive(component string, extra map[string]interface{}) *StructuredLogger {
	fields := make(map[string]interface{}, len(sl.fields)+len(extra))
	for k, v := range sl.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &StructuredLogger{sink: sl.sink, component: component, fields: fields}
}

// WithField returns a logger that adds key to every entry
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.derive(sl.component, map[string]interface{}{key: value})
}

// WithFields returns a logger that adds fields to every entry
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	return sl.derive(sl.component, fields)
}

// WithComponent returns a logger scoped to component. Component levels apply to it.
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.derive(component, nil)
}

// Component returns the component this logger is scoped to
func (sl *StructuredLogger) Component() string {
	return sl.component
}

// SetComponentLevel overrides the level of one component for the whole logger tree
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	sl.sink.componentLevels[component] = level
}

// SetLevel sets the level for components without an override
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	sl.sink.level = level
}

// GetLevel returns the effective level of this logger's component
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	return sl.levelLocked()
}

func (sl *StructuredLogger) levelLocked() LogLevel {
	if level, ok := sl.sink.componentLevels[sl.component]; ok && sl.component != "" {
		return level
	}
	return sl.sink.level
}

// Enabled reports whether entries at level would be written
func (sl *StructuredLogger) Enabled(level LogLevel) bool {
	return level >= sl.GetLevel()
}

func (sl *StructuredLogger) log(level LogLevel, message string, fields map[string]interface{}) {
	if !sl.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: sl.sink.clock(),
		Level:     level.String(),
		Component: sl.component,
		Message:   message,
	}
	if n := len(sl.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]interface{}, n)
		for k, v := range sl.fields {
			entry.Fields[k] = v
		}
		for k, v := range fields {
			entry.Fields[k] = v
		}
	}
	if sl.sink.caller {
		// log <- logAt <- Info/Warn/... <- caller
		if _, file, line, ok := runtime.Caller(3); ok {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	var line []byte
	if sl.sink.format == FormatJSON {
		var err error
		if line, err = json.Marshal(entry); err != nil {
			line = []byte(formatText(entry))
		} else {
			line = append(line, '\n')
		}
	} else {
		line = []byte(formatText(entry))
	}

	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	_, _ = sl.sink.out.Write(line)
}

// formatText renders "2006-01-02 15:04:05.000 [LEVEL] component: message {k=v, ...}"
func formatText(entry LogEntry) string {
	var sb strings.Builder
	sb.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(entry.Level)
	sb.WriteString("] ")
	if entry.Caller != "" {
		sb.WriteString("[" + entry.Caller + "] ")
	}
	if entry.Component != "" {
		sb.WriteString(entry.Component + ": ")
	}
	sb.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, entry.Fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return sb.String()
}

func (sl *StructuredLogger) logAt(level LogLevel, message string, fieldMaps []map[string]interface{}) {
	var fields map[string]interface{}
	if len(fieldMaps) > 0 {
		fields = fieldMaps[0]
	}
	sl.log(level, message, fields)
}

// Trace logs at TRACE
func (sl *StructuredLogger) Trace(message string, fields ...map[string]interface{}) {
	sl.logAt(TRACE, message, fields)
}

// Debug logs at DEBUG
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.logAt(DEBUG, message, fields)
}

// Info logs at INFO
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.logAt(INFO, message, fields)
}

// Warn logs at WARN
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.logAt(WARN, message, fields)
}

// Error logs at ERROR
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.logAt(ERROR, message, fields)
}
