package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var (
	mu           sync.RWMutex
	currentLevel = INFO
	sink         *fileSink
)

// fileSink mirrors every entry as a JSON line into a log file,
// rotating by size when a limit is configured.
type fileSink struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxBytes int64
	size     int64
}

type logEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// EnableFileLogging mirrors log output to filePath as JSON lines.
// maxSizeMB of 0 disables rotation.
func EnableFileLogging(filePath string, maxSizeMB int) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if stat, statErr := file.Stat(); statErr == nil {
		size = stat.Size()
	}

	mu.Lock()
	defer mu.Unlock()
	if sink != nil && sink.file != nil {
		sink.file.Close()
	}
	sink = &fileSink{
		file:     file,
		path:     filePath,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		size:     size,
	}
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil && sink.file != nil {
		sink.file.Close()
	}
	sink = nil
}

func (s *fileSink) write(entry logEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 && s.size >= s.maxBytes {
		s.rotateLocked()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if n, werr := s.file.WriteString(string(data) + "\n"); werr == nil {
		s.size += int64(n)
	}
}

func (s *fileSink) rotateLocked() {
	s.file.Close()
	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().Format("20060102-150405"))
	if err := os.Rename(s.path, rotated); err != nil {
		// Keep appending to the old handle's path; best effort.
		if f, openErr := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); openErr == nil {
			s.file = f
		}
		return
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.file = f
	s.size = 0
}

func logMessage(level LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	lvl := currentLevel
	s := sink
	mu.RUnlock()

	if level < lvl {
		return
	}

	entry := logEntry{
		Level:     levelNames[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if s != nil {
		s.write(entry)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] [%s]", entry.Timestamp, entry.Level))
	if component != "" {
		b.WriteString(" " + component + ":")
	}
	b.WriteString(" " + message)
	if len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for k, v := range fields {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		b.WriteString(" {" + strings.Join(parts, ", ") + "}")
	}
	log.Println(b.String())

	if level == FATAL {
		os.Exit(1)
	}
}

func Debug(message string)                  { logMessage(DEBUG, "", message, nil) }
func DebugC(component, message string)      { logMessage(DEBUG, component, message, nil) }
func Info(message string)                   { logMessage(INFO, "", message, nil) }
func InfoC(component, message string)       { logMessage(INFO, component, message, nil) }
func Warn(message string)                   { logMessage(WARN, "", message, nil) }
func WarnC(component, message string)       { logMessage(WARN, component, message, nil) }
func Error(message string)                  { logMessage(ERROR, "", message, nil) }
func ErrorC(component, message string)      { logMessage(ERROR, component, message, nil) }
func Fatal(message string)                  { logMessage(FATAL, "", message, nil) }
func FatalC(component, message string)      { logMessage(FATAL, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

func FatalCF(component, message string, fields map[string]interface{}) {
	logMessage(FATAL, component, message, fields)
}
