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

var logLevelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var (
	mu           sync.Mutex
	currentLevel = INFO
	sink         = &fileSink{}
)

// fileSink appends JSON log lines to a file, rotating by size and day.
type fileSink struct {
	file             *os.File
	filePath         string
	rotationEnabled  bool
	maxSizeBytes     int64
	maxAgeDays       int
	currentSize      int64
	lastRotationTime time.Time
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

func GetLevel() LogLevel {
	mu.Lock()
	defer mu.Unlock()
	return currentLevel
}

// EnableFileLogging starts mirroring log output to filePath as JSON lines.
// With rotation enabled the file rolls over at maxSizeMB or at day change,
// and rotated files older than maxAgeDays are removed.
func EnableFileLogging(filePath string, rotationEnabled bool, maxSizeMB, maxAgeDays int) error {
	mu.Lock()
	defer mu.Unlock()

	if strings.HasPrefix(filePath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			filePath = filepath.Join(home, filePath[2:])
		}
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	var currentSize int64
	if stat, statErr := file.Stat(); statErr == nil {
		currentSize = stat.Size()
	}

	if sink.file != nil {
		sink.file.Close()
	}

	sink.file = file
	sink.filePath = filePath
	sink.rotationEnabled = rotationEnabled
	sink.maxSizeBytes = int64(maxSizeMB) * 1024 * 1024
	sink.maxAgeDays = maxAgeDays
	sink.currentSize = currentSize
	sink.lastRotationTime = time.Now()

	log.Println("File logging enabled:", filePath)
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()

	if sink.file != nil {
		sink.file.Close()
		sink.file = nil
	}
}

func (s *fileSink) shouldRotate() bool {
	if !s.rotationEnabled {
		return false
	}
	if s.maxSizeBytes > 0 && s.currentSize >= s.maxSizeBytes {
		return true
	}
	if s.maxAgeDays > 0 {
		now := time.Now()
		if now.YearDay() != s.lastRotationTime.YearDay() || now.Year() != s.lastRotationTime.Year() {
			return true
		}
	}
	return false
}

func (s *fileSink) rotate() error {
	if s.file == nil {
		return nil
	}
	s.file.Close()

	rotatedPath := fmt.Sprintf("%s.%s", s.filePath, time.Now().Format("20060102-150405"))
	if err := os.Rename(s.filePath, rotatedPath); err != nil {
		if file, openErr := os.OpenFile(s.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); openErr == nil {
			s.file = file
		}
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	file, err := os.OpenFile(s.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create new log file: %w", err)
	}
	s.file = file
	s.currentSize = 0
	s.lastRotationTime = time.Now()

	go s.cleanOldRotatedFiles()
	return nil
}

func (s *fileSink) cleanOldRotatedFiles() {
	if s.maxAgeDays <= 0 {
		return
	}

	dir := filepath.Dir(s.filePath)
	baseName := filepath.Base(s.filePath)
	cutoff := time.Now().AddDate(0, 0, -s.maxAgeDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), baseName+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func logMessage(level LogLevel, component, message string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if level < currentLevel {
		return
	}

	entry := logEntry{
		Level:     logLevelNames[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if sink.file != nil {
		if sink.shouldRotate() {
			if err := sink.rotate(); err != nil {
				log.Printf("Failed to rotate log file: %v", err)
			}
		}
		if jsonData, err := json.Marshal(entry); err == nil {
			if n, writeErr := sink.file.WriteString(string(jsonData) + "\n"); writeErr == nil {
				sink.currentSize += int64(n)
			}
		}
	}

	var fieldStr string
	if len(fields) > 0 {
		fieldStr = " " + formatFields(fields)
	}

	log.Printf("[%s] [%s]%s %s%s",
		entry.Timestamp,
		logLevelNames[level],
		formatComponent(component),
		message,
		fieldStr,
	)

	if level == FATAL {
		os.Exit(1)
	}
}

func formatComponent(component string) string {
	if component == "" {
		return ""
	}
	return fmt.Sprintf(" %s:", component)
}

func formatFields(fields map[string]interface{}) string {
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}

func Debug(message string)             { logMessage(DEBUG, "", message, nil) }
func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func Info(message string)              { logMessage(INFO, "", message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func Warn(message string)              { logMessage(WARN, "", message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func Error(message string)             { logMessage(ERROR, "", message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }
func Fatal(message string)             { logMessage(FATAL, "", message, nil) }
func FatalC(component, message string) { logMessage(FATAL, component, message, nil) }

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
