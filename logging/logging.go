// Package logging wires the process log and the block-event log to
// size-rotated files.
package logging

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds rotation settings for one log file.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Filename   string `json:"filename"`
	MaxSize    int    `json:"max_size"`    // MB before rotation
	MaxBackups int    `json:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age"`     // days rotated files kept
	Compress   bool   `json:"compress"`
}

// SetupRotation returns a rotating writer for the process log, or stdout
// when rotation is disabled.
func SetupRotation(config Config) io.Writer {
	if !config.Enabled {
		return os.Stdout
	}

	if config.MaxSize == 0 {
		config.MaxSize = 100
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = 3
	}
	if config.MaxAge == 0 {
		config.MaxAge = 28
	}

	logger := &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	log.Printf("Log rotation enabled: %s (max_size=%dMB, max_backups=%d, max_age=%dd, compress=%v)",
		config.Filename, config.MaxSize, config.MaxBackups, config.MaxAge, config.Compress)

	return logger
}

// MultiWriter writes to both stdout and the given file writer.
func MultiWriter(file io.Writer) io.Writer {
	return io.MultiWriter(os.Stdout, file)
}

// EventLog appends JSON lines to a rotated file. Used for block events
// so abuse history survives process log rotation and stays machine
// readable.
type EventLog struct {
	mu  sync.Mutex
	enc *json.Encoder
	out io.WriteCloser
}

// NewEventLog opens a rotated JSON-lines event log at path.
func NewEventLog(path string, cfg Config) *EventLog {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 50
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 30
	}

	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	return &EventLog{enc: json.NewEncoder(out), out: out}
}

// Record appends one event. Encoding failures are logged, never fatal.
func (l *EventLog) Record(event any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enc.Encode(event); err != nil {
		log.Printf("Event log write failed: %v", err)
	}
}

// Close flushes and closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
