// Package logger records controller telemetry to rotating CSV files.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

// Logger records timestamped status frames to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`

	// MaxRows overrides the rotation size; zero keeps the default.
	MaxRows int              `yaml:"-" json:"-"`
	Now     func() time.Time `yaml:"-" json:"-"`
}

const (
	maxRowsPerFile = 100_000 // ~2.7 hrs at 10 Hz
	minInterval    = 10 * time.Millisecond
)

var csvHeader = []string{
	"timestamp", "backend", "tick", "error_flags",
	"temp1_c", "temp2_c", "main_batt_v", "logic_batt_v",
	"m1_pwm", "m2_pwm", "m1_current_a", "m2_current_a",
	"m1_encoder", "m2_encoder", "m1_speed", "m2_speed",
	"m1_speed_error", "m2_speed_error",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/clawtune"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < minInterval {
		interval = 100 * time.Millisecond
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = maxRowsPerFile
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  cfg.MaxRows,
		now:      cfg.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a status frame if the minimum interval has elapsed.
func (l *Logger) Record(backend string, st roboclaw.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := l.now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, backend, st)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	// Nanoseconds keep names unique when rotating within one second.
	filename := fmt.Sprintf("clawtune_%s.csv", now.Format("2006-01-02_150405.000000000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, backend string, s roboclaw.Status) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		backend,
		strconv.FormatUint(uint64(s.Tick), 10),
		fmt.Sprintf("0x%08X", s.ErrorFlags),
		fmt.Sprintf("%.1f", s.Temp1),
		fmt.Sprintf("%.1f", s.Temp2),
		fmt.Sprintf("%.1f", s.MainBattery),
		fmt.Sprintf("%.1f", s.LogicBatt),
		strconv.Itoa(int(s.M1PWM)),
		strconv.Itoa(int(s.M2PWM)),
		fmt.Sprintf("%.2f", s.M1Current),
		fmt.Sprintf("%.2f", s.M2Current),
		strconv.FormatUint(uint64(s.M1Encoder), 10),
		strconv.FormatUint(uint64(s.M2Encoder), 10),
		strconv.Itoa(int(s.M1Speed)),
		strconv.Itoa(int(s.M2Speed)),
		strconv.Itoa(int(s.M1SpeedError)),
		strconv.Itoa(int(s.M2SpeedError)),
	}
}
