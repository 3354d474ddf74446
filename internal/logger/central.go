package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "time/tzdata" // for -timezone on hosts without zoneinfo
)

// CentralLogger owns the output handlers and hands out module loggers with
// the level configured for them.
type CentralLogger struct {
	handler slog.Handler
	levels  map[string]slog.Level
	def     slog.Level

	mu   sync.Mutex
	file *os.File
}

var (
	globalMu sync.Mutex
	global   *CentralLogger
)

// SetGlobal installs cl as the logger returned by Global.
func SetGlobal(cl *CentralLogger) {
	globalMu.Lock()
	global = cl
	globalMu.Unlock()
}

// Global returns the installed CentralLogger. Before SetGlobal it is an
// info-level console logger.
func Global() *CentralLogger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = &CentralLogger{
			handler: textHandler(os.Stdout, slog.LevelInfo),
			def:     slog.LevelInfo,
		}
	}
	return global
}

// NewCentralLogger opens the outputs described by cfg. Missing sections
// are filled with defaults, so a zero config logs to the console at info.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	return newCentralLogger(cfg, os.Stdout)
}

func newCentralLogger(cfg *LoggingConfig, console io.Writer) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logger: nil logging config")
	}
	applyConfigDefaults(cfg)

	tz, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	cl := &CentralLogger{
		def:    Level(cfg.DefaultLevel).slog(),
		levels: make(map[string]slog.Level, len(cfg.ModuleLevels)),
	}
	for module, lvl := range cfg.ModuleLevels {
		cl.levels[module] = Level(lvl).slog()
	}

	var outputs fanout
	if cfg.Console.Enabled {
		outputs = append(outputs, textHandler(console, Level(cfg.Console.Level).slog()))
	}
	if fo := cfg.FileOutput; fo != nil && fo.Enabled {
		f, err := openLogFile(fo.Path)
		if err != nil {
			return nil, err
		}
		cl.file = f
		outputs = append(outputs, jsonHandler(f, Level(fo.Level).slog(), tz))
	}

	switch len(outputs) {
	case 0:
		cl.handler = textHandler(console, cl.def)
	case 1:
		cl.handler = outputs[0]
	default:
		cl.handler = outputs
	}
	return cl, nil
}

func loadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("logger: timezone %q: %w", name, err)
	}
	return tz, nil
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("logger: create %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", path, err)
	}
	return f, nil
}

// Module returns a logger for name at its configured level.
func (cl *CentralLogger) Module(name string) Logger {
	floor, ok := cl.levels[name]
	if !ok {
		floor = cl.def
	}
	return &moduleLogger{handler: cl.handler, name: name, floor: floor}
}

// Flush syncs the log file, if one is open.
func (cl *CentralLogger) Flush() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	return cl.file.Sync()
}

// Close closes the log file. Records logged afterwards to it are lost.
func (cl *CentralLogger) Close() error {
	if cl == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := cl.file.Close()
	cl.file = nil
	return err
}
