// Package logging provides component-scoped, colorized console loggers
// shared across the coordination core's subsystems.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the interface consumed by the rest of the core. Kept narrow so
// callers never depend on the concrete color implementation.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// ComponentLoggerConfig configures a single component logger.
type ComponentLoggerConfig struct {
	ComponentName string
	Color         *color.Color
	EnabledLevels map[Level]bool
	Output        io.Writer
}

func defaultEnabledLevels() map[Level]bool {
	return map[Level]bool{
		LevelDebug: false,
		LevelInfo:  true,
		LevelWarn:  true,
		LevelError: true,
	}
}

// ComponentLogger writes level-tagged, colorized lines for one subsystem.
type ComponentLogger struct {
	name    string
	color   *color.Color
	enabled map[Level]bool
	out     io.Writer
	mu      sync.Mutex
}

// NewComponentLogger creates a logger for the named component with sensible
// defaults (info and above enabled, stderr output, component-derived color).
func NewComponentLogger(component string) *ComponentLogger {
	return NewComponentLoggerConfig(ComponentLoggerConfig{ComponentName: component})
}

// NewComponentLoggerConfig creates a logger from an explicit configuration.
func NewComponentLoggerConfig(cfg ComponentLoggerConfig) *ComponentLogger {
	if cfg.EnabledLevels == nil {
		cfg.EnabledLevels = defaultEnabledLevels()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Color == nil {
		cfg.Color = colorForComponent(cfg.ComponentName)
	}
	return &ComponentLogger{
		name:    cfg.ComponentName,
		color:   cfg.Color,
		enabled: cfg.EnabledLevels,
		out:     cfg.Output,
	}
}

func colorForComponent(name string) *color.Color {
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	palette := []*color.Color{
		color.New(color.FgCyan),
		color.New(color.FgMagenta),
		color.New(color.FgBlue),
		color.New(color.FgGreen),
	}
	return palette[sum%len(palette)]
}

func levelColor(l Level) *color.Color {
	switch l {
	case LevelDebug:
		return color.New(color.FgHiBlack)
	case LevelWarn:
		return color.New(color.FgYellow)
	case LevelError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.Reset)
	}
}

func (c *ComponentLogger) log(level Level, format string, args ...any) {
	if !c.enabled[level] {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().Format("15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	prefix := fmt.Sprintf("%s [%s] ", ts, level.String())
	tag := c.color.Sprintf("[%s]", c.name)
	line := levelColor(level).Sprint(prefix) + tag + " " + msg + "\n"
	_, _ = io.WriteString(c.out, line)
}

func (c *ComponentLogger) Debug(format string, args ...any) { c.log(LevelDebug, format, args...) }
func (c *ComponentLogger) Info(format string, args ...any)  { c.log(LevelInfo, format, args...) }
func (c *ComponentLogger) Warn(format string, args ...any)  { c.log(LevelWarn, format, args...) }
func (c *ComponentLogger) Error(format string, args ...any) { c.log(LevelError, format, args...) }

// SetLevelEnabled toggles a level at runtime, e.g. to turn on debug logging
// for a single subsystem without recompiling.
func (c *ComponentLogger) SetLevelEnabled(level Level, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[level] = enabled
}

// Factory hands out named, memoized component loggers.
type Factory struct {
	mu      sync.Mutex
	loggers map[string]*ComponentLogger
}

// NewFactory creates an empty logger factory.
func NewFactory() *Factory {
	return &Factory{loggers: make(map[string]*ComponentLogger)}
}

// GetLogger returns the logger for component, creating it on first use.
func (f *Factory) GetLogger(component string) *ComponentLogger {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.loggers[component]; ok {
		return l
	}
	l := NewComponentLogger(component)
	f.loggers[component] = l
	return l
}

var defaultFactory = NewFactory()

// Get returns the process-wide logger for component.
func Get(component string) *ComponentLogger {
	return defaultFactory.GetLogger(component)
}
