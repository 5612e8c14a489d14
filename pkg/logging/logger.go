// Package logging provides Halo's structured logger: a zerolog wrapper
// with one child logger per subsystem, constructed once at startup from
// CLI/config and handed out by component name. Grounded on the
// teacher's pkg/reporting/logger.go (same Logger/LoggerConfig/
// InitGlobalLogger shape, same console-vs-JSON output split).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the configured minimum severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects console (human-readable, dev mode) or JSON (production)
// output, matching the teacher's reporting package's text/json split.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config configures the root logger built at startup.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Components named per SPEC_FULL.md §A.1 — one child logger per
// subsystem, tagged via Str("component", ...).
const (
	ComponentProfiler = "profiler"
	ComponentBakeoff  = "bakeoff"
	ComponentTuner    = "tuner"
	ComponentSection  = "section"
	ComponentGroup    = "group"
	ComponentCompiler = "compiler"
	ComponentServer   = "server"
)

// Root is Halo's process-wide root logger, built by Init and handed out
// component-scoped via Component.
type Root struct {
	base zerolog.Logger
}

// Init builds the root logger from cfg and installs it as zerolog's
// global logger too, mirroring the teacher's InitGlobalLogger.
func Init(cfg Config) *Root {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	var out io.Writer = cfg.Output
	if cfg.Format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}
	base := zerolog.New(out).With().Timestamp().Logger().Level(zerologLevel(cfg.Level))
	log.Logger = base
	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))
	return &Root{base: base}
}

// Component returns the child logger for one named subsystem.
func (r *Root) Component(name string) zerolog.Logger {
	return r.base.With().Str("component", name).Logger()
}
