// Package log holds the process wide logger.
package log

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process wide logger. It discards everything until
// InitLogger is called.
var Logger = log.NewNopLogger()

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// Config configures the process wide logger.
type Config struct {
	Level  dslog.Level `yaml:"level"`
	Format string      `yaml:"format"`
}

// RegisterFlags registers the log.level and log.format flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Level.RegisterFlags(f)
	f.StringVar(&cfg.Format, "log.format", FormatLogfmt, "Output log messages in the given format. Valid formats: [logfmt, json]")
}

// Validate returns an error if cfg is invalid.
func (cfg *Config) Validate() error {
	switch cfg.Format {
	case FormatLogfmt, FormatJSON:
		return nil
	}
	return fmt.Errorf("invalid log format %q", cfg.Format)
}

// NewLogger returns a logger writing to w.
func NewLogger(cfg Config, w io.Writer) log.Logger {
	var logger log.Logger
	if cfg.Format == FormatJSON {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	if cfg.Level.Option != nil {
		logger = level.NewFilter(logger, cfg.Level.Option)
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(3))
}

// InitLogger replaces Logger with one writing to stderr.
func InitLogger(cfg Config) log.Logger {
	Logger = NewLogger(cfg, os.Stderr)
	return Logger
}
