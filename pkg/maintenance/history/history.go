// Package history records completed table maintenance runs.
package history

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Record describes one maintenance run which rewrote table blocks.
type Record struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Tenant     string    `json:"tenant,omitempty"`
	Database   string    `json:"database"`
	Table      string    `json:"table"`
	BlockCount uint64    `json:"block_count"`
}

// Writer stores history records.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// LogWriter writes history records as log lines.
type LogWriter struct {
	logger log.Logger
}

// NewLogWriter returns a writer logging to logger.
func NewLogWriter(logger log.Logger) *LogWriter {
	return &LogWriter{logger: log.With(logger, "component", "maintenance_history")}
}

// Write implements [Writer].
func (w *LogWriter) Write(_ context.Context, rec Record) error {
	level.Info(w.logger).Log(
		"msg", "table maintenance finished",
		"tenant", rec.Tenant,
		"database", rec.Database,
		"table", rec.Table,
		"blocks", rec.BlockCount,
		"start", rec.Start.Format(time.RFC3339),
		"duration", rec.End.Sub(rec.Start),
	)
	return nil
}
