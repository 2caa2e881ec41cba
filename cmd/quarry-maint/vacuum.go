package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/coder/quartz"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/quarry/pkg/maintenance/vacuum"
	"github.com/grafana/quarry/pkg/storage/client"
	util_log "github.com/grafana/quarry/pkg/util/log"
)

// vacuumCommand removes expired temporary query files.
type vacuumCommand struct {
	configFile *string
	out        io.Writer

	namespace string
	retention time.Duration
	limit     int
}

func addVacuumCommand(app *kingpin.Application, configFile *string, out io.Writer) {
	cmd := &vacuumCommand{configFile: configFile, out: out}
	c := app.Command("vacuum", "Remove expired temporary query files.").Action(cmd.run)
	c.Flag("namespace", "Namespace holding the temporary files.").Required().StringVar(&cmd.namespace)
	c.Flag("retention", "Age after which temporary files are removed.").Default(vacuum.DefaultRetention.String()).DurationVar(&cmd.retention)
	c.Flag("limit", "Maximum number of files to remove. Negative removes every expired file.").Default("-1").IntVar(&cmd.limit)
}

func (cmd *vacuumCommand) run(_ *kingpin.ParseContext) error {
	cfg, err := loadConfig(*cmd.configFile)
	if err != nil {
		return err
	}
	logger := util_log.InitLogger(cfg.Log)

	reg := prometheus.NewRegistry()
	objClient, err := client.NewObjectClient(cfg.Storage, "vacuum", reg, logger)
	if err != nil {
		return fmt.Errorf("creating object client: %w", err)
	}

	v := vacuum.New(objClient, quartz.NewReal(), reg, logger)
	removed, err := v.Sweep(context.Background(), cmd.namespace, &cmd.retention, cmd.limit)
	if err != nil {
		level.Error(logger).Log("msg", "vacuum failed", "namespace", cmd.namespace, "removed", removed, "err", err)
		return err
	}
	fmt.Fprintf(cmd.out, "removed %d temporary files from %s\n", removed, cmd.namespace)
	return nil
}
