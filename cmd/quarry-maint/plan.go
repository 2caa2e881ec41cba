package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/quarry/pkg/maintenance/recluster"
	"github.com/grafana/quarry/pkg/planner/physical"
	"github.com/grafana/quarry/pkg/storage/tablemeta"
)

// taskFile describes one maintenance batch. Exactly one of Recluster and
// Compact is set.
type taskFile struct {
	Snapshot  *tablemeta.Snapshot  `json:"snapshot"`
	Recluster *recluster.Recluster `json:"recluster"`
	Compact   *recluster.Compact   `json:"compact"`
}

func (f *taskFile) tasks() (recluster.Tasks, error) {
	switch {
	case f.Recluster != nil && f.Compact != nil:
		return nil, errors.New("task file must not describe both recluster and compact tasks")
	case f.Recluster != nil:
		return f.Recluster, nil
	case f.Compact != nil:
		return f.Compact, nil
	}
	return nil, errors.New("task file describes no tasks")
}

// reclusterPlanCommand prints the physical plan of a maintenance batch.
type reclusterPlanCommand struct {
	out io.Writer

	file        string
	database    string
	table       string
	distributed bool
}

func addReclusterPlanCommand(app *kingpin.Application, out io.Writer) {
	cmd := &reclusterPlanCommand{out: out}
	c := app.Command("recluster-plan", "Print the physical plan of a recluster or compact batch.").Action(cmd.run)
	c.Arg("file", "JSON task file.").Required().ExistingFileVar(&cmd.file)
	c.Flag("database", "Database of the table.").Default("default").StringVar(&cmd.database)
	c.Flag("table", "Name of the table.").Required().StringVar(&cmd.table)
	c.Flag("distributed", "Plan the batch for distributed execution.").BoolVar(&cmd.distributed)
}

func (cmd *reclusterPlanCommand) run(_ *kingpin.ParseContext) error {
	buf, err := os.ReadFile(cmd.file)
	if err != nil {
		return err
	}
	var f taskFile
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(buf, &f); err != nil {
		return fmt.Errorf("parsing task file %s: %w", cmd.file, err)
	}
	tasks, err := f.tasks()
	if err != nil {
		return err
	}
	snapshot := f.Snapshot
	if snapshot == nil {
		snapshot = &tablemeta.Snapshot{}
	}

	table := tablemeta.TableInfo{Database: cmd.database, Name: cmd.table}
	plan, err := recluster.BuildPhysicalPlan(tasks, table, snapshot, cmd.distributed)
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.out, physical.PrintAsTree(plan))
	return err
}
