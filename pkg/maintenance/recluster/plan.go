package recluster

import (
	"fmt"

	"github.com/grafana/quarry/pkg/maintenance/compact"
	"github.com/grafana/quarry/pkg/planner/physical"
	"github.com/grafana/quarry/pkg/storage/tablemeta"
)

// BuildPhysicalPlan returns the plan executing one batch of tasks against
// snapshot of table. When isDistributed is set the tasks are read on every
// node and merged onto one node before they are committed.
func BuildPhysicalPlan(tasks Tasks, table tablemeta.TableInfo, snapshot *tablemeta.Snapshot, isDistributed bool) (physical.Node, error) {
	switch tasks := tasks.(type) {
	case *Recluster:
		var root physical.Node = &physical.ReclusterSource{
			Table: table,
			Tasks: tasks.Tasks,
		}
		if isDistributed {
			root = &physical.Exchange{
				Input:                  root,
				Kind:                   physical.ExchangeMerge,
				AllowAdjustParallelism: true,
			}
		}

		plan := &physical.ReclusterSink{
			Input:                 root,
			Table:                 table,
			Snapshot:              snapshot,
			RemainedBlocks:        tasks.RemainedBlocks,
			RemovedSegmentIndexes: tasks.RemovedSegmentIndexes,
			RemovedSegmentSummary: tasks.RemovedSegmentSummary,
		}
		var next uint32
		physical.AdjustPlanID(plan, &next)
		return plan, nil

	case *Compact:
		return compact.BuildPhysicalPlan(tasks.Parts, table, snapshot, isDistributed)

	default:
		return nil, fmt.Errorf("%w: unsupported maintenance tasks %T", physical.ErrInvalidPlan, tasks)
	}
}
