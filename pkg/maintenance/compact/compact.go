// Package compact builds physical plans merging small blocks of a table into
// larger ones.
package compact

import (
	"errors"

	"github.com/grafana/quarry/pkg/planner/physical"
	"github.com/grafana/quarry/pkg/storage/tablemeta"
)

// ErrNoParts is returned when there is nothing to compact.
var ErrNoParts = errors.New("no compaction parts")

// BuildPhysicalPlan returns the plan compacting parts of table. The plan reads
// the parts, merges them onto one node when isDistributed is set and commits
// the result against snapshot. Plan ids are assigned in pre-order from 0.
func BuildPhysicalPlan(parts []tablemeta.CompactPart, table tablemeta.TableInfo, snapshot *tablemeta.Snapshot, isDistributed bool) (physical.Node, error) {
	if len(parts) == 0 {
		return nil, ErrNoParts
	}

	var root physical.Node = &physical.CompactSource{
		Table: table,
		Parts: parts,
	}
	if isDistributed {
		root = &physical.Exchange{
			Input:                  root,
			Kind:                   physical.ExchangeMerge,
			AllowAdjustParallelism: true,
		}
	}

	plan := &physical.CommitSink{
		Input:    root,
		Table:    table,
		Snapshot: snapshot,
		Kind:     physical.CommitCompact,
		Parts:    parts,
	}

	var next uint32
	physical.AdjustPlanID(plan, &next)
	return plan, nil
}
