package recluster

import (
	"github.com/grafana/quarry/pkg/storage/tablemeta"
)

// Tasks is the work of one maintenance batch. It is either [Recluster] or
// [Compact].
type Tasks interface {
	// Len returns the number of work units.
	Len() int

	isTasks()
}

// Recluster rewrites the blocks of Tasks into newly clustered blocks and
// replaces the segments listed in RemovedSegmentIndexes. RemainedBlocks are
// the blocks of removed segments that are kept as they are.
type Recluster struct {
	Tasks                 []tablemeta.ReclusterTask
	RemainedBlocks        []tablemeta.BlockMeta
	RemovedSegmentIndexes []int
	RemovedSegmentSummary tablemeta.Statistics
}

// Compact merges small blocks when the table cannot be reclustered.
type Compact struct {
	Parts []tablemeta.CompactPart
}

func (t *Recluster) Len() int { return len(t.Tasks) }
func (t *Compact) Len() int   { return len(t.Parts) }

func (*Recluster) isTasks() {}
func (*Compact) isTasks()   {}
