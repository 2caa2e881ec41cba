// Package tablemeta holds the table, snapshot and block descriptors that
// maintenance plans carry from the storage engine to the sinks that rewrite
// table data.
package tablemeta

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/oklog/ulid/v2"
)

// TableInfo describes a target table.
type TableInfo struct {
	ID       uint64
	Database string
	Name     string
	Engine   string

	Schema      *arrow.Schema
	ClusterKeys []string
}

// QualifiedName returns the name of the table including its database.
func (t TableInfo) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Database, t.Name)
}

// Statistics summarises a set of blocks or segments.
type Statistics struct {
	RowCount          uint64
	BlockCount        uint64
	UncompressedBytes uint64
	CompressedBytes   uint64
	IndexBytes        uint64
}

// Merge adds other into s.
func (s *Statistics) Merge(other Statistics) {
	s.RowCount += other.RowCount
	s.BlockCount += other.BlockCount
	s.UncompressedBytes += other.UncompressedBytes
	s.CompressedBytes += other.CompressedBytes
	s.IndexBytes += other.IndexBytes
}

// ClusterStatistics are the min/max cluster key values of a block.
type ClusterStatistics struct {
	ClusterKeyID uint32
	Min          []string
	Max          []string
	Level        int32
}

// BlockMeta describes a single block inside a segment.
type BlockMeta struct {
	Location     string
	RowCount     uint64
	BlockSize    uint64
	FileSize     uint64
	ClusterStats *ClusterStatistics
}

// Snapshot is the table version a maintenance batch was planned against.
type Snapshot struct {
	ID       ulid.ULID
	Version  uint64
	Segments []string
	Summary  Statistics
}

// ReclusterTask is one unit of reclustering work: a set of blocks which are
// rewritten together into newly clustered blocks.
type ReclusterTask struct {
	Blocks     []BlockMeta
	Stats      Statistics
	TotalRows  uint64
	TotalBytes uint64
	Level      int32
}

// CompactPart is one unit of compaction work: blocks of adjacent segments
// that are merged into larger blocks.
type CompactPart struct {
	SegmentIndexes []int
	Blocks         []BlockMeta
}
