package physical

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/oklog/ulid/v2"

	"github.com/grafana/quarry/pkg/storage/tablemeta"
)

// NodeType represents the kind of a [Node] in a physical plan.
type NodeType uint32

const (
	_ NodeType = iota // zero-value is an invalid type

	NodeTypeTableScan
	NodeTypeConstantTableScan
	NodeTypeCteScan
	NodeTypeExchangeSource
	NodeTypeCompactSource
	NodeTypeReclusterSource

	NodeTypeFilter
	NodeTypeEvalScalar
	NodeTypeAggregatePartial
	NodeTypeAggregateFinal
	NodeTypeWindow
	NodeTypeSort
	NodeTypeLimit
	NodeTypeRowFetch
	NodeTypeUdf
	NodeTypeShuffle
	NodeTypeChunkCastSchema
	NodeTypeChunkFillAndReorder
	NodeTypeChunkMerge
	NodeTypeExchangeSink
	NodeTypeCommitSink
	NodeTypeReclusterSink

	NodeTypeUnionAll
	NodeTypeHashJoin
	NodeTypeRangeJoin

	NodeTypeMaterializedCte

	NodeTypeExchange

	numNodeTypes
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeTableScan:           "TableScan",
	NodeTypeConstantTableScan:   "ConstantTableScan",
	NodeTypeCteScan:             "CteScan",
	NodeTypeExchangeSource:      "ExchangeSource",
	NodeTypeCompactSource:       "CompactSource",
	NodeTypeReclusterSource:     "ReclusterSource",
	NodeTypeFilter:              "Filter",
	NodeTypeEvalScalar:          "EvalScalar",
	NodeTypeAggregatePartial:    "AggregatePartial",
	NodeTypeAggregateFinal:      "AggregateFinal",
	NodeTypeWindow:              "Window",
	NodeTypeSort:                "Sort",
	NodeTypeLimit:               "Limit",
	NodeTypeRowFetch:            "RowFetch",
	NodeTypeUdf:                 "Udf",
	NodeTypeShuffle:             "Shuffle",
	NodeTypeChunkCastSchema:     "ChunkCastSchema",
	NodeTypeChunkFillAndReorder: "ChunkFillAndReorder",
	NodeTypeChunkMerge:          "ChunkMerge",
	NodeTypeExchangeSink:        "ExchangeSink",
	NodeTypeCommitSink:          "CommitSink",
	NodeTypeReclusterSink:       "ReclusterSink",
	NodeTypeUnionAll:            "UnionAll",
	NodeTypeHashJoin:            "HashJoin",
	NodeTypeRangeJoin:           "RangeJoin",
	NodeTypeMaterializedCte:     "MaterializedCte",
	NodeTypeExchange:            "Exchange",
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("NodeType(%d)", uint32(t))
}

// AllNodeTypes returns every valid node type.
func AllNodeTypes() []NodeType {
	types := make([]NodeType, 0, numNodeTypes-1)
	for t := NodeTypeTableScan; t < numNodeTypes; t++ {
		types = append(types, t)
	}
	return types
}

// Node represents a single operation in a physical execution plan. The set of
// implementations is closed: every node type is declared in this package.
type Node interface {
	// ID returns the plan identifier of the node. Identifiers are assigned
	// with [AdjustPlanID].
	ID() uint32
	// Type returns the kind of the node.
	Type() NodeType
	// Children returns the inputs of the node in evaluation order.
	Children() []Node

	setID(uint32)
}

type planID struct {
	id uint32
}

func (p *planID) ID() uint32       { return p.id }
func (p *planID) setID(id uint32)  { p.id = id }
func (*planID) Children() []Node   { return nil }
func single(input Node) []Node     { return []Node{input} }
func pair(left, right Node) []Node { return []Node{left, right} }

// ExchangeKind describes how rows are redistributed across an exchange.
type ExchangeKind uint8

const (
	// ExchangeMerge collects all partitions onto a single node.
	ExchangeMerge ExchangeKind = iota
	// ExchangeShuffle hash-partitions rows by the exchange keys.
	ExchangeShuffle
	// ExchangeBroadcast sends every row to every node.
	ExchangeBroadcast
)

func (k ExchangeKind) String() string {
	switch k {
	case ExchangeMerge:
		return "Merge"
	case ExchangeShuffle:
		return "Shuffle"
	case ExchangeBroadcast:
		return "Broadcast"
	default:
		return fmt.Sprintf("ExchangeKind(%d)", uint8(k))
	}
}

// JoinType is the type of a join.
type JoinType uint8

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinSemi
	JoinAnti
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "Inner"
	case JoinLeft:
		return "Left"
	case JoinRight:
		return "Right"
	case JoinSemi:
		return "Semi"
	case JoinAnti:
		return "Anti"
	default:
		return fmt.Sprintf("JoinType(%d)", uint8(t))
	}
}

// CommitKind describes the mutation a [CommitSink] applies to a table.
type CommitKind uint8

const (
	CommitInsert CommitKind = iota
	CommitCompact
)

func (k CommitKind) String() string {
	switch k {
	case CommitInsert:
		return "Insert"
	case CommitCompact:
		return "Compact"
	default:
		return fmt.Sprintf("CommitKind(%d)", uint8(k))
	}
}

// SortKey is a single ordering expression.
type SortKey struct {
	Expr       Expression
	Ascending  bool
	NullsFirst bool
}

func (k SortKey) String() string {
	dir := "DESC"
	if k.Ascending {
		dir = "ASC"
	}
	return fmt.Sprintf("%s %s", k.Expr, dir)
}

// AggregateCall is an aggregate function call.
type AggregateCall struct {
	Func string
	Args []Expression
}

func (c AggregateCall) String() string {
	return fmt.Sprintf("%s(%s)", c.Func, joinExprs(c.Args))
}

// TableScan reads the partitions of a table.
type TableScan struct {
	planID

	Table      tablemeta.TableInfo
	Columns    []string
	Partitions int
	PushDown   []Expression
}

func (*TableScan) Type() NodeType { return NodeTypeTableScan }

// ConstantTableScan emits a fixed set of records.
type ConstantTableScan struct {
	planID

	Schema  *arrow.Schema
	Records []arrow.Record
}

func (*ConstantTableScan) Type() NodeType { return NodeTypeConstantTableScan }

// CteScan reads the materialization of the CTE with the given index.
type CteScan struct {
	planID

	CTEIndex uint32
	Schema   *arrow.Schema
}

func (*CteScan) Type() NodeType { return NodeTypeCteScan }

// ExchangeSource receives the rows sent by the [ExchangeSink] sharing its
// stream. Kind and AllowAdjustParallelism match the sink.
type ExchangeSource struct {
	planID

	StreamID               ulid.ULID
	Schema                 *arrow.Schema
	Kind                   ExchangeKind
	AllowAdjustParallelism bool
}

func (*ExchangeSource) Type() NodeType { return NodeTypeExchangeSource }

// CompactSource reads the blocks of the given compaction parts.
type CompactSource struct {
	planID

	Table tablemeta.TableInfo
	Parts []tablemeta.CompactPart
}

func (*CompactSource) Type() NodeType { return NodeTypeCompactSource }

// ReclusterSource reads the blocks of the given recluster tasks.
type ReclusterSource struct {
	planID

	Table tablemeta.TableInfo
	Tasks []tablemeta.ReclusterTask
}

func (*ReclusterSource) Type() NodeType { return NodeTypeReclusterSource }

// Filter drops rows for which any predicate is false.
type Filter struct {
	planID

	Input      Node
	Predicates []Expression
}

func (*Filter) Type() NodeType     { return NodeTypeFilter }
func (n *Filter) Children() []Node { return single(n.Input) }

// EvalScalar evaluates scalar expressions and appends the results as columns.
type EvalScalar struct {
	planID

	Input Node
	Exprs []Expression
}

func (*EvalScalar) Type() NodeType     { return NodeTypeEvalScalar }
func (n *EvalScalar) Children() []Node { return single(n.Input) }

// AggregatePartial computes partial aggregation states per partition.
type AggregatePartial struct {
	planID

	Input      Node
	GroupBy    []Expression
	Aggregates []AggregateCall
}

func (*AggregatePartial) Type() NodeType     { return NodeTypeAggregatePartial }
func (n *AggregatePartial) Children() []Node { return single(n.Input) }

// AggregateFinal merges partial aggregation states.
type AggregateFinal struct {
	planID

	Input      Node
	GroupBy    []Expression
	Aggregates []AggregateCall
}

func (*AggregateFinal) Type() NodeType     { return NodeTypeAggregateFinal }
func (n *AggregateFinal) Children() []Node { return single(n.Input) }

// Window evaluates a window function.
type Window struct {
	planID

	Input       Node
	Function    AggregateCall
	PartitionBy []Expression
	OrderBy     []SortKey
}

func (*Window) Type() NodeType     { return NodeTypeWindow }
func (n *Window) Children() []Node { return single(n.Input) }

// Sort orders its input. A non-zero Limit keeps only the first rows.
type Sort struct {
	planID

	Input   Node
	OrderBy []SortKey
	Limit   uint32
}

func (*Sort) Type() NodeType     { return NodeTypeSort }
func (n *Sort) Children() []Node { return single(n.Input) }

// Limit skips and fetches rows of its input. A Fetch of zero means no upper
// bound.
type Limit struct {
	planID

	Input Node
	Skip  uint32
	Fetch uint32
}

func (*Limit) Type() NodeType     { return NodeTypeLimit }
func (n *Limit) Children() []Node { return single(n.Input) }

// RowFetch looks up additional columns of rows identified by row ids.
type RowFetch struct {
	planID

	Input   Node
	Table   tablemeta.TableInfo
	Columns []string
}

func (*RowFetch) Type() NodeType     { return NodeTypeRowFetch }
func (n *RowFetch) Children() []Node { return single(n.Input) }

// Udf applies user defined functions.
type Udf struct {
	planID

	Input     Node
	Functions []string
}

func (*Udf) Type() NodeType     { return NodeTypeUdf }
func (n *Udf) Children() []Node { return single(n.Input) }

// Shuffle redistributes rows across the parallel outputs of a pipeline.
type Shuffle struct {
	planID

	Input Node
	Keys  []Expression
}

func (*Shuffle) Type() NodeType     { return NodeTypeShuffle }
func (n *Shuffle) Children() []Node { return single(n.Input) }

// ChunkCastSchema casts chunks of a write into the target schema.
type ChunkCastSchema struct {
	planID

	Input  Node
	Schema *arrow.Schema
}

func (*ChunkCastSchema) Type() NodeType     { return NodeTypeChunkCastSchema }
func (n *ChunkCastSchema) Children() []Node { return single(n.Input) }

// ChunkFillAndReorder fills default columns and reorders chunks to the table
// layout.
type ChunkFillAndReorder struct {
	planID

	Input Node
	Table tablemeta.TableInfo
}

func (*ChunkFillAndReorder) Type() NodeType     { return NodeTypeChunkFillAndReorder }
func (n *ChunkFillAndReorder) Children() []Node { return single(n.Input) }

// ChunkMerge merges the chunks of a write group.
type ChunkMerge struct {
	planID

	Input   Node
	GroupID uint64
}

func (*ChunkMerge) Type() NodeType     { return NodeTypeChunkMerge }
func (n *ChunkMerge) Children() []Node { return single(n.Input) }

// ExchangeSink sends its input to the [ExchangeSource] sharing its stream.
type ExchangeSink struct {
	planID

	Input    Node
	StreamID ulid.ULID
	Kind     ExchangeKind
	// Keys partition the rows of shuffle exchanges.
	Keys                   []Expression
	AllowAdjustParallelism bool
}

func (*ExchangeSink) Type() NodeType     { return NodeTypeExchangeSink }
func (n *ExchangeSink) Children() []Node { return single(n.Input) }

// CommitSink writes its input into a table and commits a new snapshot.
type CommitSink struct {
	planID

	Input    Node
	Table    tablemeta.TableInfo
	Snapshot *tablemeta.Snapshot
	Kind     CommitKind
	// Parts are the compaction parts replaced by the commit.
	Parts []tablemeta.CompactPart
}

func (*CommitSink) Type() NodeType     { return NodeTypeCommitSink }
func (n *CommitSink) Children() []Node { return single(n.Input) }

// ReclusterSink writes reclustered blocks and commits a snapshot replacing the
// removed segments.
type ReclusterSink struct {
	planID

	Input                 Node
	Table                 tablemeta.TableInfo
	Snapshot              *tablemeta.Snapshot
	RemainedBlocks        []tablemeta.BlockMeta
	RemovedSegmentIndexes []int
	RemovedSegmentSummary tablemeta.Statistics
}

func (*ReclusterSink) Type() NodeType     { return NodeTypeReclusterSink }
func (n *ReclusterSink) Children() []Node { return single(n.Input) }

// UnionAll concatenates the rows of both inputs.
type UnionAll struct {
	planID

	Left, Right Node
}

func (*UnionAll) Type() NodeType     { return NodeTypeUnionAll }
func (n *UnionAll) Children() []Node { return pair(n.Left, n.Right) }

// HashJoin builds a hash table from Build and probes it with Probe.
type HashJoin struct {
	planID

	Build, Probe Node
	BuildKeys    []Expression
	ProbeKeys    []Expression
	JoinType     JoinType
	ProbeSchema  *arrow.Schema
}

func (*HashJoin) Type() NodeType     { return NodeTypeHashJoin }
func (n *HashJoin) Children() []Node { return pair(n.Build, n.Probe) }

// RangeJoin joins rows of Left and Right on inequality conditions.
type RangeJoin struct {
	planID

	Left, Right Node
	Conditions  []Expression
}

func (*RangeJoin) Type() NodeType     { return NodeTypeRangeJoin }
func (n *RangeJoin) Children() []Node { return pair(n.Left, n.Right) }

// MaterializedCte computes Left once and makes it available to every
// [CteScan] with the same CTEIndex inside Right.
type MaterializedCte struct {
	planID

	Left, Right Node
	CTEIndex    uint32
}

func (*MaterializedCte) Type() NodeType     { return NodeTypeMaterializedCte }
func (n *MaterializedCte) Children() []Node { return pair(n.Left, n.Right) }

// Exchange marks a distributed boundary. It is lowered into an
// [ExchangeSink]/[ExchangeSource] pair before execution.
type Exchange struct {
	planID

	Input                  Node
	Kind                   ExchangeKind
	Keys                   []Expression
	AllowAdjustParallelism bool
	IgnoreExchange         bool
}

func (*Exchange) Type() NodeType     { return NodeTypeExchange }
func (n *Exchange) Children() []Node { return single(n.Input) }

func joinExprs(exprs []Expression) string {
	var s string
	for i, e := range exprs {
		if i > 0 {
			s += ", "
		}
		s += e.String()
	}
	return s
}
