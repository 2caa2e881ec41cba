package physical

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ErrInvalidPlan is returned for structurally invalid plans.
var ErrInvalidPlan = errors.New("invalid physical plan")

// WithChildren returns a shallow copy of n with its inputs replaced by
// children. The copy keeps the plan identifier of n.
func WithChildren(n Node, children []Node) (Node, error) {
	if want := len(n.Children()); want != len(children) {
		return nil, fmt.Errorf("%w: %s expects %d children, got %d", ErrInvalidPlan, n.Type(), want, len(children))
	}

	switch node := n.(type) {
	case *TableScan, *ConstantTableScan, *CteScan, *ExchangeSource, *CompactSource, *ReclusterSource:
		return n, nil
	case *Filter:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *EvalScalar:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *AggregatePartial:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *AggregateFinal:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *Window:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *Sort:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *Limit:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *RowFetch:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *Udf:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *Shuffle:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *ChunkCastSchema:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *ChunkFillAndReorder:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *ChunkMerge:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *ExchangeSink:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *CommitSink:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *ReclusterSink:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *Exchange:
		c := *node
		c.Input = children[0]
		return &c, nil
	case *UnionAll:
		c := *node
		c.Left, c.Right = children[0], children[1]
		return &c, nil
	case *HashJoin:
		c := *node
		c.Build, c.Probe = children[0], children[1]
		return &c, nil
	case *RangeJoin:
		c := *node
		c.Left, c.Right = children[0], children[1]
		return &c, nil
	case *MaterializedCte:
		c := *node
		c.Left, c.Right = children[0], children[1]
		return &c, nil
	default:
		return nil, fmt.Errorf("%w: unknown node type %T", ErrInvalidPlan, n)
	}
}

// SplitExchange returns the sink and source pair replacing ex, connected by
// stream. Both inherit the plan identifier of ex.
func SplitExchange(ex *Exchange, input Node, stream ulid.ULID) (*ExchangeSink, *ExchangeSource) {
	sink := &ExchangeSink{
		Input:                  input,
		StreamID:               stream,
		Kind:                   ex.Kind,
		Keys:                   ex.Keys,
		AllowAdjustParallelism: ex.AllowAdjustParallelism,
	}
	sink.setID(ex.ID())

	source := &ExchangeSource{
		StreamID:               stream,
		Kind:                   ex.Kind,
		AllowAdjustParallelism: ex.AllowAdjustParallelism,
	}
	source.setID(ex.ID())
	return sink, source
}
