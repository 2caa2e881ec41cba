package compiler

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/grafana/quarry/pkg/pipeline"
	"github.com/grafana/quarry/pkg/planner/physical"
)

type handlerFunc func(b *PipelineBuilder, ctx context.Context, node physical.Node) error

// handlers maps every node type to the method compiling it. It is filled in
// init to break the initialization cycle with build.
var handlers map[physical.NodeType]handlerFunc

func init() {
	handlers = map[physical.NodeType]handlerFunc{
		physical.NodeTypeTableScan:         handle((*PipelineBuilder).buildTableScan),
		physical.NodeTypeConstantTableScan: handle((*PipelineBuilder).buildConstantTableScan),
		physical.NodeTypeCteScan:           handle((*PipelineBuilder).buildCteScan),
		physical.NodeTypeCompactSource:     handle((*PipelineBuilder).buildCompactSource),
		physical.NodeTypeReclusterSource:   handle((*PipelineBuilder).buildReclusterSource),

		physical.NodeTypeFilter:              handle((*PipelineBuilder).buildFilter),
		physical.NodeTypeEvalScalar:          handle((*PipelineBuilder).buildEvalScalar),
		physical.NodeTypeAggregatePartial:    handle((*PipelineBuilder).buildAggregatePartial),
		physical.NodeTypeAggregateFinal:      handle((*PipelineBuilder).buildAggregateFinal),
		physical.NodeTypeWindow:              handle((*PipelineBuilder).buildWindow),
		physical.NodeTypeSort:                handle((*PipelineBuilder).buildSort),
		physical.NodeTypeLimit:               handle((*PipelineBuilder).buildLimit),
		physical.NodeTypeRowFetch:            handle((*PipelineBuilder).buildRowFetch),
		physical.NodeTypeUdf:                 handle((*PipelineBuilder).buildUdf),
		physical.NodeTypeShuffle:             handle((*PipelineBuilder).buildShuffle),
		physical.NodeTypeChunkCastSchema:     handle((*PipelineBuilder).buildChunkCastSchema),
		physical.NodeTypeChunkFillAndReorder: handle((*PipelineBuilder).buildChunkFillAndReorder),
		physical.NodeTypeChunkMerge:          handle((*PipelineBuilder).buildChunkMerge),
		physical.NodeTypeCommitSink:          handle((*PipelineBuilder).buildCommitSink),
		physical.NodeTypeReclusterSink:       handle((*PipelineBuilder).buildReclusterSink),

		physical.NodeTypeUnionAll:  handle((*PipelineBuilder).buildUnionAll),
		physical.NodeTypeHashJoin:  handle((*PipelineBuilder).buildHashJoin),
		physical.NodeTypeRangeJoin: handle((*PipelineBuilder).buildRangeJoin),

		physical.NodeTypeMaterializedCte: handle((*PipelineBuilder).buildMaterializedCte),

		// Exchanges are intercepted by build and never reach the table.
		physical.NodeTypeExchange:       unexpectedExchange,
		physical.NodeTypeExchangeSink:   unexpectedExchange,
		physical.NodeTypeExchangeSource: unexpectedExchange,
	}

	for _, t := range physical.AllNodeTypes() {
		if _, ok := handlers[t]; !ok {
			panic(fmt.Sprintf("compiler: no handler registered for node type %s", t))
		}
	}
}

// handle adapts a typed handler to a handlerFunc.
func handle[N physical.Node](fn func(*PipelineBuilder, context.Context, N) error) handlerFunc {
	return func(b *PipelineBuilder, ctx context.Context, node physical.Node) error {
		n, ok := node.(N)
		if !ok {
			return fmt.Errorf("%w: unexpected node %T", ErrInvalidPlan, node)
		}
		return fn(b, ctx, n)
	}
}

func unexpectedExchange(_ *PipelineBuilder, _ context.Context, node physical.Node) error {
	return fmt.Errorf("%w: %s #%d must be handled by the exchange injector", ErrInvalidPlan, node.Type(), node.ID())
}

// parallelism returns the number of source stages used to read n partitions.
func (b *PipelineBuilder) parallelism(n int) int {
	n = max(n, 1)
	if b.cfg.MaxThreads > 0 {
		n = min(n, b.cfg.MaxThreads)
	}
	return n
}

func (b *PipelineBuilder) addDataSource(node physical.Node, partitions int) error {
	count := b.parallelism(partitions)
	sources := make([]pipeline.Processor, count)
	for i := range sources {
		part := Partition{Index: i, Count: count}
		sources[i] = pipeline.NewSource(node.Type().String(), &lazyReader{
			open: func(ctx context.Context) (pipeline.Reader, error) {
				return b.cfg.Source.Open(ctx, node, part)
			},
		})
	}
	return b.main.AddSource(sources...)
}

func (b *PipelineBuilder) buildTableScan(_ context.Context, node *physical.TableScan) error {
	return b.addDataSource(node, node.Partitions)
}

func (b *PipelineBuilder) buildCompactSource(_ context.Context, node *physical.CompactSource) error {
	return b.addDataSource(node, len(node.Parts))
}

func (b *PipelineBuilder) buildReclusterSource(_ context.Context, node *physical.ReclusterSource) error {
	return b.addDataSource(node, len(node.Tasks))
}

func (b *PipelineBuilder) buildConstantTableScan(_ context.Context, node *physical.ConstantTableScan) error {
	return b.main.AddSource(pipeline.NewSource("ConstantTableScan", &recordsReader{records: node.Records}))
}

func (b *PipelineBuilder) buildCteScan(_ context.Context, node *physical.CteScan) error {
	state, ok := b.cteStates[node.CTEIndex]
	if !ok {
		return fmt.Errorf("%w: cte %d is scanned outside of its materialization", ErrInvalidPlan, node.CTEIndex)
	}
	return b.main.AddSource(pipeline.NewBufferSource("CteScan", state.Buffer))
}

// addKernel appends one kernel stage per output of the pipeline.
func (b *PipelineBuilder) addKernel(node physical.Node) error {
	name := node.Type().String()
	return b.main.AddTransform(func(int) (pipeline.Processor, error) {
		return pipeline.NewTransform(name, func(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
			return b.cfg.Kernels.Apply(ctx, node, rec)
		}), nil
	})
}

// buildSingle compiles input and appends a kernel for node. Nodes that need
// to see every row at once are collapsed to a single output first.
func (b *PipelineBuilder) buildSingle(ctx context.Context, node, input physical.Node, collapse bool) error {
	if err := b.build(ctx, input); err != nil {
		return err
	}
	if collapse {
		if err := b.main.Resize(1); err != nil {
			return err
		}
	}
	return b.addKernel(node)
}

func (b *PipelineBuilder) buildFilter(ctx context.Context, node *physical.Filter) error {
	return b.buildSingle(ctx, node, node.Input, false)
}

func (b *PipelineBuilder) buildEvalScalar(ctx context.Context, node *physical.EvalScalar) error {
	if len(node.Exprs) == 0 {
		return b.build(ctx, node.Input)
	}
	return b.buildSingle(ctx, node, node.Input, false)
}

func (b *PipelineBuilder) buildAggregatePartial(ctx context.Context, node *physical.AggregatePartial) error {
	return b.buildSingle(ctx, node, node.Input, false)
}

func (b *PipelineBuilder) buildAggregateFinal(ctx context.Context, node *physical.AggregateFinal) error {
	return b.buildSingle(ctx, node, node.Input, true)
}

func (b *PipelineBuilder) buildWindow(ctx context.Context, node *physical.Window) error {
	return b.buildSingle(ctx, node, node.Input, true)
}

func (b *PipelineBuilder) buildSort(ctx context.Context, node *physical.Sort) error {
	if err := b.buildSingle(ctx, node, node.Input, true); err != nil {
		return err
	}
	if node.Limit == 0 {
		return nil
	}
	return b.main.AddTransform(func(int) (pipeline.Processor, error) {
		return pipeline.NewTransform("SortLimit", newLimiter(0, node.Limit)), nil
	})
}

func (b *PipelineBuilder) buildLimit(ctx context.Context, node *physical.Limit) error {
	if err := b.build(ctx, node.Input); err != nil {
		return err
	}
	if err := b.main.Resize(1); err != nil {
		return err
	}
	return b.main.AddTransform(func(int) (pipeline.Processor, error) {
		return pipeline.NewTransform("Limit", newLimiter(node.Skip, node.Fetch)), nil
	})
}

func (b *PipelineBuilder) buildRowFetch(ctx context.Context, node *physical.RowFetch) error {
	return b.buildSingle(ctx, node, node.Input, false)
}

func (b *PipelineBuilder) buildUdf(ctx context.Context, node *physical.Udf) error {
	return b.buildSingle(ctx, node, node.Input, false)
}

func (b *PipelineBuilder) buildShuffle(ctx context.Context, node *physical.Shuffle) error {
	return b.buildSingle(ctx, node, node.Input, false)
}

func (b *PipelineBuilder) buildChunkCastSchema(ctx context.Context, node *physical.ChunkCastSchema) error {
	return b.buildSingle(ctx, node, node.Input, false)
}

func (b *PipelineBuilder) buildChunkFillAndReorder(ctx context.Context, node *physical.ChunkFillAndReorder) error {
	return b.buildSingle(ctx, node, node.Input, false)
}

func (b *PipelineBuilder) buildChunkMerge(ctx context.Context, node *physical.ChunkMerge) error {
	return b.buildSingle(ctx, node, node.Input, true)
}

// addTableSink collapses the pipeline to one output and writes it through
// the configured table writer, committing once the input is exhausted.
func (b *PipelineBuilder) addTableSink(node physical.Node) error {
	if b.cfg.Writer == nil {
		return fmt.Errorf("%w: %s #%d requires a table writer", ErrInvalidPlan, node.Type(), node.ID())
	}
	if err := b.main.Resize(1); err != nil {
		return err
	}
	writer := b.cfg.Writer
	return b.main.AddSink(func(int) (pipeline.Processor, error) {
		return pipeline.NewSink(node.Type().String(),
			func(ctx context.Context, rec arrow.Record) error { return writer.Append(ctx, node, rec) },
			func(ctx context.Context) error { return writer.Commit(ctx, node) },
		), nil
	})
}

func (b *PipelineBuilder) buildCommitSink(ctx context.Context, node *physical.CommitSink) error {
	if err := b.build(ctx, node.Input); err != nil {
		return err
	}
	return b.addTableSink(node)
}

func (b *PipelineBuilder) buildReclusterSink(ctx context.Context, node *physical.ReclusterSink) error {
	if err := b.build(ctx, node.Input); err != nil {
		return err
	}
	return b.addTableSink(node)
}

// buildUnionAll compiles the right input into a source pipeline feeding a
// channel and merges the channel into the compiled left input.
func (b *PipelineBuilder) buildUnionAll(ctx context.Context, node *physical.UnionAll) error {
	right := b.subBuilder()
	if err := right.build(ctx, node.Right); err != nil {
		return err
	}
	ch := pipeline.NewChannel()
	if err := right.main.AddSink(func(int) (pipeline.Processor, error) {
		return pipeline.NewChannelSink("UnionAllSend", ch), nil
	}); err != nil {
		return err
	}
	b.sources = append(b.sources, right.main)

	if err := b.build(ctx, node.Left); err != nil {
		return err
	}
	width := b.main.OutputLen()
	return b.main.AddPipe(&pipeline.Pipe{Stages: []*pipeline.Stage{{
		Processor: pipeline.NewMerge("UnionAll", ch),
		Inputs:    width,
		Outputs:   width,
	}}})
}

// buildJoinSide compiles input into a source pipeline filling state.
func (b *PipelineBuilder) buildJoinSide(ctx context.Context, input physical.Node, state *pipeline.JoinState) error {
	side := b.subBuilder()
	if err := side.build(ctx, input); err != nil {
		return err
	}
	if err := side.main.AddSink(func(int) (pipeline.Processor, error) {
		return pipeline.NewBufferSink("JoinBuild", state.Buffer), nil
	}); err != nil {
		return err
	}
	b.sources = append(b.sources, side.main)
	return nil
}

func (b *PipelineBuilder) addProbe(node physical.Node, state *pipeline.JoinState) error {
	name := node.Type().String() + "Probe"
	return b.main.AddTransform(func(int) (pipeline.Processor, error) {
		var build []arrow.Record
		var ready bool
		return pipeline.NewTransform(name, func(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
			if !ready {
				records, err := state.Wait(ctx)
				if err != nil {
					return nil, err
				}
				build, ready = records, true
			}
			return b.cfg.Joins.Probe(ctx, node, build, rec)
		}), nil
	})
}

// buildHashJoin compiles the build side first and records its state before
// the probe side is compiled, so probes can observe it.
func (b *PipelineBuilder) buildHashJoin(ctx context.Context, node *physical.HashJoin) error {
	state := pipeline.NewJoinState(node.ID())
	if err := b.buildJoinSide(ctx, node.Build, state); err != nil {
		return err
	}
	b.hashJoinStates[node.ID()] = state
	b.data.InputJoinState = state
	b.data.InputProbeSchema = node.ProbeSchema

	if err := b.build(ctx, node.Probe); err != nil {
		return err
	}
	return b.addProbe(node, state)
}

func (b *PipelineBuilder) buildRangeJoin(ctx context.Context, node *physical.RangeJoin) error {
	state := pipeline.NewJoinState(node.ID())
	if err := b.buildJoinSide(ctx, node.Right, state); err != nil {
		return err
	}
	if err := b.build(ctx, node.Left); err != nil {
		return err
	}
	return b.addProbe(node, state)
}

// buildMaterializedCte compiles the CTE definition once per CTE index. Later
// materializations of the same index reuse the registered state.
func (b *PipelineBuilder) buildMaterializedCte(ctx context.Context, node *physical.MaterializedCte) error {
	if _, ok := b.cteStates[node.CTEIndex]; !ok {
		state := pipeline.NewMaterializedCteState(node.CTEIndex)

		def := b.subBuilder()
		if err := def.build(ctx, node.Left); err != nil {
			return err
		}
		if err := def.main.AddSink(func(int) (pipeline.Processor, error) {
			return pipeline.NewBufferSink("MaterializeCte", state.Buffer), nil
		}); err != nil {
			return err
		}
		b.sources = append(b.sources, def.main)
		b.cteStates[node.CTEIndex] = state
	}
	return b.build(ctx, node.Right)
}

// newLimiter returns a transform which skips the first skip rows and passes
// at most fetch rows. A fetch of zero passes every remaining row. Rows past
// the limit are consumed and dropped.
func newLimiter(skip, fetch uint32) pipeline.TransformFunc {
	var skipped, fetched int64
	return func(_ context.Context, rec arrow.Record) (arrow.Record, error) {
		rows := rec.NumRows()

		var start int64
		if remaining := int64(skip) - skipped; remaining > 0 {
			start = min(remaining, rows)
			skipped += start
		}

		end := rows
		if fetch > 0 {
			left := int64(fetch) - fetched
			if left <= 0 {
				return nil, nil
			}
			end = min(rows, start+left)
		}
		if start >= end {
			return nil, nil
		}
		fetched += end - start

		if start == 0 && end == rows {
			return rec, nil
		}
		return rec.NewSlice(start, end), nil
	}
}
