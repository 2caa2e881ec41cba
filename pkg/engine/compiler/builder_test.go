package compiler

import (
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/grafana/quarry/pkg/engine/exchange"
	"github.com/grafana/quarry/pkg/pipeline"
	"github.com/grafana/quarry/pkg/planner/physical"
	"github.com/grafana/quarry/pkg/storage/tablemeta"
	"github.com/grafana/quarry/pkg/util/arrowtest"
)

var (
	testTable      = tablemeta.TableInfo{Database: "db", Name: "t"}
	exchangeStream = ulid.Make()
)

// partitionSource emits a single row per partition holding the partition
// index plus the given offset.
type partitionSource struct {
	offset int64
	opened atomic.Int64
}

func (s *partitionSource) Open(_ context.Context, _ physical.Node, part Partition) (pipeline.Reader, error) {
	s.opened.Inc()
	return &arrowtest.Reader{
		Records: []arrow.Record{arrowtest.Int64Record("v", s.offset+int64(part.Index))},
		EOF:     pipeline.EOF,
	}, nil
}

type memWriter struct {
	mu      sync.Mutex
	records []arrow.Record
	commits []physical.Node
}

func (w *memWriter) Append(_ context.Context, _ physical.Node, rec arrow.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	return nil
}

func (w *memWriter) Commit(_ context.Context, node physical.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commits = append(w.commits, node)
	return nil
}

func constant(values ...int64) *physical.ConstantTableScan {
	records := make([]arrow.Record, 0, len(values))
	for _, v := range values {
		records = append(records, arrowtest.Int64Record("v", v))
	}
	return &physical.ConstantTableScan{Records: records}
}

func assignIDs(plan physical.Node) physical.Node {
	var next uint32
	physical.AdjustPlanID(plan, &next)
	return plan
}

// run compiles plan, terminates the main pipeline with a collecting sink and
// executes every pipeline.
func run(t *testing.T, cfg Config, plan physical.Node) ([]int64, *BuildResult) {
	t.Helper()

	res, err := NewPipelineBuilder(cfg, nil).Finalize(t.Context(), plan)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		records []arrow.Record
	)
	if !res.Main.IsComplete() {
		require.NoError(t, res.Main.AddSink(func(int) (pipeline.Processor, error) {
			return pipeline.NewSink("Collect", func(_ context.Context, rec arrow.Record) error {
				mu.Lock()
				defer mu.Unlock()
				records = append(records, rec)
				return nil
			}, nil), nil
		}))
	}

	exec, err := pipeline.NewCompleteExecutor(nil, res.Pipelines()...)
	require.NoError(t, err)
	require.NoError(t, exec.Execute(t.Context()))
	require.NoError(t, exec.Close())
	return arrowtest.Int64Values(records), res
}

func TestHandlersCoverEveryNodeType(t *testing.T) {
	for _, typ := range physical.AllNodeTypes() {
		require.Contains(t, handlers, typ, "missing handler for %s", typ)
	}
	require.Len(t, handlers, len(physical.AllNodeTypes()))
}

func TestPlanScopes(t *testing.T) {
	plan := assignIDs(&physical.Limit{
		Fetch: 10,
		Input: &physical.EvalScalar{
			Input: &physical.ChunkMerge{
				Input: &physical.ChunkFillAndReorder{
					Input: &physical.ChunkCastSchema{
						Input: &physical.Shuffle{
							Input: &physical.EvalScalar{
								Exprs: []physical.Expression{physical.NewColumn("a")},
								Input: &physical.Filter{
									Predicates: []physical.Expression{physical.NewColumn("ok")},
									Input:      &physical.TableScan{Table: testTable, Partitions: 2},
								},
							},
						},
					},
				},
			},
		},
	})

	res, err := NewPipelineBuilder(Config{}, nil).Finalize(t.Context(), plan)
	require.NoError(t, err)

	scopes := res.Main.PlanScopes()
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"Limit", "EvalScalar", "Filter", "TableScan"}, names)

	t.Run("nesting mirrors the plan", func(t *testing.T) {
		require.Nil(t, scopes[0].Parent)
		for i := 1; i < len(scopes); i++ {
			require.Same(t, scopes[i-1], scopes[i].Parent)
		}
		require.Equal(t, uint32(6), scopes[1].ID)
		require.Equal(t, "expressions=a", scopes[1].Desc)
	})

	t.Run("stages are attributed to their scope", func(t *testing.T) {
		first := res.Main.Pipes()[0]
		require.Len(t, first.Stages, 2)
		require.Same(t, scopes[3], first.Stages[0].Scope)
	})
}

func TestExchangeDelegation(t *testing.T) {
	plan := assignIDs(&physical.Exchange{
		Kind:  physical.ExchangeMerge,
		Input: &physical.TableScan{Table: testTable, Partitions: 4},
	})

	t.Run("bare exchange is a structural error", func(t *testing.T) {
		_, err := NewPipelineBuilder(Config{}, nil).Finalize(t.Context(), plan)
		require.ErrorIs(t, err, ErrInvalidPlan)
	})

	t.Run("injector decides how to materialize it", func(t *testing.T) {
		res, err := NewPipelineBuilder(Config{}, exchange.NewLocalInjector(exchange.NewHub())).Finalize(t.Context(), plan)
		require.NoError(t, err)
		require.Equal(t, 1, res.Main.OutputLen())
		require.Len(t, res.Main.Pipes()[0].Stages, 4)
	})

	t.Run("sink and source share a stream", func(t *testing.T) {
		hub := exchange.NewHub()
		injector := exchange.NewDefaultInjector(hub)

		sink, source := physical.SplitExchange(plan.(*physical.Exchange), constant(1, 2, 3), exchangeStream)

		producer, err := NewPipelineBuilder(Config{}, injector).Finalize(t.Context(), sink)
		require.NoError(t, err)
		require.True(t, producer.Main.IsComplete())

		consumer, err := NewPipelineBuilder(Config{}, injector).Finalize(t.Context(), source)
		require.NoError(t, err)
		require.Equal(t, 1, hub.Len())

		var mu sync.Mutex
		var records []arrow.Record
		require.NoError(t, consumer.Main.AddSink(func(int) (pipeline.Processor, error) {
			return pipeline.NewSink("Collect", func(_ context.Context, rec arrow.Record) error {
				mu.Lock()
				defer mu.Unlock()
				records = append(records, rec)
				return nil
			}, nil), nil
		}))

		exec, err := pipeline.NewCompleteExecutor(nil, producer.Main, consumer.Main)
		require.NoError(t, err)
		require.NoError(t, exec.Execute(t.Context()))
		require.ElementsMatch(t, []int64{1, 2, 3}, arrowtest.Int64Values(records))
	})
}

func TestHashJoin(t *testing.T) {
	plan := assignIDs(&physical.HashJoin{
		Build:       constant(1, 2),
		Probe:       constant(10, 20, 30),
		BuildKeys:   []physical.Expression{physical.NewColumn("v")},
		ProbeKeys:   []physical.Expression{physical.NewColumn("v")},
		ProbeSchema: arrowtest.Int64Record("v").Schema(),
	})

	joins := &countingJoin{}
	values, res := run(t, Config{Joins: joins}, plan)

	require.ElementsMatch(t, []int64{10, 20, 30}, values)
	require.Len(t, res.Sources, 1)
	require.Contains(t, res.HashJoinStates, plan.ID())
	require.Same(t, res.HashJoinStates[plan.ID()], res.BuilderData.InputJoinState)
	require.NotNil(t, res.BuilderData.InputProbeSchema)
	require.Equal(t, int64(2), res.BuilderData.InputJoinState.NumRows())
	require.Equal(t, int64(3), joins.probes.Load())
	require.Equal(t, int64(2*3), joins.buildRows.Load())
}

type countingJoin struct {
	probes    atomic.Int64
	buildRows atomic.Int64
}

func (j *countingJoin) Probe(_ context.Context, _ physical.Node, build []arrow.Record, probe arrow.Record) (arrow.Record, error) {
	j.probes.Inc()
	for _, rec := range build {
		j.buildRows.Add(rec.NumRows())
	}
	return probe, nil
}

func TestRangeJoin(t *testing.T) {
	plan := assignIDs(&physical.RangeJoin{
		Left:  constant(1, 2),
		Right: constant(5),
	})
	values, res := run(t, Config{}, plan)
	require.ElementsMatch(t, []int64{1, 2}, values)
	require.Len(t, res.Sources, 1)
	require.Empty(t, res.HashJoinStates)
}

func TestUnionAll(t *testing.T) {
	source := &partitionSource{offset: 100}
	plan := assignIDs(&physical.UnionAll{
		Left:  &physical.TableScan{Table: testTable, Partitions: 2},
		Right: constant(1, 2),
	})
	values, res := run(t, Config{Source: source}, plan)
	require.ElementsMatch(t, []int64{100, 101, 1, 2}, values)
	require.Len(t, res.Sources, 1)
	require.Equal(t, int64(2), source.opened.Load())
}

func TestMaterializedCte(t *testing.T) {
	t.Run("every scan reads one materialization", func(t *testing.T) {
		source := &partitionSource{}
		plan := assignIDs(&physical.MaterializedCte{
			CTEIndex: 7,
			Left:     &physical.TableScan{Table: testTable, Partitions: 3},
			Right: &physical.UnionAll{
				Left:  &physical.CteScan{CTEIndex: 7},
				Right: &physical.CteScan{CTEIndex: 7},
			},
		})

		values, res := run(t, Config{Source: source}, plan)
		require.ElementsMatch(t, []int64{0, 1, 2, 0, 1, 2}, values)
		require.Len(t, res.CteStates, 1)
		require.Contains(t, res.CteStates, uint32(7))
		require.Equal(t, int64(3), source.opened.Load())
	})

	t.Run("definition is compiled once per index", func(t *testing.T) {
		source := &partitionSource{}
		def := &physical.TableScan{Table: testTable, Partitions: 1}
		plan := assignIDs(&physical.MaterializedCte{
			CTEIndex: 1,
			Left:     def,
			Right: &physical.MaterializedCte{
				CTEIndex: 1,
				Left:     def,
				Right:    &physical.CteScan{CTEIndex: 1},
			},
		})

		values, res := run(t, Config{Source: source}, plan)
		require.Equal(t, []int64{0}, values)
		require.Len(t, res.Sources, 1)
		require.Equal(t, int64(1), source.opened.Load())
	})

	t.Run("scan without materialization", func(t *testing.T) {
		_, err := NewPipelineBuilder(Config{}, nil).Finalize(t.Context(), &physical.CteScan{CTEIndex: 3})
		require.ErrorIs(t, err, ErrInvalidPlan)
	})
}

func TestLimit(t *testing.T) {
	for _, tt := range []struct {
		name        string
		skip, fetch uint32
		expect      []int64
	}{
		{name: "fetch", fetch: 2, expect: []int64{1, 2}},
		{name: "skip and fetch", skip: 1, fetch: 3, expect: []int64{2, 3, 4}},
		{name: "skip only", skip: 4, expect: []int64{5}},
		{name: "skip everything", skip: 10, fetch: 1, expect: nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			scan := &physical.ConstantTableScan{Records: []arrow.Record{
				arrowtest.Int64Record("v", 1, 2, 3),
				arrowtest.Int64Record("v", 4, 5),
			}}
			values, _ := run(t, Config{}, assignIDs(&physical.Limit{Input: scan, Skip: tt.skip, Fetch: tt.fetch}))
			require.Equal(t, tt.expect, values)
		})
	}
}

func TestTableSinks(t *testing.T) {
	tasks := []tablemeta.ReclusterTask{{TotalRows: 1}, {TotalRows: 2}, {TotalRows: 3}}

	t.Run("recluster sink commits once", func(t *testing.T) {
		writer := &memWriter{}
		plan := assignIDs(&physical.ReclusterSink{
			Table: testTable,
			Input: &physical.ReclusterSource{Table: testTable, Tasks: tasks},
		})

		_, res := run(t, Config{Source: &partitionSource{}, Writer: writer}, plan)
		require.True(t, res.Main.IsComplete())
		require.ElementsMatch(t, []int64{0, 1, 2}, arrowtest.Int64Values(writer.records))
		require.Len(t, writer.commits, 1)
		require.Same(t, plan, writer.commits[0])
	})

	t.Run("max threads caps sources", func(t *testing.T) {
		writer := &memWriter{}
		plan := assignIDs(&physical.CommitSink{
			Table: testTable,
			Kind:  physical.CommitCompact,
			Input: &physical.CompactSource{Table: testTable, Parts: make([]tablemeta.CompactPart, 8)},
		})

		res, err := NewPipelineBuilder(Config{MaxThreads: 2, Writer: writer}, nil).Finalize(t.Context(), plan)
		require.NoError(t, err)
		require.Len(t, res.Main.Pipes()[0].Stages, 2)
	})

	t.Run("sink without writer", func(t *testing.T) {
		plan := assignIDs(&physical.CommitSink{Input: constant(1)})
		_, err := NewPipelineBuilder(Config{}, nil).Finalize(t.Context(), plan)
		require.ErrorIs(t, err, ErrInvalidPlan)
	})
}

// droppingInjector compiles exchange nodes into nothing.
type droppingInjector struct{}

func (droppingInjector) InjectExchange(context.Context, *pipeline.Pipeline, *physical.Exchange, func(context.Context) error) error {
	return nil
}

func (droppingInjector) InjectSink(context.Context, *pipeline.Pipeline, *physical.ExchangeSink) error {
	return nil
}

func (droppingInjector) InjectSource(context.Context, *pipeline.Pipeline, *physical.ExchangeSource) error {
	return nil
}

func TestFinalize(t *testing.T) {
	t.Run("incomplete source pipeline", func(t *testing.T) {
		b := NewPipelineBuilder(Config{}, nil)
		b.sources = append(b.sources, pipeline.New())
		_, err := b.Finalize(t.Context(), constant(1))
		require.ErrorIs(t, err, ErrIncompletePipeline)
	})

	t.Run("main pipeline without stages", func(t *testing.T) {
		plan := assignIDs(&physical.ExchangeSource{StreamID: exchangeStream})
		_, err := NewPipelineBuilder(Config{}, droppingInjector{}).Finalize(t.Context(), plan)
		require.ErrorIs(t, err, ErrIncompletePipeline)
	})

	t.Run("pulling main pipeline", func(t *testing.T) {
		res, err := NewPipelineBuilder(Config{}, nil).Finalize(t.Context(), constant(1))
		require.NoError(t, err)
		require.True(t, res.Main.IsPulling())
	})

	t.Run("fragments share compilation state", func(t *testing.T) {
		b := NewPipelineBuilder(Config{}, exchange.NewDefaultInjector(exchange.NewHub()))
		root, err := b.Finalize(t.Context(), assignIDs(&physical.MaterializedCte{
			CTEIndex: 2,
			Left:     constant(1, 2),
			Right:    &physical.CteScan{CTEIndex: 2},
		}))
		require.NoError(t, err)
		require.Len(t, root.Sources, 1)

		fragment, err := b.Fragment().Finalize(t.Context(), assignIDs(&physical.ExchangeSink{
			StreamID: exchangeStream,
			Kind:     physical.ExchangeMerge,
			Input:    &physical.CteScan{CTEIndex: 2},
		}))
		require.NoError(t, err)
		require.Empty(t, fragment.Sources)
		require.True(t, fragment.Main.IsComplete())
		require.Same(t, root.CteStates[2], fragment.CteStates[2])
	})

	t.Run("builder compiles one plan", func(t *testing.T) {
		b := NewPipelineBuilder(Config{}, nil)
		_, err := b.Finalize(t.Context(), constant(1))
		require.NoError(t, err)
		_, err = b.Finalize(t.Context(), constant(1))
		require.Error(t, err)
	})

	t.Run("compilations do not share state", func(t *testing.T) {
		plan := assignIDs(&physical.MaterializedCte{CTEIndex: 1, Left: constant(1), Right: &physical.CteScan{CTEIndex: 1}})
		first, err := NewPipelineBuilder(Config{}, nil).Finalize(t.Context(), plan)
		require.NoError(t, err)
		second, err := NewPipelineBuilder(Config{}, nil).Finalize(t.Context(), plan)
		require.NoError(t, err)
		require.NotSame(t, first.CteStates[1], second.CteStates[1])
	})
}
