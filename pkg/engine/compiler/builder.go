// Package compiler compiles physical plans into executable pipelines.
package compiler

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/quarry/pkg/engine/exchange"
	"github.com/grafana/quarry/pkg/pipeline"
	"github.com/grafana/quarry/pkg/planner/physical"
)

var tracer = otel.Tracer("pkg/engine/compiler")

var (
	// ErrInvalidPlan is returned for plans the compiler cannot compile.
	ErrInvalidPlan = physical.ErrInvalidPlan
	// ErrIncompletePipeline is returned when a compiled source pipeline has
	// unconnected ports.
	ErrIncompletePipeline = pipeline.ErrIncompletePipeline
)

// BuilderData is state produced while compiling which sinks read after
// compilation.
type BuilderData struct {
	// InputJoinState is the build side of the most recently compiled join.
	InputJoinState *pipeline.JoinState
	// InputProbeSchema is the probe schema of the most recently compiled join.
	InputProbeSchema *arrow.Schema
}

// BuildResult is the output of a compilation.
type BuildResult struct {
	// Main produces the result of the plan.
	Main *pipeline.Pipeline
	// Sources are complete pipelines feeding Main, such as join build sides
	// and CTE materializations. They must run alongside Main.
	Sources  []*pipeline.Pipeline
	Injector exchange.Injector

	BuilderData    BuilderData
	CteStates      map[uint32]*pipeline.MaterializedCteState
	HashJoinStates map[uint32]*pipeline.JoinState
}

// Pipelines returns the sources followed by the main pipeline.
func (r *BuildResult) Pipelines() []*pipeline.Pipeline {
	return append(append([]*pipeline.Pipeline{}, r.Sources...), r.Main)
}

// buildContext is shared by a builder, every sub-builder it creates for the
// branches of a plan and every fragment builder of the same plan. It lives
// for exactly one compilation.
type buildContext struct {
	cfg      Config
	injector exchange.Injector

	sources        []*pipeline.Pipeline
	cteStates      map[uint32]*pipeline.MaterializedCteState
	hashJoinStates map[uint32]*pipeline.JoinState
	data           BuilderData
}

// PipelineBuilder compiles a physical plan into pipelines. A builder
// compiles a single plan.
type PipelineBuilder struct {
	*buildContext
	main *pipeline.Pipeline

	// first is the index of the first source pipeline owned by this builder.
	first     int
	finalized bool
}

// NewPipelineBuilder returns a builder materializing exchanges with injector.
func NewPipelineBuilder(cfg Config, injector exchange.Injector) *PipelineBuilder {
	cfg.setDefaults()
	if injector == nil {
		injector = exchange.NewDefaultInjector(exchange.NewHub())
	}
	return &PipelineBuilder{
		buildContext: &buildContext{
			cfg:            cfg,
			injector:       injector,
			cteStates:      make(map[uint32]*pipeline.MaterializedCteState),
			hashJoinStates: make(map[uint32]*pipeline.JoinState),
		},
		main: pipeline.New(),
	}
}

// subBuilder returns a builder for an independent branch. It shares the
// build context and plan scopes of b but fills its own pipeline.
func (b *PipelineBuilder) subBuilder() *PipelineBuilder {
	return &PipelineBuilder{
		buildContext: b.buildContext,
		main:         b.main.WithScopes(),
	}
}

// Fragment returns a builder for another fragment of the plan compiled by b.
// It shares CTE and join state with b, so a CTE materialized by b can be
// scanned by the fragment. Fragments holding CTE scans must be finalized after
// the fragment holding the materialization.
func (b *PipelineBuilder) Fragment() *PipelineBuilder {
	return &PipelineBuilder{
		buildContext: b.buildContext,
		main:         pipeline.New(),
		first:        len(b.sources),
	}
}

// Finalize compiles plan. Every source pipeline of the result is complete and
// the main pipeline is either complete or pulling.
func (b *PipelineBuilder) Finalize(ctx context.Context, plan physical.Node) (*BuildResult, error) {
	ctx, span := tracer.Start(ctx, "PipelineBuilder.Finalize", trace.WithAttributes(
		attribute.Stringer("root", plan.Type()),
		attribute.Int64("root_id", int64(plan.ID())),
	))
	defer span.End()

	if b.finalized {
		return nil, errors.New("pipeline builder already finalized")
	}
	b.finalized = true

	if err := b.build(ctx, plan); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sources := b.sources[b.first:len(b.sources):len(b.sources)]
	for i, source := range sources {
		if !source.IsComplete() {
			return nil, fmt.Errorf("source pipeline %d must be complete: %w", i, ErrIncompletePipeline)
		}
	}
	if !b.main.IsComplete() && !b.main.IsPulling() {
		return nil, fmt.Errorf("main pipeline must be complete or pulling: %w", ErrIncompletePipeline)
	}

	level.Debug(b.cfg.Logger).Log("msg", "compiled physical plan", "root", plan.Type(), "sources", len(sources), "scopes", len(b.main.PlanScopes()))
	return &BuildResult{
		Main:           b.main,
		Sources:        sources,
		Injector:       b.injector,
		BuilderData:    b.data,
		CteStates:      b.cteStates,
		HashJoinStates: b.hashJoinStates,
	}, nil
}

// build compiles node and its inputs into b.main.
func (b *PipelineBuilder) build(ctx context.Context, node physical.Node) error {
	if _, exempt := scopeExempt[node.Type()]; !exempt || !isNoop(node) {
		desc, labels := physical.Describe(node)
		var guard *pipeline.ScopeGuard
		ctx, guard = b.main.AddPlanScope(ctx, pipeline.PlanScope{
			ID:     node.ID(),
			Name:   node.Type().String(),
			Desc:   desc,
			Labels: labels,
		})
		defer guard.End()
	}

	switch n := node.(type) {
	case *physical.Exchange:
		return b.injector.InjectExchange(ctx, b.main, n, func(ctx context.Context) error {
			return b.build(ctx, n.Input)
		})
	case *physical.ExchangeSink:
		if err := b.build(ctx, n.Input); err != nil {
			return err
		}
		return b.injector.InjectSink(ctx, b.main, n)
	case *physical.ExchangeSource:
		return b.injector.InjectSource(ctx, b.main, n)
	}

	handle, ok := handlers[node.Type()]
	if !ok {
		return fmt.Errorf("%w: unknown node type %s", ErrInvalidPlan, node.Type())
	}
	return handle(b, ctx, node)
}

// scopeExempt lists node types which compile to no or purely internal stages
// and get no plan scope. EvalScalar is only exempt without expressions.
var scopeExempt = map[physical.NodeType]struct{}{
	physical.NodeTypeEvalScalar:          {},
	physical.NodeTypeShuffle:             {},
	physical.NodeTypeChunkCastSchema:     {},
	physical.NodeTypeChunkFillAndReorder: {},
	physical.NodeTypeChunkMerge:          {},
}

func isNoop(node physical.Node) bool {
	if n, ok := node.(*physical.EvalScalar); ok {
		return len(n.Exprs) == 0
	}
	return true
}
