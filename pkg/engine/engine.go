// Package engine is the entry point for running physical plans: it lowers
// distributed plans into fragments, compiles every fragment into pipelines
// and drives them with an executor.
package engine

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/quarry/pkg/engine/compiler"
	"github.com/grafana/quarry/pkg/engine/exchange"
	"github.com/grafana/quarry/pkg/pipeline"
	"github.com/grafana/quarry/pkg/planner/physical"
)

var (
	// ErrPlanningFailed is returned when a plan cannot be compiled.
	ErrPlanningFailed = errors.New("query planning failed unexpectedly")

	// ErrExecutionFailed is returned when a compiled plan fails while running.
	ErrExecutionFailed = errors.New("query execution failed")
)

var tracer = otel.Tracer("pkg/engine")

// Config configures plan compilation and execution.
type Config struct {
	// MaxThreads caps the parallelism of sources. 0 means no cap.
	MaxThreads int `yaml:"max_threads"`

	// ExchangeParallelism is the number of readers started for every
	// exchange source of a distributed plan.
	ExchangeParallelism int `yaml:"exchange_parallelism"`

	// LocalExchanges runs exchanges in place instead of lowering the plan
	// into fragments.
	LocalExchanges bool `yaml:"local_exchanges"`
}

// RegisterFlagsWithPrefix registers flags for cfg with every name prefixed
// by prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxThreads, prefix+"max-threads", 8, "Maximum number of parallel source stages of a pipeline. 0 means no limit.")
	f.IntVar(&cfg.ExchangeParallelism, prefix+"exchange-parallelism", 1, "Number of readers started for every exchange source of a distributed plan.")
	f.BoolVar(&cfg.LocalExchanges, prefix+"local-exchanges", false, "Run exchanges of distributed plans in place on a single node.")
}

// Validate returns an error if cfg is invalid.
func (cfg *Config) Validate() error {
	if cfg.MaxThreads < 0 {
		return fmt.Errorf("invalid max threads, must not be negative, got %d", cfg.MaxThreads)
	}
	if cfg.ExchangeParallelism <= 0 {
		return fmt.Errorf("invalid exchange parallelism, must be greater than 0, got %d", cfg.ExchangeParallelism)
	}
	return nil
}

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Config Config

	Kernels compiler.Kernels     // Per-record computation of plan nodes.
	Joins   compiler.JoinKernel  // Join probing.
	Source  compiler.DataSource  // Readers for source nodes.
	Writer  compiler.TableWriter // Writer for sink nodes.
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Config.ExchangeParallelism == 0 {
		p.Config.ExchangeParallelism = 1
	}
	return p.Config.Validate()
}

// Engine compiles and runs physical plans.
type Engine struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config

	compilerCfg compiler.Config
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	return &Engine{
		logger:  params.Logger,
		metrics: newMetrics(params.Registerer),
		cfg:     params.Config,

		compilerCfg: compiler.Config{
			MaxThreads: params.Config.MaxThreads,
			Kernels:    params.Kernels,
			Joins:      params.Joins,
			Source:     params.Source,
			Writer:     params.Writer,
			Logger:     params.Logger,
		},
	}, nil
}

// Build compiles plan into pipelines ready to execute.
func (e *Engine) Build(ctx context.Context, plan physical.Node) (*compiler.BuildResult, error) {
	timer := prometheus.NewTimer(e.metrics.planning)
	var (
		res *compiler.BuildResult
		err error
	)
	if e.cfg.LocalExchanges {
		res, err = BuildLocalPipeline(ctx, e.compilerCfg, plan)
	} else {
		res, err = BuildQueryPipeline(ctx, e.compilerCfg, e.cfg.ExchangeParallelism, plan)
	}
	if err != nil {
		e.metrics.plans.WithLabelValues(statusFailure).Inc()
		level.Warn(e.logger).Log("msg", "failed to compile physical plan", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}
	duration := timer.ObserveDuration()

	level.Debug(e.logger).Log(
		"msg", "finished compiling physical plan",
		"plan", physical.PrintAsTree(plan),
		"pipelines", len(res.Sources)+1,
		"duration", duration.String(),
	)
	return res, nil
}

// Execute compiles plan and runs it to completion.
func (e *Engine) Execute(ctx context.Context, plan physical.Node) error {
	ctx, span := tracer.Start(ctx, "Engine.Execute", trace.WithAttributes(
		attribute.Stringer("root", plan.Type()),
	))
	defer span.End()
	start := time.Now()

	res, err := e.Build(ctx, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to compile plan")
		return err
	}
	if !res.Main.IsComplete() {
		e.metrics.plans.WithLabelValues(statusFailure).Inc()
		span.SetStatus(codes.Error, "main pipeline is not complete")
		return fmt.Errorf("%w: main pipeline: %w", ErrPlanningFailed, pipeline.ErrIncompletePipeline)
	}

	exec, err := pipeline.NewCompleteExecutor(e.logger, res.Pipelines()...)
	if err != nil {
		e.metrics.plans.WithLabelValues(statusFailure).Inc()
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}
	defer exec.Close()

	timer := prometheus.NewTimer(e.metrics.execution)
	if err := exec.Execute(ctx); err != nil {
		e.metrics.plans.WithLabelValues(statusFailure).Inc()
		level.Warn(e.logger).Log("msg", "error during execution", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "error during execution")
		return fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	timer.ObserveDuration()

	e.metrics.plans.WithLabelValues(statusSuccess).Inc()
	level.Info(e.logger).Log("msg", "finished executing", "root", plan.Type(), "duration_full", time.Since(start))
	span.SetStatus(codes.Ok, "")
	return nil
}

// BuildQueryPipeline compiles plan. Plans without exchanges compile into a
// single builder. Otherwise the plan is lowered into fragments: the root
// fragment becomes the main pipeline and every child fragment compiles into
// complete source pipelines, all connected through one exchange hub. The
// fragments share one compilation, so CTEs and joins are visible across
// exchanges. Consumers compile before producers: a CTE scan below an exchange
// sees the materialization of its enclosing fragment.
func BuildQueryPipeline(ctx context.Context, cfg compiler.Config, parallelism int, plan physical.Node) (*compiler.BuildResult, error) {
	ctx, span := tracer.Start(ctx, "BuildQueryPipeline")
	defer span.End()

	if physical.Count(plan, physical.NodeTypeExchange) == 0 {
		return compiler.NewPipelineBuilder(cfg, nil).Finalize(ctx, plan)
	}

	fragments, err := exchange.Lower(plan)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("fragments", len(fragments.Children)+1))

	injector := exchange.NewDefaultInjector(exchange.NewHub())
	injector.Parallelism = parallelism

	builder := compiler.NewPipelineBuilder(cfg, injector)
	res, err := builder.Finalize(ctx, fragments.Root.Root)
	if err != nil {
		return nil, err
	}

	var sources []*pipeline.Pipeline
	for i := len(fragments.Children) - 1; i >= 0; i-- {
		fragment := fragments.Children[i]
		fres, err := builder.Fragment().Finalize(ctx, fragment.Root)
		if err != nil {
			return nil, fmt.Errorf("fragment %s: %w", fragment.ID, err)
		}
		if !fres.Main.IsComplete() {
			return nil, fmt.Errorf("fragment %s: %w", fragment.ID, pipeline.ErrIncompletePipeline)
		}
		sources = append(sources, fres.Sources...)
		sources = append(sources, fres.Main)
	}

	res.Sources = append(sources, res.Sources...)
	res.Injector = injector
	return res, nil
}

// BuildLocalPipeline compiles plan into a single builder without lowering.
// Merge exchanges collapse the pipeline in place.
func BuildLocalPipeline(ctx context.Context, cfg compiler.Config, plan physical.Node) (*compiler.BuildResult, error) {
	ctx, span := tracer.Start(ctx, "BuildLocalPipeline")
	defer span.End()

	return compiler.NewPipelineBuilder(cfg, exchange.NewLocalInjector(exchange.NewHub())).Finalize(ctx, plan)
}
