// Package recluster runs table reclustering: it repeatedly locks a table,
// plans one batch of recluster or compaction work, and executes it until no
// work is left or the time budget is used up.
package recluster

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/user"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/quarry/pkg/engine"
	"github.com/grafana/quarry/pkg/engine/compiler"
	"github.com/grafana/quarry/pkg/maintenance/history"
	"github.com/grafana/quarry/pkg/pipeline"
	"github.com/grafana/quarry/pkg/planner/physical"
	"github.com/grafana/quarry/pkg/storage/lock"
	"github.com/grafana/quarry/pkg/storage/tablemeta"
)

var tracer = otel.Tracer("pkg/maintenance/recluster")

// Config configures reclustering.
type Config struct {
	// Timeout bounds the runtime of a request running until all work is done.
	Timeout    time.Duration `yaml:"timeout"`
	MaxThreads int           `yaml:"max_threads"`
	// ExchangeParallelism is the number of readers of merged batches.
	ExchangeParallelism int `yaml:"exchange_parallelism"`
}

// RegisterFlagsWithPrefix registers flags for cfg with every name prefixed
// by prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Timeout, prefix+"recluster.timeout", 12*time.Hour, "Maximum runtime of a final recluster. Batches that started before the timeout are completed.")
	f.IntVar(&cfg.MaxThreads, prefix+"recluster.max-threads", 8, "Maximum number of threads executing a recluster batch.")
	f.IntVar(&cfg.ExchangeParallelism, prefix+"recluster.exchange-parallelism", 1, "Number of readers of batches merged from several nodes.")
}

// Validate returns an error if cfg is invalid.
func (cfg *Config) Validate() error {
	if cfg.Timeout <= 0 {
		return fmt.Errorf("invalid recluster timeout %s, must be greater than 0", cfg.Timeout)
	}
	if cfg.MaxThreads <= 0 {
		return fmt.Errorf("invalid recluster max threads %d, must be greater than 0", cfg.MaxThreads)
	}
	if cfg.ExchangeParallelism <= 0 {
		return fmt.Errorf("invalid recluster exchange parallelism %d, must be greater than 0", cfg.ExchangeParallelism)
	}
	return nil
}

// PushDownInfo restricts the blocks considered for reclustering.
type PushDownInfo struct {
	// Filter selects the rows to recluster.
	Filter physical.Expression
	// InvertedFilter selects the rows which are left untouched.
	InvertedFilter physical.Expression
}

// Mutator is one batch of work proposed by the storage engine.
type Mutator struct {
	Tasks    Tasks
	Snapshot *tablemeta.Snapshot
	// BlockCount is the number of blocks rewritten by Tasks.
	BlockCount uint64
	// Distributed is set when the batch is read on several nodes.
	Distributed bool
}

// Table is a table which can be reclustered.
type Table interface {
	Info() tablemeta.TableInfo
	// CheckMutable returns an error if the table cannot be modified.
	CheckMutable() error
	// BuildReclusterMutator proposes the next batch of at most limit blocks.
	// It returns nil when there is nothing to do.
	BuildReclusterMutator(ctx context.Context, pushDowns *PushDownInfo, limit int) (*Mutator, error)
}

// Catalog resolves tables.
type Catalog interface {
	GetTable(ctx context.Context, database, table string) (Table, error)
}

// Locker acquires table maintenance locks.
type Locker interface {
	Acquire(ctx context.Context, database, table string, opt lock.Option) (lock.Guard, error)
}

var _ Locker = (*lock.Manager)(nil)

// Request is a recluster statement.
type Request struct {
	Database string
	Table    string
	// Filter optionally restricts reclustering to matching rows.
	Filter physical.Expression
	// Limit bounds the blocks of a single batch. 0 means no limit.
	Limit int
	// IsFinal runs batches until all work is done instead of a single one.
	IsFinal bool
}

// Result summarises a recluster run.
type Result struct {
	// Status describes the progress of the run.
	Status string
	// Iterations is the number of batches attempted, including the final
	// one that found no work.
	Iterations int
	// BlockCount is the number of blocks planned for rewriting.
	BlockCount uint64
	// TimedOut is set when the run stopped because of the timeout.
	TimedOut bool
}

// Params holds parameters for constructing a new [Interpreter].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.
	Clock      quartz.Clock

	Config Config

	Catalog Catalog
	Locker  Locker
	History history.Writer

	Kernels compiler.Kernels
	Source  compiler.DataSource
	Writer  compiler.TableWriter
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Clock == nil {
		p.Clock = quartz.NewReal()
	}
	if p.History == nil {
		p.History = history.NewLogWriter(p.Logger)
	}
	if p.Catalog == nil {
		return errors.New("catalog is required")
	}
	if p.Locker == nil {
		return errors.New("locker is required")
	}
	if p.Writer == nil {
		return errors.New("table writer is required")
	}
	return p.Config.Validate()
}

// Interpreter executes recluster requests.
type Interpreter struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics
	clock   quartz.Clock

	catalog     Catalog
	locker      Locker
	history     history.Writer
	compilerCfg compiler.Config
}

// New creates a new Interpreter.
func New(params Params) (*Interpreter, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Interpreter{
		cfg:     params.Config,
		logger:  params.Logger,
		metrics: newMetrics(params.Registerer),
		clock:   params.Clock,

		catalog: params.Catalog,
		locker:  params.Locker,
		history: params.History,
		compilerCfg: compiler.Config{
			MaxThreads: params.Config.MaxThreads,
			Kernels:    params.Kernels,
			Source:     params.Source,
			Writer:     params.Writer,
			Logger:     params.Logger,
		},
	}, nil
}

// Execute runs req. A request that is not final runs a single batch and
// returns its error unchanged. A final request runs batches until no work is
// left or the timeout elapsed, retrying batches which failed because of a
// conflicting concurrent modification.
func (i *Interpreter) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "Interpreter.Execute", trace.WithAttributes(
		attribute.String("database", req.Database),
		attribute.String("table", req.Table),
		attribute.Bool("final", req.IsFinal),
		attribute.Int("limit", req.Limit),
	))
	defer span.End()

	logger := log.With(i.logger, "database", req.Database, "table", req.Table)

	var pushDowns *PushDownInfo
	if req.Filter != nil {
		pushDowns = &PushDownInfo{
			Filter:         req.Filter,
			InvertedFilter: physical.Not(req.Filter),
		}
	}

	var (
		res   Result
		times int
		start = i.clock.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			level.Error(logger).Log("msg", "recluster aborted, the server is shutting down or the request was canceled")
			i.metrics.runs.WithLabelValues(statusCanceled).Inc()
			span.SetStatus(codes.Error, "canceled")
			return res, context.Cause(ctx)
		}

		res.Iterations++
		i.metrics.iterations.Inc()
		done, err := i.executeBatch(ctx, logger, req, pushDowns, &res.BlockCount)
		if err != nil {
			if !req.IsFinal || !isConflict(err) {
				i.metrics.runs.WithLabelValues(statusFailure).Inc()
				span.RecordError(err)
				span.SetStatus(codes.Error, "recluster failed")
				return res, err
			}
			i.metrics.retries.Inc()
			level.Warn(logger).Log("msg", "recluster batch failed, retrying", "err", err)
		} else if done {
			break
		}

		elapsed := i.clock.Since(start)
		times++
		res.Status = fmt.Sprintf("recluster: run recluster tasks:%d times, cost:%s", times, elapsed)
		level.Info(logger).Log("msg", "finished recluster batch", "times", times, "elapsed", elapsed)

		if !req.IsFinal {
			break
		}
		if elapsed >= i.cfg.Timeout {
			level.Warn(logger).Log("msg", "recluster stopped because the runtime was over the timeout", "timeout", i.cfg.Timeout)
			res.TimedOut = true
			break
		}
	}

	duration := i.clock.Since(start)
	i.metrics.duration.Observe(duration.Seconds())
	i.metrics.blocks.Add(float64(res.BlockCount))

	if res.BlockCount != 0 {
		tenant, _ := user.ExtractOrgID(ctx)
		rec := history.Record{
			Start:      start,
			End:        start.Add(duration),
			Tenant:     tenant,
			Database:   req.Database,
			Table:      req.Table,
			BlockCount: res.BlockCount,
		}
		if err := i.history.Write(ctx, rec); err != nil {
			i.metrics.runs.WithLabelValues(statusFailure).Inc()
			return res, fmt.Errorf("writing recluster history: %w", err)
		}
	}

	i.metrics.runs.WithLabelValues(statusSuccess).Inc()
	span.SetAttributes(attribute.Int("iterations", res.Iterations))
	return res, nil
}

// executeBatch runs one batch under the table lock. It reports done when the
// storage engine proposed no work. The executor is closed and the lock is
// released before executeBatch returns.
func (i *Interpreter) executeBatch(ctx context.Context, logger log.Logger, req Request, pushDowns *PushDownInfo, blockCount *uint64) (done bool, err error) {
	guard, err := i.locker.Acquire(ctx, req.Database, req.Table, lock.LockWithRetry)
	if err != nil {
		return false, err
	}
	defer releaseGuard(ctx, logger, guard)

	table, err := i.catalog.GetTable(ctx, req.Database, req.Table)
	if err != nil {
		return false, err
	}
	if err := table.CheckMutable(); err != nil {
		return false, err
	}

	mutator, err := table.BuildReclusterMutator(ctx, pushDowns, req.Limit)
	if err != nil {
		return false, err
	}
	if mutator == nil || mutator.Tasks == nil || mutator.Tasks.Len() == 0 {
		return true, nil
	}
	*blockCount += mutator.BlockCount

	plan, err := BuildPhysicalPlan(mutator.Tasks, table.Info(), mutator.Snapshot, mutator.Distributed)
	if err != nil {
		return false, err
	}
	level.Debug(logger).Log("msg", "built recluster plan", "tasks", mutator.Tasks.Len(), "blocks", mutator.BlockCount, "plan", physical.PrintAsTree(plan))

	built, err := engine.BuildQueryPipeline(ctx, i.compilerCfg, i.cfg.ExchangeParallelism, plan)
	if err != nil {
		return false, err
	}
	if !built.Main.IsComplete() {
		return false, fmt.Errorf("recluster main pipeline: %w", pipeline.ErrIncompletePipeline)
	}
	built.Main.SetMaxThreads(i.cfg.MaxThreads)

	exec, err := pipeline.NewCompleteExecutor(logger, built.Pipelines()...)
	if err != nil {
		return false, err
	}
	defer exec.Close()

	if err := exec.Execute(ctx); err != nil {
		return false, err
	}
	if err := guard.Check(ctx); err != nil {
		return false, err
	}

	// The executor must be gone before the lock is released.
	if err := exec.Close(); err != nil {
		return false, err
	}
	releaseGuard(ctx, logger, guard)
	return false, nil
}

func releaseGuard(ctx context.Context, logger log.Logger, guard lock.Guard) {
	if err := guard.Release(context.WithoutCancel(ctx)); err != nil {
		level.Warn(logger).Log("msg", "failed to release table lock", "err", err)
	}
}
