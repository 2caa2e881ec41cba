package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ErrExecutorClosed is returned when executing a closed executor.
var ErrExecutorClosed = errors.New("executor is closed")

// Executor drives compiled pipelines to completion.
type Executor interface {
	// Execute runs every pipeline until all stages finished or one of them
	// failed.
	Execute(ctx context.Context) error
	// Close releases the executor. It is safe to call Close more than once.
	Close() error
}

// CompleteExecutor runs a set of complete pipelines. Every stage runs in its
// own goroutine; ports are connected with unbuffered channels so back
// pressure flows upstream.
type CompleteExecutor struct {
	pipelines []*Pipeline
	logger    log.Logger

	closed  atomic.Bool
	running atomic.Bool
}

var _ Executor = (*CompleteExecutor)(nil)

// NewCompleteExecutor returns an executor for pipelines. Every pipeline must
// be complete.
func NewCompleteExecutor(logger log.Logger, pipelines ...*Pipeline) (*CompleteExecutor, error) {
	if len(pipelines) == 0 {
		return nil, errors.New("no pipelines to execute")
	}
	for i, p := range pipelines {
		if !p.IsComplete() {
			return nil, fmt.Errorf("pipeline %d: %w", i, ErrIncompletePipeline)
		}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CompleteExecutor{pipelines: pipelines, logger: logger}, nil
}

// Execute implements [Executor].
func (e *CompleteExecutor) Execute(ctx context.Context) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("executor is already running")
	}
	defer e.running.Store(false)

	var stages int
	for _, p := range e.pipelines {
		for _, pipe := range p.pipes {
			stages += len(pipe.Stages)
		}
	}

	ctx, span := tracer.Start(ctx, "CompleteExecutor.Execute", trace.WithAttributes(
		attribute.Int("num_pipelines", len(e.pipelines)),
		attribute.Int("num_stages", stages),
	))
	defer span.End()

	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range e.pipelines {
		e.run(ctx, cancel, g, p)
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level.Warn(e.logger).Log("msg", "pipeline execution failed", "stages", stages, "duration", time.Since(start), "err", err)
		return err
	}
	level.Debug(e.logger).Log("msg", "pipeline execution finished", "stages", stages, "duration", time.Since(start))
	return nil
}

func (e *CompleteExecutor) run(ctx context.Context, cancel context.CancelCauseFunc, g *errgroup.Group, p *Pipeline) {
	var upstream []chan arrow.Record
	for _, pipe := range p.pipes {
		downstream := make([]chan arrow.Record, pipe.OutputLen())
		for i := range downstream {
			downstream[i] = make(chan arrow.Record)
		}

		var inOffset, outOffset int
		for _, stage := range pipe.Stages {
			inputs := make([]<-chan arrow.Record, stage.Inputs)
			for i := range inputs {
				inputs[i] = upstream[inOffset+i]
			}
			outputs := make([]chan<- arrow.Record, stage.Outputs)
			owned := downstream[outOffset : outOffset+stage.Outputs]
			for i := range outputs {
				outputs[i] = owned[i]
			}
			inOffset += stage.Inputs
			outOffset += stage.Outputs

			g.Go(func() error {
				err := stage.Processor.Process(ctx, inputs, outputs)
				if err != nil {
					err = fmt.Errorf("%s: %w", stage.Processor.Name(), err)
					// Cancel before closing the outputs, so downstream stages
					// never mistake a failure for the end of their input.
					cancel(err)
				}
				for _, ch := range owned {
					close(ch)
				}
				return err
			})
		}
		upstream = downstream
	}
}

// Close implements [Executor].
func (e *CompleteExecutor) Close() error {
	e.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (e *CompleteExecutor) Closed() bool {
	return e.closed.Load()
}
