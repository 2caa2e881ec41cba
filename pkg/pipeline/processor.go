package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"
)

// EOF is returned by a [Reader] once it is exhausted.
var EOF = errors.New("pipeline exhausted") //nolint:revive,staticcheck

// Processor is the runtime behaviour of a [Stage]. Process reads records from
// its inputs until they are closed and writes records to its outputs. The
// executor closes the outputs once Process returns. Implementations that
// succeed must consume their inputs until they are closed, so upstream stages
// never block.
type Processor interface {
	Name() string
	Process(ctx context.Context, inputs []<-chan arrow.Record, outputs []chan<- arrow.Record) error
}

// Reader produces records until it returns [EOF].
type Reader interface {
	Read(context.Context) (arrow.Record, error)
	Close()
}

// Send writes rec to out unless ctx is cancelled first.
func Send(ctx context.Context, out chan<- arrow.Record, rec arrow.Record) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case out <- rec:
		return nil
	}
}

// Recv reads the next record of in. ok is false once in is closed.
func Recv(ctx context.Context, in <-chan arrow.Record) (rec arrow.Record, ok bool, err error) {
	select {
	case <-ctx.Done():
		return nil, false, context.Cause(ctx)
	case rec, ok = <-in:
		return rec, ok, nil
	}
}

type sourceProcessor struct {
	name   string
	reader Reader
}

// NewSource returns a processor which writes every record of r to its single
// output and closes r when done.
func NewSource(name string, r Reader) Processor {
	return &sourceProcessor{name: name, reader: r}
}

func (p *sourceProcessor) Name() string { return p.name }

func (p *sourceProcessor) Process(ctx context.Context, _ []<-chan arrow.Record, outputs []chan<- arrow.Record) error {
	defer p.reader.Close()
	for {
		rec, err := p.reader.Read(ctx)
		if errors.Is(err, EOF) {
			return nil
		} else if err != nil {
			return err
		}
		if err := Send(ctx, outputs[0], rec); err != nil {
			return err
		}
	}
}

// TransformFunc maps a single record. Returning a nil record drops it.
type TransformFunc func(ctx context.Context, rec arrow.Record) (arrow.Record, error)

type transformProcessor struct {
	name string
	fn   TransformFunc
}

// NewTransform returns a single-input, single-output processor applying fn to
// every record.
func NewTransform(name string, fn TransformFunc) Processor {
	return &transformProcessor{name: name, fn: fn}
}

func (p *transformProcessor) Name() string { return p.name }

func (p *transformProcessor) Process(ctx context.Context, inputs []<-chan arrow.Record, outputs []chan<- arrow.Record) error {
	for rec := range inputs[0] {
		res, err := p.fn(ctx, rec)
		if err != nil {
			return err
		}
		if res == nil {
			continue
		}
		if err := Send(ctx, outputs[0], res); err != nil {
			return err
		}
	}
	return nil
}

type sinkProcessor struct {
	name    string
	consume func(context.Context, arrow.Record) error
	finish  func(context.Context) error
}

// NewSink returns a single-input processor without outputs. consume is called
// for every record and finish, if non-nil, once the input is exhausted.
func NewSink(name string, consume func(context.Context, arrow.Record) error, finish func(context.Context) error) Processor {
	return &sinkProcessor{name: name, consume: consume, finish: finish}
}

func (p *sinkProcessor) Name() string { return p.name }

func (p *sinkProcessor) Process(ctx context.Context, inputs []<-chan arrow.Record, _ []chan<- arrow.Record) error {
	for rec := range inputs[0] {
		if err := p.consume(ctx, rec); err != nil {
			return err
		}
	}
	// An upstream failure closes the input early; never finish on a partial
	// input.
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if p.finish != nil {
		return p.finish(ctx)
	}
	return nil
}

// resizeProcessor moves records from any input to the outputs in round-robin
// order.
type resizeProcessor struct{}

func (resizeProcessor) Name() string { return "Resize" }

func (resizeProcessor) Process(ctx context.Context, inputs []<-chan arrow.Record, outputs []chan<- arrow.Record) error {
	merged := make(chan arrow.Record)
	g, ctx := errgroup.WithContext(ctx)

	var wg sync.WaitGroup
	for _, in := range inputs {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for {
				rec, ok, err := Recv(ctx, in)
				if err != nil || !ok {
					return err
				}
				if err := Send(ctx, merged, rec); err != nil {
					return err
				}
			}
		})
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	g.Go(func() error {
		var next int
		for rec := range merged {
			if err := Send(ctx, outputs[next], rec); err != nil {
				return err
			}
			next = (next + 1) % len(outputs)
		}
		return nil
	})
	return g.Wait()
}

// MergeProcessor forwards records of every input and of extra to its single
// output. It is used to join branches compiled into separate pipelines.
type MergeProcessor struct {
	name  string
	extra *Channel
}

// NewMerge returns a [MergeProcessor] reading additionally from extra.
func NewMerge(name string, extra *Channel) *MergeProcessor {
	return &MergeProcessor{name: name, extra: extra}
}

func (p *MergeProcessor) Name() string { return p.name }

func (p *MergeProcessor) Process(ctx context.Context, inputs []<-chan arrow.Record, outputs []chan<- arrow.Record) error {
	all := append([]<-chan arrow.Record{}, inputs...)
	if p.extra != nil {
		all = append(all, p.extra.Recv())
	}
	return resizeProcessor{}.Process(ctx, all, outputs)
}
