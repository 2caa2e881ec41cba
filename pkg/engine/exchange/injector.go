// Package exchange decides how distributed boundaries of a physical plan are
// materialized into pipeline stages.
package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/grafana/quarry/pkg/pipeline"
	"github.com/grafana/quarry/pkg/planner/physical"
)

// Injector materializes exchange nodes. The compiler never compiles exchange
// nodes itself and hands them to the injector instead.
type Injector interface {
	// InjectExchange handles a bare [physical.Exchange]. buildInput compiles
	// the input of the exchange into p.
	InjectExchange(ctx context.Context, p *pipeline.Pipeline, node *physical.Exchange, buildInput func(context.Context) error) error
	// InjectSink terminates p, whose stages produce the input of node.
	InjectSink(ctx context.Context, p *pipeline.Pipeline, node *physical.ExchangeSink) error
	// InjectSource starts the empty pipeline p with the receiving side of node.
	InjectSource(ctx context.Context, p *pipeline.Pipeline, node *physical.ExchangeSource) error
}

// Hub holds the in-process streams connecting exchange sinks and sources.
type Hub struct {
	mu      sync.Mutex
	streams map[ulid.ULID]*stream
}

// stream holds the channels of one exchange. Merge streams have a single
// channel shared by every reader, other kinds one channel per reader.
type stream struct {
	kind     physical.ExchangeKind
	readers  int
	channels []*pipeline.Channel
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[ulid.ULID]*stream)}
}

// Stream returns the channels of the stream with the given id, creating them
// if needed. Sinks and sources of a stream must agree on kind and readers.
func (h *Hub) Stream(id ulid.ULID, kind physical.ExchangeKind, readers int) ([]*pipeline.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[id]; ok {
		if s.kind != kind || s.readers != readers {
			return nil, fmt.Errorf("%w: stream %s opened as %s with %d readers, got %s with %d readers", physical.ErrInvalidPlan, id, s.kind, s.readers, kind, readers)
		}
		return s.channels, nil
	}

	var n int
	switch kind {
	case physical.ExchangeMerge:
		n = 1
	case physical.ExchangeBroadcast, physical.ExchangeShuffle:
		n = readers
	default:
		return nil, fmt.Errorf("%w: unsupported exchange kind %s", physical.ErrInvalidPlan, kind)
	}

	s := &stream{kind: kind, readers: readers, channels: make([]*pipeline.Channel, n)}
	for i := range s.channels {
		s.channels[i] = pipeline.NewChannel()
	}
	h.streams[id] = s
	return s.channels, nil
}

// Len returns the number of streams.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// DefaultInjector connects exchange sinks and sources through a [Hub]. Bare
// exchanges are rejected: they must have been lowered with [Lower].
//
// Merge exchanges collapse the sending pipeline and every reader takes rows
// from the same channel. Broadcast exchanges send every record to every
// reader. Shuffle exchanges hash the key columns of every row to pick its
// reader, so equal keys always reach the same reader.
type DefaultInjector struct {
	hub *Hub

	// Parallelism is the number of readers started for each exchange which
	// allows adjusting its parallelism. Other exchanges get a single reader.
	Parallelism int
}

var _ Injector = (*DefaultInjector)(nil)

// NewDefaultInjector returns an injector using hub.
func NewDefaultInjector(hub *Hub) *DefaultInjector {
	return &DefaultInjector{hub: hub, Parallelism: 1}
}

func (i *DefaultInjector) readers(adjustable bool) int {
	if !adjustable {
		return 1
	}
	return max(i.Parallelism, 1)
}

// InjectExchange implements [Injector].
func (i *DefaultInjector) InjectExchange(_ context.Context, _ *pipeline.Pipeline, node *physical.Exchange, _ func(context.Context) error) error {
	return fmt.Errorf("%w: bare %s exchange #%d", physical.ErrInvalidPlan, node.Kind, node.ID())
}

// InjectSink implements [Injector].
func (i *DefaultInjector) InjectSink(_ context.Context, p *pipeline.Pipeline, node *physical.ExchangeSink) error {
	channels, err := i.hub.Stream(node.StreamID, node.Kind, i.readers(node.AllowAdjustParallelism))
	if err != nil {
		return err
	}

	switch node.Kind {
	case physical.ExchangeMerge:
		if err := p.Resize(1); err != nil {
			return err
		}
		return p.AddSink(func(int) (pipeline.Processor, error) {
			return pipeline.NewChannelSink("ExchangeSink", channels[0]), nil
		})
	case physical.ExchangeBroadcast:
		return p.AddSink(func(int) (pipeline.Processor, error) {
			return pipeline.NewRouterSink("ExchangeSink", channels, broadcast(len(channels))), nil
		})
	case physical.ExchangeShuffle:
		route, err := shuffle(node.Keys, len(channels))
		if err != nil {
			return fmt.Errorf("shuffle exchange #%d: %w", node.ID(), err)
		}
		return p.AddSink(func(int) (pipeline.Processor, error) {
			return pipeline.NewRouterSink("ExchangeSink", channels, route), nil
		})
	default:
		return fmt.Errorf("%w: unsupported exchange kind %s", physical.ErrInvalidPlan, node.Kind)
	}
}

// InjectSource implements [Injector].
func (i *DefaultInjector) InjectSource(_ context.Context, p *pipeline.Pipeline, node *physical.ExchangeSource) error {
	n := i.readers(node.AllowAdjustParallelism)
	channels, err := i.hub.Stream(node.StreamID, node.Kind, n)
	if err != nil {
		return err
	}

	sources := make([]pipeline.Processor, n)
	for j := range sources {
		c := channels[0]
		if len(channels) > 1 {
			c = channels[j]
		}
		sources[j] = pipeline.NewChannelSource("ExchangeSource", c)
	}
	return p.AddSource(sources...)
}

// LocalInjector runs bare exchanges in place for single node execution:
// merge exchanges collapse the pipeline to one output and every other kind
// keeps the current parallelism.
type LocalInjector struct {
	*DefaultInjector
}

var _ Injector = (*LocalInjector)(nil)

// NewLocalInjector returns an injector for single node execution.
func NewLocalInjector(hub *Hub) *LocalInjector {
	return &LocalInjector{DefaultInjector: NewDefaultInjector(hub)}
}

// InjectExchange implements [Injector].
func (i *LocalInjector) InjectExchange(ctx context.Context, p *pipeline.Pipeline, node *physical.Exchange, buildInput func(context.Context) error) error {
	if err := buildInput(ctx); err != nil {
		return err
	}
	if node.IgnoreExchange || node.Kind != physical.ExchangeMerge {
		return nil
	}
	return p.Resize(1)
}
