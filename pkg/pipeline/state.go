package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// Buffer collects the records of one or more writers and hands them to any
// number of readers once every writer finished. Writers must be registered
// with AddWriter before execution starts.
type Buffer struct {
	mu      sync.Mutex
	records []arrow.Record
	writers int
	done    chan struct{}
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{done: make(chan struct{})}
}

// AddWriter registers a writer.
func (b *Buffer) AddWriter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writers++
}

// Append adds rec to the buffer.
func (b *Buffer) Append(rec arrow.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
}

// WriterDone marks one writer as finished. The buffer becomes readable once
// all registered writers are done.
func (b *Buffer) WriterDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writers--
	if b.writers == 0 {
		close(b.done)
	}
}

// Wait blocks until every writer is done and returns the buffered records.
func (b *Buffer) Wait(ctx context.Context) ([]arrow.Record, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-b.done:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records, nil
}

// NumRows returns the number of rows buffered so far.
func (b *Buffer) NumRows() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, rec := range b.records {
		n += rec.NumRows()
	}
	return n
}

// JoinState is the build side of a join, shared between the pipeline that
// builds it and the stages that probe it.
type JoinState struct {
	*Buffer
	JoinID uint32
}

// NewJoinState returns the state for the join with the given plan id.
func NewJoinState(joinID uint32) *JoinState {
	return &JoinState{Buffer: NewBuffer(), JoinID: joinID}
}

// MaterializedCteState holds the single materialization of a CTE which every
// scan of it reads.
type MaterializedCteState struct {
	*Buffer
	CTEIndex uint32
}

// NewMaterializedCteState returns the state for the CTE with the given index.
func NewMaterializedCteState(index uint32) *MaterializedCteState {
	return &MaterializedCteState{Buffer: NewBuffer(), CTEIndex: index}
}

// NewBufferSink returns a sink appending to buf. The sink registers itself
// as a writer of buf.
func NewBufferSink(name string, buf *Buffer) Processor {
	buf.AddWriter()
	return &bufferSink{name: name, buf: buf}
}

type bufferSink struct {
	name string
	buf  *Buffer
}

func (p *bufferSink) Name() string { return p.name }

func (p *bufferSink) Process(ctx context.Context, inputs []<-chan arrow.Record, _ []chan<- arrow.Record) error {
	for rec := range inputs[0] {
		p.buf.Append(rec)
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	p.buf.WriterDone()
	return nil
}

// NewBufferSource returns a source emitting every record of buf once it is
// complete.
func NewBufferSource(name string, buf *Buffer) Processor {
	return &bufferSource{name: name, buf: buf}
}

type bufferSource struct {
	name string
	buf  *Buffer
}

func (p *bufferSource) Name() string { return p.name }

func (p *bufferSource) Process(ctx context.Context, _ []<-chan arrow.Record, outputs []chan<- arrow.Record) error {
	records, err := p.buf.Wait(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := Send(ctx, outputs[0], rec); err != nil {
			return err
		}
	}
	return nil
}

// Channel connects stages of different pipelines. It is closed for readers
// once every registered writer is done.
type Channel struct {
	mu      sync.Mutex
	ch      chan arrow.Record
	writers int
}

// NewChannel returns a channel without writers.
func NewChannel() *Channel {
	return &Channel{ch: make(chan arrow.Record)}
}

// AddWriter registers a writer.
func (c *Channel) AddWriter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writers++
}

// WriterDone marks one writer as finished.
func (c *Channel) WriterDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writers--
	if c.writers == 0 {
		close(c.ch)
	}
}

// Recv returns the receiving end of the channel.
func (c *Channel) Recv() <-chan arrow.Record { return c.ch }

// NewChannelSink returns a sink sending every record to c. The sink registers
// itself as a writer of c.
func NewChannelSink(name string, c *Channel) Processor {
	c.AddWriter()
	return &channelSink{name: name, c: c}
}

type channelSink struct {
	name string
	c    *Channel
}

func (p *channelSink) Name() string { return p.name }

func (p *channelSink) Process(ctx context.Context, inputs []<-chan arrow.Record, _ []chan<- arrow.Record) error {
	for rec := range inputs[0] {
		if err := Send(ctx, p.c.ch, rec); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	p.c.WriterDone()
	return nil
}

// RouteFunc splits rec into one record per channel of a router sink. A nil
// record sends nothing to the channel with that index.
type RouteFunc func(rec arrow.Record) ([]arrow.Record, error)

// NewRouterSink returns a sink sending the records returned by route to the
// channel with the same index. The sink registers itself as a writer of every
// channel.
func NewRouterSink(name string, channels []*Channel, route RouteFunc) Processor {
	for _, c := range channels {
		c.AddWriter()
	}
	return &routerSink{name: name, channels: channels, route: route}
}

type routerSink struct {
	name     string
	channels []*Channel
	route    RouteFunc
}

func (p *routerSink) Name() string { return p.name }

func (p *routerSink) Process(ctx context.Context, inputs []<-chan arrow.Record, _ []chan<- arrow.Record) error {
	for rec := range inputs[0] {
		routed, err := p.route(rec)
		if err != nil {
			return err
		}
		if len(routed) != len(p.channels) {
			return fmt.Errorf("%s routed a record to %d channels, want %d", p.name, len(routed), len(p.channels))
		}
		for i, r := range routed {
			if r == nil {
				continue
			}
			if err := Send(ctx, p.channels[i].ch, r); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	for _, c := range p.channels {
		c.WriterDone()
	}
	return nil
}

// NewChannelSource returns a source forwarding the records of c.
func NewChannelSource(name string, c *Channel) Processor {
	return &channelSource{name: name, c: c}
}

type channelSource struct {
	name string
	c    *Channel
}

func (p *channelSource) Name() string { return p.name }

func (p *channelSource) Process(ctx context.Context, _ []<-chan arrow.Record, outputs []chan<- arrow.Record) error {
	for {
		rec, ok, err := Recv(ctx, p.c.Recv())
		if err != nil || !ok {
			return err
		}
		if err := Send(ctx, outputs[0], rec); err != nil {
			return err
		}
	}
}
