package compiler

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"

	"github.com/grafana/quarry/pkg/pipeline"
	"github.com/grafana/quarry/pkg/planner/physical"
)

// Kernels evaluate the per-record computation of single-input nodes such as
// filters, projections and aggregations.
type Kernels interface {
	Apply(ctx context.Context, node physical.Node, rec arrow.Record) (arrow.Record, error)
}

// JoinKernel combines the build side of a join with one probe record.
type JoinKernel interface {
	Probe(ctx context.Context, node physical.Node, build []arrow.Record, probe arrow.Record) (arrow.Record, error)
}

// Partition identifies the slice of a source read by one parallel source
// stage.
type Partition struct {
	Index int
	Count int
}

// DataSource opens readers for the partitions of source nodes.
type DataSource interface {
	Open(ctx context.Context, node physical.Node, partition Partition) (pipeline.Reader, error)
}

// TableWriter receives the output of sink nodes.
type TableWriter interface {
	Append(ctx context.Context, node physical.Node, rec arrow.Record) error
	// Commit is called once after every record of the sink was appended.
	Commit(ctx context.Context, node physical.Node) error
}

// Config configures a [PipelineBuilder].
type Config struct {
	// MaxThreads caps the number of parallel source stages. 0 means no cap.
	MaxThreads int

	Kernels Kernels
	Joins   JoinKernel
	Source  DataSource
	Writer  TableWriter

	Logger log.Logger
}

func (c *Config) setDefaults() {
	if c.Kernels == nil {
		c.Kernels = passthrough{}
	}
	if c.Joins == nil {
		c.Joins = passthrough{}
	}
	if c.Source == nil {
		c.Source = emptySource{}
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
}

type passthrough struct{}

func (passthrough) Apply(_ context.Context, _ physical.Node, rec arrow.Record) (arrow.Record, error) {
	return rec, nil
}

func (passthrough) Probe(_ context.Context, _ physical.Node, _ []arrow.Record, probe arrow.Record) (arrow.Record, error) {
	return probe, nil
}

type emptySource struct{}

func (emptySource) Open(context.Context, physical.Node, Partition) (pipeline.Reader, error) {
	return &recordsReader{}, nil
}

// recordsReader replays a fixed list of records.
type recordsReader struct {
	records []arrow.Record
	pos     int
}

func (r *recordsReader) Read(context.Context) (arrow.Record, error) {
	if r.pos >= len(r.records) {
		return nil, pipeline.EOF
	}
	rec := r.records[r.pos]
	r.pos++
	return rec, nil
}

func (r *recordsReader) Close() {}

// lazyReader defers opening the underlying reader to the first Read, so
// nothing is opened while compiling.
type lazyReader struct {
	open  func(ctx context.Context) (pipeline.Reader, error)
	built pipeline.Reader
}

func (r *lazyReader) Read(ctx context.Context) (arrow.Record, error) {
	if r.built == nil {
		built, err := r.open(ctx)
		if err != nil {
			return nil, err
		}
		r.built = built
	}
	return r.built.Read(ctx)
}

func (r *lazyReader) Close() {
	if r.built != nil {
		r.built.Close()
	}
	r.built = nil
}
