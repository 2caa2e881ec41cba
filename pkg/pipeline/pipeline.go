// Package pipeline contains the executable form of a compiled physical plan:
// pipelines of stages connected by ports, the plan scopes attached to those
// stages, and an executor which drives complete pipelines.
package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompletePipeline is returned when a pipeline which must be complete
	// has unconnected ports.
	ErrIncompletePipeline = errors.New("incomplete pipeline")

	errEmptyPipeline = errors.New("pipeline is empty")
)

// Stage is a single processor inside a [Pipe] together with the number of
// input and output ports it consumes and produces.
type Stage struct {
	Processor Processor
	Inputs    int
	Outputs   int

	// Scope is the plan scope that was open when the stage was added.
	Scope *PlanScope
}

// Pipe is a set of stages that run side by side. The output ports of one
// pipe are connected, in order, to the input ports of the next pipe.
type Pipe struct {
	Stages []*Stage
}

// InputLen returns the number of input ports of the pipe.
func (p *Pipe) InputLen() int {
	var n int
	for _, s := range p.Stages {
		n += s.Inputs
	}
	return n
}

// OutputLen returns the number of output ports of the pipe.
func (p *Pipe) OutputLen() int {
	var n int
	for _, s := range p.Stages {
		n += s.Outputs
	}
	return n
}

// Pipeline is a linear sequence of pipes under construction.
type Pipeline struct {
	pipes      []*Pipe
	maxThreads int
	scopes     *ScopeTracker
}

// New returns an empty pipeline with its own scope tracker.
func New() *Pipeline {
	return &Pipeline{scopes: newScopeTracker()}
}

// WithScopes returns an empty pipeline which shares the plan scopes of p.
// Scopes opened on either pipeline are visible to stages added to both.
func (p *Pipeline) WithScopes() *Pipeline {
	return &Pipeline{scopes: p.scopes}
}

// Pipes returns the pipes of the pipeline.
func (p *Pipeline) Pipes() []*Pipe { return p.pipes }

// IsEmpty reports whether no pipe was added yet.
func (p *Pipeline) IsEmpty() bool { return len(p.pipes) == 0 }

// OutputLen returns the number of unconnected output ports.
func (p *Pipeline) OutputLen() int {
	if p.IsEmpty() {
		return 0
	}
	return p.pipes[len(p.pipes)-1].OutputLen()
}

// IsComplete reports whether the pipeline starts with sources and ends with
// sinks, so it has no unconnected ports.
func (p *Pipeline) IsComplete() bool {
	return !p.IsEmpty() && p.pipes[0].InputLen() == 0 && p.OutputLen() == 0
}

// IsPulling reports whether the pipeline starts with sources and leaves
// output ports open for the caller to read.
func (p *Pipeline) IsPulling() bool {
	return !p.IsEmpty() && p.pipes[0].InputLen() == 0 && p.OutputLen() > 0
}

// SetMaxThreads sets the maximum number of parallel stages the executor may
// run for this pipeline.
func (p *Pipeline) SetMaxThreads(n int) { p.maxThreads = n }

// MaxThreads returns the configured maximum parallelism, 0 if unset.
func (p *Pipeline) MaxThreads() int { return p.maxThreads }

// PlanScopes returns every plan scope opened on the tracker of p, in the
// order they were opened.
func (p *Pipeline) PlanScopes() []*PlanScope { return p.scopes.all }

// AddPipe appends pipe. Its input ports must match the output ports of the
// pipeline.
func (p *Pipeline) AddPipe(pipe *Pipe) error {
	if in, out := pipe.InputLen(), p.OutputLen(); in != out {
		return fmt.Errorf("pipe expects %d inputs, pipeline has %d outputs", in, out)
	}
	if !p.IsEmpty() && p.OutputLen() == 0 {
		return errors.New("cannot add pipe after sink")
	}
	scope := p.scopes.current()
	for _, s := range pipe.Stages {
		if s.Scope == nil {
			s.Scope = scope
		}
	}
	p.pipes = append(p.pipes, pipe)
	return nil
}

// AddSource appends one source stage per processor. The pipeline must be
// empty.
func (p *Pipeline) AddSource(procs ...Processor) error {
	if !p.IsEmpty() {
		return errors.New("sources must be the first pipe of a pipeline")
	}
	if len(procs) == 0 {
		return errors.New("at least one source is required")
	}
	pipe := &Pipe{Stages: make([]*Stage, 0, len(procs))}
	for _, proc := range procs {
		pipe.Stages = append(pipe.Stages, &Stage{Processor: proc, Outputs: 1})
	}
	return p.AddPipe(pipe)
}

// AddTransform appends one single-input, single-output stage per output port
// of the pipeline. newProc is called with the index of the port.
func (p *Pipeline) AddTransform(newProc func(i int) (Processor, error)) error {
	return p.addPerPort(newProc, 1)
}

// AddSink appends one sink stage per output port of the pipeline, which
// makes it complete.
func (p *Pipeline) AddSink(newProc func(i int) (Processor, error)) error {
	return p.addPerPort(newProc, 0)
}

func (p *Pipeline) addPerPort(newProc func(i int) (Processor, error), outputs int) error {
	n := p.OutputLen()
	if n == 0 {
		return errEmptyPipeline
	}
	pipe := &Pipe{Stages: make([]*Stage, 0, n)}
	for i := range n {
		proc, err := newProc(i)
		if err != nil {
			return err
		}
		pipe.Stages = append(pipe.Stages, &Stage{Processor: proc, Inputs: 1, Outputs: outputs})
	}
	return p.AddPipe(pipe)
}

// Resize changes the number of output ports of the pipeline to n. It is a
// no-op if the pipeline already has n outputs.
func (p *Pipeline) Resize(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid resize to %d outputs", n)
	}
	in := p.OutputLen()
	if in == 0 {
		return errEmptyPipeline
	}
	if in == n {
		return nil
	}
	return p.AddPipe(&Pipe{Stages: []*Stage{{
		Processor: resizeProcessor{},
		Inputs:    in,
		Outputs:   n,
	}}})
}
