package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pkg/pipeline")

// PlanScope is a profiling scope attached to the stages compiled for one
// plan node.
type PlanScope struct {
	ID     uint32
	Name   string
	Desc   string
	Labels []attribute.KeyValue

	// Parent is the scope that was open when this scope was added, nil for
	// the outermost scope.
	Parent *PlanScope

	span trace.Span
}

// ScopeTracker keeps the stack of open plan scopes of a compilation.
type ScopeTracker struct {
	stack []*PlanScope
	all   []*PlanScope
}

func newScopeTracker() *ScopeTracker {
	return &ScopeTracker{}
}

func (t *ScopeTracker) current() *PlanScope {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

// ScopeGuard closes a plan scope.
type ScopeGuard struct {
	tracker *ScopeTracker
	scope   *PlanScope
}

// AddPlanScope opens scope on p. Stages added to p, or to any pipeline
// sharing its scopes, are attributed to scope until the returned guard is
// ended. The returned context carries the span of the scope.
func (p *Pipeline) AddPlanScope(ctx context.Context, scope PlanScope) (context.Context, *ScopeGuard) {
	s := &scope
	s.Parent = p.scopes.current()

	attrs := append([]attribute.KeyValue{
		attribute.Int64("plan.id", int64(s.ID)),
		attribute.String("plan.desc", s.Desc),
	}, s.Labels...)
	ctx, s.span = tracer.Start(ctx, s.Name, trace.WithAttributes(attrs...))

	p.scopes.stack = append(p.scopes.stack, s)
	p.scopes.all = append(p.scopes.all, s)
	return ctx, &ScopeGuard{tracker: p.scopes, scope: s}
}

// End closes the scope. It is safe to call End more than once.
func (g *ScopeGuard) End() {
	if g == nil || g.scope == nil {
		return
	}
	stack := g.tracker.stack
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == g.scope {
			g.tracker.stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	g.scope.span.End()
	g.scope = nil
}
