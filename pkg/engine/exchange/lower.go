package exchange

import (
	"github.com/oklog/ulid/v2"

	"github.com/grafana/quarry/pkg/planner/physical"
)

// Fragment is a part of a plan that runs as its own pipeline. Every fragment
// except the root ends in an [physical.ExchangeSink].
type Fragment struct {
	ID   ulid.ULID
	Root physical.Node
}

// Fragments is a plan split at its exchanges.
type Fragments struct {
	// Root produces the result of the plan.
	Root *Fragment
	// Children feed the root. A fragment only depends on fragments that
	// appear before it.
	Children []*Fragment
}

// Lower splits plan at every [physical.Exchange]. Each exchange is replaced
// by an [physical.ExchangeSource] and its input becomes a child fragment
// ending in an [physical.ExchangeSink] with the same stream. Exchanges marked
// IgnoreExchange are removed. The input plan is not modified.
func Lower(plan physical.Node) (*Fragments, error) {
	var l lowerer
	root, err := l.lower(plan)
	if err != nil {
		return nil, err
	}
	return &Fragments{
		Root:     &Fragment{ID: ulid.Make(), Root: root},
		Children: l.fragments,
	}, nil
}

type lowerer struct {
	fragments []*Fragment
}

func (l *lowerer) lower(n physical.Node) (physical.Node, error) {
	children := n.Children()
	lowered := make([]physical.Node, len(children))
	for i, child := range children {
		c, err := l.lower(child)
		if err != nil {
			return nil, err
		}
		lowered[i] = c
	}

	ex, ok := n.(*physical.Exchange)
	if !ok {
		return physical.WithChildren(n, lowered)
	}
	if ex.IgnoreExchange {
		return lowered[0], nil
	}

	stream := ulid.Make()
	sink, source := physical.SplitExchange(ex, lowered[0], stream)
	l.fragments = append(l.fragments, &Fragment{ID: stream, Root: sink})
	return source, nil
}
