package physical

import "errors"

// WalkOrder defines the order in which a node and its children are visited.
type WalkOrder uint8

const (
	// PreOrderWalk processes the current node before visiting any of its
	// children.
	PreOrderWalk WalkOrder = iota

	// PostOrderWalk processes the current node after visiting all of its
	// children.
	PostOrderWalk
)

// WalkFunc is invoked for every node of a walk. Walking stops if it returns a
// non-nil error.
type WalkFunc func(n Node) error

// Walk performs a depth-first walk of the tree rooted at n and returns the
// first error returned by f.
func Walk(n Node, f WalkFunc, order WalkOrder) error {
	switch order {
	case PreOrderWalk:
		return preOrderWalk(n, f)
	case PostOrderWalk:
		return postOrderWalk(n, f)
	default:
		return errors.New("unsupported walk order. must be one of PreOrderWalk and PostOrderWalk")
	}
}

func preOrderWalk(n Node, f WalkFunc) error {
	if err := f(n); err != nil {
		return err
	}
	for _, child := range n.Children() {
		if err := preOrderWalk(child, f); err != nil {
			return err
		}
	}
	return nil
}

func postOrderWalk(n Node, f WalkFunc) error {
	for _, child := range n.Children() {
		if err := postOrderWalk(child, f); err != nil {
			return err
		}
	}
	return f(n)
}

// AdjustPlanID assigns sequential plan identifiers to the tree rooted at n in
// pre-order, starting at *next. Parents always receive a smaller identifier
// than their children. On return, *next holds the next free identifier.
func AdjustPlanID(n Node, next *uint32) {
	n.setID(*next)
	*next++
	for _, child := range n.Children() {
		AdjustPlanID(child, next)
	}
}

// Count returns the number of nodes of type t in the tree rooted at n.
func Count(n Node, t NodeType) int {
	var count int
	_ = Walk(n, func(n Node) error {
		if n.Type() == t {
			count++
		}
		return nil
	}, PreOrderWalk)
	return count
}
