// Package tree renders labelled trees as text.
package tree

import (
	"fmt"
	"strings"
)

// Property is a key with one or more values shown next to a [Node].
type Property struct {
	Key    string
	Values []any
	// IsMultiValue renders the values in parentheses even if there is only
	// one of them.
	IsMultiValue bool
}

// NewProperty returns a property for key.
func NewProperty(key string, multi bool, values ...any) Property {
	return Property{Key: key, Values: values, IsMultiValue: multi}
}

// String returns key=value or key=(v1, v2) for multi-value properties.
func (p Property) String() string {
	values := make([]string, len(p.Values))
	for i, v := range p.Values {
		values[i] = fmt.Sprint(v)
	}
	joined := strings.Join(values, ", ")
	if p.IsMultiValue {
		joined = "(" + joined + ")"
	}
	return p.Key + "=" + joined
}

// Node is one line of a printed tree.
type Node struct {
	ID         string
	Name       string
	Properties []Property
	Children   []*Node
}

// NewNode returns a leaf node.
func NewNode(name, id string, properties ...Property) *Node {
	return &Node{ID: id, Name: name, Properties: properties}
}

// Add appends children to n and returns n.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}
