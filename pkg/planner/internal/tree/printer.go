package tree

import (
	"fmt"
	"io"
	"strings"
)

const (
	symConn   = "├── "
	symLast   = "└── "
	symIndent = "│   "
	symSpace  = "    "
)

// Printer writes a [Node] and its children as an indented tree.
type Printer struct {
	w io.Writer
}

// NewPrinter creates a new [Printer] that writes to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Print writes the tree rooted at n.
func (p *Printer) Print(n *Node) {
	p.printNode(n, "", "")
}

func (p *Printer) printNode(n *Node, prefix, childPrefix string) {
	fmt.Fprintf(p.w, "%s%s\n", prefix, header(n))
	for i, child := range n.Children {
		if i == len(n.Children)-1 {
			p.printNode(child, childPrefix+symLast, childPrefix+symSpace)
			continue
		}
		p.printNode(child, childPrefix+symConn, childPrefix+symIndent)
	}
}

func header(n *Node) string {
	var sb strings.Builder
	sb.WriteString(n.Name)
	if n.ID != "" {
		sb.WriteString(" #" + n.ID)
	}
	for _, prop := range n.Properties {
		sb.WriteString(" " + prop.String())
	}
	return sb.String()
}
