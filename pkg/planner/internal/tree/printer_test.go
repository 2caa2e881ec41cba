package tree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrinter(t *testing.T) {
	root := NewNode("Root", "").Add(
		NewNode("ReclusterSink", "0",
			NewProperty("table", false, "db.t1"),
			NewProperty("removed_segments", true, 1, 3),
		).Add(
			NewNode("UnionAll", "1").Add(
				NewNode("TableScan", "2", NewProperty("table", false, "db.t1")),
				NewNode("TableScan", "3", NewProperty("table", false, "db.t2")),
			),
			NewNode("ConstantTableScan", "4"),
		),
	)

	b := &strings.Builder{}
	NewPrinter(b).Print(root)

	expected := `
Root
└── ReclusterSink #0 table=db.t1 removed_segments=(1, 3)
    ├── UnionAll #1
    │   ├── TableScan #2 table=db.t1
    │   └── TableScan #3 table=db.t2
    └── ConstantTableScan #4
`
	require.Equal(t, expected, "\n"+b.String())
}

func TestProperty(t *testing.T) {
	require.Equal(t, "limit=10", NewProperty("limit", false, 10).String())
	require.Equal(t, "keys=(a)", NewProperty("keys", true, "a").String())
	require.Equal(t, "keys=()", NewProperty("keys", true).String())
}
