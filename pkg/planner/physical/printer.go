package physical

import (
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/grafana/quarry/pkg/planner/internal/tree"
)

// BuildTree converts a physical plan node and its children into a tree structure
// that can be used for visualization and debugging purposes.
func BuildTree(n Node) *tree.Node {
	root := toTreeNode(n)
	for _, child := range n.Children() {
		root.Add(BuildTree(child))
	}
	return root
}

func toTreeNode(n Node) *tree.Node {
	return tree.NewNode(n.Type().String(), strconv.FormatUint(uint64(n.ID()), 10), properties(n)...)
}

func properties(n Node) []tree.Property {
	switch node := n.(type) {
	case *TableScan:
		props := []tree.Property{
			tree.NewProperty("table", false, node.Table.QualifiedName()),
			tree.NewProperty("partitions", false, node.Partitions),
		}
		if len(node.Columns) > 0 {
			props = append(props, tree.NewProperty("columns", true, toAnySlice(node.Columns)...))
		}
		if len(node.PushDown) > 0 {
			props = append(props, tree.NewProperty("push_down", true, toAnySlice(node.PushDown)...))
		}
		return props
	case *ConstantTableScan:
		var rows int64
		for _, rec := range node.Records {
			rows += rec.NumRows()
		}
		return []tree.Property{tree.NewProperty("rows", false, rows)}
	case *CteScan:
		return []tree.Property{tree.NewProperty("cte_index", false, node.CTEIndex)}
	case *ExchangeSource:
		return []tree.Property{
			tree.NewProperty("stream", false, node.StreamID),
			tree.NewProperty("kind", false, node.Kind),
		}
	case *CompactSource:
		return []tree.Property{
			tree.NewProperty("table", false, node.Table.QualifiedName()),
			tree.NewProperty("parts", false, len(node.Parts)),
		}
	case *ReclusterSource:
		return []tree.Property{
			tree.NewProperty("table", false, node.Table.QualifiedName()),
			tree.NewProperty("tasks", false, len(node.Tasks)),
		}
	case *Filter:
		return []tree.Property{tree.NewProperty("predicates", true, toAnySlice(node.Predicates)...)}
	case *EvalScalar:
		if len(node.Exprs) == 0 {
			return nil
		}
		return []tree.Property{tree.NewProperty("expressions", true, toAnySlice(node.Exprs)...)}
	case *AggregatePartial:
		return aggregateProperties(node.GroupBy, node.Aggregates)
	case *AggregateFinal:
		return aggregateProperties(node.GroupBy, node.Aggregates)
	case *Window:
		props := []tree.Property{tree.NewProperty("function", false, node.Function)}
		if len(node.PartitionBy) > 0 {
			props = append(props, tree.NewProperty("partition_by", true, toAnySlice(node.PartitionBy)...))
		}
		if len(node.OrderBy) > 0 {
			props = append(props, tree.NewProperty("order_by", true, toAnySlice(node.OrderBy)...))
		}
		return props
	case *Sort:
		props := []tree.Property{tree.NewProperty("order_by", true, toAnySlice(node.OrderBy)...)}
		if node.Limit > 0 {
			props = append(props, tree.NewProperty("limit", false, node.Limit))
		}
		return props
	case *Limit:
		return []tree.Property{
			tree.NewProperty("offset", false, node.Skip),
			tree.NewProperty("limit", false, node.Fetch),
		}
	case *RowFetch:
		return []tree.Property{
			tree.NewProperty("table", false, node.Table.QualifiedName()),
			tree.NewProperty("columns", true, toAnySlice(node.Columns)...),
		}
	case *Udf:
		return []tree.Property{tree.NewProperty("functions", true, toAnySlice(node.Functions)...)}
	case *ExchangeSink:
		props := []tree.Property{
			tree.NewProperty("stream", false, node.StreamID),
			tree.NewProperty("kind", false, node.Kind),
		}
		if len(node.Keys) > 0 {
			props = append(props, tree.NewProperty("keys", true, toAnySlice(node.Keys)...))
		}
		return props
	case *CommitSink:
		return []tree.Property{
			tree.NewProperty("table", false, node.Table.QualifiedName()),
			tree.NewProperty("kind", false, node.Kind),
		}
	case *ReclusterSink:
		props := []tree.Property{
			tree.NewProperty("table", false, node.Table.QualifiedName()),
			tree.NewProperty("remained_blocks", false, len(node.RemainedBlocks)),
		}
		if len(node.RemovedSegmentIndexes) > 0 {
			props = append(props, tree.NewProperty("removed_segments", true, toAnySlice(node.RemovedSegmentIndexes)...))
		}
		return props
	case *HashJoin:
		return []tree.Property{
			tree.NewProperty("type", false, node.JoinType),
			tree.NewProperty("build_keys", true, toAnySlice(node.BuildKeys)...),
			tree.NewProperty("probe_keys", true, toAnySlice(node.ProbeKeys)...),
		}
	case *RangeJoin:
		return []tree.Property{tree.NewProperty("conditions", true, toAnySlice(node.Conditions)...)}
	case *MaterializedCte:
		return []tree.Property{tree.NewProperty("cte_index", false, node.CTEIndex)}
	case *Exchange:
		props := []tree.Property{tree.NewProperty("kind", false, node.Kind)}
		if len(node.Keys) > 0 {
			props = append(props, tree.NewProperty("keys", true, toAnySlice(node.Keys)...))
		}
		return props
	}
	return nil
}

func aggregateProperties(groupBy []Expression, aggs []AggregateCall) []tree.Property {
	var props []tree.Property
	if len(groupBy) > 0 {
		props = append(props, tree.NewProperty("group_by", true, toAnySlice(groupBy)...))
	}
	if len(aggs) > 0 {
		props = append(props, tree.NewProperty("aggregates", true, toAnySlice(aggs)...))
	}
	return props
}

func toAnySlice[T any](s []T) []any {
	ret := make([]any, len(s))
	for i := range s {
		ret[i] = s[i]
	}
	return ret
}

// PrintAsTree converts a physical plan into a human-readable tree
// representation.
func PrintAsTree(root Node) string {
	sb := &strings.Builder{}
	tree.NewPrinter(sb).Print(BuildTree(root))
	return sb.String()
}

// Describe returns a single line description of n and its properties as
// key/value labels, for use in profiling scopes.
func Describe(n Node) (string, []attribute.KeyValue) {
	props := properties(n)
	parts := make([]string, 0, len(props))
	labels := make([]attribute.KeyValue, 0, len(props))
	for _, prop := range props {
		values := make([]string, len(prop.Values))
		for i, v := range prop.Values {
			values[i] = fmt.Sprint(v)
		}
		value := strings.Join(values, ", ")
		parts = append(parts, prop.Key+"="+value)
		labels = append(labels, attribute.String(prop.Key, value))
	}
	return strings.Join(parts, " "), labels
}
