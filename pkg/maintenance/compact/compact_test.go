package compact

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/quarry/pkg/planner/physical"
	"github.com/grafana/quarry/pkg/storage/tablemeta"
)

func TestBuildPhysicalPlan(t *testing.T) {
	table := tablemeta.TableInfo{Database: "db", Name: "t"}
	snapshot := &tablemeta.Snapshot{Version: 3}
	parts := []tablemeta.CompactPart{
		{SegmentIndexes: []int{0, 1}},
		{SegmentIndexes: []int{2}},
	}

	t.Run("local", func(t *testing.T) {
		plan, err := BuildPhysicalPlan(parts, table, snapshot, false)
		require.NoError(t, err)
		require.Zero(t, physical.Count(plan, physical.NodeTypeExchange))

		sink := plan.(*physical.CommitSink)
		require.Equal(t, physical.CommitCompact, sink.Kind)
		require.Same(t, snapshot, sink.Snapshot)
		require.Equal(t, parts, sink.Parts)
		require.Equal(t, uint32(0), sink.ID())

		source := sink.Input.(*physical.CompactSource)
		require.Equal(t, parts, source.Parts)
		require.Equal(t, uint32(1), source.ID())
	})

	t.Run("distributed", func(t *testing.T) {
		plan, err := BuildPhysicalPlan(parts, table, snapshot, true)
		require.NoError(t, err)
		require.Equal(t, 1, physical.Count(plan, physical.NodeTypeExchange))

		ex := plan.(*physical.CommitSink).Input.(*physical.Exchange)
		require.Equal(t, physical.ExchangeMerge, ex.Kind)
		require.Empty(t, ex.Keys)
		require.True(t, ex.AllowAdjustParallelism)
		require.Equal(t, uint32(1), ex.ID())
		require.Equal(t, uint32(2), ex.Input.ID())
	})

	t.Run("no parts", func(t *testing.T) {
		_, err := BuildPhysicalPlan(nil, table, snapshot, false)
		require.ErrorIs(t, err, ErrNoParts)
	})
}
