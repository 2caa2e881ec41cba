package exchange

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/grafana/quarry/pkg/pipeline"
	"github.com/grafana/quarry/pkg/planner/physical"
)

// broadcast routes every record to all n readers.
func broadcast(n int) pipeline.RouteFunc {
	return func(rec arrow.Record) ([]arrow.Record, error) {
		out := make([]arrow.Record, n)
		for i := range out {
			out[i] = rec
		}
		return out, nil
	}
}

// shuffle routes every row to one of n readers by the hash of its key
// columns.
func shuffle(keys []physical.Expression, n int) (pipeline.RouteFunc, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no partition keys", physical.ErrInvalidPlan)
	}
	columns := make([]string, len(keys))
	for i, key := range keys {
		col, ok := key.(*physical.ColumnExpr)
		if !ok {
			return nil, fmt.Errorf("%w: partition key %s is not a column", physical.ErrInvalidPlan, key)
		}
		columns[i] = col.Name
	}
	return func(rec arrow.Record) ([]arrow.Record, error) {
		return partition(rec, columns, n)
	}, nil
}

// partition splits rec into n records. Rows keep their relative order within
// a partition.
func partition(rec arrow.Record, columns []string, n int) ([]arrow.Record, error) {
	keys := make([]arrow.Array, len(columns))
	for i, name := range columns {
		indices := rec.Schema().FieldIndices(name)
		if len(indices) == 0 {
			return nil, fmt.Errorf("partition key column %q not found", name)
		}
		keys[i] = rec.Column(indices[0])
	}

	out := make([]arrow.Record, n)
	if n == 1 {
		out[0] = rec
		return out, nil
	}

	// runs holds the [start, end) row ranges of every partition.
	runs := make([][][2]int64, n)
	digest := xxhash.New()
	rows := rec.NumRows()
	for row := int64(0); row < rows; row++ {
		digest.Reset()
		for i, key := range keys {
			if i > 0 {
				_, _ = digest.Write([]byte{0}) // separator
			}
			if key.IsNull(int(row)) {
				_, _ = digest.Write([]byte{1})
				continue
			}
			_, _ = digest.WriteString(key.ValueStr(int(row)))
		}

		p := digest.Sum64() % uint64(n)
		if r := runs[p]; len(r) > 0 && r[len(r)-1][1] == row {
			r[len(r)-1][1] = row + 1
			continue
		}
		runs[p] = append(runs[p], [2]int64{row, row + 1})
	}

	for p, r := range runs {
		switch {
		case len(r) == 0:
			continue
		case len(r) == 1 && r[0][0] == 0 && r[0][1] == rows:
			out[p] = rec
			continue
		}

		var count int64
		for _, run := range r {
			count += run[1] - run[0]
		}

		cols := make([]arrow.Array, rec.NumCols())
		for c := range cols {
			slices := make([]arrow.Array, len(r))
			for j, run := range r {
				slices[j] = array.NewSlice(rec.Column(c), run[0], run[1])
			}
			col, err := array.Concatenate(slices, memory.DefaultAllocator)
			for _, s := range slices {
				s.Release()
			}
			if err != nil {
				return nil, err
			}
			cols[c] = col
		}
		out[p] = array.NewRecord(rec.Schema(), cols, count)
		for _, col := range cols {
			col.Release()
		}
	}
	return out, nil
}
