// Package arrowtest provides helpers to build and inspect Arrow records in
// tests.
package arrowtest

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Int64Record returns a record with a single int64 column.
func Int64Record(column string, values ...int64) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{{Name: column, Type: arrow.PrimitiveTypes.Int64}}, nil)

	builder := array.NewInt64Builder(memory.DefaultAllocator)
	defer builder.Release()
	builder.AppendValues(values, nil)

	col := builder.NewArray()
	defer col.Release()
	return array.NewRecord(schema, []arrow.Array{col}, int64(len(values)))
}

// Int64Values returns the values of the first column of every record, which
// must be of type int64.
func Int64Values(records []arrow.Record) []int64 {
	var values []int64
	for _, rec := range records {
		if rec.NumCols() == 0 {
			continue
		}
		values = append(values, rec.Column(0).(*array.Int64).Int64Values()...)
	}
	return values
}

// Reader replays a fixed list of records.
type Reader struct {
	Records []arrow.Record
	Err     error
	EOF     error

	Closed bool
	pos    int
}

// Read returns the next record, Err once all records were returned and Err is
// set, and EOF otherwise.
func (r *Reader) Read(_ context.Context) (arrow.Record, error) {
	if r.pos < len(r.Records) {
		rec := r.Records[r.pos]
		r.pos++
		return rec, nil
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return nil, r.EOF
}

// Close marks the reader as closed.
func (r *Reader) Close() { r.Closed = true }
