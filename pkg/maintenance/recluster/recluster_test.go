package recluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/coder/quartz"
	"github.com/grafana/dskit/user"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grafana/quarry/pkg/maintenance/compact"
	"github.com/grafana/quarry/pkg/maintenance/history"
	"github.com/grafana/quarry/pkg/planner/physical"
	"github.com/grafana/quarry/pkg/storage/lock"
	"github.com/grafana/quarry/pkg/storage/tablemeta"
)

var (
	testTable    = tablemeta.TableInfo{Database: "db", Name: "t"}
	testSnapshot = &tablemeta.Snapshot{Version: 7}
)

func TestBuildPhysicalPlan(t *testing.T) {
	tasks := &Recluster{
		Tasks:                 make([]tablemeta.ReclusterTask, 2),
		RemainedBlocks:        []tablemeta.BlockMeta{{Location: "b/1"}},
		RemovedSegmentIndexes: []int{0, 3},
		RemovedSegmentSummary: tablemeta.Statistics{BlockCount: 4},
	}

	t.Run("local recluster has no exchange", func(t *testing.T) {
		plan, err := BuildPhysicalPlan(tasks, testTable, testSnapshot, false)
		require.NoError(t, err)
		require.Zero(t, physical.Count(plan, physical.NodeTypeExchange))

		sink := plan.(*physical.ReclusterSink)
		require.Equal(t, uint32(0), sink.ID())
		require.Same(t, testSnapshot, sink.Snapshot)
		require.Equal(t, tasks.RemainedBlocks, sink.RemainedBlocks)
		require.Equal(t, tasks.RemovedSegmentIndexes, sink.RemovedSegmentIndexes)
		require.Equal(t, tasks.RemovedSegmentSummary, sink.RemovedSegmentSummary)

		source := sink.Input.(*physical.ReclusterSource)
		require.Equal(t, uint32(1), source.ID())
		require.Len(t, source.Tasks, 2)
	})

	t.Run("distributed recluster merges between source and sink", func(t *testing.T) {
		plan, err := BuildPhysicalPlan(tasks, testTable, testSnapshot, true)
		require.NoError(t, err)
		require.Equal(t, 1, physical.Count(plan, physical.NodeTypeExchange))

		ex := plan.(*physical.ReclusterSink).Input.(*physical.Exchange)
		require.Equal(t, physical.ExchangeMerge, ex.Kind)
		require.Empty(t, ex.Keys)
		require.True(t, ex.AllowAdjustParallelism)
		require.False(t, ex.IgnoreExchange)
		require.IsType(t, &physical.ReclusterSource{}, ex.Input)

		var ids []uint32
		require.NoError(t, physical.Walk(plan, func(n physical.Node) error {
			ids = append(ids, n.ID())
			return nil
		}, physical.PreOrderWalk))
		require.Equal(t, []uint32{0, 1, 2}, ids)
	})

	t.Run("compaction delegates to the compaction planner", func(t *testing.T) {
		parts := []tablemeta.CompactPart{{SegmentIndexes: []int{1, 2}}}
		for _, distributed := range []bool{false, true} {
			plan, err := BuildPhysicalPlan(&Compact{Parts: parts}, testTable, testSnapshot, distributed)
			require.NoError(t, err)

			expect, err := compact.BuildPhysicalPlan(parts, testTable, testSnapshot, distributed)
			require.NoError(t, err)
			require.Equal(t, expect, plan)
		}
	})

	t.Run("plans are isomorphic for equal inputs", func(t *testing.T) {
		a, err := BuildPhysicalPlan(tasks, testTable, testSnapshot, true)
		require.NoError(t, err)
		b, err := BuildPhysicalPlan(tasks, testTable, testSnapshot, true)
		require.NoError(t, err)
		require.Equal(t, physical.PrintAsTree(a), physical.PrintAsTree(b))
	})

	t.Run("unknown tasks", func(t *testing.T) {
		_, err := BuildPhysicalPlan(nil, testTable, testSnapshot, false)
		require.ErrorIs(t, err, physical.ErrInvalidPlan)
	})
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Timeout: time.Minute, MaxThreads: 1, ExchangeParallelism: 1}
	require.NoError(t, cfg.Validate())

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Timeout = 0 },
		func(c *Config) { c.MaxThreads = 0 },
		func(c *Config) { c.ExchangeParallelism = 0 },
	} {
		c := cfg
		mutate(&c)
		require.Error(t, c.Validate())
	}
}

// fakeLocker hands out guards and tracks how many of them are live.
type fakeLocker struct {
	mu       sync.Mutex
	errs     []error
	checkErr error
	live     int
	maxLive  int
	acquired int
}

func (l *fakeLocker) Acquire(_ context.Context, _, _ string, opt lock.Option) (lock.Guard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if opt != lock.LockWithRetry {
		return nil, errors.New("unexpected lock option")
	}
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	l.acquired++
	l.live++
	l.maxLive = max(l.maxLive, l.live)
	return &fakeGuard{l: l}, nil
}

func (l *fakeLocker) liveGuards() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

type fakeGuard struct {
	l        *fakeLocker
	released bool
}

func (g *fakeGuard) Check(context.Context) error {
	g.l.mu.Lock()
	defer g.l.mu.Unlock()
	return g.l.checkErr
}

func (g *fakeGuard) Release(context.Context) error {
	g.l.mu.Lock()
	defer g.l.mu.Unlock()
	if !g.released {
		g.released = true
		g.l.live--
	}
	return nil
}

// fakeTable proposes the queued batches in order and nothing afterwards.
type fakeTable struct {
	t       *testing.T
	locker  *fakeLocker
	clock   *quartz.Mock
	step    time.Duration
	endless *Mutator

	batches    []*Mutator
	mutableErr error
	pushDowns  []*PushDownInfo
	calls      int
}

func (f *fakeTable) Info() tablemeta.TableInfo { return testTable }
func (f *fakeTable) CheckMutable() error       { return f.mutableErr }

func (f *fakeTable) BuildReclusterMutator(_ context.Context, pushDowns *PushDownInfo, limit int) (*Mutator, error) {
	require.Equal(f.t, 1, f.locker.liveGuards(), "batches must be planned under the table lock")
	require.Equal(f.t, 100, limit)

	f.calls++
	f.pushDowns = append(f.pushDowns, pushDowns)
	if f.clock != nil && f.step > 0 {
		f.clock.Advance(f.step)
	}
	if f.endless != nil {
		return f.endless, nil
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	m := f.batches[0]
	f.batches = f.batches[1:]
	return m, nil
}

type fakeCatalog struct {
	table *fakeTable
	err   error
}

func (c *fakeCatalog) GetTable(_ context.Context, database, table string) (Table, error) {
	if c.err != nil {
		return nil, c.err
	}
	if database != testTable.Database || table != testTable.Name {
		return nil, fmt.Errorf("unknown table %s.%s", database, table)
	}
	return c.table, nil
}

// commitWriter records committed nodes and fails commits with queued errors.
type commitWriter struct {
	locker *fakeLocker

	mu      sync.Mutex
	errs    []error
	commits []physical.Node
	unlock  int
}

func (w *commitWriter) Append(context.Context, physical.Node, arrow.Record) error { return nil }

func (w *commitWriter) Commit(_ context.Context, node physical.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.locker.liveGuards() != 1 {
		w.unlock++
	}
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		if err != nil {
			return err
		}
	}
	w.commits = append(w.commits, node)
	return nil
}

type historyRecorder struct {
	records []history.Record
}

func (h *historyRecorder) Write(_ context.Context, rec history.Record) error {
	h.records = append(h.records, rec)
	return nil
}

type harness struct {
	locker  *fakeLocker
	table   *fakeTable
	writer  *commitWriter
	history *historyRecorder
	interp  *Interpreter
}

func newHarness(t *testing.T, clock *quartz.Mock, batches ...*Mutator) *harness {
	t.Helper()
	h := &harness{
		locker:  &fakeLocker{},
		history: &historyRecorder{},
	}
	h.table = &fakeTable{t: t, locker: h.locker, batches: batches}
	h.writer = &commitWriter{locker: h.locker}

	if clock == nil {
		clock = quartz.NewMock(t)
	}
	h.table.clock = clock

	interp, err := New(Params{
		Clock:   clock,
		Config:  Config{Timeout: time.Hour, MaxThreads: 4, ExchangeParallelism: 1},
		Catalog: &fakeCatalog{table: h.table},
		Locker:  h.locker,
		History: h.history,
		Writer:  h.writer,
	})
	require.NoError(t, err)
	h.interp = interp
	return h
}

func reclusterBatch(tasks int, blocks uint64) *Mutator {
	return &Mutator{
		Tasks:      &Recluster{Tasks: make([]tablemeta.ReclusterTask, tasks)},
		Snapshot:   testSnapshot,
		BlockCount: blocks,
	}
}

func request(final bool) Request {
	return Request{Database: testTable.Database, Table: testTable.Name, Limit: 100, IsFinal: final}
}

func TestInterpreter_SingleBatch(t *testing.T) {
	t.Run("executes one batch and records history", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(2, 5), reclusterBatch(1, 1))
		ctx := user.InjectOrgID(context.Background(), "tenant-a")

		res, err := h.interp.Execute(ctx, request(false))
		require.NoError(t, err)
		require.Equal(t, 1, res.Iterations)
		require.Equal(t, uint64(5), res.BlockCount)
		require.Equal(t, "recluster: run recluster tasks:1 times, cost:0s", res.Status)
		require.False(t, res.TimedOut)

		require.Equal(t, 1, h.table.calls)
		require.Len(t, h.writer.commits, 1)
		require.IsType(t, &physical.ReclusterSink{}, h.writer.commits[0])

		require.Len(t, h.history.records, 1)
		rec := h.history.records[0]
		require.Equal(t, "tenant-a", rec.Tenant)
		require.Equal(t, "db", rec.Database)
		require.Equal(t, "t", rec.Table)
		require.Equal(t, uint64(5), rec.BlockCount)

		require.Zero(t, h.locker.liveGuards())
		require.Zero(t, h.writer.unlock)
	})

	t.Run("lock conflict is returned unchanged", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(1, 1))
		conflict := fmt.Errorf("%w: db/t is held by someone else", lock.ErrTableAlreadyLocked)
		h.locker.errs = []error{conflict}

		_, err := h.interp.Execute(context.Background(), request(false))
		require.Equal(t, conflict, err)
		require.Zero(t, h.table.calls)
		require.Zero(t, h.locker.acquired)
		require.Empty(t, h.history.records)
		require.Zero(t, testutil.ToFloat64(h.interp.metrics.retries))
	})

	t.Run("commit conflict is not retried", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(1, 3), reclusterBatch(1, 3))
		h.writer.errs = []error{ErrTableVersionMismatched}

		_, err := h.interp.Execute(context.Background(), request(false))
		require.ErrorIs(t, err, ErrTableVersionMismatched)
		require.Equal(t, 1, h.table.calls)
		require.Empty(t, h.history.records)
		require.Zero(t, h.locker.liveGuards())
	})

	t.Run("lost lock fails the batch", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(1, 3))
		h.locker.checkErr = ErrTableLockExpired

		_, err := h.interp.Execute(context.Background(), request(false))
		require.ErrorIs(t, err, ErrTableLockExpired)
		require.Zero(t, h.locker.liveGuards())
	})

	t.Run("compaction batch", func(t *testing.T) {
		h := newHarness(t, nil, &Mutator{
			Tasks:      &Compact{Parts: []tablemeta.CompactPart{{SegmentIndexes: []int{0, 1}}}},
			Snapshot:   testSnapshot,
			BlockCount: 2,
		})

		_, err := h.interp.Execute(context.Background(), request(false))
		require.NoError(t, err)
		require.Len(t, h.writer.commits, 1)
		require.Equal(t, physical.CommitCompact, h.writer.commits[0].(*physical.CommitSink).Kind)
	})

	t.Run("distributed batch", func(t *testing.T) {
		batch := reclusterBatch(3, 3)
		batch.Distributed = true
		h := newHarness(t, nil, batch)

		_, err := h.interp.Execute(context.Background(), request(false))
		require.NoError(t, err)
		require.Len(t, h.writer.commits, 1)
	})
}

func TestInterpreter_Final(t *testing.T) {
	t.Run("empty first batch stops without history", func(t *testing.T) {
		h := newHarness(t, nil)

		res, err := h.interp.Execute(context.Background(), request(true))
		require.NoError(t, err)
		require.Equal(t, 1, res.Iterations)
		require.Zero(t, res.BlockCount)
		require.Empty(t, res.Status)
		require.Empty(t, h.history.records)
		require.Zero(t, h.locker.liveGuards())
	})

	t.Run("batch without tasks stops", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(0, 0), reclusterBatch(1, 1))

		res, err := h.interp.Execute(context.Background(), request(true))
		require.NoError(t, err)
		require.Equal(t, 1, res.Iterations)
		require.Equal(t, 1, h.table.calls)
	})

	t.Run("runs until no work is left", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(1, 2), reclusterBatch(2, 3), reclusterBatch(1, 4))

		res, err := h.interp.Execute(context.Background(), request(true))
		require.NoError(t, err)
		require.Equal(t, 4, res.Iterations)
		require.Equal(t, uint64(9), res.BlockCount)
		require.Equal(t, "recluster: run recluster tasks:3 times, cost:0s", res.Status)
		require.Len(t, h.writer.commits, 3)
		require.Len(t, h.history.records, 1)
		require.Equal(t, uint64(9), h.history.records[0].BlockCount)

		// Every batch took its own lock and released it before the next one.
		require.Equal(t, 4, h.locker.acquired)
		require.Equal(t, 1, h.locker.maxLive)
		require.Zero(t, h.locker.liveGuards())
		require.Zero(t, h.writer.unlock)
	})

	t.Run("conflicts are retried", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(1, 2), reclusterBatch(1, 2))
		h.locker.errs = []error{lock.ErrTableAlreadyLocked}
		h.writer.errs = []error{fmt.Errorf("commit: %w", ErrUnresolvableConflict)}

		res, err := h.interp.Execute(context.Background(), request(true))
		require.NoError(t, err)
		// A failed lock, a failed commit, a committed batch and an empty batch.
		require.Equal(t, 4, res.Iterations)
		require.Equal(t, uint64(4), res.BlockCount)
		require.Len(t, h.writer.commits, 1)
		require.Equal(t, 2.0, testutil.ToFloat64(h.interp.metrics.retries))
		require.Equal(t, 1, h.locker.maxLive)
	})

	t.Run("other errors abort", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(1, 2))
		readOnly := errors.New("table is read only")
		h.table.mutableErr = readOnly

		_, err := h.interp.Execute(context.Background(), request(true))
		require.ErrorIs(t, err, readOnly)
		require.Zero(t, h.table.calls)
		require.Zero(t, h.locker.liveGuards())
	})

	t.Run("catalog errors abort", func(t *testing.T) {
		h := newHarness(t, nil)
		interp, err := New(Params{
			Config:  Config{Timeout: time.Hour, MaxThreads: 1, ExchangeParallelism: 1},
			Catalog: &fakeCatalog{err: errors.New("unknown database")},
			Locker:  h.locker,
			Writer:  h.writer,
		})
		require.NoError(t, err)

		_, err = interp.Execute(context.Background(), request(true))
		require.EqualError(t, err, "unknown database")
	})

	t.Run("stops once the timeout elapsed", func(t *testing.T) {
		clock := quartz.NewMock(t)
		h := newHarness(t, clock)
		h.table.step = time.Minute
		h.table.endless = reclusterBatch(1, 1)
		h.interp.cfg.Timeout = 150 * time.Second

		res, err := h.interp.Execute(context.Background(), request(true))
		require.NoError(t, err)
		require.True(t, res.TimedOut)
		require.Equal(t, 3, res.Iterations)
		require.Equal(t, uint64(3), res.BlockCount)
		require.Equal(t, "recluster: run recluster tasks:3 times, cost:3m0s", res.Status)
		require.Len(t, h.history.records, 1)
	})

	t.Run("cancellation is surfaced", func(t *testing.T) {
		h := newHarness(t, nil, reclusterBatch(1, 1))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.interp.Execute(ctx, request(true))
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, h.locker.acquired)
		require.Equal(t, 1.0, testutil.ToFloat64(h.interp.metrics.runs.WithLabelValues(statusCanceled)))
	})
}

func TestInterpreter_PushDowns(t *testing.T) {
	t.Run("filter and its inverse", func(t *testing.T) {
		h := newHarness(t, nil)
		req := request(false)
		req.Filter = &physical.BinaryExpr{
			Left:  physical.NewColumn("a"),
			Right: physical.NewLiteral(int64(1)),
			Op:    physical.BinaryOpEq,
		}

		_, err := h.interp.Execute(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, h.table.pushDowns, 1)

		pd := h.table.pushDowns[0]
		require.Same(t, req.Filter, pd.Filter)
		require.Equal(t, physical.Not(req.Filter), pd.InvertedFilter)
	})

	t.Run("no filter", func(t *testing.T) {
		h := newHarness(t, nil)

		_, err := h.interp.Execute(context.Background(), request(false))
		require.NoError(t, err)
		require.Equal(t, []*PushDownInfo{nil}, h.table.pushDowns)
	})
}
