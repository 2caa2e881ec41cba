// Package vacuum reclaims storage left behind by temporary query data.
//
// A namespace holds one directory per query. A query writes a sentinel
// object named [SentinelName] into its directory once it finished.
package vacuum

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/quarry/pkg/storage/client"
)

var tracer = otel.Tracer("pkg/maintenance/vacuum")

const (
	// DefaultRetention is used when a sweep is not given a retention.
	DefaultRetention = 3 * 24 * time.Hour

	// SentinelName marks a query directory as finished.
	SentinelName = "finished"

	// maxBatchSize is the maximum number of keys of one bulk delete.
	maxBatchSize = 1000

	delimiter = "/"
)

// Vacuum removes expired temporary files.
type Vacuum struct {
	client  client.ObjectClient
	clock   quartz.Clock
	logger  log.Logger
	metrics *metrics
}

// New returns a Vacuum deleting through c.
func New(c client.ObjectClient, clock quartz.Clock, reg prometheus.Registerer, logger log.Logger) *Vacuum {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Vacuum{
		client:  c,
		clock:   clock,
		logger:  logger,
		metrics: newMetrics(reg),
	}
}

// Sweep removes expired files below namespace and returns how many were
// removed. At most limit files are removed; a negative limit removes every
// expired file. A nil retain uses [DefaultRetention].
//
// Files directly below namespace expire after the retention. Files of a
// query directory expire after the retention once the query finished and
// immediately otherwise. A finished query directory is removed with its
// sentinel once everything else in it was removed.
func (v *Vacuum) Sweep(ctx context.Context, namespace string, retain *time.Duration, limit int) (int, error) {
	if limit == 0 {
		return 0, nil
	}
	retention := DefaultRetention
	if retain != nil {
		retention = *retain
	}

	ctx, span := tracer.Start(ctx, "Vacuum.Sweep", trace.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.Stringer("retention", retention),
		attribute.Int("limit", limit),
	))
	defer span.End()

	s := &sweep{
		Vacuum: v,
		now:    v.clock.Now(),
		start:  v.clock.Now(),
		limit:  limit,
	}
	err := s.run(ctx, strings.TrimSuffix(namespace, delimiter)+delimiter, retention)
	span.SetAttributes(attribute.Int("removed", s.removed), attribute.Int64("bytes", s.totalBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		v.metrics.sweeps.WithLabelValues("failure").Inc()
		return s.removed, err
	}
	v.metrics.sweeps.WithLabelValues("success").Inc()

	level.Info(v.logger).Log(
		"msg", "vacuum finished",
		"namespace", namespace,
		"removed", s.removed,
		"bytes", humanize.Bytes(uint64(s.totalBytes)),
		"duration", v.clock.Since(s.start),
	)
	return s.removed, nil
}

// sweep accumulates the progress of one call to Sweep. Files are counted
// as removed when they are queued for deletion so the limit also bounds the
// pending batch.
type sweep struct {
	*Vacuum

	now   time.Time
	start time.Time
	limit int

	removed    int
	totalBytes int64

	batch      []string
	batchBytes int64
	batchStart time.Time
}

func (s *sweep) exhausted() bool {
	return s.limit >= 0 && s.removed >= s.limit
}

func (s *sweep) run(ctx context.Context, prefix string, retention time.Duration) error {
	entries, err := s.list(ctx, prefix)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if s.exhausted() {
			break
		}
		if e.dir {
			finished, err := s.client.ObjectExists(ctx, e.key+SentinelName)
			if err != nil {
				return fmt.Errorf("checking sentinel of %s: %w", e.key, err)
			}
			threshold := time.Duration(0)
			if finished {
				threshold = retention
			}
			if err := s.sweepQuery(ctx, e.key, threshold, finished); err != nil {
				return err
			}
			continue
		}
		if s.expired(e.obj, retention) {
			if err := s.enqueue(ctx, prefix, e.obj); err != nil {
				return err
			}
		}
	}
	return s.flush(ctx, prefix)
}

// sweepQuery removes the expired files of the query directory dir. Nested
// directories are left alone and keep dir from being removed.
func (s *sweep) sweepQuery(ctx context.Context, dir string, threshold time.Duration, finished bool) error {
	entries, err := s.list(ctx, dir)
	if err != nil {
		return err
	}

	sentinel := dir + SentinelName
	allRemoved := true
	for _, e := range entries {
		if s.exhausted() {
			allRemoved = false
			break
		}
		switch {
		case e.dir:
			allRemoved = false
		case e.key == sentinel:
		case s.expired(e.obj, threshold):
			if err := s.enqueue(ctx, dir, e.obj); err != nil {
				return err
			}
		default:
			allRemoved = false
		}
	}

	// The sentinel goes only after every other file is gone.
	if err := s.flush(ctx, dir); err != nil {
		return err
	}
	if !allRemoved || !finished {
		return nil
	}

	for _, key := range []string{sentinel, dir} {
		if err := s.client.DeleteObject(ctx, key); err != nil && !s.client.IsObjectNotFoundErr(err) {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	level.Debug(s.logger).Log("msg", "removed finished query directory", "dir", dir)
	return nil
}

// expired reports whether obj is older than threshold. Objects without a
// modification time never expire.
func (s *sweep) expired(obj client.StorageObject, threshold time.Duration) bool {
	if obj.ModifiedAt.IsZero() {
		return false
	}
	return s.now.Sub(obj.ModifiedAt) >= threshold
}

func (s *sweep) enqueue(ctx context.Context, dir string, obj client.StorageObject) error {
	if len(s.batch) == 0 {
		s.batchStart = s.clock.Now()
	}
	s.batch = append(s.batch, obj.Key)
	s.batchBytes += obj.Size
	s.removed++

	if len(s.batch) >= maxBatchSize || s.exhausted() {
		return s.flush(ctx, dir)
	}
	return nil
}

// flush issues the pending batch as one bulk delete.
func (s *sweep) flush(ctx context.Context, dir string) error {
	if len(s.batch) == 0 {
		return nil
	}
	if err := s.client.DeleteObjects(ctx, slices.Values(s.batch)); err != nil {
		return fmt.Errorf("deleting temporary files of %s: %w", dir, err)
	}

	s.totalBytes += s.batchBytes
	s.metrics.batches.Inc()
	s.metrics.filesRemoved.Add(float64(len(s.batch)))
	s.metrics.bytesReclaimed.Add(float64(s.batchBytes))

	level.Info(s.logger).Log(
		"msg", "vacuum removed temporary files",
		"dir", dir,
		"files", len(s.batch),
		"bytes", humanize.Bytes(uint64(s.batchBytes)),
		"duration", s.clock.Since(s.batchStart),
	)
	level.Info(s.logger).Log(
		"msg", "vacuum progress",
		"removed", s.removed,
		"bytes", humanize.Bytes(uint64(s.totalBytes)),
		"elapsed", s.clock.Since(s.start),
	)

	s.batch = s.batch[:0]
	s.batchBytes = 0
	return nil
}

type entry struct {
	key string
	dir bool
	obj client.StorageObject
}

// list returns the direct children of prefix ordered by key.
func (s *sweep) list(ctx context.Context, prefix string) ([]entry, error) {
	objects, prefixes, err := s.client.List(ctx, prefix, delimiter)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	entries := make([]entry, 0, len(objects)+len(prefixes))
	for _, obj := range objects {
		// Some stores list the directory itself.
		if obj.Key == prefix {
			continue
		}
		entries = append(entries, entry{key: obj.Key, obj: obj})
	}
	for _, p := range prefixes {
		entries = append(entries, entry{key: string(p), dir: true})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.key, b.key)
	})
	return entries, nil
}
