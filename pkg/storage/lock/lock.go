// Package lock implements table maintenance locks as leases stored in a
// key-value store.
package lock

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/kv"
	"github.com/grafana/dskit/kv/codec"
	jsoniter "github.com/json-iterator/go"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	// ErrTableAlreadyLocked is returned when another owner holds the lock of
	// a table.
	ErrTableAlreadyLocked = errors.New("table already locked")
	// ErrTableLockExpired is returned when a held lock was lost, either
	// because its lease expired or because another owner took it over.
	ErrTableLockExpired = errors.New("table lock expired")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Option controls how a lock is acquired.
type Option int

const (
	// LockNoRetry fails immediately when the table is locked.
	LockNoRetry Option = iota
	// LockWithRetry retries with backoff while the table is locked.
	LockWithRetry
)

func (o Option) String() string {
	if o == LockWithRetry {
		return "with_retry"
	}
	return "no_retry"
}

// Config configures table locks.
type Config struct {
	KVStore kv.Config      `yaml:"kvstore"`
	TTL     time.Duration  `yaml:"ttl"`
	Backoff backoff.Config `yaml:"backoff_config"`
}

// RegisterFlagsWithPrefix registers flags for cfg with every name prefixed
// by prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.KVStore.Store = "inmemory"
	cfg.KVStore.RegisterFlagsWithPrefix(prefix+"lock.", "quarry/locks/", f)
	f.DurationVar(&cfg.TTL, prefix+"lock.ttl", time.Minute, "Lease duration of a table lock. Held locks are renewed every half of the lease.")
	f.DurationVar(&cfg.Backoff.MinBackoff, prefix+"lock.backoff-min-period", 100*time.Millisecond, "Minimum delay between attempts to acquire a locked table.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, prefix+"lock.backoff-max-period", 10*time.Second, "Maximum delay between attempts to acquire a locked table.")
	f.IntVar(&cfg.Backoff.MaxRetries, prefix+"lock.backoff-retries", 10, "Number of attempts to acquire a locked table. 0 means retry until the context is canceled.")
}

// Validate returns an error if cfg is invalid.
func (cfg *Config) Validate() error {
	if cfg.TTL <= 0 {
		return fmt.Errorf("invalid lock ttl %s, must be greater than 0", cfg.TTL)
	}
	return nil
}

// Guard is held while a table is locked.
type Guard interface {
	// Check returns [ErrTableLockExpired] if the lock was lost.
	Check(ctx context.Context) error
	// Release unlocks the table. Release is idempotent.
	Release(ctx context.Context) error
}

type lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager acquires table locks.
type Manager struct {
	cfg     Config
	client  kv.Client
	clock   quartz.Clock
	logger  log.Logger
	metrics *metrics
}

// New returns a manager storing leases in the KV store configured by cfg.
func New(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Manager, error) {
	client, err := kv.NewClient(cfg.KVStore, codec.String{}, kv.RegistererWithKVName(reg, "table-lock"), logger)
	if err != nil {
		return nil, fmt.Errorf("creating kv client: %w", err)
	}
	return NewWithClient(cfg, client, quartz.NewReal(), reg, logger), nil
}

// NewWithClient returns a manager using client. Values are stored with
// [codec.String].
func NewWithClient(cfg Config, client kv.Client, clock quartz.Clock, reg prometheus.Registerer, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		cfg:     cfg,
		client:  client,
		clock:   clock,
		logger:  logger,
		metrics: newMetrics(reg),
	}
}

// Key returns the key of the lock of a table.
func Key(database, table string) string {
	return database + "/" + table
}

// Acquire locks database.table.
func (m *Manager) Acquire(ctx context.Context, database, table string, opt Option) (Guard, error) {
	key := Key(database, table)
	logger := log.With(m.logger, "table", key, "option", opt)

	if opt == LockNoRetry {
		g, err := m.tryLock(ctx, key, logger)
		m.metrics.observe(err)
		return g, err
	}

	var lastErr error
	b := backoff.New(ctx, m.cfg.Backoff)
	for b.Ongoing() {
		g, err := m.tryLock(ctx, key, logger)
		if err == nil {
			m.metrics.observe(nil)
			return g, nil
		}
		if !errors.Is(err, ErrTableAlreadyLocked) {
			m.metrics.observe(err)
			return nil, err
		}
		lastErr = err
		level.Debug(logger).Log("msg", "table is locked, retrying", "retries", b.NumRetries())
		b.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	m.metrics.observe(lastErr)
	return nil, fmt.Errorf("%w: %w", lastErr, b.Err())
}

func (m *Manager) tryLock(ctx context.Context, key string, logger log.Logger) (Guard, error) {
	owner := ulid.Make().String()

	err := m.client.CAS(ctx, key, func(in interface{}) (out interface{}, retry bool, err error) {
		now := m.clock.Now()
		if current, ok, err := decodeLease(in); err != nil {
			return nil, false, err
		} else if ok && now.Before(current.ExpiresAt) {
			return nil, false, fmt.Errorf("%w: %s is held by %s until %s", ErrTableAlreadyLocked, key, current.Owner, current.ExpiresAt.Format(time.RFC3339))
		}
		out, err = encodeLease(lease{Owner: owner, ExpiresAt: now.Add(m.cfg.TTL)})
		return out, true, err
	})
	if err != nil {
		return nil, err
	}

	level.Debug(logger).Log("msg", "acquired table lock", "owner", owner)
	g := &guard{m: m, key: key, owner: owner, logger: log.With(logger, "owner", owner)}
	g.startHeartbeat()
	m.metrics.held.Inc()
	return g, nil
}

func decodeLease(in interface{}) (lease, bool, error) {
	s, ok := in.(string)
	if !ok || s == "" {
		return lease{}, false, nil
	}
	var l lease
	if err := json.UnmarshalFromString(s, &l); err != nil {
		return lease{}, false, fmt.Errorf("decoding lease: %w", err)
	}
	return l, true, nil
}

func encodeLease(l lease) (string, error) {
	return json.MarshalToString(l)
}

type guard struct {
	m      *Manager
	key    string
	owner  string
	logger log.Logger

	lost      atomic.Bool
	released  atomic.Bool
	stop      context.CancelFunc
	heartbeat quartz.Waiter
}

var _ Guard = (*guard)(nil)

// startHeartbeat renews the lease every half of the lease duration until the
// guard is released.
func (g *guard) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	g.stop = cancel
	g.heartbeat = g.m.clock.TickerFunc(ctx, g.m.cfg.TTL/2, func() error {
		if err := g.extend(ctx); err != nil {
			g.lost.Store(true)
			level.Warn(g.logger).Log("msg", "failed to renew table lock", "err", err)
			return err
		}
		return nil
	}, "lock", "heartbeat")
}

func (g *guard) extend(ctx context.Context) error {
	return g.m.client.CAS(ctx, g.key, func(in interface{}) (out interface{}, retry bool, err error) {
		current, ok, err := decodeLease(in)
		if err != nil {
			return nil, false, err
		}
		if !ok || current.Owner != g.owner {
			return nil, false, ErrTableLockExpired
		}
		out, err = encodeLease(lease{Owner: g.owner, ExpiresAt: g.m.clock.Now().Add(g.m.cfg.TTL)})
		return out, true, err
	})
}

// Check implements [Guard].
func (g *guard) Check(ctx context.Context) error {
	if g.released.Load() || g.lost.Load() {
		return ErrTableLockExpired
	}
	v, err := g.m.client.Get(ctx, g.key)
	if err != nil {
		return err
	}
	current, ok, err := decodeLease(v)
	if err != nil {
		return err
	}
	if !ok || current.Owner != g.owner || !g.m.clock.Now().Before(current.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrTableLockExpired, g.key)
	}
	return nil
}

// Release implements [Guard].
func (g *guard) Release(ctx context.Context) error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	g.stop()
	_ = g.heartbeat.Wait()
	g.m.metrics.held.Dec()

	v, err := g.m.client.Get(ctx, g.key)
	if err != nil {
		return err
	}
	if current, ok, err := decodeLease(v); err != nil || !ok || current.Owner != g.owner {
		// Someone else owns the lock by now.
		return err
	}
	if err := g.m.client.Delete(ctx, g.key); err != nil {
		return err
	}
	level.Debug(g.logger).Log("msg", "released table lock")
	return nil
}
