// Package mirror implements the remote mirror (C2): a best-effort,
// at-least-once shipper of strategy config changes, periodic counter
// snapshots, and instance heartbeats to a remote PostgreSQL store for
// fleet dashboards, with an optional Redis pub/sub fan-out. Never
// propagates a failure back to the core: callers enqueue and move on.
//
// Directly modeled on original_source/hivebot/hive_postgres_sync.py, the
// literal predecessor this component supersedes: a local-state shipper
// that lazily creates its destination tables and retries on a timer. The
// bounded queue + drop-oldest + exponential backoff drain loop is new
// structure this Go rewrite adds in place of the Python version's blocking
// sync_interval loop, since the core must never block on a slow or
// unreachable dashboard database.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/pkg/types"
)

// SnapshotRetention is how long position_snapshots rows are kept.
const SnapshotRetention = 7 * 24 * time.Hour

const (
	queueCapacity = 1024
	minBackoff    = 100 * time.Millisecond
	maxBackoff    = 30 * time.Second
)

// eventKind discriminates the queued event payloads.
type eventKind int

const (
	eventConfigUpsert eventKind = iota
	eventConfigDelete
	eventStrategyStats
	eventInstanceHeartbeat
	eventPositionSnapshot
)

type event struct {
	kind      eventKind
	config    types.StrategyConfig
	name      string
	instance  InstanceInfo
	stats     strategyStatsEvent
	positions []types.Position
	at        time.Time
}

type strategyStatsEvent struct {
	instanceID string
	name       string
	counters   types.StrategyCounters
}

// InstanceInfo is what C9 registers and heartbeats.
type InstanceInfo struct {
	InstanceID string
	Hostname   string
	APIPort    int
	Status     string
}

// Mirror is the C2 component. With a nil *sql.DB (no DSN configured) no
// drain worker runs: enqueued events stay in the bounded queue, and once it
// is full each further enqueue drops the oldest and counts toward DropCount.
type Mirror struct {
	logger *zap.Logger
	db     *sql.DB
	rdb    *redis.Client
	cron   *cron.Cron

	queue chan event

	dropCount     atomic.Int64
	lastDropWarn  atomic.Int64 // unix seconds

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config configures the mirror's destinations.
type Config struct {
	PostgresDSN string // empty disables Postgres and the whole mirror
	RedisAddr   string // empty disables Redis fan-out
}

// Open constructs a Mirror. When cfg.PostgresDSN is empty the returned
// Mirror writes nothing: Start launches no drain worker, so events only
// fill the bounded queue — the normal shape for a single standalone
// instance with no dashboard to feed.
func Open(logger *zap.Logger, cfg Config) (*Mirror, error) {
	m := &Mirror{
		logger: logger.Named("mirror"),
		queue:  make(chan event, queueCapacity),
		stopCh: make(chan struct{}),
	}

	if cfg.PostgresDSN == "" {
		return m, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("mirror: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("mirror: ping postgres: %w", err)
	}
	if err := createMissingTables(db); err != nil {
		return nil, fmt.Errorf("mirror: create tables: %w", err)
	}
	m.db = db

	if cfg.RedisAddr != "" {
		m.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	return m, nil
}

func createMissingTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS strategy_configs (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			trading_pairs TEXT NOT NULL,
			parameters TEXT NOT NULL,
			refresh_interval_ms BIGINT NOT NULL,
			enabled BOOLEAN NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			api_port INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_stats (
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			total_actions BIGINT NOT NULL,
			successful_orders BIGINT NOT NULL,
			failed_orders BIGINT NOT NULL,
			actions_per_minute DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (instance_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			id SERIAL PRIMARY KEY,
			trading_pair TEXT NOT NULL,
			side TEXT NOT NULL,
			size DECIMAL(20,10) NOT NULL,
			entry_price DECIMAL(20,10) NOT NULL,
			mark_price DECIMAL(20,10) NOT NULL,
			unrealized_pnl DECIMAL(20,10) NOT NULL,
			attributed_strategy TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background drain worker and the daily retention
// sweep when Postgres is configured; otherwise it does nothing.
func (m *Mirror) Start(ctx context.Context) {
	if m.db == nil {
		return
	}
	m.wg.Add(1)
	go m.drain(ctx)

	m.cron = cron.New()
	m.cron.AddFunc("@daily", func() { m.pruneOldSnapshots(ctx) })
	m.cron.Start()
}

// Stop flushes the queued events (one write attempt each) and halts the
// drain worker and cron job.
func (m *Mirror) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	if m.cron != nil {
		m.cron.Stop()
	}
	if m.db != nil {
		m.db.Close()
	}
	if m.rdb != nil {
		m.rdb.Close()
	}
}

// enqueue never blocks: on a full queue it drops the oldest entry and
// increments the drop counter, logging at most once a minute.
func (m *Mirror) enqueue(e event) {
	select {
	case m.queue <- e:
		return
	default:
	}

	m.dropCount.Add(1)
	select {
	case <-m.queue:
	default:
	}
	select {
	case m.queue <- e:
	default:
	}

	now := time.Now().Unix()
	last := m.lastDropWarn.Load()
	if now-last >= 60 && m.lastDropWarn.CompareAndSwap(last, now) {
		m.logger.Warn("mirror queue overflow, dropping oldest events", zap.Int64("total_dropped", m.dropCount.Load()))
	}
}

// NotifyUpsert implements configstore.MirrorSink.
func (m *Mirror) NotifyUpsert(cfg types.StrategyConfig) {
	m.enqueue(event{kind: eventConfigUpsert, config: cfg})
}

// NotifyDelete implements configstore.MirrorSink.
func (m *Mirror) NotifyDelete(name string) {
	m.enqueue(event{kind: eventConfigDelete, name: name})
}

// RecordStrategyStats enqueues a periodic counters snapshot for one
// strategy instance.
func (m *Mirror) RecordStrategyStats(instanceID, name string, counters types.StrategyCounters) {
	m.enqueue(event{kind: eventStrategyStats, stats: strategyStatsEvent{instanceID: instanceID, name: name, counters: counters}})
}

// RecordHeartbeat enqueues an instance registration/heartbeat upsert,
// called by C9 at startup and every 30s thereafter.
func (m *Mirror) RecordHeartbeat(info InstanceInfo) {
	m.enqueue(event{kind: eventInstanceHeartbeat, instance: info})
}

// RecordPositionSnapshot implements reconciler.SnapshotSink.
func (m *Mirror) RecordPositionSnapshot(ctx context.Context, positions []types.Position, at time.Time) error {
	m.enqueue(event{kind: eventPositionSnapshot, positions: positions, at: at})
	return nil
}

func (m *Mirror) drain(ctx context.Context) {
	defer m.wg.Done()
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			for {
				select {
				case e := <-m.queue:
					if err := m.write(ctx, e); err != nil {
						m.logger.Warn("mirror flush write failed, dropping event", zap.Error(err))
						continue
					}
					m.publishToRedis(e)
				default:
					return
				}
			}
		case e := <-m.queue:
			if err := m.write(ctx, e); err != nil {
				m.logger.Warn("mirror write failed, backing off", zap.Duration("backoff", backoff), zap.Error(err))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				case <-m.stopCh:
					return
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = minBackoff
			m.publishToRedis(e)
		}
	}
}

func (m *Mirror) write(ctx context.Context, e event) error {
	switch e.kind {
	case eventConfigUpsert:
		pairs, _ := json.Marshal(e.config.TradingPairs)
		params, _ := json.Marshal(e.config.Parameters)
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO strategy_configs (name, kind, trading_pairs, parameters, refresh_interval_ms, enabled, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (name) DO UPDATE SET kind=$2, trading_pairs=$3, parameters=$4, refresh_interval_ms=$5, enabled=$6, updated_at=$7`,
			e.config.Name, string(e.config.Kind), string(pairs), string(params), e.config.RefreshIntervalMs, e.config.Enabled, time.Now())
		return err
	case eventConfigDelete:
		_, err := m.db.ExecContext(ctx, `DELETE FROM strategy_configs WHERE name = $1`, e.name)
		return err
	case eventStrategyStats:
		s := e.stats
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO strategy_stats (instance_id, name, total_actions, successful_orders, failed_orders, actions_per_minute, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (instance_id, name) DO UPDATE SET total_actions=$3, successful_orders=$4, failed_orders=$5, actions_per_minute=$6, recorded_at=$7`,
			s.instanceID, s.name, s.counters.TotalActions, s.counters.SuccessfulOrders, s.counters.FailedOrders, s.counters.ActionsPerMinute, time.Now())
		return err
	case eventInstanceHeartbeat:
		i := e.instance
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO instances (instance_id, hostname, api_port, status, last_seen)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (instance_id) DO UPDATE SET hostname=$2, api_port=$3, status=$4, last_seen=$5`,
			i.InstanceID, i.Hostname, i.APIPort, i.Status, time.Now())
		return err
	case eventPositionSnapshot:
		for _, p := range e.positions {
			if p.Size.Equal(decimal.Zero) {
				continue
			}
			_, err := m.db.ExecContext(ctx, `
				INSERT INTO position_snapshots (trading_pair, side, size, entry_price, mark_price, unrealized_pnl, attributed_strategy, recorded_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				p.TradingPair, string(p.Side), p.Size, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.AttributedStrategy, e.at)
			if err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (m *Mirror) publishToRedis(e event) {
	if m.rdb == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{"kind": e.kind})
	if err != nil {
		return
	}
	// Best-effort: a Redis publish failure never affects the Postgres path
	// or the core, so the error is swallowed after a debug log.
	if err := m.rdb.Publish(context.Background(), "hive:events", payload).Err(); err != nil {
		m.logger.Debug("redis publish failed", zap.Error(err))
	}
}

func (m *Mirror) pruneOldSnapshots(ctx context.Context) {
	cutoff := time.Now().Add(-SnapshotRetention)
	if _, err := m.db.ExecContext(ctx, `DELETE FROM position_snapshots WHERE recorded_at < $1`, cutoff); err != nil {
		m.logger.Warn("retention sweep failed", zap.Error(err))
	}
}

// DropCount exposes the total number of queue-overflow drops, for
// /metrics and diagnostics.
func (m *Mirror) DropCount() int64 { return m.dropCount.Load() }

// Enabled reports whether this Mirror has a real Postgres destination
// configured, for /api/status's remote_mirror_enabled field.
func (m *Mirror) Enabled() bool { return m.db != nil }

// LoadConfigsFromRemote reads every row currently in strategy_configs, the
// one read path this otherwise write-only shipper exposes: it backs
// POST /api/sync-from-postgres, which reconciles a local instance's
// registry against configs a fleet-wide dashboard (or another instance)
// wrote to the shared Postgres table. Returns an empty slice, not an
// error, when the mirror is disabled.
func (m *Mirror) LoadConfigsFromRemote(ctx context.Context) ([]types.StrategyConfig, error) {
	if m.db == nil {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT name, kind, trading_pairs, parameters, refresh_interval_ms, enabled, updated_at
		FROM strategy_configs`)
	if err != nil {
		return nil, fmt.Errorf("mirror: load remote configs: %w", err)
	}
	defer rows.Close()

	var out []types.StrategyConfig
	for rows.Next() {
		var cfg types.StrategyConfig
		var kind, pairsJSON, paramsJSON string
		if err := rows.Scan(&cfg.Name, &kind, &pairsJSON, &paramsJSON, &cfg.RefreshIntervalMs, &cfg.Enabled, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("mirror: scan remote config: %w", err)
		}
		cfg.Kind = types.StrategyKind(kind)
		if err := json.Unmarshal([]byte(pairsJSON), &cfg.TradingPairs); err != nil {
			return nil, fmt.Errorf("mirror: decode trading_pairs: %w", err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &cfg.Parameters); err != nil {
			return nil, fmt.Errorf("mirror: decode parameters: %w", err)
		}
		cfg.CreatedAt = cfg.UpdatedAt
		out = append(out, cfg)
	}
	return out, rows.Err()
}
