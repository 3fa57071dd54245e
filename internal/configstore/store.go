// Package configstore implements the durable local key/value store of
// strategy configurations (C1): the primary source of truth at startup,
// ordered by insertion, backed by a single SQLite file. The in-memory cache
// plus on-disk persistence split follows the donor's internal/data.Store,
// generalized from OHLCV bars to StrategyConfig rows and from a JSON file
// per symbol to a single SQLite table keyed by name.
package configstore

import (
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/hiveerr"
	"github.com/hivebot/orchestrator/pkg/types"
)

// MirrorSink receives a fire-and-forget notification of every successful
// upsert/delete so the remote mirror (C2) can ship it at-least-once.
// Implementations must not block the caller.
type MirrorSink interface {
	NotifyUpsert(cfg types.StrategyConfig)
	NotifyDelete(name string)
}

type noopSink struct{}

func (noopSink) NotifyUpsert(types.StrategyConfig) {}
func (noopSink) NotifyDelete(string)               {}

// Store is the durable ordered map from name to StrategyConfig.
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger
	db     *sql.DB
	mirror MirrorSink

	// cache preserves insertion order via seq; reads take mu's read lock
	// and return snapshots copied out from here.
	cache map[string]cachedConfig
}

type cachedConfig struct {
	cfg types.StrategyConfig
	seq int64
}

// Open creates or attaches to the SQLite file at path and loads its
// contents into the in-memory cache.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.Open", err)
	}
	if err := db.Ping(); err != nil {
		return nil, hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.Open", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS strategy_configs (
	name TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	trading_pairs TEXT NOT NULL,
	parameters TEXT NOT NULL,
	refresh_interval_ms INTEGER NOT NULL,
	enabled INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.Open", err)
	}

	s := &Store{
		logger: logger.Named("configstore"),
		db:     db,
		mirror: noopSink{},
		cache:  make(map[string]cachedConfig),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetMirror wires the best-effort mirror sink. Called once at composition
// time; nil resets to a no-op.
func (s *Store) SetMirror(sink MirrorSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink == nil {
		sink = noopSink{}
	}
	s.mirror = sink
}

func (s *Store) reload() error {
	rows, err := s.db.Query(`SELECT name, seq, kind, trading_pairs, parameters, refresh_interval_ms, enabled, created_at, updated_at FROM strategy_configs`)
	if err != nil {
		return hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.reload", err)
	}
	defer rows.Close()

	cache := make(map[string]cachedConfig)
	for rows.Next() {
		var (
			name, kind, pairsJSON, paramsJSON string
			seq, refreshMs, createdAt, updatedAt int64
			enabled                              int
		)
		if err := rows.Scan(&name, &seq, &kind, &pairsJSON, &paramsJSON, &refreshMs, &enabled, &createdAt, &updatedAt); err != nil {
			return hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.reload", err)
		}
		var pairs []string
		if err := json.Unmarshal([]byte(pairsJSON), &pairs); err != nil {
			return hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.reload", err)
		}
		var params map[string]interface{}
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.reload", err)
		}
		cfg := types.StrategyConfig{
			Name:              name,
			Kind:              types.StrategyKind(kind),
			TradingPairs:      pairs,
			Parameters:        params,
			RefreshIntervalMs: refreshMs,
			Enabled:           enabled != 0,
			CreatedAt:         time.Unix(0, createdAt),
			UpdatedAt:         time.Unix(0, updatedAt),
		}
		cache[name] = cachedConfig{cfg: cfg, seq: seq}
	}
	if err := rows.Err(); err != nil {
		return hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.reload", err)
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

func nextSeq(cache map[string]cachedConfig) int64 {
	var max int64
	for _, c := range cache {
		if c.seq > max {
			max = c.seq
		}
	}
	return max + 1
}

// LoadAll returns every config in insertion order.
func (s *Store) LoadAll() []types.StrategyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := make([]cachedConfig, 0, len(s.cache))
	for _, c := range s.cache {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	out := make([]types.StrategyConfig, len(ordered))
	for i, c := range ordered {
		out[i] = c.cfg
	}
	return out
}

// Get returns a config by name.
func (s *Store) Get(name string) (types.StrategyConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[name]
	return c.cfg, ok
}

// Upsert validates and durably writes cfg, then notifies the mirror.
func (s *Store) Upsert(cfg types.StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return hiveerr.New(hiveerr.KindInvalidConfig, "configstore.Upsert", err)
	}
	pairsJSON, err := json.Marshal(cfg.TradingPairs)
	if err != nil {
		return hiveerr.New(hiveerr.KindInvalidConfig, "configstore.Upsert", err)
	}
	paramsJSON, err := json.Marshal(cfg.Parameters)
	if err != nil {
		return hiveerr.New(hiveerr.KindInvalidConfig, "configstore.Upsert", err)
	}

	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	s.mu.Lock()
	existing, exists := s.cache[cfg.Name]
	seq := nextSeq(s.cache)
	if exists {
		seq = existing.seq
		cfg.CreatedAt = existing.cfg.CreatedAt
	}

	_, err = s.db.Exec(`
INSERT INTO strategy_configs (name, seq, kind, trading_pairs, parameters, refresh_interval_ms, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	kind=excluded.kind, trading_pairs=excluded.trading_pairs, parameters=excluded.parameters,
	refresh_interval_ms=excluded.refresh_interval_ms, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		cfg.Name, seq, string(cfg.Kind), string(pairsJSON), string(paramsJSON),
		cfg.RefreshIntervalMs, boolToInt(cfg.Enabled), cfg.CreatedAt.UnixNano(), cfg.UpdatedAt.UnixNano())
	if err != nil {
		s.mu.Unlock()
		return hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.Upsert", err)
	}
	s.cache[cfg.Name] = cachedConfig{cfg: cfg, seq: seq}
	mirror := s.mirror
	s.mu.Unlock()

	mirror.NotifyUpsert(cfg)
	return nil
}

// Delete removes a config by name. Deleting a name that does not exist is
// not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	_, err := s.db.Exec(`DELETE FROM strategy_configs WHERE name = ?`, name)
	if err != nil {
		s.mu.Unlock()
		return hiveerr.New(hiveerr.KindStoreUnavailable, "configstore.Delete", err)
	}
	delete(s.cache, name)
	mirror := s.mirror
	s.mu.Unlock()

	mirror.NotifyDelete(name)
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
