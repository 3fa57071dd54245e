package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/pkg/types"
)

// DefaultStatsInterval is the periodic counters-snapshot cadence.
const DefaultStatsInterval = 10 * time.Second

// StatsSink persists a periodic per-StrategyInstance counters snapshot,
// implemented by the remote mirror (C2).
type StatsSink interface {
	RecordStrategyStats(instanceID, name string, counters types.StrategyCounters)
}

// StatsReporter periodically snapshots every live strategy instance's
// counters and pushes them to the remote mirror, the only production
// caller of Mirror.RecordStrategyStats.
type StatsReporter struct {
	logger     *zap.Logger
	registry   *Registry
	sink       StatsSink
	instanceID string
	interval   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStatsReporter constructs a StatsReporter.
func NewStatsReporter(logger *zap.Logger, registry *Registry, sink StatsSink, instanceID string, interval time.Duration) *StatsReporter {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	return &StatsReporter{
		logger:     logger.Named("stats_reporter"),
		registry:   registry,
		sink:       sink,
		instanceID: instanceID,
		interval:   interval,
	}
}

// Start launches the periodic reporting loop.
func (s *StatsReporter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cycle()
			}
		}
	}()
}

// Stop halts the reporting loop and waits for it to exit.
func (s *StatsReporter) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Cycle snapshots and reports every live strategy instance's counters once.
// Exposed directly so callers (and tests) don't have to wait a full
// interval for a snapshot.
func (s *StatsReporter) Cycle() {
	for _, inst := range s.registry.List() {
		s.sink.RecordStrategyStats(s.instanceID, inst.Config.Name, inst.Counters)
	}
}
