// Package reconciler implements the position reconciler (C7): a periodic
// loop that reads the exchange adapter's reported positions, attributes
// each one to the strategy most likely responsible for it, persists a
// snapshot to the remote mirror, and serves force_close.
//
// Attribution is read-only and substring-based rather than fill-driven
// bookkeeping, unlike the donor's internal/execution/order_manager.go
// updatePosition (which mutates a position ledger from local fills): this
// component reconciles against what the exchange actually reports, because
// local order state and exchange-reported positions can drift (orphaned
// orders, manual intervention, partial fills missed during an adapter
// outage).
package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/connector"
	"github.com/hivebot/orchestrator/internal/hiveerr"
	"github.com/hivebot/orchestrator/pkg/types"
)

// DefaultInterval is the reconciliation cycle period.
const DefaultInterval = 5 * time.Second

// StrategyLister exposes the registry's live strategy instances so
// attribution can inspect each one's name and trading_pairs.
type StrategyLister interface {
	List() []types.StrategyInstance
}

// SnapshotSink persists a reconciliation cycle's attributed positions,
// implemented by the remote mirror (C2).
type SnapshotSink interface {
	RecordPositionSnapshot(ctx context.Context, positions []types.Position, at time.Time) error
}

// Reconciler is the C7 component.
type Reconciler struct {
	logger   *zap.Logger
	mux      *connector.Multiplexer
	lister   StrategyLister
	sink     SnapshotSink
	interval time.Duration

	mu        sync.RWMutex
	latest    []types.Position
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs a Reconciler.
func New(logger *zap.Logger, mux *connector.Multiplexer, lister StrategyLister, sink SnapshotSink, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		logger:   logger.Named("reconciler"),
		mux:      mux,
		lister:   lister,
		sink:     sink,
		interval: interval,
	}
}

// Start launches the periodic reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Cycle(ctx); err != nil {
					r.logger.Warn("reconciliation cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the reconciliation loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Cycle runs one reconciliation pass: read positions, attribute, snapshot.
// Exposed directly for POST /api/positions/force-sync.
func (r *Reconciler) Cycle(ctx context.Context) error {
	positions, err := r.mux.AdapterPositions(ctx)
	if err != nil {
		return hiveerr.New(hiveerr.KindAdapterTransient, "reconciler.Cycle", err)
	}

	instances := r.lister.List()
	attributed := make([]types.Position, 0, len(positions))
	for _, p := range positions {
		p.AttributedStrategy = attribute(p, instances)
		attributed = append(attributed, p)
	}

	r.mu.Lock()
	r.latest = attributed
	r.mu.Unlock()

	now := time.Now()
	if err := r.sink.RecordPositionSnapshot(ctx, attributed, now); err != nil {
		return hiveerr.New(hiveerr.KindStoreUnavailable, "reconciler.Cycle", err)
	}
	return nil
}

// attribute finds the strategy whose name contains the position's base
// asset as a case-insensitive substring and whose trading_pairs contains
// the position's pair, breaking ties by earliest CreatedAt. Returns
// types.UnknownAttribution if none match.
func attribute(p types.Position, instances []types.StrategyInstance) string {
	base := baseAsset(p.TradingPair)

	var best *types.StrategyInstance
	for i := range instances {
		inst := instances[i]
		if !strings.Contains(strings.ToLower(inst.Config.Name), strings.ToLower(base)) {
			continue
		}
		if !containsPair(inst.Config.TradingPairs, p.TradingPair) {
			continue
		}
		if best == nil || inst.Config.CreatedAt.Before(best.Config.CreatedAt) {
			candidate := inst
			best = &candidate
		}
	}
	if best == nil {
		return types.UnknownAttribution
	}
	return best.Config.Name
}

func baseAsset(pair string) string {
	if idx := strings.IndexByte(pair, '-'); idx >= 0 {
		return pair[:idx]
	}
	return pair
}

func containsPair(pairs []string, pair string) bool {
	for _, p := range pairs {
		if strings.EqualFold(p, pair) {
			return true
		}
	}
	return false
}

// Positions returns the most recently reconciled, attributed position set.
func (r *Reconciler) Positions() []types.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Position, len(r.latest))
	copy(out, r.latest)
	return out
}

// ForceClose opens a reducing market order on the opposite side for every
// attributed position matching strategyName (all positions if
// strategyName is empty), amount equal to |size|. Never retries a failed
// close automatically; failures are reported per-position.
func (r *Reconciler) ForceClose(ctx context.Context, strategyName string) (types.CleanupReport, error) {
	r.mu.RLock()
	positions := make([]types.Position, len(r.latest))
	copy(positions, r.latest)
	r.mu.RUnlock()

	report := types.CleanupReport{}
	for _, p := range positions {
		if strategyName != "" && p.AttributedStrategy != strategyName {
			continue
		}
		side := types.SideSell
		if p.Side == types.PositionShort {
			side = types.SideBuy
		}
		owner := p.AttributedStrategy
		if owner == types.UnknownAttribution {
			owner = "reconciler"
		}
		if _, err := r.mux.PlaceOrder(ctx, owner, p.TradingPair, side, types.OrderTypeMarket, p.Size.Abs(), p.MarkPrice, types.PositionClose); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.PositionsClosed++
	}
	return report, nil
}
