// Package registry implements the dynamic strategy registry and lifecycle
// manager (C5): create/update/delete/get/list of strategy instances, keyed
// by name, with update and delete serialized per name.
package registry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/configstore"
	"github.com/hivebot/orchestrator/internal/connector"
	"github.com/hivebot/orchestrator/internal/exchange"
	"github.com/hivebot/orchestrator/internal/hiveerr"
	"github.com/hivebot/orchestrator/pkg/types"
)

// actionsPerMinuteWindow is the EWMA decay window for
// StrategyCounters.ActionsPerMinute (see pkg/types.StrategyCounters).
const actionsPerMinuteWindow = 60 * time.Second

// SchedulerHook lets the registry drive a strategy's scheduling alongside
// its own lifecycle, implemented by scheduler.Scheduler. Optional: a nil
// hook leaves scheduling entirely to the caller.
type SchedulerHook interface {
	Register(name string, interval time.Duration)
	Unregister(name string)
}

type noopScheduler struct{}

func (noopScheduler) Register(string, time.Duration) {}
func (noopScheduler) Unregister(string)               {}

// ParameterSchema describes the parameters a strategy kind accepts, for
// the control-plane API to render and validate against.
type ParameterSchema struct {
	Kind   types.StrategyKind
	Fields []ParameterField
}

// ParameterField describes one named, typed strategy parameter.
type ParameterField struct {
	Name    string
	Type    string // "decimal", "int", "bool", "string"
	Default interface{}
}

// Strategy is the capability interface every registered strategy kind
// implements. It replaces the donor's Strategy/BaseStrategy class
// hierarchy (internal/strategy/strategy.go) with a minimal surface: real
// trading algorithms are out of scope, so this interface only carries what
// the scheduler (C6) and the connector (C4) need to drive a tick.
type Strategy interface {
	Start(ctx context.Context) error
	Tick(ctx context.Context) error
	Stop(ctx context.Context) error
	DescribeParameters() ParameterSchema
}

// Factory constructs a Strategy for a given StrategyConfig. Registered per
// kind, mirroring the donor's StrategyRegistry.Register(name, factory)
// shape.
type Factory func(cfg types.StrategyConfig, mux *connector.Multiplexer, logger *zap.Logger) (Strategy, error)

// entry bundles a live strategy instance with its serialization lock so
// update/delete never race with an in-flight tick or with each other for
// the same name.
type entry struct {
	mu       sync.Mutex
	instance types.StrategyInstance
	strategy Strategy

	lastActionAt time.Time

	drainCancel context.CancelFunc
	drainDone   chan struct{}
}

// Registry is the C5 component.
type Registry struct {
	logger  *zap.Logger
	store     *configstore.Store
	mux       *connector.Multiplexer
	factory   map[types.StrategyKind]Factory
	scheduler SchedulerHook

	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs a Registry with the built-in strategy kinds pre-registered,
// matching the donor's NewStrategyRegistry constructor shape.
func New(logger *zap.Logger, store *configstore.Store, mux *connector.Multiplexer) *Registry {
	r := &Registry{
		logger:    logger.Named("registry"),
		store:     store,
		mux:       mux,
		factory:   make(map[types.StrategyKind]Factory),
		entries:   make(map[string]*entry),
		scheduler: noopScheduler{},
	}
	r.RegisterKind(types.KindPureMarketMaking, newSimpleQuoter)
	r.RegisterKind(types.StrategyKind("null"), newNullStrategy)
	return r
}

// SetScheduler wires the scheduler hook. Called once at composition time;
// nil resets to a no-op.
func (r *Registry) SetScheduler(hook SchedulerHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hook == nil {
		hook = noopScheduler{}
	}
	r.scheduler = hook
}

// RegisterKind adds a strategy factory for kind, overwriting any previous
// registration.
func (r *Registry) RegisterKind(kind types.StrategyKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory[kind] = f
}

// LoadFromStore instantiates a Registry entry for every config persisted in
// the config store, called once at startup after C1 is opened.
func (r *Registry) LoadFromStore() error {
	cfgs := r.store.LoadAll()
	for _, cfg := range cfgs {
		if _, err := r.instantiate(cfg); err != nil {
			r.logger.Error("failed to instantiate persisted strategy", zap.String("name", cfg.Name), zap.Error(err))
		}
	}
	return nil
}

// Create registers and starts a new strategy instance. Fails with
// KindDuplicateName if the name already exists.
func (r *Registry) Create(ctx context.Context, cfg types.StrategyConfig) (types.StrategyInstance, error) {
	if err := cfg.Validate(); err != nil {
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindInvalidConfig, "registry.Create", err)
	}

	if exists := r.reserve(cfg.Name); exists {
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindDuplicateName, "registry.Create", fmt.Errorf("strategy %q already exists", cfg.Name))
	}

	if err := r.store.Upsert(cfg); err != nil {
		r.abandon(cfg.Name)
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindStoreUnavailable, "registry.Create", err)
	}

	return r.instantiate(cfg)
}

// reserve atomically checks for and claims a name, so two concurrent
// Create/LoadFromStore calls for the same name cannot both pass the
// existence check and race to overwrite each other's entry. Returns true if
// the name was already taken.
func (r *Registry) reserve(name string) (exists bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return true
	}
	e := &entry{instance: types.StrategyInstance{Status: types.StatusStarting}}
	e.mu.Lock()
	r.entries[name] = e
	return false
}

// abandon releases a reservation made by reserve when a step after it
// fails before instantiate can take over the entry.
func (r *Registry) abandon(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		delete(r.entries, name)
		e.mu.Unlock()
	}
}

func (r *Registry) instantiate(cfg types.StrategyConfig) (types.StrategyInstance, error) {
	r.mu.RLock()
	f, ok := r.factory[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		r.abandon(cfg.Name)
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindUnknownStrategy, "registry.instantiate", fmt.Errorf("unknown strategy kind %q", cfg.Kind))
	}

	strat, err := f(cfg, r.mux, r.logger)
	if err != nil {
		r.abandon(cfg.Name)
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindInvalidConfig, "registry.instantiate", err)
	}

	r.mux.RegisterStrategy(cfg.Name)

	r.mu.RLock()
	e, ok := r.entries[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		// No reservation in place (e.g. a path that calls instantiate
		// directly); claim the slot now.
		if exists := r.reserve(cfg.Name); exists {
			return types.StrategyInstance{}, hiveerr.New(hiveerr.KindDuplicateName, "registry.instantiate", fmt.Errorf("strategy %q already exists", cfg.Name))
		}
		r.mu.RLock()
		e = r.entries[cfg.Name]
		r.mu.RUnlock()
	}

	e.instance = types.StrategyInstance{
		Config:     cfg,
		Status:     types.StatusStarting,
		OpenOrders: make(map[string]bool),
	}
	e.strategy = strat

	ctx := context.Background()
	if err := strat.Start(ctx); err != nil {
		e.instance.Status = types.StatusError
		e.instance.LastError = err.Error()
		e.mu.Unlock()
		return e.instance, hiveerr.New(hiveerr.KindInvalidConfig, "registry.instantiate", err)
	}
	e.instance.Status = types.StatusRunning
	snapshot := e.instance

	drainCtx, drainCancel := context.WithCancel(context.Background())
	e.drainCancel = drainCancel
	e.drainDone = make(chan struct{})
	go r.drainEvents(drainCtx, cfg.Name, e)

	e.mu.Unlock()

	r.scheduler.Register(cfg.Name, cfg.RefreshInterval())
	return snapshot, nil
}

// Get returns a copy of the named strategy's live instance state.
func (r *Registry) Get(name string) (types.StrategyInstance, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return types.StrategyInstance{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance, true
}

// List returns a copy of every live strategy instance, in no particular
// order.
func (r *Registry) List() []types.StrategyInstance {
	r.mu.RLock()
	names := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e)
	}
	r.mu.RUnlock()

	out := make([]types.StrategyInstance, 0, len(names))
	for _, e := range names {
		e.mu.Lock()
		out = append(out, e.instance)
		e.mu.Unlock()
	}
	return out
}

// lockEntry returns the live entry for name with its mutex already held.
// The caller must call e.mu.Unlock() when done.
func (r *Registry) lockEntry(name string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	return e, true
}

// Tick drives one scheduling cycle for name, called by the scheduler (C6).
// Locked per name so a concurrent update/delete cannot race a tick. Every
// attempt counts toward total_actions and actions_per_minute; a failing
// attempt also counts toward failed_orders.
func (r *Registry) Tick(ctx context.Context, name string) error {
	e, ok := r.lockEntry(name)
	if !ok {
		return hiveerr.New(hiveerr.KindUnknownStrategy, "registry.Tick", fmt.Errorf("strategy %q not found", name))
	}
	defer e.mu.Unlock()

	if e.instance.Status != types.StatusRunning {
		return nil
	}

	err := e.strategy.Tick(ctx)

	now := time.Now()
	e.instance.Counters.TotalActions++
	e.instance.Counters.ActionsPerMinute = nextActionsPerMinute(e.instance.Counters.ActionsPerMinute, e.lastActionAt, now)
	e.lastActionAt = now
	if err != nil {
		e.instance.Counters.FailedOrders++
	}
	return err
}

// nextActionsPerMinute folds one action at now into prev, an EWMA over
// actionsPerMinuteWindow. The first action in a fresh instance seeds the
// rate at 1/min rather than 0, since a rate of zero at the moment an action
// occurs is misleading.
func nextActionsPerMinute(prev float64, lastAt, now time.Time) float64 {
	if lastAt.IsZero() {
		return 1
	}
	elapsed := now.Sub(lastAt)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	instantaneous := float64(time.Minute) / float64(elapsed)
	decay := math.Exp(-float64(elapsed) / float64(actionsPerMinuteWindow))
	return prev*decay + instantaneous*(1-decay)
}

// drainEvents is the per-StrategyInstance event-drain loop: it reads C4's
// demultiplexed inbox for name until ctx is cancelled (UnregisterStrategy
// does not close the channel), applying every OrderUpdate to the owning
// entry's counters and open-order set. Spawned once per entry by
// instantiate and stopped by Delete.
func (r *Registry) drainEvents(ctx context.Context, name string, e *entry) {
	defer close(e.drainDone)

	ch, ok := r.mux.Inbox(name)
	if !ok {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.applyEvent(e, ev)
		}
	}
}

// applyEvent folds one demultiplexed OrderUpdate into e's counters and
// open_orders set. A terminal state (filled/cancelled/rejected) retires the
// order; any other state means it is resting.
func (r *Registry) applyEvent(e *entry, ev exchange.Event) {
	u := ev.OrderUpdate
	if u == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch u.State {
	case types.OrderFilled:
		e.instance.Counters.SuccessfulOrders++
		delete(e.instance.OpenOrders, u.ExchangeID)
	case types.OrderRejected:
		e.instance.Counters.FailedOrders++
		delete(e.instance.OpenOrders, u.ExchangeID)
	case types.OrderCancelled:
		delete(e.instance.OpenOrders, u.ExchangeID)
	default:
		if e.instance.OpenOrders != nil {
			e.instance.OpenOrders[u.ExchangeID] = true
		}
	}
}

// Update replaces an existing strategy's config, stopping and restarting
// the live instance (hot-update-with-restart), serialized against Tick and
// Delete for the same name.
//
// The replacement strategy is started before the old one is stopped, so a
// trading pair present in both configs has EnsurePair called (by the new
// strategy's Start) while its refcount from the old strategy is still
// live: the refcount goes 1->2->1 rather than 1->0->1, and the adapter
// never sees an unsubscribe/resubscribe for a pair the update didn't
// actually change. A pair dropped from the config still releases down to
// zero once the old strategy's Stop runs; a newly added pair still
// subscribes from zero when the new strategy's Start runs.
func (r *Registry) Update(ctx context.Context, cfg types.StrategyConfig) (types.StrategyInstance, error) {
	if err := cfg.Validate(); err != nil {
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindInvalidConfig, "registry.Update", err)
	}

	e, ok := r.lockEntry(cfg.Name)
	if !ok {
		return types.StrategyInstance{}, hiveerr.New(hiveerr.KindUnknownStrategy, "registry.Update", fmt.Errorf("strategy %q not found", cfg.Name))
	}

	f, ok := r.factoryFor(cfg.Kind)
	if !ok {
		err := fmt.Errorf("unknown strategy kind %q", cfg.Kind)
		e.instance.Status = types.StatusError
		e.instance.LastError = err.Error()
		snapshot := e.instance
		e.mu.Unlock()
		return snapshot, hiveerr.New(hiveerr.KindUnknownStrategy, "registry.Update", err)
	}

	strat, err := f(cfg, r.mux, r.logger)
	if err != nil {
		e.instance.Status = types.StatusError
		e.instance.LastError = err.Error()
		e.mu.Unlock()
		return e.instance, hiveerr.New(hiveerr.KindInvalidConfig, "registry.Update", err)
	}

	if err := strat.Start(ctx); err != nil {
		e.instance.Status = types.StatusError
		e.instance.LastError = err.Error()
		e.mu.Unlock()
		return e.instance, hiveerr.New(hiveerr.KindInvalidConfig, "registry.Update", err)
	}

	oldStrategy := e.strategy
	e.instance.Status = types.StatusStopping
	_ = oldStrategy.Stop(ctx)

	e.strategy = strat
	e.instance.Config = cfg
	e.instance.Status = types.StatusRunning
	e.instance.LastError = ""
	snapshot := e.instance
	e.mu.Unlock()

	r.scheduler.Unregister(cfg.Name)
	r.scheduler.Register(cfg.Name, cfg.RefreshInterval())

	if err := r.store.Upsert(cfg); err != nil {
		return snapshot, hiveerr.New(hiveerr.KindStoreUnavailable, "registry.Update", err)
	}
	return snapshot, nil
}

func (r *Registry) factoryFor(kind types.StrategyKind) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factory[kind]
	return f, ok
}

// Delete stops and removes a strategy instance, optionally cancelling the
// open orders recorded on it (opts.CancelOrders). The recorded orders are
// cancelled before the strategy's own Stop runs, so the report counts them.
// Position closing (opts.ClosePositions) is not done here; the API's
// DELETE handler calls the reconciler for that. Delete is serialized
// against Update/Tick for the same name.
func (r *Registry) Delete(ctx context.Context, name string, opts types.DeleteOptions) (types.CleanupReport, error) {
	e, ok := r.lockEntry(name)
	if !ok {
		return types.CleanupReport{}, hiveerr.New(hiveerr.KindUnknownStrategy, "registry.Delete", fmt.Errorf("strategy %q not found", name))
	}
	e.instance.Status = types.StatusStopping
	e.mu.Unlock()

	// Stop the drain loop before reading open_orders below so nothing races
	// its writes.
	if e.drainCancel != nil {
		e.drainCancel()
		<-e.drainDone
	}

	report := types.CleanupReport{}
	if opts.CancelOrders && !opts.PreserveOrders {
		e.mu.Lock()
		exchangeIDs := make([]string, 0, len(e.instance.OpenOrders))
		for id := range e.instance.OpenOrders {
			exchangeIDs = append(exchangeIDs, id)
		}
		e.mu.Unlock()

		for _, exchangeID := range exchangeIDs {
			if err := r.mux.Cancel(ctx, exchangeID); err != nil {
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			report.OrdersCancelled++
		}
	}

	e.mu.Lock()
	_ = e.strategy.Stop(ctx)
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
	r.mux.UnregisterStrategy(name)
	r.scheduler.Unregister(name)

	if err := r.store.Delete(name); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, hiveerr.New(hiveerr.KindStoreUnavailable, "registry.Delete", err)
	}
	return report, nil
}

// MarkError sets name's status to error without stopping its goroutine,
// called by the scheduler once a strategy has exceeded its consecutive
// tick failure threshold. The strategy stays registered so an operator can
// inspect LastError via Get/List and decide whether to Update or Delete it.
func (r *Registry) MarkError(name string, cause error) {
	e, ok := r.lockEntry(name)
	if !ok {
		return
	}
	e.instance.Status = types.StatusError
	e.instance.LastError = cause.Error()
	e.mu.Unlock()
}

// StopAll stops every live strategy instance, used during graceful
// shutdown (C10).
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		e.instance.Status = types.StatusStopping
		if err := e.strategy.Stop(ctx); err != nil {
			r.logger.Warn("strategy stop returned error", zap.String("name", e.instance.Config.Name), zap.Error(err))
		}
		e.instance.Status = types.StatusStopped
		e.mu.Unlock()
	}
}
