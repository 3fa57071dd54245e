// Package connector implements the shared connector multiplexer (C4): it
// holds exactly one Exchange Adapter, owns trading-pair subscription
// reference counts, tags every outbound order with its owning strategy, and
// demultiplexes the adapter's single event stream back to per-strategy
// bounded inboxes.
package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hivebot/orchestrator/internal/exchange"
	"github.com/hivebot/orchestrator/internal/hiveerr"
	"github.com/hivebot/orchestrator/pkg/types"
)

// DefaultAdapterDeadline is the hard wall-clock deadline every adapter call
// carries.
const DefaultAdapterDeadline = 5 * time.Second

// DefaultRetryDelays is the bounded backoff schedule for transient adapter
// errors before they surface to the strategy.
var DefaultRetryDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, time.Second}

// Config tunes the multiplexer's resource budgets.
type Config struct {
	InboxSize       int
	AdapterDeadline time.Duration
	RetryDelays     []time.Duration
	RateLimitPerSec float64 // 0 disables the limiter
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.AdapterDeadline <= 0 {
		c.AdapterDeadline = DefaultAdapterDeadline
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = DefaultRetryDelays
	}
	return c
}

// RetryRecorder observes transient-error retries for the control plane's
// /metrics endpoint. Optional: a nil RetryRecorder disables recording.
type RetryRecorder interface {
	ObserveAdapterRetry()
}

// Multiplexer is the C4 component.
type Multiplexer struct {
	logger        *zap.Logger
	adapter       exchange.Adapter
	cfg           Config
	limiter       *rate.Limiter
	tracer        trace.Tracer
	retryRecorder RetryRecorder

	pairMu    sync.Mutex
	refcounts map[string]int

	inboxMu  sync.RWMutex
	inboxes  map[string]*inbox
	counters map[string]*int64

	orphans chan types.OrderUpdate

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Multiplexer around a single Adapter instance.
func New(logger *zap.Logger, adapter exchange.Adapter, cfg Config) *Multiplexer {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1)
	}
	return &Multiplexer{
		logger:    logger.Named("connector"),
		adapter:   adapter,
		cfg:       cfg,
		limiter:   limiter,
		tracer:    otel.Tracer("hivebot/connector"),
		refcounts: make(map[string]int),
		inboxes:   make(map[string]*inbox),
		counters:  make(map[string]*int64),
		orphans:   make(chan types.OrderUpdate, 256),
		stopCh:    make(chan struct{}),
	}
}

// SetRetryRecorder attaches a metrics recorder for transient-error retries.
// Optional; call before Start.
func (m *Multiplexer) SetRetryRecorder(r RetryRecorder) {
	m.retryRecorder = r
}

// Start launches the background demultiplexing loop that drains the
// adapter's event stream.
func (m *Multiplexer) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.demux(ctx)
}

// Stop halts the demultiplexing loop and waits for it to exit.
func (m *Multiplexer) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Multiplexer) demux(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev, ok := <-m.adapter.Events():
			if !ok {
				return
			}
			m.route(ev)
		}
	}
}

func (m *Multiplexer) route(ev exchange.Event) {
	var clientID string
	if ev.OrderUpdate != nil {
		clientID = ev.OrderUpdate.ClientID
	}
	if clientID == "" {
		m.routeOrphan(ev)
		return
	}
	owner, ok := ParseOwner(clientID)
	if !ok {
		m.routeOrphan(ev)
		return
	}

	m.inboxMu.RLock()
	ib, ok := m.inboxes[owner]
	m.inboxMu.RUnlock()
	if !ok {
		m.routeOrphan(ev)
		return
	}
	ib.deliver(ev)
}

func (m *Multiplexer) routeOrphan(ev exchange.Event) {
	if ev.OrderUpdate == nil {
		return
	}
	select {
	case m.orphans <- *ev.OrderUpdate:
	default:
		m.logger.Warn("orphan sink full, dropping update", zap.String("exchange_id", ev.OrderUpdate.ExchangeID))
	}
}

// OrphanEvents exposes order updates that could not be attributed to a
// registered strategy. No component in this process reads the channel;
// once its buffer is full, routeOrphan drops further orphans with a warning.
func (m *Multiplexer) OrphanEvents() <-chan types.OrderUpdate { return m.orphans }

// RegisterStrategy creates the bounded inbox and order counter for a newly
// created strategy instance. Must be called before PlaceOrder/Cancel are
// used on its behalf.
func (m *Multiplexer) RegisterStrategy(name string) {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	if _, ok := m.inboxes[name]; ok {
		return
	}
	m.inboxes[name] = newInbox(m.cfg.InboxSize)
	var c int64
	m.counters[name] = &c
}

// UnregisterStrategy removes a strategy's inbox and counter. Safe to call
// even if never registered.
func (m *Multiplexer) UnregisterStrategy(name string) {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	delete(m.inboxes, name)
	delete(m.counters, name)
}

// Inbox returns the bounded event channel for a registered strategy.
func (m *Multiplexer) Inbox(name string) (<-chan exchange.Event, bool) {
	m.inboxMu.RLock()
	defer m.inboxMu.RUnlock()
	ib, ok := m.inboxes[name]
	if !ok {
		return nil, false
	}
	return ib.Events(), true
}

// ConsumeGap reports and clears whether a strategy's inbox dropped an
// update since the last call. Neither the registry nor the scheduler calls
// it, so a dropped update does not trigger an open_orders() reconciliation.
func (m *Multiplexer) ConsumeGap(name string) bool {
	m.inboxMu.RLock()
	ib, ok := m.inboxes[name]
	m.inboxMu.RUnlock()
	if !ok {
		return false
	}
	return ib.ConsumeGap()
}

// EnsurePair increments the reference count for pair and subscribes on the
// 0->1 transition. Transitions for the same pair are serialized.
func (m *Multiplexer) EnsurePair(ctx context.Context, pair string) error {
	m.pairMu.Lock()
	defer m.pairMu.Unlock()

	count := m.refcounts[pair]
	if count == 0 {
		if err := m.adapter.Subscribe(ctx, pair); err != nil {
			return hiveerr.New(hiveerr.KindAdapterTransient, "connector.EnsurePair", err)
		}
	}
	m.refcounts[pair] = count + 1
	return nil
}

// ReleasePair decrements the reference count for pair and unsubscribes on
// the 1->0 transition. Never drives the count negative.
func (m *Multiplexer) ReleasePair(ctx context.Context, pair string) error {
	m.pairMu.Lock()
	defer m.pairMu.Unlock()

	count := m.refcounts[pair]
	if count <= 0 {
		return nil
	}
	count--
	if count == 0 {
		if err := m.adapter.Unsubscribe(ctx, pair); err != nil {
			return hiveerr.New(hiveerr.KindAdapterTransient, "connector.ReleasePair", err)
		}
		delete(m.refcounts, pair)
		return nil
	}
	m.refcounts[pair] = count
	return nil
}

// RefCount exposes the current subscription count for a pair, for tests and
// diagnostics.
func (m *Multiplexer) RefCount(pair string) int {
	m.pairMu.Lock()
	defer m.pairMu.Unlock()
	return m.refcounts[pair]
}

// AdapterOpenOrders passes through to the underlying adapter's open order
// list. The registry cancels a deleted strategy's orders from the set
// recorded on its instance, not from this list.
func (m *Multiplexer) AdapterOpenOrders(ctx context.Context) ([]types.Order, error) {
	return m.adapter.OpenOrders(ctx)
}

// AdapterPositions passes through to the underlying adapter's reported
// positions, used by the reconciler (C7).
func (m *Multiplexer) AdapterPositions(ctx context.Context) ([]types.Position, error) {
	return m.adapter.Positions(ctx)
}

// AdapterBalance passes through to the underlying adapter's account
// balance, used by the control-plane API's /api/status.
func (m *Multiplexer) AdapterBalance(ctx context.Context) (value, withdrawable decimal.Decimal, err error) {
	return m.adapter.Balance(ctx)
}

// PlaceOrder composes a client_id for strategyName and submits it through
// the adapter with bounded retry/backoff on transient errors and a hard
// deadline.
func (m *Multiplexer) PlaceOrder(ctx context.Context, strategyName, pair string, side types.OrderSide, orderType types.OrderType, amount, price decimal.Decimal, action types.PositionAction) (string, error) {
	counter := m.nextCounter(strategyName)
	clientID := MakeClientID(strategyName, pair, side, counter)

	ctx, span := m.tracer.Start(ctx, "connector.place_order",
		trace.WithAttributes(attribute.String("strategy", strategyName), attribute.String("pair", pair)))
	defer span.End()

	exchangeID, err := m.callWithRetry(ctx, func(callCtx context.Context) (string, error) {
		return m.adapter.PlaceOrder(callCtx, clientID, pair, side, orderType, amount, price, action)
	})
	if err != nil {
		span.RecordError(err)
	}
	return exchangeID, err
}

// Cancel cancels an existing order through the adapter with the same
// retry/backoff/deadline policy as PlaceOrder.
func (m *Multiplexer) Cancel(ctx context.Context, exchangeID string) error {
	ctx, span := m.tracer.Start(ctx, "connector.cancel", trace.WithAttributes(attribute.String("exchange_id", exchangeID)))
	defer span.End()

	_, err := m.callWithRetry(ctx, func(callCtx context.Context) (string, error) {
		return "", m.adapter.Cancel(callCtx, exchangeID)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *Multiplexer) nextCounter(strategyName string) int64 {
	m.inboxMu.RLock()
	c, ok := m.counters[strategyName]
	m.inboxMu.RUnlock()
	if !ok {
		var fallback int64
		c = &fallback
	}
	return atomic.AddInt64(c, 1)
}

// callWithRetry applies the rate limiter, the hard adapter deadline, and
// the bounded retry/backoff schedule for transient failures.
func (m *Multiplexer) callWithRetry(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", hiveerr.New(hiveerr.KindAdapterTimeout, "connector.callWithRetry", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= len(m.cfg.RetryDelays); attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.AdapterDeadline)
		result, err := fn(callCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if callCtx.Err() != nil {
			lastErr = hiveerr.New(hiveerr.KindAdapterTimeout, "connector.callWithRetry", err)
		}
		if !isTransient(err) {
			return "", lastErr
		}
		if attempt == len(m.cfg.RetryDelays) {
			break
		}
		if m.retryRecorder != nil {
			m.retryRecorder.ObserveAdapterRetry()
		}
		select {
		case <-time.After(m.cfg.RetryDelays[attempt]):
		case <-ctx.Done():
			return "", hiveerr.New(hiveerr.KindAdapterTimeout, "connector.callWithRetry", ctx.Err())
		}
	}
	return "", lastErr
}

func isTransient(err error) bool {
	kind := hiveerr.KindOf(err)
	return kind == "" || kind == hiveerr.KindAdapterTransient || kind == hiveerr.KindAdapterTimeout
}
