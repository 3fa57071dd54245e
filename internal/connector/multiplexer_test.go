package connector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/exchange"
	"github.com/hivebot/orchestrator/pkg/types"
)

func newTestMultiplexer(t *testing.T, adapter exchange.Adapter) *Multiplexer {
	t.Helper()
	return New(zap.NewNop(), adapter, Config{InboxSize: 8, AdapterDeadline: 200 * time.Millisecond})
}

func TestEnsurePairSubscribesOnlyOnFirstReference(t *testing.T) {
	sim := exchange.NewSimAdapter()
	mux := newTestMultiplexer(t, sim)
	ctx := context.Background()

	if err := mux.EnsurePair(ctx, "BTC-USD"); err != nil {
		t.Fatalf("EnsurePair: %v", err)
	}
	if err := mux.EnsurePair(ctx, "BTC-USD"); err != nil {
		t.Fatalf("EnsurePair second call: %v", err)
	}
	if got := mux.RefCount("BTC-USD"); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	if !sim.IsSubscribed("BTC-USD") {
		t.Fatalf("expected pair to be subscribed")
	}
}

func TestReleasePairUnsubscribesOnLastReferenceAndNeverGoesNegative(t *testing.T) {
	sim := exchange.NewSimAdapter()
	mux := newTestMultiplexer(t, sim)
	ctx := context.Background()

	mux.EnsurePair(ctx, "ETH-USD")
	mux.EnsurePair(ctx, "ETH-USD")

	if err := mux.ReleasePair(ctx, "ETH-USD"); err != nil {
		t.Fatalf("ReleasePair: %v", err)
	}
	if !sim.IsSubscribed("ETH-USD") {
		t.Fatalf("pair should still be subscribed with one reference left")
	}
	if err := mux.ReleasePair(ctx, "ETH-USD"); err != nil {
		t.Fatalf("ReleasePair: %v", err)
	}
	if sim.IsSubscribed("ETH-USD") {
		t.Fatalf("pair should be unsubscribed with zero references")
	}

	// Releasing again must not drive the count negative or re-unsubscribe.
	if err := mux.ReleasePair(ctx, "ETH-USD"); err != nil {
		t.Fatalf("extra ReleasePair: %v", err)
	}
	if got := mux.RefCount("ETH-USD"); got != 0 {
		t.Fatalf("refcount = %d, want 0", got)
	}
}

func TestPlaceOrderRoutesFillToOwningStrategyInbox(t *testing.T) {
	sim := exchange.NewSimAdapter()
	mux := newTestMultiplexer(t, sim)
	ctx := context.Background()

	mux.RegisterStrategy("eth_mm")
	mux.Start(ctx)
	defer mux.Stop()

	exchangeID, err := mux.PlaceOrder(ctx, "eth_mm", "ETH-USD", types.SideBuy, types.OrderTypeLimit, decimal.NewFromInt(1), decimal.NewFromInt(2000), types.PositionOpen)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if exchangeID == "" {
		t.Fatalf("expected non-empty exchange id")
	}

	inboxCh, ok := mux.Inbox("eth_mm")
	if !ok {
		t.Fatalf("expected registered inbox")
	}

	select {
	case ev := <-inboxCh:
		if ev.OrderUpdate == nil || ev.OrderUpdate.ExchangeID != exchangeID {
			t.Fatalf("unexpected event routed: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for fill event")
	}
}

func TestPlaceOrderFromTwoStrategiesDoesNotCrossDeliver(t *testing.T) {
	sim := exchange.NewSimAdapter()
	sim.AutoFill = true
	mux := newTestMultiplexer(t, sim)
	ctx := context.Background()

	mux.RegisterStrategy("alpha")
	mux.RegisterStrategy("beta")
	mux.Start(ctx)
	defer mux.Stop()

	if _, err := mux.PlaceOrder(ctx, "alpha", "BTC-USD", types.SideBuy, types.OrderTypeLimit, decimal.NewFromInt(1), decimal.NewFromInt(30000), types.PositionOpen); err != nil {
		t.Fatalf("PlaceOrder alpha: %v", err)
	}
	if _, err := mux.PlaceOrder(ctx, "beta", "BTC-USD", types.SideSell, types.OrderTypeLimit, decimal.NewFromInt(1), decimal.NewFromInt(30000), types.PositionOpen); err != nil {
		t.Fatalf("PlaceOrder beta: %v", err)
	}

	alphaInbox, _ := mux.Inbox("alpha")
	betaInbox, _ := mux.Inbox("beta")

	alphaEv := waitEvent(t, alphaInbox)
	betaEv := waitEvent(t, betaInbox)

	if owner, _ := ParseOwner(alphaEv.OrderUpdate.ClientID); owner != "alpha" {
		t.Fatalf("alpha inbox received event for %q", owner)
	}
	if owner, _ := ParseOwner(betaEv.OrderUpdate.ClientID); owner != "beta" {
		t.Fatalf("beta inbox received event for %q", owner)
	}
}

func waitEvent(t *testing.T, ch <-chan exchange.Event) exchange.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return exchange.Event{}
	}
}

func TestUnattributableEventGoesToOrphanSink(t *testing.T) {
	sim := exchange.NewSimAdapter()
	mux := newTestMultiplexer(t, sim)
	ctx := context.Background()
	mux.Start(ctx)
	defer mux.Stop()

	sim.InjectOrderUpdate(types.OrderUpdate{ExchangeID: "exch-1", ClientID: "", TradingPair: "BTC-USD", State: types.OrderOpen, Timestamp: time.Now()})

	select {
	case u := <-mux.OrphanEvents():
		if u.ExchangeID != "exch-1" {
			t.Fatalf("unexpected orphan: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for orphan event")
	}
}

func TestPlaceOrderRetriesTransientFailureThenSucceeds(t *testing.T) {
	sim := exchange.NewSimAdapter()
	attempts := 0
	sim.FailPlaceOrder = func(clientID string) error {
		attempts++
		if attempts < 2 {
			return errTransient{}
		}
		return nil
	}
	mux := New(zap.NewNop(), sim, Config{InboxSize: 8, AdapterDeadline: 200 * time.Millisecond, RetryDelays: []time.Duration{time.Millisecond, time.Millisecond}})
	ctx := context.Background()
	mux.RegisterStrategy("retrier")

	if _, err := mux.PlaceOrder(ctx, "retrier", "BTC-USD", types.SideBuy, types.OrderTypeLimit, decimal.NewFromInt(1), decimal.NewFromInt(1), types.PositionOpen); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

type errTransient struct{}

func (errTransient) Error() string { return "transient adapter error" }

func TestPlaceOrderHonorsAdapterDeadline(t *testing.T) {
	sim := exchange.NewSimAdapter()
	sim.PlaceOrderDelay = 2 * time.Second
	mux := New(zap.NewNop(), sim, Config{InboxSize: 8, AdapterDeadline: 20 * time.Millisecond, RetryDelays: []time.Duration{time.Millisecond}})
	ctx := context.Background()
	mux.RegisterStrategy("slowpoke")

	start := time.Now()
	_, err := mux.PlaceOrder(ctx, "slowpoke", "BTC-USD", types.SideBuy, types.OrderTypeLimit, decimal.NewFromInt(1), decimal.NewFromInt(1), types.PositionOpen)
	if err == nil {
		t.Fatalf("expected deadline error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("PlaceOrder took too long: %v", elapsed)
	}
}
