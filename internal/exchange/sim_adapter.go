package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hivebot/orchestrator/internal/hiveerr"
	"github.com/hivebot/orchestrator/pkg/types"
)

// SimAdapter is a deterministic, clock-free fake Adapter. Orders placed
// through PlaceOrder are immediately accepted and immediately "filled" by
// default; tests can set FailPlaceOrder, PlaceOrderDelay and AutoFill to
// exercise the connector's retry, backoff, and timeout paths without a
// real network.
type SimAdapter struct {
	mu sync.Mutex

	subs              map[string]bool
	subscribeCalls    map[string]int
	unsubscribeCalls  map[string]int
	orders            map[string]types.Order // by exchange_id
	nextID            int
	balance           decimal.Decimal
	positionsOverride []types.Position

	events chan Event

	// Test hooks. FailPlaceOrder, if non-nil, is consulted on every
	// PlaceOrder call and returns the error to surface (nil = succeed).
	FailPlaceOrder func(clientID string) error
	// PlaceOrderDelay, if non-zero, is slept before PlaceOrder returns,
	// used to exercise the 5s adapter deadline.
	PlaceOrderDelay time.Duration
	// AutoFill, when true (default), synthesizes a filled OrderUpdate
	// immediately after a successful PlaceOrder.
	AutoFill bool
}

// NewSimAdapter constructs a ready-to-use fake with AutoFill enabled.
func NewSimAdapter() *SimAdapter {
	return &SimAdapter{
		subs:             make(map[string]bool),
		subscribeCalls:   make(map[string]int),
		unsubscribeCalls: make(map[string]int),
		orders:           make(map[string]types.Order),
		balance:          decimal.NewFromInt(100000),
		events:           make(chan Event, 1024),
		AutoFill:         true,
	}
}

func (s *SimAdapter) Subscribe(ctx context.Context, pair string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[pair] = true
	s.subscribeCalls[pair]++
	return nil
}

func (s *SimAdapter) Unsubscribe(ctx context.Context, pair string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, pair)
	s.unsubscribeCalls[pair]++
	return nil
}

// IsSubscribed reports whether pair is currently subscribed, for tests.
func (s *SimAdapter) IsSubscribed(pair string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[pair]
}

// SubscribeCount reports how many times Subscribe has been called for pair,
// for tests asserting against resubscribe churn.
func (s *SimAdapter) SubscribeCount(pair string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeCalls[pair]
}

// UnsubscribeCount reports how many times Unsubscribe has been called for
// pair, for tests asserting against resubscribe churn.
func (s *SimAdapter) UnsubscribeCount(pair string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribeCalls[pair]
}

func (s *SimAdapter) PlaceOrder(ctx context.Context, clientID, pair string, side types.OrderSide, orderType types.OrderType, amount, price decimal.Decimal, action types.PositionAction) (string, error) {
	if s.PlaceOrderDelay > 0 {
		select {
		case <-time.After(s.PlaceOrderDelay):
		case <-ctx.Done():
			return "", hiveerr.New(hiveerr.KindAdapterTimeout, "SimAdapter.PlaceOrder", ctx.Err())
		}
	}
	if s.FailPlaceOrder != nil {
		if err := s.FailPlaceOrder(clientID); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	s.nextID++
	exchangeID := fmt.Sprintf("sim-%d", s.nextID)
	order := types.Order{
		ClientID:       clientID,
		ExchangeID:     exchangeID,
		TradingPair:    pair,
		Side:           side,
		Amount:         amount,
		Price:          price,
		OrderType:      orderType,
		PositionAction: action,
		State:          types.OrderOpen,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	s.orders[exchangeID] = order
	autoFill := s.AutoFill
	s.mu.Unlock()

	if autoFill {
		s.fill(exchangeID, clientID, pair, amount)
	} else {
		s.emit(Event{OrderUpdate: &types.OrderUpdate{
			ExchangeID:  exchangeID,
			ClientID:    clientID,
			TradingPair: pair,
			State:       types.OrderOpen,
			Timestamp:   time.Now(),
		}})
	}

	return exchangeID, nil
}

func (s *SimAdapter) fill(exchangeID, clientID, pair string, amount decimal.Decimal) {
	s.mu.Lock()
	order, ok := s.orders[exchangeID]
	if ok {
		order.State = types.OrderFilled
		order.FilledAmount = amount
		order.UpdatedAt = time.Now()
		s.orders[exchangeID] = order
	}
	s.mu.Unlock()

	s.emit(Event{OrderUpdate: &types.OrderUpdate{
		ExchangeID:   exchangeID,
		ClientID:     clientID,
		TradingPair:  pair,
		State:        types.OrderFilled,
		FilledAmount: amount,
		Timestamp:    time.Now(),
	}})
}

func (s *SimAdapter) Cancel(ctx context.Context, exchangeID string) error {
	s.mu.Lock()
	order, ok := s.orders[exchangeID]
	if !ok {
		s.mu.Unlock()
		return hiveerr.New(hiveerr.KindCancelFailed, "SimAdapter.Cancel", fmt.Errorf("unknown exchange id %s", exchangeID))
	}
	if order.Terminal() {
		s.mu.Unlock()
		return hiveerr.New(hiveerr.KindCancelFailed, "SimAdapter.Cancel", fmt.Errorf("order %s already terminal", exchangeID))
	}
	order.State = types.OrderCancelled
	order.UpdatedAt = time.Now()
	s.orders[exchangeID] = order
	s.mu.Unlock()

	s.emit(Event{OrderUpdate: &types.OrderUpdate{
		ExchangeID:  exchangeID,
		ClientID:    order.ClientID,
		TradingPair: order.TradingPair,
		State:       types.OrderCancelled,
		Timestamp:   time.Now(),
	}})
	return nil
}

func (s *SimAdapter) OpenOrders(ctx context.Context) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Order, 0)
	for _, o := range s.orders {
		if !o.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *SimAdapter) Positions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionsOverride, nil
}

func (s *SimAdapter) Balance(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, s.balance, nil
}

func (s *SimAdapter) Events() <-chan Event {
	return s.events
}

func (s *SimAdapter) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

// InjectOrderUpdate lets a test push an arbitrary event onto the stream,
// e.g. to simulate an exchange-initiated order with no client_id.
func (s *SimAdapter) InjectOrderUpdate(u types.OrderUpdate) {
	s.emit(Event{OrderUpdate: &u})
}

// SetPositions lets a test control what Positions() returns.
func (s *SimAdapter) SetPositions(positions []types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionsOverride = positions
}
