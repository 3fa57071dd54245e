// Package exchange defines the Exchange Adapter contract (C3): the external
// collaborator the core consumes for market-data subscription, order
// placement/cancellation, and position/balance reads. The real adapter
// (REST+WS perpetual-derivative client) is out of scope; this package also
// provides SimAdapter, an in-memory fake used throughout the test suite of
// every component that depends on an Adapter.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hivebot/orchestrator/pkg/types"
)

// Adapter is the contract the connector multiplexer (C4) holds exactly one
// instance of. Every operation is cancelable via ctx and returns a typed
// error on failure (see internal/hiveerr).
type Adapter interface {
	Subscribe(ctx context.Context, pair string) error
	Unsubscribe(ctx context.Context, pair string) error

	PlaceOrder(ctx context.Context, clientID, pair string, side types.OrderSide, orderType types.OrderType, amount, price decimal.Decimal, action types.PositionAction) (exchangeID string, err error)
	Cancel(ctx context.Context, exchangeID string) error

	OpenOrders(ctx context.Context) ([]types.Order, error)
	Positions(ctx context.Context) ([]types.Position, error)
	Balance(ctx context.Context) (value decimal.Decimal, withdrawable decimal.Decimal, err error)

	// Events returns the adapter's single ordered event stream. The
	// channel is closed when the adapter is closed.
	Events() <-chan Event
}

// Event is the sum type carried by an Adapter's event stream: exactly one
// of OrderUpdate or PositionUpdate is non-nil.
type Event struct {
	OrderUpdate    *types.OrderUpdate
	PositionUpdate *types.PositionUpdate
}

// Clock abstracts time.Now. No adapter in this package takes one;
// SimAdapter reads time.Now directly.
type Clock func() time.Time
