// Package types provides the shared data model of the orchestrator: strategy
// configuration and lifecycle state, orders, positions, and trading-pair
// subscriptions. Wire-facing fields use lowerSnakeCase JSON tags; all
// monetary and quantity fields are shopspring/decimal.Decimal, never float64.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind enumerates the strategy implementations the registry knows
// how to instantiate. kind is a free string at the wire boundary but
// validated against a registered factory inside the core.
type StrategyKind string

const (
	KindPureMarketMaking          StrategyKind = "pure_market_making"
	KindAvellanedaMarketMaking    StrategyKind = "avellaneda_market_making"
	KindCrossExchangeMarketMaking StrategyKind = "cross_exchange_market_making"
)

// StrategyStatus is the lifecycle state of a StrategyInstance.
type StrategyStatus string

const (
	StatusStarting StrategyStatus = "starting"
	StatusRunning  StrategyStatus = "running"
	StatusPaused   StrategyStatus = "paused"
	StatusStopping StrategyStatus = "stopping"
	StatusStopped  StrategyStatus = "stopped"
	StatusError    StrategyStatus = "error"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// PositionAction distinguishes opening exposure from reducing it.
type PositionAction string

const (
	PositionOpen  PositionAction = "open"
	PositionClose PositionAction = "close"
)

// OrderState is the lifecycle of an exchange order, monotonic per
// exchange_id except for the two terminal states.
type OrderState string

const (
	OrderSubmitted       OrderState = "submitted"
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// PositionSide is long or short.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// StrategyCounters are the per-instance rolling counters exposed via status
// and mirrored to C2. ActionsPerMinute is an EWMA over a 60s window.
type StrategyCounters struct {
	TotalActions     int64   `json:"total_actions"`
	SuccessfulOrders int64   `json:"successful_orders"`
	FailedOrders     int64   `json:"failed_orders"`
	ActionsPerMinute float64 `json:"actions_per_minute"`
}

// StrategyConfig is the declarative definition of one strategy. Name is
// unique across the registry and forms the order-id prefix.
type StrategyConfig struct {
	Name              string                 `json:"name"`
	Kind              StrategyKind           `json:"kind"`
	TradingPairs      []string               `json:"trading_pairs"`
	Parameters        map[string]interface{} `json:"parameters"`
	RefreshIntervalMs int64                  `json:"refresh_interval_ms"`
	Enabled           bool                   `json:"enabled"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// RefreshInterval returns RefreshIntervalMs as a time.Duration.
func (c StrategyConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// Validate enforces the data-model invariants: name non-empty,
// trading_pairs non-empty, refresh interval floor of 100ms.
func (c StrategyConfig) Validate() error {
	if c.Name == "" {
		return validationError{"name must not be empty"}
	}
	if len(c.TradingPairs) == 0 {
		return validationError{"trading_pairs must not be empty"}
	}
	if c.RefreshIntervalMs < 100 {
		return validationError{"refresh_interval_ms must be >= 100"}
	}
	return nil
}

type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

// StrategyInstance is the live embodiment of a StrategyConfig.
type StrategyInstance struct {
	Config     StrategyConfig   `json:"config"`
	Status     StrategyStatus   `json:"status"`
	OpenOrders map[string]bool  `json:"-"`
	Counters   StrategyCounters `json:"counters"`
	LastTickAt time.Time        `json:"last_tick_at"`
	LastError  string           `json:"last_error,omitempty"`
}

// Order is an exchange order originated by the core. ClientID encodes
// strategy ownership: the prefix before the first hyphen run is the owning
// strategy's name.
type Order struct {
	ClientID       string          `json:"client_id"`
	ExchangeID     string          `json:"exchange_id,omitempty"`
	StrategyName   string          `json:"strategy_name"`
	TradingPair    string          `json:"trading_pair"`
	Side           OrderSide       `json:"side"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	OrderType      OrderType       `json:"order_type"`
	PositionAction PositionAction  `json:"position_action"`
	State          OrderState      `json:"state"`
	FilledAmount   decimal.Decimal `json:"filled_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the order state will never change again.
func (o Order) Terminal() bool {
	return o.State == OrderFilled || o.State == OrderCancelled || o.State == OrderRejected
}

// Position is a derivative position as reported by the exchange.
type Position struct {
	TradingPair        string          `json:"trading_pair"`
	Side               PositionSide    `json:"side"`
	Size               decimal.Decimal `json:"size"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	MarkPrice          decimal.Decimal `json:"mark_price"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	Leverage           decimal.Decimal `json:"leverage"`
	AttributedStrategy string          `json:"attributed_strategy"`
}

// UnknownAttribution is the first-class value used when no strategy can be
// attributed to a position.
const UnknownAttribution = "unknown"

// OrderUpdate is an event delivered by the Exchange Adapter's event stream.
type OrderUpdate struct {
	ExchangeID   string          `json:"exchange_id"`
	ClientID     string          `json:"client_id,omitempty"`
	TradingPair  string          `json:"trading_pair"`
	State        OrderState      `json:"state"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

// PositionUpdate is an event delivered by the Exchange Adapter's event
// stream reflecting a change in a reported position.
type PositionUpdate struct {
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// CleanupReport is returned by a strategy delete.
type CleanupReport struct {
	OrdersCancelled int      `json:"orders_cancelled"`
	PositionsClosed int      `json:"positions_closed"`
	Errors          []string `json:"errors"`
}

// DeleteOptions control delete(name, ...) behavior.
type DeleteOptions struct {
	ClosePositions bool
	CancelOrders   bool
	PreserveOrders bool
}
