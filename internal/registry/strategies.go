package registry

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/connector"
	"github.com/hivebot/orchestrator/pkg/types"
)

// nullStrategy ticks without ever placing an order, used to exercise the
// registry/scheduler/reconciler lifecycle paths without depending on a
// real trading algorithm (out of scope by design).
type nullStrategy struct {
	logger *zap.Logger
	name   string
}

func newNullStrategy(cfg types.StrategyConfig, _ *connector.Multiplexer, logger *zap.Logger) (Strategy, error) {
	return &nullStrategy{logger: logger, name: cfg.Name}, nil
}

func (s *nullStrategy) Start(ctx context.Context) error { return nil }
func (s *nullStrategy) Tick(ctx context.Context) error  { return nil }
func (s *nullStrategy) Stop(ctx context.Context) error  { return nil }
func (s *nullStrategy) DescribeParameters() ParameterSchema {
	return ParameterSchema{Kind: types.StrategyKind("null")}
}

// simpleQuoterStrategy places one bid and one ask per configured trading
// pair at a fixed spread around a reference price, reusing the spread
// quoting shape named in the original implementation's
// bid_spread/ask_spread/order_amount/order_levels parameters, trimmed to a
// single price level per pair since multi-level quoting is out of scope.
type simpleQuoterStrategy struct {
	logger *zap.Logger
	mux    *connector.Multiplexer
	cfg    types.StrategyConfig

	bidSpread   decimal.Decimal
	askSpread   decimal.Decimal
	orderAmount decimal.Decimal

	// referencePrice is a fixed stand-in for a live mid-price feed, which
	// is out of scope: the Exchange Adapter contract (C3) does not expose
	// market data reads, only order/position/balance operations.
	referencePrice decimal.Decimal

	openExchangeIDs []string
}

func newSimpleQuoter(cfg types.StrategyConfig, mux *connector.Multiplexer, logger *zap.Logger) (Strategy, error) {
	bidSpread := decimalParam(cfg.Parameters, "bid_spread", decimal.NewFromFloat(0.001))
	askSpread := decimalParam(cfg.Parameters, "ask_spread", decimal.NewFromFloat(0.001))
	amount := decimalParam(cfg.Parameters, "order_amount", decimal.NewFromFloat(0.01))
	reference := decimalParam(cfg.Parameters, "reference_price", decimal.NewFromInt(100))

	if len(cfg.TradingPairs) == 0 {
		return nil, fmt.Errorf("simple_quoter requires at least one trading pair")
	}

	return &simpleQuoterStrategy{
		logger:         logger,
		mux:            mux,
		cfg:            cfg,
		bidSpread:      bidSpread,
		askSpread:      askSpread,
		orderAmount:    amount,
		referencePrice: reference,
	}, nil
}

func decimalParam(params map[string]interface{}, key string, fallback decimal.Decimal) decimal.Decimal {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fallback
		}
		return d
	default:
		return fallback
	}
}

func (s *simpleQuoterStrategy) Start(ctx context.Context) error {
	for _, pair := range s.cfg.TradingPairs {
		if err := s.mux.EnsurePair(ctx, pair); err != nil {
			return err
		}
	}
	return nil
}

func (s *simpleQuoterStrategy) Stop(ctx context.Context) error {
	var firstErr error
	for _, exchangeID := range s.openExchangeIDs {
		if err := s.mux.Cancel(ctx, exchangeID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.openExchangeIDs = s.openExchangeIDs[:0]

	for _, pair := range s.cfg.TradingPairs {
		if err := s.mux.ReleasePair(ctx, pair); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Tick cancels the previous round's resting orders (if any) and quotes a
// fresh bid/ask pair at the configured spread around the reference price,
// for every configured trading pair.
func (s *simpleQuoterStrategy) Tick(ctx context.Context) error {
	for _, exchangeID := range s.openExchangeIDs {
		if err := s.mux.Cancel(ctx, exchangeID); err != nil {
			s.logger.Warn("failed to cancel resting order", zap.String("strategy", s.cfg.Name), zap.String("exchange_id", exchangeID), zap.Error(err))
		}
	}
	s.openExchangeIDs = s.openExchangeIDs[:0]

	one := decimal.NewFromInt(1)
	bidPrice := s.referencePrice.Mul(one.Sub(s.bidSpread))
	askPrice := s.referencePrice.Mul(one.Add(s.askSpread))

	for _, pair := range s.cfg.TradingPairs {
		bidID, err := s.mux.PlaceOrder(ctx, s.cfg.Name, pair, types.SideBuy, types.OrderTypeLimit, s.orderAmount, bidPrice, types.PositionOpen)
		if err != nil {
			return err
		}
		s.openExchangeIDs = append(s.openExchangeIDs, bidID)

		askID, err := s.mux.PlaceOrder(ctx, s.cfg.Name, pair, types.SideSell, types.OrderTypeLimit, s.orderAmount, askPrice, types.PositionOpen)
		if err != nil {
			return err
		}
		s.openExchangeIDs = append(s.openExchangeIDs, askID)
	}
	return nil
}

func (s *simpleQuoterStrategy) DescribeParameters() ParameterSchema {
	return ParameterSchema{
		Kind: types.KindPureMarketMaking,
		Fields: []ParameterField{
			{Name: "bid_spread", Type: "decimal", Default: "0.001"},
			{Name: "ask_spread", Type: "decimal", Default: "0.001"},
			{Name: "order_amount", Type: "decimal", Default: "0.01"},
			{Name: "order_levels", Type: "int", Default: 1},
			{Name: "leverage", Type: "decimal", Default: "1"},
			{Name: "reference_price", Type: "decimal", Default: "100"},
		},
	}
}
