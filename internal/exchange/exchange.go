package exchange

import (
	"binance-momentum-bot-go/internal/models"
	"context"
)

// Exchange is the abstract venue contract the trading logic depends on.
// Implementations own retries, quantity legalization and leverage handling;
// callers never convert sizes themselves.
type Exchange interface {
	// GetPositions returns the non-zero positions. No positions is an empty slice, not an error.
	GetPositions(ctx context.Context) ([]models.RemotePosition, error)
	GetInstrumentRules(ctx context.Context, symbol string) (*models.InstrumentRules, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	// ClosePosition re-validates the remote position before submitting a reduce-only order.
	ClosePosition(ctx context.Context, symbol string, side models.PositionSide, quantity float64) (*models.OrderResult, error)
	// UpdateStopLoss and UpdateTakeProfit succeed when the price is already in place.
	UpdateStopLoss(ctx context.Context, symbol string, side models.PositionSide, price float64) error
	UpdateTakeProfit(ctx context.Context, symbol string, side models.PositionSide, price float64) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	Ping(ctx context.Context) error
}

// StopKind selects a protective order type.
type StopKind string

const (
	StopLossOrder   StopKind = "STOP_MARKET"
	TakeProfitOrder StopKind = "TAKE_PROFIT_MARKET"
)

// GatewayOrder is an order already expressed in venue-legal units.
type GatewayOrder struct {
	Symbol        string
	Side          models.OrderSide
	Type          models.OrderType
	Quantity      float64
	Price         float64
	ReduceOnly    bool
	ClientOrderID string
}

// MarketData is the public, unauthenticated part of a venue.
type MarketData interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	InstrumentRules(ctx context.Context, symbol string) (*models.InstrumentRules, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// Gateway is a single venue's raw API. Errors are classified into the models
// error taxonomy; no retries happen at this layer.
type Gateway interface {
	MarketData
	Positions(ctx context.Context) ([]models.RemotePosition, error)
	// SetLeverage returns the leverage now in effect.
	SetLeverage(ctx context.Context, symbol string, leverage int) (int, error)
	SubmitOrder(ctx context.Context, o GatewayOrder) (*models.OrderResult, error)
	// SetStopOrder places or moves the protective order of kind. It returns
	// ErrNotModified when an identical order already exists.
	SetStopOrder(ctx context.Context, symbol string, kind StopKind, side models.PositionSide, price float64) error
	OpenOrders(ctx context.Context, symbol string) ([]models.OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Ping(ctx context.Context) error
}

// PriceSource serves cached mark prices, e.g. from a websocket stream.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}
