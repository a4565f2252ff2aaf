package exchange

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

// BinanceGateway talks to Binance USDⓈ-M futures in one-way position mode.
type BinanceGateway struct {
	client *futures.Client
	logger *zap.Logger
}

// NewBinanceGateway creates a gateway. Empty keys give a public, market-data only client.
func NewBinanceGateway(apiKey, secretKey string, testnet bool, logger *zap.Logger) *BinanceGateway {
	futures.UseTestnet = testnet
	return &BinanceGateway{
		client: binance.NewFuturesClient(apiKey, secretKey),
		logger: logger,
	}
}

// SyncTime aligns request timestamps with the server clock.
func (g *BinanceGateway) SyncTime(ctx context.Context) error {
	offset, err := g.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return classify(err)
	}
	g.logger.Info("Synced time with Binance", zap.Int64("offset_ms", offset))
	return nil
}

// Ping implements Gateway.
func (g *BinanceGateway) Ping(ctx context.Context) error {
	return classify(g.client.NewPingService().Do(ctx))
}

// MarkPrice implements MarketData.
func (g *BinanceGateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	res, err := g.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	for _, p := range res {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.MarkPrice, 64)
		}
	}
	return 0, fmt.Errorf("%w: no premium index for %s", models.ErrTransientNetwork, symbol)
}

// InstrumentRules implements MarketData. Current leverage is only available
// with credentials; public clients report the bracket maximum's default.
func (g *BinanceGateway) InstrumentRules(ctx context.Context, symbol string) (*models.InstrumentRules, error) {
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var rules *models.InstrumentRules
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules = &models.InstrumentRules{Symbol: symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				rules.QuantityStep = parseFilter(f, "stepSize")
				rules.MinQty = parseFilter(f, "minQty")
				rules.MaxQty = parseFilter(f, "maxQty")
			case "PRICE_FILTER":
				rules.TickSize = parseFilter(f, "tickSize")
			case "MIN_NOTIONAL":
				rules.MinNotional = parseFilter(f, "notional")
			}
		}
		break
	}
	if rules == nil {
		return nil, &models.Error{Code: -1121, Msg: "Invalid symbol.", Kind: models.ErrInstrumentRejected}
	}

	brackets, err := g.client.NewGetLeverageBracketService().Symbol(symbol).Do(ctx)
	if err == nil {
		for _, b := range brackets {
			if b.Symbol == symbol && len(b.Brackets) > 0 {
				rules.MaxLeverage = b.Brackets[0].InitialLeverage
			}
		}
	} else {
		g.logger.Debug("Leverage bracket unavailable", zap.String("symbol", symbol), zap.Error(err))
	}

	risks, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err == nil {
		for _, r := range risks {
			if lev, perr := strconv.Atoi(r.Leverage); perr == nil && lev > 0 {
				rules.Leverage = lev
				break
			}
		}
	}
	return rules, nil
}

func parseFilter(f map[string]interface{}, key string) float64 {
	s, ok := f[key].(string)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Klines implements MarketData.
func (g *BinanceGateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := g.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c := models.Candle{OpenTime: time.UnixMilli(k.OpenTime)}
		c.Open, _ = strconv.ParseFloat(k.Open, 64)
		c.High, _ = strconv.ParseFloat(k.High, 64)
		c.Low, _ = strconv.ParseFloat(k.Low, 64)
		c.Close, _ = strconv.ParseFloat(k.Close, 64)
		c.Volume, _ = strconv.ParseFloat(k.Volume, 64)
		out = append(out, c)
	}
	return out, nil
}

// Positions implements Gateway.
func (g *BinanceGateway) Positions(ctx context.Context) ([]models.RemotePosition, error) {
	risks, err := g.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]models.RemotePosition, 0)
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if math.Abs(amt) <= sizeEpsilon {
			continue
		}
		side := models.Long
		if amt < 0 {
			side = models.Short
		}
		p := models.RemotePosition{Symbol: r.Symbol, Side: side, Size: math.Abs(amt)}
		p.AvgPrice, _ = strconv.ParseFloat(r.EntryPrice, 64)
		p.MarkPrice, _ = strconv.ParseFloat(r.MarkPrice, 64)
		p.UnrealizedPnL, _ = strconv.ParseFloat(r.UnRealizedProfit, 64)
		p.Leverage, _ = strconv.Atoi(r.Leverage)
		out = append(out, p)
	}
	return out, nil
}

// SetLeverage implements Gateway.
func (g *BinanceGateway) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	res, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return res.Leverage, nil
}

// SubmitOrder implements Gateway.
func (g *BinanceGateway) SubmitOrder(ctx context.Context, o GatewayOrder) (*models.OrderResult, error) {
	svc := g.client.NewCreateOrderService().
		Symbol(o.Symbol).
		Side(futures.SideType(o.Side)).
		Type(futures.OrderType(o.Type)).
		Quantity(FormatDecimal(o.Quantity)).
		NewClientOrderID(o.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if o.Type == models.Limit {
		svc = svc.Price(FormatDecimal(o.Price)).TimeInForce(futures.TimeInForceTypeGTC)
	}
	if o.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := &models.OrderResult{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Status:        string(res.Status),
		Time:          time.UnixMilli(res.UpdateTime),
	}
	out.FillPrice, _ = strconv.ParseFloat(res.AvgPrice, 64)
	out.Quantity, _ = strconv.ParseFloat(res.ExecutedQuantity, 64)
	if out.Quantity == 0 {
		out.Quantity, _ = strconv.ParseFloat(res.OrigQuantity, 64)
	}
	return out, nil
}

// SetStopOrder implements Gateway. The replacement is placed before the old
// order is cancelled so the position is never left without protection.
func (g *BinanceGateway) SetStopOrder(ctx context.Context, symbol string, kind StopKind, side models.PositionSide, price float64) error {
	open, err := g.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return classify(err)
	}
	priceStr := FormatDecimal(price)
	var stale []int64
	for _, o := range open {
		if string(o.Type) != string(kind) || !o.ClosePosition {
			continue
		}
		if string(o.Side) == string(side.CloseOrderSide()) && sameDecimal(o.StopPrice, priceStr) {
			return &models.Error{Code: -4046, Msg: "No need to change.", Kind: models.ErrNotModified}
		}
		stale = append(stale, o.OrderID)
	}

	_, err = g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side.CloseOrderSide())).
		Type(futures.OrderType(kind)).
		StopPrice(priceStr).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(models.NewID("mp")).
		Do(ctx)
	if err != nil {
		return classify(err)
	}

	for _, id := range stale {
		if _, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
			g.logger.Warn("Failed to cancel replaced protective order",
				zap.String("symbol", symbol), zap.Int64("order_id", id), zap.Error(err))
		}
	}
	return nil
}

func sameDecimal(a, b string) bool {
	x, err1 := strconv.ParseFloat(a, 64)
	y, err2 := strconv.ParseFloat(b, 64)
	return err1 == nil && err2 == nil && math.Abs(x-y) < 1e-12
}

// OpenOrders implements Gateway.
func (g *BinanceGateway) OpenOrders(ctx context.Context, symbol string) ([]models.OrderInfo, error) {
	orders, err := g.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]models.OrderInfo, 0, len(orders))
	for _, o := range orders {
		info := models.OrderInfo{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          models.OrderSide(o.Side),
			Type:          string(o.Type),
			Status:        string(o.Status),
			ReduceOnly:    o.ReduceOnly,
			ClosePosition: o.ClosePosition,
		}
		info.Price, _ = strconv.ParseFloat(o.Price, 64)
		info.StopPrice, _ = strconv.ParseFloat(o.StopPrice, 64)
		info.Quantity, _ = strconv.ParseFloat(o.OrigQuantity, 64)
		info.ExecutedQty, _ = strconv.ParseFloat(o.ExecutedQuantity, 64)
		out = append(out, info)
	}
	return out, nil
}

// CancelOrder implements Gateway.
func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad order id %q", models.ErrInstrumentRejected, orderID)
	}
	_, err = g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return classify(err)
}

// classify maps a go-binance error onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &models.Error{Code: int(apiErr.Code), Msg: apiErr.Message, Kind: kindForCode(apiErr.Code)}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", models.ErrTransientNetwork, err)
	}
	// Transport failures without an API body, e.g. a dropped connection.
	return fmt.Errorf("%w: %v", models.ErrTransientNetwork, err)
}

func kindForCode(code int64) error {
	switch code {
	case -1003, -1015:
		return models.ErrRateLimited
	case -1000, -1001, -1021:
		return models.ErrTransientNetwork
	case -1007, -4116:
		return models.ErrUnknownOutcome
	case -1013, -1111, -2019, -2021, -2027, -4003, -4005, -4028, -4164:
		return models.ErrInstrumentRejected
	case -2011, -2013, -2022:
		return models.ErrExchangeStateConflict
	case -4046, -4059:
		return models.ErrNotModified
	}
	return nil
}
