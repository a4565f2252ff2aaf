package exchange

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// paperPosition is a one-way position of the simulator.
type paperPosition struct {
	side     models.PositionSide
	size     float64
	avgEntry float64
	fees     float64
	realized float64
}

type paperOrder struct {
	info models.OrderInfo
	kind StopKind // empty for plain limit orders
	side models.PositionSide
}

// PaperGateway simulates a futures venue in memory. Market orders fill at the
// current price with slippage, limit orders rest until SetPrice crosses them, and
// protective orders trigger on SetPrice. It backs paper mode and the test suites.
type PaperGateway struct {
	mu sync.Mutex

	Cash         float64
	TotalFees    float64
	TakerFeeRate float64
	MakerFeeRate float64
	SlippageRate float64
	MaxLeverage  int

	prices    map[string]float64
	rules     map[string]*models.InstrumentRules
	leverage  map[string]int
	positions map[string]*paperPosition
	orders    map[int64]*paperOrder
	klines    map[string][]models.Candle
	nextID    int64

	market   MarketData
	failures map[string][]error
	calls    map[string]int
	TradeLog []models.ClosedTrade
}

// NewPaperGateway creates a simulator from cfg. market may be nil; when set it
// supplies prices, rules and klines for symbols that were not seeded.
func NewPaperGateway(cfg models.PaperConfig, market MarketData) *PaperGateway {
	maxLev := cfg.MaxLeverage
	if maxLev <= 0 {
		maxLev = 125
	}
	g := &PaperGateway{
		Cash:         cfg.InitialBalance,
		TakerFeeRate: cfg.TakerFeeRate,
		MakerFeeRate: cfg.MakerFeeRate,
		SlippageRate: cfg.SlippageRate,
		MaxLeverage:  maxLev,
		prices:       make(map[string]float64),
		rules:        make(map[string]*models.InstrumentRules),
		leverage:     make(map[string]int),
		positions:    make(map[string]*paperPosition),
		orders:       make(map[int64]*paperOrder),
		klines:       make(map[string][]models.Candle),
		nextID:       1,
		market:       market,
		failures:     make(map[string][]error),
		calls:        make(map[string]int),
	}
	for s, p := range cfg.Prices {
		g.prices[s] = p
	}
	return g
}

// FailNext queues errors returned by the next calls of op (e.g. "positions",
// "submit", "leverage", "stop", "open_orders", "cancel", "rules", "mark").
func (g *PaperGateway) FailNext(op string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (g *PaperGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// enter counts the call and pops an injected failure. Must hold the lock.
func (g *PaperGateway) enter(op string) error {
	g.calls[op]++
	if q := g.failures[op]; len(q) > 0 {
		g.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// SetRules seeds the instrument rules of a symbol.
func (g *PaperGateway) SetRules(r models.InstrumentRules) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[r.Symbol] = &r
	if r.Leverage > 0 {
		g.leverage[r.Symbol] = r.Leverage
	}
}

// SetKlines seeds candles for a symbol.
func (g *PaperGateway) SetKlines(symbol string, candles []models.Candle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.klines[symbol] = candles
}

// SetPosition forces a position as if it had been opened outside the bot.
func (g *PaperGateway) SetPosition(symbol string, side models.PositionSide, size, entry float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if size <= 0 {
		delete(g.positions, symbol)
		g.cancelProtectiveLocked(symbol)
		return
	}
	g.positions[symbol] = &paperPosition{side: side, size: size, avgEntry: entry}
}

// RemoveOrder drops an order as if it had been cancelled manually on the venue.
func (g *PaperGateway) RemoveOrder(orderID string) {
	id, _ := strconv.ParseInt(orderID, 10, 64)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.orders, id)
}

// SetPrice moves the price of symbol, filling crossed limit orders and
// triggering protective orders.
func (g *PaperGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price

	var ids []int64
	for id, o := range g.orders {
		if o.info.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		o, ok := g.orders[id]
		if !ok {
			continue
		}
		switch o.kind {
		case "":
			if (o.info.Side == models.Buy && price <= o.info.Price) || (o.info.Side == models.Sell && price >= o.info.Price) {
				delete(g.orders, id)
				g.fillLocked(symbol, o.info.Side, o.info.Price, o.info.Quantity, g.MakerFeeRate, false, "limit")
			}
		case StopLossOrder, TakeProfitOrder:
			if g.triggeredLocked(o, price) {
				delete(g.orders, id)
				if pos := g.positions[symbol]; pos != nil {
					g.fillLocked(symbol, o.info.Side, price, pos.size, g.TakerFeeRate, true, string(o.kind))
				}
			}
		}
	}
}

func (g *PaperGateway) triggeredLocked(o *paperOrder, price float64) bool {
	stop := o.info.StopPrice
	long := o.side == models.Long
	if o.kind == StopLossOrder {
		return (long && price <= stop) || (!long && price >= stop)
	}
	return (long && price >= stop) || (!long && price <= stop)
}

// fillLocked applies a fill to the one-way position of symbol and returns the
// execution price and fee.
func (g *PaperGateway) fillLocked(symbol string, side models.OrderSide, basePrice, qty, feeRate float64, reduceOnly bool, reason string) (float64, float64) {
	execPrice := basePrice * (1 + g.SlippageRate)
	if side == models.Sell {
		execPrice = basePrice * (1 - g.SlippageRate)
	}
	fee := execPrice * qty * feeRate
	g.TotalFees += fee
	g.Cash -= fee

	fillSide := models.Long
	if side == models.Sell {
		fillSide = models.Short
	}

	pos := g.positions[symbol]
	if pos == nil || pos.size <= sizeEpsilon {
		if reduceOnly {
			return execPrice, fee
		}
		g.positions[symbol] = &paperPosition{side: fillSide, size: qty, avgEntry: execPrice, fees: fee}
		return execPrice, fee
	}

	if pos.side == fillSide {
		total := pos.size + qty
		pos.avgEntry = (pos.avgEntry*pos.size + execPrice*qty) / total
		pos.size = total
		pos.fees += fee
		return execPrice, fee
	}

	closed := math.Min(qty, pos.size)
	pnl := (execPrice - pos.avgEntry) * closed * pos.side.Sign()
	g.Cash += pnl
	pos.realized += pnl
	pos.fees += fee
	pos.size -= closed
	if pos.size <= sizeEpsilon {
		g.TradeLog = append(g.TradeLog, models.ClosedTrade{
			Symbol:     symbol,
			Side:       pos.side,
			Quantity:   closed,
			EntryPrice: pos.avgEntry,
			ExitPrice:  execPrice,
			PnL:        pos.realized,
			Fees:       pos.fees,
			Reason:     reason,
			ClosedAt:   time.Now(),
		})
		delete(g.positions, symbol)
		g.cancelProtectiveLocked(symbol)
		if rest := qty - closed; rest > sizeEpsilon && !reduceOnly {
			g.positions[symbol] = &paperPosition{side: fillSide, size: rest, avgEntry: execPrice}
		}
	}
	return execPrice, fee
}

func (g *PaperGateway) cancelProtectiveLocked(symbol string) {
	for id, o := range g.orders {
		if o.info.Symbol == symbol && o.kind != "" {
			delete(g.orders, id)
		}
	}
}

// MarkPrice implements MarketData.
func (g *PaperGateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	if err := g.enter("mark"); err != nil {
		g.mu.Unlock()
		return 0, err
	}
	p, ok := g.prices[symbol]
	g.mu.Unlock()
	if ok {
		return p, nil
	}
	if g.market != nil {
		return g.market.MarkPrice(ctx, symbol)
	}
	return 0, &models.Error{Code: -1121, Msg: "Invalid symbol.", Kind: models.ErrInstrumentRejected}
}

// InstrumentRules implements MarketData.
func (g *PaperGateway) InstrumentRules(ctx context.Context, symbol string) (*models.InstrumentRules, error) {
	g.mu.Lock()
	if err := g.enter("rules"); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	r, ok := g.rules[symbol]
	g.mu.Unlock()

	var out models.InstrumentRules
	switch {
	case ok:
		out = *r
	case g.market != nil:
		fetched, err := g.market.InstrumentRules(ctx, symbol)
		if err != nil {
			return nil, err
		}
		out = *fetched
		g.mu.Lock()
		cp := out
		g.rules[symbol] = &cp
		g.mu.Unlock()
	default:
		out = models.InstrumentRules{Symbol: symbol, QuantityStep: 0.001, MinQty: 0.001, MinNotional: 5, TickSize: 0.01}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if out.MaxLeverage <= 0 || out.MaxLeverage > g.MaxLeverage {
		out.MaxLeverage = g.MaxLeverage
	}
	if lev, ok := g.leverage[symbol]; ok {
		out.Leverage = lev
	} else {
		out.Leverage = int(math.Min(20, float64(out.MaxLeverage)))
	}
	return &out, nil
}

// Klines implements MarketData.
func (g *PaperGateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	g.mu.Lock()
	if err := g.enter("klines"); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	k, ok := g.klines[symbol]
	g.mu.Unlock()
	if ok {
		if limit > 0 && len(k) > limit {
			k = k[len(k)-limit:]
		}
		return append([]models.Candle(nil), k...), nil
	}
	if g.market != nil {
		return g.market.Klines(ctx, symbol, interval, limit)
	}
	return nil, nil
}

// Positions implements Gateway.
func (g *PaperGateway) Positions(ctx context.Context) ([]models.RemotePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("positions"); err != nil {
		return nil, err
	}
	out := make([]models.RemotePosition, 0, len(g.positions))
	for s, p := range g.positions {
		if p.size <= sizeEpsilon {
			continue
		}
		mark := g.prices[s]
		lev := g.leverage[s]
		if lev == 0 {
			lev = 20
		}
		out = append(out, models.RemotePosition{
			Symbol:        s,
			Side:          p.side,
			Size:          p.size,
			AvgPrice:      p.avgEntry,
			Leverage:      lev,
			RealizedPnL:   p.realized,
			UnrealizedPnL: (mark - p.avgEntry) * p.size * p.side.Sign(),
			MarkPrice:     mark,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SetLeverage implements Gateway.
func (g *PaperGateway) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("leverage"); err != nil {
		return 0, err
	}
	max := g.MaxLeverage
	if r, ok := g.rules[symbol]; ok && r.MaxLeverage > 0 && r.MaxLeverage < max {
		max = r.MaxLeverage
	}
	if leverage < 1 || leverage > max {
		return 0, &models.Error{Code: -4028, Msg: fmt.Sprintf("Leverage %d is not valid", leverage), Kind: models.ErrInstrumentRejected}
	}
	g.leverage[symbol] = leverage
	return leverage, nil
}

// SubmitOrder implements Gateway.
func (g *PaperGateway) SubmitOrder(ctx context.Context, o GatewayOrder) (*models.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("submit"); err != nil {
		return nil, err
	}

	price := g.prices[o.Symbol]
	if o.Type == models.Limit {
		price = o.Price
	}
	if price <= 0 {
		return nil, &models.Error{Code: -1121, Msg: "Invalid symbol.", Kind: models.ErrInstrumentRejected}
	}
	if err := g.checkRulesLocked(o, price); err != nil {
		return nil, err
	}

	pos := g.positions[o.Symbol]
	if o.ReduceOnly {
		if pos == nil || pos.side.CloseOrderSide() != o.Side {
			return nil, &models.Error{Code: -2022, Msg: "ReduceOnly Order is rejected.", Kind: models.ErrExchangeStateConflict}
		}
	}

	id := g.nextID
	g.nextID++
	info := models.OrderInfo{
		OrderID:       strconv.FormatInt(id, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          string(o.Type),
		Price:         o.Price,
		Quantity:      o.Quantity,
		Status:        "NEW",
		ReduceOnly:    o.ReduceOnly,
	}

	if o.Type == models.Limit {
		g.orders[id] = &paperOrder{info: info}
		return &models.OrderResult{
			OrderID:       info.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Status:        "NEW",
			Quantity:      o.Quantity,
		}, nil
	}

	qty := o.Quantity
	if o.ReduceOnly && qty > pos.size {
		qty = pos.size
	}
	execPrice, fee := g.fillLocked(o.Symbol, o.Side, price, qty, g.TakerFeeRate, o.ReduceOnly, "market")
	return &models.OrderResult{
		OrderID:       info.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        "FILLED",
		FillPrice:     execPrice,
		Quantity:      qty,
		Fee:           fee,
	}, nil
}

func (g *PaperGateway) checkRulesLocked(o GatewayOrder, price float64) error {
	r, ok := g.rules[o.Symbol]
	if !ok {
		return nil
	}
	if r.QuantityStep > 0 {
		steps := o.Quantity / r.QuantityStep
		if math.Abs(steps-math.Round(steps)) > 1e-6 {
			return &models.Error{Code: -1111, Msg: "Precision is over the maximum defined for this asset.", Kind: models.ErrInstrumentRejected}
		}
	}
	if o.Quantity < r.MinQty-sizeEpsilon {
		return &models.Error{Code: -4003, Msg: "Quantity less than min qty.", Kind: models.ErrInstrumentRejected}
	}
	if !o.ReduceOnly && r.MinNotional > 0 && o.Quantity*price < r.MinNotional-sizeEpsilon {
		return &models.Error{Code: -4164, Msg: "Order's notional must be no smaller than min notional.", Kind: models.ErrInstrumentRejected}
	}
	return nil
}

// SetStopOrder implements Gateway.
func (g *PaperGateway) SetStopOrder(ctx context.Context, symbol string, kind StopKind, side models.PositionSide, price float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("stop"); err != nil {
		return err
	}
	for id, o := range g.orders {
		if o.info.Symbol != symbol || o.kind != kind {
			continue
		}
		if o.side == side && math.Abs(o.info.StopPrice-price) < 1e-12 {
			return &models.Error{Code: -4046, Msg: "No need to change.", Kind: models.ErrNotModified}
		}
		delete(g.orders, id)
	}
	id := g.nextID
	g.nextID++
	g.orders[id] = &paperOrder{
		kind: kind,
		side: side,
		info: models.OrderInfo{
			OrderID:       strconv.FormatInt(id, 10),
			Symbol:        symbol,
			Side:          side.CloseOrderSide(),
			Type:          string(kind),
			StopPrice:     price,
			Status:        "NEW",
			ClosePosition: true,
		},
	}
	return nil
}

// OpenOrders implements Gateway.
func (g *PaperGateway) OpenOrders(ctx context.Context, symbol string) ([]models.OrderInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("open_orders"); err != nil {
		return nil, err
	}
	var ids []int64
	for id, o := range g.orders {
		if o.info.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]models.OrderInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.orders[id].info)
	}
	return out, nil
}

// CancelOrder implements Gateway.
func (g *PaperGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("cancel"); err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &models.Error{Code: -1102, Msg: "Mandatory parameter 'orderId' was not sent, was empty/null, or malformed.", Kind: models.ErrInstrumentRejected}
	}
	o, ok := g.orders[id]
	if !ok || o.info.Symbol != symbol {
		return &models.Error{Code: -2011, Msg: "Unknown order sent.", Kind: models.ErrExchangeStateConflict}
	}
	delete(g.orders, id)
	return nil
}

// Ping implements Gateway.
func (g *PaperGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enter("ping")
}
