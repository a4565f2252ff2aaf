package exchange

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sizeEpsilon = 1e-9

type leverageEntry struct {
	value int
	at    time.Time
}

// Client implements Exchange over a Gateway. It owns the retry policy, the
// instrument rules and leverage caches and every size conversion.
type Client struct {
	gw       Gateway
	retrier  *Retrier
	logger   *zap.Logger
	rulesTTL time.Duration
	prices   PriceSource

	mu       sync.RWMutex
	rules    map[string]*models.InstrumentRules
	leverage map[string]leverageEntry

	now func() time.Time
}

// NewClient wraps gw.
func NewClient(gw Gateway, retrier *Retrier, rulesTTL time.Duration, logger *zap.Logger) *Client {
	return &Client{
		gw:       gw,
		retrier:  retrier,
		logger:   logger,
		rulesTTL: rulesTTL,
		rules:    make(map[string]*models.InstrumentRules),
		leverage: make(map[string]leverageEntry),
		now:      time.Now,
	}
}

// SetPriceSource makes GetMarkPrice prefer fresh streamed prices.
func (c *Client) SetPriceSource(ps PriceSource) {
	c.prices = ps
}

// Retrier exposes the shared retry policy.
func (c *Client) Retrier() *Retrier {
	return c.retrier
}

// GetPositions returns every non-zero position.
func (c *Client) GetPositions(ctx context.Context) ([]models.RemotePosition, error) {
	var out []models.RemotePosition
	err := c.retrier.Do(ctx, "positions", false, func(ctx context.Context) error {
		var err error
		out, err = c.gw.Positions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.RemotePosition{}
	}
	return out, nil
}

// GetInstrumentRules serves rules from the TTL cache and fetches them on a miss.
func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (*models.InstrumentRules, error) {
	c.mu.RLock()
	cached, ok := c.rules[symbol]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.FetchedAt) < c.rulesTTL {
		r := *cached
		return &r, nil
	}

	var fetched *models.InstrumentRules
	err := c.retrier.Do(ctx, "rules", false, func(ctx context.Context) error {
		var err error
		fetched, err = c.gw.InstrumentRules(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("instrument rules %s: %w", symbol, err)
	}
	fetched.FetchedAt = c.now()

	c.mu.Lock()
	c.rules[symbol] = fetched
	if _, ok := c.leverage[symbol]; !ok && fetched.Leverage > 0 {
		c.leverage[symbol] = leverageEntry{value: fetched.Leverage, at: fetched.FetchedAt}
	}
	c.mu.Unlock()

	r := *fetched
	return &r, nil
}

func (c *Client) invalidateRules(symbol string) {
	c.mu.Lock()
	delete(c.rules, symbol)
	c.mu.Unlock()
}

// GetMarkPrice prefers the price stream and falls back to a REST call.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if c.prices != nil {
		if p, ok := c.prices.Price(symbol); ok {
			return p, nil
		}
	}
	var price float64
	err := c.retrier.Do(ctx, "mark_price", false, func(ctx context.Context) error {
		var err error
		price, err = c.gw.MarkPrice(ctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: no mark price for %s", models.ErrTransientNetwork, symbol)
	}
	return price, nil
}

// PlaceOrder converts an entry intent into a legal order and submits it. An
// instrument rejection refreshes the rules and is retried once with corrected
// parameters.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if !req.Side.Valid() {
		return failed(req.Symbol, "invalid side"), fmt.Errorf("%w: invalid side %q", models.ErrConfiguration, req.Side)
	}
	if req.QuoteAmount <= 0 && req.BaseQuantity <= 0 {
		return failed(req.Symbol, "empty order size"), fmt.Errorf("%w: no size for %s", models.ErrQuantityTooSmall, req.Symbol)
	}
	if req.Type == "" {
		req.Type = models.Market
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = models.NewID("mb")
	}

	rules, err := c.GetInstrumentRules(ctx, req.Symbol)
	if err != nil {
		return failed(req.Symbol, err.Error()), err
	}
	lev, err := c.resolveLeverage(ctx, req.Symbol, req.Leverage, rules)
	if err != nil {
		return failed(req.Symbol, err.Error()), err
	}

	res, err := c.submitEntry(ctx, req, rules, lev)
	if err != nil && errors.Is(err, models.ErrInstrumentRejected) {
		c.logger.Warn("Order rejected by instrument rules, retrying once with fresh rules",
			zap.String("symbol", req.Symbol), zap.Error(err))
		c.invalidateRules(req.Symbol)
		if rules, rerr := c.GetInstrumentRules(ctx, req.Symbol); rerr == nil {
			req.ClientOrderID = models.NewID("mb")
			res, err = c.submitEntry(ctx, req, rules, lev)
		}
	}
	if err != nil {
		if res == nil {
			res = failed(req.Symbol, err.Error())
		}
		return res, err
	}
	res.Leverage = lev
	return res, nil
}

func (c *Client) submitEntry(ctx context.Context, req models.OrderRequest, rules *models.InstrumentRules, lev int) (*models.OrderResult, error) {
	var price float64
	if req.Type == models.Limit {
		if req.Price <= 0 {
			return nil, fmt.Errorf("%w: limit order without price", models.ErrInstrumentRejected)
		}
		price = RoundToTick(req.Price, rules.TickSize)
	} else {
		p, err := c.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		price = p
	}

	raw := req.BaseQuantity
	if raw <= 0 {
		raw = req.QuoteAmount * float64(lev) / price
	}
	qty, err := LegalizeQuantity(raw, price, rules)
	if err != nil {
		return nil, err
	}

	order := GatewayOrder{
		Symbol:        req.Symbol,
		Side:          req.Side.EntryOrderSide(),
		Type:          req.Type,
		Quantity:      qty,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == models.Limit {
		order.Price = price
	}
	return c.submit(ctx, order)
}

func (c *Client) submit(ctx context.Context, order GatewayOrder) (*models.OrderResult, error) {
	var res *models.OrderResult
	err := c.retrier.Do(ctx, "submit_order", true, func(ctx context.Context) error {
		var err error
		res, err = c.gw.SubmitOrder(ctx, order)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s %s %s: %w", order.Symbol, order.Side, order.Type, err)
	}
	res.Success = true
	if res.Time.IsZero() {
		res.Time = c.now()
	}
	return res, nil
}

// resolveLeverage makes sure the requested leverage is in effect. A request the
// venue rejects falls back to the maximum leverage and is retried once.
func (c *Client) resolveLeverage(ctx context.Context, symbol string, requested int, rules *models.InstrumentRules) (int, error) {
	c.mu.RLock()
	cur, ok := c.leverage[symbol]
	c.mu.RUnlock()
	current := rules.Leverage
	if ok {
		current = cur.value
	}
	if requested <= 0 || requested == current {
		if current <= 0 {
			current = 1
		}
		return current, nil
	}

	eff, err := c.setLeverage(ctx, symbol, requested)
	if err != nil && errors.Is(err, models.ErrInstrumentRejected) {
		c.invalidateRules(symbol)
		fresh, rerr := c.GetInstrumentRules(ctx, symbol)
		if rerr != nil {
			return 0, rerr
		}
		fallback := fresh.MaxLeverage
		if fallback <= 0 || fallback >= requested {
			return 0, err
		}
		c.logger.Warn("Leverage above venue maximum, falling back",
			zap.String("symbol", symbol),
			zap.Int("requested", requested),
			zap.Int("max", fallback))
		eff, err = c.setLeverage(ctx, symbol, fallback)
	}
	if err != nil {
		return 0, fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	return eff, nil
}

func (c *Client) setLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	var eff int
	err := c.retrier.Do(ctx, "set_leverage", true, func(ctx context.Context) error {
		var err error
		eff, err = c.gw.SetLeverage(ctx, symbol, leverage)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.leverage[symbol] = leverageEntry{value: eff, at: c.now()}
	c.mu.Unlock()
	return eff, nil
}

// ClosePosition reduces the remote position of symbol+side by quantity, or closes
// it when quantity is zero or larger than the position. Result.Remaining is the
// size the exchange reports afterwards.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side models.PositionSide, quantity float64) (*models.OrderResult, error) {
	remote, err := c.findPosition(ctx, symbol, side)
	if err != nil {
		return failed(symbol, err.Error()), err
	}
	if remote == nil {
		err := fmt.Errorf("%w: no %s position for %s", models.ErrExchangeStateConflict, side, symbol)
		return failed(symbol, err.Error()), err
	}

	rules, err := c.GetInstrumentRules(ctx, symbol)
	if err != nil {
		return failed(symbol, err.Error()), err
	}
	if quantity <= 0 || quantity > remote.Size {
		quantity = remote.Size
	}
	qty := FloorQuantity(quantity, rules.QuantityStep)
	if qty <= 0 {
		err := fmt.Errorf("%w: %v floors to zero with step %v", models.ErrQuantityTooSmall, quantity, rules.QuantityStep)
		return failed(symbol, err.Error()), err
	}

	res, err := c.submit(ctx, GatewayOrder{
		Symbol:        symbol,
		Side:          side.CloseOrderSide(),
		Type:          models.Market,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: models.NewID("mc"),
	})
	if err != nil {
		return failed(symbol, err.Error()), err
	}

	after, perr := c.findPosition(ctx, symbol, side)
	switch {
	case perr != nil:
		res.Remaining = math.Max(remote.Size-qty, 0)
		if res.Remaining < sizeEpsilon {
			res.Remaining = 0
		}
		c.logger.Warn("Could not confirm remaining size after close, using arithmetic",
			zap.String("symbol", symbol), zap.Error(perr))
	case after == nil:
		res.Remaining = 0
	default:
		res.Remaining = after.Size
	}
	return res, nil
}

func (c *Client) findPosition(ctx context.Context, symbol string, side models.PositionSide) (*models.RemotePosition, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		p := positions[i]
		if p.Symbol == symbol && p.Side == side && p.Size > sizeEpsilon {
			return &p, nil
		}
	}
	return nil, nil
}

// UpdateStopLoss moves the exchange-side stop-loss. An unchanged price is a success.
func (c *Client) UpdateStopLoss(ctx context.Context, symbol string, side models.PositionSide, price float64) error {
	return c.updateStop(ctx, symbol, StopLossOrder, side, price)
}

// UpdateTakeProfit moves the exchange-side take-profit. An unchanged price is a success.
func (c *Client) UpdateTakeProfit(ctx context.Context, symbol string, side models.PositionSide, price float64) error {
	return c.updateStop(ctx, symbol, TakeProfitOrder, side, price)
}

func (c *Client) updateStop(ctx context.Context, symbol string, kind StopKind, side models.PositionSide, price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: %s price must be positive", models.ErrInstrumentRejected, kind)
	}
	rules, err := c.GetInstrumentRules(ctx, symbol)
	if err != nil {
		return err
	}
	price = RoundToTick(price, rules.TickSize)
	err = c.retrier.Do(ctx, string(kind), true, func(ctx context.Context) error {
		return c.gw.SetStopOrder(ctx, symbol, kind, side, price)
	})
	if errors.Is(err, models.ErrNotModified) {
		return nil
	}
	return err
}

// GetOpenOrders lists open orders of symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderInfo, error) {
	var out []models.OrderInfo
	err := c.retrier.Do(ctx, "open_orders", false, func(ctx context.Context) error {
		var err error
		out, err = c.gw.OpenOrders(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelOrder cancels one order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return c.retrier.Do(ctx, "cancel_order", true, func(ctx context.Context) error {
		return c.gw.CancelOrder(ctx, symbol, orderID)
	})
}

// GetKlines returns recent candles.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	var out []models.Candle
	err := c.retrier.Do(ctx, "klines", false, func(ctx context.Context) error {
		var err error
		out, err = c.gw.Klines(ctx, symbol, interval, limit)
		return err
	})
	return out, err
}

// Ping checks venue connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.retrier.Do(ctx, "ping", false, c.gw.Ping)
}

// CleanupExpired drops cache entries older than the rules TTL and returns how many were removed.
func (c *Client) CleanupExpired() int {
	now := c.now()
	removed := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for s, r := range c.rules {
		if now.Sub(r.FetchedAt) >= c.rulesTTL {
			delete(c.rules, s)
			removed++
		}
	}
	for s, l := range c.leverage {
		if now.Sub(l.at) >= c.rulesTTL {
			delete(c.leverage, s)
			removed++
		}
	}
	return removed
}

func failed(symbol, reason string) *models.OrderResult {
	return &models.OrderResult{Symbol: symbol, Success: false, Reason: reason}
}
