package exchange

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func btcRules() models.InstrumentRules {
	return models.InstrumentRules{
		Symbol:       "BTCUSDT",
		QuantityStep: 0.001,
		MinQty:       0.001,
		MinNotional:  5,
		TickSize:     0.1,
		Leverage:     10,
		MaxLeverage:  20,
	}
}

func newTestClient(t *testing.T) (*Client, *PaperGateway, *fakeClock) {
	t.Helper()
	gw := NewPaperGateway(models.PaperConfig{InitialBalance: 1000, MaxLeverage: 125}, nil)
	gw.SetRules(btcRules())
	gw.SetPrice("BTCUSDT", 100)

	r, _, clock := newTestRetrier(testRetryConfig())
	c := NewClient(gw, r, 5*time.Minute, zap.NewNop())
	c.now = clock.now
	return c, gw, clock
}

func TestClient_PlaceOrderConvertsMarginToQuantity(t *testing.T) {
	c, gw, _ := newTestClient(t)

	res, err := c.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Long, QuoteAmount: 10, Leverage: 10, Type: models.Market,
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 10, res.Leverage)
	assert.InDelta(t, 1.0, res.Quantity, 1e-12)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.Long, positions[0].Side)
	assert.Equal(t, 0, gw.Calls("leverage"), "leverage already matches, nothing to set")
}

func TestClient_PlaceOrderBumpsToMinNotional(t *testing.T) {
	c, _, _ := newTestClient(t)

	res, err := c.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Short, QuoteAmount: 0.1, Leverage: 1,
	})

	require.NoError(t, err)
	assert.InDelta(t, 0.05, res.Quantity, 1e-12, "0.001 BTC at 100 is below the 5 USDT minimum notional")
}

func TestClient_LeverageFallsBackToMaximum(t *testing.T) {
	c, gw, _ := newTestClient(t)

	res, err := c.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Long, QuoteAmount: 1, Leverage: 50,
	})

	require.NoError(t, err)
	assert.Equal(t, 20, res.Leverage)
	assert.Equal(t, 2, gw.Calls("leverage"), "rejected request followed by one retry at the maximum")
	assert.InDelta(t, 0.2, res.Quantity, 1e-12)
}

func TestClient_InstrumentRejectionIsRetriedOnce(t *testing.T) {
	c, gw, _ := newTestClient(t)
	gw.FailNext("submit", &models.Error{Code: -4164, Msg: "notional too small", Kind: models.ErrInstrumentRejected})

	res, err := c.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Long, QuoteAmount: 10, Leverage: 10,
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, gw.Calls("submit"))
	assert.Equal(t, 2, gw.Calls("rules"), "rules are refreshed before the corrected retry")
}

func TestClient_InstrumentRejectionSurfacesAfterRetry(t *testing.T) {
	c, gw, _ := newTestClient(t)
	rejected := &models.Error{Code: -1111, Msg: "precision", Kind: models.ErrInstrumentRejected}
	gw.FailNext("submit", rejected, rejected)

	res, err := c.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Long, QuoteAmount: 10, Leverage: 10,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInstrumentRejected))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Reason)
	assert.Equal(t, 2, gw.Calls("submit"))
}

func TestClient_ClosePositionWithoutRemoteIsStateConflict(t *testing.T) {
	c, gw, _ := newTestClient(t)

	res, err := c.ClosePosition(context.Background(), "BTCUSDT", models.Long, 1)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExchangeStateConflict))
	assert.False(t, res.Success)
	assert.Equal(t, 0, gw.Calls("submit"))
}

func TestClient_ClosePositionFlooringToZeroFails(t *testing.T) {
	c, gw, _ := newTestClient(t)
	gw.SetPosition("BTCUSDT", models.Long, 0.0005, 100)

	_, err := c.ClosePosition(context.Background(), "BTCUSDT", models.Long, 0.0005)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrQuantityTooSmall))
	assert.Equal(t, 0, gw.Calls("submit"), "a zero-size order is never sent")
}

func TestClient_ClosePositionReportsRemaining(t *testing.T) {
	c, gw, _ := newTestClient(t)
	gw.SetPosition("BTCUSDT", models.Short, 1, 100)

	res, err := c.ClosePosition(context.Background(), "BTCUSDT", models.Short, 0.4)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.InDelta(t, 0.6, res.Remaining, 1e-9)

	res, err = c.ClosePosition(context.Background(), "BTCUSDT", models.Short, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Remaining)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestClient_UpdateStopLossIsIdempotent(t *testing.T) {
	c, gw, _ := newTestClient(t)
	gw.SetPosition("BTCUSDT", models.Long, 1, 100)

	require.NoError(t, c.UpdateStopLoss(context.Background(), "BTCUSDT", models.Long, 95))
	require.NoError(t, c.UpdateStopLoss(context.Background(), "BTCUSDT", models.Long, 95))

	orders, err := c.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, string(StopLossOrder), orders[0].Type)
	assert.Equal(t, 95.0, orders[0].StopPrice)
	assert.Equal(t, 2, gw.Calls("stop"))

	require.NoError(t, c.UpdateStopLoss(context.Background(), "BTCUSDT", models.Long, 96))
	orders, err = c.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1, "moving the stop replaces the old order")
	assert.Equal(t, 96.0, orders[0].StopPrice)
}

func TestClient_RulesCacheAndCleanup(t *testing.T) {
	c, gw, clock := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetInstrumentRules(ctx, "BTCUSDT")
	require.NoError(t, err)
	_, err = c.GetInstrumentRules(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.Calls("rules"))

	assert.Equal(t, 0, c.CleanupExpired())
	clock.advance(6 * time.Minute)
	assert.Equal(t, 2, c.CleanupExpired(), "rules and leverage entries expire")

	_, err = c.GetInstrumentRules(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, gw.Calls("rules"))
}

func TestClient_EmptyPositionsIsNotAnError(t *testing.T) {
	c, gw, _ := newTestClient(t)
	gw.FailNext("positions", errRateLimited)

	positions, err := c.GetPositions(context.Background())

	require.NoError(t, err)
	assert.NotNil(t, positions)
	assert.Empty(t, positions)
	assert.Equal(t, 2, gw.Calls("positions"))
}

type staticPrices map[string]float64

func (s staticPrices) Price(symbol string) (float64, bool) {
	p, ok := s[symbol]
	return p, ok
}

func TestClient_MarkPricePrefersStream(t *testing.T) {
	c, gw, _ := newTestClient(t)
	c.SetPriceSource(staticPrices{"BTCUSDT": 101})

	p, err := c.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.0, p)
	assert.Equal(t, 0, gw.Calls("mark"))

	p, err = c.GetMarkPrice(context.Background(), "ETHUSDT")
	require.Error(t, err, "unknown symbol falls through to the gateway")
	assert.Equal(t, 1, gw.Calls("mark"))
	assert.Zero(t, p)
}
