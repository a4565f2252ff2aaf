package storage

import (
	"binance-momentum-bot-go/internal/models"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func trade(id, symbol string, pnl float64, closedAt time.Time) models.ClosedTrade {
	return models.ClosedTrade{
		PositionID: id,
		Symbol:     symbol,
		Side:       models.Long,
		Quantity:   1,
		EntryPrice: 100,
		ExitPrice:  100 + pnl,
		Leverage:   10,
		Margin:     10,
		PnL:        pnl,
		Fees:       0.1,
		Reason:     "signal_exit",
		OpenedAt:   closedAt.Add(-time.Hour),
		ClosedAt:   closedAt,
	}
}

func TestHistory_TradesAndSummary(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.RecordTrade(ctx, trade("a", "BTCUSDT", 5, base)))
	require.NoError(t, h.RecordTrade(ctx, trade("b", "BTCUSDT", -2, base.Add(time.Minute))))
	require.NoError(t, h.RecordTrade(ctx, trade("c", "ETHUSDT", 1, base.Add(2*time.Minute))))
	require.NoError(t, h.RecordTrade(ctx, trade("c", "ETHUSDT", 3, base.Add(2*time.Minute))), "same position replaces")

	btc, err := h.Trades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, "b", btc[0].PositionID, "newest first")
	assert.Equal(t, models.Long, btc[0].Side)
	assert.True(t, btc[1].ClosedAt.Equal(base))

	all, err := h.Trades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	summary, err := h.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "BTCUSDT", summary[0].Symbol)
	assert.Equal(t, 2, summary[0].Trades)
	assert.Equal(t, 1, summary[0].Wins)
	assert.InDelta(t, 3, summary[0].PnL, 1e-9)
	assert.InDelta(t, 50, summary[0].WinRate(), 1e-9)
	assert.InDelta(t, 3, summary[1].PnL, 1e-9)
}

func TestHistory_RecordOrder(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	require.NoError(t, h.RecordOrder(ctx, models.Buy, models.Market, models.OrderResult{
		Success: true, OrderID: "1", ClientOrderID: "c1", Symbol: "BTCUSDT", Status: "FILLED", FillPrice: 100, Quantity: 1,
	}))
	require.NoError(t, h.RecordOrder(ctx, models.Sell, models.Limit, models.OrderResult{
		Symbol: "BTCUSDT", Reason: "rejected",
	}))

	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM orders WHERE status = 'FAILED'`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n))
	assert.Equal(t, 2, n)
}
