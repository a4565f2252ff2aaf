package reporter

import (
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/storage"
	"binance-momentum-bot-go/internal/supervisor"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateMetrics(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	trades := []models.ClosedTrade{
		{Symbol: "ETHUSDT", PnL: -4, Fees: 0.2, OpenedAt: base.Add(90 * time.Minute), ClosedAt: base.Add(2 * time.Hour)},
		{Symbol: "BTCUSDT", PnL: 6, Fees: 0.1, OpenedAt: base, ClosedAt: base.Add(time.Hour)},
		{Symbol: "BTCUSDT", PnL: -2, Fees: 0.1, OpenedAt: base.Add(150 * time.Minute), ClosedAt: base.Add(3 * time.Hour)},
		{Symbol: "SOLUSDT", PnL: 3, Fees: 0.1, OpenedAt: base.Add(200 * time.Minute), ClosedAt: base.Add(4 * time.Hour)},
	}

	m := CalculateMetrics(trades)

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.Equal(t, 50.0, m.WinRate)
	assert.InDelta(t, 3.0, m.TotalPnL, 1e-9)
	assert.InDelta(t, 0.5, m.TotalFees, 1e-9)
	assert.InDelta(t, 1.5, m.AvgProfitLoss, 1e-9)
	assert.InDelta(t, 6.0, m.MaxDrawdown, 1e-9, "peak 6 after the first close, trough 0 after two losses")
	assert.Equal(t, base, m.StartTime)
	assert.Equal(t, base.Add(4*time.Hour), m.EndTime)
}

func TestCalculateMetrics_Empty(t *testing.T) {
	assert.Equal(t, Metrics{}, CalculateMetrics(nil))
}

func TestRenderTables(t *testing.T) {
	var buf bytes.Buffer

	RenderBots(&buf, []supervisor.BotInfo{
		{Symbol: "BTCUSDT", Running: true, Status: models.StatusLong, Side: models.Long, Quantity: 0.5, EntryPrice: 100, UnrealizedPnL: -1.25},
		{Symbol: "ETHUSDT", Status: models.StatusIdle, Halted: true},
	})
	RenderSummary(&buf, []storage.SymbolSummary{{Symbol: "BTCUSDT", Trades: 4, Wins: 3, PnL: 12.5, Fees: 0.4}})
	RenderMetrics(&buf, Metrics{TotalTrades: 4, WinRate: 75})

	out := buf.String()
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "IDLE (halted)")
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "12.5000")
	assert.Contains(t, out, "75.00%")
}
