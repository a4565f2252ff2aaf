package reporter

import (
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/storage"
	"binance-momentum-bot-go/internal/supervisor"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics holds the performance figures computed from closed trades.
type Metrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	TotalFees     float64
	AvgProfitLoss float64 // average win over average loss
	MaxDrawdown   float64 // deepest fall of cumulative PnL from its peak, quote currency
	StartTime     time.Time
	EndTime       time.Time
}

// CalculateMetrics computes performance over trades in any order.
func CalculateMetrics(trades []models.ClosedTrade) Metrics {
	var m Metrics
	if len(trades) == 0 {
		return m
	}
	sorted := make([]models.ClosedTrade, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClosedAt.Before(sorted[j].ClosedAt) })

	m.TotalTrades = len(sorted)
	m.StartTime = sorted[0].OpenedAt
	m.EndTime = sorted[len(sorted)-1].ClosedAt

	var totalProfit, totalLoss float64
	curve := make([]float64, 0, len(sorted)+1)
	curve = append(curve, 0)
	for _, t := range sorted {
		if t.PnL > 0 {
			m.WinningTrades++
			totalProfit += t.PnL
		} else {
			m.LosingTrades++
			totalLoss += t.PnL
		}
		m.TotalPnL += t.PnL
		m.TotalFees += t.Fees
		if t.OpenedAt.Before(m.StartTime) {
			m.StartTime = t.OpenedAt
		}
		curve = append(curve, m.TotalPnL)
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}
	m.MaxDrawdown = calculateMaxDrawdown(curve)
	return m
}

func calculateMaxDrawdown(curve []float64) float64 {
	if len(curve) < 2 {
		return 0
	}
	peak := curve[0]
	maxDrawdown := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// RenderBots prints one row per bot.
func RenderBots(w io.Writer, bots []supervisor.BotInfo) {
	t := newTable(w, "Bots")
	t.AppendHeader(table.Row{"Symbol", "Running", "Status", "Side", "Qty", "Entry", "Mark", "uPnL", "Stop", "Rungs", "Last close", "Error"})
	var upnl float64
	for _, b := range bots {
		status := string(b.Status)
		if b.Halted {
			status += " (halted)"
		}
		t.AppendRow(table.Row{
			b.Symbol, b.Running, status, b.Side,
			num(b.Quantity), num(b.EntryPrice), num(b.MarkPrice), num(b.UnrealizedPnL), num(b.StopLossPrice),
			b.PendingRungs, b.LastCloseReason, b.LastError,
		})
		upnl += b.UnrealizedPnL
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", num(upnl)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "uPnL", Transformer: signColor},
		{Name: "Error", WidthMax: 40},
	})
	t.Render()
}

// RenderSummary prints the per-symbol trade summary with a total row.
func RenderSummary(w io.Writer, rows []storage.SymbolSummary) {
	t := newTable(w, "Closed trades")
	t.AppendHeader(table.Row{"Symbol", "Trades", "Wins", "Win rate", "PnL", "Fees"})
	var total storage.SymbolSummary
	for _, r := range rows {
		t.AppendRow(table.Row{r.Symbol, r.Trades, r.Wins, fmt.Sprintf("%.1f%%", r.WinRate()), num(r.PnL), num(r.Fees)})
		total.Trades += r.Trades
		total.Wins += r.Wins
		total.PnL += r.PnL
		total.Fees += r.Fees
	}
	t.AppendFooter(table.Row{"Total", total.Trades, total.Wins, fmt.Sprintf("%.1f%%", total.WinRate()), num(total.PnL), num(total.Fees)})
	t.SetColumnConfigs([]table.ColumnConfig{{Name: "PnL", Transformer: signColor}})
	t.Render()
}

// RenderMetrics prints the performance figures.
func RenderMetrics(w io.Writer, m Metrics) {
	t := newTable(w, "Performance")
	period := "-"
	if m.TotalTrades > 0 {
		period = fmt.Sprintf("%s to %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))
	}
	t.AppendRows([]table.Row{
		{"Period", period},
		{"Trades", m.TotalTrades},
		{"Winning", m.WinningTrades},
		{"Losing", m.LosingTrades},
		{"Win rate", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"Total PnL", num(m.TotalPnL)},
		{"Fees", num(m.TotalFees)},
		{"Avg win / avg loss", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"Max drawdown", num(m.MaxDrawdown)},
	})
	t.Render()
}

func num(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}

func signColor(val interface{}) string {
	s := fmt.Sprint(val)
	if len(s) > 0 && s[0] == '-' && s != "-" {
		return text.FgRed.Sprint(s)
	}
	return s
}
