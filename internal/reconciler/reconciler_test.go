package reconciler

import (
	"binance-momentum-bot-go/internal/exchange"
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/statemanager"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	rec    *Reconciler
	gw     *exchange.PaperGateway
	states *statemanager.StateManager
}

func newFixture(t *testing.T, store func(*statemanager.StateManager) Store) *fixture {
	t.Helper()
	gw := exchange.NewPaperGateway(models.PaperConfig{InitialBalance: 1000}, nil)
	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "BNBUSDT"} {
		gw.SetRules(models.InstrumentRules{Symbol: s, QuantityStep: 0.001, MinQty: 0.001, TickSize: 0.01, Leverage: 10, MaxLeverage: 20})
		gw.SetPrice(s, 100)
	}
	retrier := exchange.NewRetrier(models.RetryConfig{BaseDelayMs: 1, MaxDelayMs: 2, NetworkRetries: 1, CallTimeoutMs: 1000}, zap.NewNop())
	client := exchange.NewClient(gw, retrier, time.Minute, zap.NewNop())

	sm := statemanager.NewStateManager(nil, zap.NewNop())
	var st Store = sm
	if store != nil {
		st = store(sm)
	}
	return &fixture{
		rec:    New(client, st, 2, zap.NewNop()),
		gw:     gw,
		states: sm,
	}
}

func (f *fixture) setLocal(t *testing.T, symbol string, pos *models.Position) {
	t.Helper()
	_, err := f.states.Update(symbol, func(s *models.BotState) error {
		if pos != nil {
			s.OpenPosition(pos)
			s.StopLossPrice = pos.EntryPrice * 0.95
			s.StopQuantity = pos.Quantity
			s.Protection.TrailingActive = true
			s.Protection.TrailingSteps = 2
			s.Protection.BreakEvenActivated = true
			s.Protection.BreakEvenStopPrice = pos.EntryPrice + 0.5
		}
		return nil
	})
	require.NoError(t, err)
}

func localPosition(symbol string, side models.PositionSide, qty, entry float64) *models.Position {
	p := &models.Position{ID: "local-" + symbol, Symbol: symbol, Side: side, Quantity: qty, EntryPrice: entry, Leverage: 10}
	p.Margin = p.ComputeMargin()
	return p
}

func TestReconcile_Converges(t *testing.T) {
	f := newFixture(t, nil)

	// BTC: remote only. ETH: local only. SOL: both, size drifted. XRP: opposite sides. BNB: neither.
	f.setLocal(t, "BTCUSDT", nil)
	f.gw.SetPosition("BTCUSDT", models.Long, 2, 101)
	f.setLocal(t, "ETHUSDT", localPosition("ETHUSDT", models.Long, 1, 100))
	f.setLocal(t, "SOLUSDT", localPosition("SOLUSDT", models.Long, 1, 100))
	f.gw.SetPosition("SOLUSDT", models.Long, 1.5, 99)
	f.setLocal(t, "XRPUSDT", localPosition("XRPUSDT", models.Long, 1, 100))
	f.gw.SetPosition("XRPUSDT", models.Short, 3, 102)
	f.setLocal(t, "BNBUSDT", nil)

	rep := f.rec.Reconcile(context.Background())

	require.NoError(t, rep.Err)
	assert.Equal(t, 2, rep.Adopted)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 1, rep.Cleared)
	assert.Zero(t, rep.Conflicts)

	remote, err := f.gw.Positions(context.Background())
	require.NoError(t, err)
	bySymbol := make(map[string]models.RemotePosition)
	for _, p := range remote {
		bySymbol[p.Symbol] = p
	}
	for _, s := range f.states.List() {
		rp, ok := bySymbol[s.Symbol]
		if !ok {
			assert.Nil(t, s.Position, s.Symbol)
			assert.Equal(t, models.StatusIdle, s.Status, s.Symbol)
			continue
		}
		require.NotNil(t, s.Position, s.Symbol)
		assert.Equal(t, rp.Side, s.Position.Side, s.Symbol)
		assert.Equal(t, rp.Size, s.Position.Quantity, s.Symbol)
		assert.Equal(t, rp.AvgPrice, s.Position.EntryPrice, s.Symbol)
		assert.Equal(t, models.StatusFor(rp.Side), s.Status, s.Symbol)
	}

	eth, _ := f.states.Get("ETHUSDT")
	assert.Equal(t, ReasonReconciledFlat, eth.LastCloseReason)
	assert.Empty(t, eth.Protection.PositionID)

	btc, _ := f.states.Get("BTCUSDT")
	assert.Equal(t, btc.Position.ID, btc.Protection.PositionID)
	assert.Zero(t, btc.StopLossPrice, "the bot places the stop on its next tick")
	assert.Zero(t, btc.FeeQuantity, "fees of an adopted position are estimated by the bot")
	assert.InDelta(t, 20.2, btc.Position.Margin, 1e-9)

	// SOL keeps its identity and protective memory; only exchange facts move.
	sol, _ := f.states.Get("SOLUSDT")
	assert.Equal(t, "local-SOLUSDT", sol.Position.ID)
	assert.Equal(t, 2, sol.Protection.TrailingSteps)
	assert.True(t, sol.Protection.BreakEvenActivated)
	assert.Equal(t, 1.0, sol.StopQuantity, "stop size is left for the bot to refresh")
	assert.Equal(t, 1.0, sol.FeeQuantity, "grown size is charged once by the bot")

	xrp, _ := f.states.Get("XRPUSDT")
	assert.NotEqual(t, "local-XRPUSDT", xrp.Position.ID)
	assert.Equal(t, models.StatusShort, xrp.Status)
	assert.False(t, xrp.Protection.TrailingActive, "memory of the replaced position is gone")

	assert.Zero(t, f.gw.Calls("submit"))
	assert.Zero(t, f.gw.Calls("stop"))
	assert.Zero(t, f.gw.Calls("cancel"))
	assert.False(t, f.rec.LastSuccess().IsZero())

	rep = f.rec.Reconcile(context.Background())
	assert.False(t, rep.Changed(), "a converged state is stable")
}

func TestReconcile_RemoteFailureChangesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.setLocal(t, "ETHUSDT", localPosition("ETHUSDT", models.Long, 1, 100))
	f.gw.FailNext("positions", &models.Error{Code: -1022, Msg: "Signature for this request is not valid."})

	rep := f.rec.Reconcile(context.Background())

	require.Error(t, rep.Err)
	eth, _ := f.states.Get("ETHUSDT")
	assert.NotNil(t, eth.Position)
	assert.True(t, f.rec.LastSuccess().IsZero())
}

func TestReconcile_PrunesRungsMissingFromOpenOrders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var rungs []models.PendingLimitOrder
	for _, price := range []float64{99, 98} {
		res, err := f.gw.SubmitOrder(ctx, exchange.GatewayOrder{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: 0.3, Price: price})
		require.NoError(t, err)
		rungs = append(rungs, models.PendingLimitOrder{OrderID: res.OrderID, Price: price, Quantity: 0.3})
	}
	_, err := f.states.Update("BTCUSDT", func(s *models.BotState) error {
		s.PendingLimitOrders = rungs
		s.LadderSide = models.Long
		s.EntryTrend = models.TrendUp
		return nil
	})
	require.NoError(t, err)

	// First rung fills, the position appears and the rung leaves the book.
	f.gw.SetPrice("BTCUSDT", 99)
	rep := f.rec.Reconcile(ctx)

	assert.Equal(t, 1, rep.Adopted)
	assert.Equal(t, 1, rep.Pruned)
	s, _ := f.states.Get("BTCUSDT")
	require.Len(t, s.PendingLimitOrders, 1)
	assert.Equal(t, rungs[1].OrderID, s.PendingLimitOrders[0].OrderID)
	require.NotNil(t, s.Position)
	assert.InDelta(t, 0.3, s.Position.Quantity, 1e-12)
	assert.Equal(t, models.TrendUp, s.EntryTrend, "the bot's own ladder keeps its entry trend")

	// The second rung is cancelled by hand on the venue.
	f.gw.RemoveOrder(rungs[1].OrderID)
	rep = f.rec.Reconcile(ctx)

	assert.Equal(t, 1, rep.Pruned)
	s, _ = f.states.Get("BTCUSDT")
	assert.Empty(t, s.PendingLimitOrders)
	assert.Empty(t, s.LadderSide)
	assert.NotNil(t, s.Position)
	assert.Zero(t, f.gw.Calls("cancel"))
}

// racingStore simulates a bot tick landing between the snapshot and the write.
type racingStore struct {
	*statemanager.StateManager
	once sync.Once
}

func (r *racingStore) UpdateIfVersion(symbol string, version int64, fn func(*models.BotState) error) (*models.BotState, error) {
	r.once.Do(func() {
		_, _ = r.StateManager.Update(symbol, func(s *models.BotState) error {
			s.LastError = "concurrent tick"
			return nil
		})
	})
	return r.StateManager.UpdateIfVersion(symbol, version, fn)
}

func TestReconcile_SkipsSymbolOnVersionConflict(t *testing.T) {
	f := newFixture(t, func(sm *statemanager.StateManager) Store { return &racingStore{StateManager: sm} })
	f.setLocal(t, "ETHUSDT", localPosition("ETHUSDT", models.Long, 1, 100))

	rep := f.rec.Reconcile(context.Background())

	assert.Equal(t, 1, rep.Conflicts)
	assert.Zero(t, rep.Cleared)
	eth, _ := f.states.Get("ETHUSDT")
	assert.NotNil(t, eth.Position, "the write was dropped, not forced")

	rep = f.rec.Reconcile(context.Background())
	assert.Equal(t, 1, rep.Cleared)
	eth, _ = f.states.Get("ETHUSDT")
	assert.Nil(t, eth.Position)
}

type countingObserver struct {
	mu          sync.Mutex
	corrections map[string]int
	passes      []bool
}

func (o *countingObserver) ObserveCorrection(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.corrections[kind]++
}

func (o *countingObserver) ObserveReconcile(ok bool, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes = append(o.passes, ok)
}

func TestReconcile_ReportsToObserver(t *testing.T) {
	f := newFixture(t, nil)
	obs := &countingObserver{corrections: make(map[string]int)}
	f.rec.SetObserver(obs)
	f.setLocal(t, "BTCUSDT", nil)
	f.gw.SetPosition("BTCUSDT", models.Short, 1, 100)

	f.rec.Reconcile(context.Background())
	f.gw.FailNext("positions", &models.Error{Code: -1022, Msg: "Signature for this request is not valid."})
	f.rec.Reconcile(context.Background())

	assert.Equal(t, 1, obs.corrections[Adopted])
	assert.Equal(t, []bool{true, false}, obs.passes)
}

func TestRun_StopsWithContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return f.gw.Calls("positions") >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
