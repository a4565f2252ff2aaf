package reconciler

import (
	"binance-momentum-bot-go/internal/exchange"
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/statemanager"
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sizeEpsilon  = 1e-9
	priceEpsilon = 1e-9

	// ReasonReconciledFlat is the close reason of a position the exchange no longer has.
	ReasonReconciledFlat = "reconciled_flat"
)

// Correction kinds reported to the observer.
const (
	Adopted  = "adopted"
	Updated  = "updated"
	Cleared  = "cleared"
	Pruned   = "pruned"
	Conflict = "conflict"
)

// Store is the part of the state manager the reconciler uses.
type Store interface {
	List() []*models.BotState
	UpdateIfVersion(symbol string, version int64, fn func(*models.BotState) error) (*models.BotState, error)
}

// Observer receives reconciliation outcomes, e.g. for metrics.
type Observer interface {
	ObserveCorrection(kind string)
	ObserveReconcile(ok bool, at time.Time)
}

// Report summarizes one pass.
type Report struct {
	Adopted   int
	Updated   int
	Cleared   int
	Pruned    int
	Conflicts int
	Err       error
}

// Changed reports whether the pass corrected anything.
func (r Report) Changed() bool {
	return r.Adopted+r.Updated+r.Cleared+r.Pruned > 0
}

// Reconciler aligns local BotStates with the exchange. It only ever reads from
// the exchange; it never places or cancels orders and never touches protective
// memory of a position it keeps.
type Reconciler struct {
	ex          exchange.Exchange
	states      Store
	logger      *zap.Logger
	observer    Observer
	concurrency int

	lastSuccess atomic.Int64
	now         func() time.Time
}

// New creates a reconciler. concurrency bounds parallel open-order fetches.
func New(ex exchange.Exchange, states Store, concurrency int, logger *zap.Logger) *Reconciler {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Reconciler{
		ex:          ex,
		states:      states,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// SetObserver attaches a metrics observer.
func (r *Reconciler) SetObserver(o Observer) {
	r.observer = o
}

// LastSuccess returns the end time of the last pass that reached the exchange.
func (r *Reconciler) LastSuccess() time.Time {
	ns := r.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Reconcile(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile runs one pass. Local states are snapshotted before the exchange is
// asked, and every correction is written with a version check against that
// snapshot, so a symbol whose bot moved in the meantime is left for the next pass.
func (r *Reconciler) Reconcile(ctx context.Context) Report {
	var rep Report
	local := r.states.List()

	remote, err := r.ex.GetPositions(ctx)
	if err != nil {
		r.logger.Warn("Reconciliation skipped, cannot fetch remote positions", zap.Error(err))
		rep.Err = err
		r.observe(false)
		return rep
	}
	bySymbol := make(map[string]models.RemotePosition, len(remote))
	for _, p := range remote {
		bySymbol[p.Symbol] = p
	}

	known := make(map[string]bool, len(local))
	for _, s := range local {
		known[s.Symbol] = true
		var rp *models.RemotePosition
		if p, ok := bySymbol[s.Symbol]; ok && p.Size > sizeEpsilon {
			rp = &p
		}
		r.alignPosition(s, rp, &rep)
	}
	for sym, p := range bySymbol {
		if !known[sym] {
			r.logger.Debug("Remote position on a symbol without a bot",
				zap.String("symbol", sym), zap.String("side", string(p.Side)), zap.Float64("size", p.Size))
		}
	}

	r.pruneRungs(ctx, &rep)

	if rep.Changed() || rep.Conflicts > 0 {
		r.logger.Info("Reconciliation pass done",
			zap.Int("adopted", rep.Adopted),
			zap.Int("updated", rep.Updated),
			zap.Int("cleared", rep.Cleared),
			zap.Int("pruned", rep.Pruned),
			zap.Int("conflicts", rep.Conflicts))
	}
	r.observe(true)
	return rep
}

// alignPosition adopts, updates or clears the position of one snapshot.
func (r *Reconciler) alignPosition(s *models.BotState, rp *models.RemotePosition, rep *Report) {
	log := r.logger.With(zap.String("symbol", s.Symbol))
	local := s.Position

	var kind string
	var fn func(*models.BotState) error
	switch {
	case local == nil && rp == nil:
		return

	case local != nil && rp == nil:
		kind = Cleared
		fn = func(st *models.BotState) error {
			st.ClearPosition(ReasonReconciledFlat)
			st.RiskStopLoss = nil
			return nil
		}

	case local == nil || local.Side != rp.Side:
		kind = Adopted
		fn = func(st *models.BotState) error {
			r.adopt(st, *rp)
			return nil
		}

	case math.Abs(local.Quantity-rp.Size) > sizeEpsilon ||
		math.Abs(local.EntryPrice-rp.AvgPrice) > priceEpsilon ||
		(rp.Leverage > 0 && local.Leverage != rp.Leverage):
		kind = Updated
		fn = func(st *models.BotState) error {
			p := st.Position
			p.Quantity = rp.Size
			p.EntryPrice = rp.AvgPrice
			if rp.Leverage > 0 {
				p.Leverage = rp.Leverage
			}
			p.Margin = p.ComputeMargin()
			return nil
		}

	default:
		return
	}

	_, err := r.states.UpdateIfVersion(s.Symbol, s.Version, fn)
	if err != nil {
		if errors.Is(err, statemanager.ErrVersionConflict) {
			log.Debug("State moved during reconciliation, retrying next pass")
			rep.Conflicts++
			r.correction(Conflict)
			return
		}
		log.Error("Failed to apply reconciliation", zap.String("kind", kind), zap.Error(err))
		return
	}

	switch kind {
	case Adopted:
		rep.Adopted++
		log.Warn("Adopted remote position",
			zap.String("side", string(rp.Side)), zap.Float64("size", rp.Size), zap.Float64("entry", rp.AvgPrice))
	case Updated:
		rep.Updated++
		log.Info("Position synced with exchange",
			zap.Float64("qty_from", local.Quantity), zap.Float64("qty_to", rp.Size),
			zap.Float64("entry_from", local.EntryPrice), zap.Float64("entry_to", rp.AvgPrice))
	case Cleared:
		rep.Cleared++
		log.Warn("Local position has nothing behind it on the exchange, cleared",
			zap.String("side", string(local.Side)), zap.Float64("qty", local.Quantity))
	}
	r.correction(kind)
}

// adopt replaces the local position with the remote one under a fresh id, so
// protective memory of whatever was there before no longer applies.
func (r *Reconciler) adopt(st *models.BotState, rp models.RemotePosition) {
	pos := &models.Position{
		ID:         models.NewID("p"),
		Symbol:     st.Symbol,
		Side:       rp.Side,
		Quantity:   rp.Size,
		EntryPrice: rp.AvgPrice,
		Leverage:   rp.Leverage,
		OpenedAt:   r.now(),
	}
	if pos.Leverage <= 0 {
		pos.Leverage = 1
	}
	pos.Margin = pos.ComputeMargin()
	st.OpenPosition(pos)
	st.StopQuantity = 0
	// No fee is known for an adopted position; the bot estimates it on its next tick.
	st.FeeQuantity = 0
	if st.LadderSide != rp.Side {
		// Not the bot's own ladder filling: nothing is known about the entry.
		st.EntryTrend = ""
		st.EntryAligned = false
		st.RiskStopLoss = nil
	}
}

// pruneRungs drops locally tracked rungs that are no longer open on the exchange.
func (r *Reconciler) pruneRungs(ctx context.Context, rep *Report) {
	var ladders []*models.BotState
	for _, s := range r.states.List() {
		if s.LadderActive() {
			ladders = append(ladders, s)
		}
	}
	if len(ladders) == 0 {
		return
	}

	open := make([]map[string]bool, len(ladders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, s := range ladders {
		i, s := i, s
		g.Go(func() error {
			orders, err := r.ex.GetOpenOrders(gctx, s.Symbol)
			if err != nil {
				r.logger.Warn("Cannot list open orders, rungs kept",
					zap.String("symbol", s.Symbol), zap.Error(err))
				return nil
			}
			ids := make(map[string]bool, len(orders))
			for _, o := range orders {
				ids[o.OrderID] = true
			}
			open[i] = ids
			return nil
		})
	}
	_ = g.Wait()

	for i, s := range ladders {
		ids := open[i]
		if ids == nil {
			continue
		}
		var gone int
		for _, o := range s.PendingLimitOrders {
			if !ids[o.OrderID] {
				gone++
			}
		}
		if gone == 0 {
			continue
		}

		_, err := r.states.UpdateIfVersion(s.Symbol, s.Version, func(st *models.BotState) error {
			kept := st.PendingLimitOrders[:0]
			for _, o := range st.PendingLimitOrders {
				if ids[o.OrderID] {
					kept = append(kept, o)
				}
			}
			st.PendingLimitOrders = kept
			if len(kept) == 0 {
				st.ClearLadder()
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, statemanager.ErrVersionConflict) {
				rep.Conflicts++
				r.correction(Conflict)
				continue
			}
			r.logger.Error("Failed to prune ladder rungs", zap.String("symbol", s.Symbol), zap.Error(err))
			continue
		}
		rep.Pruned += gone
		r.correction(Pruned)
		r.logger.Info("Ladder rungs no longer open on the exchange removed",
			zap.String("symbol", s.Symbol), zap.Int("removed", gone))
	}
}

func (r *Reconciler) correction(kind string) {
	if r.observer != nil {
		r.observer.ObserveCorrection(kind)
	}
}

func (r *Reconciler) observe(ok bool) {
	at := r.now()
	if ok {
		r.lastSuccess.Store(at.UnixNano())
	}
	if r.observer != nil {
		r.observer.ObserveReconcile(ok, at)
	}
}
