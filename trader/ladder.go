package trader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ladderbot/kernel"
	"ladderbot/logger"
	"ladderbot/quant"
	"ladderbot/store"
	"ladderbot/trader/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// LadderConfig engine-wide ladder settings
type LadderConfig struct {
	Tolerance decimal.Decimal // zone widening, fraction of a step
	PriceBand decimal.Decimal // rungs must stay within market*(1±band)
	MaxLevels int             // walk guard per side
	Currency  string          // account balance currency checked at warmup
	Location  *time.Location  // trading day boundary for the reference price
	Now       func() time.Time
}

// SetDefaults fills zero values
func (c *LadderConfig) SetDefaults() {
	if c.Tolerance.IsZero() {
		c.Tolerance = kernel.DefaultTolerance
	}
	if c.PriceBand.IsZero() {
		c.PriceBand = decimal.RequireFromString("0.2")
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = 100
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// TickResult outcome of one strategy tick
type TickResult struct {
	StrategyID  int64
	Ticker      string
	Reset       bool
	WarmedUp    bool
	Orders      []*types.PlacedOrder
	Sync        *SyncResult
	Reference   quant.Price
	FreeCapital quant.Price
}

// LadderTrader runs the replenishment loop for one strategy at a time.
// Callers must hold the (strategy, ticker) lock for the duration of Tick.
type LadderTrader struct {
	store   *store.Store
	gateway types.Gateway
	syncer  *OrderSyncer
	cfg     LadderConfig
}

// NewLadderTrader creates the engine
func NewLadderTrader(st *store.Store, gateway types.Gateway, cfg LadderConfig) *LadderTrader {
	cfg.SetDefaults()
	return &LadderTrader{
		store:   st,
		gateway: gateway,
		syncer:  NewOrderSyncer(st, gateway),
		cfg:     cfg,
	}
}

// Syncer the reconciler used by ticks
func (t *LadderTrader) Syncer() *OrderSyncer {
	return t.syncer
}

// Tick reset -> warmup -> reconcile -> buy side -> sell side -> persist
func (t *LadderTrader) Tick(ctx context.Context, strategyID int64, ticker string) (*TickResult, error) {
	result, err := t.tick(ctx, strategyID, ticker)
	if err != nil {
		ticksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	ticksTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func (t *LadderTrader) tick(ctx context.Context, strategyID int64, ticker string) (*TickResult, error) {
	st, err := t.store.Strategy().Get(ctx, strategyID, ticker)
	if err != nil {
		return nil, err
	}
	log := logger.WithFields(logrus.Fields{"strategy": strategyID, "ticker": ticker})

	instrument, err := t.gateway.Instrument(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("resolve instrument %s: %w", ticker, err)
	}
	if err := instrument.ValidateLots(st.StepAmount); err != nil {
		return nil, err
	}

	result := &TickResult{StrategyID: strategyID, Ticker: ticker}

	if st.NeedReset {
		if err := t.Reset(ctx, st, instrument); err != nil {
			return nil, err
		}
		st.NeedReset = false
		if err := t.store.Strategy().SaveRuntime(ctx, st); err != nil {
			return nil, err
		}
		result.Reset = true
		log.Info("🔄 [Ladder] reset done")
	}

	recorder := &strategyRecorder{store: t.store, strategy: st, ticker: ticker}
	placed, err := RunTransaction(ctx, t.gateway, instrument, recorder, func(tx *Transaction) error {
		if !st.WarmedUp {
			if err := t.warmup(ctx, tx, st, instrument); err != nil {
				return fmt.Errorf("warmup: %w", err)
			}
			st.WarmedUp = true
			if err := t.store.Strategy().SaveRuntime(ctx, st); err != nil {
				return err
			}
			result.WarmedUp = true
			log.Infof("🔥 [Ladder] warmed up, free capital %s", st.FreeCapital)
		}

		syncResult, err := t.syncer.Sync(ctx, st.StrategyID, instrument.ID)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		result.Sync = syncResult

		// 对账可能已回补资金，重新读取
		fresh, err := t.store.Strategy().Get(ctx, strategyID, ticker)
		if err != nil {
			return err
		}
		st.FreeCapital = fresh.FreeCapital

		market, err := t.gateway.LastPrice(ctx, instrument.ID)
		if err != nil {
			return fmt.Errorf("last price: %w", err)
		}
		reference, err := t.referencePrice(ctx, st, instrument, market)
		if err != nil {
			return err
		}
		result.Reference = reference

		geometry, err := kernel.NewGeometryPercent(reference, st.StepTrigger, t.cfg.Tolerance)
		if err != nil {
			return err
		}

		open, err := t.store.Order().OpenOrders(ctx, st.StrategyID, instrument.ID)
		if err != nil {
			return err
		}
		ladder := newRungBook(open)

		lower := market.Mul(decimal.NewFromInt(1).Sub(t.cfg.PriceBand))
		upper := market.Mul(decimal.NewFromInt(1).Add(t.cfg.PriceBand))
		log.Debugf("[Ladder] reference %s, market %s, band [%s, %s], step %s", reference, market, lower, upper, geometry.Step)

		if err := t.fillBuySide(ctx, tx, st, instrument, geometry, ladder, lower, upper, log); err != nil {
			return err
		}
		return t.fillSellSide(ctx, tx, st, instrument, geometry, ladder, lower, upper, log)
	})
	if err != nil {
		return nil, err
	}
	result.Orders = placed

	if err := t.store.Strategy().SaveRuntime(ctx, st); err != nil {
		return nil, err
	}
	result.FreeCapital = st.FreeCapital
	freeCapitalGauge.WithLabelValues(strconv.FormatInt(strategyID, 10), ticker).Set(st.FreeCapital.Float64())
	log.Infof("✅ [Ladder] tick done: %d new orders, free capital %s", len(placed), st.FreeCapital)
	return result, nil
}

// Reset cancels every resting broker order this strategy owns on the instrument.
// Ownership comes from the ledger: only orders recorded for this strategy are cancelled.
// Broker orders on the same instrument that the ledger does not know (another strategy's
// or manual ones) stay untouched and surface as orphans in reconciliation.
// Ledger statuses are settled by the following reconciliation.
func (t *LadderTrader) Reset(ctx context.Context, st *store.Strategy, instrument *types.Instrument) error {
	open, err := t.store.Order().OpenOrders(ctx, st.StrategyID, instrument.ID)
	if err != nil {
		return err
	}
	owned := make(map[string]bool, len(open))
	for _, o := range open {
		owned[o.OrderID] = true
	}

	active, err := t.gateway.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}
	for _, a := range active {
		if a.InstrumentID != instrument.ID || !owned[a.OrderID] {
			continue
		}
		if err := t.gateway.CancelOrder(ctx, types.OrderRef{InstrumentID: a.InstrumentID, OrderID: a.OrderID}); err != nil {
			return fmt.Errorf("reset: cancel %s: %w", a.OrderID, err)
		}
		logger.Infof("  🗑 cancelled %s (%s)", a.OrderID, st.Ticker)
	}
	return nil
}

// CancelLadder cancels the strategy's resting orders and reconciles them.
// Returns how many ledger orders are still open afterwards.
func (t *LadderTrader) CancelLadder(ctx context.Context, strategyID int64, ticker string) (int, error) {
	st, err := t.store.Strategy().Get(ctx, strategyID, ticker)
	if err != nil {
		return 0, err
	}
	instrument, err := t.gateway.Instrument(ctx, ticker)
	if err != nil {
		return 0, fmt.Errorf("resolve instrument %s: %w", ticker, err)
	}
	if err := t.Reset(ctx, st, instrument); err != nil {
		return 0, err
	}
	if _, err := t.syncer.Sync(ctx, strategyID, instrument.ID); err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}
	open, err := t.store.Order().OpenOrders(ctx, strategyID, instrument.ID)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

// warmup buys half of max capital at market (minus what is already held) and
// sets free capital to what remains
func (t *LadderTrader) warmup(ctx context.Context, tx *Transaction, st *store.Strategy, instrument *types.Instrument) error {
	balance, err := t.gateway.Balance(ctx, t.cfg.Currency)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	if balance.Less(st.MaxCapital) {
		return fmt.Errorf("%w: not enough balance %s < max capital %s", types.ErrValidation, balance, st.MaxCapital)
	}

	held, err := t.gateway.PositionLots(ctx, instrument.ID)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	last, err := t.gateway.LastPrice(ctx, instrument.ID)
	if err != nil {
		return fmt.Errorf("last price: %w", err)
	}

	plan, err := PlanWarmup(st.MaxCapital, last, held, instrument.Lot)
	if err != nil {
		return err
	}
	if plan.BuyLots > 0 {
		if _, err := tx.MarketBuy(ctx, plan.BuyLots); err != nil {
			return err
		}
		logger.Infof("  🛒 [%s] warmup market buy %d lots @~%s", st.Ticker, plan.BuyLots, last)
	}
	st.FreeCapital = plan.FreeCapital
	return nil
}

// WarmupPlan initial position sizing
type WarmupPlan struct {
	TargetLots  int64
	BuyLots     int64
	FreeCapital quant.Price
}

// PlanWarmup target = floor(max/2/last); buy the shortfall rounded down to the lot size;
// free capital = max(0, max - last*(held+bought))
func PlanWarmup(maxCapital, last quant.Price, held, lot int64) (*WarmupPlan, error) {
	if !last.IsPositive() {
		return nil, fmt.Errorf("%w: last price must be positive", types.ErrValidation)
	}
	target := maxCapital.Decimal().Div(decimal.NewFromInt(2)).Div(last.Decimal()).Floor().IntPart()
	if target <= 0 {
		return nil, fmt.Errorf("%w: not enough capital to buy a single lot at %s", types.ErrValidation, last)
	}

	buy := target - held
	if buy < 0 {
		buy = 0
	}
	if lot > 1 {
		buy -= buy % lot
	}

	free := maxCapital.Sub(last.MulInt(held + buy))
	if free.IsNegative() {
		free = quant.Zero
	}
	return &WarmupPlan{TargetLots: target, BuyLots: buy, FreeCapital: free}, nil
}

// referencePrice average price of today's latest limit fill, else the market price
func (t *LadderTrader) referencePrice(ctx context.Context, st *store.Strategy, instrument *types.Instrument, market quant.Price) (quant.Price, error) {
	now := t.cfg.Now().In(t.cfg.Location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.cfg.Location)

	last, err := t.store.Order().LatestFilledLimit(ctx, st.StrategyID, instrument.ID, dayStart)
	if err != nil {
		return quant.Zero, err
	}
	if last == nil {
		return market, nil
	}

	state, err := t.gateway.OrderStatus(ctx, last.Ref())
	if errors.Is(err, types.ErrOrderNotFound) {
		return last.Price, nil
	}
	if err != nil {
		return quant.Zero, fmt.Errorf("order status %s: %w", last.OrderID, err)
	}
	if state.AveragePrice.IsPositive() {
		return state.AveragePrice, nil
	}
	return last.Price, nil
}

func (t *LadderTrader) fillBuySide(ctx context.Context, tx *Transaction, st *store.Strategy, instrument *types.Instrument,
	geometry *kernel.Geometry, ladder *rungBook, lower, upper quant.Price, log *logrus.Entry) error {
	for level := -1; level >= -t.cfg.MaxLevels && st.FreeCapital.IsPositive(); level-- {
		zone := geometry.Zone(level)
		if ladder.occupied(zone) {
			continue
		}
		price := zone.Mid().RoundToIncrement(instrument.MinPriceIncrement)
		if !price.IsPositive() || price.Less(lower) {
			log.Debugf("[Ladder] buy side stops at %s: below band", zone)
			break
		}
		if price.Greater(upper) {
			log.Debugf("[Ladder] buy side stops at %s: above band", zone)
			break
		}
		if price.MulInt(st.StepAmount).Greater(st.FreeCapital) {
			log.Debugf("[Ladder] buy side stops at %s: free capital %s", zone, st.FreeCapital)
			break
		}
		if _, err := tx.LimitBuy(ctx, st.StepAmount, price); err != nil {
			return err
		}
		ladder.add(price)
		log.Infof("  📥 limit buy %d @ %s (%s)", st.StepAmount, price, zone)
	}
	return nil
}

func (t *LadderTrader) fillSellSide(ctx context.Context, tx *Transaction, st *store.Strategy, instrument *types.Instrument,
	geometry *kernel.Geometry, ladder *rungBook, lower, upper quant.Price, log *logrus.Entry) error {
	free, err := t.gateway.PositionLots(ctx, instrument.ID)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}

	for level := 1; level <= t.cfg.MaxLevels && free >= st.StepAmount; level++ {
		zone := geometry.Zone(level)
		if ladder.occupied(zone) {
			continue
		}
		price := zone.Mid().RoundToIncrement(instrument.MinPriceIncrement)
		if price.Less(lower) || price.Greater(upper) {
			log.Debugf("[Ladder] sell side stops at %s: outside band", zone)
			break
		}
		if _, err := tx.LimitSell(ctx, st.StepAmount, price); err != nil {
			return err
		}
		ladder.add(price)
		free -= st.StepAmount
		log.Infof("  📤 limit sell %d @ %s (%s)", st.StepAmount, price, zone)
	}
	return nil
}

// rungBook prices of resting orders, used for zone occupancy during one tick
type rungBook struct {
	prices []quant.Price
}

func newRungBook(open []*store.Order) *rungBook {
	b := &rungBook{prices: make([]quant.Price, 0, len(open))}
	for _, o := range open {
		if o.Kind == types.OrderKindLimit {
			b.prices = append(b.prices, o.Price)
		}
	}
	return b
}

func (b *rungBook) add(p quant.Price) {
	b.prices = append(b.prices, p)
}

func (b *rungBook) occupied(z kernel.Zone) bool {
	for _, p := range b.prices {
		if z.Occupies(p) {
			return true
		}
	}
	return false
}

// strategyRecorder records placements in the ledger and debits the reservation atomically
type strategyRecorder struct {
	store    *store.Store
	strategy *store.Strategy
	ticker   string
}

func (r *strategyRecorder) RecordPlacement(ctx context.Context, placed *types.PlacedOrder, capitalDelta quant.Price) error {
	var free quant.Price
	err := r.store.Transaction(ctx, func(tx *store.Store) error {
		err := tx.Order().Add(ctx, &store.Order{
			OrderID:      placed.OrderID,
			StrategyID:   r.strategy.StrategyID,
			Ticker:       r.ticker,
			InstrumentID: placed.InstrumentID,
			Lots:         placed.Lots,
			Price:        placed.Price,
			Direction:    placed.Direction,
			Kind:         placed.Kind,
			Status:       store.OrderStatusCreated,
			AccountID:    placed.AccountID,
		})
		if err != nil || capitalDelta.IsZero() {
			return err
		}
		free, err = tx.Strategy().AdjustFreeCapital(ctx, r.strategy.StrategyID, r.ticker, capitalDelta)
		return err
	})
	if err != nil {
		return err
	}
	if !capitalDelta.IsZero() {
		r.strategy.FreeCapital = free
	}
	return nil
}

// Summary human readable tick report for notifications, empty when nothing was placed
func (r *TickResult) Summary() string {
	if len(r.Orders) == 0 {
		return ""
	}
	var marketBuys, marketSells int
	var limitBuys, limitSells []*types.PlacedOrder
	for _, o := range r.Orders {
		switch {
		case o.Kind == types.OrderKindMarket && o.Direction == types.DirectionBuy:
			marketBuys++
		case o.Kind == types.OrderKindMarket:
			marketSells++
		case o.Direction == types.DirectionBuy:
			limitBuys = append(limitBuys, o)
		default:
			limitSells = append(limitSells, o)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Strategy %d for %s:\n", r.StrategyID, r.Ticker)
	if marketBuys > 0 {
		fmt.Fprintf(&b, "Market buys: %d\n", marketBuys)
	}
	if marketSells > 0 {
		fmt.Fprintf(&b, "Market sells: %d\n", marketSells)
	}
	if len(limitBuys) > 0 {
		b.WriteString("\nLimit buys:\n")
		for _, o := range limitBuys {
			fmt.Fprintf(&b, "Price: %s (%d lots)\n", o.Price.Decimal().String(), o.Lots)
		}
	}
	if len(limitSells) > 0 {
		b.WriteString("\nLimit sells:\n")
		for _, o := range limitSells {
			fmt.Fprintf(&b, "Price: %s (%d lots)\n", o.Price.Decimal().String(), o.Lots)
		}
	}
	fmt.Fprintf(&b, "\nFree capital: %s", r.FreeCapital.Decimal().StringFixed(2))
	return b.String()
}
