package trader

import (
	"context"
	"testing"
	"time"

	"ladderbot/quant"
	"ladderbot/store"
	"ladderbot/trader/paper"
	"ladderbot/trader/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type LadderTestSuite struct {
	suite.Suite
	ctx    context.Context
	store  *store.Store
	broker *paper.Broker
	trader *LadderTrader
	figi   string
}

func TestLadderSuite(t *testing.T) {
	suite.Run(t, new(LadderTestSuite))
}

func (s *LadderTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newTestStore(s.T())
	s.broker = newTestBroker(20000, 100)
	s.figi = "FIGI-" + testTicker
	s.trader = NewLadderTrader(s.store, s.broker, LadderConfig{Currency: "rub"})
}

func (s *LadderTestSuite) tick() *TickResult {
	res, err := s.trader.Tick(s.ctx, 1, testTicker)
	s.Require().NoError(err)
	return res
}

func (s *LadderTestSuite) strategy() *store.Strategy {
	st, err := s.store.Strategy().Get(s.ctx, 1, testTicker)
	s.Require().NoError(err)
	return st
}

// limitPrices resting limit prices by direction, ordered as placed
func limitPrices(orders []*types.PlacedOrder, dir types.Direction) []string {
	var out []string
	for _, o := range orders {
		if o.Kind == types.OrderKindLimit && o.Direction == dir {
			out = append(out, o.Price.Decimal().String())
		}
	}
	return out
}

func (s *LadderTestSuite) TestFirstTickWarmsUpAndBuildsLadder() {
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)

	res := s.tick()
	s.True(res.Reset)
	s.True(res.WarmedUp)
	s.Equal(quant.FromInt(100), res.Reference)

	// half of max capital bought at market
	s.Equal(int64(50), s.broker.Position(s.figi))
	s.Equal([]string{"99", "98", "97", "96", "95"}, limitPrices(res.Orders, types.DirectionBuy))
	s.Equal([]string{"101", "102", "103", "104", "105"}, limitPrices(res.Orders, types.DirectionSell))
	s.Len(res.Orders, 11)

	// 5000 - (990+980+970+960+950)
	st := s.strategy()
	s.Equal(quant.FromInt(150), st.FreeCapital)
	s.True(st.WarmedUp)
	s.False(st.NeedReset)
	s.Equal(st.FreeCapital, res.FreeCapital)

	summary := res.Summary()
	s.Contains(summary, "Market buys: 1")
	s.Contains(summary, "Price: 99 (10 lots)")
	s.Contains(summary, "Free capital: 150.00")
}

func (s *LadderTestSuite) TestTickIsIdempotent() {
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)
	s.tick()

	res := s.tick()
	s.False(res.Reset)
	s.False(res.WarmedUp)
	s.Empty(res.Orders)
	s.Empty(res.Summary())
	s.Equal(quant.FromInt(150), s.strategy().FreeCapital)

	active, err := s.broker.ActiveOrders(s.ctx)
	s.Require().NoError(err)
	s.Len(active, 10)
}

func (s *LadderTestSuite) TestFilledBuyRecentresLadder() {
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)
	s.tick()

	s.broker.SetPrice(s.figi, quant.FromInt(99))
	res := s.tick()

	s.Require().NotNil(res.Sync)
	s.Len(res.Sync.Transitions, 1)
	s.Equal(quant.FromInt(99), res.Reference)
	// existing rungs still occupy their zones; the bought lots go up one step above the fill
	s.Empty(limitPrices(res.Orders, types.DirectionBuy))
	s.Equal([]string{"99.99"}, limitPrices(res.Orders, types.DirectionSell))
}

func (s *LadderTestSuite) TestFilledSellCreditsCapitalAndRebuys() {
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)
	s.tick()

	s.broker.SetPrice(s.figi, quant.FromInt(101))
	res := s.tick()

	s.Require().NotNil(res.Sync)
	s.Equal(quant.FromInt(1010), res.Sync.Credited())
	s.Equal(quant.FromInt(101), res.Reference)
	// 150 + 1010 is enough for the rung right below the fill
	s.Equal([]string{"99.99"}, limitPrices(res.Orders, types.DirectionBuy))
	s.Equal(quant.MustParse("160.1"), s.strategy().FreeCapital)
}

func (s *LadderTestSuite) TestNeedResetRebuildsLadder() {
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)
	first := s.tick()

	// an order the strategy does not own survives the reset
	foreign, err := s.broker.PlaceLimitOrder(s.ctx, types.LimitOrderRequest{
		InstrumentID: s.figi, Direction: types.DirectionBuy, Lots: 1, Price: quant.FromInt(50),
	})
	s.Require().NoError(err)

	s.Require().NoError(s.store.Strategy().SetNeedReset(s.ctx, 1, testTicker, true))
	res := s.tick()
	s.True(res.Reset)
	s.Len(res.Orders, 10)
	s.Equal(quant.FromInt(4850), res.Sync.Credited())
	s.Equal(quant.FromInt(150), s.strategy().FreeCapital)
	s.Equal(1, res.Sync.Anomalies)

	for _, o := range first.Orders {
		if o.Kind != types.OrderKindLimit {
			continue
		}
		got, err := s.store.Order().Get(s.ctx, o.OrderID)
		s.Require().NoError(err)
		s.Equal(store.OrderStatusCancelled, got.Status)
	}
	state, err := s.broker.OrderStatus(s.ctx, types.OrderRef{InstrumentID: s.figi, OrderID: foreign.OrderID})
	s.Require().NoError(err)
	s.Equal(types.ExecutionNew, state.Status)
}

func (s *LadderTestSuite) TestPriceBandLimitsLadder() {
	s.broker = newTestBroker(200000, 100)
	s.trader = NewLadderTrader(s.store, s.broker, LadderConfig{Currency: "rub"})
	createStrategy(s.T(), s.store, 1, 100000, "5", 1)

	res := s.tick()
	s.Equal([]string{"95", "90", "85", "80"}, limitPrices(res.Orders, types.DirectionBuy))
	s.Equal([]string{"105", "110", "115", "120"}, limitPrices(res.Orders, types.DirectionSell))
}

func (s *LadderTestSuite) TestWarmupNeedsBalance() {
	s.broker = newTestBroker(5000, 100)
	s.trader = NewLadderTrader(s.store, s.broker, LadderConfig{Currency: "rub"})
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)

	_, err := s.trader.Tick(s.ctx, 1, testTicker)
	s.ErrorIs(err, types.ErrValidation)
	s.False(s.strategy().WarmedUp)
	s.Equal(int64(0), s.broker.Position(s.figi))
}

func (s *LadderTestSuite) TestWarmupCountsExistingPosition() {
	s.broker.AddInstrument(paper.InstrumentConfig{
		Ticker: testTicker, ID: s.figi, Lot: 1, Increment: quant.MustParse("0.01"), Price: quant.FromInt(100), Position: 30,
	})
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)

	res := s.tick()
	s.Equal(int64(50), s.broker.Position(s.figi))
	s.Equal(types.OrderKindMarket, res.Orders[0].Kind)
	s.Equal(int64(20), res.Orders[0].Lots)
	// free capital starts from max - last*(held+bought) = 5000
	s.Equal(quant.FromInt(150), res.FreeCapital)
}

func (s *LadderTestSuite) TestFailedPlacementRollsBackTick() {
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)
	s.broker.PlaceHook = func(n int) error {
		if n == 4 {
			return types.NewPermanentError("place_order", 0, assert.AnError)
		}
		return nil
	}

	_, err := s.trader.Tick(s.ctx, 1, testTicker)
	s.Require().Error(err)

	active, err := s.broker.ActiveOrders(s.ctx)
	s.Require().NoError(err)
	s.Empty(active)

	// reservations of the cancelled orders come back on the next tick
	s.broker.PlaceHook = nil
	res := s.tick()
	s.Equal(quant.FromInt(150), res.FreeCapital)
	s.Len(res.Orders, 10)
}

func (s *LadderTestSuite) TestMissingStrategy() {
	_, err := s.trader.Tick(s.ctx, 42, testTicker)
	s.ErrorIs(err, store.ErrStrategyNotFound)
}

func (s *LadderTestSuite) TestReferenceUsesOnlyTodaysFills() {
	createStrategy(s.T(), s.store, 1, 10000, "1", 10)
	s.tick()
	s.broker.SetPrice(s.figi, quant.FromInt(99))
	s.broker.SetPrice(s.figi, quant.MustParse("99.5"))

	tomorrow := time.Now().Add(48 * time.Hour)
	s.trader = NewLadderTrader(s.store, s.broker, LadderConfig{Currency: "rub", Now: func() time.Time { return tomorrow }})
	res := s.tick()
	// the fill at 99 belongs to an earlier trading day
	s.Equal(quant.MustParse("99.5"), res.Reference)
}

func TestPlanWarmup(t *testing.T) {
	plan, err := PlanWarmup(quant.FromInt(10000), quant.FromInt(100), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), plan.TargetLots)
	assert.Equal(t, int64(50), plan.BuyLots)
	assert.Equal(t, quant.FromInt(5000), plan.FreeCapital)

	plan, err = PlanWarmup(quant.FromInt(10000), quant.FromInt(100), 60, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), plan.BuyLots)
	assert.Equal(t, quant.FromInt(4000), plan.FreeCapital)

	plan, err = PlanWarmup(quant.FromInt(10000), quant.FromInt(100), 0, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(40), plan.BuyLots)
	assert.Equal(t, quant.FromInt(6000), plan.FreeCapital)

	plan, err = PlanWarmup(quant.FromInt(10000), quant.FromInt(20000), 1, 1)
	require.Error(t, err)
	assert.Nil(t, plan)

	_, err = PlanWarmup(quant.FromInt(10000), quant.Zero, 0, 1)
	assert.ErrorIs(t, err, types.ErrValidation)

	plan, err = PlanWarmup(quant.FromInt(1000), quant.MustParse("333.33"), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), plan.BuyLots)
	assert.True(t, plan.FreeCapital.Equal(quant.MustParse("666.67")))
}
