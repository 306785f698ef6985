package trader

import (
	"context"
	"testing"

	"ladderbot/quant"
	"ladderbot/store"
	"ladderbot/trader/paper"
	"ladderbot/trader/types"

	"github.com/stretchr/testify/suite"
)

type OrderSyncTestSuite struct {
	suite.Suite
	ctx        context.Context
	store      *store.Store
	broker     *paper.Broker
	instrument *types.Instrument
	strategy   *store.Strategy
	syncer     *OrderSyncer
}

func TestOrderSyncSuite(t *testing.T) {
	suite.Run(t, new(OrderSyncTestSuite))
}

func (s *OrderSyncTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newTestStore(s.T())
	s.broker = newTestBroker(100000, 100)
	s.broker.AddInstrument(paper.InstrumentConfig{
		Ticker:    testTicker,
		ID:        "FIGI-" + testTicker,
		Lot:       1,
		Increment: quant.MustParse("0.01"),
		Price:     quant.FromInt(100),
		Position:  100,
	})

	var err error
	s.instrument, err = s.broker.Instrument(s.ctx, testTicker)
	s.Require().NoError(err)
	s.strategy = createStrategy(s.T(), s.store, 1, 10000, "1", 10)
	s.syncer = NewOrderSyncer(s.store, s.broker)
}

// place runs one recorded placement the way a tick does
func (s *OrderSyncTestSuite) place(dir types.Direction, lots int64, price quant.Price) *types.PlacedOrder {
	recorder := &strategyRecorder{store: s.store, strategy: s.strategy, ticker: testTicker}
	placed, err := RunTransaction(s.ctx, s.broker, s.instrument, recorder, func(tx *Transaction) error {
		if dir == types.DirectionBuy {
			_, err := tx.LimitBuy(s.ctx, lots, price)
			return err
		}
		_, err := tx.LimitSell(s.ctx, lots, price)
		return err
	})
	s.Require().NoError(err)
	s.Require().Len(placed, 1)
	return placed[0]
}

func (s *OrderSyncTestSuite) freeCapital() quant.Price {
	st, err := s.store.Strategy().Get(s.ctx, 1, testTicker)
	s.Require().NoError(err)
	return st.FreeCapital
}

func (s *OrderSyncTestSuite) ledgerStatus(orderID string) store.OrderStatus {
	o, err := s.store.Order().Get(s.ctx, orderID)
	s.Require().NoError(err)
	return o.Status
}

func (s *OrderSyncTestSuite) TestPlacementReservesCapital() {
	s.place(types.DirectionBuy, 10, quant.FromInt(100))
	s.Equal(quant.FromInt(9000), s.freeCapital())

	s.place(types.DirectionSell, 10, quant.FromInt(101))
	s.Equal(quant.FromInt(9000), s.freeCapital())
}

func (s *OrderSyncTestSuite) TestCancelledBuyIsCreditedOnce() {
	o := s.place(types.DirectionBuy, 10, quant.FromInt(100))
	s.Require().NoError(s.broker.CancelOrder(s.ctx, types.OrderRef{InstrumentID: o.InstrumentID, OrderID: o.OrderID}))

	res, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Require().Len(res.Transitions, 1)
	s.Equal(store.OrderStatusCancelled, res.Transitions[0].To)
	s.Equal(quant.FromInt(1000), res.Credited())
	s.Equal(quant.FromInt(10000), s.freeCapital())
	s.Equal(store.OrderStatusCancelled, s.ledgerStatus(o.OrderID))

	// 再次对账不应重复回补
	res, err = s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Empty(res.Transitions)
	s.Equal(quant.FromInt(10000), s.freeCapital())
}

func (s *OrderSyncTestSuite) TestFilledSellCreditsProceeds() {
	o := s.place(types.DirectionSell, 10, quant.FromInt(101))
	s.broker.SetPrice(s.instrument.ID, quant.FromInt(102))

	var seen []Transition
	s.syncer.OnTransition = func(t Transition) { seen = append(seen, t) }
	res, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Len(res.Transitions, 1)
	s.Len(seen, 1)
	s.Equal(store.OrderStatusFill, s.ledgerStatus(o.OrderID))
	s.Equal(quant.FromInt(11010), s.freeCapital())
}

func (s *OrderSyncTestSuite) TestFilledBuyKeepsReservation() {
	o := s.place(types.DirectionBuy, 10, quant.FromInt(99))
	s.broker.SetPrice(s.instrument.ID, quant.FromInt(98))

	_, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Equal(store.OrderStatusFill, s.ledgerStatus(o.OrderID))
	s.Equal(quant.FromInt(9010), s.freeCapital())
}

func (s *OrderSyncTestSuite) TestRejectedBuyIsCredited() {
	o := s.place(types.DirectionBuy, 10, quant.FromInt(99))
	s.Require().NoError(s.broker.Reject(o.OrderID))

	_, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Equal(store.OrderStatusRejected, s.ledgerStatus(o.OrderID))
	s.Equal(quant.FromInt(10000), s.freeCapital())
}

func (s *OrderSyncTestSuite) TestLostOrderBecomesUnknown() {
	o := s.place(types.DirectionBuy, 10, quant.FromInt(99))
	s.broker.Forget(o.OrderID)

	res, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Equal(1, res.Anomalies)
	s.Equal(store.OrderStatusUnknown, s.ledgerStatus(o.OrderID))
	// unknown keeps the reservation
	s.Equal(quant.FromInt(9010), s.freeCapital())

	res, err = s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Empty(res.Transitions)
	s.Equal(store.OrderStatusUnknown, s.ledgerStatus(o.OrderID))
}

// loseThenRecover syncs once while the broker has lost the order, then puts it back
func (s *OrderSyncTestSuite) loseThenRecover(o *types.PlacedOrder) {
	s.broker.Forget(o.OrderID)
	_, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Require().Equal(store.OrderStatusUnknown, s.ledgerStatus(o.OrderID))
	s.Require().NoError(s.broker.Recover(o.OrderID))
}

func (s *OrderSyncTestSuite) TestUnknownOrderReappearsAsCreated() {
	o := s.place(types.DirectionBuy, 10, quant.FromInt(99))
	s.loseThenRecover(o)

	res, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Require().Len(res.Transitions, 1)
	s.Equal(store.OrderStatusUnknown, res.Transitions[0].From)
	s.Equal(store.OrderStatusCreated, res.Transitions[0].To)
	s.True(res.Credited().IsZero())
	s.Equal(store.OrderStatusCreated, s.ledgerStatus(o.OrderID))
	s.Equal(quant.FromInt(9010), s.freeCapital())
}

func (s *OrderSyncTestSuite) TestUnknownBuyCancelledIsCreditedOnce() {
	o := s.place(types.DirectionBuy, 10, quant.FromInt(100))
	s.loseThenRecover(o)
	s.Require().NoError(s.broker.CancelOrder(s.ctx, types.OrderRef{InstrumentID: o.InstrumentID, OrderID: o.OrderID}))

	res, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Require().Len(res.Transitions, 1)
	s.Equal(store.OrderStatusUnknown, res.Transitions[0].From)
	s.Equal(store.OrderStatusCancelled, res.Transitions[0].To)
	s.Equal(quant.FromInt(1000), res.Credited())
	s.Equal(quant.FromInt(10000), s.freeCapital())

	res, err = s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Empty(res.Transitions)
	s.Equal(quant.FromInt(10000), s.freeCapital())
}

func (s *OrderSyncTestSuite) TestUnknownSellFilledCreditsProceeds() {
	o := s.place(types.DirectionSell, 10, quant.FromInt(101))
	s.loseThenRecover(o)
	s.Require().NoError(s.broker.Fill(o.OrderID))

	res, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Require().Len(res.Transitions, 1)
	s.Equal(store.OrderStatusFill, res.Transitions[0].To)
	s.Equal(quant.FromInt(1010), res.Credited())
	s.Equal(store.OrderStatusFill, s.ledgerStatus(o.OrderID))
	s.Equal(quant.FromInt(11010), s.freeCapital())
}

func (s *OrderSyncTestSuite) TestOrphanBrokerOrderReported() {
	_, err := s.broker.PlaceLimitOrder(s.ctx, types.LimitOrderRequest{
		InstrumentID: s.instrument.ID,
		Direction:    types.DirectionBuy,
		Lots:         1,
		Price:        quant.FromInt(90),
	})
	s.Require().NoError(err)

	res, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Equal(1, res.Anomalies)
	s.Empty(res.Transitions)
}

func (s *OrderSyncTestSuite) TestDeletedStrategyDoesNotBlockSync() {
	o := s.place(types.DirectionBuy, 10, quant.FromInt(99))
	s.Require().NoError(s.broker.CancelOrder(s.ctx, types.OrderRef{InstrumentID: o.InstrumentID, OrderID: o.OrderID}))
	s.Require().NoError(s.store.Strategy().Delete(s.ctx, 1, testTicker))

	res, err := s.syncer.Sync(s.ctx, 1, s.instrument.ID)
	s.Require().NoError(err)
	s.Len(res.Transitions, 1)
	s.Equal(store.OrderStatusCancelled, s.ledgerStatus(o.OrderID))
}
