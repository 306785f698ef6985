package paper

import (
	"context"
	"testing"

	"ladderbot/quant"
	"ladderbot/trader/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBroker() *Broker {
	return New(Config{
		Cash: quant.FromInt(1000),
		Instruments: []InstrumentConfig{{
			Ticker:    "SBER",
			Lot:       10,
			Increment: quant.MustParse("0.01"),
			Price:     quant.FromInt(10),
			Position:  20,
		}},
	})
}

func TestBroker_Defaults(t *testing.T) {
	b := newBroker()
	ctx := context.Background()

	inst, err := b.Instrument(ctx, "SBER")
	require.NoError(t, err)
	assert.Equal(t, "SBER", inst.ID)
	assert.Equal(t, "usd", inst.Currency)

	id, err := b.AccountID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "paper", id)

	_, err = b.Instrument(ctx, "GAZP")
	assert.ErrorIs(t, err, types.ErrInstrumentNotFound)
}

func TestBroker_LimitOrdersReserveAndFill(t *testing.T) {
	b := newBroker()
	ctx := context.Background()

	buy, err := b.PlaceLimitOrder(ctx, types.LimitOrderRequest{InstrumentID: "SBER", Direction: types.DirectionBuy, Lots: 50, Price: quant.FromInt(9)})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionNew, buy.Status)

	balance, err := b.Balance(ctx, "usd")
	require.NoError(t, err)
	assert.Equal(t, quant.FromInt(550), balance)

	sell, err := b.PlaceLimitOrder(ctx, types.LimitOrderRequest{InstrumentID: "SBER", Direction: types.DirectionSell, Lots: 20, Price: quant.FromInt(11)})
	require.NoError(t, err)
	lots, err := b.PositionLots(ctx, "SBER")
	require.NoError(t, err)
	assert.Equal(t, int64(0), lots)

	// not enough free lots or cash for more
	_, err = b.PlaceLimitOrder(ctx, types.LimitOrderRequest{InstrumentID: "SBER", Direction: types.DirectionSell, Lots: 10, Price: quant.FromInt(12)})
	assert.Error(t, err)
	_, err = b.PlaceLimitOrder(ctx, types.LimitOrderRequest{InstrumentID: "SBER", Direction: types.DirectionBuy, Lots: 100, Price: quant.FromInt(9)})
	assert.Error(t, err)

	b.SetPrice("SBER", quant.FromInt(9))
	state, err := b.OrderStatus(ctx, types.OrderRef{InstrumentID: "SBER", OrderID: buy.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFilled, state.Status)
	assert.Equal(t, int64(50), state.LotsExecuted)
	assert.Equal(t, quant.FromInt(9), state.AveragePrice)
	assert.Equal(t, quant.FromInt(550), b.Cash())
	assert.Equal(t, int64(70), b.Position("SBER"))

	b.SetPrice("SBER", quant.FromInt(11))
	state, err = b.OrderStatus(ctx, types.OrderRef{InstrumentID: "SBER", OrderID: sell.OrderID})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFilled, state.Status)
	assert.Equal(t, quant.FromInt(770), b.Cash())
	assert.Equal(t, int64(50), b.Position("SBER"))
}

func TestBroker_MarketOrderFillsAtLast(t *testing.T) {
	b := newBroker()
	ctx := context.Background()

	placed, err := b.PlaceMarketOrder(ctx, types.MarketOrderRequest{InstrumentID: "SBER", Direction: types.DirectionBuy, Lots: 10})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFilled, placed.Status)
	assert.Equal(t, quant.FromInt(10), placed.Price)
	assert.Equal(t, quant.FromInt(900), b.Cash())

	_, err = b.PlaceMarketOrder(ctx, types.MarketOrderRequest{InstrumentID: "SBER", Direction: types.DirectionBuy, Lots: 5})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestBroker_CancelAndLifecycle(t *testing.T) {
	b := newBroker()
	ctx := context.Background()

	o, err := b.PlaceLimitOrder(ctx, types.LimitOrderRequest{InstrumentID: "SBER", Direction: types.DirectionBuy, Lots: 10, Price: quant.FromInt(9)})
	require.NoError(t, err)
	ref := types.OrderRef{InstrumentID: "SBER", OrderID: o.OrderID}

	active, err := b.ActiveOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, b.CancelOrder(ctx, ref))
	err = b.CancelOrder(ctx, ref)
	assert.Error(t, err)
	assert.False(t, types.IsTransient(err))

	active, err = b.ActiveOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	b.Forget(o.OrderID)
	_, err = b.OrderStatus(ctx, ref)
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
	assert.ErrorIs(t, b.CancelOrder(ctx, ref), types.ErrOrderNotFound)

	require.NoError(t, b.Recover(o.OrderID))
	state, err := b.OrderStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, state.Status)
	assert.ErrorIs(t, b.Recover(o.OrderID), types.ErrOrderNotFound)
}
