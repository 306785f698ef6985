package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ladderbot/logger"
	"ladderbot/quant"
	"ladderbot/trader/types"

	"github.com/google/uuid"
)

// rollbackTimeout bound for compensating cancellations, independent of the tick deadline
const rollbackTimeout = 30 * time.Second

// OrderRecorder persists an accepted placement together with its capital reservation
// (negative delta) in one atomic step
type OrderRecorder interface {
	RecordPlacement(ctx context.Context, order *types.PlacedOrder, capitalDelta quant.Price) error
}

// Compensator gateway able to cancel outside its normal call protection,
// used so a rollback is not short-circuited by an open breaker
type Compensator interface {
	CompensateCancel(ctx context.Context, ref types.OrderRef) error
}

// Transaction all-or-nothing group of order placements.
// Every order the broker accepted is buffered; if the enclosing work fails the
// buffered orders are cancelled. On success the buffer is committed (cleared).
type Transaction struct {
	gateway    types.Gateway
	instrument *types.Instrument
	recorder   OrderRecorder
	orders     []*types.PlacedOrder
	successful bool
}

// NewTransaction builds a transaction for one instrument
func NewTransaction(gateway types.Gateway, instrument *types.Instrument, recorder OrderRecorder) *Transaction {
	return &Transaction{gateway: gateway, instrument: instrument, recorder: recorder}
}

// RunTransaction runs fn inside a transaction. When fn returns an error or panics,
// every order placed through tx is cancelled before the error (or panic) propagates.
// Cancellation failures are logged and never replace the original error.
func RunTransaction(ctx context.Context, gateway types.Gateway, instrument *types.Instrument, recorder OrderRecorder, fn func(tx *Transaction) error) (placed []*types.PlacedOrder, err error) {
	tx := NewTransaction(gateway, instrument, recorder)

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	return tx.Commit(), nil
}

// Successful false once the transaction has been rolled back
func (tx *Transaction) Successful() bool {
	return tx.successful
}

// Pending orders placed so far and not yet committed
func (tx *Transaction) Pending() []*types.PlacedOrder {
	return append([]*types.PlacedOrder(nil), tx.orders...)
}

// Commit keeps the placed orders and clears the buffer
func (tx *Transaction) Commit() []*types.PlacedOrder {
	orders := tx.orders
	tx.orders = nil
	tx.successful = true
	return orders
}

// Rollback cancels every buffered order. Uses a context detached from ctx's
// cancellation so an expired tick deadline does not prevent compensation.
func (tx *Transaction) Rollback(ctx context.Context) {
	tx.successful = false
	if len(tx.orders) == 0 {
		return
	}
	batchRollbacks.Inc()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	cancelOrder := tx.gateway.CancelOrder
	if c, ok := tx.gateway.(Compensator); ok {
		cancelOrder = c.CompensateCancel
	}

	logger.Warnf("↩️ [Batch] rolling back %d orders for %s", len(tx.orders), tx.instrument.Ticker)
	for _, o := range tx.orders {
		if err := cancelOrder(rctx, types.OrderRef{InstrumentID: o.InstrumentID, OrderID: o.OrderID}); err != nil {
			logger.Errorf("❌ [Batch] failed to cancel %s %s %d@%s during rollback: %v", o.Direction, o.OrderID, o.Lots, o.Price, err)
			continue
		}
		logger.Infof("  ↩️ cancelled %s %s %d@%s", o.Direction, o.OrderID, o.Lots, o.Price)
	}
	tx.orders = nil
}

// LimitBuy places a limit buy and reserves price*lots of free capital
func (tx *Transaction) LimitBuy(ctx context.Context, lots int64, price quant.Price) (*types.PlacedOrder, error) {
	return tx.limit(ctx, types.DirectionBuy, lots, price)
}

// LimitSell places a limit sell
func (tx *Transaction) LimitSell(ctx context.Context, lots int64, price quant.Price) (*types.PlacedOrder, error) {
	return tx.limit(ctx, types.DirectionSell, lots, price)
}

// MarketBuy places a market buy; capital is settled by the caller
func (tx *Transaction) MarketBuy(ctx context.Context, lots int64) (*types.PlacedOrder, error) {
	return tx.market(ctx, types.DirectionBuy, lots)
}

// MarketSell places a market sell
func (tx *Transaction) MarketSell(ctx context.Context, lots int64) (*types.PlacedOrder, error) {
	return tx.market(ctx, types.DirectionSell, lots)
}

func (tx *Transaction) limit(ctx context.Context, dir types.Direction, lots int64, price quant.Price) (*types.PlacedOrder, error) {
	if err := tx.instrument.ValidateLots(lots); err != nil {
		return nil, err
	}
	if err := tx.instrument.ValidatePrice(price); err != nil {
		return nil, err
	}
	if !tx.instrument.LimitAvailable {
		return nil, fmt.Errorf("%w: limit orders unavailable for %s", types.ErrValidation, tx.instrument.Ticker)
	}

	placed, err := tx.gateway.PlaceLimitOrder(ctx, types.LimitOrderRequest{
		InstrumentID:  tx.instrument.ID,
		Direction:     dir,
		Lots:          lots,
		Price:         price,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("limit %s %d@%s: %w", dir, lots, price, err)
	}

	reserve := quant.Zero
	if dir == types.DirectionBuy {
		reserve = price.MulInt(lots).Neg()
	}
	return placed, tx.accept(ctx, placed, reserve)
}

func (tx *Transaction) market(ctx context.Context, dir types.Direction, lots int64) (*types.PlacedOrder, error) {
	if err := tx.instrument.ValidateLots(lots); err != nil {
		return nil, err
	}
	if !tx.instrument.MarketAvailable {
		return nil, fmt.Errorf("%w: market orders unavailable for %s", types.ErrValidation, tx.instrument.Ticker)
	}

	placed, err := tx.gateway.PlaceMarketOrder(ctx, types.MarketOrderRequest{
		InstrumentID:  tx.instrument.ID,
		Direction:     dir,
		Lots:          lots,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("market %s %d: %w", dir, lots, err)
	}
	return placed, tx.accept(ctx, placed, quant.Zero)
}

// accept buffers the order first so a failing ledger write still gets it cancelled
func (tx *Transaction) accept(ctx context.Context, placed *types.PlacedOrder, reserve quant.Price) error {
	if placed == nil || placed.OrderID == "" {
		return errors.New("gateway returned an order without id")
	}
	tx.orders = append(tx.orders, placed)
	ordersPlaced.WithLabelValues(string(placed.Direction), string(placed.Kind)).Inc()

	if tx.recorder == nil {
		return nil
	}
	if err := tx.recorder.RecordPlacement(ctx, placed, reserve); err != nil {
		return fmt.Errorf("record order %s: %w", placed.OrderID, err)
	}
	return nil
}
