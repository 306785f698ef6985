package trader

import (
	"errors"
	"fmt"

	"ladderbot/quant"
	"ladderbot/store"
	"ladderbot/trader/types"
)

// ErrIllegalTransition transition not allowed by the lifecycle table
var ErrIllegalTransition = errors.New("illegal order status transition")

// transitions allowed moves; terminal statuses have no entry
var transitions = map[store.OrderStatus][]store.OrderStatus{
	store.OrderStatusCreated: {store.OrderStatusFill, store.OrderStatusRejected, store.OrderStatusCancelled, store.OrderStatusUnknown},
	store.OrderStatusUnknown: {store.OrderStatusCreated, store.OrderStatusFill, store.OrderStatusRejected, store.OrderStatusCancelled},
}

// MapExecutionStatus broker execution status -> ledger status
func MapExecutionStatus(s types.ExecutionStatus) store.OrderStatus {
	switch s {
	case types.ExecutionNew, types.ExecutionPartiallyFilled:
		return store.OrderStatusCreated
	case types.ExecutionFilled:
		return store.OrderStatusFill
	case types.ExecutionRejected:
		return store.OrderStatusRejected
	case types.ExecutionCancelled:
		return store.OrderStatusCancelled
	default:
		return store.OrderStatusUnknown
	}
}

// CheckTransition validates from -> to
func CheckTransition(from, to store.OrderStatus) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// CapitalEffect free capital change caused by moving order into status `to`.
// executed is the number of lots the broker reports as filled.
//
//	SELL -> fill                 +price*lots
//	BUY  -> rejected|cancelled   +price*(lots-executed)
//	SELL -> rejected|cancelled   +price*executed
//	anything else                0
func CapitalEffect(order *store.Order, to store.OrderStatus, executed int64) quant.Price {
	if order.Status.IsTerminal() || !to.IsTerminal() {
		return quant.Zero
	}
	if executed < 0 {
		executed = 0
	}
	if executed > order.Lots {
		executed = order.Lots
	}

	switch {
	case order.Direction == types.DirectionSell && to == store.OrderStatusFill:
		return order.Price.MulInt(order.Lots)
	case order.Direction == types.DirectionBuy && (to == store.OrderStatusRejected || to == store.OrderStatusCancelled):
		return order.Price.MulInt(order.Lots - executed)
	case order.Direction == types.DirectionSell && (to == store.OrderStatusRejected || to == store.OrderStatusCancelled):
		return order.Price.MulInt(executed)
	}
	return quant.Zero
}
