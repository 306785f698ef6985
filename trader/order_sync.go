package trader

import (
	"context"
	"errors"
	"fmt"

	"ladderbot/logger"
	"ladderbot/quant"
	"ladderbot/store"
	"ladderbot/trader/types"
)

// Transition one applied ledger status change
type Transition struct {
	Order        *store.Order
	From         store.OrderStatus
	To           store.OrderStatus
	CapitalDelta quant.Price
}

// SyncResult outcome of one reconciliation pass
type SyncResult struct {
	Transitions []Transition
	Anomalies   int
}

// Credited total capital credited back by the pass
func (r *SyncResult) Credited() quant.Price {
	total := quant.Zero
	for _, t := range r.Transitions {
		total = total.Add(t.CapitalDelta)
	}
	return total
}

// OrderSyncer 订单状态对账器
// 对比台账中未终结的订单与券商的活动订单，驱动生命周期状态机并结算资金
type OrderSyncer struct {
	store   *store.Store
	gateway types.Gateway

	// OnTransition optional hook invoked after each committed transition
	OnTransition func(Transition)
}

// NewOrderSyncer creates a reconciler
func NewOrderSyncer(st *store.Store, gateway types.Gateway) *OrderSyncer {
	return &OrderSyncer{store: st, gateway: gateway}
}

// Sync reconciles the open ledger orders of one strategy/instrument with the broker.
// Safe to run repeatedly: every transition is a compare-and-set committed together
// with its capital effect, so re-observing a status is a no-op.
func (s *OrderSyncer) Sync(ctx context.Context, strategyID int64, instrumentID string) (*SyncResult, error) {
	result := &SyncResult{}

	active, err := s.gateway.ActiveOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	activeIDs := make(map[string]bool, len(active))
	for _, a := range active {
		activeIDs[a.OrderID] = true
	}

	open, err := s.store.Order().OpenOrders(ctx, strategyID, instrumentID)
	if err != nil {
		return nil, err
	}

	for _, order := range open {
		if activeIDs[order.OrderID] {
			// 仍在挂单，unknown 的订单重新确认为 created
			if order.Status == store.OrderStatusUnknown {
				if err := s.apply(ctx, result, order, store.OrderStatusCreated, 0); err != nil {
					return result, err
				}
			}
			continue
		}

		state, err := s.gateway.OrderStatus(ctx, order.Ref())
		if errors.Is(err, types.ErrOrderNotFound) {
			result.Anomalies++
			reconcileAnomalies.WithLabelValues("missing_at_broker").Inc()
			logger.Warnf("⚠️ [Sync] order %s is in the ledger but unknown to the broker", order.OrderID)
			if order.Status != store.OrderStatusUnknown {
				if err := s.apply(ctx, result, order, store.OrderStatusUnknown, 0); err != nil {
					return result, err
				}
			}
			continue
		}
		if err != nil {
			return result, fmt.Errorf("order status %s: %w", order.OrderID, err)
		}

		to := MapExecutionStatus(state.Status)
		if to == order.Status {
			logger.Debugf("[Sync] order %s unchanged: %s", order.OrderID, to)
			continue
		}
		if err := s.apply(ctx, result, order, to, state.LotsExecuted); err != nil {
			return result, err
		}
	}

	s.reportOrphans(ctx, result, active, instrumentID)
	return result, nil
}

// apply commits one transition and its capital effect atomically
func (s *OrderSyncer) apply(ctx context.Context, result *SyncResult, order *store.Order, to store.OrderStatus, executed int64) error {
	from := order.Status
	if err := CheckTransition(from, to); err != nil {
		result.Anomalies++
		reconcileAnomalies.WithLabelValues("illegal_transition").Inc()
		logger.Warnf("⚠️ [Sync] order %s: %v", order.OrderID, err)
		return nil
	}

	delta := CapitalEffect(order, to, executed)
	applied := false
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		ok, err := tx.Order().UpdateStatus(ctx, order.OrderID, from, to)
		if err != nil || !ok {
			return err
		}
		applied = true
		if delta.IsZero() {
			return nil
		}
		_, err = tx.Strategy().AdjustFreeCapital(ctx, order.StrategyID, order.Ticker, delta)
		if errors.Is(err, store.ErrStrategyNotFound) {
			logger.Warnf("⚠️ [Sync] strategy %d/%s gone, %s not credited", order.StrategyID, order.Ticker, delta)
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("apply %s %s -> %s: %w", order.OrderID, from, to, err)
	}
	if !applied {
		logger.Debugf("[Sync] order %s already moved past %s", order.OrderID, from)
		return nil
	}

	order.Status = to
	t := Transition{Order: order, From: from, To: to, CapitalDelta: delta}
	result.Transitions = append(result.Transitions, t)
	orderTransitions.WithLabelValues(string(from), string(to)).Inc()
	if delta.IsZero() {
		logger.Infof("📦 [Sync] order %s %s: %s -> %s", order.OrderID, order.Direction, from, to)
	} else {
		logger.Infof("📦 [Sync] order %s %s: %s -> %s, free capital +%s", order.OrderID, order.Direction, from, to, delta)
	}
	if s.OnTransition != nil {
		s.OnTransition(t)
	}
	return nil
}

// reportOrphans logs resting broker orders on this instrument the ledger has never seen
func (s *OrderSyncer) reportOrphans(ctx context.Context, result *SyncResult, active []types.ActiveOrder, instrumentID string) {
	for _, a := range active {
		if a.InstrumentID != instrumentID {
			continue
		}
		_, err := s.store.Order().Get(ctx, a.OrderID)
		if errors.Is(err, store.ErrOrderNotFound) {
			result.Anomalies++
			reconcileAnomalies.WithLabelValues("orphan_at_broker").Inc()
			logger.Warnf("⚠️ [Sync] broker order %s on %s is not in the ledger", a.OrderID, instrumentID)
		}
	}
}
