package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ladderbot/quant"
	"ladderbot/trader/types"

	"gorm.io/gorm"
)

// OrderStatus ledger status of an order
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusFill      OrderStatus = "fill"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusUnknown   OrderStatus = "unknown"
)

// IsTerminal fill, rejected and cancelled never change again
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFill || s == OrderStatusRejected || s == OrderStatusCancelled
}

// OpenStatuses statuses of orders that may still rest at the broker
var OpenStatuses = []OrderStatus{OrderStatusCreated, OrderStatusUnknown}

var (
	ErrDuplicateOrder = errors.New("order already recorded")
	ErrOrderNotFound  = errors.New("order not found in ledger")
)

// Order 订单台账记录
type Order struct {
	ID           uint64          `json:"-" gorm:"primaryKey"`
	OrderID      string          `json:"order_id" gorm:"uniqueIndex;size:64;not null"` // 券商订单ID
	StrategyID   int64           `json:"strategy_id" gorm:"index:idx_orders_scope"`
	Ticker       string          `json:"ticker" gorm:"size:32;index"`
	InstrumentID string          `json:"instrument_id" gorm:"size:64;index:idx_orders_scope"`
	Lots         int64           `json:"lots" gorm:"not null"`
	Price        quant.Price     `json:"price" gorm:"embedded;embeddedPrefix:price_"` // 限价；市价单为下单时的最新价
	Direction    types.Direction `json:"direction" gorm:"size:8;not null"`            // BUY/SELL
	Kind         types.OrderKind `json:"kind" gorm:"size:8;not null"`                 // LIMIT/MARKET
	Status       OrderStatus     `json:"status" gorm:"size:16;index;not null"`
	AccountID    string          `json:"account_id" gorm:"size:64"`
	CreatedAt    time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Order) TableName() string {
	return "orders"
}

// Notional price * lots
func (o *Order) Notional() quant.Price {
	return o.Price.MulInt(o.Lots)
}

// Ref broker reference for the order
func (o *Order) Ref() types.OrderRef {
	return types.OrderRef{InstrumentID: o.InstrumentID, OrderID: o.OrderID}
}

// OrderSort result ordering for ledger queries
type OrderSort string

const (
	// SortNewestCreated newest placement first (default)
	SortNewestCreated OrderSort = "created_at DESC, id DESC"
	// SortLatestUpdated most recent status change first, i.e. fill time for filled orders
	SortLatestUpdated OrderSort = "updated_at DESC, id DESC"
)

// OrderFilter optional filters, zero values match everything
type OrderFilter struct {
	OrderID      string
	StrategyID   int64
	Ticker       string
	InstrumentID string
	Statuses     []OrderStatus
	Kind         types.OrderKind
	Direction    types.Direction
	CreatedSince time.Time
	Limit        int
	Sort         OrderSort
}

// OrderStore order ledger
type OrderStore struct {
	db *gorm.DB
}

// InitTables creates the orders table
func (s *OrderStore) InitTables() error {
	return s.db.AutoMigrate(&Order{})
}

// Add records a freshly placed order; fails when the order id is already present
func (s *OrderStore) Add(ctx context.Context, order *Order) error {
	if order.OrderID == "" {
		return fmt.Errorf("order id is required")
	}
	if order.Status == "" {
		order.Status = OrderStatusCreated
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Order{}).Where("order_id = ?", order.OrderID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check order: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.OrderID)
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}
	return nil
}

// Get loads one order by broker order id
func (s *OrderStore) Get(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

// UpdateStatus compare-and-set: moves the order from `from` to `to`.
// Returns false when the persisted status was no longer `from` (someone else applied it).
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, from, to OrderStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("order_id = ? AND status = ?", orderID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update order status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Query returns orders matching the filter, newest first
func (s *OrderStore) Query(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	q := s.db.WithContext(ctx).Model(&Order{})
	if filter.OrderID != "" {
		q = q.Where("order_id = ?", filter.OrderID)
	}
	if filter.StrategyID != 0 {
		q = q.Where("strategy_id = ?", filter.StrategyID)
	}
	if filter.Ticker != "" {
		q = q.Where("ticker = ?", filter.Ticker)
	}
	if filter.InstrumentID != "" {
		q = q.Where("instrument_id = ?", filter.InstrumentID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Direction != "" {
		q = q.Where("direction = ?", filter.Direction)
	}
	if !filter.CreatedSince.IsZero() {
		q = q.Where("created_at >= ?", filter.CreatedSince.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	sort := SortNewestCreated
	if filter.Sort == SortLatestUpdated {
		sort = SortLatestUpdated
	}

	var orders []*Order
	if err := q.Order(string(sort)).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return orders, nil
}

// OpenOrders orders of a strategy/instrument that may still rest at the broker
func (s *OrderStore) OpenOrders(ctx context.Context, strategyID int64, instrumentID string) ([]*Order, error) {
	return s.Query(ctx, OrderFilter{
		StrategyID:   strategyID,
		InstrumentID: instrumentID,
		Statuses:     OpenStatuses,
	})
}

// LatestFilledLimit most recently filled limit order among those created since `since`,
// nil when none. Ordered by fill time, not placement time: an older rung that fills
// after a newer one becomes the reference.
func (s *OrderStore) LatestFilledLimit(ctx context.Context, strategyID int64, instrumentID string, since time.Time) (*Order, error) {
	orders, err := s.Query(ctx, OrderFilter{
		StrategyID:   strategyID,
		InstrumentID: instrumentID,
		Statuses:     []OrderStatus{OrderStatusFill},
		Kind:         types.OrderKindLimit,
		CreatedSince: since,
		Limit:        1,
		Sort:         SortLatestUpdated,
	})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return orders[0], nil
}

// StatusCount number of orders per status
type StatusCount struct {
	Status OrderStatus `json:"status"`
	Count  int64       `json:"count"`
}

// CountByStatus order counts per status for a strategy/ticker (zero values match all)
func (s *OrderStore) CountByStatus(ctx context.Context, strategyID int64, ticker string) ([]StatusCount, error) {
	q := s.db.WithContext(ctx).Model(&Order{})
	if strategyID != 0 {
		q = q.Where("strategy_id = ?", strategyID)
	}
	if ticker != "" {
		q = q.Where("ticker = ?", ticker)
	}
	var counts []StatusCount
	if err := q.Select("status, COUNT(*) AS count").Group("status").Order("status").Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	return counts, nil
}
