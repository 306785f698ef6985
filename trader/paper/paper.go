// Package paper in-memory brokerage that simulates a cash account with resting limit orders.
// Used for dry runs (BROKER=paper) and as the gateway in engine tests.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ladderbot/logger"
	"ladderbot/quant"
	"ladderbot/trader/types"

	"github.com/google/uuid"
)

// InstrumentConfig paper instrument seed
type InstrumentConfig struct {
	Ticker    string      `yaml:"ticker"`
	ID        string      `yaml:"id"`
	Lot       int64       `yaml:"lot"`
	Increment quant.Price `yaml:"increment"`
	Price     quant.Price `yaml:"price"`
	Position  int64       `yaml:"position"`
}

// Config paper account seed
type Config struct {
	AccountID   string             `yaml:"account_id"`
	Currency    string             `yaml:"currency"`
	Cash        quant.Price        `yaml:"cash"`
	Instruments []InstrumentConfig `yaml:"instruments"`
}

type order struct {
	types.PlacedOrder
	status   types.ExecutionStatus
	executed int64
	avgPrice quant.Price
}

// Broker simulated brokerage account
type Broker struct {
	mu sync.Mutex

	accountID   string
	currency    string
	cash        quant.Price // settled cash, buy reservations not subtracted
	instruments map[string]*types.Instrument // by ticker
	prices      map[string]quant.Price       // by instrument id
	positions   map[string]int64             // by instrument id
	orders      map[string]*order
	lost        map[string]*order // forgotten orders, see Forget/Recover

	// PlaceHook optional failure injection, called before every placement with the
	// 1-based placement number
	PlaceHook func(n int) error
	placed    int
}

// New creates a broker from cfg
func New(cfg Config) *Broker {
	if cfg.AccountID == "" {
		cfg.AccountID = "paper"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	b := &Broker{
		accountID:   cfg.AccountID,
		currency:    cfg.Currency,
		cash:        cfg.Cash,
		instruments: make(map[string]*types.Instrument),
		prices:      make(map[string]quant.Price),
		positions:   make(map[string]int64),
		orders:      make(map[string]*order),
		lost:        make(map[string]*order),
	}
	for _, ic := range cfg.Instruments {
		b.AddInstrument(ic)
	}
	return b
}

// AddInstrument registers (or replaces) an instrument
func (b *Broker) AddInstrument(ic InstrumentConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ic.ID == "" {
		ic.ID = ic.Ticker
	}
	if ic.Lot <= 0 {
		ic.Lot = 1
	}
	b.instruments[ic.Ticker] = &types.Instrument{
		ID:                ic.ID,
		Ticker:            ic.Ticker,
		Lot:               ic.Lot,
		MinPriceIncrement: ic.Increment,
		Currency:          b.currency,
		LimitAvailable:    true,
		MarketAvailable:   true,
	}
	b.prices[ic.ID] = ic.Price
	b.positions[ic.ID] = ic.Position
}

// SetPrice moves the market and fills every resting order the new price crosses
func (b *Broker) SetPrice(instrumentID string, price quant.Price) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[instrumentID] = price

	for _, o := range b.sortedOrders() {
		if o.InstrumentID != instrumentID || o.status != types.ExecutionNew {
			continue
		}
		crossed := (o.Direction == types.DirectionBuy && !price.Greater(o.Price)) ||
			(o.Direction == types.DirectionSell && !price.Less(o.Price))
		if crossed {
			b.fill(o, o.Price)
		}
	}
}

// Fill forces a resting order to fill at its limit price
func (b *Broker) Fill(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return types.ErrOrderNotFound
	}
	if o.status != types.ExecutionNew {
		return fmt.Errorf("order %s is %s", orderID, o.status)
	}
	b.fill(o, o.Price)
	return nil
}

// Reject marks a resting order rejected by the exchange
func (b *Broker) Reject(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return types.ErrOrderNotFound
	}
	o.status = types.ExecutionRejected
	return nil
}

// Forget drops an order from the broker's books, simulating a lost order
func (b *Broker) Forget(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		b.lost[orderID] = o
		delete(b.orders, orderID)
	}
}

// Recover puts a forgotten order back on the books in the state it was lost in
func (b *Broker) Recover(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.lost[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}
	b.orders[orderID] = o
	delete(b.lost, orderID)
	return nil
}

// Cash settled cash
func (b *Broker) Cash() quant.Price {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

// Position lots held, including lots locked in resting sells
func (b *Broker) Position(instrumentID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[instrumentID]
}

func (b *Broker) fill(o *order, price quant.Price) {
	notional := price.MulInt(o.Lots)
	if o.Direction == types.DirectionBuy {
		b.cash = b.cash.Sub(notional)
		b.positions[o.InstrumentID] += o.Lots
	} else {
		b.cash = b.cash.Add(notional)
		b.positions[o.InstrumentID] -= o.Lots
	}
	o.status = types.ExecutionFilled
	o.executed = o.Lots
	o.avgPrice = price
	logger.Debugf("[Paper] filled %s %s %d@%s", o.OrderID, o.Direction, o.Lots, price)
}

// reserved cash held by resting buys and lots held by resting sells
func (b *Broker) reserved(instrumentID string) (cash quant.Price, lots int64) {
	for _, o := range b.orders {
		if o.status != types.ExecutionNew {
			continue
		}
		if o.Direction == types.DirectionBuy {
			cash = cash.Add(o.Price.MulInt(o.Lots))
		} else if o.InstrumentID == instrumentID {
			lots += o.Lots
		}
	}
	return cash, lots
}

func (b *Broker) sortedOrders() []*order {
	out := make([]*order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out
}

func (b *Broker) instrumentByID(id string) (*types.Instrument, error) {
	for _, inst := range b.instruments {
		if inst.ID == id {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrInstrumentNotFound, id)
}

func (b *Broker) checkPlacement(req types.Direction, instrumentID string, lots int64, price quant.Price) error {
	b.placed++
	if b.PlaceHook != nil {
		if err := b.PlaceHook(b.placed); err != nil {
			return err
		}
	}
	inst, err := b.instrumentByID(instrumentID)
	if err != nil {
		return err
	}
	if err := inst.ValidateLots(lots); err != nil {
		return err
	}

	reservedCash, lockedLots := b.reserved(instrumentID)
	if req == types.DirectionBuy {
		if b.cash.Sub(reservedCash).Less(price.MulInt(lots)) {
			return types.NewPermanentError("place_order", 0, fmt.Errorf("insufficient funds"))
		}
		return nil
	}
	if b.positions[instrumentID]-lockedLots < lots {
		return types.NewPermanentError("place_order", 0, fmt.Errorf("insufficient position"))
	}
	return nil
}

func (b *Broker) Instrument(ctx context.Context, ticker string) (*types.Instrument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instruments[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrInstrumentNotFound, ticker)
	}
	cp := *inst
	return &cp, nil
}

func (b *Broker) LastPrice(ctx context.Context, instrumentID string) (quant.Price, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[instrumentID]
	if !ok {
		return quant.Zero, fmt.Errorf("%w: %s", types.ErrInstrumentNotFound, instrumentID)
	}
	return p, nil
}

// PositionLots lots free to sell (held minus locked in resting sells)
func (b *Broker) PositionLots(ctx context.Context, instrumentID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, locked := b.reserved(instrumentID)
	return b.positions[instrumentID] - locked, nil
}

// Balance free cash (settled cash minus buy reservations)
func (b *Broker) Balance(ctx context.Context, currency string) (quant.Price, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if currency != "" && currency != b.currency {
		return quant.Zero, nil
	}
	reserved, _ := b.reserved("")
	return b.cash.Sub(reserved), nil
}

func (b *Broker) PlaceLimitOrder(ctx context.Context, req types.LimitOrderRequest) (*types.PlacedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkPlacement(req.Direction, req.InstrumentID, req.Lots, req.Price); err != nil {
		return nil, err
	}

	o := &order{
		PlacedOrder: types.PlacedOrder{
			OrderID:      uuid.NewString(),
			InstrumentID: req.InstrumentID,
			Direction:    req.Direction,
			Kind:         types.OrderKindLimit,
			Lots:         req.Lots,
			Price:        req.Price,
			AccountID:    b.accountID,
			Status:       types.ExecutionNew,
			PlacedAt:     time.Now(),
		},
		status: types.ExecutionNew,
	}
	b.orders[o.OrderID] = o
	placed := o.PlacedOrder
	return &placed, nil
}

func (b *Broker) PlaceMarketOrder(ctx context.Context, req types.MarketOrderRequest) (*types.PlacedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price := b.prices[req.InstrumentID]
	if err := b.checkPlacement(req.Direction, req.InstrumentID, req.Lots, price); err != nil {
		return nil, err
	}

	o := &order{
		PlacedOrder: types.PlacedOrder{
			OrderID:      uuid.NewString(),
			InstrumentID: req.InstrumentID,
			Direction:    req.Direction,
			Kind:         types.OrderKindMarket,
			Lots:         req.Lots,
			Price:        price,
			AccountID:    b.accountID,
			PlacedAt:     time.Now(),
		},
	}
	b.orders[o.OrderID] = o
	b.fill(o, price)
	placed := o.PlacedOrder
	placed.Status = types.ExecutionFilled
	return &placed, nil
}

func (b *Broker) CancelOrder(ctx context.Context, ref types.OrderRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[ref.OrderID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOrderNotFound, ref.OrderID)
	}
	if o.status != types.ExecutionNew {
		return types.NewPermanentError("cancel_order", 0, fmt.Errorf("order %s is %s", ref.OrderID, o.status))
	}
	o.status = types.ExecutionCancelled
	return nil
}

func (b *Broker) OrderStatus(ctx context.Context, ref types.OrderRef) (*types.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[ref.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, ref.OrderID)
	}
	return &types.OrderState{
		OrderID:      o.OrderID,
		Status:       o.status,
		AveragePrice: o.avgPrice,
		LotsExecuted: o.executed,
		LotsTotal:    o.Lots,
	}, nil
}

func (b *Broker) ActiveOrders(ctx context.Context) ([]types.ActiveOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.ActiveOrder
	for _, o := range b.sortedOrders() {
		if o.status == types.ExecutionNew {
			out = append(out, types.ActiveOrder{OrderID: o.OrderID, InstrumentID: o.InstrumentID})
		}
	}
	return out, nil
}

func (b *Broker) AccountID(ctx context.Context) (string, error) {
	return b.accountID, nil
}

var _ types.Gateway = (*Broker)(nil)
