package types

import (
	"context"
	"fmt"
	"time"

	"ladderbot/quant"
)

// Direction order side
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// OrderKind limit or market
type OrderKind string

const (
	OrderKindLimit  OrderKind = "LIMIT"
	OrderKindMarket OrderKind = "MARKET"
)

// ExecutionStatus status reported by the broker for a single order
type ExecutionStatus string

const (
	ExecutionNew             ExecutionStatus = "NEW"
	ExecutionPartiallyFilled ExecutionStatus = "PARTIALLY_FILLED"
	ExecutionFilled          ExecutionStatus = "FILLED"
	ExecutionCancelled       ExecutionStatus = "CANCELLED"
	ExecutionRejected        ExecutionStatus = "REJECTED"
	ExecutionUnspecified     ExecutionStatus = "UNSPECIFIED"
)

// Instrument tradable instrument metadata, fetched fresh every tick
type Instrument struct {
	ID                string      // broker instrument id (FIGI, symbol, ...)
	Ticker            string      // human ticker used by strategies
	Lot               int64       // lots must be a multiple of this
	MinPriceIncrement quant.Price // limit prices must be a multiple of this
	Currency          string
	LimitAvailable    bool
	MarketAvailable   bool
}

// ValidateLots checks lots against the instrument lot size
func (i *Instrument) ValidateLots(lots int64) error {
	if lots <= 0 {
		return fmt.Errorf("%w: lots must be positive, got %d", ErrValidation, lots)
	}
	if i.Lot > 1 && lots%i.Lot != 0 {
		return fmt.Errorf("%w: %d lots is not a multiple of lot size %d for %s", ErrValidation, lots, i.Lot, i.Ticker)
	}
	return nil
}

// ValidatePrice checks a limit price against the minimum increment
func (i *Instrument) ValidatePrice(price quant.Price) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", ErrValidation, price)
	}
	if !price.IsMultipleOf(i.MinPriceIncrement) {
		return fmt.Errorf("%w: price %s is not a multiple of increment %s for %s", ErrValidation, price, i.MinPriceIncrement, i.Ticker)
	}
	return nil
}

// LimitOrderRequest limit order placement
type LimitOrderRequest struct {
	InstrumentID  string
	Direction     Direction
	Lots          int64
	Price         quant.Price
	ClientOrderID string // idempotency key, optional
}

// MarketOrderRequest market order placement
type MarketOrderRequest struct {
	InstrumentID  string
	Direction     Direction
	Lots          int64
	ClientOrderID string
}

// PlacedOrder broker acknowledgement of a placement
type PlacedOrder struct {
	OrderID      string
	InstrumentID string
	Direction    Direction
	Kind         OrderKind
	Lots         int64
	Price        quant.Price // limit price, or last price estimate for market orders
	AccountID    string
	Status       ExecutionStatus
	PlacedAt     time.Time
}

// OrderRef identifies an order at the broker
type OrderRef struct {
	InstrumentID string
	OrderID      string
}

// OrderState broker view of one order
type OrderState struct {
	OrderID      string
	Status       ExecutionStatus
	AveragePrice quant.Price
	LotsExecuted int64
	LotsTotal    int64
}

// ActiveOrder resting order at the broker
type ActiveOrder struct {
	OrderID      string
	InstrumentID string
}

// Gateway brokerage gateway contract
// Every method is a blocking network call and must honour ctx cancellation.
type Gateway interface {
	// Instrument resolves a ticker, ErrInstrumentNotFound when unknown
	Instrument(ctx context.Context, ticker string) (*Instrument, error)

	// LastPrice last traded price
	LastPrice(ctx context.Context, instrumentID string) (quant.Price, error)

	// PositionLots lots currently held and free to sell
	PositionLots(ctx context.Context, instrumentID string) (int64, error)

	// Balance free cash balance in currency
	Balance(ctx context.Context, currency string) (quant.Price, error)

	// PlaceLimitOrder place a resting limit order
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*PlacedOrder, error)

	// PlaceMarketOrder place a market order
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*PlacedOrder, error)

	// CancelOrder cancel a resting order
	CancelOrder(ctx context.Context, ref OrderRef) error

	// OrderStatus current state, ErrOrderNotFound when the broker has no such order
	OrderStatus(ctx context.Context, ref OrderRef) (*OrderState, error)

	// ActiveOrders all resting orders of the account
	ActiveOrders(ctx context.Context) ([]ActiveOrder, error)

	// AccountID trading account identifier
	AccountID(ctx context.Context) (string, error)
}
