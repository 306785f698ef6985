package trader

import (
	"ladderbot/store"
	"ladderbot/trader/types"
)

// Re-export types so callers only need the trader package
type (
	Gateway            = types.Gateway
	Instrument         = types.Instrument
	LimitOrderRequest  = types.LimitOrderRequest
	MarketOrderRequest = types.MarketOrderRequest
	PlacedOrder        = types.PlacedOrder
	OrderRef           = types.OrderRef
	OrderState         = types.OrderState
	ActiveOrder        = types.ActiveOrder
)

// ErrCapitalInvariant free capital would become negative; the tick aborts before committing
var ErrCapitalInvariant = store.ErrCapitalInvariant

var _ Gateway = (*GuardedGateway)(nil)
