// Package binance spot brokerage adapter on top of go-binance.
//
// The ladder engine counts whole lots, while spot symbols trade fractional
// quantities. One engine lot is one exchange stepSize, so a unit price is the
// coin price times stepSize and the price increment is tickSize*stepSize.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ladderbot/logger"
	"ladderbot/quant"
	"ladderbot/trader/types"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// codeUnknownOrder binance "Order does not exist"
const codeUnknownOrder = -2013

// Config credentials and endpoint
type Config struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	BaseURL   string // overrides the endpoint, used by tests
}

// symbolInfo exchange filters of one spot symbol
type symbolInfo struct {
	symbol     string
	baseAsset  string
	quoteAsset string
	stepSize   decimal.Decimal
	tickSize   decimal.Decimal
	limit      bool
	market     bool
}

// SpotTrader binance spot account implementing the gateway contract
type SpotTrader struct {
	client *binance.Client

	accountOnce sync.Once
	accountID   string
}

// NewSpotTrader creates the adapter
func NewSpotTrader(cfg Config) *SpotTrader {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	logger.Infof("🔗 [Binance] spot client ready (testnet=%v)", cfg.Testnet)
	return &SpotTrader{client: client}
}

// classify turns a go-binance error into a gateway error
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeUnknownOrder {
			return fmt.Errorf("%w: %s", types.ErrOrderNotFound, apiErr.Message)
		}
		// -1xxx are request/server level problems, retrying may help
		if apiErr.Code <= -1000 && apiErr.Code > -1100 {
			return types.NewTransientError(op, apiErr)
		}
		return types.NewPermanentError(op, int(apiErr.Code), apiErr)
	}
	return types.NewTransientError(op, err)
}

// symbol loads the exchange filters of a symbol. Nothing is cached: tick and step
// sizes can change between ticks, and every conversion must use the current ones.
func (t *SpotTrader) symbol(ctx context.Context, symbol string) (*symbolInfo, error) {
	symbol = strings.ToUpper(symbol)
	res, err := t.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("exchange_info", err)
	}
	for _, s := range res.Symbols {
		if s.Symbol == symbol {
			return parseSymbol(s)
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrInstrumentNotFound, symbol)
}

func parseSymbol(s binance.Symbol) (*symbolInfo, error) {
	lot := s.LotSizeFilter()
	price := s.PriceFilter()
	if lot == nil || price == nil {
		return nil, fmt.Errorf("%w: %s has no lot/price filter", types.ErrInstrumentNotFound, s.Symbol)
	}
	step, err := decimal.NewFromString(lot.StepSize)
	if err != nil || !step.IsPositive() {
		return nil, fmt.Errorf("%w: %s step size %q", types.ErrValidation, s.Symbol, lot.StepSize)
	}
	tick, err := decimal.NewFromString(price.TickSize)
	if err != nil || !tick.IsPositive() {
		return nil, fmt.Errorf("%w: %s tick size %q", types.ErrValidation, s.Symbol, price.TickSize)
	}

	info := &symbolInfo{
		symbol:     s.Symbol,
		baseAsset:  s.BaseAsset,
		quoteAsset: s.QuoteAsset,
		stepSize:   step,
		tickSize:   tick,
	}
	tradable := s.Status == "TRADING"
	for _, ot := range s.OrderTypes {
		switch binance.OrderType(ot) {
		case binance.OrderTypeLimit:
			info.limit = tradable
		case binance.OrderTypeMarket:
			info.market = tradable
		}
	}
	return info, nil
}

// unitPrice coin price -> price of one lot (stepSize coins)
func (s *symbolInfo) unitPrice(coin decimal.Decimal) quant.Price {
	return quant.FromDecimal(coin.Mul(s.stepSize))
}

// coinPrice lot price -> exchange price string, snapped to the tick size
func (s *symbolInfo) coinPrice(unit quant.Price) string {
	coin := unit.Decimal().Div(s.stepSize)
	coin = coin.Div(s.tickSize).Round(0).Mul(s.tickSize)
	return coin.String()
}

func (s *symbolInfo) quantity(lots int64) string {
	return s.stepSize.Mul(decimal.NewFromInt(lots)).String()
}

func (s *symbolInfo) lots(quantity string) int64 {
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return 0
	}
	return q.Div(s.stepSize).Floor().IntPart()
}

// MapOrderStatus binance order status -> execution status
func MapOrderStatus(s binance.OrderStatusType) types.ExecutionStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return types.ExecutionNew
	case binance.OrderStatusTypePartiallyFilled:
		return types.ExecutionPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return types.ExecutionFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return types.ExecutionCancelled
	case binance.OrderStatusTypeRejected:
		return types.ExecutionRejected
	default:
		return types.ExecutionUnspecified
	}
}

func side(d types.Direction) binance.SideType {
	if d == types.DirectionSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func direction(s binance.SideType) types.Direction {
	if s == binance.SideTypeSell {
		return types.DirectionSell
	}
	return types.DirectionBuy
}

func (t *SpotTrader) Instrument(ctx context.Context, ticker string) (*types.Instrument, error) {
	info, err := t.symbol(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return &types.Instrument{
		ID:                info.symbol,
		Ticker:            info.symbol,
		Lot:               1,
		MinPriceIncrement: quant.FromDecimal(info.tickSize.Mul(info.stepSize)),
		Currency:          strings.ToLower(info.quoteAsset),
		LimitAvailable:    info.limit,
		MarketAvailable:   info.market,
	}, nil
}

func (t *SpotTrader) LastPrice(ctx context.Context, instrumentID string) (quant.Price, error) {
	info, err := t.symbol(ctx, instrumentID)
	if err != nil {
		return quant.Zero, err
	}
	prices, err := t.client.NewListPricesService().Symbol(info.symbol).Do(ctx)
	if err != nil {
		return quant.Zero, classify("last_price", err)
	}
	for _, p := range prices {
		if p.Symbol != info.symbol {
			continue
		}
		coin, err := decimal.NewFromString(p.Price)
		if err != nil {
			return quant.Zero, types.NewPermanentError("last_price", 0, err)
		}
		return info.unitPrice(coin), nil
	}
	return quant.Zero, fmt.Errorf("%w: no price for %s", types.ErrInstrumentNotFound, info.symbol)
}

// freeAsset free (not locked) balance of one asset
func (t *SpotTrader) freeAsset(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := t.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, classify("account", err)
	}
	for _, b := range account.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return decimal.NewFromString(b.Free)
		}
	}
	return decimal.Zero, nil
}

// PositionLots free base asset expressed in lots; coins locked in open sells are excluded
func (t *SpotTrader) PositionLots(ctx context.Context, instrumentID string) (int64, error) {
	info, err := t.symbol(ctx, instrumentID)
	if err != nil {
		return 0, err
	}
	free, err := t.freeAsset(ctx, info.baseAsset)
	if err != nil {
		return 0, err
	}
	return free.Div(info.stepSize).Floor().IntPart(), nil
}

func (t *SpotTrader) Balance(ctx context.Context, currency string) (quant.Price, error) {
	free, err := t.freeAsset(ctx, currency)
	if err != nil {
		return quant.Zero, err
	}
	return quant.FromDecimal(free), nil
}

func (t *SpotTrader) PlaceLimitOrder(ctx context.Context, req types.LimitOrderRequest) (*types.PlacedOrder, error) {
	info, err := t.symbol(ctx, req.InstrumentID)
	if err != nil {
		return nil, err
	}
	svc := t.client.NewCreateOrderService().
		Symbol(info.symbol).
		Side(side(req.Direction)).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(info.quantity(req.Lots)).
		Price(info.coinPrice(req.Price))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("place_limit", err)
	}
	logger.Infof("📝 [Binance] limit %s %s %s@%s -> %d", req.Direction, info.symbol, res.OrigQuantity, res.Price, res.OrderID)
	return t.placed(ctx, info, res, types.OrderKindLimit, req.Lots, req.Price), nil
}

func (t *SpotTrader) PlaceMarketOrder(ctx context.Context, req types.MarketOrderRequest) (*types.PlacedOrder, error) {
	info, err := t.symbol(ctx, req.InstrumentID)
	if err != nil {
		return nil, err
	}
	svc := t.client.NewCreateOrderService().
		Symbol(info.symbol).
		Side(side(req.Direction)).
		Type(binance.OrderTypeMarket).
		Quantity(info.quantity(req.Lots))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("place_market", err)
	}

	// executed average = cumulative quote / executed quantity
	price := quant.Zero
	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	quote, _ := decimal.NewFromString(res.CummulativeQuoteQuantity)
	if executed.IsPositive() {
		price = info.unitPrice(quote.Div(executed))
	}
	logger.Infof("📝 [Binance] market %s %s %s -> %d", req.Direction, info.symbol, res.ExecutedQuantity, res.OrderID)
	return t.placed(ctx, info, res, types.OrderKindMarket, req.Lots, price), nil
}

func (t *SpotTrader) placed(ctx context.Context, info *symbolInfo, res *binance.CreateOrderResponse, kind types.OrderKind, lots int64, price quant.Price) *types.PlacedOrder {
	account, _ := t.AccountID(ctx)
	placedAt := time.Now()
	if res.TransactTime > 0 {
		placedAt = time.UnixMilli(res.TransactTime)
	}
	return &types.PlacedOrder{
		OrderID:      strconv.FormatInt(res.OrderID, 10),
		InstrumentID: info.symbol,
		Direction:    direction(res.Side),
		Kind:         kind,
		Lots:         lots,
		Price:        price,
		AccountID:    account,
		Status:       MapOrderStatus(res.Status),
		PlacedAt:     placedAt,
	}
}

func parseOrderID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad order id %q", types.ErrValidation, id)
	}
	return n, nil
}

func (t *SpotTrader) CancelOrder(ctx context.Context, ref types.OrderRef) error {
	id, err := parseOrderID(ref.OrderID)
	if err != nil {
		return err
	}
	_, err = t.client.NewCancelOrderService().Symbol(strings.ToUpper(ref.InstrumentID)).OrderID(id).Do(ctx)
	return classify("cancel_order", err)
}

func (t *SpotTrader) OrderStatus(ctx context.Context, ref types.OrderRef) (*types.OrderState, error) {
	info, err := t.symbol(ctx, ref.InstrumentID)
	if err != nil {
		return nil, err
	}
	id, err := parseOrderID(ref.OrderID)
	if err != nil {
		return nil, err
	}
	o, err := t.client.NewGetOrderService().Symbol(info.symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, classify("order_status", err)
	}

	state := &types.OrderState{
		OrderID:      ref.OrderID,
		Status:       MapOrderStatus(o.Status),
		LotsExecuted: info.lots(o.ExecutedQuantity),
		LotsTotal:    info.lots(o.OrigQuantity),
	}
	executed, _ := decimal.NewFromString(o.ExecutedQuantity)
	quote, _ := decimal.NewFromString(o.CummulativeQuoteQuantity)
	if executed.IsPositive() {
		state.AveragePrice = info.unitPrice(quote.Div(executed))
	}
	return state, nil
}

func (t *SpotTrader) ActiveOrders(ctx context.Context) ([]types.ActiveOrder, error) {
	orders, err := t.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, classify("open_orders", err)
	}
	out := make([]types.ActiveOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, types.ActiveOrder{OrderID: strconv.FormatInt(o.OrderID, 10), InstrumentID: o.Symbol})
	}
	return out, nil
}

// AccountID spot accounts have no id of their own; the api key prefix identifies them
func (t *SpotTrader) AccountID(ctx context.Context) (string, error) {
	t.accountOnce.Do(func() {
		key := t.client.APIKey
		if len(key) > 8 {
			key = key[:8]
		}
		t.accountID = "binance-spot-" + key
	})
	return t.accountID, nil
}

var _ types.Gateway = (*SpotTrader)(nil)
