package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ladderbot/logger"
	"ladderbot/quant"
	"ladderbot/trader/types"

	"golang.org/x/time/rate"
)

// GuardConfig resilience settings for gateway calls
type GuardConfig struct {
	Name             string
	CallTimeout      time.Duration // per call deadline
	RatePerSecond    float64       // 0 disables rate limiting
	Burst            int
	MaxRetries       int // retries for idempotent reads on transient errors
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// SetDefaults fills zero values
func (c *GuardConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "gateway"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
}

// GuardedGateway decorates a Gateway with per-call timeouts, rate limiting,
// a circuit breaker and bounded retries for reads.
// Placements and cancellations are never retried: a timed-out placement may still have landed.
type GuardedGateway struct {
	next    types.Gateway
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *CircuitBreaker
}

// NewGuardedGateway wraps next
func NewGuardedGateway(next types.Gateway, cfg GuardConfig) *GuardedGateway {
	cfg.SetDefaults()
	limiter := rate.NewLimiter(rate.Inf, cfg.Burst)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return &GuardedGateway{
		next:    next,
		cfg:     cfg,
		limiter: limiter,
		breaker: NewCircuitBreaker(cfg.Name, cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// Breaker exposes the breaker for health reporting
func (g *GuardedGateway) Breaker() *CircuitBreaker {
	return g.breaker
}

func (g *GuardedGateway) call(ctx context.Context, op string, retry bool, fn func(ctx context.Context) error) error {
	attempts := 1
	if retry {
		attempts += g.cfg.MaxRetries
	}

	for attempt := 0; ; attempt++ {
		if !g.breaker.Allow() {
			gatewayCalls.WithLabelValues(op, "short_circuit").Inc()
			return fmt.Errorf("%s: %w", op, types.ErrCircuitOpen)
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", op, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		err := fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil {
			g.breaker.RecordSuccess()
			gatewayCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if timedOut && !types.IsTransient(err) {
			err = types.NewTransientError(op, fmt.Errorf("timed out after %s: %w", g.cfg.CallTimeout, err))
		}

		if types.IsTransient(err) {
			g.breaker.RecordFailure()
			gatewayCalls.WithLabelValues(op, "transient").Inc()
		} else {
			// 业务错误（参数、订单不存在）说明券商是健康的
			g.breaker.RecordSuccess()
			gatewayCalls.WithLabelValues(op, "error").Inc()
		}

		if !types.IsTransient(err) || errors.Is(err, types.ErrCircuitOpen) || attempt+1 >= attempts {
			return err
		}

		delay := backoff(attempt, g.cfg.RetryBaseDelay, g.cfg.RetryMaxDelay)
		logger.Warnf("⚠️ [%s] %s failed (attempt %d/%d), retrying in %s: %v", g.cfg.Name, op, attempt+1, attempts, delay, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (g *GuardedGateway) Instrument(ctx context.Context, ticker string) (*types.Instrument, error) {
	var out *types.Instrument
	err := g.call(ctx, "instrument", true, func(ctx context.Context) (err error) {
		out, err = g.next.Instrument(ctx, ticker)
		return err
	})
	return out, err
}

func (g *GuardedGateway) LastPrice(ctx context.Context, instrumentID string) (quant.Price, error) {
	var out quant.Price
	err := g.call(ctx, "last_price", true, func(ctx context.Context) (err error) {
		out, err = g.next.LastPrice(ctx, instrumentID)
		return err
	})
	return out, err
}

func (g *GuardedGateway) PositionLots(ctx context.Context, instrumentID string) (int64, error) {
	var out int64
	err := g.call(ctx, "position_lots", true, func(ctx context.Context) (err error) {
		out, err = g.next.PositionLots(ctx, instrumentID)
		return err
	})
	return out, err
}

func (g *GuardedGateway) Balance(ctx context.Context, currency string) (quant.Price, error) {
	var out quant.Price
	err := g.call(ctx, "balance", true, func(ctx context.Context) (err error) {
		out, err = g.next.Balance(ctx, currency)
		return err
	})
	return out, err
}

func (g *GuardedGateway) PlaceLimitOrder(ctx context.Context, req types.LimitOrderRequest) (*types.PlacedOrder, error) {
	var out *types.PlacedOrder
	err := g.call(ctx, "place_limit_order", false, func(ctx context.Context) (err error) {
		out, err = g.next.PlaceLimitOrder(ctx, req)
		return err
	})
	return out, err
}

func (g *GuardedGateway) PlaceMarketOrder(ctx context.Context, req types.MarketOrderRequest) (*types.PlacedOrder, error) {
	var out *types.PlacedOrder
	err := g.call(ctx, "place_market_order", false, func(ctx context.Context) (err error) {
		out, err = g.next.PlaceMarketOrder(ctx, req)
		return err
	})
	return out, err
}

func (g *GuardedGateway) CancelOrder(ctx context.Context, ref types.OrderRef) error {
	return g.call(ctx, "cancel_order", false, func(ctx context.Context) error {
		return g.next.CancelOrder(ctx, ref)
	})
}

// CompensateCancel cancels an order on behalf of a batch rollback. It skips the breaker
// and the rate limiter but keeps the per-call timeout: the failure that aborted the batch
// may have opened the breaker, and the orders it placed must still be withdrawn.
// The outcome is not fed back into the breaker.
func (g *GuardedGateway) CompensateCancel(ctx context.Context, ref types.OrderRef) error {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	if err := g.next.CancelOrder(callCtx, ref); err != nil {
		gatewayCalls.WithLabelValues("compensate_cancel", "error").Inc()
		return fmt.Errorf("compensate_cancel: %w", err)
	}
	gatewayCalls.WithLabelValues("compensate_cancel", "ok").Inc()
	return nil
}

func (g *GuardedGateway) OrderStatus(ctx context.Context, ref types.OrderRef) (*types.OrderState, error) {
	var out *types.OrderState
	err := g.call(ctx, "order_status", true, func(ctx context.Context) (err error) {
		out, err = g.next.OrderStatus(ctx, ref)
		return err
	})
	return out, err
}

func (g *GuardedGateway) ActiveOrders(ctx context.Context) ([]types.ActiveOrder, error) {
	var out []types.ActiveOrder
	err := g.call(ctx, "active_orders", true, func(ctx context.Context) (err error) {
		out, err = g.next.ActiveOrders(ctx)
		return err
	})
	return out, err
}

func (g *GuardedGateway) AccountID(ctx context.Context) (string, error) {
	var out string
	err := g.call(ctx, "account_id", true, func(ctx context.Context) (err error) {
		out, err = g.next.AccountID(ctx)
		return err
	})
	return out, err
}
