package trader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ladderbot/quant"
	"ladderbot/trader/paper"
	"ladderbot/trader/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyGateway paper broker whose calls fail on demand
type flakyGateway struct {
	*paper.Broker
	failures   atomic.Int32 // remaining transient failures
	priceCalls atomic.Int32
	placeCalls atomic.Int32
	hang       bool
}

func (f *flakyGateway) LastPrice(ctx context.Context, instrumentID string) (quant.Price, error) {
	f.priceCalls.Add(1)
	if f.hang {
		<-ctx.Done()
		return quant.Zero, ctx.Err()
	}
	if f.failures.Add(-1) >= 0 {
		return quant.Zero, types.NewTransientError("last_price", errors.New("connection reset"))
	}
	return f.Broker.LastPrice(ctx, instrumentID)
}

func (f *flakyGateway) PlaceLimitOrder(ctx context.Context, req types.LimitOrderRequest) (*types.PlacedOrder, error) {
	f.placeCalls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, types.NewTransientError("place_limit", errors.New("connection reset"))
	}
	return f.Broker.PlaceLimitOrder(ctx, req)
}

func newFlaky(failures int32) *flakyGateway {
	f := &flakyGateway{Broker: newTestBroker(100000, 100)}
	f.failures.Store(failures)
	return f
}

func fastGuard(name string) GuardConfig {
	return GuardConfig{
		Name:             name,
		CallTimeout:      time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
		BreakerThreshold: 10,
		BreakerCooldown:  time.Minute,
	}
}

func TestGuardedGateway_RetriesReads(t *testing.T) {
	flaky := newFlaky(2)
	g := NewGuardedGateway(flaky, fastGuard("retry-reads"))

	price, err := g.LastPrice(context.Background(), "FIGI-"+testTicker)
	require.NoError(t, err)
	assert.Equal(t, quant.FromInt(100), price)
	assert.Equal(t, int32(3), flaky.priceCalls.Load())
	assert.Equal(t, BreakerClosed, g.Breaker().State())
}

func TestGuardedGateway_GivesUpAfterMaxRetries(t *testing.T) {
	flaky := newFlaky(100)
	g := NewGuardedGateway(flaky, fastGuard("give-up"))

	_, err := g.LastPrice(context.Background(), "FIGI-"+testTicker)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, int32(4), flaky.priceCalls.Load())
}

func TestGuardedGateway_NeverRetriesPlacements(t *testing.T) {
	flaky := newFlaky(1)
	g := NewGuardedGateway(flaky, fastGuard("no-retry-writes"))

	_, err := g.PlaceLimitOrder(context.Background(), types.LimitOrderRequest{
		InstrumentID: "FIGI-" + testTicker, Direction: types.DirectionBuy, Lots: 1, Price: quant.FromInt(99),
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), flaky.placeCalls.Load())
}

func TestGuardedGateway_PermanentErrorsAreNotRetried(t *testing.T) {
	flaky := newFlaky(0)
	g := NewGuardedGateway(flaky, fastGuard("permanent"))

	_, err := g.OrderStatus(context.Background(), types.OrderRef{InstrumentID: "FIGI-" + testTicker, OrderID: "nope"})
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
	assert.Equal(t, BreakerClosed, g.Breaker().State())
}

func TestGuardedGateway_BreakerOpens(t *testing.T) {
	flaky := newFlaky(100)
	cfg := fastGuard("breaker")
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 2
	g := NewGuardedGateway(flaky, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.LastPrice(ctx, "FIGI-"+testTicker)
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, g.Breaker().State())

	_, err := g.LastPrice(ctx, "FIGI-"+testTicker)
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.Equal(t, int32(2), flaky.priceCalls.Load())
}

func TestGuardedGateway_CallTimeout(t *testing.T) {
	flaky := newFlaky(0)
	flaky.hang = true
	cfg := fastGuard("timeout")
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	g := NewGuardedGateway(flaky, cfg)

	start := time.Now()
	_, err := g.LastPrice(context.Background(), "FIGI-"+testTicker)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, types.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("half-open", 1, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoff(0, 100*time.Millisecond, time.Second))
	assert.Equal(t, 400*time.Millisecond, backoff(2, 100*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, backoff(5, 100*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, backoff(40, 100*time.Millisecond, time.Second))
}
