// Package manager schedules strategy ticks and serves the strategy control operations.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ladderbot/logger"
	"ladderbot/notify"
	"ladderbot/store"
	"ladderbot/trader"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrOrdersStillActive strategy cannot be deleted while the broker still holds its orders
var ErrOrdersStillActive = errors.New("strategy still has active orders")

// Config scheduler settings
type Config struct {
	TickInterval  time.Duration
	TickTimeout   time.Duration
	MaxConcurrent int
	Schedule      *Schedule
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 45 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
}

// TickOutcome result of one strategy in a scheduler pass
type TickOutcome struct {
	StrategyID int64              `json:"strategy_id"`
	Ticker     string             `json:"ticker"`
	Orders     int                `json:"orders"`
	Result     *trader.TickResult `json:"-"`
	Error      string             `json:"error,omitempty"`
}

// TickReport result of one scheduler pass over all active strategies
type TickReport struct {
	TickID    string        `json:"tick_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Failed    int           `json:"failed"`
	Outcomes  []TickOutcome `json:"outcomes"`
}

// TraderManager runs the ladder for every active strategy on a schedule
type TraderManager struct {
	store    *store.Store
	ladder   *trader.LadderTrader
	notifier notify.Notifier
	locker   store.Locker
	cfg      Config

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTraderManager creates the manager; notifier may be nil
func NewTraderManager(st *store.Store, ladder *trader.LadderTrader, notifier notify.Notifier, cfg Config) *TraderManager {
	cfg.SetDefaults()
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &TraderManager{
		store:    st,
		ladder:   ladder,
		notifier: notifier,
		locker:   st.Locker(),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动定时调度
func (m *TraderManager) Start() {
	m.wg.Add(1)
	go m.run()
	logger.Infof("⏱ Trader manager started (interval %s, concurrency %d)", m.cfg.TickInterval, m.cfg.MaxConcurrent)
}

// Stop 停止调度并等待当前一轮结束
func (m *TraderManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	logger.Info("⏱ Trader manager stopped")
}

func (m *TraderManager) run() {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.scheduledTick(ctx)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scheduledTick(ctx)
		}
	}
}

func (m *TraderManager) scheduledTick(ctx context.Context) {
	if !m.cfg.Schedule.Open(time.Now()) {
		logger.Debugf("[Manager] outside trading hours, skipping tick")
		return
	}
	if _, err := m.RunTick(ctx); err != nil {
		logger.Errorf("❌ [Manager] tick failed: %v", err)
	}
}

// RunTick runs one tick for every active strategy. Strategy failures are reported
// in the outcomes and never stop the others.
func (m *TraderManager) RunTick(ctx context.Context) (*TickReport, error) {
	strategies, err := m.store.Strategy().List(ctx, store.StrategyFilter{})
	if err != nil {
		return nil, err
	}

	report := &TickReport{
		TickID:    uuid.NewString(),
		StartedAt: time.Now(),
		Outcomes:  make([]TickOutcome, len(strategies)),
	}
	log := logger.WithField("tick", report.TickID)
	if len(strategies) == 0 {
		log.Debug("[Manager] no active strategies")
		return report, nil
	}
	log.Infof("🔁 [Manager] tick over %d strategies", len(strategies))

	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrent)
	for i, st := range strategies {
		i, st := i, st
		g.Go(func() error {
			report.Outcomes[i] = m.tickStrategy(ctx, log, st.StrategyID, st.Ticker)
			return nil
		})
	}
	g.Wait()

	for _, o := range report.Outcomes {
		if o.Error != "" {
			report.Failed++
		}
	}
	report.Duration = time.Since(report.StartedAt)
	log.Infof("🔁 [Manager] tick done in %s, %d/%d failed", report.Duration.Round(time.Millisecond), report.Failed, len(strategies))
	return report, nil
}

func (m *TraderManager) tickStrategy(ctx context.Context, log *logrus.Entry, strategyID int64, ticker string) TickOutcome {
	outcome := TickOutcome{StrategyID: strategyID, Ticker: ticker}
	log = log.WithFields(logrus.Fields{"strategy": strategyID, "ticker": ticker})

	ctx, cancel := context.WithTimeout(ctx, m.cfg.TickTimeout)
	defer cancel()

	unlock, err := m.locker.Lock(ctx, store.LockKey(strategyID, ticker))
	if err != nil {
		outcome.Error = err.Error()
		log.Warnf("⚠️ [Manager] could not lock strategy: %v", err)
		return outcome
	}
	defer unlock()

	result, err := m.ladder.Tick(ctx, strategyID, ticker)
	if err != nil {
		outcome.Error = err.Error()
		log.Errorf("❌ [Manager] strategy tick failed: %v", err)
		m.notifier.Notify(ctx, fmt.Sprintf("❌ Strategy %d for %s: %v", strategyID, ticker, err))
		return outcome
	}
	outcome.Result = result
	outcome.Orders = len(result.Orders)
	if summary := result.Summary(); summary != "" {
		m.notifier.Notify(ctx, summary)
	}
	return outcome
}

// withLock runs fn while holding the strategy lock
func (m *TraderManager) withLock(ctx context.Context, strategyID int64, ticker string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TickTimeout)
	defer cancel()
	unlock, err := m.locker.Lock(ctx, store.LockKey(strategyID, ticker))
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// ListStrategies strategies matching filter
func (m *TraderManager) ListStrategies(ctx context.Context, filter store.StrategyFilter) ([]*store.Strategy, error) {
	return m.store.Strategy().List(ctx, filter)
}

// GetStrategy one strategy
func (m *TraderManager) GetStrategy(ctx context.Context, strategyID int64, ticker string) (*store.Strategy, error) {
	return m.store.Strategy().Get(ctx, strategyID, ticker)
}

// CreateStrategy adds a strategy; it warms up on its next tick
func (m *TraderManager) CreateStrategy(ctx context.Context, st *store.Strategy) error {
	if err := m.store.Strategy().Create(ctx, st); err != nil {
		return err
	}
	logger.Infof("➕ Strategy %d for %s created (max capital %s, step %s%%, %d lots)",
		st.StrategyID, st.Ticker, st.MaxCapital, st.StepTrigger, st.StepAmount)
	return nil
}

// UpdateStrategy applies parameter changes under the strategy lock
func (m *TraderManager) UpdateStrategy(ctx context.Context, strategyID int64, ticker string, params store.StrategyParams) (*store.Strategy, error) {
	var updated *store.Strategy
	err := m.withLock(ctx, strategyID, ticker, func(ctx context.Context) (err error) {
		updated, err = m.store.Strategy().UpdateParams(ctx, strategyID, ticker, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("✏️ Strategy %d for %s updated (need reset: %v)", strategyID, ticker, updated.NeedReset)
	return updated, nil
}

// ResetStrategy flags the ladder for a rebuild on the next tick
func (m *TraderManager) ResetStrategy(ctx context.Context, strategyID int64, ticker string) error {
	return m.store.Strategy().SetNeedReset(ctx, strategyID, ticker, true)
}

// DeleteStrategy cancels the strategy's resting orders, settles them and removes the strategy.
// Fails with ErrOrdersStillActive when the broker has not released every order yet.
func (m *TraderManager) DeleteStrategy(ctx context.Context, strategyID int64, ticker string) error {
	return m.withLock(ctx, strategyID, ticker, func(ctx context.Context) error {
		open, err := m.ladder.CancelLadder(ctx, strategyID, ticker)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: %d orders", ErrOrdersStillActive, open)
		}
		if err := m.store.Strategy().Delete(ctx, strategyID, ticker); err != nil {
			return err
		}
		logger.Infof("➖ Strategy %d for %s deleted", strategyID, ticker)
		return nil
	})
}

// Orders ledger query
func (m *TraderManager) Orders(ctx context.Context, filter store.OrderFilter) ([]*store.Order, error) {
	return m.store.Order().Query(ctx, filter)
}

// OrderStats ledger order counts per status
func (m *TraderManager) OrderStats(ctx context.Context, strategyID int64, ticker string) ([]store.StatusCount, error) {
	return m.store.Order().CountByStatus(ctx, strategyID, ticker)
}

var _ notify.Controller = (*TraderManager)(nil)
