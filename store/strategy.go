package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ladderbot/quant"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrStrategyExists   = errors.New("strategy already exists")
	ErrInvalidStrategy  = errors.New("invalid strategy")
	// ErrCapitalInvariant free capital would go negative
	ErrCapitalInvariant = errors.New("capital invariant violated: free capital would be negative")
)

// Strategy ladder strategy for one ticker, keyed by (strategy_id, ticker)
type Strategy struct {
	StrategyID  int64           `json:"strategy_id" gorm:"primaryKey;autoIncrement:false"`
	Ticker      string          `json:"ticker" gorm:"primaryKey;size:32"`
	MaxCapital  quant.Price     `json:"max_capital" gorm:"embedded;embeddedPrefix:max_capital_"`
	StepTrigger decimal.Decimal `json:"step_trigger" gorm:"type:numeric(20,9);not null"` // percent, 1 = 1%
	StepAmount  int64           `json:"step_amount" gorm:"not null"`                      // lots per rung
	FreeCapital quant.Price     `json:"free_capital" gorm:"embedded;embeddedPrefix:free_capital_"`
	WarmedUp    bool            `json:"warmed_up"`
	NeedReset   bool            `json:"need_reset"`
	Paused      bool            `json:"paused"`
	CreatedAt   time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Strategy) TableName() string {
	return "share_strategies"
}

// Key lock key for the strategy
func (s *Strategy) Key() string {
	return LockKey(s.StrategyID, s.Ticker)
}

// Validate checks user supplied parameters
func (s *Strategy) Validate() error {
	if s.Ticker == "" {
		return fmt.Errorf("%w: ticker is required", ErrInvalidStrategy)
	}
	if !s.MaxCapital.IsPositive() {
		return fmt.Errorf("%w: max_capital must be positive", ErrInvalidStrategy)
	}
	if !s.StepTrigger.IsPositive() {
		return fmt.Errorf("%w: step_trigger must be positive", ErrInvalidStrategy)
	}
	if s.StepAmount <= 0 {
		return fmt.Errorf("%w: step_amount must be positive", ErrInvalidStrategy)
	}
	if s.FreeCapital.IsNegative() {
		return ErrCapitalInvariant
	}
	return nil
}

// StrategyFilter optional filters, zero values match everything
type StrategyFilter struct {
	StrategyID    int64
	Ticker        string
	IncludePaused bool
}

// StrategyParams control-surface update, nil fields are left unchanged
type StrategyParams struct {
	MaxCapital  *quant.Price     `json:"max_capital,omitempty"`
	StepTrigger *decimal.Decimal `json:"step_trigger,omitempty"`
	StepAmount  *int64           `json:"step_amount,omitempty"`
	Paused      *bool            `json:"paused,omitempty"`
}

// StrategyStore strategy storage
type StrategyStore struct {
	db *gorm.DB
}

// InitTables creates the strategies table
func (s *StrategyStore) InitTables() error {
	return s.db.AutoMigrate(&Strategy{})
}

// List returns strategies matching the filter, ordered by (strategy_id, ticker)
func (s *StrategyStore) List(ctx context.Context, filter StrategyFilter) ([]*Strategy, error) {
	q := s.db.WithContext(ctx).Model(&Strategy{})
	if filter.StrategyID != 0 {
		q = q.Where("strategy_id = ?", filter.StrategyID)
	}
	if filter.Ticker != "" {
		q = q.Where("ticker = ?", filter.Ticker)
	}
	if !filter.IncludePaused {
		q = q.Where("paused = ?", false)
	}

	var strategies []*Strategy
	if err := q.Order("strategy_id ASC, ticker ASC").Find(&strategies).Error; err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	return strategies, nil
}

// Get loads one strategy
func (s *StrategyStore) Get(ctx context.Context, strategyID int64, ticker string) (*Strategy, error) {
	var st Strategy
	err := s.db.WithContext(ctx).Where("strategy_id = ? AND ticker = ?", strategyID, ticker).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d/%s", ErrStrategyNotFound, strategyID, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy: %w", err)
	}
	return &st, nil
}

// Create inserts a new strategy. New strategies start with free capital equal to
// max capital, not warmed up and flagged for reset.
func (s *StrategyStore) Create(ctx context.Context, st *Strategy) error {
	st.FreeCapital = st.MaxCapital
	st.WarmedUp = false
	st.NeedReset = true
	if err := st.Validate(); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Strategy{}).Where("strategy_id = ? AND ticker = ?", st.StrategyID, st.Ticker).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %d/%s", ErrStrategyExists, st.StrategyID, st.Ticker)
		}
		return tx.Create(st).Error
	})
}

// UpdateParams applies control-surface changes.
// Changing max capital moves free capital by the same delta; changing the step flags a reset
// so the ladder is rebuilt with the new spacing.
func (s *StrategyStore) UpdateParams(ctx context.Context, strategyID int64, ticker string, params StrategyParams) (*Strategy, error) {
	var updated *Strategy
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &StrategyStore{db: tx}
		st, err := txStore.Get(ctx, strategyID, ticker)
		if err != nil {
			return err
		}

		if params.MaxCapital != nil {
			delta := params.MaxCapital.Sub(st.MaxCapital)
			st.MaxCapital = *params.MaxCapital
			st.FreeCapital = st.FreeCapital.Add(delta)
		}
		if params.StepTrigger != nil && !params.StepTrigger.Equal(st.StepTrigger) {
			st.StepTrigger = *params.StepTrigger
			st.NeedReset = true
		}
		if params.StepAmount != nil && *params.StepAmount != st.StepAmount {
			st.StepAmount = *params.StepAmount
			st.NeedReset = true
		}
		if params.Paused != nil {
			st.Paused = *params.Paused
		}
		if err := st.Validate(); err != nil {
			return err
		}

		err = tx.Model(st).
			Select("max_capital_units", "max_capital_nanos", "step_trigger", "step_amount",
				"free_capital_units", "free_capital_nanos", "need_reset", "paused", "updated_at").
			Updates(st).Error
		if err != nil {
			return fmt.Errorf("failed to update strategy: %w", err)
		}
		updated = st
		return nil
	})
	return updated, err
}

// SaveRuntime persists the fields owned by the replenishment loop
func (s *StrategyStore) SaveRuntime(ctx context.Context, st *Strategy) error {
	if st.FreeCapital.IsNegative() {
		return ErrCapitalInvariant
	}
	err := s.db.WithContext(ctx).Model(st).
		Select("free_capital_units", "free_capital_nanos", "warmed_up", "need_reset", "updated_at").
		Updates(st).Error
	if err != nil {
		return fmt.Errorf("failed to save strategy runtime state: %w", err)
	}
	return nil
}

// SetNeedReset flags (or clears) a ladder reset
func (s *StrategyStore) SetNeedReset(ctx context.Context, strategyID int64, ticker string, needReset bool) error {
	res := s.db.WithContext(ctx).Model(&Strategy{}).
		Where("strategy_id = ? AND ticker = ?", strategyID, ticker).
		Update("need_reset", needReset)
	if res.Error != nil {
		return fmt.Errorf("failed to set need_reset: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d/%s", ErrStrategyNotFound, strategyID, ticker)
	}
	return nil
}

// AdjustFreeCapital adds delta (may be negative) to free capital and returns the new value.
// Call it inside Store.Transaction together with the ledger change that caused it.
func (s *StrategyStore) AdjustFreeCapital(ctx context.Context, strategyID int64, ticker string, delta quant.Price) (quant.Price, error) {
	st, err := s.Get(ctx, strategyID, ticker)
	if err != nil {
		return quant.Zero, err
	}
	st.FreeCapital = st.FreeCapital.Add(delta)
	if st.FreeCapital.IsNegative() {
		return quant.Zero, fmt.Errorf("%w: %d/%s free capital %s after %s", ErrCapitalInvariant, strategyID, ticker, st.FreeCapital, delta)
	}
	err = s.db.WithContext(ctx).Model(st).
		Select("free_capital_units", "free_capital_nanos", "updated_at").
		Updates(st).Error
	if err != nil {
		return quant.Zero, fmt.Errorf("failed to update free capital: %w", err)
	}
	return st.FreeCapital, nil
}

// Delete removes a strategy row. Callers cancel resting orders first.
func (s *StrategyStore) Delete(ctx context.Context, strategyID int64, ticker string) error {
	res := s.db.WithContext(ctx).Where("strategy_id = ? AND ticker = ?", strategyID, ticker).Delete(&Strategy{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete strategy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d/%s", ErrStrategyNotFound, strategyID, ticker)
	}
	return nil
}
