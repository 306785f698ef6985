package config

import (
	"fmt"
	"os"
	"strings"

	"ladderbot/quant"
	"ladderbot/store"
	"ladderbot/trader/paper"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SeedStrategy strategy declared in the seed file
type SeedStrategy struct {
	StrategyID  int64       `yaml:"strategy_id"`
	Ticker      string      `yaml:"ticker"`
	MaxCapital  quant.Price `yaml:"max_capital"`
	StepTrigger string      `yaml:"step_trigger"` // percent, "1.5" or "1.5%"
	StepAmount  int64       `yaml:"step_amount"`
	Paused      bool        `yaml:"paused"`
}

// Seed startup file: strategies to create if missing and the paper account
type Seed struct {
	Strategies []SeedStrategy `yaml:"strategies"`
	Paper      paper.Config   `yaml:"paper"`
}

// LoadSeed reads and validates a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	seen := make(map[string]bool)
	for i, s := range seed.Strategies {
		st, err := s.Strategy()
		if err != nil {
			return nil, fmt.Errorf("strategies[%d]: %w", i, err)
		}
		if seen[st.Key()] {
			return nil, fmt.Errorf("strategies[%d]: duplicate strategy %s", i, st.Key())
		}
		seen[st.Key()] = true
	}
	return &seed, nil
}

// Strategy converts the seed entry into a store row with free capital = max capital
func (s SeedStrategy) Strategy() (*store.Strategy, error) {
	step, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(s.StepTrigger), "%"))
	if err != nil {
		return nil, fmt.Errorf("invalid step_trigger %q", s.StepTrigger)
	}
	st := &store.Strategy{
		StrategyID:  s.StrategyID,
		Ticker:      strings.ToUpper(s.Ticker),
		MaxCapital:  s.MaxCapital,
		StepTrigger: step,
		StepAmount:  s.StepAmount,
		FreeCapital: s.MaxCapital,
		Paused:      s.Paused,
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}
