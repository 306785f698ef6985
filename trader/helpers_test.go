package trader

import (
	"context"
	"path/filepath"
	"testing"

	"ladderbot/quant"
	"ladderbot/store"
	"ladderbot/trader/paper"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testTicker = "SBER"

func newTestStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.New(store.DBConfig{Type: store.DBTypeSQLite, Path: filepath.Join(t.TempDir(), "ladder.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// newTestBroker paper account holding cash, one instrument quoted at price
func newTestBroker(cash, price int64) *paper.Broker {
	return paper.New(paper.Config{
		AccountID: "test-account",
		Currency:  "rub",
		Cash:      quant.FromInt(cash),
		Instruments: []paper.InstrumentConfig{{
			Ticker:    testTicker,
			ID:        "FIGI-" + testTicker,
			Lot:       1,
			Increment: quant.MustParse("0.01"),
			Price:     quant.FromInt(price),
		}},
	})
}

func createStrategy(t testing.TB, st *store.Store, id int64, maxCapital int64, stepPercent string, stepAmount int64) *store.Strategy {
	t.Helper()
	s := &store.Strategy{
		StrategyID:  id,
		Ticker:      testTicker,
		MaxCapital:  quant.FromInt(maxCapital),
		StepTrigger: decimal.RequireFromString(stepPercent),
		StepAmount:  stepAmount,
	}
	require.NoError(t, st.Strategy().Create(context.Background(), s))
	return s
}
