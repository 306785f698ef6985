package kernel

import (
	"testing"

	"ladderbot/quant"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestZoneAroundReference200(t *testing.T) {
	g, err := NewGeometryPercent(quant.FromInt(200), decimal.NewFromInt(1), DefaultTolerance)
	require.NoError(t, err)
	require.Equal(t, "2.000000000", g.Step.String())

	tests := []struct {
		level    int
		down, up string
		mid      string
	}{
		{1, "201", "203", "202"},
		{2, "203", "205", "204"},
		{-1, "197", "199", "198"},
		{-2, "195", "197", "196"},
		{0, "200", "200", "200"},
	}
	for _, tt := range tests {
		z := g.Zone(tt.level)
		assert.Equal(t, quant.MustParse(tt.down), z.Down, "level %d down", tt.level)
		assert.Equal(t, quant.MustParse(tt.up), z.Up, "level %d up", tt.level)
		assert.Equal(t, quant.MustParse(tt.mid), z.Mid(), "level %d mid", tt.level)
	}

	z1 := g.Zone(1)
	assert.Equal(t, "0.200000000", z1.Margin.String())
	assert.True(t, z1.Contains(quant.FromInt(201)))
	assert.False(t, z1.Contains(quant.FromInt(203)))
	// tolerance widening for occupancy
	assert.True(t, z1.Occupies(quant.MustParse("200.8")))
	assert.True(t, z1.Occupies(quant.MustParse("203.2")))
	assert.False(t, z1.Occupies(quant.MustParse("200.79")))

	assert.True(t, g.Zone(0).Contains(quant.FromInt(200)))
	assert.False(t, g.Zone(0).Contains(quant.FromInt(201)))
}

func TestRungPriceRoundsToIncrement(t *testing.T) {
	g, err := NewGeometryPercent(quant.MustParse("101.37"), decimal.RequireFromString("1.5"), DefaultTolerance)
	require.NoError(t, err)

	p := g.RungPrice(-1, quant.MustParse("0.01"))
	assert.True(t, p.IsMultipleOf(quant.MustParse("0.01")))
	assert.Equal(t, "99.850000000", p.String())
}

func TestNewGeometryValidation(t *testing.T) {
	_, err := NewGeometry(quant.Zero, decimal.RequireFromString("0.01"), DefaultTolerance)
	assert.ErrorIs(t, err, ErrInvalidReference)

	_, err = NewGeometry(quant.FromInt(10), decimal.Zero, DefaultTolerance)
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = NewGeometry(quant.FromInt(10), decimal.RequireFromString("0.01"), decimal.RequireFromString("0.5"))
	assert.ErrorIs(t, err, ErrInvalidTolerance)

	_, err = NewGeometry(quant.New(0, 1), decimal.RequireFromString("0.01"), DefaultTolerance)
	assert.ErrorIs(t, err, ErrInvalidStep)
}

// Zones on each side must tile the price axis: strictly monotonic, no overlap, no gap.
func TestZonesTileProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ref := quant.New(rapid.Int64Range(1, 1_000_000).Draw(t, "units"), rapid.Int64Range(0, quant.NanosPerUnit-1).Draw(t, "nanos"))
		stepBP := rapid.Int64Range(1, 2_000).Draw(t, "step_bp") // 0.01% .. 20%
		tolPct := rapid.Int64Range(0, 49).Draw(t, "tol_pct")
		level := rapid.IntRange(1, 200).Draw(t, "level")

		g, err := NewGeometry(ref, decimal.New(stepBP, -4), decimal.New(tolPct, -2))
		if err != nil {
			t.Fatalf("geometry: %v", err)
		}

		up, next := g.Zone(level), g.Zone(level+1)
		if !up.Down.Less(up.Up) || !up.Up.Equal(next.Down) || !next.Down.Less(next.Up) {
			t.Fatalf("sell side not tiled: %s / %s", up, next)
		}
		if !up.Down.Greater(ref) {
			t.Fatalf("sell zone %s not above reference %s", up, ref)
		}

		down, below := g.Zone(-level), g.Zone(-level-1)
		if !down.Down.Less(down.Up) || !below.Up.Equal(down.Down) || !below.Down.Less(below.Up) {
			t.Fatalf("buy side not tiled: %s / %s", down, below)
		}
		if !down.Up.Less(ref) {
			t.Fatalf("buy zone %s not below reference %s", down, ref)
		}

		if !up.Contains(up.Mid()) || !down.Contains(down.Mid()) {
			t.Fatalf("midpoint outside its zone: %s %s", up, down)
		}
	})
}
