package kernel

import (
	"errors"
	"fmt"

	"ladderbot/quant"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Ladder zone geometry
// ============================================================================

// DefaultTolerance fraction of a step added on both sides of a zone for occupancy lookups
var DefaultTolerance = decimal.RequireFromString("0.1")

var (
	ErrInvalidReference = errors.New("reference price must be positive")
	ErrInvalidStep      = errors.New("step percent must be positive")
	ErrInvalidTolerance = errors.New("tolerance must be in [0, 0.5)")
)

var half = decimal.RequireFromString("0.5")

// Zone price band owned by one ladder rung.
// Level 0 is the point zone at the reference price and is never tradable.
// Bounds are half-open [Down, Up): consecutive zones on one side share a boundary.
type Zone struct {
	Level  int         `json:"level"`
	Down   quant.Price `json:"down"`
	Up     quant.Price `json:"up"`
	Margin quant.Price `json:"margin"` // tolerance widening for occupancy checks
}

// Contains reports whether p lies in [Down, Up)
func (z Zone) Contains(p quant.Price) bool {
	if z.Level == 0 {
		return p.Equal(z.Down)
	}
	return !p.Less(z.Down) && p.Less(z.Up)
}

// Occupies reports whether a resting order at p blocks this zone.
// The window is [Down-Margin, Up+Margin], so an order sitting near a boundary
// blocks both neighbours and a drifting reference cannot stack a near-duplicate rung.
func (z Zone) Occupies(p quant.Price) bool {
	return !p.Less(z.Down.Sub(z.Margin)) && !p.Greater(z.Up.Add(z.Margin))
}

// Mid rung price (reference + step*level) before increment rounding
func (z Zone) Mid() quant.Price {
	return z.Down.Add(z.Up).DivInt(2)
}

func (z Zone) String() string {
	return fmt.Sprintf("zone %d [%s, %s)", z.Level, z.Down, z.Up)
}

// Geometry computes zones around a reference price
type Geometry struct {
	Reference quant.Price
	Step      quant.Price // reference * step fraction, quantized once
	Tolerance decimal.Decimal
}

// NewGeometry stepFraction is the step as a fraction (0.01 for 1%)
func NewGeometry(reference quant.Price, stepFraction, tolerance decimal.Decimal) (*Geometry, error) {
	if !reference.IsPositive() {
		return nil, ErrInvalidReference
	}
	if !stepFraction.IsPositive() {
		return nil, ErrInvalidStep
	}
	if tolerance.IsNegative() || tolerance.GreaterThanOrEqual(half) {
		return nil, ErrInvalidTolerance
	}
	step := reference.Mul(stepFraction)
	if !step.IsPositive() {
		return nil, fmt.Errorf("%w: step rounds to zero at reference %s", ErrInvalidStep, reference)
	}
	return &Geometry{Reference: reference, Step: step, Tolerance: tolerance}, nil
}

// NewGeometryPercent same as NewGeometry with the step given in percent (1 for 1%)
func NewGeometryPercent(reference quant.Price, stepPercent, tolerance decimal.Decimal) (*Geometry, error) {
	return NewGeometry(reference, stepPercent.Div(decimal.NewFromInt(100)), tolerance)
}

// Zone computes the zone for a level.
//
//	L > 0: [ref + step*(L-1) + step/2, ref + step*L + step/2)
//	L < 0: mirrored below the reference with |L|
//	L = 0: the reference itself
//
// All bounds derive from integer multiples of the quantized step so they are exact
// and strictly monotonic in |L| regardless of the tolerance.
func (g *Geometry) Zone(level int) Zone {
	margin := g.Step.Mul(g.Tolerance)
	if level == 0 {
		return Zone{Level: 0, Down: g.Reference, Up: g.Reference}
	}

	halfStep := g.Step.DivInt(2)
	n := int64(level)
	if n < 0 {
		n = -n
	}
	// 内侧边界距离参考价 step*(n-1) + step/2，外侧边界 step*n + step/2
	inner := g.Step.MulInt(n - 1).Add(halfStep)
	outer := g.Step.MulInt(n).Add(halfStep)

	if level > 0 {
		return Zone{Level: level, Down: g.Reference.Add(inner), Up: g.Reference.Add(outer), Margin: margin}
	}
	return Zone{Level: level, Down: g.Reference.Sub(outer), Up: g.Reference.Sub(inner), Margin: margin}
}

// RungPrice zone midpoint rounded to the instrument's minimum price increment
func (g *Geometry) RungPrice(level int, increment quant.Price) quant.Price {
	return g.Zone(level).Mid().RoundToIncrement(increment)
}
