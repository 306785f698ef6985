// Package quant provides the fixed-point price type used for every monetary value
// (prices, notionals, capital) flowing through the engine.
package quant

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// NanosPerUnit number of nanos in one unit
const NanosPerUnit = 1_000_000_000

// Price fixed-point value: Units + Nanos/1e9
// Nanos is always in [0, 1e9), so -1.5 is stored as {Units: -2, Nanos: 500000000}.
// Stored as two integer columns (<prefix>units, <prefix>nanos) when embedded in a gorm model.
type Price struct {
	Units int64
	Nanos int32
}

// Zero zero price
var Zero = Price{}

var nanosDecimal = decimal.New(1, 9)

// New builds a normalized price, carrying nanos overflow into units
func New(units int64, nanos int64) Price {
	units += nanos / NanosPerUnit
	nanos %= NanosPerUnit
	if nanos < 0 {
		nanos += NanosPerUnit
		units--
	}
	return Price{Units: units, Nanos: int32(nanos)}
}

// FromInt whole-unit price
func FromInt(units int64) Price {
	return Price{Units: units}
}

// FromDecimal quantizes d to nanos (round half away from zero)
func FromDecimal(d decimal.Decimal) Price {
	d = d.Round(9)
	floor := d.Floor()
	frac := d.Sub(floor).Mul(nanosDecimal)
	return New(floor.IntPart(), frac.IntPart())
}

// FromFloat converts a float at the boundary (exchange payloads, config)
func FromFloat(f float64) Price {
	return FromDecimal(decimal.NewFromFloat(f))
}

// Parse parses a decimal string such as "101.25"
func Parse(s string) (Price, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse Parse that panics, for constants and tests
func MustParse(s string) Price {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Decimal exact decimal representation
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(p.Units, 0).Add(decimal.New(int64(p.Nanos), -9))
}

// Float64 lossy conversion, only for display and exchange boundaries
func (p Price) Float64() float64 {
	return float64(p.Units) + float64(p.Nanos)/NanosPerUnit
}

func (p Price) String() string {
	return p.Decimal().StringFixed(9)
}

// Add p + o with integer carry
func (p Price) Add(o Price) Price {
	return New(p.Units+o.Units, int64(p.Nanos)+int64(o.Nanos))
}

// Sub p - o with integer borrow
func (p Price) Sub(o Price) Price {
	return New(p.Units-o.Units, int64(p.Nanos)-int64(o.Nanos))
}

// Neg -p
func (p Price) Neg() Price {
	return Zero.Sub(p)
}

// MulInt p * n (lots, level multipliers)
func (p Price) MulInt(n int64) Price {
	return FromDecimal(p.Decimal().Mul(decimal.NewFromInt(n)))
}

// Mul p * f, re-quantized to nanos
func (p Price) Mul(f decimal.Decimal) Price {
	return FromDecimal(p.Decimal().Mul(f))
}

// DivInt p / n, re-quantized to nanos
func (p Price) DivInt(n int64) Price {
	return p.Div(decimal.NewFromInt(n))
}

// Div p / f, re-quantized to nanos. Panics on zero divisor like decimal does.
func (p Price) Div(f decimal.Decimal) Price {
	return FromDecimal(p.Decimal().DivRound(f, 9))
}

// Cmp -1 if p < o, 0 if equal, +1 if p > o
func (p Price) Cmp(o Price) int {
	switch {
	case p.Units < o.Units:
		return -1
	case p.Units > o.Units:
		return 1
	case p.Nanos < o.Nanos:
		return -1
	case p.Nanos > o.Nanos:
		return 1
	}
	return 0
}

func (p Price) Less(o Price) bool    { return p.Cmp(o) < 0 }
func (p Price) Greater(o Price) bool { return p.Cmp(o) > 0 }
func (p Price) Equal(o Price) bool   { return p.Cmp(o) == 0 }
func (p Price) IsZero() bool         { return p.Units == 0 && p.Nanos == 0 }
func (p Price) IsNegative() bool     { return p.Units < 0 }
func (p Price) IsPositive() bool     { return !p.IsNegative() && !p.IsZero() }

// Max larger of a and b
func Max(a, b Price) Price {
	if a.Less(b) {
		return b
	}
	return a
}

// Min smaller of a and b
func Min(a, b Price) Price {
	if b.Less(a) {
		return b
	}
	return a
}

// RoundToIncrement rounds p to the nearest multiple of inc (half away from zero).
// A zero increment leaves p unchanged.
func (p Price) RoundToIncrement(inc Price) Price {
	if !inc.IsPositive() {
		return p
	}
	d := inc.Decimal()
	steps := p.Decimal().Div(d).Round(0)
	return FromDecimal(steps.Mul(d))
}

// FloorToIncrement largest multiple of inc not above p
func (p Price) FloorToIncrement(inc Price) Price {
	if !inc.IsPositive() {
		return p
	}
	d := inc.Decimal()
	steps := p.Decimal().Div(d).Floor()
	return FromDecimal(steps.Mul(d))
}

// IsMultipleOf reports whether p is an exact multiple of inc
func (p Price) IsMultipleOf(inc Price) bool {
	if !inc.IsPositive() {
		return true
	}
	return p.Decimal().Mod(inc.Decimal()).IsZero()
}

// MarshalJSON encodes as a decimal string to avoid float drift in API payloads
func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number
func (p *Price) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML encodes as a decimal string
func (p Price) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// UnmarshalYAML accepts scalar decimal values in seed files
func (p *Price) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
