// Package powcurve implements the balance-driven proof-of-work difficulty
// curve and the PoW solution verifier shared by both chains.
package powcurve

import (
	"fmt"
	"math"
)

// fixedShift is the number of fractional bits used by the Q32.32 fixed
// point representation of the curve's linear coefficients. Difficulty is
// computed with one multiply-add and a shift, never a division, so request
// handling never pays for floating point division on the hot path.
const fixedShift = 32

// MaxDifficulty is the protocol-fixed ceiling of the difficulty curve,
// `M` in the curve's defining properties: every drained wallet (balance
// at or below LowBalance) is served at this hardness, and it is not a
// per-chain tunable. uint8's own range happens to top out exactly here.
const MaxDifficulty uint8 = 255

// Config describes a single chain's difficulty curve.
//
//   - balances at or above HighBalance always get Min (the easiest setting)
//   - balances at or below LowBalance always get MaxDifficulty (the
//     hardest setting, the fixed protocol ceiling)
//   - balances strictly between the two thresholds fall on the line
//     connecting (LowBalance, MaxDifficulty) to (HighBalance, Min)
//
// Quantum divides balances (in satoshis or wei, depending on chain) down
// into the unit the curve is defined over, so that the same shape of curve
// can be reused across chains with very different unit magnitudes.
type Config struct {
	Min         uint8
	LowBalance  uint64
	HighBalance uint64
	Quantum     uint64
}

// Curve is a validated, precomputed Config ready for per-request use.
type Curve struct {
	cfg Config

	// fixed point coefficients for the linear region: difficulty(x) =
	// round(a*x + b), x in curve units (balance / Quantum).
	a int64
	b int64
}

func (c Config) validate() error {
	if c.Quantum == 0 {
		return fmt.Errorf("powcurve: quantum must be nonzero")
	}
	if c.Min > MaxDifficulty {
		return fmt.Errorf("powcurve: min difficulty %d above the fixed max %d", c.Min, MaxDifficulty)
	}
	if c.HighBalance <= c.LowBalance {
		return fmt.Errorf("powcurve: high balance threshold %d must exceed low balance threshold %d", c.HighBalance, c.LowBalance)
	}
	span := c.HighBalance - c.LowBalance
	if span/c.Quantum == 0 {
		return fmt.Errorf("powcurve: balance span %d too small for quantum %d", span, c.Quantum)
	}
	return nil
}

// NewCurve validates cfg and precomputes its fixed point coefficients.
func NewCurve(cfg Config) (*Curve, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	lowUnits := float64(cfg.LowBalance) / float64(cfg.Quantum)
	highUnits := float64(cfg.HighBalance) / float64(cfg.Quantum)

	// Slope is negative: difficulty falls as balance rises.
	slope := (float64(cfg.Min) - float64(MaxDifficulty)) / (highUnits - lowUnits)
	intercept := float64(MaxDifficulty) - slope*lowUnits

	a := int64(math.Round(slope * (1 << fixedShift)))
	b := int64(math.Round(intercept * (1 << fixedShift)))

	return &Curve{cfg: cfg, a: a, b: b}, nil
}

// Difficulty returns the PoW difficulty (leading zero bits required) for a
// wallet holding balance units of the chain's native currency.
func (c *Curve) Difficulty(balance uint64) uint8 {
	switch {
	case balance >= c.cfg.HighBalance:
		return c.cfg.Min
	case balance <= c.cfg.LowBalance:
		return MaxDifficulty
	}

	x := int64(balance / c.cfg.Quantum)
	// round(a*x + b) in Q32.32, with rounding applied before the shift.
	raw := c.a*x + c.b
	half := int64(1) << (fixedShift - 1)
	rounded := (raw + half) >> fixedShift

	if rounded < int64(c.cfg.Min) {
		return c.cfg.Min
	}
	if rounded > int64(MaxDifficulty) {
		return MaxDifficulty
	}
	return uint8(rounded)
}

// Config returns the curve's validated configuration.
func (c *Curve) Config() Config {
	return c.cfg
}
