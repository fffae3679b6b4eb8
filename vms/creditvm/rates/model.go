// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rates implements the utilization-driven borrow rate curve of the
// liquidity pool.
package rates

import (
	"errors"
	"math/big"
)

const (
	// SecondsPerYear converts annual rates into per-second accrual.
	SecondsPerYear = 365 * 24 * 60 * 60

	DefaultBaseRate       = 0.02e18 // 2%
	DefaultMultiplier     = 0.1e18  // 10% at full utilization below the kink
	DefaultJumpMultiplier = 3e18    // 300% slope above the kink
	DefaultKink           = 0.8e18  // 80% utilization
)

var (
	// WAD is the fixed-point unit: 1e18 represents 1.0.
	WAD = big.NewInt(1e18)

	ErrInvalidKink      = errors.New("kink must be within [0, 1e18]")
	ErrNegativeSlope    = errors.New("rate parameters must be non-negative")
	ErrMissingParameter = errors.New("rate parameter is not set")
)

// Model is a piecewise-linear kink curve. All fields are WAD fractions.
// Below Kink the rate grows by Multiplier per unit of utilization; above it
// by JumpMultiplier.
type Model struct {
	BaseRate       *big.Int `json:"baseRate"`
	Multiplier     *big.Int `json:"multiplier"`
	JumpMultiplier *big.Int `json:"jumpMultiplier"`
	Kink           *big.Int `json:"kink"`
}

// DefaultModel returns the curve used when no configuration is given.
func DefaultModel() Model {
	return Model{
		BaseRate:       big.NewInt(DefaultBaseRate),
		Multiplier:     big.NewInt(DefaultMultiplier),
		JumpMultiplier: big.NewInt(DefaultJumpMultiplier),
		Kink:           big.NewInt(DefaultKink),
	}
}

// Verify checks that the curve is well formed and therefore monotonic.
func (m Model) Verify() error {
	for _, p := range []*big.Int{m.BaseRate, m.Multiplier, m.JumpMultiplier, m.Kink} {
		if p == nil {
			return ErrMissingParameter
		}
		if p.Sign() < 0 {
			return ErrNegativeSlope
		}
	}
	if m.Kink.Cmp(WAD) > 0 {
		return ErrInvalidKink
	}
	return nil
}

// Rate returns the annual borrow rate for a utilization ratio. The input is
// clamped to [0, 1e18].
func (m Model) Rate(utilization *big.Int) *big.Int {
	u := clamp(utilization)

	if u.Cmp(m.Kink) <= 0 {
		rate := new(big.Int).Mul(u, m.Multiplier)
		rate.Quo(rate, WAD)
		return rate.Add(rate, m.BaseRate)
	}

	normal := new(big.Int).Mul(m.Kink, m.Multiplier)
	normal.Quo(normal, WAD)
	normal.Add(normal, m.BaseRate)

	excess := new(big.Int).Sub(u, m.Kink)
	jump := excess.Mul(excess, m.JumpMultiplier)
	jump.Quo(jump, WAD)
	return normal.Add(normal, jump)
}

// SupplyRate is the yield depositors earn: rate * utilization * (1 - fee).
func (m Model) SupplyRate(utilization, treasuryFee *big.Int) *big.Int {
	u := clamp(utilization)
	rate := m.Rate(u)
	rate.Mul(rate, u)
	rate.Quo(rate, WAD)
	keep := new(big.Int).Sub(WAD, treasuryFee)
	rate.Mul(rate, keep)
	return rate.Quo(rate, WAD)
}

// Utilization returns borrowed / liquidity as a WAD fraction, zero when the
// pool is empty.
func Utilization(borrowed, liquidity *big.Int) *big.Int {
	if liquidity.Sign() <= 0 {
		return new(big.Int)
	}
	u := new(big.Int).Mul(borrowed, WAD)
	return u.Quo(u, liquidity)
}

func clamp(u *big.Int) *big.Int {
	switch {
	case u == nil || u.Sign() < 0:
		return new(big.Int)
	case u.Cmp(WAD) > 0:
		return new(big.Int).Set(WAD)
	default:
		return new(big.Int).Set(u)
	}
}
