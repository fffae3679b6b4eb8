// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines configuration types for the credit VM.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/ids"

	"github.com/luxfi/leverage/vms/creditvm/credit"
	"github.com/luxfi/leverage/vms/creditvm/rates"
	"github.com/luxfi/leverage/vms/creditvm/risk"
)

var (
	ErrInvalidTreasuryFee     = errors.New("treasury fee must be within [0, 1e18]")
	ErrInvalidMinHealthFactor = errors.New("minimum health factor must be at least 1e18")
	ErrInvalidTokenLimit      = errors.New("enabled token limit must be positive")
	ErrInvalidConcurrency     = errors.New("keeper concurrency must be positive")
	ErrUnsafeLeverage         = errors.New("maximum leverage opens below the minimum health factor")
)

// Config contains configuration parameters for the credit VM.
type Config struct {
	// Treasury receives the protocol share of interest and liquidation fees
	Treasury ids.ShortID `json:"treasury"`
	// TreasuryFee is the WAD fraction of repaid interest kept by the treasury
	TreasuryFee *big.Int `json:"treasuryFee"`
	// RateModel is the pool's borrow rate curve
	RateModel rates.Model `json:"rateModel"`

	// Risk configuration

	// MinHealthFactor is the WAD threshold below which accounts can be liquidated
	MinHealthFactor  *big.Int `json:"minHealthFactor"`
	MaxEnabledTokens int      `json:"maxEnabledTokens"`

	// Credit manager configuration
	MinAmount            *big.Int `json:"minAmount"`
	MaxAmount            *big.Int `json:"maxAmount"`
	MaxLeverage          uint64   `json:"maxLeverage"`
	LiquidationPremium   *big.Int `json:"liquidationPremium"`
	LiquidationFee       *big.Int `json:"liquidationFee"`
	PostTradeHealthCheck bool     `json:"postTradeHealthCheck"`

	// KeeperConcurrency bounds the parallel health checks of a liquidation scan
	KeeperConcurrency int    `json:"keeperConcurrency"`
	MetricsNamespace  string `json:"metricsNamespace"`
}

// DefaultConfig returns the default configuration for the credit VM.
func DefaultConfig() Config {
	return Config{
		TreasuryFee: big.NewInt(0.1e18), // 10%
		RateModel:   rates.DefaultModel(),

		MinHealthFactor:  big.NewInt(1e18),
		MaxEnabledTokens: risk.DefaultMaxEnabledTokens,

		MinAmount:            big.NewInt(1e18),
		MaxAmount:            new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18)),
		MaxLeverage:          400, // 4x borrowed on top of own funds
		LiquidationPremium:   big.NewInt(0.04e18),
		LiquidationFee:       big.NewInt(0.01e18),
		PostTradeHealthCheck: true,

		KeeperConcurrency: 8,
		MetricsNamespace:  "creditvm",
	}
}

// Parse applies configBytes on top of DefaultConfig and verifies the result.
// Empty input yields the defaults.
func Parse(configBytes []byte) (Config, error) {
	return ParseWith(DefaultConfig(), configBytes)
}

// ParseWith applies configBytes on top of base and verifies the result.
func ParseWith(base Config, configBytes []byte) (Config, error) {
	cfg := base.clone()
	if len(configBytes) > 0 {
		if err := json.Unmarshal(configBytes, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	return cfg, cfg.Verify()
}

// Verify checks every parameter is usable.
func (c Config) Verify() error {
	if c.TreasuryFee == nil || c.TreasuryFee.Sign() < 0 || c.TreasuryFee.Cmp(rates.WAD) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTreasuryFee, c.TreasuryFee)
	}
	if err := c.RateModel.Verify(); err != nil {
		return fmt.Errorf("invalid rate model: %w", err)
	}
	if c.MinHealthFactor == nil || c.MinHealthFactor.Cmp(rates.WAD) < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidMinHealthFactor, c.MinHealthFactor)
	}
	if c.MaxEnabledTokens <= 0 {
		return ErrInvalidTokenLimit
	}
	if c.KeeperConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	return c.CreditConfig().Verify()
}

// VerifyBaseDiscount checks that an account opened at MaxLeverage and
// holding only the base asset, discounted by baseDiscount, is healthy:
// (100+L) * discount / L >= MinHealthFactor.
func (c Config) VerifyBaseDiscount(baseDiscount *big.Int) error {
	leverage := new(big.Int).SetUint64(c.MaxLeverage)
	collateral := new(big.Int).Add(leverage, big.NewInt(credit.LeverageBase))
	collateral.Mul(collateral, baseDiscount)
	debt := new(big.Int).Mul(leverage, c.MinHealthFactor)
	if collateral.Cmp(debt) < 0 {
		return fmt.Errorf("%w: leverage %d with base discount %s", ErrUnsafeLeverage, c.MaxLeverage, baseDiscount)
	}
	return nil
}

// CreditConfig extracts the credit manager parameters.
func (c Config) CreditConfig() credit.Config {
	return credit.Config{
		MinAmount:            c.MinAmount,
		MaxAmount:            c.MaxAmount,
		MaxLeverage:          c.MaxLeverage,
		LiquidationPremium:   c.LiquidationPremium,
		LiquidationFee:       c.LiquidationFee,
		Treasury:             c.Treasury,
		PostTradeHealthCheck: c.PostTradeHealthCheck,
	}
}

// RiskConfig extracts the credit filter parameters for baseToken.
func (c Config) RiskConfig(baseToken ids.ShortID) risk.Config {
	return risk.Config{
		BaseToken:        baseToken,
		MinHealthFactor:  c.MinHealthFactor,
		MaxEnabledTokens: c.MaxEnabledTokens,
	}
}

// clone copies every big.Int so that decoding into the result leaves c
// untouched.
func (c Config) clone() Config {
	c.TreasuryFee = cloneInt(c.TreasuryFee)
	c.RateModel = rates.Model{
		BaseRate:       cloneInt(c.RateModel.BaseRate),
		Multiplier:     cloneInt(c.RateModel.Multiplier),
		JumpMultiplier: cloneInt(c.RateModel.JumpMultiplier),
		Kink:           cloneInt(c.RateModel.Kink),
	}
	c.MinHealthFactor = cloneInt(c.MinHealthFactor)
	c.MinAmount = cloneInt(c.MinAmount)
	c.MaxAmount = cloneInt(c.MaxAmount)
	c.LiquidationPremium = cloneInt(c.LiquidationPremium)
	c.LiquidationFee = cloneInt(c.LiquidationFee)
	return c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
