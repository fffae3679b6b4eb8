// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package credit

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/ids"

	"github.com/luxfi/leverage/vms/creditvm/rates"
)

// LeverageBase is the leverage value that borrows an amount equal to the
// borrower's own funds.
const LeverageBase = 100

var (
	ErrInvalidBounds     = errors.New("min amount exceeds max amount")
	ErrInvalidLeverage   = errors.New("max leverage must be positive")
	ErrInvalidPenalty    = errors.New("liquidation premium and fee must stay below 1e18")
	errMissingParameters = errors.New("missing credit parameter")
)

// Config is the credit manager's policy.
type Config struct {
	MinAmount   *big.Int `json:"minAmount"`
	MaxAmount   *big.Int `json:"maxAmount"`
	MaxLeverage uint64   `json:"maxLeverage"`

	// LiquidationPremium is the WAD share of an unwound account paid to the
	// liquidator. LiquidationFee is the share paid to the treasury.
	LiquidationPremium *big.Int    `json:"liquidationPremium"`
	LiquidationFee     *big.Int    `json:"liquidationFee"`
	Treasury           ids.ShortID `json:"treasury"`

	// PostTradeHealthCheck rejects orders that leave the account below the
	// minimum health factor.
	PostTradeHealthCheck bool `json:"postTradeHealthCheck"`
}

func (c Config) Verify() error {
	switch {
	case c.MinAmount == nil, c.MaxAmount == nil, c.LiquidationPremium == nil, c.LiquidationFee == nil:
		return errMissingParameters
	case c.MinAmount.Sign() < 0, c.MinAmount.Cmp(c.MaxAmount) > 0:
		return fmt.Errorf("%w: %s > %s", ErrInvalidBounds, c.MinAmount, c.MaxAmount)
	case c.MaxLeverage == 0:
		return ErrInvalidLeverage
	case c.LiquidationPremium.Sign() < 0, c.LiquidationFee.Sign() < 0:
		return ErrInvalidPenalty
	}
	penalty := new(big.Int).Add(c.LiquidationPremium, c.LiquidationFee)
	if penalty.Cmp(rates.WAD) >= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPenalty, penalty)
	}
	return nil
}
