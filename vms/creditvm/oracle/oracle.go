// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle defines the price feed consumed by the risk engine.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/ids"
)

var (
	ErrPriceNotFound = errors.New("price not found")
	ErrInvalidPrice  = errors.New("price must be positive")

	_ PriceOracle = (*StaticOracle)(nil)
)

//go:generate go run go.uber.org/mock/mockgen -package=oraclemock -destination=oraclemock/oracle.go -mock_names=PriceOracle=PriceOracle . PriceOracle

// PriceOracle returns the value of one base unit of a token in the common
// unit, scaled by 1e18. Staleness handling belongs to the implementation.
type PriceOracle interface {
	Price(token ids.ShortID) (*big.Int, error)
}

// StaticOracle serves prices set by an operator.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[ids.ShortID]*big.Int
}

// NewStaticOracle creates an oracle with no prices.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		prices: make(map[ids.ShortID]*big.Int),
	}
}

// SetPrice updates the price of a token.
func (o *StaticOracle) SetPrice(token ids.ShortID, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[token] = new(big.Int).Set(price)
	return nil
}

// RemovePrice drops the feed of a token.
func (o *StaticOracle) RemovePrice(token ids.ShortID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, token)
}

// Price implements PriceOracle.
func (o *StaticOracle) Price(token ids.ShortID) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	price, ok := o.prices[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceNotFound, token)
	}
	return new(big.Int).Set(price), nil
}
