// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package genesis describes the initial state of a credit VM: the token set,
// collateral policy, oracle prices, swap venue pools and opening deposits.
package genesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/ids"

	"github.com/luxfi/leverage/vms/creditvm/rates"
	"github.com/luxfi/leverage/vms/creditvm/state"
	"github.com/luxfi/leverage/vms/creditvm/swap"
)

var (
	ErrMissingBaseToken = errors.New("base token is not defined")
	ErrDuplicateSymbol  = errors.New("duplicate token symbol")
	ErrEmptySymbol      = errors.New("empty token symbol")
	ErrUnknownSymbol    = errors.New("unknown token symbol")
	ErrMissingPrice     = errors.New("collateral token has no price")
	ErrInvalidDiscount  = errors.New("liquidation discount must be within (0, 1e18)")
	ErrInvalidAmount    = errors.New("genesis amount must be positive")
	ErrBaseNotAllowed   = errors.New("base token must be allowed collateral")
)

// Minter is the identity that mints every genesis token and seeds the swap
// venue. It holds no keys and never signs a call after genesis.
var Minter = state.DeriveAddress("genesis", 0)

// Allocation credits Amount of a token to Holder.
type Allocation struct {
	Holder ids.ShortID `json:"holder"`
	Amount *big.Int    `json:"amount"`
}

// Token defines one asset. A nil Discount keeps the token out of the
// collateral allow-list; a nil Price leaves it unpriced.
type Token struct {
	Symbol      string       `json:"symbol"`
	Decimals    uint8        `json:"decimals"`
	Price       *big.Int     `json:"price"`
	Discount    *big.Int     `json:"discount"`
	Allocations []Allocation `json:"allocations"`
}

// Pool seeds the swap venue with a constant-product pair funded by Minter.
type Pool struct {
	TokenA  string   `json:"tokenA"`
	TokenB  string   `json:"tokenB"`
	AmountA *big.Int `json:"amountA"`
	AmountB *big.Int `json:"amountB"`
	FeeBps  uint16   `json:"feeBps"`
}

// Deposit adds Amount of the base asset from Provider's allocation to the
// lending pool.
type Deposit struct {
	Provider ids.ShortID `json:"provider"`
	Amount   *big.Int    `json:"amount"`
}

type Genesis struct {
	BaseToken string    `json:"baseToken"`
	Tokens    []Token   `json:"tokens"`
	Pools     []Pool    `json:"pools"`
	Deposits  []Deposit `json:"deposits"`
}

// TokenID returns the ledger identity of a token symbol.
func TokenID(symbol string) ids.ShortID {
	return state.DeriveAddress("token/"+symbol, 0)
}

// ShareSymbol returns the symbol of the pool share token for a base symbol.
func ShareSymbol(baseSymbol string) string {
	return "d" + baseSymbol
}

// Parse decodes and verifies genesisBytes.
func Parse(genesisBytes []byte) (*Genesis, error) {
	g := &Genesis{}
	if err := json.Unmarshal(genesisBytes, g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal genesis: %w", err)
	}
	if err := g.Verify(); err != nil {
		return nil, err
	}
	return g, nil
}

// Bytes encodes the genesis as JSON.
func (g *Genesis) Bytes() ([]byte, error) {
	return json.Marshal(g)
}

// Token returns the definition of symbol.
func (g *Genesis) Token(symbol string) (*Token, bool) {
	for i := range g.Tokens {
		if g.Tokens[i].Symbol == symbol {
			return &g.Tokens[i], true
		}
	}
	return nil, false
}

func (g *Genesis) Verify() error {
	symbols := make(map[string]struct{}, len(g.Tokens)+1)
	symbols[ShareSymbol(g.BaseToken)] = struct{}{}
	for _, token := range g.Tokens {
		if token.Symbol == "" {
			return ErrEmptySymbol
		}
		if _, ok := symbols[token.Symbol]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSymbol, token.Symbol)
		}
		symbols[token.Symbol] = struct{}{}

		if token.Discount != nil {
			if token.Discount.Sign() <= 0 || token.Discount.Cmp(rates.WAD) >= 0 {
				return fmt.Errorf("%w: %s", ErrInvalidDiscount, token.Symbol)
			}
			if token.Price == nil {
				return fmt.Errorf("%w: %s", ErrMissingPrice, token.Symbol)
			}
		}
		if token.Price != nil && token.Price.Sign() <= 0 {
			return fmt.Errorf("%w: price of %s", ErrInvalidAmount, token.Symbol)
		}
		for _, a := range token.Allocations {
			if !positive(a.Amount) {
				return fmt.Errorf("%w: allocation of %s", ErrInvalidAmount, token.Symbol)
			}
		}
	}

	base, ok := g.Token(g.BaseToken)
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingBaseToken, g.BaseToken)
	}
	if base.Discount == nil {
		return ErrBaseNotAllowed
	}

	for _, p := range g.Pools {
		for _, symbol := range []string{p.TokenA, p.TokenB} {
			if _, ok := g.Token(symbol); !ok {
				return fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
			}
		}
		if p.TokenA == p.TokenB {
			return fmt.Errorf("%w: %s", swap.ErrSameToken, p.TokenA)
		}
		if !positive(p.AmountA) || !positive(p.AmountB) {
			return fmt.Errorf("%w: pool %s/%s", ErrInvalidAmount, p.TokenA, p.TokenB)
		}
		if p.FeeBps > swap.MaxFeeBps {
			return fmt.Errorf("%w: %d", swap.ErrInvalidFee, p.FeeBps)
		}
	}

	for _, d := range g.Deposits {
		if !positive(d.Amount) {
			return fmt.Errorf("%w: deposit of %s", ErrInvalidAmount, d.Provider)
		}
	}
	return nil
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
