// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package swap implements a constant-product swap venue. Credit accounts
// trade through it by approving the router and calling it via the swap
// adapter.
package swap

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/utils/timer/mockable"
	"github.com/luxfi/leverage/vms/creditvm/errs"
	"github.com/luxfi/leverage/vms/creditvm/state"
)

const (
	bpsDenominator = 10_000

	// MaxFeeBps caps the trading fee at 10%.
	MaxFeeBps = 1_000
)

var (
	ErrPoolNotFound     = errors.New("pool not found")
	ErrPoolExists       = errors.New("pool already exists")
	ErrSameToken        = errors.New("cannot create pool with same token")
	ErrInvalidPath      = errors.New("invalid swap path")
	ErrInvalidFee       = errors.New("invalid fee")
	ErrDeadlineExpired  = errors.New("deadline expired")
	ErrInsufficientLP   = errors.New("insufficient liquidity tokens")
	ErrZeroLiquidity    = errors.New("zero liquidity not allowed")
	ErrZeroOutput       = errors.New("swap output rounds to zero")
	errUnknownPairToken = errors.New("token not in pair")

	prefixPair     = []byte("swap:pair:")
	prefixPosition = []byte("swap:lp:")
)

// Pair is the public view of a pool. Token0 sorts before Token1.
type Pair struct {
	Token0    ids.ShortID `json:"token0"`
	Token1    ids.ShortID `json:"token1"`
	Reserve0  *big.Int    `json:"reserve0"`
	Reserve1  *big.Int    `json:"reserve1"`
	FeeBps    uint16      `json:"feeBps"`
	Liquidity *big.Int    `json:"liquidity"`
	Volume0   *big.Int    `json:"volume0"`
	Volume1   *big.Int    `json:"volume1"`
	TxCount   uint64      `json:"txCount"`
}

type pairRecord struct {
	Reserve0  []byte `serialize:"true"`
	Reserve1  []byte `serialize:"true"`
	FeeBps    uint16 `serialize:"true"`
	Liquidity []byte `serialize:"true"`
	Volume0   []byte `serialize:"true"`
	Volume1   []byte `serialize:"true"`
	TxCount   uint64 `serialize:"true"`
}

type positionRecord struct {
	Liquidity []byte `serialize:"true"`
}

// Router holds the reserves of every pair at one address.
type Router struct {
	state   *state.State
	clock   *mockable.Clock
	log     log.Logger
	address ids.ShortID
}

func New(st *state.State, clock *mockable.Clock, logger log.Logger) *Router {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Router{
		state:   st,
		clock:   clock,
		log:     logger,
		address: Address(),
	}
}

// Address is the account that custodies the router's reserves.
func Address() ids.ShortID {
	return state.DeriveAddress("swap-router", 0)
}

func (r *Router) Address() ids.ShortID {
	return r.address
}

// CreatePool opens a pair seeded with the provider's funds.
func (r *Router) CreatePool(
	provider ids.ShortID,
	tokenA, tokenB ids.ShortID,
	amountA, amountB *big.Int,
	feeBps uint16,
) (*Pair, error) {
	if tokenA == tokenB {
		return nil, ErrSameToken
	}
	if feeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: %d bps", ErrInvalidFee, feeBps)
	}
	if !positive(amountA) || !positive(amountB) {
		return nil, fmt.Errorf("%w: pool reserves must be positive", errs.ErrInvalidAmount)
	}

	token0, token1, amount0, amount1 := sortPair(tokenA, tokenB, amountA, amountB)
	key := pairKey(token0, token1)

	var pair *Pair
	err := r.state.Atomic(func() error {
		exists, err := r.state.Has(key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s/%s", ErrPoolExists, token0, token1)
		}

		liquidity := new(big.Int).Sqrt(new(big.Int).Mul(amount0, amount1))
		if liquidity.Sign() <= 0 {
			return ErrZeroLiquidity
		}
		if err := r.state.Transfer(token0, provider, r.address, amount0); err != nil {
			return err
		}
		if err := r.state.Transfer(token1, provider, r.address, amount1); err != nil {
			return err
		}

		pair = &Pair{
			Token0:    token0,
			Token1:    token1,
			Reserve0:  new(big.Int).Set(amount0),
			Reserve1:  new(big.Int).Set(amount1),
			FeeBps:    feeBps,
			Liquidity: liquidity,
			Volume0:   new(big.Int),
			Volume1:   new(big.Int),
		}
		if err := r.putPosition(token0, token1, provider, liquidity); err != nil {
			return err
		}
		return r.putPair(pair)
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("swap pool created",
		"token0", token0,
		"token1", token1,
		"feeBps", feeBps,
	)
	return pair, nil
}

// AddLiquidity deposits both tokens and credits the provider with pool
// liquidity proportional to the smaller side.
func (r *Router) AddLiquidity(
	provider ids.ShortID,
	tokenA, tokenB ids.ShortID,
	amountA, amountB *big.Int,
	minLiquidity *big.Int,
) (*big.Int, error) {
	if !positive(amountA) || !positive(amountB) {
		return nil, fmt.Errorf("%w: deposit must be positive", errs.ErrInvalidAmount)
	}

	token0, token1, amount0, amount1 := sortPair(tokenA, tokenB, amountA, amountB)

	var minted *big.Int
	err := r.state.Atomic(func() error {
		pair, err := r.Pair(token0, token1)
		if err != nil {
			return err
		}

		if pair.Liquidity.Sign() == 0 {
			minted = new(big.Int).Sqrt(new(big.Int).Mul(amount0, amount1))
		} else {
			liquidity0 := new(big.Int).Mul(amount0, pair.Liquidity)
			liquidity0.Quo(liquidity0, pair.Reserve0)
			liquidity1 := new(big.Int).Mul(amount1, pair.Liquidity)
			liquidity1.Quo(liquidity1, pair.Reserve1)
			minted = liquidity0
			if liquidity1.Cmp(liquidity0) < 0 {
				minted = liquidity1
			}
		}
		if minted.Sign() <= 0 {
			return ErrZeroLiquidity
		}
		if minLiquidity != nil && minted.Cmp(minLiquidity) < 0 {
			return fmt.Errorf("%w: minted %s, minimum %s", errs.ErrSlippageExceeded, minted, minLiquidity)
		}

		if err := r.state.Transfer(token0, provider, r.address, amount0); err != nil {
			return err
		}
		if err := r.state.Transfer(token1, provider, r.address, amount1); err != nil {
			return err
		}

		held, err := r.Position(token0, token1, provider)
		if err != nil {
			return err
		}
		if err := r.putPosition(token0, token1, provider, held.Add(held, minted)); err != nil {
			return err
		}

		pair.Reserve0.Add(pair.Reserve0, amount0)
		pair.Reserve1.Add(pair.Reserve1, amount1)
		pair.Liquidity.Add(pair.Liquidity, minted)
		return r.putPair(pair)
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// RemoveLiquidity burns the provider's liquidity and pays out both tokens
// pro rata. The returned amounts follow the tokenA, tokenB order.
func (r *Router) RemoveLiquidity(
	provider ids.ShortID,
	tokenA, tokenB ids.ShortID,
	liquidity *big.Int,
	recipient ids.ShortID,
) (*big.Int, *big.Int, error) {
	if !positive(liquidity) {
		return nil, nil, fmt.Errorf("%w: liquidity must be positive", errs.ErrInvalidAmount)
	}

	token0, token1, _, _ := sortPair(tokenA, tokenB, nil, nil)

	var amount0, amount1 *big.Int
	err := r.state.Atomic(func() error {
		pair, err := r.Pair(token0, token1)
		if err != nil {
			return err
		}
		held, err := r.Position(token0, token1, provider)
		if err != nil {
			return err
		}
		if held.Cmp(liquidity) < 0 {
			return fmt.Errorf("%w: holds %s, burning %s", ErrInsufficientLP, held, liquidity)
		}

		amount0 = new(big.Int).Mul(liquidity, pair.Reserve0)
		amount0.Quo(amount0, pair.Liquidity)
		amount1 = new(big.Int).Mul(liquidity, pair.Reserve1)
		amount1.Quo(amount1, pair.Liquidity)

		if err := r.state.Transfer(token0, r.address, recipient, amount0); err != nil {
			return err
		}
		if err := r.state.Transfer(token1, r.address, recipient, amount1); err != nil {
			return err
		}

		if err := r.putPosition(token0, token1, provider, held.Sub(held, liquidity)); err != nil {
			return err
		}
		pair.Reserve0.Sub(pair.Reserve0, amount0)
		pair.Reserve1.Sub(pair.Reserve1, amount1)
		pair.Liquidity.Sub(pair.Liquidity, liquidity)
		return r.putPair(pair)
	})
	if err != nil {
		return nil, nil, err
	}
	if tokenA != token0 {
		return amount1, amount0, nil
	}
	return amount0, amount1, nil
}

// GetAmountsOut quotes every hop of path for amountIn. A hop whose output
// rounds to zero quotes zero for it and every later hop; such a trade would
// fail with ErrZeroOutput.
func (r *Router) GetAmountsOut(amountIn *big.Int, path []ids.ShortID) ([]*big.Int, error) {
	if !positive(amountIn) {
		return nil, fmt.Errorf("%w: input must be positive", errs.ErrInvalidAmount)
	}
	if len(path) < 2 {
		return nil, fmt.Errorf("%w: %d tokens", ErrInvalidPath, len(path))
	}

	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	for i := 0; i < len(path)-1; i++ {
		pair, err := r.Pair(path[i], path[i+1])
		if err != nil {
			return nil, err
		}
		reserveIn, reserveOut, err := pair.reserves(path[i])
		if err != nil {
			return nil, err
		}
		if amounts[i].Sign() == 0 {
			amounts[i+1] = new(big.Int)
			continue
		}
		out, err := amountOut(amounts[i], reserveIn, reserveOut, pair.FeeBps)
		if err != nil {
			return nil, err
		}
		amounts[i+1] = out
	}
	return amounts, nil
}

// SwapExactTokensForTokens pulls amountIn of path[0] from trader, which must
// have approved the router, routes it through every hop and sends at least
// minAmountOut of the last token to recipient. Each hop trades against the
// reserves left by the previous one. A zero deadline never expires.
func (r *Router) SwapExactTokensForTokens(
	trader ids.ShortID,
	amountIn *big.Int,
	minAmountOut *big.Int,
	path []ids.ShortID,
	recipient ids.ShortID,
	deadline uint64,
) (*big.Int, error) {
	if now := r.clock.Unix(); deadline != 0 && now > deadline {
		return nil, fmt.Errorf("%w: now %d, deadline %d", ErrDeadlineExpired, now, deadline)
	}

	if !positive(amountIn) {
		return nil, fmt.Errorf("%w: input must be positive", errs.ErrInvalidAmount)
	}
	if len(path) < 2 {
		return nil, fmt.Errorf("%w: %d tokens", ErrInvalidPath, len(path))
	}

	out := new(big.Int).Set(amountIn)
	err := r.state.Atomic(func() error {
		if err := r.state.TransferFrom(path[0], r.address, trader, r.address, amountIn); err != nil {
			return err
		}
		for i := 0; i < len(path)-1; i++ {
			pair, err := r.Pair(path[i], path[i+1])
			if err != nil {
				return err
			}
			reserveIn, reserveOut, err := pair.reserves(path[i])
			if err != nil {
				return err
			}
			next, err := amountOut(out, reserveIn, reserveOut, pair.FeeBps)
			if err != nil {
				return err
			}
			if next.Sign() == 0 {
				return fmt.Errorf("%w: %s of %s", ErrZeroOutput, out, path[i])
			}
			if err := pair.apply(path[i], out, next); err != nil {
				return err
			}
			if err := r.putPair(pair); err != nil {
				return err
			}
			out = next
		}
		if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
			return fmt.Errorf("%w: out %s, minimum %s", errs.ErrSlippageExceeded, out, minAmountOut)
		}
		return r.state.Transfer(path[len(path)-1], r.address, recipient, out)
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug("swapped",
		"trader", trader,
		"recipient", recipient,
		"hops", len(path)-1,
		"amountIn", amountIn,
		"amountOut", out,
	)
	return out, nil
}

// Pair returns the pool of two tokens in either order.
func (r *Router) Pair(tokenA, tokenB ids.ShortID) (*Pair, error) {
	token0, token1, _, _ := sortPair(tokenA, tokenB, nil, nil)
	rec := &pairRecord{}
	if err := r.state.GetRecord(pairKey(token0, token1), rec); err != nil {
		if state.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPoolNotFound, token0, token1)
		}
		return nil, err
	}
	return &Pair{
		Token0:    token0,
		Token1:    token1,
		Reserve0:  state.DecodeAmount(rec.Reserve0),
		Reserve1:  state.DecodeAmount(rec.Reserve1),
		FeeBps:    rec.FeeBps,
		Liquidity: state.DecodeAmount(rec.Liquidity),
		Volume0:   state.DecodeAmount(rec.Volume0),
		Volume1:   state.DecodeAmount(rec.Volume1),
		TxCount:   rec.TxCount,
	}, nil
}

// Pairs lists every pool ordered by token ids.
func (r *Router) Pairs() ([]*Pair, error) {
	var pairs []*Pair
	err := r.state.Iterate(prefixPair, func(suffix, _ []byte) error {
		if len(suffix) != 2*len(ids.ShortEmpty) {
			return nil
		}
		var token0, token1 ids.ShortID
		copy(token0[:], suffix)
		copy(token1[:], suffix[len(token0):])
		pair, err := r.Pair(token0, token1)
		if err != nil {
			return err
		}
		pairs = append(pairs, pair)
		return nil
	})
	return pairs, err
}

// Position returns the liquidity provider's share of a pool.
func (r *Router) Position(tokenA, tokenB, provider ids.ShortID) (*big.Int, error) {
	token0, token1, _, _ := sortPair(tokenA, tokenB, nil, nil)
	rec := &positionRecord{}
	err := r.state.GetRecord(state.Key(prefixPosition, token0[:], token1[:], provider[:]), rec)
	if state.IsNotFound(err) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return state.DecodeAmount(rec.Liquidity), nil
}

func (r *Router) putPair(p *Pair) error {
	return r.state.PutRecord(pairKey(p.Token0, p.Token1), &pairRecord{
		Reserve0:  state.EncodeAmount(p.Reserve0),
		Reserve1:  state.EncodeAmount(p.Reserve1),
		FeeBps:    p.FeeBps,
		Liquidity: state.EncodeAmount(p.Liquidity),
		Volume0:   state.EncodeAmount(p.Volume0),
		Volume1:   state.EncodeAmount(p.Volume1),
		TxCount:   p.TxCount,
	})
}

func (r *Router) putPosition(token0, token1, provider ids.ShortID, liquidity *big.Int) error {
	key := state.Key(prefixPosition, token0[:], token1[:], provider[:])
	if liquidity.Sign() == 0 {
		return r.state.Delete(key)
	}
	return r.state.PutRecord(key, &positionRecord{Liquidity: state.EncodeAmount(liquidity)})
}

func (p *Pair) reserves(tokenIn ids.ShortID) (*big.Int, *big.Int, error) {
	switch tokenIn {
	case p.Token0:
		return p.Reserve0, p.Reserve1, nil
	case p.Token1:
		return p.Reserve1, p.Reserve0, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", errUnknownPairToken, tokenIn)
	}
}

func (p *Pair) apply(tokenIn ids.ShortID, amountIn, amountOut *big.Int) error {
	reserveIn, reserveOut, err := p.reserves(tokenIn)
	if err != nil {
		return err
	}
	reserveIn.Add(reserveIn, amountIn)
	reserveOut.Sub(reserveOut, amountOut)
	if tokenIn == p.Token0 {
		p.Volume0.Add(p.Volume0, amountIn)
	} else {
		p.Volume1.Add(p.Volume1, amountIn)
	}
	p.TxCount++
	return nil
}

// amountOut implements x * y = k net of the fee:
// out = reserveOut * in * (1 - fee) / (reserveIn + in * (1 - fee)).
func amountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint16) (*big.Int, error) {
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(bpsDenominator-int(feeBps))))
	numerator := new(big.Int).Mul(reserveOut, inWithFee)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(bpsDenominator))
	denominator.Add(denominator, inWithFee)

	out := numerator.Quo(numerator, denominator)
	if out.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: output %s against reserve %s", errs.ErrInsufficientLiquidity, out, reserveOut)
	}
	return out, nil
}

func sortPair(tokenA, tokenB ids.ShortID, amountA, amountB *big.Int) (ids.ShortID, ids.ShortID, *big.Int, *big.Int) {
	if bytes.Compare(tokenA[:], tokenB[:]) > 0 {
		return tokenB, tokenA, amountB, amountA
	}
	return tokenA, tokenB, amountA, amountB
}

func pairKey(token0, token1 ids.ShortID) []byte {
	return state.Key(prefixPair, token0[:], token1[:])
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
