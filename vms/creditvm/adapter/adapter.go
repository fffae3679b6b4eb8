// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package adapter defines how a credit manager dispatches orders to
// external venues on behalf of a credit account.
package adapter

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/vms/creditvm/errs"
	"github.com/luxfi/leverage/vms/creditvm/state"
)

var (
	ErrInvalidCallData = errors.New("invalid call data")

	_ Adapter = (*SwapAdapter)(nil)
)

// Wallet is the only handle an adapter gets on a credit account. It names
// the account and reads its balances; funds move through allowances the
// manager granted to the venue.
type Wallet interface {
	Address() ids.ShortID
	BalanceOf(token ids.ShortID) (*big.Int, error)
}

// Adapter translates opaque call data into a call on one venue.
type Adapter interface {
	// Target is the venue address the adapter is registered under.
	Target() ids.ShortID
	Execute(wallet Wallet, callData []byte) error
}

// Venue is a swap venue with a router-style interface.
type Venue interface {
	Address() ids.ShortID
	GetAmountsOut(amountIn *big.Int, path []ids.ShortID) ([]*big.Int, error)
	SwapExactTokensForTokens(
		trader ids.ShortID,
		amountIn *big.Int,
		minAmountOut *big.Int,
		path []ids.ShortID,
		recipient ids.ShortID,
		deadline uint64,
	) (*big.Int, error)
}

// SwapOrder is the call data understood by SwapAdapter. An empty AmountIn
// swaps the account's whole balance of the first path token.
type SwapOrder struct {
	Path         []ids.ShortID `serialize:"true"`
	AmountIn     []byte        `serialize:"true"`
	MinAmountOut []byte        `serialize:"true"`
	Deadline     uint64        `serialize:"true"`
}

// EncodeSwap builds SwapAdapter call data.
func EncodeSwap(path []ids.ShortID, amountIn, minAmountOut *big.Int, deadline uint64) ([]byte, error) {
	order := &SwapOrder{
		Path:     path,
		Deadline: deadline,
	}
	if amountIn != nil {
		order.AmountIn = state.EncodeAmount(amountIn)
	}
	if minAmountOut != nil {
		order.MinAmountOut = state.EncodeAmount(minAmountOut)
	}
	return state.Codec.Marshal(state.CodecVersion, order)
}

// DecodeSwap parses SwapAdapter call data.
func DecodeSwap(callData []byte) (*SwapOrder, error) {
	order := &SwapOrder{}
	if _, err := state.Codec.Unmarshal(callData, order); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCallData, err)
	}
	if len(order.Path) < 2 {
		return nil, fmt.Errorf("%w: path has %d tokens", ErrInvalidCallData, len(order.Path))
	}
	return order, nil
}

// SwapAdapter routes SwapOrders through a Venue with the credit account as
// both trader and recipient.
type SwapAdapter struct {
	venue Venue
	log   log.Logger
}

func NewSwapAdapter(venue Venue, logger log.Logger) *SwapAdapter {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &SwapAdapter{
		venue: venue,
		log:   logger,
	}
}

func (a *SwapAdapter) Target() ids.ShortID {
	return a.venue.Address()
}

func (a *SwapAdapter) Execute(wallet Wallet, callData []byte) error {
	order, err := DecodeSwap(callData)
	if err != nil {
		return err
	}

	amountIn := state.DecodeAmount(order.AmountIn)
	if amountIn.Sign() == 0 {
		amountIn, err = wallet.BalanceOf(order.Path[0])
		if err != nil {
			return err
		}
		if amountIn.Sign() == 0 {
			return fmt.Errorf("%w: no %s to swap", errs.ErrInvalidAmount, order.Path[0])
		}
	}

	account := wallet.Address()
	out, err := a.venue.SwapExactTokensForTokens(
		account,
		amountIn,
		state.DecodeAmount(order.MinAmountOut),
		order.Path,
		account,
		order.Deadline,
	)
	if err != nil {
		return err
	}

	a.log.Debug("order executed",
		"account", account,
		"venue", a.venue.Address(),
		"amountIn", amountIn,
		"amountOut", out,
	)
	return nil
}
