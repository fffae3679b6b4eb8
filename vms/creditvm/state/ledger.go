// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
)

const addressLen = len(ids.ShortEmpty)

var (
	ErrUnknownToken          = errors.New("unknown token")
	ErrTokenExists           = errors.New("token already registered")
	ErrNotMinter             = errors.New("caller is not the token minter")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNegativeAmount        = errors.New("negative amount")
	ErrOverflow              = errors.New("amount overflows 256 bits")

	prefixToken     = []byte("token:")
	prefixBalance   = []byte("balance:")
	prefixAllowance = []byte("allowance:")
)

// Token describes a fungible asset tracked by the ledger.
type Token struct {
	ID       ids.ShortID
	Symbol   string
	Decimals uint8

	// Minter is the only identity allowed to mint and burn.
	Minter      ids.ShortID
	TotalSupply *big.Int
}

type tokenRecord struct {
	Symbol   string      `serialize:"true"`
	Decimals uint8       `serialize:"true"`
	Minter   ids.ShortID `serialize:"true"`
	Supply   []byte      `serialize:"true"`
}

// Holding is one non-zero balance of a holder.
type Holding struct {
	Token   ids.ShortID
	Balance *big.Int
}

// RegisterToken adds a new token with zero supply.
func (s *State) RegisterToken(id ids.ShortID, symbol string, decimals uint8, minter ids.ShortID) error {
	return s.Atomic(func() error { return s.registerToken(id, symbol, decimals, minter) })
}

func (s *State) registerToken(id ids.ShortID, symbol string, decimals uint8, minter ids.ShortID) error {
	key := Key(prefixToken, id[:])
	exists, err := s.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrTokenExists, symbol)
	}
	return s.PutRecord(key, &tokenRecord{
		Symbol:   symbol,
		Decimals: decimals,
		Minter:   minter,
	})
}

// Token returns the metadata and supply of a token.
func (s *State) Token(id ids.ShortID) (*Token, error) {
	rec, err := s.getToken(id)
	if err != nil {
		return nil, err
	}
	return &Token{
		ID:          id,
		Symbol:      rec.Symbol,
		Decimals:    rec.Decimals,
		Minter:      rec.Minter,
		TotalSupply: DecodeAmount(rec.Supply),
	}, nil
}

// TotalSupply returns the outstanding supply of a token.
func (s *State) TotalSupply(id ids.ShortID) (*big.Int, error) {
	rec, err := s.getToken(id)
	if err != nil {
		return nil, err
	}
	return DecodeAmount(rec.Supply), nil
}

// SetMinter hands the mint capability of a token from caller to newMinter.
func (s *State) SetMinter(id, caller, newMinter ids.ShortID) error {
	return s.Atomic(func() error { return s.setMinter(id, caller, newMinter) })
}

func (s *State) setMinter(id, caller, newMinter ids.ShortID) error {
	rec, err := s.getToken(id)
	if err != nil {
		return err
	}
	if rec.Minter != caller {
		return ErrNotMinter
	}
	rec.Minter = newMinter
	return s.PutRecord(Key(prefixToken, id[:]), rec)
}

// Mint creates amount of a token for to. Only the minter may mint.
func (s *State) Mint(id, caller, to ids.ShortID, amount *big.Int) error {
	return s.Atomic(func() error { return s.mint(id, caller, to, amount) })
}

func (s *State) mint(id, caller, to ids.ShortID, amount *big.Int) error {
	rec, err := s.getToken(id)
	if err != nil {
		return err
	}
	if rec.Minter != caller {
		return ErrNotMinter
	}
	word, err := toWord(amount)
	if err != nil {
		return err
	}

	supply, overflow := new(uint256.Int).AddOverflow(mustWord(rec.Supply), word)
	if overflow {
		return ErrOverflow
	}
	if err := s.credit(id, to, word); err != nil {
		return err
	}
	rec.Supply = supply.Bytes()
	return s.PutRecord(Key(prefixToken, id[:]), rec)
}

// Burn destroys amount of a token held by from. Only the minter may burn.
func (s *State) Burn(id, caller, from ids.ShortID, amount *big.Int) error {
	return s.Atomic(func() error { return s.burn(id, caller, from, amount) })
}

func (s *State) burn(id, caller, from ids.ShortID, amount *big.Int) error {
	rec, err := s.getToken(id)
	if err != nil {
		return err
	}
	if rec.Minter != caller {
		return ErrNotMinter
	}
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	if err := s.debit(id, from, word); err != nil {
		return err
	}
	supply := new(uint256.Int).Sub(mustWord(rec.Supply), word)
	rec.Supply = supply.Bytes()
	return s.PutRecord(Key(prefixToken, id[:]), rec)
}

// BalanceOf returns the balance of holder in token.
func (s *State) BalanceOf(id, holder ids.ShortID) (*big.Int, error) {
	word, err := s.balance(id, holder)
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// Transfer moves amount of a token from one holder to another.
func (s *State) Transfer(id, from, to ids.ShortID, amount *big.Int) error {
	return s.Atomic(func() error { return s.transfer(id, from, to, amount) })
}

func (s *State) transfer(id, from, to ids.ShortID, amount *big.Int) error {
	if _, err := s.getToken(id); err != nil {
		return err
	}
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	if err := s.debit(id, from, word); err != nil {
		return err
	}
	return s.credit(id, to, word)
}

// Approve sets the amount spender may pull from owner.
func (s *State) Approve(id, owner, spender ids.ShortID, amount *big.Int) error {
	return s.Atomic(func() error { return s.approve(id, owner, spender, amount) })
}

func (s *State) approve(id, owner, spender ids.ShortID, amount *big.Int) error {
	if _, err := s.getToken(id); err != nil {
		return err
	}
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	key := Key(prefixAllowance, owner[:], id[:], spender[:])
	if word.IsZero() {
		return s.Delete(key)
	}
	return s.db.Put(key, word.Bytes())
}

// Allowance returns the amount spender may still pull from owner.
func (s *State) Allowance(id, owner, spender ids.ShortID) (*big.Int, error) {
	word, err := s.allowance(id, owner, spender)
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// TransferFrom moves amount from owner to to on behalf of spender, consuming
// allowance.
func (s *State) TransferFrom(id, spender, owner, to ids.ShortID, amount *big.Int) error {
	return s.Atomic(func() error { return s.transferFrom(id, spender, owner, to, amount) })
}

func (s *State) transferFrom(id, spender, owner, to ids.ShortID, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	allowed, err := s.allowance(id, owner, spender)
	if err != nil {
		return err
	}
	if allowed.Lt(word) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowed, word)
	}
	remaining := new(uint256.Int).Sub(allowed, word)
	if err := s.approve(id, owner, spender, remaining.ToBig()); err != nil {
		return err
	}
	return s.transfer(id, owner, to, amount)
}

// RevokeAllowances clears every allowance granted by owner.
func (s *State) RevokeAllowances(owner ids.ShortID) error {
	return s.Atomic(func() error {
		prefix := Key(prefixAllowance, owner[:])
		var keys [][]byte
		if err := s.Iterate(prefix, func(suffix, _ []byte) error {
			keys = append(keys, Key(prefix, suffix))
			return nil
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if err := s.db.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Holdings lists every non-zero balance of holder ordered by token id.
func (s *State) Holdings(holder ids.ShortID) ([]Holding, error) {
	var holdings []Holding
	err := s.Iterate(Key(prefixBalance, holder[:]), func(suffix, value []byte) error {
		if len(suffix) != addressLen {
			return ErrStateCorrupted
		}
		var token ids.ShortID
		copy(token[:], suffix)
		holdings = append(holdings, Holding{
			Token:   token,
			Balance: new(uint256.Int).SetBytes(value).ToBig(),
		})
		return nil
	})
	return holdings, err
}

func (s *State) getToken(id ids.ShortID) (*tokenRecord, error) {
	rec := &tokenRecord{}
	if err := s.GetRecord(Key(prefixToken, id[:]), rec); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownToken, id)
		}
		return nil, err
	}
	return rec, nil
}

func (s *State) balance(id, holder ids.ShortID) (*uint256.Int, error) {
	key := Key(prefixBalance, holder[:], id[:])
	if word, ok := s.balances.Get(string(key)); ok {
		return new(uint256.Int).Set(word), nil
	}
	data, err := s.db.Get(key)
	if IsNotFound(err) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	word := new(uint256.Int).SetBytes(data)
	s.balances.Put(string(key), new(uint256.Int).Set(word))
	return word, nil
}

func (s *State) setBalance(id, holder ids.ShortID, word *uint256.Int) error {
	key := Key(prefixBalance, holder[:], id[:])
	s.balances.Evict(string(key))
	if word.IsZero() {
		return s.Delete(key)
	}
	if err := s.db.Put(key, word.Bytes()); err != nil {
		return err
	}
	s.balances.Put(string(key), new(uint256.Int).Set(word))
	return nil
}

func (s *State) credit(id, holder ids.ShortID, word *uint256.Int) error {
	current, err := s.balance(id, holder)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, word)
	if overflow {
		return ErrOverflow
	}
	return s.setBalance(id, holder, next)
}

func (s *State) debit(id, holder ids.ShortID, word *uint256.Int) error {
	current, err := s.balance(id, holder)
	if err != nil {
		return err
	}
	if current.Lt(word) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, holder, current, word)
	}
	return s.setBalance(id, holder, new(uint256.Int).Sub(current, word))
}

func (s *State) allowance(id, owner, spender ids.ShortID) (*uint256.Int, error) {
	data, err := s.db.Get(Key(prefixAllowance, owner[:], id[:], spender[:]))
	if IsNotFound(err) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(data), nil
}

func toWord(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	return word, nil
}

func mustWord(b []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b)
}

// EncodeAmount serializes a non-negative amount for a record field.
func EncodeAmount(amount *big.Int) []byte {
	if amount == nil {
		return nil
	}
	return amount.Bytes()
}

// DecodeAmount is the inverse of EncodeAmount. Empty input decodes to zero.
func DecodeAmount(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}
