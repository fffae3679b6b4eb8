// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package risk implements the credit filter: the registry of collateral
// tokens with their liquidation discounts, the per-account set of enabled
// tokens, and the valuation that yields an account's health factor.
package risk

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/vms/creditvm/accounts"
	"github.com/luxfi/leverage/vms/creditvm/errs"
	"github.com/luxfi/leverage/vms/creditvm/oracle"
	"github.com/luxfi/leverage/vms/creditvm/rates"
	"github.com/luxfi/leverage/vms/creditvm/state"
)

const DefaultMaxEnabledTokens = 8

var (
	// MaxHealthFactor is reported for accounts without debt.
	MaxHealthFactor = new(big.Int).Mul(big.NewInt(1000), rates.WAD)

	ErrIndexOutOfRange = errors.New("token index out of range")
	ErrInvalidDiscount = errors.New("liquidation discount must be within (0, 1e18)")

	keyManager     = []byte("risk:manager")
	prefixAllowed  = []byte("risk:allowed:")
	prefixEnabled  = []byte("risk:enabled:")
	errNoTokenList = errors.New("enabled token list is empty")
)

// AccountReader resolves credit account parameters by address.
type AccountReader interface {
	CreditAccount(address ids.ShortID) (*accounts.CreditAccount, error)
}

// IndexReader exposes the pool's borrow index accrued to now.
type IndexReader interface {
	CumulativeIndex() (*big.Int, error)
}

// Config holds the global risk parameters.
type Config struct {
	BaseToken        ids.ShortID
	MinHealthFactor  *big.Int
	MaxEnabledTokens int
}

// TokenBalance is one entry of an account's enabled-token view.
type TokenBalance struct {
	Token    ids.ShortID `json:"token"`
	Balance  *big.Int    `json:"balance"`
	Discount *big.Int    `json:"discount"`
	Enabled  bool        `json:"enabled"`
}

// AllowedToken is a registry entry.
type AllowedToken struct {
	Token    ids.ShortID `json:"token"`
	Discount *big.Int    `json:"discount"`
}

type allowedRecord struct {
	Discount []byte `serialize:"true"`
}

type managerRecord struct {
	Manager ids.ShortID `serialize:"true"`
}

type enabledRecord struct {
	Tokens []ids.ShortID `serialize:"true"`
}

// Filter values credit accounts and guards which tokens they may hold.
type Filter struct {
	cfg      Config
	state    *state.State
	oracle   oracle.PriceOracle
	accounts AccountReader
	index    IndexReader
	log      log.Logger
}

func New(
	cfg Config,
	st *state.State,
	priceOracle oracle.PriceOracle,
	accountReader AccountReader,
	indexReader IndexReader,
	logger log.Logger,
) *Filter {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	if cfg.MaxEnabledTokens <= 0 {
		cfg.MaxEnabledTokens = DefaultMaxEnabledTokens
	}
	return &Filter{
		cfg:      cfg,
		state:    st,
		oracle:   priceOracle,
		accounts: accountReader,
		index:    indexReader,
		log:      logger,
	}
}

// MinHealthFactor returns the liquidation threshold.
func (f *Filter) MinHealthFactor() *big.Int {
	return new(big.Int).Set(f.cfg.MinHealthFactor)
}

// BaseToken returns the asset debt is denominated in.
func (f *Filter) BaseToken() ids.ShortID {
	return f.cfg.BaseToken
}

// AllowToken adds token to the collateral registry, or updates its discount.
func (f *Filter) AllowToken(token ids.ShortID, discount *big.Int) error {
	if discount == nil || discount.Sign() <= 0 || discount.Cmp(rates.WAD) >= 0 {
		return ErrInvalidDiscount
	}
	return f.state.Atomic(func() error {
		return f.state.PutRecord(state.Key(prefixAllowed, token[:]), &allowedRecord{
			Discount: state.EncodeAmount(discount),
		})
	})
}

// IsAllowed reports whether token may be held by credit accounts.
func (f *Filter) IsAllowed(token ids.ShortID) (bool, error) {
	return f.state.Has(state.Key(prefixAllowed, token[:]))
}

// LiquidationDiscount returns the discount of an allowed token.
func (f *Filter) LiquidationDiscount(token ids.ShortID) (*big.Int, error) {
	rec := &allowedRecord{}
	if err := f.state.GetRecord(state.Key(prefixAllowed, token[:]), rec); err != nil {
		if state.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", errs.ErrDisallowedToken, token)
		}
		return nil, err
	}
	return state.DecodeAmount(rec.Discount), nil
}

// AllowedTokens lists the registry ordered by token id.
func (f *Filter) AllowedTokens() ([]AllowedToken, error) {
	var tokens []AllowedToken
	err := f.state.Iterate(prefixAllowed, func(suffix, value []byte) error {
		var token ids.ShortID
		copy(token[:], suffix)
		rec := &allowedRecord{}
		if _, err := state.Codec.Unmarshal(value, rec); err != nil {
			return err
		}
		tokens = append(tokens, AllowedToken{
			Token:    token,
			Discount: state.DecodeAmount(rec.Discount),
		})
		return nil
	})
	return tokens, err
}

// ConnectCreditManager binds the manager allowed to change enabled sets.
func (f *Filter) ConnectCreditManager(manager ids.ShortID) error {
	return f.state.Atomic(func() error {
		return f.state.PutRecord(keyManager, &managerRecord{Manager: manager})
	})
}

// EnableToken adds an allowed token to the account's enabled set.
func (f *Filter) EnableToken(caller, account, token ids.ShortID) error {
	return f.state.Atomic(func() error {
		if err := f.requireManager(caller); err != nil {
			return err
		}
		if err := f.requireAllowed(token); err != nil {
			return err
		}
		enabled, err := f.EnabledTokens(account)
		if err != nil {
			return err
		}
		if slices.Contains(enabled, token) {
			return nil
		}
		enabled = append(enabled, token)
		if len(enabled) > f.cfg.MaxEnabledTokens {
			return fmt.Errorf("%w: %w: limit %d", errs.ErrDisallowedToken, errs.ErrTooManyTokens, f.cfg.MaxEnabledTokens)
		}
		return f.putEnabled(account, enabled)
	})
}

// SyncEnabledTokens re-derives the enabled set from the ledger after an
// external call moved the account's funds. Tokens that dropped to zero are
// disabled, the base token stays first, and every newly held token must be
// allowed.
func (f *Filter) SyncEnabledTokens(caller, account ids.ShortID) error {
	return f.state.Atomic(func() error {
		if err := f.requireManager(caller); err != nil {
			return err
		}
		previous, err := f.EnabledTokens(account)
		if err != nil {
			return err
		}
		holdings, err := f.state.Holdings(account)
		if err != nil {
			return err
		}

		held := make(map[ids.ShortID]bool, len(holdings))
		for _, h := range holdings {
			held[h.Token] = true
		}

		next := []ids.ShortID{f.cfg.BaseToken}
		for _, token := range previous {
			if token != f.cfg.BaseToken && held[token] {
				next = append(next, token)
			}
		}
		for _, h := range holdings {
			if slices.Contains(next, h.Token) {
				continue
			}
			if err := f.requireAllowed(h.Token); err != nil {
				return err
			}
			next = append(next, h.Token)
		}
		if len(next) > f.cfg.MaxEnabledTokens {
			return fmt.Errorf("%w: %w: %d tokens held, limit %d", errs.ErrDisallowedToken, errs.ErrTooManyTokens, len(next), f.cfg.MaxEnabledTokens)
		}
		return f.putEnabled(account, next)
	})
}

// ClearEnabledTokens forgets the enabled set of a closed account.
func (f *Filter) ClearEnabledTokens(caller, account ids.ShortID) error {
	return f.state.Atomic(func() error {
		if err := f.requireManager(caller); err != nil {
			return err
		}
		return f.state.Delete(state.Key(prefixEnabled, account[:]))
	})
}

// EnabledTokens returns the ordered enabled set of an account.
func (f *Filter) EnabledTokens(account ids.ShortID) ([]ids.ShortID, error) {
	rec := &enabledRecord{}
	err := f.state.GetRecord(state.Key(prefixEnabled, account[:]), rec)
	if state.IsNotFound(err) {
		return nil, nil
	}
	return rec.Tokens, err
}

// EnabledTokenCount returns the size of an account's enabled set.
func (f *Filter) EnabledTokenCount(account ids.ShortID) (int, error) {
	enabled, err := f.EnabledTokens(account)
	return len(enabled), err
}

// GetAccountTokenBalance returns the index-th entry of the account's enabled
// set with its balance and discount.
func (f *Filter) GetAccountTokenBalance(account ids.ShortID, index int) (*TokenBalance, error) {
	enabled, err := f.EnabledTokens(account)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(enabled) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(enabled))
	}
	token := enabled[index]
	balance, err := f.state.BalanceOf(token, account)
	if err != nil {
		return nil, err
	}
	discount, err := f.LiquidationDiscount(token)
	if err != nil {
		return nil, err
	}
	return &TokenBalance{
		Token:    token,
		Balance:  balance,
		Discount: discount,
		Enabled:  true,
	}, nil
}

// CollateralValue sums balance * price * discount over the enabled set. A
// token without a price contributes nothing.
func (f *Filter) CollateralValue(account ids.ShortID) (*big.Int, error) {
	return f.value(account, true)
}

// TotalValue is CollateralValue without discounts.
func (f *Filter) TotalValue(account ids.ShortID) (*big.Int, error) {
	return f.value(account, false)
}

// BorrowedWithInterest returns principal grown by the pool index since the
// account was opened.
func (f *Filter) BorrowedWithInterest(account ids.ShortID) (*big.Int, error) {
	ca, err := f.accounts.CreditAccount(account)
	if err != nil {
		return nil, err
	}
	return f.borrowedWithInterest(ca)
}

// DebtValue prices principal plus accrued interest in the common unit.
func (f *Filter) DebtValue(account ids.ShortID) (*big.Int, error) {
	debt, err := f.BorrowedWithInterest(account)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return debt, nil
	}
	price, err := f.oracle.Price(f.cfg.BaseToken)
	if err != nil {
		return nil, fmt.Errorf("failed to price debt: %w", err)
	}
	return valueOf(debt, price), nil
}

// ToBase converts a value in the common pricing unit to units of the base
// asset.
func (f *Filter) ToBase(value *big.Int) (*big.Int, error) {
	price, err := f.oracle.Price(f.cfg.BaseToken)
	if err != nil {
		return nil, fmt.Errorf("failed to price base asset: %w", err)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: base asset priced at %s", oracle.ErrInvalidPrice, price)
	}
	v := new(big.Int).Mul(value, rates.WAD)
	return v.Quo(v, price), nil
}

// HealthFactor returns collateralValue / debtValue as a WAD ratio, or
// MaxHealthFactor when the account owes nothing.
func (f *Filter) HealthFactor(account ids.ShortID) (*big.Int, error) {
	debt, err := f.DebtValue(account)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
	collateral, err := f.CollateralValue(account)
	if err != nil {
		return nil, err
	}
	hf := new(big.Int).Mul(collateral, rates.WAD)
	return hf.Quo(hf, debt), nil
}

// IsLiquidatable reports whether the health factor is strictly below the
// threshold. An account exactly at the threshold is healthy.
func (f *Filter) IsLiquidatable(account ids.ShortID) (bool, error) {
	hf, err := f.HealthFactor(account)
	if err != nil {
		return false, err
	}
	return hf.Cmp(f.cfg.MinHealthFactor) < 0, nil
}

func (f *Filter) value(account ids.ShortID, discounted bool) (*big.Int, error) {
	enabled, err := f.EnabledTokens(account)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, token := range enabled {
		balance, err := f.state.BalanceOf(token, account)
		if err != nil {
			return nil, err
		}
		if balance.Sign() == 0 {
			continue
		}
		price, err := f.oracle.Price(token)
		if err != nil {
			f.log.Warn("valuing token without price as zero",
				"account", account,
				"token", token,
				"error", err,
			)
			continue
		}
		v := valueOf(balance, price)
		if discounted {
			discount, err := f.LiquidationDiscount(token)
			if err != nil {
				return nil, err
			}
			v.Mul(v, discount)
			v.Quo(v, rates.WAD)
		}
		total.Add(total, v)
	}
	return total, nil
}

func (f *Filter) borrowedWithInterest(ca *accounts.CreditAccount) (*big.Int, error) {
	if ca.BorrowedPrincipal.Sign() == 0 || ca.IndexAtOpen.Sign() == 0 {
		return new(big.Int).Set(ca.BorrowedPrincipal), nil
	}
	index, err := f.index.CumulativeIndex()
	if err != nil {
		return nil, err
	}
	debt := new(big.Int).Mul(ca.BorrowedPrincipal, index)
	return debt.Quo(debt, ca.IndexAtOpen), nil
}

func (f *Filter) requireManager(caller ids.ShortID) error {
	rec := &managerRecord{}
	err := f.state.GetRecord(keyManager, rec)
	if err != nil && !state.IsNotFound(err) {
		return err
	}
	if err != nil || rec.Manager != caller {
		return fmt.Errorf("%w: %s is not the credit manager", errs.ErrUnauthorized, caller)
	}
	return nil
}

func (f *Filter) requireAllowed(token ids.ShortID) error {
	ok, err := f.IsAllowed(token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrDisallowedToken, token)
	}
	return nil
}

func (f *Filter) putEnabled(account ids.ShortID, tokens []ids.ShortID) error {
	if len(tokens) == 0 {
		return errNoTokenList
	}
	return f.state.PutRecord(state.Key(prefixEnabled, account[:]), &enabledRecord{Tokens: tokens})
}

func valueOf(amount, price *big.Int) *big.Int {
	v := new(big.Int).Mul(amount, price)
	return v.Quo(v, rates.WAD)
}
