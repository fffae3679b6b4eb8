// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pool implements the liquidity pool that funds credit accounts.
//
// Depositors add the base asset and receive pool shares (diesel) at the
// current exchange rate. Authorized credit managers borrow from the pool and
// repay principal plus interest. Interest accrues continuously from the
// utilization-driven rate curve and is settled lazily before every
// state-changing call.
package pool

import (
	"fmt"
	"math/big"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/utils/timer/mockable"
	"github.com/luxfi/leverage/vms/creditvm/errs"
	"github.com/luxfi/leverage/vms/creditvm/rates"
	"github.com/luxfi/leverage/vms/creditvm/state"
)

var (
	prefixPool     = []byte("pool:state:")
	prefixBorrower = []byte("pool:borrower:")

	yearWAD = new(big.Int).Mul(big.NewInt(rates.SecondsPerYear), rates.WAD)
)

// Config binds a pool to its assets and fee policy.
type Config struct {
	BaseToken  ids.ShortID
	ShareToken ids.ShortID
	Treasury   ids.ShortID

	// TreasuryFee is the WAD fraction of repaid interest sent to Treasury.
	TreasuryFee *big.Int
	Model       rates.Model
}

// Snapshot is a point-in-time view of the pool with interest accrued to now.
type Snapshot struct {
	Address            ids.ShortID `json:"address"`
	TotalLiquidity     *big.Int    `json:"totalLiquidity"`
	TotalBorrowed      *big.Int    `json:"totalBorrowed"`
	AvailableLiquidity *big.Int    `json:"availableLiquidity"`
	ShareSupply        *big.Int    `json:"shareSupply"`
	ExchangeRate       *big.Int    `json:"exchangeRate"`
	CumulativeIndex    *big.Int    `json:"cumulativeIndex"`
	Utilization        *big.Int    `json:"utilization"`
	BorrowRate         *big.Int    `json:"borrowRate"`
	SupplyRate         *big.Int    `json:"supplyRate"`
	LastAccrual        uint64      `json:"lastAccrual"`
}

type record struct {
	TotalLiquidity  []byte `serialize:"true"`
	TotalBorrowed   []byte `serialize:"true"`
	CumulativeIndex []byte `serialize:"true"`
	LastAccrual     uint64 `serialize:"true"`
}

// totals is the decoded form of record.
type totals struct {
	liquidity   *big.Int
	borrowed    *big.Int
	index       *big.Int
	lastAccrual uint64
}

// Pool is the single lending pool for one base asset.
type Pool struct {
	cfg     Config
	address ids.ShortID
	key     []byte

	state *state.State
	clock *mockable.Clock
	log   log.Logger
}

// New creates a pool over st. Call Initialize before use.
func New(cfg Config, st *state.State, clock *mockable.Clock, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Pool{
		cfg:     cfg,
		address: Address(cfg.BaseToken),
		key:     state.Key(prefixPool, cfg.BaseToken[:]),
		state:   st,
		clock:   clock,
		log:     logger,
	}
}

// Address returns the vault identity that holds the pool's base asset for
// the given base token.
func Address(baseToken ids.ShortID) ids.ShortID {
	return state.DeriveAddress("pool/"+baseToken.String(), 0)
}

// Address is the vault holding the pool's base asset and the share minter.
func (p *Pool) Address() ids.ShortID {
	return p.address
}

// BaseToken returns the asset the pool lends.
func (p *Pool) BaseToken() ids.ShortID {
	return p.cfg.BaseToken
}

// ShareToken returns the diesel token minted to depositors.
func (p *Pool) ShareToken() ids.ShortID {
	return p.cfg.ShareToken
}

// Initialize writes the genesis record when the pool has never been used.
func (p *Pool) Initialize() error {
	return p.state.Atomic(func() error {
		exists, err := p.state.Has(p.key)
		if err != nil || exists {
			return err
		}
		return p.save(&totals{
			liquidity:   new(big.Int),
			borrowed:    new(big.Int),
			index:       new(big.Int).Set(rates.WAD),
			lastAccrual: p.clock.Unix(),
		})
	})
}

// AddLiquidity pulls amount of the base asset from provider and mints shares
// to recipient at the post-accrual exchange rate.
func (p *Pool) AddLiquidity(provider ids.ShortID, amount *big.Int, recipient ids.ShortID, referralCode uint64) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", errs.ErrInvalidAmount)
	}

	var shares *big.Int
	err := p.state.Atomic(func() error {
		t, err := p.accrue()
		if err != nil {
			return err
		}
		supply, err := p.state.TotalSupply(p.cfg.ShareToken)
		if err != nil {
			return err
		}

		shares = toShares(amount, t.liquidity, supply)
		if shares.Sign() == 0 {
			return fmt.Errorf("%w: deposit too small to mint shares", errs.ErrInvalidAmount)
		}
		if err := p.state.Transfer(p.cfg.BaseToken, provider, p.address, amount); err != nil {
			return err
		}
		if err := p.state.Mint(p.cfg.ShareToken, p.address, recipient, shares); err != nil {
			return err
		}
		t.liquidity.Add(t.liquidity, amount)
		return p.save(t)
	})
	if err != nil {
		return nil, err
	}

	p.log.Debug("liquidity added",
		"provider", provider,
		"recipient", recipient,
		"amount", amount,
		"shares", shares,
		"referral", referralCode,
	)
	return shares, nil
}

// RemoveLiquidity burns shares held by holder and sends the redeemed base
// asset to recipient.
func (p *Pool) RemoveLiquidity(holder ids.ShortID, shares *big.Int, recipient ids.ShortID) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: shares must be positive", errs.ErrInvalidAmount)
	}

	var amount *big.Int
	err := p.state.Atomic(func() error {
		t, err := p.accrue()
		if err != nil {
			return err
		}
		supply, err := p.state.TotalSupply(p.cfg.ShareToken)
		if err != nil {
			return err
		}
		if supply.Cmp(shares) < 0 {
			return fmt.Errorf("%w: %s shares exceed supply %s", errs.ErrInvalidAmount, shares, supply)
		}

		amount = fromShares(shares, t.liquidity, supply)
		available, err := p.available(t)
		if err != nil {
			return err
		}
		if amount.Cmp(available) > 0 {
			return fmt.Errorf("%w: payout %s, available %s", errs.ErrInsufficientLiquidity, amount, available)
		}

		if err := p.state.Burn(p.cfg.ShareToken, p.address, holder, shares); err != nil {
			return err
		}
		if err := p.state.Transfer(p.cfg.BaseToken, p.address, recipient, amount); err != nil {
			return err
		}
		t.liquidity.Sub(t.liquidity, amount)
		return p.save(t)
	})
	if err != nil {
		return nil, err
	}

	p.log.Debug("liquidity removed",
		"holder", holder,
		"recipient", recipient,
		"shares", shares,
		"amount", amount,
	)
	return amount, nil
}

// LendCreditAccount sends amount of the base asset to a credit account on
// behalf of an authorized credit manager.
func (p *Pool) LendCreditAccount(caller ids.ShortID, amount *big.Int, to ids.ShortID) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: loan must be positive", errs.ErrInvalidAmount)
	}

	return p.state.Atomic(func() error {
		if err := p.requireBorrower(caller); err != nil {
			return err
		}
		t, err := p.accrue()
		if err != nil {
			return err
		}
		available, err := p.available(t)
		if err != nil {
			return err
		}
		if amount.Cmp(available) > 0 {
			return fmt.Errorf("%w: loan %s, available %s", errs.ErrInsufficientLiquidity, amount, available)
		}

		if err := p.state.Transfer(p.cfg.BaseToken, p.address, to, amount); err != nil {
			return err
		}
		t.borrowed.Add(t.borrowed, amount)
		return p.save(t)
	})
}

// RepayCreditAccount settles a loan whose principal and interest the caller
// has already transferred to the pool vault. The treasury fee share of the
// interest leaves the pool; the rest stays as depositor yield.
func (p *Pool) RepayCreditAccount(caller ids.ShortID, principal, interest *big.Int) error {
	if principal == nil || principal.Sign() < 0 || interest == nil || interest.Sign() < 0 {
		return fmt.Errorf("%w: negative repayment", errs.ErrInvalidAmount)
	}

	var fee *big.Int
	err := p.state.Atomic(func() error {
		if err := p.requireBorrower(caller); err != nil {
			return err
		}
		t, err := p.accrue()
		if err != nil {
			return err
		}
		if principal.Cmp(t.borrowed) > 0 {
			return fmt.Errorf("%w: principal %s exceeds borrowed %s", errs.ErrInvalidAmount, principal, t.borrowed)
		}
		t.borrowed.Sub(t.borrowed, principal)

		fee = new(big.Int).Mul(interest, p.cfg.TreasuryFee)
		fee.Quo(fee, rates.WAD)
		// Never let the fee push liquidity under the outstanding borrows.
		if headroom := new(big.Int).Sub(t.liquidity, t.borrowed); fee.Cmp(headroom) > 0 {
			fee.Set(headroom)
		}
		if fee.Sign() > 0 {
			if err := p.state.Transfer(p.cfg.BaseToken, p.address, p.cfg.Treasury, fee); err != nil {
				return err
			}
			t.liquidity.Sub(t.liquidity, fee)
		}
		return p.save(t)
	})
	if err != nil {
		return err
	}

	p.log.Debug("credit account repaid",
		"manager", caller,
		"principal", principal,
		"interest", interest,
		"treasuryFee", fee,
	)
	return nil
}

// RepayWithLoss settles a loan that could only be partially recovered. The
// caller has transferred what was recovered to the vault; loss is the
// shortfall against principal plus accrued interest and is written off
// against depositors.
func (p *Pool) RepayWithLoss(caller ids.ShortID, principal, loss *big.Int) error {
	if principal == nil || principal.Sign() < 0 || loss == nil || loss.Sign() < 0 {
		return fmt.Errorf("%w: negative repayment", errs.ErrInvalidAmount)
	}

	err := p.state.Atomic(func() error {
		if err := p.requireBorrower(caller); err != nil {
			return err
		}
		t, err := p.accrue()
		if err != nil {
			return err
		}
		if principal.Cmp(t.borrowed) > 0 {
			return fmt.Errorf("%w: principal %s exceeds borrowed %s", errs.ErrInvalidAmount, principal, t.borrowed)
		}
		t.borrowed.Sub(t.borrowed, principal)

		writeOff := new(big.Int).Set(loss)
		if headroom := new(big.Int).Sub(t.liquidity, t.borrowed); writeOff.Cmp(headroom) > 0 {
			writeOff.Set(headroom)
		}
		t.liquidity.Sub(t.liquidity, writeOff)
		return p.save(t)
	})
	if err != nil {
		return err
	}

	p.log.Warn("credit account repaid with loss",
		"manager", caller,
		"principal", principal,
		"loss", loss,
	)
	return nil
}

// ConnectCreditManager authorizes manager to borrow. Connecting twice is a
// no-op.
func (p *Pool) ConnectCreditManager(manager ids.ShortID) error {
	return p.state.Atomic(func() error {
		return p.state.PutFlag(state.Key(prefixBorrower, p.cfg.BaseToken[:], manager[:]))
	})
}

// CreditManagersCanBorrow reports whether addr is an authorized borrower.
func (p *Pool) CreditManagersCanBorrow(addr ids.ShortID) (bool, error) {
	return p.state.Has(state.Key(prefixBorrower, p.cfg.BaseToken[:], addr[:]))
}

// Accrue settles interest up to now. With no time elapsed it changes nothing.
func (p *Pool) Accrue() error {
	return p.state.Atomic(func() error {
		_, err := p.accrue()
		return err
	})
}

// CumulativeIndex returns the borrow index accrued to now without writing.
func (p *Pool) CumulativeIndex() (*big.Int, error) {
	t, err := p.current()
	if err != nil {
		return nil, err
	}
	return t.index, nil
}

// Snapshot returns the pool totals accrued to now without writing.
func (p *Pool) Snapshot() (*Snapshot, error) {
	t, err := p.current()
	if err != nil {
		return nil, err
	}
	supply, err := p.state.TotalSupply(p.cfg.ShareToken)
	if err != nil {
		return nil, err
	}
	available, err := p.available(t)
	if err != nil {
		return nil, err
	}
	utilization := rates.Utilization(t.borrowed, t.liquidity)
	return &Snapshot{
		Address:            p.address,
		TotalLiquidity:     t.liquidity,
		TotalBorrowed:      t.borrowed,
		AvailableLiquidity: available,
		ShareSupply:        supply,
		ExchangeRate:       exchangeRate(t.liquidity, supply),
		CumulativeIndex:    t.index,
		Utilization:        utilization,
		BorrowRate:         p.cfg.Model.Rate(utilization),
		SupplyRate:         p.cfg.Model.SupplyRate(utilization, p.cfg.TreasuryFee),
		LastAccrual:        t.lastAccrual,
	}, nil
}

// ToShares converts an amount of the base asset into shares at the current
// exchange rate.
func (p *Pool) ToShares(amount *big.Int) (*big.Int, error) {
	t, err := p.current()
	if err != nil {
		return nil, err
	}
	supply, err := p.state.TotalSupply(p.cfg.ShareToken)
	if err != nil {
		return nil, err
	}
	return toShares(amount, t.liquidity, supply), nil
}

// FromShares converts shares into the base asset at the current exchange
// rate.
func (p *Pool) FromShares(shares *big.Int) (*big.Int, error) {
	t, err := p.current()
	if err != nil {
		return nil, err
	}
	supply, err := p.state.TotalSupply(p.cfg.ShareToken)
	if err != nil {
		return nil, err
	}
	return fromShares(shares, t.liquidity, supply), nil
}

func (p *Pool) requireBorrower(caller ids.ShortID) error {
	ok, err := p.CreditManagersCanBorrow(caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot borrow", errs.ErrUnauthorized, caller)
	}
	return nil
}

// available is the lendable amount: the unborrowed part of the pool, capped
// by the base asset actually held in the vault.
func (p *Pool) available(t *totals) (*big.Int, error) {
	free := new(big.Int).Sub(t.liquidity, t.borrowed)
	if free.Sign() < 0 {
		free.SetInt64(0)
	}
	cash, err := p.state.BalanceOf(p.cfg.BaseToken, p.address)
	if err != nil {
		return nil, err
	}
	if cash.Cmp(free) < 0 {
		return cash, nil
	}
	return free, nil
}

// accrue loads the pool, settles interest up to now and persists the result
// when time has passed.
func (p *Pool) accrue() (*totals, error) {
	t, err := p.load()
	if err != nil {
		return nil, err
	}
	now := p.clock.Unix()
	if !p.advance(t, now) {
		return t, nil
	}
	return t, p.save(t)
}

// current returns the totals accrued to now without persisting them.
func (p *Pool) current() (*totals, error) {
	t, err := p.load()
	if err != nil {
		return nil, err
	}
	p.advance(t, p.clock.Unix())
	return t, nil
}

// advance applies interest for the time between the last accrual and now.
// It returns false when no time has elapsed.
func (p *Pool) advance(t *totals, now uint64) bool {
	if now <= t.lastAccrual {
		return false
	}
	elapsed := new(big.Int).SetUint64(now - t.lastAccrual)
	rate := p.cfg.Model.Rate(rates.Utilization(t.borrowed, t.liquidity))

	interest := new(big.Int).Mul(t.borrowed, rate)
	interest.Mul(interest, elapsed)
	interest.Quo(interest, yearWAD)
	t.liquidity.Add(t.liquidity, interest)

	growth := new(big.Int).Mul(t.index, rate)
	growth.Mul(growth, elapsed)
	growth.Quo(growth, yearWAD)
	t.index.Add(t.index, growth)

	t.lastAccrual = now
	return true
}

func (p *Pool) load() (*totals, error) {
	rec := &record{}
	if err := p.state.GetRecord(p.key, rec); err != nil {
		if state.IsNotFound(err) {
			return nil, fmt.Errorf("pool for %s is not initialized", p.cfg.BaseToken)
		}
		return nil, err
	}
	return &totals{
		liquidity:   state.DecodeAmount(rec.TotalLiquidity),
		borrowed:    state.DecodeAmount(rec.TotalBorrowed),
		index:       state.DecodeAmount(rec.CumulativeIndex),
		lastAccrual: rec.LastAccrual,
	}, nil
}

func (p *Pool) save(t *totals) error {
	return p.state.PutRecord(p.key, &record{
		TotalLiquidity:  state.EncodeAmount(t.liquidity),
		TotalBorrowed:   state.EncodeAmount(t.borrowed),
		CumulativeIndex: state.EncodeAmount(t.index),
		LastAccrual:     t.lastAccrual,
	})
}

func toShares(amount, liquidity, supply *big.Int) *big.Int {
	if supply.Sign() == 0 || liquidity.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	shares := new(big.Int).Mul(amount, supply)
	return shares.Quo(shares, liquidity)
}

func fromShares(shares, liquidity, supply *big.Int) *big.Int {
	if supply.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	amount := new(big.Int).Mul(shares, liquidity)
	return amount.Quo(amount, supply)
}

func exchangeRate(liquidity, supply *big.Int) *big.Int {
	if supply.Sign() == 0 {
		return new(big.Int).Set(rates.WAD)
	}
	rate := new(big.Int).Mul(liquidity, rates.WAD)
	return rate.Quo(rate, supply)
}
