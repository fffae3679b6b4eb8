// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package credit implements the credit manager: the lifecycle of leveraged
// credit accounts from opening through trading to closing or liquidation.
package credit

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/utils/timer/mockable"
	"github.com/luxfi/leverage/vms/creditvm/accounts"
	"github.com/luxfi/leverage/vms/creditvm/adapter"
	"github.com/luxfi/leverage/vms/creditvm/errs"
	"github.com/luxfi/leverage/vms/creditvm/pool"
	"github.com/luxfi/leverage/vms/creditvm/rates"
	"github.com/luxfi/leverage/vms/creditvm/risk"
	"github.com/luxfi/leverage/vms/creditvm/state"
)

var (
	ErrMissingSwapPath = errors.New("missing swap path")
	ErrInvalidSwapPath = errors.New("invalid swap path")
	ErrAdapterMismatch = errors.New("adapter target mismatch")

	prefixBorrower = []byte("credit:borrower:")

	maxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// SwapPath converts the account's whole balance of Path[0] into the last
// token of Path, failing when the output is below AmountOutMin.
type SwapPath struct {
	Path         []ids.ShortID `json:"path"`
	AmountOutMin *big.Int      `json:"amountOutMin"`
}

// Settlement reports where the base asset of a closed account went.
type Settlement struct {
	Account      ids.ShortID `json:"account"`
	Repaid       *big.Int    `json:"repaid"`
	Interest     *big.Int    `json:"interest"`
	Loss         *big.Int    `json:"loss"`
	ToBorrower   *big.Int    `json:"toBorrower"`
	ToLiquidator *big.Int    `json:"toLiquidator"`
	ToTreasury   *big.Int    `json:"toTreasury"`
}

type borrowerRecord struct {
	Account ids.ShortID `serialize:"true"`
}

// Manager opens credit accounts against one pool. Every mutating call runs
// atomically and rejects re-entry from adapter code.
type Manager struct {
	cfg     Config
	address ids.ShortID
	state   *state.State
	clock   *mockable.Clock
	pool    *pool.Pool
	factory *accounts.Factory
	filter  *risk.Filter
	venue   adapter.Venue
	log     log.Logger

	adaptersLock sync.RWMutex
	adapters     map[ids.ShortID]adapter.Adapter

	entered bool
}

func New(
	cfg Config,
	st *state.State,
	clock *mockable.Clock,
	lendingPool *pool.Pool,
	factory *accounts.Factory,
	filter *risk.Filter,
	venue adapter.Venue,
	logger log.Logger,
) *Manager {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Manager{
		cfg:      cfg,
		address:  Address(lendingPool.BaseToken()),
		state:    st,
		clock:    clock,
		pool:     lendingPool,
		factory:  factory,
		filter:   filter,
		venue:    venue,
		log:      logger,
		adapters: make(map[ids.ShortID]adapter.Adapter),
	}
}

// Address is the identity a manager for baseToken uses towards the pool,
// the account factory and the credit filter.
func Address(baseToken ids.ShortID) ids.ShortID {
	return state.DeriveAddress("credit-manager/"+baseToken.String(), 0)
}

func (m *Manager) Address() ids.ShortID {
	return m.address
}

func (m *Manager) Config() Config {
	return m.cfg
}

// OpenCreditAccount takes ownFunds of the base asset from caller, borrows
// ownFunds*leverage/LeverageBase from the pool and puts both into a fresh
// credit account owned by onBehalfOf.
func (m *Manager) OpenCreditAccount(
	caller ids.ShortID,
	ownFunds *big.Int,
	onBehalfOf ids.ShortID,
	leverage uint64,
	referralCode uint64,
) (*accounts.CreditAccount, error) {
	if ownFunds == nil || ownFunds.Cmp(m.cfg.MinAmount) < 0 || ownFunds.Cmp(m.cfg.MaxAmount) > 0 {
		return nil, fmt.Errorf("%w: own funds %s outside [%s, %s]", errs.ErrInvalidAmount, ownFunds, m.cfg.MinAmount, m.cfg.MaxAmount)
	}
	if leverage == 0 || leverage > m.cfg.MaxLeverage {
		return nil, fmt.Errorf("%w: leverage %d outside (0, %d]", errs.ErrInvalidAmount, leverage, m.cfg.MaxLeverage)
	}
	borrowed := new(big.Int).Mul(ownFunds, new(big.Int).SetUint64(leverage))
	borrowed.Quo(borrowed, big.NewInt(LeverageBase))
	if borrowed.Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing to borrow", errs.ErrInvalidAmount)
	}

	done, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	var opened *accounts.CreditAccount
	err = m.state.Atomic(func() error {
		open, err := m.HasOpenedAccount(onBehalfOf)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: %s", errs.ErrAccountAlreadyOpen, onBehalfOf)
		}

		ca, err := m.factory.TakeCreditAccount(m.address)
		if err != nil {
			return err
		}
		base := m.pool.BaseToken()
		if err := m.state.Transfer(base, caller, ca.Address, ownFunds); err != nil {
			return err
		}
		if err := m.pool.LendCreditAccount(m.address, borrowed, ca.Address); err != nil {
			return err
		}
		index, err := m.pool.CumulativeIndex()
		if err != nil {
			return err
		}
		params := accounts.Parameters{
			Borrower:          onBehalfOf,
			BorrowedPrincipal: borrowed,
			IndexAtOpen:       index,
			Since:             m.clock.Unix(),
		}
		if err := m.factory.SetParameters(m.address, ca.Address, params); err != nil {
			return err
		}
		if err := m.filter.SyncEnabledTokens(m.address, ca.Address); err != nil {
			return err
		}
		if err := m.state.PutRecord(borrowerKey(onBehalfOf), &borrowerRecord{Account: ca.Address}); err != nil {
			return err
		}
		if err := m.requireHealthy(ca.Address); err != nil {
			return err
		}
		opened, err = m.factory.CreditAccount(ca.Address)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("credit account opened",
		"borrower", onBehalfOf,
		"account", opened.Address,
		"ownFunds", ownFunds,
		"borrowed", borrowed,
		"leverage", leverage,
		"referral", referralCode,
	)
	return opened, nil
}

// AddCollateral moves amount of an allowed token from caller into the
// account of onBehalfOf and enables it.
func (m *Manager) AddCollateral(caller, onBehalfOf, token ids.ShortID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: collateral must be positive", errs.ErrInvalidAmount)
	}

	done, err := m.enter()
	if err != nil {
		return err
	}
	defer done()

	return m.state.Atomic(func() error {
		account, err := m.CreditAccountOf(onBehalfOf)
		if err != nil {
			return err
		}
		allowed, err := m.filter.IsAllowed(token)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: %s", errs.ErrDisallowedToken, token)
		}
		if err := m.state.Transfer(token, caller, account, amount); err != nil {
			return err
		}
		return m.filter.EnableToken(m.address, account, token)
	})
}

// ExecuteOrder forwards callData to the adapter registered for target with
// the caller's credit account as the only reachable wallet. The enabled set
// is re-derived from balances afterwards; any disallowed token received
// rolls the whole order back.
func (m *Manager) ExecuteOrder(caller, target ids.ShortID, callData []byte) error {
	done, err := m.enter()
	if err != nil {
		return err
	}
	defer done()

	account, err := m.CreditAccountOf(caller)
	if err != nil {
		return err
	}
	a, ok := m.adapter(target)
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownAdapter, target)
	}

	err = m.state.Atomic(func() error {
		if err := a.Execute(&wallet{state: m.state, address: account}, callData); err != nil {
			return err
		}
		if err := m.filter.SyncEnabledTokens(m.address, account); err != nil {
			return err
		}
		if m.cfg.PostTradeHealthCheck {
			return m.requireHealthy(account)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.log.Debug("order executed",
		"borrower", caller,
		"account", account,
		"target", target,
	)
	return nil
}

// Approve lets target pull token from the caller's credit account.
func (m *Manager) Approve(caller, target, token ids.ShortID) error {
	done, err := m.enter()
	if err != nil {
		return err
	}
	defer done()

	if _, ok := m.adapter(target); !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownAdapter, target)
	}
	return m.state.Atomic(func() error {
		account, err := m.CreditAccountOf(caller)
		if err != nil {
			return err
		}
		allowed, err := m.filter.IsAllowed(token)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: %s", errs.ErrDisallowedToken, token)
		}
		return m.state.Approve(token, account, target, maxAllowance)
	})
}

// SetContractAdapter registers a for target. A nil adapter removes target
// from the allow-list.
func (m *Manager) SetContractAdapter(target ids.ShortID, a adapter.Adapter) error {
	m.adaptersLock.Lock()
	defer m.adaptersLock.Unlock()

	if a == nil {
		delete(m.adapters, target)
		return nil
	}
	if a.Target() != target {
		return fmt.Errorf("%w: adapter serves %s, not %s", ErrAdapterMismatch, a.Target(), target)
	}
	m.adapters[target] = a
	return nil
}

// CloseCreditAccount unwinds the caller's account into the base asset,
// repays the pool exactly what is owed and sends the rest to to.
func (m *Manager) CloseCreditAccount(caller, to ids.ShortID, paths []SwapPath) (*Settlement, error) {
	done, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	var settlement *Settlement
	err = m.state.Atomic(func() error {
		ca, err := m.creditAccount(caller)
		if err != nil {
			return err
		}
		if err := m.unwind(ca.Address, paths, false); err != nil {
			return err
		}

		owed, interest, err := m.debt(ca)
		if err != nil {
			return err
		}
		base := m.pool.BaseToken()
		balance, err := m.state.BalanceOf(base, ca.Address)
		if err != nil {
			return err
		}
		if balance.Cmp(owed) < 0 {
			return fmt.Errorf("%w: account holds %s, owes %s", errs.ErrHealthFactorTooLow, balance, owed)
		}
		if err := m.repay(ca, ca.Address, owed, interest); err != nil {
			return err
		}
		if err := m.sweep(ca.Address, to); err != nil {
			return err
		}
		if err := m.release(caller, ca.Address); err != nil {
			return err
		}

		settlement = &Settlement{
			Account:      ca.Address,
			Repaid:       owed,
			Interest:     interest,
			Loss:         new(big.Int),
			ToBorrower:   new(big.Int).Sub(balance, owed),
			ToLiquidator: new(big.Int),
			ToTreasury:   new(big.Int),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("credit account closed",
		"borrower", caller,
		"account", settlement.Account,
		"repaid", settlement.Repaid,
		"remainder", settlement.ToBorrower,
	)
	return settlement, nil
}

// RepayCreditAccount settles the caller's debt from their own wallet and
// sends every token held by the account to to.
func (m *Manager) RepayCreditAccount(caller, to ids.ShortID) (*Settlement, error) {
	done, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	var settlement *Settlement
	err = m.state.Atomic(func() error {
		ca, err := m.creditAccount(caller)
		if err != nil {
			return err
		}
		owed, interest, err := m.debt(ca)
		if err != nil {
			return err
		}
		if err := m.repay(ca, caller, owed, interest); err != nil {
			return err
		}
		if err := m.sweep(ca.Address, to); err != nil {
			return err
		}
		if err := m.release(caller, ca.Address); err != nil {
			return err
		}

		settlement = &Settlement{
			Account:      ca.Address,
			Repaid:       owed,
			Interest:     interest,
			Loss:         new(big.Int),
			ToBorrower:   new(big.Int),
			ToLiquidator: new(big.Int),
			ToTreasury:   new(big.Int),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("credit account repaid",
		"borrower", caller,
		"account", settlement.Account,
		"repaid", settlement.Repaid,
	)
	return settlement, nil
}

// LiquidateCreditAccount unwinds an unhealthy account of borrower. The
// liquidator receives the premium at to, the treasury the fee, the pool
// what is owed, and the borrower any base asset left. Holdings whose swap
// would return nothing stay unswapped and go to the liquidator. A shortfall
// is written off in the pool.
func (m *Manager) LiquidateCreditAccount(caller, borrower, to ids.ShortID, paths []SwapPath) (*Settlement, error) {
	done, err := m.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	var settlement *Settlement
	err = m.state.Atomic(func() error {
		ca, err := m.creditAccount(borrower)
		if err != nil {
			return err
		}
		liquidatable, err := m.filter.IsLiquidatable(ca.Address)
		if err != nil {
			return err
		}
		if !liquidatable {
			return fmt.Errorf("%w: account %s is healthy", errs.ErrHealthFactorTooLow, ca.Address)
		}
		if err := m.unwind(ca.Address, paths, true); err != nil {
			return err
		}

		owed, interest, err := m.debt(ca)
		if err != nil {
			return err
		}
		base := m.pool.BaseToken()
		value, err := m.state.BalanceOf(base, ca.Address)
		if err != nil {
			return err
		}

		premium := share(value, m.cfg.LiquidationPremium)
		fee := share(value, m.cfg.LiquidationFee)
		if err := m.pay(base, ca.Address, to, premium); err != nil {
			return err
		}
		if err := m.pay(base, ca.Address, m.cfg.Treasury, fee); err != nil {
			return err
		}

		settlement = &Settlement{
			Account:      ca.Address,
			Interest:     interest,
			Loss:         new(big.Int),
			ToBorrower:   new(big.Int),
			ToLiquidator: premium,
			ToTreasury:   fee,
		}

		rest := new(big.Int).Sub(value, premium)
		rest.Sub(rest, fee)
		if rest.Cmp(owed) >= 0 {
			if err := m.repay(ca, ca.Address, owed, interest); err != nil {
				return err
			}
			settlement.Repaid = owed
			settlement.ToBorrower = new(big.Int).Sub(rest, owed)
			if err := m.pay(base, ca.Address, borrower, settlement.ToBorrower); err != nil {
				return err
			}
		} else {
			loss := new(big.Int).Sub(owed, rest)
			if err := m.pay(base, ca.Address, m.pool.Address(), rest); err != nil {
				return err
			}
			if err := m.pool.RepayWithLoss(m.address, ca.BorrowedPrincipal, loss); err != nil {
				return err
			}
			settlement.Repaid = rest
			settlement.Loss = loss
		}

		// Holdings too small to trade go to the liquidator.
		if err := m.sweep(ca.Address, to); err != nil {
			return err
		}
		return m.release(borrower, ca.Address)
	})
	if err != nil {
		return nil, err
	}

	m.log.Warn("credit account liquidated",
		"borrower", borrower,
		"liquidator", caller,
		"account", settlement.Account,
		"repaid", settlement.Repaid,
		"loss", settlement.Loss,
	)
	return settlement, nil
}

// IncreaseBorrowedAmount borrows amount more into the caller's account. The
// resulting debt may not exceed MaxLeverage times the account's equity and
// the account must stay healthy.
func (m *Manager) IncreaseBorrowedAmount(caller ids.ShortID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidAmount)
	}

	done, err := m.enter()
	if err != nil {
		return err
	}
	defer done()

	return m.state.Atomic(func() error {
		ca, err := m.creditAccount(caller)
		if err != nil {
			return err
		}
		owed, _, err := m.debt(ca)
		if err != nil {
			return err
		}
		equity, err := m.equity(ca.Address, owed)
		if err != nil {
			return err
		}
		newOwed := new(big.Int).Add(owed, amount)
		limit := new(big.Int).Mul(equity, new(big.Int).SetUint64(m.cfg.MaxLeverage))
		if new(big.Int).Mul(newOwed, big.NewInt(LeverageBase)).Cmp(limit) > 0 {
			return fmt.Errorf("%w: debt %s exceeds leverage limit on equity %s", errs.ErrInvalidAmount, newOwed, equity)
		}

		if err := m.pool.LendCreditAccount(m.address, amount, ca.Address); err != nil {
			return err
		}
		index, err := m.pool.CumulativeIndex()
		if err != nil {
			return err
		}

		// Re-base the opening index so that principal*index/indexAtOpen
		// equals the previous debt plus amount.
		principal := new(big.Int).Add(ca.BorrowedPrincipal, amount)
		indexAtOpen := new(big.Int).Mul(principal, index)
		indexAtOpen.Quo(indexAtOpen, newOwed)

		params := accounts.Parameters{
			Borrower:          ca.Borrower,
			BorrowedPrincipal: principal,
			IndexAtOpen:       indexAtOpen,
			Since:             ca.Since,
		}
		if err := m.factory.SetParameters(m.address, ca.Address, params); err != nil {
			return err
		}
		if err := m.filter.SyncEnabledTokens(m.address, ca.Address); err != nil {
			return err
		}
		return m.requireHealthy(ca.Address)
	})
}

// CalcRepayAmount returns what closing the borrower's account repays to the
// pool. For a liquidation it is capped by the account's value net of the
// liquidation premium and fee.
func (m *Manager) CalcRepayAmount(borrower ids.ShortID, isLiquidation bool) (*big.Int, error) {
	ca, err := m.creditAccount(borrower)
	if err != nil {
		return nil, err
	}
	owed, _, err := m.debt(ca)
	if err != nil {
		return nil, err
	}
	if !isLiquidation {
		return owed, nil
	}

	total, err := m.filter.TotalValue(ca.Address)
	if err != nil {
		return nil, err
	}
	value, err := m.filter.ToBase(total)
	if err != nil {
		return nil, err
	}
	keep := new(big.Int).Sub(rates.WAD, m.cfg.LiquidationPremium)
	keep.Sub(keep, m.cfg.LiquidationFee)
	net := share(value, keep)
	if net.Cmp(owed) < 0 {
		return net, nil
	}
	return owed, nil
}

// Report is a valuation of one open credit account.
type Report struct {
	Account         *accounts.CreditAccount `json:"account"`
	Owed            *big.Int                `json:"owed"`
	Interest        *big.Int                `json:"interest"`
	TotalValue      *big.Int                `json:"totalValue"`
	CollateralValue *big.Int                `json:"collateralValue"`
	HealthFactor    *big.Int                `json:"healthFactor"`
	Liquidatable    bool                    `json:"liquidatable"`
	Tokens          []*risk.TokenBalance    `json:"tokens"`
}

// Report values the borrower's account with interest accrued to now.
func (m *Manager) Report(borrower ids.ShortID) (*Report, error) {
	ca, err := m.creditAccount(borrower)
	if err != nil {
		return nil, err
	}
	owed, interest, err := m.debt(ca)
	if err != nil {
		return nil, err
	}
	total, err := m.filter.TotalValue(ca.Address)
	if err != nil {
		return nil, err
	}
	collateral, err := m.filter.CollateralValue(ca.Address)
	if err != nil {
		return nil, err
	}
	hf, err := m.filter.HealthFactor(ca.Address)
	if err != nil {
		return nil, err
	}
	count, err := m.filter.EnabledTokenCount(ca.Address)
	if err != nil {
		return nil, err
	}
	tokens := make([]*risk.TokenBalance, 0, count)
	for i := 0; i < count; i++ {
		tb, err := m.filter.GetAccountTokenBalance(ca.Address, i)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tb)
	}
	return &Report{
		Account:         ca,
		Owed:            owed,
		Interest:        interest,
		TotalValue:      total,
		CollateralValue: collateral,
		HealthFactor:    hf,
		Liquidatable:    hf.Cmp(m.filter.MinHealthFactor()) < 0,
		Tokens:          tokens,
	}, nil
}

// HasOpenedAccount reports whether borrower owns an open credit account.
func (m *Manager) HasOpenedAccount(borrower ids.ShortID) (bool, error) {
	return m.state.Has(borrowerKey(borrower))
}

// CreditAccountOf returns the address of the borrower's open account.
func (m *Manager) CreditAccountOf(borrower ids.ShortID) (ids.ShortID, error) {
	rec := &borrowerRecord{}
	if err := m.state.GetRecord(borrowerKey(borrower), rec); err != nil {
		if state.IsNotFound(err) {
			return ids.ShortEmpty, fmt.Errorf("%w: borrower %s", errs.ErrAccountNotFound, borrower)
		}
		return ids.ShortEmpty, err
	}
	return rec.Account, nil
}

// CreditAccount returns the parameters of the borrower's open account.
func (m *Manager) CreditAccount(borrower ids.ShortID) (*accounts.CreditAccount, error) {
	return m.creditAccount(borrower)
}

// Borrowers lists every borrower with an open account in key order.
func (m *Manager) Borrowers() ([]ids.ShortID, error) {
	var borrowers []ids.ShortID
	err := m.state.Iterate(prefixBorrower, func(suffix, _ []byte) error {
		var borrower ids.ShortID
		copy(borrower[:], suffix)
		borrowers = append(borrowers, borrower)
		return nil
	})
	return borrowers, err
}

// Filter exposes the credit filter valuing this manager's accounts.
func (m *Manager) Filter() *risk.Filter {
	return m.filter
}

func (m *Manager) enter() (func(), error) {
	if m.entered {
		return nil, errs.ErrReentrantCall
	}
	m.entered = true
	return func() { m.entered = false }, nil
}

func (m *Manager) adapter(target ids.ShortID) (adapter.Adapter, bool) {
	m.adaptersLock.RLock()
	defer m.adaptersLock.RUnlock()

	a, ok := m.adapters[target]
	return a, ok
}

func (m *Manager) creditAccount(borrower ids.ShortID) (*accounts.CreditAccount, error) {
	account, err := m.CreditAccountOf(borrower)
	if err != nil {
		return nil, err
	}
	return m.factory.CreditAccount(account)
}

// debt returns principal plus interest accrued to now, and the interest.
func (m *Manager) debt(ca *accounts.CreditAccount) (*big.Int, *big.Int, error) {
	owed, err := m.filter.BorrowedWithInterest(ca.Address)
	if err != nil {
		return nil, nil, err
	}
	interest := new(big.Int).Sub(owed, ca.BorrowedPrincipal)
	if interest.Sign() < 0 {
		interest.SetInt64(0)
	}
	return owed, interest, nil
}

// equity is the account's value in the base asset minus its debt.
func (m *Manager) equity(account ids.ShortID, owed *big.Int) (*big.Int, error) {
	total, err := m.filter.TotalValue(account)
	if err != nil {
		return nil, err
	}
	value, err := m.filter.ToBase(total)
	if err != nil {
		return nil, err
	}
	equity := value.Sub(value, owed)
	if equity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: account value does not cover its debt", errs.ErrHealthFactorTooLow)
	}
	return equity, nil
}

func (m *Manager) requireHealthy(account ids.ShortID) error {
	hf, err := m.filter.HealthFactor(account)
	if err != nil {
		return err
	}
	if threshold := m.filter.MinHealthFactor(); hf.Cmp(threshold) < 0 {
		return fmt.Errorf("%w: %s below %s", errs.ErrHealthFactorTooLow, hf, threshold)
	}
	return nil
}

// unwind swaps every non-base holding of account into the base asset. Each
// holding needs exactly one path that starts at it and ends at the base
// asset. With skipDust set, holdings quoted at zero output are left in place.
func (m *Manager) unwind(account ids.ShortID, paths []SwapPath, skipDust bool) error {
	base := m.pool.BaseToken()
	byToken := make(map[ids.ShortID]SwapPath, len(paths))
	for _, p := range paths {
		if len(p.Path) < 2 || p.Path[len(p.Path)-1] != base {
			return fmt.Errorf("%w: path must end in the base asset", ErrInvalidSwapPath)
		}
		if _, ok := byToken[p.Path[0]]; ok {
			return fmt.Errorf("%w: more than one path from %s", ErrInvalidSwapPath, p.Path[0])
		}
		byToken[p.Path[0]] = p
	}

	holdings, err := m.state.Holdings(account)
	if err != nil {
		return err
	}
	for _, h := range holdings {
		if h.Token == base {
			continue
		}
		p, ok := byToken[h.Token]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingSwapPath, h.Token)
		}
		if skipDust {
			amounts, err := m.venue.GetAmountsOut(h.Balance, p.Path)
			if err != nil {
				return err
			}
			if amounts[len(amounts)-1].Sign() == 0 {
				m.log.Debug("skipping dust holding",
					"account", account,
					"token", h.Token,
					"balance", h.Balance,
				)
				continue
			}
		}
		if err := m.state.Approve(h.Token, account, m.venue.Address(), h.Balance); err != nil {
			return err
		}
		if _, err := m.venue.SwapExactTokensForTokens(account, h.Balance, p.AmountOutMin, p.Path, account, 0); err != nil {
			return err
		}
	}
	return nil
}

// repay sends owed of the base asset from payer to the pool and settles the
// loan.
func (m *Manager) repay(ca *accounts.CreditAccount, payer ids.ShortID, owed, interest *big.Int) error {
	if err := m.pay(m.pool.BaseToken(), payer, m.pool.Address(), owed); err != nil {
		return err
	}
	return m.pool.RepayCreditAccount(m.address, ca.BorrowedPrincipal, interest)
}

func (m *Manager) pay(token, from, to ids.ShortID, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	return m.state.Transfer(token, from, to, amount)
}

// sweep moves every token held by account to to.
func (m *Manager) sweep(account, to ids.ShortID) error {
	holdings, err := m.state.Holdings(account)
	if err != nil {
		return err
	}
	for _, h := range holdings {
		if err := m.state.Transfer(h.Token, account, to, h.Balance); err != nil {
			return err
		}
	}
	return nil
}

// release returns the account to the factory with no approvals left and
// forgets its owner.
func (m *Manager) release(borrower, account ids.ShortID) error {
	if err := m.filter.ClearEnabledTokens(m.address, account); err != nil {
		return err
	}
	if err := m.state.RevokeAllowances(account); err != nil {
		return err
	}
	if err := m.factory.ReturnCreditAccount(m.address, account); err != nil {
		return err
	}
	return m.state.Delete(borrowerKey(borrower))
}

func share(amount, fraction *big.Int) *big.Int {
	v := new(big.Int).Mul(amount, fraction)
	return v.Quo(v, rates.WAD)
}

func borrowerKey(borrower ids.ShortID) []byte {
	return state.Key(prefixBorrower, borrower[:])
}

type wallet struct {
	state   *state.State
	address ids.ShortID
}

func (w *wallet) Address() ids.ShortID {
	return w.address
}

func (w *wallet) BalanceOf(token ids.ShortID) (*big.Int, error) {
	return w.state.BalanceOf(token, w.address)
}
