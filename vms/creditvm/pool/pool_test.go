// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pool

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/utils/timer/mockable"
	"github.com/luxfi/leverage/vms/creditvm/errs"
	"github.com/luxfi/leverage/vms/creditvm/rates"
	"github.com/luxfi/leverage/vms/creditvm/state"
)

// wad returns v * 1e18.
func wad(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), rates.WAD)
}

type testEnv struct {
	pool     *Pool
	state    *state.State
	clock    *mockable.Clock
	base     ids.ShortID
	diesel   ids.ShortID
	treasury ids.ShortID
	deployer ids.ShortID
	manager  ids.ShortID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require := require.New(t)

	env := &testEnv{
		state:    state.New(memdb.New()),
		clock:    &mockable.Clock{},
		base:     ids.GenerateTestShortID(),
		diesel:   ids.GenerateTestShortID(),
		treasury: ids.GenerateTestShortID(),
		deployer: ids.GenerateTestShortID(),
		manager:  ids.GenerateTestShortID(),
	}
	env.clock.Set(time.Unix(1_700_000_000, 0))

	require.NoError(env.state.RegisterToken(env.base, "USDC", 18, env.deployer))
	require.NoError(env.state.RegisterToken(env.diesel, "dUSDC", 18, env.deployer))

	env.pool = New(Config{
		BaseToken:   env.base,
		ShareToken:  env.diesel,
		Treasury:    env.treasury,
		TreasuryFee: big.NewInt(0.1e18),
		Model:       rates.DefaultModel(),
	}, env.state, env.clock, log.NewNoOpLogger())
	require.NoError(env.pool.Initialize())
	require.NoError(env.state.SetMinter(env.diesel, env.deployer, env.pool.Address()))
	return env
}

func (env *testEnv) fund(t *testing.T, holder ids.ShortID, amount *big.Int) {
	t.Helper()
	require.NoError(t, env.state.Mint(env.base, env.deployer, holder, amount))
}

func (env *testEnv) requireInvariants(t *testing.T) {
	t.Helper()
	require := require.New(t)

	snap, err := env.pool.Snapshot()
	require.NoError(err)
	require.LessOrEqual(snap.TotalBorrowed.Cmp(snap.TotalLiquidity), 0)
	require.GreaterOrEqual(snap.AvailableLiquidity.Sign(), 0)

	// shares * rate == liquidity, within one unit per share of rounding.
	implied := new(big.Int).Mul(snap.ShareSupply, snap.ExchangeRate)
	implied.Quo(implied, rates.WAD)
	diff := new(big.Int).Sub(snap.TotalLiquidity, implied)
	require.LessOrEqual(diff.CmpAbs(new(big.Int).Add(snap.ShareSupply, big.NewInt(1))), 0)
}

func TestAddRemoveLiquidityOneToOne(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()
	env.fund(t, owner, big.NewInt(100))

	shares, err := env.pool.AddLiquidity(owner, big.NewInt(100), owner, 0)
	require.NoError(err)
	require.Equal(int64(100), shares.Int64())

	balance, err := env.state.BalanceOf(env.diesel, owner)
	require.NoError(err)
	require.Equal(int64(100), balance.Int64())

	amount, err := env.pool.RemoveLiquidity(owner, big.NewInt(50), owner)
	require.NoError(err)
	require.Equal(int64(50), amount.Int64())

	balance, err = env.state.BalanceOf(env.diesel, owner)
	require.NoError(err)
	require.Equal(int64(50), balance.Int64())

	snap, err := env.pool.Snapshot()
	require.NoError(err)
	require.Equal(int64(50), snap.TotalLiquidity.Int64())
	require.Equal(int64(50), snap.ShareSupply.Int64())
	require.Zero(rates.WAD.Cmp(snap.ExchangeRate))
}

func TestAddLiquidityInvalidAmount(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()

	_, err := env.pool.AddLiquidity(owner, big.NewInt(0), owner, 0)
	require.ErrorIs(err, errs.ErrInvalidAmount)
	_, err = env.pool.AddLiquidity(owner, big.NewInt(-5), owner, 0)
	require.ErrorIs(err, errs.ErrInvalidAmount)
	_, err = env.pool.RemoveLiquidity(owner, big.NewInt(0), owner)
	require.ErrorIs(err, errs.ErrInvalidAmount)
}

func TestAddLiquidityWithoutFundsRollsBack(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()

	_, err := env.pool.AddLiquidity(owner, big.NewInt(10), owner, 0)
	require.ErrorIs(err, state.ErrInsufficientBalance)

	supply, err := env.state.TotalSupply(env.diesel)
	require.NoError(err)
	require.Zero(supply.Sign())
}

func TestShareInvariantAcrossDeposits(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	alice := ids.GenerateTestShortID()
	bob := ids.GenerateTestShortID()
	env.fund(t, alice, wad(1000))
	env.fund(t, bob, wad(1000))

	steps := []struct {
		who    ids.ShortID
		add    *big.Int
		remove *big.Int
	}{
		{who: alice, add: wad(100)},
		{who: bob, add: big.NewInt(333)},
		{who: alice, remove: wad(40)},
		{who: bob, add: wad(7)},
		{who: bob, remove: big.NewInt(333)},
		{who: alice, remove: wad(60)},
	}
	for _, step := range steps {
		if step.add != nil {
			_, err := env.pool.AddLiquidity(step.who, step.add, step.who, 0)
			require.NoError(err)
		} else {
			_, err := env.pool.RemoveLiquidity(step.who, step.remove, step.who)
			require.NoError(err)
		}
		env.requireInvariants(t)
	}
}

func TestLendRequiresAuthorization(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()
	account := ids.GenerateTestShortID()
	env.fund(t, owner, big.NewInt(100))
	_, err := env.pool.AddLiquidity(owner, big.NewInt(100), owner, 0)
	require.NoError(err)

	err = env.pool.LendCreditAccount(env.manager, big.NewInt(10), account)
	require.ErrorIs(err, errs.ErrUnauthorized)

	ok, err := env.pool.CreditManagersCanBorrow(env.manager)
	require.NoError(err)
	require.False(ok)

	require.NoError(env.pool.ConnectCreditManager(env.manager))
	require.NoError(env.pool.ConnectCreditManager(env.manager))

	ok, err = env.pool.CreditManagersCanBorrow(env.manager)
	require.NoError(err)
	require.True(ok)
	ok, err = env.pool.CreditManagersCanBorrow(owner)
	require.NoError(err)
	require.False(ok)

	require.NoError(env.pool.LendCreditAccount(env.manager, big.NewInt(10), account))
	balance, err := env.state.BalanceOf(env.base, account)
	require.NoError(err)
	require.Equal(int64(10), balance.Int64())
	env.requireInvariants(t)
}

func TestLendInsufficientLiquidity(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()
	env.fund(t, owner, big.NewInt(100))
	_, err := env.pool.AddLiquidity(owner, big.NewInt(100), owner, 0)
	require.NoError(err)
	require.NoError(env.pool.ConnectCreditManager(env.manager))

	err = env.pool.LendCreditAccount(env.manager, big.NewInt(101), ids.GenerateTestShortID())
	require.ErrorIs(err, errs.ErrInsufficientLiquidity)

	require.NoError(env.pool.LendCreditAccount(env.manager, big.NewInt(80), ids.GenerateTestShortID()))

	// Only 20 is left for withdrawals.
	_, err = env.pool.RemoveLiquidity(owner, big.NewInt(21), owner)
	require.ErrorIs(err, errs.ErrInsufficientLiquidity)
	_, err = env.pool.RemoveLiquidity(owner, big.NewInt(20), owner)
	require.NoError(err)
	env.requireInvariants(t)
}

func TestInterestAccrual(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()
	env.fund(t, owner, wad(1000))
	_, err := env.pool.AddLiquidity(owner, wad(1000), owner, 0)
	require.NoError(err)
	require.NoError(env.pool.ConnectCreditManager(env.manager))
	require.NoError(env.pool.LendCreditAccount(env.manager, wad(500), ids.GenerateTestShortID()))

	env.clock.Advance(rates.SecondsPerYear * time.Second)
	require.NoError(env.pool.Accrue())

	// 50% utilization -> 7% a year on 500 borrowed.
	snap, err := env.pool.Snapshot()
	require.NoError(err)
	require.Zero(wad(1035).Cmp(snap.TotalLiquidity), snap.TotalLiquidity.String())
	require.Zero(big.NewInt(1.07e18).Cmp(snap.CumulativeIndex), snap.CumulativeIndex.String())
	require.Equal(1, snap.ExchangeRate.Cmp(rates.WAD))
	env.requireInvariants(t)
}

func TestAccrueTwiceWithoutElapsedTimeIsNoop(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()
	env.fund(t, owner, wad(100))
	_, err := env.pool.AddLiquidity(owner, wad(100), owner, 0)
	require.NoError(err)
	require.NoError(env.pool.ConnectCreditManager(env.manager))
	require.NoError(env.pool.LendCreditAccount(env.manager, wad(60), ids.GenerateTestShortID()))

	env.clock.Advance(time.Hour)
	require.NoError(env.pool.Accrue())
	first, err := env.pool.Snapshot()
	require.NoError(err)

	require.NoError(env.pool.Accrue())
	second, err := env.pool.Snapshot()
	require.NoError(err)
	require.Equal(first, second)
}

func TestRepaySplitsInterestWithTreasury(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()
	account := ids.GenerateTestShortID()
	env.fund(t, owner, wad(100))
	_, err := env.pool.AddLiquidity(owner, wad(100), owner, 0)
	require.NoError(err)
	require.NoError(env.pool.ConnectCreditManager(env.manager))
	require.NoError(env.pool.LendCreditAccount(env.manager, wad(40), account))

	// The account earned enough to pay 10 of interest.
	env.fund(t, account, wad(10))
	require.NoError(env.state.Transfer(env.base, account, env.pool.Address(), wad(50)))

	err = env.pool.RepayCreditAccount(ids.GenerateTestShortID(), wad(40), wad(10))
	require.ErrorIs(err, errs.ErrUnauthorized)
	require.NoError(env.pool.RepayCreditAccount(env.manager, wad(40), wad(10)))

	treasury, err := env.state.BalanceOf(env.base, env.treasury)
	require.NoError(err)
	require.Zero(wad(1).Cmp(treasury))

	snap, err := env.pool.Snapshot()
	require.NoError(err)
	require.Zero(snap.TotalBorrowed.Sign())
	require.Zero(wad(99).Cmp(snap.TotalLiquidity))
	env.requireInvariants(t)
}

func TestRepayMoreThanBorrowed(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	require.NoError(env.pool.ConnectCreditManager(env.manager))

	err := env.pool.RepayCreditAccount(env.manager, big.NewInt(1), big.NewInt(0))
	require.ErrorIs(err, errs.ErrInvalidAmount)
}

func TestRepayWithLoss(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	owner := ids.GenerateTestShortID()
	account := ids.GenerateTestShortID()
	env.fund(t, owner, wad(100))
	_, err := env.pool.AddLiquidity(owner, wad(100), owner, 0)
	require.NoError(err)
	require.NoError(env.pool.ConnectCreditManager(env.manager))
	require.NoError(env.pool.LendCreditAccount(env.manager, wad(40), account))

	// Only 30 of the 40 came back.
	require.NoError(env.state.Transfer(env.base, account, env.pool.Address(), wad(30)))
	require.NoError(env.pool.RepayWithLoss(env.manager, wad(40), wad(10)))

	snap, err := env.pool.Snapshot()
	require.NoError(err)
	require.Zero(snap.TotalBorrowed.Sign())
	require.Zero(wad(90).Cmp(snap.TotalLiquidity))

	amount, err := env.pool.FromShares(wad(100))
	require.NoError(err)
	require.Zero(wad(90).Cmp(amount))
	env.requireInvariants(t)
}

func TestSharesPriceInAccruedInterest(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	early := ids.GenerateTestShortID()
	late := ids.GenerateTestShortID()
	env.fund(t, early, wad(1000))
	env.fund(t, late, wad(1000))
	_, err := env.pool.AddLiquidity(early, wad(1000), early, 0)
	require.NoError(err)
	require.NoError(env.pool.ConnectCreditManager(env.manager))
	require.NoError(env.pool.LendCreditAccount(env.manager, wad(500), ids.GenerateTestShortID()))

	env.clock.Advance(rates.SecondsPerYear * time.Second)

	expected, err := env.pool.ToShares(wad(1035))
	require.NoError(err)
	shares, err := env.pool.AddLiquidity(late, wad(1000), late, 0)
	require.NoError(err)
	require.Equal(-1, shares.Cmp(wad(1000)))
	require.Zero(wad(1000).Cmp(expected))
	env.requireInvariants(t)
}
