// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package credit

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/utils/timer/mockable"
	"github.com/luxfi/leverage/vms/creditvm/accounts"
	"github.com/luxfi/leverage/vms/creditvm/adapter"
	"github.com/luxfi/leverage/vms/creditvm/errs"
	"github.com/luxfi/leverage/vms/creditvm/oracle"
	"github.com/luxfi/leverage/vms/creditvm/pool"
	"github.com/luxfi/leverage/vms/creditvm/rates"
	"github.com/luxfi/leverage/vms/creditvm/risk"
	"github.com/luxfi/leverage/vms/creditvm/state"
	"github.com/luxfi/leverage/vms/creditvm/swap"
)

func wad(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), rates.WAD)
}

func testConfig(treasury ids.ShortID) Config {
	return Config{
		MinAmount:            wad(1),
		MaxAmount:            wad(100),
		MaxLeverage:          400,
		LiquidationPremium:   big.NewInt(0.04e18),
		LiquidationFee:       big.NewInt(0.01e18),
		Treasury:             treasury,
		PostTradeHealthCheck: true,
	}
}

type testEnv struct {
	manager  *Manager
	state    *state.State
	clock    *mockable.Clock
	pool     *pool.Pool
	factory  *accounts.Factory
	filter   *risk.Filter
	oracle   *oracle.StaticOracle
	router   *swap.Router
	deployer ids.ShortID
	treasury ids.ShortID
	borrower ids.ShortID

	base, diesel, weth, bad ids.ShortID
}

// newTestEnv wires a manager over a pool holding deposit of the base asset
// and a router with base/weth at 2:1 and base/bad at 1:1.
func newTestEnv(t *testing.T, deposit *big.Int) *testEnv {
	t.Helper()
	require := require.New(t)

	env := &testEnv{
		state:    state.New(memdb.New()),
		clock:    &mockable.Clock{},
		oracle:   oracle.NewStaticOracle(),
		deployer: ids.GenerateTestShortID(),
		treasury: ids.GenerateTestShortID(),
		borrower: ids.GenerateTestShortID(),
		base:     ids.GenerateTestShortID(),
		diesel:   ids.GenerateTestShortID(),
		weth:     ids.GenerateTestShortID(),
		bad:      ids.GenerateTestShortID(),
	}
	env.clock.Set(time.Unix(1_700_000_000, 0))
	logger := log.NewNoOpLogger()

	require.NoError(env.state.RegisterToken(env.base, "USDC", 18, env.deployer))
	require.NoError(env.state.RegisterToken(env.diesel, "dUSDC", 18, env.deployer))
	require.NoError(env.state.RegisterToken(env.weth, "WETH", 18, env.deployer))
	require.NoError(env.state.RegisterToken(env.bad, "BAD", 18, env.deployer))

	env.pool = pool.New(pool.Config{
		BaseToken:   env.base,
		ShareToken:  env.diesel,
		Treasury:    env.treasury,
		TreasuryFee: big.NewInt(0.1e18),
		Model:       rates.DefaultModel(),
	}, env.state, env.clock, logger)
	require.NoError(env.pool.Initialize())
	require.NoError(env.state.SetMinter(env.diesel, env.deployer, env.pool.Address()))

	env.factory = accounts.New(env.state, logger)
	env.filter = risk.New(risk.Config{
		BaseToken:       env.base,
		MinHealthFactor: new(big.Int).Set(rates.WAD),
	}, env.state, env.oracle, env.factory, env.pool, logger)
	env.router = swap.New(env.state, env.clock, logger)
	env.manager = New(testConfig(env.treasury), env.state, env.clock, env.pool, env.factory, env.filter, env.router, logger)

	require.NoError(env.pool.ConnectCreditManager(env.manager.Address()))
	require.NoError(env.factory.SetCreditManager(env.manager.Address()))
	require.NoError(env.filter.ConnectCreditManager(env.manager.Address()))
	require.NoError(env.manager.SetContractAdapter(env.router.Address(), adapter.NewSwapAdapter(env.router, logger)))

	require.NoError(env.filter.AllowToken(env.base, big.NewInt(0.95e18)))
	require.NoError(env.filter.AllowToken(env.weth, big.NewInt(0.8e18)))
	require.NoError(env.oracle.SetPrice(env.base, wad(1)))
	require.NoError(env.oracle.SetPrice(env.weth, wad(2)))
	require.NoError(env.oracle.SetPrice(env.bad, wad(1)))

	for _, token := range []ids.ShortID{env.base, env.weth, env.bad} {
		require.NoError(env.state.Mint(token, env.deployer, env.deployer, wad(100_000)))
	}
	_, err := env.router.CreatePool(env.deployer, env.base, env.weth, wad(20_000), wad(10_000), 30)
	require.NoError(err)
	_, err = env.router.CreatePool(env.deployer, env.base, env.bad, wad(1000), wad(1000), 30)
	require.NoError(err)

	_, err = env.pool.AddLiquidity(env.deployer, deposit, env.deployer, 0)
	require.NoError(err)
	require.NoError(env.state.Transfer(env.base, env.deployer, env.borrower, wad(100)))
	return env
}

func (env *testEnv) open(t *testing.T, ownFunds int64, leverage uint64) *accounts.CreditAccount {
	t.Helper()
	ca, err := env.manager.OpenCreditAccount(env.borrower, wad(ownFunds), env.borrower, leverage, 0)
	require.NoError(t, err)
	return ca
}

func (env *testEnv) balance(t *testing.T, token, holder ids.ShortID) *big.Int {
	t.Helper()
	b, err := env.state.BalanceOf(token, holder)
	require.NoError(t, err)
	return b
}

func (env *testEnv) swapOrder(t *testing.T, amountIn *big.Int, path ...ids.ShortID) []byte {
	t.Helper()
	callData, err := adapter.EncodeSwap(path, amountIn, nil, 0)
	require.NoError(t, err)
	return callData
}

func (env *testEnv) snapshot(t *testing.T) *pool.Snapshot {
	t.Helper()
	snap, err := env.pool.Snapshot()
	require.NoError(t, err)
	return snap
}

func TestOpenCreditAccount(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)

	require.Equal(wad(40), ca.BorrowedPrincipal)
	require.Equal(rates.WAD, ca.IndexAtOpen)
	require.Equal(env.borrower, ca.Borrower)
	require.Equal(wad(50), env.balance(t, env.base, ca.Address))
	require.Equal(wad(90), env.balance(t, env.base, env.borrower))
	require.Equal(wad(40), env.snapshot(t).TotalBorrowed)

	hf, err := env.filter.HealthFactor(ca.Address)
	require.NoError(err)
	require.GreaterOrEqual(hf.Cmp(env.filter.MinHealthFactor()), 0)

	enabled, err := env.filter.EnabledTokens(ca.Address)
	require.NoError(err)
	require.Equal([]ids.ShortID{env.base}, enabled)

	open, err := env.manager.HasOpenedAccount(env.borrower)
	require.NoError(err)
	require.True(open)

	_, err = env.manager.OpenCreditAccount(env.borrower, wad(10), env.borrower, 400, 0)
	require.ErrorIs(err, errs.ErrAccountAlreadyOpen)
}

func TestOpenCreditAccountValidation(t *testing.T) {
	tests := []struct {
		name     string
		ownFunds *big.Int
		leverage uint64
		deposit  *big.Int
		err      error
	}{
		{name: "below min", ownFunds: big.NewInt(1), leverage: 100, deposit: wad(1000), err: errs.ErrInvalidAmount},
		{name: "above max", ownFunds: wad(101), leverage: 100, deposit: wad(1000), err: errs.ErrInvalidAmount},
		{name: "zero leverage", ownFunds: wad(10), leverage: 0, deposit: wad(1000), err: errs.ErrInvalidAmount},
		{name: "leverage above max", ownFunds: wad(10), leverage: 401, deposit: wad(1000), err: errs.ErrInvalidAmount},
		{name: "pool too small", ownFunds: wad(10), leverage: 400, deposit: wad(30), err: errs.ErrInsufficientLiquidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			env := newTestEnv(t, tt.deposit)
			_, err := env.manager.OpenCreditAccount(env.borrower, tt.ownFunds, env.borrower, tt.leverage, 0)
			require.ErrorIs(err, tt.err)

			// Nothing moved.
			require.Equal(wad(100), env.balance(t, env.base, env.borrower))
			count, err := env.factory.Count()
			require.NoError(err)
			require.Zero(count)
			open, err := env.manager.HasOpenedAccount(env.borrower)
			require.NoError(err)
			require.False(open)
		})
	}
}

func TestCloseFreshAccount(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)

	settlement, err := env.manager.CloseCreditAccount(env.borrower, env.borrower, nil)
	require.NoError(err)
	require.Equal(wad(40), settlement.Repaid)
	require.Zero(settlement.Interest.Sign())
	require.Equal(wad(10), settlement.ToBorrower)

	require.Equal(wad(100), env.balance(t, env.base, env.borrower))
	require.Zero(env.balance(t, env.base, ca.Address).Sign())
	require.Equal(wad(1000), env.balance(t, env.base, env.pool.Address()))

	snap := env.snapshot(t)
	require.Zero(snap.TotalBorrowed.Sign())
	require.Equal(wad(1000), snap.TotalLiquidity)

	open, err := env.manager.HasOpenedAccount(env.borrower)
	require.NoError(err)
	require.False(open)
	free, err := env.factory.FreeCount()
	require.NoError(err)
	require.Equal(1, free)

	// The returned slot backs the next account.
	reopened := env.open(t, 10, 100)
	require.Equal(ca.Address, reopened.Address)
	require.Equal(wad(10), reopened.BorrowedPrincipal)

	_, err = env.manager.CloseCreditAccount(ids.GenerateTestShortID(), env.borrower, nil)
	require.ErrorIs(err, errs.ErrAccountNotFound)
}

func TestCloseAccruesInterest(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	env.open(t, 10, 400)

	// 4% utilization borrows at 2.4% a year.
	env.clock.Advance(rates.SecondsPerYear * time.Second)
	owed := new(big.Int).Mul(big.NewInt(4096), big.NewInt(1e16))

	repay, err := env.manager.CalcRepayAmount(env.borrower, false)
	require.NoError(err)
	require.Equal(owed, repay)

	settlement, err := env.manager.CloseCreditAccount(env.borrower, env.borrower, nil)
	require.NoError(err)
	require.Equal(owed, settlement.Repaid)
	require.Equal(big.NewInt(0.96e18), settlement.Interest)
	require.Equal(new(big.Int).Sub(wad(50), owed), settlement.ToBorrower)

	// A tenth of the interest goes to the treasury.
	require.Equal(big.NewInt(0.096e18), env.balance(t, env.base, env.treasury))
	snap := env.snapshot(t)
	require.Zero(snap.TotalBorrowed.Sign())
	require.Equal(env.balance(t, env.base, env.pool.Address()), snap.TotalLiquidity)
}

func TestExecuteOrderAndCloseWithPath(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)

	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.base))
	require.NoError(env.manager.ExecuteOrder(env.borrower, env.router.Address(), env.swapOrder(t, wad(20), env.base, env.weth)))

	require.Equal(wad(30), env.balance(t, env.base, ca.Address))
	bought := env.balance(t, env.weth, ca.Address)
	require.Positive(bought.Sign())

	enabled, err := env.filter.EnabledTokens(ca.Address)
	require.NoError(err)
	require.Equal([]ids.ShortID{env.base, env.weth}, enabled)

	_, err = env.manager.CloseCreditAccount(env.borrower, env.borrower, nil)
	require.ErrorIs(err, ErrMissingSwapPath)

	_, err = env.manager.CloseCreditAccount(env.borrower, env.borrower, []SwapPath{{
		Path:         []ids.ShortID{env.weth, env.base},
		AmountOutMin: wad(20),
	}})
	require.ErrorIs(err, errs.ErrSlippageExceeded)
	require.Equal(bought, env.balance(t, env.weth, ca.Address))

	settlement, err := env.manager.CloseCreditAccount(env.borrower, env.borrower, []SwapPath{{
		Path:         []ids.ShortID{env.weth, env.base},
		AmountOutMin: wad(19),
	}})
	require.NoError(err)
	require.Equal(wad(40), settlement.Repaid)
	require.Zero(env.balance(t, env.weth, ca.Address).Sign())

	// Two swap fees were paid on the round trip.
	got := env.balance(t, env.base, env.borrower)
	require.Equal(new(big.Int).Add(wad(90), settlement.ToBorrower), got)
	require.Negative(settlement.ToBorrower.Cmp(wad(10)))
	require.Positive(settlement.ToBorrower.Cmp(wad(9)))
}

func TestExecuteOrderDisallowedTokenRollsBack(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)
	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.base))

	before, err := env.router.Pair(env.base, env.bad)
	require.NoError(err)

	err = env.manager.ExecuteOrder(env.borrower, env.router.Address(), env.swapOrder(t, wad(10), env.base, env.bad))
	require.ErrorIs(err, errs.ErrDisallowedToken)

	require.Equal(wad(50), env.balance(t, env.base, ca.Address))
	require.Zero(env.balance(t, env.bad, ca.Address).Sign())
	after, err := env.router.Pair(env.base, env.bad)
	require.NoError(err)
	require.Equal(before, after)

	enabled, err := env.filter.EnabledTokens(ca.Address)
	require.NoError(err)
	require.Equal([]ids.ShortID{env.base}, enabled)
}

func TestExecuteOrderPostTradeHealthCheck(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)
	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.base))

	// All-in on the heavier discounted token drops below the threshold.
	err := env.manager.ExecuteOrder(env.borrower, env.router.Address(), env.swapOrder(t, nil, env.base, env.weth))
	require.ErrorIs(err, errs.ErrHealthFactorTooLow)
	require.Equal(wad(50), env.balance(t, env.base, ca.Address))
	require.Zero(env.balance(t, env.weth, ca.Address).Sign())
}

func TestExecuteOrderErrors(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	callData := env.swapOrder(t, wad(1), env.base, env.weth)

	err := env.manager.ExecuteOrder(env.borrower, env.router.Address(), callData)
	require.ErrorIs(err, errs.ErrAccountNotFound)

	env.open(t, 10, 400)
	err = env.manager.ExecuteOrder(env.borrower, ids.GenerateTestShortID(), callData)
	require.ErrorIs(err, errs.ErrUnknownAdapter)
	require.ErrorIs(env.manager.Approve(env.borrower, ids.GenerateTestShortID(), env.base), errs.ErrUnknownAdapter)
	require.ErrorIs(env.manager.Approve(env.borrower, env.router.Address(), env.bad), errs.ErrDisallowedToken)

	// Without an approval the venue cannot pull funds.
	err = env.manager.ExecuteOrder(env.borrower, env.router.Address(), callData)
	require.ErrorIs(err, state.ErrInsufficientAllowance)

	require.NoError(env.manager.SetContractAdapter(env.router.Address(), nil))
	err = env.manager.ExecuteOrder(env.borrower, env.router.Address(), callData)
	require.ErrorIs(err, errs.ErrUnknownAdapter)
}

func TestSetContractAdapterMismatch(t *testing.T) {
	env := newTestEnv(t, wad(1000))
	err := env.manager.SetContractAdapter(ids.GenerateTestShortID(), adapter.NewSwapAdapter(env.router, nil))
	require.ErrorIs(t, err, ErrAdapterMismatch)
}

func TestAddCollateral(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	funder := ids.GenerateTestShortID()
	require.NoError(env.state.Transfer(env.weth, env.deployer, funder, wad(5)))
	require.NoError(env.state.Transfer(env.bad, env.deployer, funder, wad(5)))

	err := env.manager.AddCollateral(funder, env.borrower, env.weth, wad(5))
	require.ErrorIs(err, errs.ErrAccountNotFound)

	ca := env.open(t, 10, 400)
	before, err := env.filter.CollateralValue(ca.Address)
	require.NoError(err)

	require.NoError(env.manager.AddCollateral(funder, env.borrower, env.weth, wad(5)))
	after, err := env.filter.CollateralValue(ca.Address)
	require.NoError(err)
	// 5 WETH at 2 with a 0.8 discount.
	require.Equal(wad(8), new(big.Int).Sub(after, before))

	enabled, err := env.filter.EnabledTokens(ca.Address)
	require.NoError(err)
	require.Equal([]ids.ShortID{env.base, env.weth}, enabled)

	require.ErrorIs(env.manager.AddCollateral(funder, env.borrower, env.bad, wad(5)), errs.ErrDisallowedToken)
	require.ErrorIs(env.manager.AddCollateral(funder, env.borrower, env.weth, big.NewInt(0)), errs.ErrInvalidAmount)
}

func TestLiquidateCreditAccount(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)
	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.base))
	require.NoError(env.manager.ExecuteOrder(env.borrower, env.router.Address(), env.swapOrder(t, wad(25), env.base, env.weth)))

	liquidator := ids.GenerateTestShortID()
	paths := []SwapPath{{Path: []ids.ShortID{env.weth, env.base}}}

	_, err := env.manager.LiquidateCreditAccount(liquidator, env.borrower, liquidator, paths)
	require.ErrorIs(err, errs.ErrHealthFactorTooLow)

	require.NoError(env.oracle.SetPrice(env.weth, wad(1)))
	liquidatable, err := env.filter.IsLiquidatable(ca.Address)
	require.NoError(err)
	require.True(liquidatable)

	_, err = env.manager.LiquidateCreditAccount(liquidator, env.borrower, liquidator, nil)
	require.ErrorIs(err, ErrMissingSwapPath)

	borrowerBefore := env.balance(t, env.base, env.borrower)
	settlement, err := env.manager.LiquidateCreditAccount(liquidator, env.borrower, liquidator, paths)
	require.NoError(err)
	require.Equal(wad(40), settlement.Repaid)
	require.Zero(settlement.Loss.Sign())
	require.Positive(settlement.ToLiquidator.Sign())
	require.Positive(settlement.ToTreasury.Sign())

	require.Equal(settlement.ToLiquidator, env.balance(t, env.base, liquidator))
	require.Equal(settlement.ToTreasury, env.balance(t, env.base, env.treasury))
	require.Equal(new(big.Int).Add(borrowerBefore, settlement.ToBorrower), env.balance(t, env.base, env.borrower))

	unwound := new(big.Int).Add(settlement.Repaid, settlement.ToBorrower)
	unwound.Add(unwound, settlement.ToLiquidator)
	unwound.Add(unwound, settlement.ToTreasury)
	require.Equal(share(unwound, big.NewInt(0.04e18)), settlement.ToLiquidator)

	snap := env.snapshot(t)
	require.Zero(snap.TotalBorrowed.Sign())
	require.Equal(wad(1000), snap.TotalLiquidity)

	open, err := env.manager.HasOpenedAccount(env.borrower)
	require.NoError(err)
	require.False(open)
}

func TestLiquidateWithLoss(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)
	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.base))
	require.NoError(env.manager.ExecuteOrder(env.borrower, env.router.Address(), env.swapOrder(t, wad(25), env.base, env.weth)))

	// A whale halves the venue price of WETH.
	whale := ids.GenerateTestShortID()
	require.NoError(env.state.Transfer(env.weth, env.deployer, whale, wad(10_000)))
	require.NoError(env.state.Approve(env.weth, whale, env.router.Address(), wad(10_000)))
	_, err := env.router.SwapExactTokensForTokens(whale, wad(10_000), nil, []ids.ShortID{env.weth, env.base}, whale, 0)
	require.NoError(err)
	require.NoError(env.oracle.SetPrice(env.weth, big.NewInt(0.5e18)))

	repay, err := env.manager.CalcRepayAmount(env.borrower, true)
	require.NoError(err)
	require.Negative(repay.Cmp(wad(40)))

	liquidator := ids.GenerateTestShortID()
	borrowerBefore := env.balance(t, env.base, env.borrower)
	settlement, err := env.manager.LiquidateCreditAccount(liquidator, env.borrower, liquidator, []SwapPath{{
		Path: []ids.ShortID{env.weth, env.base},
	}})
	require.NoError(err)
	require.Positive(settlement.Loss.Sign())
	require.Equal(wad(40), new(big.Int).Add(settlement.Repaid, settlement.Loss))
	require.Zero(settlement.ToBorrower.Sign())
	require.Equal(borrowerBefore, env.balance(t, env.base, env.borrower))
	require.Zero(env.balance(t, env.base, ca.Address).Sign())

	// Depositors absorb the shortfall.
	snap := env.snapshot(t)
	require.Zero(snap.TotalBorrowed.Sign())
	require.Equal(new(big.Int).Sub(wad(1000), settlement.Loss), snap.TotalLiquidity)
	require.Equal(snap.TotalLiquidity, env.balance(t, env.base, env.pool.Address()))
}

func TestLiquidateLeavesDustToLiquidator(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	require.NoError(env.filter.AllowToken(env.bad, big.NewInt(0.8e18)))
	ca := env.open(t, 10, 400)
	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.base))
	require.NoError(env.manager.ExecuteOrder(env.borrower, env.router.Address(), env.swapOrder(t, wad(25), env.base, env.weth)))

	// One wei of BAD trades for nothing on the venue.
	require.NoError(env.state.Transfer(env.bad, env.deployer, env.borrower, big.NewInt(1)))
	require.NoError(env.manager.AddCollateral(env.borrower, env.borrower, env.bad, big.NewInt(1)))

	require.NoError(env.oracle.SetPrice(env.weth, wad(1)))
	liquidatable, err := env.filter.IsLiquidatable(ca.Address)
	require.NoError(err)
	require.True(liquidatable)

	liquidator := ids.GenerateTestShortID()
	settlement, err := env.manager.LiquidateCreditAccount(liquidator, env.borrower, liquidator, []SwapPath{
		{Path: []ids.ShortID{env.weth, env.base}},
		{Path: []ids.ShortID{env.bad, env.base}},
	})
	require.NoError(err)
	require.Equal(wad(40), settlement.Repaid)
	require.Zero(settlement.Loss.Sign())

	require.Equal(settlement.ToLiquidator, env.balance(t, env.base, liquidator))
	require.Equal(big.NewInt(1), env.balance(t, env.bad, liquidator))
	require.Zero(env.balance(t, env.bad, ca.Address).Sign())
	require.Zero(env.balance(t, env.weth, ca.Address).Sign())
	require.Zero(env.snapshot(t).TotalBorrowed.Sign())
}

func TestDuplicateSwapPathRejected(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)
	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.base))
	require.NoError(env.manager.ExecuteOrder(env.borrower, env.router.Address(), env.swapOrder(t, wad(20), env.base, env.weth)))
	bought := env.balance(t, env.weth, ca.Address)

	_, err := env.manager.CloseCreditAccount(env.borrower, env.borrower, []SwapPath{
		{Path: []ids.ShortID{env.weth, env.base}, AmountOutMin: wad(19)},
		{Path: []ids.ShortID{env.weth, env.base}},
	})
	require.ErrorIs(err, ErrInvalidSwapPath)
	require.Equal(bought, env.balance(t, env.weth, ca.Address))
}

func TestReturnedAccountCarriesNoApprovals(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)
	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.base))
	require.NoError(env.manager.Approve(env.borrower, env.router.Address(), env.weth))

	_, err := env.manager.CloseCreditAccount(env.borrower, env.borrower, nil)
	require.NoError(err)

	next := ids.GenerateTestShortID()
	require.NoError(env.state.Transfer(env.base, env.deployer, next, wad(10)))
	reused, err := env.manager.OpenCreditAccount(next, wad(10), next, 100, 0)
	require.NoError(err)
	require.Equal(ca.Address, reused.Address)

	for _, token := range []ids.ShortID{env.base, env.weth} {
		allowance, err := env.state.Allowance(token, reused.Address, env.router.Address())
		require.NoError(err)
		require.Zero(allowance.Sign())
	}
}

func TestRepayCreditAccount(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)
	to := ids.GenerateTestShortID()

	settlement, err := env.manager.RepayCreditAccount(env.borrower, to)
	require.NoError(err)
	require.Equal(wad(40), settlement.Repaid)

	require.Equal(wad(50), env.balance(t, env.base, env.borrower))
	require.Equal(wad(50), env.balance(t, env.base, to))
	require.Zero(env.balance(t, env.base, ca.Address).Sign())
	require.Zero(env.snapshot(t).TotalBorrowed.Sign())
}

func TestIncreaseBorrowedAmount(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 100)

	require.NoError(env.manager.IncreaseBorrowedAmount(env.borrower, wad(20)))
	updated, err := env.manager.CreditAccount(env.borrower)
	require.NoError(err)
	require.Equal(wad(30), updated.BorrowedPrincipal)
	require.Equal(rates.WAD, updated.IndexAtOpen)
	require.Equal(wad(40), env.balance(t, env.base, ca.Address))
	require.Equal(wad(30), env.snapshot(t).TotalBorrowed)

	// Equity of 10 supports at most 40 of debt at 4x.
	err = env.manager.IncreaseBorrowedAmount(env.borrower, wad(11))
	require.ErrorIs(err, errs.ErrInvalidAmount)
	require.ErrorIs(env.manager.IncreaseBorrowedAmount(env.borrower, big.NewInt(0)), errs.ErrInvalidAmount)
}

func TestIncreaseBorrowedAmountKeepsDebt(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	env.open(t, 10, 100)
	env.clock.Advance(rates.SecondsPerYear * time.Second)

	before, err := env.manager.CalcRepayAmount(env.borrower, false)
	require.NoError(err)
	require.NoError(env.manager.IncreaseBorrowedAmount(env.borrower, wad(5)))
	after, err := env.manager.CalcRepayAmount(env.borrower, false)
	require.NoError(err)

	// Re-basing the opening index rounds by a few units at most.
	diff := new(big.Int).Sub(new(big.Int).Add(before, wad(5)), after)
	require.LessOrEqual(diff.CmpAbs(big.NewInt(100)), 0)
}

type reentrantAdapter struct {
	target   ids.ShortID
	manager  *Manager
	borrower ids.ShortID
}

func (a *reentrantAdapter) Target() ids.ShortID {
	return a.target
}

func (a *reentrantAdapter) Execute(adapter.Wallet, []byte) error {
	_, err := a.manager.CloseCreditAccount(a.borrower, a.borrower, nil)
	return err
}

func TestReentrantAdapterRejected(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)

	target := ids.GenerateTestShortID()
	require.NoError(env.manager.SetContractAdapter(target, &reentrantAdapter{
		target:   target,
		manager:  env.manager,
		borrower: env.borrower,
	}))

	err := env.manager.ExecuteOrder(env.borrower, target, nil)
	require.ErrorIs(err, errs.ErrReentrantCall)

	open, err := env.manager.HasOpenedAccount(env.borrower)
	require.NoError(err)
	require.True(open)
	require.Equal(wad(50), env.balance(t, env.base, ca.Address))

	// The guard is released after the failed call.
	_, err = env.manager.CloseCreditAccount(env.borrower, env.borrower, nil)
	require.NoError(err)
}

func TestBorrowers(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	env.open(t, 10, 400)

	other := ids.GenerateTestShortID()
	require.NoError(env.state.Transfer(env.base, env.deployer, other, wad(10)))
	_, err := env.manager.OpenCreditAccount(other, wad(10), other, 200, 0)
	require.NoError(err)

	borrowers, err := env.manager.Borrowers()
	require.NoError(err)
	require.ElementsMatch([]ids.ShortID{env.borrower, other}, borrowers)

	account, err := env.manager.CreditAccountOf(other)
	require.NoError(err)
	ca, err := env.factory.CreditAccount(account)
	require.NoError(err)
	require.Equal(other, ca.Borrower)
	require.Equal(wad(20), ca.BorrowedPrincipal)
}

func TestReport(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, wad(1000))
	ca := env.open(t, 10, 400)

	report, err := env.manager.Report(env.borrower)
	require.NoError(err)
	require.Equal(ca.Address, report.Account.Address)
	require.Zero(report.Owed.Cmp(wad(40)))
	require.Zero(report.Interest.Sign())
	require.Zero(report.TotalValue.Cmp(wad(50)))
	require.Zero(report.CollateralValue.Cmp(new(big.Int).Mul(big.NewInt(475), big.NewInt(1e17))))
	require.Zero(report.HealthFactor.Cmp(big.NewInt(1.1875e18)))
	require.False(report.Liquidatable)
	require.Len(report.Tokens, 1)
	require.Equal(env.base, report.Tokens[0].Token)
	require.Zero(report.Tokens[0].Balance.Cmp(wad(50)))

	_, err = env.manager.Report(ids.GenerateTestShortID())
	require.ErrorIs(err, errs.ErrAccountNotFound)
}
