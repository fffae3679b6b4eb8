// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package creditvm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/luxfi/utils/json"

	"github.com/luxfi/leverage/utils/timer/mockable"
	"github.com/luxfi/leverage/vms/creditvm/accounts"
	"github.com/luxfi/leverage/vms/creditvm/adapter"
	"github.com/luxfi/leverage/vms/creditvm/api"
	"github.com/luxfi/leverage/vms/creditvm/config"
	"github.com/luxfi/leverage/vms/creditvm/credit"
	"github.com/luxfi/leverage/vms/creditvm/genesis"
	"github.com/luxfi/leverage/vms/creditvm/keeper"
	"github.com/luxfi/leverage/vms/creditvm/metrics"
	"github.com/luxfi/leverage/vms/creditvm/oracle"
	"github.com/luxfi/leverage/vms/creditvm/pool"
	"github.com/luxfi/leverage/vms/creditvm/risk"
	"github.com/luxfi/leverage/vms/creditvm/state"
	"github.com/luxfi/leverage/vms/creditvm/swap"
)

const Version = "1.0.0"

var (
	errNotBootstrapped = errors.New("VM not bootstrapped")
	errShutdown        = errors.New("VM is shutting down")
	errUnknownToken    = errors.New("unknown token")

	keyGenesis = []byte("vm:genesis")

	_ api.VM = (*VM)(nil)
)

// VM hosts one lending market: a pool of the genesis base token, the credit
// manager borrowing from it, its risk engine and a swap venue reachable
// through a registered adapter. Every state-changing call holds the write
// lock and commits or aborts as a whole; scans and views share the read lock.
type VM struct {
	config.Config

	// Logger for this VM
	log log.Logger

	lock sync.RWMutex

	// Database management
	baseDB database.Database
	state  *state.State

	// Used to check local time
	clock mockable.Clock

	metrics metrics.Metrics

	// Token symbol -> ledger identity, including the pool share token
	tokens map[string]ids.ShortID

	// Credit components
	oracle  *oracle.StaticOracle
	pool    *pool.Pool
	factory *accounts.Factory
	filter  *risk.Filter
	router  *swap.Router
	manager *credit.Manager
	keeper  *keeper.Keeper

	// Lifecycle state
	bootstrapped bool
	shutdown     bool
}

// New creates a VM with the default configuration.
func New(logger log.Logger) *VM {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &VM{
		Config: config.DefaultConfig(),
		log:    logger,
	}
}

// Initialize opens the market on db. Genesis state is written on the first
// start only; later starts rebuild the in-memory registries from the same
// genesis. configBytes are applied over the VM's configuration. A nil
// registerer gets a private registry.
func (vm *VM) Initialize(
	_ context.Context,
	db database.Database,
	registerer metric.Registerer,
	genesisBytes []byte,
	configBytes []byte,
) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	cfg, err := config.ParseWith(vm.Config, configBytes)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	vm.Config = cfg

	g, err := genesis.Parse(genesisBytes)
	if err != nil {
		return fmt.Errorf("failed to parse genesis: %w", err)
	}
	base, _ := g.Token(g.BaseToken)
	if err := vm.VerifyBaseDiscount(base.Discount); err != nil {
		return fmt.Errorf("invalid genesis: %w", err)
	}

	if registerer == nil {
		registerer = metric.NewRegistry()
	}
	vm.metrics, err = metrics.New(vm.MetricsNamespace, registerer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	vm.baseDB = db
	vm.state = state.New(db)
	vm.build(g)

	if err := vm.state.Atomic(func() error {
		if err := vm.wire(g); err != nil {
			return err
		}
		return vm.bootstrap(g)
	}); err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}

	vm.refresh()
	vm.bootstrapped = true
	vm.log.Info("credit VM initialized",
		"baseToken", g.BaseToken,
		"pool", vm.pool.Address(),
		"creditManager", vm.manager.Address(),
		"tokens", len(vm.tokens),
	)
	return nil
}

// build creates every component over vm.state.
func (vm *VM) build(g *genesis.Genesis) {
	vm.tokens = make(map[string]ids.ShortID, len(g.Tokens)+1)
	for _, token := range g.Tokens {
		vm.tokens[token.Symbol] = genesis.TokenID(token.Symbol)
	}
	shareSymbol := genesis.ShareSymbol(g.BaseToken)
	vm.tokens[shareSymbol] = genesis.TokenID(shareSymbol)

	baseToken := vm.tokens[g.BaseToken]
	vm.oracle = oracle.NewStaticOracle()
	vm.pool = pool.New(pool.Config{
		BaseToken:   baseToken,
		ShareToken:  vm.tokens[shareSymbol],
		Treasury:    vm.Treasury,
		TreasuryFee: vm.TreasuryFee,
		Model:       vm.RateModel,
	}, vm.state, &vm.clock, vm.log)
	vm.factory = accounts.New(vm.state, vm.log)
	vm.filter = risk.New(vm.RiskConfig(baseToken), vm.state, vm.oracle, vm.factory, vm.pool, vm.log)
	vm.router = swap.New(vm.state, &vm.clock, vm.log)
	vm.manager = credit.New(vm.CreditConfig(), vm.state, &vm.clock, vm.pool, vm.factory, vm.filter, vm.router, vm.log)
	vm.keeper = keeper.New(vm.manager, vm.filter, vm.KeeperConcurrency, vm.log)
}

// wire connects the credit manager to the pool, the account factory and the
// filter, registers the swap adapter and loads oracle prices. It runs on
// every start because adapters and prices live in memory.
func (vm *VM) wire(g *genesis.Genesis) error {
	manager := vm.manager.Address()
	if err := vm.pool.ConnectCreditManager(manager); err != nil {
		return err
	}
	if err := vm.factory.SetCreditManager(manager); err != nil {
		return err
	}
	if err := vm.filter.ConnectCreditManager(manager); err != nil {
		return err
	}
	if err := vm.manager.SetContractAdapter(vm.router.Address(), adapter.NewSwapAdapter(vm.router, vm.log)); err != nil {
		return err
	}
	for _, token := range g.Tokens {
		if token.Price == nil {
			continue
		}
		if err := vm.oracle.SetPrice(vm.tokens[token.Symbol], token.Price); err != nil {
			return fmt.Errorf("price of %s: %w", token.Symbol, err)
		}
	}
	return nil
}

// bootstrap writes the genesis state unless it is already present.
func (vm *VM) bootstrap(g *genesis.Genesis) error {
	done, err := vm.state.Has(keyGenesis)
	if err != nil || done {
		return err
	}

	base, _ := g.Token(g.BaseToken)
	shareSymbol := genesis.ShareSymbol(g.BaseToken)
	share := vm.tokens[shareSymbol]
	for _, token := range g.Tokens {
		if err := vm.state.RegisterToken(vm.tokens[token.Symbol], token.Symbol, token.Decimals, genesis.Minter); err != nil {
			return err
		}
	}
	if err := vm.state.RegisterToken(share, shareSymbol, base.Decimals, genesis.Minter); err != nil {
		return err
	}
	if err := vm.state.SetMinter(share, genesis.Minter, vm.pool.Address()); err != nil {
		return err
	}
	if err := vm.pool.Initialize(); err != nil {
		return err
	}

	for _, token := range g.Tokens {
		id := vm.tokens[token.Symbol]
		if token.Discount != nil {
			if err := vm.filter.AllowToken(id, token.Discount); err != nil {
				return fmt.Errorf("allow %s: %w", token.Symbol, err)
			}
		}
		for _, a := range token.Allocations {
			if err := vm.state.Mint(id, genesis.Minter, a.Holder, a.Amount); err != nil {
				return fmt.Errorf("allocate %s: %w", token.Symbol, err)
			}
		}
	}

	for _, p := range g.Pools {
		tokenA, tokenB := vm.tokens[p.TokenA], vm.tokens[p.TokenB]
		if err := vm.state.Mint(tokenA, genesis.Minter, genesis.Minter, p.AmountA); err != nil {
			return err
		}
		if err := vm.state.Mint(tokenB, genesis.Minter, genesis.Minter, p.AmountB); err != nil {
			return err
		}
		if _, err := vm.router.CreatePool(genesis.Minter, tokenA, tokenB, p.AmountA, p.AmountB, p.FeeBps); err != nil {
			return fmt.Errorf("seed %s/%s: %w", p.TokenA, p.TokenB, err)
		}
	}

	for _, d := range g.Deposits {
		if _, err := vm.pool.AddLiquidity(d.Provider, d.Amount, d.Provider, 0); err != nil {
			return fmt.Errorf("deposit of %s: %w", d.Provider, err)
		}
	}
	return vm.state.PutFlag(keyGenesis)
}

// Shutdown closes the database.
func (vm *VM) Shutdown(context.Context) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if vm.shutdown {
		return nil
	}
	vm.log.Info("Shutting down credit VM")
	vm.shutdown = true

	if vm.state != nil {
		if err := vm.state.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

func (*VM) Version(context.Context) (string, error) {
	return Version, nil
}

// CreateHandlers serves the credit JSON-RPC API at the chain root.
func (vm *VM) CreateHandlers(context.Context) (map[string]http.Handler, error) {
	server := rpc.NewServer()
	codec := json.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	server.RegisterInterceptFunc(vm.metrics.InterceptRequest)
	server.RegisterAfterFunc(vm.metrics.AfterRequest)
	if err := server.RegisterService(api.NewService(vm), "credit"); err != nil {
		return nil, fmt.Errorf("failed to register credit service: %w", err)
	}
	return map[string]http.Handler{
		"": server,
	}, nil
}

// HealthCheck reports the lifecycle state and the pool totals.
func (vm *VM) HealthCheck(context.Context) (interface{}, error) {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	if err := vm.ready(); err != nil {
		return map[string]interface{}{
			"healthy":      false,
			"bootstrapped": vm.bootstrapped,
		}, err
	}
	snap, err := vm.pool.Snapshot()
	if err != nil {
		return nil, err
	}
	borrowers, err := vm.manager.Borrowers()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"healthy":        true,
		"bootstrapped":   true,
		"openAccounts":   len(borrowers),
		"totalLiquidity": snap.TotalLiquidity.String(),
		"totalBorrowed":  snap.TotalBorrowed.String(),
		"utilization":    snap.Utilization.String(),
	}, nil
}

// IsBootstrapped reports whether Initialize completed.
func (vm *VM) IsBootstrapped() bool {
	vm.lock.RLock()
	defer vm.lock.RUnlock()
	return vm.bootstrapped && !vm.shutdown
}

// TokenID resolves a genesis symbol.
func (vm *VM) TokenID(symbol string) (ids.ShortID, error) {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	id, ok := vm.tokens[symbol]
	if !ok {
		return ids.ShortEmpty, fmt.Errorf("%w: %q", errUnknownToken, symbol)
	}
	return id, nil
}

// SetPrice updates the oracle price of a token. Prices reset to their
// genesis values on restart.
func (vm *VM) SetPrice(symbol string, price *big.Int) error {
	id, err := vm.TokenID(symbol)
	if err != nil {
		return err
	}
	return vm.oracle.SetPrice(id, price)
}

// ============================================
// Serialized operations
// ============================================

func (vm *VM) AddLiquidity(provider ids.ShortID, amount *big.Int) (*big.Int, error) {
	var shares *big.Int
	err := vm.execute("add_liquidity", func() error {
		var err error
		shares, err = vm.pool.AddLiquidity(provider, amount, provider, 0)
		return err
	})
	return shares, err
}

func (vm *VM) RemoveLiquidity(holder ids.ShortID, shares *big.Int) (*big.Int, error) {
	var amount *big.Int
	err := vm.execute("remove_liquidity", func() error {
		var err error
		amount, err = vm.pool.RemoveLiquidity(holder, shares, holder)
		return err
	})
	return amount, err
}

func (vm *VM) OpenCreditAccount(
	caller ids.ShortID,
	amount *big.Int,
	onBehalfOf ids.ShortID,
	leverage uint64,
	referralCode uint64,
) (*accounts.CreditAccount, error) {
	var ca *accounts.CreditAccount
	err := vm.execute("open_credit_account", func() error {
		var err error
		ca, err = vm.manager.OpenCreditAccount(caller, amount, onBehalfOf, leverage, referralCode)
		return err
	})
	return ca, err
}

func (vm *VM) AddCollateral(caller, onBehalfOf, token ids.ShortID, amount *big.Int) error {
	return vm.execute("add_collateral", func() error {
		return vm.manager.AddCollateral(caller, onBehalfOf, token, amount)
	})
}

func (vm *VM) IncreaseBorrowedAmount(caller ids.ShortID, amount *big.Int) error {
	return vm.execute("increase_borrowed_amount", func() error {
		return vm.manager.IncreaseBorrowedAmount(caller, amount)
	})
}

// Swap approves the venue for path[0] and trades inside the caller's credit
// account. A nil amountIn swaps the whole balance.
func (vm *VM) Swap(caller ids.ShortID, path []ids.ShortID, amountIn, amountOutMin *big.Int) error {
	return vm.execute("swap", func() error {
		if len(path) < 2 {
			return swap.ErrInvalidPath
		}
		target := vm.router.Address()
		return vm.state.Atomic(func() error {
			if err := vm.manager.Approve(caller, target, path[0]); err != nil {
				return err
			}
			callData, err := adapter.EncodeSwap(path, amountIn, amountOutMin, 0)
			if err != nil {
				return err
			}
			return vm.manager.ExecuteOrder(caller, target, callData)
		})
	})
}

func (vm *VM) CloseCreditAccount(caller, to ids.ShortID, paths []credit.SwapPath) (*credit.Settlement, error) {
	var settlement *credit.Settlement
	err := vm.execute("close_credit_account", func() error {
		var err error
		settlement, err = vm.manager.CloseCreditAccount(caller, to, paths)
		return err
	})
	return settlement, err
}

func (vm *VM) RepayCreditAccount(caller, to ids.ShortID) (*credit.Settlement, error) {
	var settlement *credit.Settlement
	err := vm.execute("repay_credit_account", func() error {
		var err error
		settlement, err = vm.manager.RepayCreditAccount(caller, to)
		return err
	})
	return settlement, err
}

func (vm *VM) LiquidateCreditAccount(caller, borrower, to ids.ShortID, paths []credit.SwapPath) (*credit.Settlement, error) {
	var settlement *credit.Settlement
	err := vm.execute("liquidate_credit_account", func() error {
		var err error
		settlement, err = vm.manager.LiquidateCreditAccount(caller, borrower, to, paths)
		return err
	})
	return settlement, err
}

// Accrue settles pool interest up to now.
func (vm *VM) Accrue() error {
	return vm.execute("accrue", vm.pool.Accrue)
}

// ============================================
// Views
// ============================================

func (vm *VM) BalanceOf(token, holder ids.ShortID) (*big.Int, error) {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	if err := vm.ready(); err != nil {
		return nil, err
	}
	return vm.state.BalanceOf(token, holder)
}

func (vm *VM) PoolSnapshot() (*pool.Snapshot, error) {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	if err := vm.ready(); err != nil {
		return nil, err
	}
	return vm.pool.Snapshot()
}

func (vm *VM) CreditAccountReport(borrower ids.ShortID) (*credit.Report, error) {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	if err := vm.ready(); err != nil {
		return nil, err
	}
	return vm.manager.Report(borrower)
}

// Liquidatable scans every open account under the read lock.
func (vm *VM) Liquidatable(ctx context.Context) ([]keeper.Candidate, error) {
	vm.lock.RLock()
	defer vm.lock.RUnlock()

	if err := vm.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	candidates, err := vm.keeper.Scan(ctx)
	if err != nil {
		return nil, err
	}
	vm.metrics.ObserveScan(time.Since(start), len(candidates))
	return candidates, nil
}

// execute runs one state-changing operation under the write lock.
func (vm *VM) execute(op string, fn func() error) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	if err := vm.ready(); err != nil {
		return err
	}
	err := fn()
	vm.metrics.MarkOperation(op, err)
	if err != nil {
		vm.log.Debug("operation failed",
			"op", op,
			"error", err,
		)
		return err
	}
	vm.refresh()
	return nil
}

// refresh publishes the pool gauges. Failures are logged only.
func (vm *VM) refresh() {
	snap, err := vm.pool.Snapshot()
	if err != nil {
		vm.log.Warn("failed to snapshot pool", "error", err)
		return
	}
	vm.metrics.ObservePool(snap)

	borrowers, err := vm.manager.Borrowers()
	if err != nil {
		vm.log.Warn("failed to count credit accounts", "error", err)
		return
	}
	vm.metrics.SetOpenAccounts(len(borrowers))
}

func (vm *VM) ready() error {
	switch {
	case vm.shutdown:
		return errShutdown
	case !vm.bootstrapped:
		return errNotBootstrapped
	default:
		return nil
	}
}
