// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api provides the JSON-RPC handlers of the credit VM.
//
// Amounts travel as base-10 strings of the token's smallest unit, tokens as
// genesis symbols and participants as ShortID strings. The service performs
// no authentication: the caller field of each request is trusted.
package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/luxfi/ids"

	"github.com/luxfi/leverage/vms/creditvm/accounts"
	"github.com/luxfi/leverage/vms/creditvm/credit"
	"github.com/luxfi/leverage/vms/creditvm/keeper"
	"github.com/luxfi/leverage/vms/creditvm/pool"
)

var (
	ErrNotBootstrapped = errors.New("credit VM not bootstrapped")
	ErrInvalidRequest  = errors.New("invalid request")
)

// VM is the part of the credit VM the service drives. Every method is
// serialized by the VM.
type VM interface {
	IsBootstrapped() bool
	TokenID(symbol string) (ids.ShortID, error)
	BalanceOf(token, holder ids.ShortID) (*big.Int, error)

	PoolSnapshot() (*pool.Snapshot, error)
	AddLiquidity(provider ids.ShortID, amount *big.Int) (*big.Int, error)
	RemoveLiquidity(holder ids.ShortID, shares *big.Int) (*big.Int, error)

	OpenCreditAccount(caller ids.ShortID, amount *big.Int, onBehalfOf ids.ShortID, leverage, referralCode uint64) (*accounts.CreditAccount, error)
	AddCollateral(caller, onBehalfOf, token ids.ShortID, amount *big.Int) error
	IncreaseBorrowedAmount(caller ids.ShortID, amount *big.Int) error
	Swap(caller ids.ShortID, path []ids.ShortID, amountIn, amountOutMin *big.Int) error
	CloseCreditAccount(caller, to ids.ShortID, paths []credit.SwapPath) (*credit.Settlement, error)
	RepayCreditAccount(caller, to ids.ShortID) (*credit.Settlement, error)
	LiquidateCreditAccount(caller, borrower, to ids.ShortID, paths []credit.SwapPath) (*credit.Settlement, error)

	CreditAccountReport(borrower ids.ShortID) (*credit.Report, error)
	Liquidatable(ctx context.Context) ([]keeper.Candidate, error)
}

// Service provides the RPC API for the credit VM.
type Service struct {
	vm VM
}

// NewService creates a new API service.
func NewService(vm VM) *Service {
	return &Service{vm: vm}
}

// ============================================
// Status and ledger APIs
// ============================================

// PingArgs is the argument for the Ping API.
type PingArgs struct{}

// PingReply is the reply for the Ping API.
type PingReply struct {
	Success bool `json:"success"`
}

// Ping returns a simple health check response.
func (*Service) Ping(_ *http.Request, _ *PingArgs, reply *PingReply) error {
	reply.Success = true
	return nil
}

type BalanceArgs struct {
	Token  string `json:"token"`
	Holder string `json:"holder"`
}

type BalanceReply struct {
	Balance string `json:"balance"`
}

// Balance returns a holder's balance of a token.
func (s *Service) Balance(_ *http.Request, args *BalanceArgs, reply *BalanceReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	token, err := s.token(args.Token)
	if err != nil {
		return err
	}
	holder, err := parseAddress("holder", args.Holder)
	if err != nil {
		return err
	}
	balance, err := s.vm.BalanceOf(token, holder)
	if err != nil {
		return err
	}
	reply.Balance = balance.String()
	return nil
}

// ============================================
// Pool APIs
// ============================================

type GetPoolArgs struct{}

type GetPoolReply struct {
	Pool *pool.Snapshot `json:"pool"`
}

// GetPool returns the pool with interest accrued to now.
func (s *Service) GetPool(_ *http.Request, _ *GetPoolArgs, reply *GetPoolReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	snap, err := s.vm.PoolSnapshot()
	if err != nil {
		return err
	}
	reply.Pool = snap
	return nil
}

type AddLiquidityArgs struct {
	Provider string `json:"provider"`
	Amount   string `json:"amount"`
}

type AddLiquidityReply struct {
	Shares string `json:"shares"`
}

// AddLiquidity deposits the base asset and mints pool shares to the provider.
func (s *Service) AddLiquidity(_ *http.Request, args *AddLiquidityArgs, reply *AddLiquidityReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	provider, err := parseAddress("provider", args.Provider)
	if err != nil {
		return err
	}
	amount, err := parseAmount("amount", args.Amount)
	if err != nil {
		return err
	}
	shares, err := s.vm.AddLiquidity(provider, amount)
	if err != nil {
		return err
	}
	reply.Shares = shares.String()
	return nil
}

type RemoveLiquidityArgs struct {
	Holder string `json:"holder"`
	Shares string `json:"shares"`
}

type RemoveLiquidityReply struct {
	Amount string `json:"amount"`
}

// RemoveLiquidity burns pool shares and returns the base asset.
func (s *Service) RemoveLiquidity(_ *http.Request, args *RemoveLiquidityArgs, reply *RemoveLiquidityReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	holder, err := parseAddress("holder", args.Holder)
	if err != nil {
		return err
	}
	shares, err := parseAmount("shares", args.Shares)
	if err != nil {
		return err
	}
	amount, err := s.vm.RemoveLiquidity(holder, shares)
	if err != nil {
		return err
	}
	reply.Amount = amount.String()
	return nil
}

// ============================================
// Credit account APIs
// ============================================

type OpenCreditAccountArgs struct {
	Caller       string `json:"caller"`
	Amount       string `json:"amount"`
	OnBehalfOf   string `json:"onBehalfOf"` // defaults to caller
	Leverage     uint64 `json:"leverage"`   // 100 borrows an amount equal to own funds
	ReferralCode uint64 `json:"referralCode"`
}

type OpenCreditAccountReply struct {
	Account *accounts.CreditAccount `json:"account"`
}

// OpenCreditAccount opens a leveraged account funded by the caller.
func (s *Service) OpenCreditAccount(_ *http.Request, args *OpenCreditAccountArgs, reply *OpenCreditAccountReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	caller, err := parseAddress("caller", args.Caller)
	if err != nil {
		return err
	}
	onBehalfOf, err := parseOptionalAddress("onBehalfOf", args.OnBehalfOf, caller)
	if err != nil {
		return err
	}
	amount, err := parseAmount("amount", args.Amount)
	if err != nil {
		return err
	}
	if args.Leverage == 0 {
		return fmt.Errorf("%w: leverage required", ErrInvalidRequest)
	}
	ca, err := s.vm.OpenCreditAccount(caller, amount, onBehalfOf, args.Leverage, args.ReferralCode)
	if err != nil {
		return err
	}
	reply.Account = ca
	return nil
}

type AddCollateralArgs struct {
	Caller     string `json:"caller"`
	OnBehalfOf string `json:"onBehalfOf"` // defaults to caller
	Token      string `json:"token"`
	Amount     string `json:"amount"`
}

type AddCollateralReply struct {
	Success bool `json:"success"`
}

// AddCollateral moves tokens from the caller into a borrower's account.
func (s *Service) AddCollateral(_ *http.Request, args *AddCollateralArgs, reply *AddCollateralReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	caller, err := parseAddress("caller", args.Caller)
	if err != nil {
		return err
	}
	onBehalfOf, err := parseOptionalAddress("onBehalfOf", args.OnBehalfOf, caller)
	if err != nil {
		return err
	}
	token, err := s.token(args.Token)
	if err != nil {
		return err
	}
	amount, err := parseAmount("amount", args.Amount)
	if err != nil {
		return err
	}
	if err := s.vm.AddCollateral(caller, onBehalfOf, token, amount); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type IncreaseBorrowedAmountArgs struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type IncreaseBorrowedAmountReply struct {
	Success bool `json:"success"`
}

// IncreaseBorrowedAmount borrows more against the caller's open account.
func (s *Service) IncreaseBorrowedAmount(_ *http.Request, args *IncreaseBorrowedAmountArgs, reply *IncreaseBorrowedAmountReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	caller, err := parseAddress("caller", args.Caller)
	if err != nil {
		return err
	}
	amount, err := parseAmount("amount", args.Amount)
	if err != nil {
		return err
	}
	if err := s.vm.IncreaseBorrowedAmount(caller, amount); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

type SwapArgs struct {
	Caller       string   `json:"caller"`
	Path         []string `json:"path"`
	AmountIn     string   `json:"amountIn"` // empty swaps the whole balance of path[0]
	AmountOutMin string   `json:"amountOutMin"`
}

type SwapReply struct {
	Success bool `json:"success"`
}

// Swap trades inside the caller's credit account through the swap adapter.
func (s *Service) Swap(_ *http.Request, args *SwapArgs, reply *SwapReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	caller, err := parseAddress("caller", args.Caller)
	if err != nil {
		return err
	}
	path, err := s.path(args.Path)
	if err != nil {
		return err
	}
	var amountIn *big.Int
	if args.AmountIn != "" {
		if amountIn, err = parseAmount("amountIn", args.AmountIn); err != nil {
			return err
		}
	}
	minOut, err := parseOptionalAmount("amountOutMin", args.AmountOutMin)
	if err != nil {
		return err
	}
	if err := s.vm.Swap(caller, path, amountIn, minOut); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

// SwapPathArg unwinds one token of an account while closing it.
type SwapPathArg struct {
	Path         []string `json:"path"`
	AmountOutMin string   `json:"amountOutMin"`
}

type CloseCreditAccountArgs struct {
	Caller string        `json:"caller"`
	To     string        `json:"to"` // defaults to caller
	Paths  []SwapPathArg `json:"paths"`
}

type SettlementReply struct {
	Settlement *credit.Settlement `json:"settlement"`
}

// CloseCreditAccount unwinds, repays and closes the caller's account.
func (s *Service) CloseCreditAccount(_ *http.Request, args *CloseCreditAccountArgs, reply *SettlementReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	caller, err := parseAddress("caller", args.Caller)
	if err != nil {
		return err
	}
	to, err := parseOptionalAddress("to", args.To, caller)
	if err != nil {
		return err
	}
	paths, err := s.swapPaths(args.Paths)
	if err != nil {
		return err
	}
	settlement, err := s.vm.CloseCreditAccount(caller, to, paths)
	if err != nil {
		return err
	}
	reply.Settlement = settlement
	return nil
}

type RepayCreditAccountArgs struct {
	Caller string `json:"caller"`
	To     string `json:"to"` // defaults to caller
}

// RepayCreditAccount repays from the caller's wallet and hands every held
// token to the recipient.
func (s *Service) RepayCreditAccount(_ *http.Request, args *RepayCreditAccountArgs, reply *SettlementReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	caller, err := parseAddress("caller", args.Caller)
	if err != nil {
		return err
	}
	to, err := parseOptionalAddress("to", args.To, caller)
	if err != nil {
		return err
	}
	settlement, err := s.vm.RepayCreditAccount(caller, to)
	if err != nil {
		return err
	}
	reply.Settlement = settlement
	return nil
}

type LiquidateCreditAccountArgs struct {
	Caller   string        `json:"caller"`
	Borrower string        `json:"borrower"`
	To       string        `json:"to"` // defaults to caller
	Paths    []SwapPathArg `json:"paths"`
}

// LiquidateCreditAccount closes an unhealthy account on behalf of the pool.
func (s *Service) LiquidateCreditAccount(_ *http.Request, args *LiquidateCreditAccountArgs, reply *SettlementReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	caller, err := parseAddress("caller", args.Caller)
	if err != nil {
		return err
	}
	borrower, err := parseAddress("borrower", args.Borrower)
	if err != nil {
		return err
	}
	to, err := parseOptionalAddress("to", args.To, caller)
	if err != nil {
		return err
	}
	paths, err := s.swapPaths(args.Paths)
	if err != nil {
		return err
	}
	settlement, err := s.vm.LiquidateCreditAccount(caller, borrower, to, paths)
	if err != nil {
		return err
	}
	reply.Settlement = settlement
	return nil
}

type GetCreditAccountArgs struct {
	Borrower string `json:"borrower"`
}

type GetCreditAccountReply struct {
	Report *credit.Report `json:"report"`
}

// GetCreditAccount values the borrower's open account.
func (s *Service) GetCreditAccount(_ *http.Request, args *GetCreditAccountArgs, reply *GetCreditAccountReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	borrower, err := parseAddress("borrower", args.Borrower)
	if err != nil {
		return err
	}
	report, err := s.vm.CreditAccountReport(borrower)
	if err != nil {
		return err
	}
	reply.Report = report
	return nil
}

type LiquidatableArgs struct{}

type LiquidatableReply struct {
	Candidates []keeper.Candidate `json:"candidates"`
}

// Liquidatable lists accounts below the minimum health factor, least
// healthy first.
func (s *Service) Liquidatable(r *http.Request, _ *LiquidatableArgs, reply *LiquidatableReply) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx := context.Background()
	if r != nil {
		ctx = r.Context()
	}
	candidates, err := s.vm.Liquidatable(ctx)
	if err != nil {
		return err
	}
	reply.Candidates = candidates
	return nil
}

func (s *Service) ready() error {
	if !s.vm.IsBootstrapped() {
		return ErrNotBootstrapped
	}
	return nil
}

func (s *Service) token(symbol string) (ids.ShortID, error) {
	if symbol == "" {
		return ids.ShortEmpty, fmt.Errorf("%w: token required", ErrInvalidRequest)
	}
	return s.vm.TokenID(symbol)
}

func (s *Service) path(symbols []string) ([]ids.ShortID, error) {
	if len(symbols) < 2 {
		return nil, fmt.Errorf("%w: path needs at least two tokens", ErrInvalidRequest)
	}
	path := make([]ids.ShortID, len(symbols))
	for i, symbol := range symbols {
		token, err := s.token(symbol)
		if err != nil {
			return nil, err
		}
		path[i] = token
	}
	return path, nil
}

func (s *Service) swapPaths(args []SwapPathArg) ([]credit.SwapPath, error) {
	paths := make([]credit.SwapPath, len(args))
	for i, arg := range args {
		path, err := s.path(arg.Path)
		if err != nil {
			return nil, err
		}
		minOut, err := parseOptionalAmount("amountOutMin", arg.AmountOutMin)
		if err != nil {
			return nil, err
		}
		paths[i] = credit.SwapPath{
			Path:         path,
			AmountOutMin: minOut,
		}
	}
	return paths, nil
}

func parseAddress(field, s string) (ids.ShortID, error) {
	addr, err := ids.ShortFromString(s)
	if err != nil {
		return ids.ShortEmpty, fmt.Errorf("%w: invalid %s address", ErrInvalidRequest, field)
	}
	return addr, nil
}

func parseOptionalAddress(field, s string, fallback ids.ShortID) (ids.ShortID, error) {
	if s == "" {
		return fallback, nil
	}
	return parseAddress(field, s)
}

func parseAmount(field, s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidRequest, field)
	}
	return amount, nil
}

func parseOptionalAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidRequest, field)
	}
	return amount, nil
}
