// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keeper finds credit accounts that have fallen below the minimum
// health factor so that liquidators can act on them.
package keeper

import (
	"bytes"
	"context"
	"math/big"
	"slices"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 8

// Source lists open credit accounts.
type Source interface {
	Borrowers() ([]ids.ShortID, error)
	CreditAccountOf(borrower ids.ShortID) (ids.ShortID, error)
}

// HealthChecker values credit accounts.
type HealthChecker interface {
	HealthFactor(account ids.ShortID) (*big.Int, error)
	MinHealthFactor() *big.Int
}

// Candidate is a liquidatable account.
type Candidate struct {
	Borrower     ids.ShortID `json:"borrower"`
	Account      ids.ShortID `json:"account"`
	HealthFactor *big.Int    `json:"healthFactor"`
}

type Keeper struct {
	source      Source
	checker     HealthChecker
	concurrency int
	log         log.Logger
}

func New(source Source, checker HealthChecker, concurrency int, logger log.Logger) *Keeper {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Keeper{
		source:      source,
		checker:     checker,
		concurrency: concurrency,
		log:         logger,
	}
}

// Scan values every open account in parallel and returns the liquidatable
// ones, least healthy first. Callers must keep the underlying state free of
// writers for the duration of the scan.
func (k *Keeper) Scan(ctx context.Context) ([]Candidate, error) {
	borrowers, err := k.source.Borrowers()
	if err != nil {
		return nil, err
	}

	threshold := k.checker.MinHealthFactor()
	found := make([]*Candidate, len(borrowers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.concurrency)
	for i, borrower := range borrowers {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			account, err := k.source.CreditAccountOf(borrower)
			if err != nil {
				return err
			}
			hf, err := k.checker.HealthFactor(account)
			if err != nil {
				return err
			}
			if hf.Cmp(threshold) < 0 {
				found[i] = &Candidate{
					Borrower:     borrower,
					Account:      account,
					HealthFactor: hf,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(found))
	for _, c := range found {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	slices.SortFunc(candidates, func(a, b Candidate) int {
		if c := a.HealthFactor.Cmp(b.HealthFactor); c != 0 {
			return c
		}
		return bytes.Compare(a.Borrower[:], b.Borrower[:])
	})

	k.log.Debug("scanned credit accounts",
		"accounts", len(borrowers),
		"liquidatable", len(candidates),
	)
	return candidates, nil
}
