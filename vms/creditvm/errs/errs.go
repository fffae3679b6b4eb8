// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package errs holds the failure taxonomy shared by every credit VM
// component. Components wrap these sentinels with context; callers match
// them with errors.Is.
package errs

import "errors"

var (
	// ErrInsufficientLiquidity means the pool cannot honor a withdrawal or loan.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrUnauthorized means the caller lacks the required role or binding.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidAmount means an amount or leverage is outside configured bounds.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDisallowedToken means a token is not allowed as collateral.
	ErrDisallowedToken = errors.New("disallowed token")

	// ErrTooManyTokens means an account would exceed the enabled-token limit.
	// It is always reported together with ErrDisallowedToken.
	ErrTooManyTokens = errors.New("too many enabled tokens")

	// ErrUnknownAdapter means the target is not on the adapter allow-list.
	ErrUnknownAdapter = errors.New("unknown adapter")

	ErrAccountNotFound = errors.New("credit account not found")

	ErrAccountAlreadyOpen = errors.New("credit account already open")

	// ErrHealthFactorTooLow covers liquidating a healthy account, closing an
	// underwater one, and trades that leave an account unsafe.
	ErrHealthFactorTooLow = errors.New("health factor too low")

	// ErrSlippageExceeded means a swap leg returned less than its minimum.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrReentrantCall means an adapter tried to re-enter the credit manager.
	ErrReentrantCall = errors.New("reentrant call")
)
