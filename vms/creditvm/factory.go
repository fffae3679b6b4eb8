// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package creditvm implements a leveraged lending VM.
//
// Depositors supply the base asset to a single liquidity pool and receive
// diesel shares. Borrowers open credit accounts funded by their own deposit
// plus a loan from the pool, trade inside those accounts through an
// allow-listed swap adapter, and close them by repaying principal plus
// interest. Accounts whose health factor falls below the configured minimum
// can be liquidated by anyone.
//
// Architecture:
//   - All state lives in one versioned database layer; every operation
//     commits or aborts as a whole
//   - Operations are serialized by the VM; scans run in parallel under a
//     read lock
//   - No consensus or networking: callers are trusted
package creditvm

import (
	"github.com/luxfi/log"

	"github.com/luxfi/leverage"
	"github.com/luxfi/leverage/vms/creditvm/config"
)

var (
	// VMID is the unique identifier for the credit VM
	VMID = [32]byte{'c', 'r', 'e', 'd', 'i', 't', 'v', 'm'}

	_ leverage.Factory = (*Factory)(nil)
)

// Factory creates new credit VM instances.
type Factory struct {
	config.Config
}

// New implements leverage.Factory. The returned VM carries the factory's
// configuration; configuration bytes given to Initialize are applied on top.
func (f *Factory) New(logger log.Logger) (interface{}, error) {
	vm := New(logger)
	vm.Config = f.Config
	return vm, nil
}
