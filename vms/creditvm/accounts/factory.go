// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package accounts implements the credit account factory: an arena of
// reusable account slots with a free list of reclaimed slots.
package accounts

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/vms/creditvm/errs"
	"github.com/luxfi/leverage/vms/creditvm/state"
)

const addressNamespace = "credit-account"

var (
	keyMeta       = []byte("factory:meta")
	prefixSlot    = []byte("factory:slot:")
	prefixAddress = []byte("factory:address:")
)

// CreditAccount is one slot of the arena and the position it currently
// backs. A free slot has InUse false and zero parameters.
type CreditAccount struct {
	Slot              uint64      `json:"slot"`
	Address           ids.ShortID `json:"address"`
	Borrower          ids.ShortID `json:"borrower"`
	BorrowedPrincipal *big.Int    `json:"borrowedPrincipal"`
	IndexAtOpen       *big.Int    `json:"indexAtOpen"`
	Since             uint64      `json:"since"`
	InUse             bool        `json:"inUse"`
}

// Parameters are the position fields a credit manager records on a slot.
type Parameters struct {
	Borrower          ids.ShortID
	BorrowedPrincipal *big.Int
	IndexAtOpen       *big.Int
	Since             uint64
}

type slotRecord struct {
	Address   ids.ShortID `serialize:"true"`
	Borrower  ids.ShortID `serialize:"true"`
	Principal []byte      `serialize:"true"`
	Index     []byte      `serialize:"true"`
	Since     uint64      `serialize:"true"`
	InUse     bool        `serialize:"true"`
}

type metaRecord struct {
	Manager    ids.ShortID `serialize:"true"`
	HasManager bool        `serialize:"true"`
	Size       uint64      `serialize:"true"`
	Free       []uint64    `serialize:"true"`
}

type addressRecord struct {
	Slot uint64 `serialize:"true"`
}

// Factory hands out credit account slots to the bound credit manager.
type Factory struct {
	state *state.State
	log   log.Logger
}

func New(st *state.State, logger log.Logger) *Factory {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Factory{
		state: st,
		log:   logger,
	}
}

// SetCreditManager binds the only identity allowed to take and return
// accounts. The binding may be replaced.
func (f *Factory) SetCreditManager(manager ids.ShortID) error {
	return f.state.Atomic(func() error {
		meta, err := f.meta()
		if err != nil {
			return err
		}
		meta.Manager = manager
		meta.HasManager = true
		return f.state.PutRecord(keyMeta, meta)
	})
}

// CreditManager returns the bound manager, if any.
func (f *Factory) CreditManager() (ids.ShortID, bool, error) {
	meta, err := f.meta()
	if err != nil {
		return ids.ShortEmpty, false, err
	}
	return meta.Manager, meta.HasManager, nil
}

// TakeCreditAccount pops a reclaimed slot, or grows the arena when none is
// free, and marks it in use.
func (f *Factory) TakeCreditAccount(caller ids.ShortID) (*CreditAccount, error) {
	var account *CreditAccount
	err := f.state.Atomic(func() error {
		meta, err := f.meta()
		if err != nil {
			return err
		}
		if err := requireManager(meta, caller); err != nil {
			return err
		}

		var (
			slot uint64
			rec  *slotRecord
		)
		if n := len(meta.Free); n > 0 {
			slot = meta.Free[n-1]
			meta.Free = meta.Free[:n-1]
			rec, err = f.slot(slot)
			if err != nil {
				return err
			}
		} else {
			slot = meta.Size
			meta.Size++
			rec = &slotRecord{Address: state.DeriveAddress(addressNamespace, slot)}
			if err := f.state.PutRecord(state.Key(prefixAddress, rec.Address[:]), &addressRecord{Slot: slot}); err != nil {
				return err
			}
		}

		rec.InUse = true
		if err := f.putSlot(slot, rec); err != nil {
			return err
		}
		if err := f.state.PutRecord(keyMeta, meta); err != nil {
			return err
		}
		account = toAccount(slot, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.log.Debug("credit account taken",
		"slot", account.Slot,
		"address", account.Address,
	)
	return account, nil
}

// ReturnCreditAccount clears a slot and pushes it on the free list. The
// manager must have emptied the account's balances first.
func (f *Factory) ReturnCreditAccount(caller, address ids.ShortID) error {
	var slot uint64
	err := f.state.Atomic(func() error {
		meta, err := f.meta()
		if err != nil {
			return err
		}
		if err := requireManager(meta, caller); err != nil {
			return err
		}
		var rec *slotRecord
		slot, rec, err = f.lookup(address)
		if err != nil {
			return err
		}
		if !rec.InUse {
			return fmt.Errorf("%w: %s is not in use", errs.ErrAccountNotFound, address)
		}

		if err := f.putSlot(slot, &slotRecord{Address: rec.Address}); err != nil {
			return err
		}
		meta.Free = append(meta.Free, slot)
		return f.state.PutRecord(keyMeta, meta)
	})
	if err != nil {
		return err
	}

	f.log.Debug("credit account returned",
		"slot", slot,
		"address", address,
	)
	return nil
}

// SetParameters records the position backed by an in-use account.
func (f *Factory) SetParameters(caller, address ids.ShortID, params Parameters) error {
	return f.state.Atomic(func() error {
		meta, err := f.meta()
		if err != nil {
			return err
		}
		if err := requireManager(meta, caller); err != nil {
			return err
		}
		slot, rec, err := f.lookup(address)
		if err != nil {
			return err
		}
		if !rec.InUse {
			return fmt.Errorf("%w: %s is not in use", errs.ErrAccountNotFound, address)
		}

		rec.Borrower = params.Borrower
		rec.Principal = state.EncodeAmount(params.BorrowedPrincipal)
		rec.Index = state.EncodeAmount(params.IndexAtOpen)
		rec.Since = params.Since
		return f.putSlot(slot, rec)
	})
}

// CreditAccount returns the slot behind address.
func (f *Factory) CreditAccount(address ids.ShortID) (*CreditAccount, error) {
	slot, rec, err := f.lookup(address)
	if err != nil {
		return nil, err
	}
	return toAccount(slot, rec), nil
}

// Count returns the number of slots ever created.
func (f *Factory) Count() (uint64, error) {
	meta, err := f.meta()
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

// FreeCount returns the number of slots waiting for reuse.
func (f *Factory) FreeCount() (int, error) {
	meta, err := f.meta()
	if err != nil {
		return 0, err
	}
	return len(meta.Free), nil
}

func requireManager(meta *metaRecord, caller ids.ShortID) error {
	if !meta.HasManager || meta.Manager != caller {
		return fmt.Errorf("%w: %s is not the credit manager", errs.ErrUnauthorized, caller)
	}
	return nil
}

func (f *Factory) meta() (*metaRecord, error) {
	meta := &metaRecord{}
	err := f.state.GetRecord(keyMeta, meta)
	if state.IsNotFound(err) {
		return &metaRecord{}, nil
	}
	return meta, err
}

func (f *Factory) lookup(address ids.ShortID) (uint64, *slotRecord, error) {
	idx := &addressRecord{}
	if err := f.state.GetRecord(state.Key(prefixAddress, address[:]), idx); err != nil {
		if state.IsNotFound(err) {
			return 0, nil, fmt.Errorf("%w: %s", errs.ErrAccountNotFound, address)
		}
		return 0, nil, err
	}
	rec, err := f.slot(idx.Slot)
	return idx.Slot, rec, err
}

func (f *Factory) slot(slot uint64) (*slotRecord, error) {
	rec := &slotRecord{}
	if err := f.state.GetRecord(slotKey(slot), rec); err != nil {
		if state.IsNotFound(err) {
			return nil, fmt.Errorf("%w: slot %d", errs.ErrAccountNotFound, slot)
		}
		return nil, err
	}
	return rec, nil
}

func (f *Factory) putSlot(slot uint64, rec *slotRecord) error {
	return f.state.PutRecord(slotKey(slot), rec)
}

func slotKey(slot uint64) []byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], slot)
	return state.Key(prefixSlot, idx[:])
}

func toAccount(slot uint64, rec *slotRecord) *CreditAccount {
	return &CreditAccount{
		Slot:              slot,
		Address:           rec.Address,
		Borrower:          rec.Borrower,
		BorrowedPrincipal: state.DecodeAmount(rec.Principal),
		IndexAtOpen:       state.DecodeAmount(rec.Index),
		Since:             rec.Since,
		InUse:             rec.InUse,
	}
}
