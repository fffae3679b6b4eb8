// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state persists the credit VM: a token ledger plus the records of
// the pool, account factory, risk engine and credit manager. Every write goes
// through a versiondb layer so an operation either commits as a whole or
// leaves nothing behind.
package state

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/cache"
	"github.com/luxfi/cache/lru"
	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
)

const balanceCacheSize = 4096

var ErrStateCorrupted = errors.New("state corrupted")

// State is the transactional store shared by all credit VM components.
//
// State is not safe for concurrent writers; the VM serializes every
// state-changing operation. Concurrent readers are fine.
type State struct {
	db *versiondb.Database

	// balances caches decoded ledger words keyed by their database key. It is
	// flushed whenever pending writes are aborted.
	balances cache.Cacher[string, *uint256.Int]

	// depth counts the nesting of Atomic calls. Only the outermost call
	// commits or aborts.
	depth int
}

// New wraps base in a versioned layer.
func New(base database.Database) *State {
	return &State{
		db:       versiondb.New(base),
		balances: lru.NewCache[string, *uint256.Int](balanceCacheSize),
	}
}

// Atomic runs fn as one all-or-nothing unit. Writes made by fn are committed
// to the underlying database when fn returns nil and discarded otherwise.
// Calls nested inside fn join the enclosing unit. Every exported writer runs
// in its own unit, so a write made outside Atomic is committed at once and a
// later failed unit cannot take it back.
func (s *State) Atomic(fn func() error) error {
	if s.depth > 0 {
		s.depth++
		defer func() { s.depth-- }()
		return fn()
	}

	s.depth = 1
	finished := false
	defer func() {
		s.depth = 0
		if !finished {
			s.abort()
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	finished = true
	if err := s.db.Commit(); err != nil {
		s.abort()
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *State) abort() {
	s.db.Abort()
	s.balances.Flush()
}

// GetRecord decodes the record stored under key into v. It returns
// database.ErrNotFound when the key is absent.
func (s *State) GetRecord(key []byte, v interface{}) error {
	data, err := s.db.Get(key)
	if err != nil {
		return err
	}
	if _, err := Codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrStateCorrupted, err)
	}
	return nil
}

// PutRecord encodes v and stores it under key.
func (s *State) PutRecord(key []byte, v interface{}) error {
	data, err := Codec.Marshal(CodecVersion, v)
	if err != nil {
		return err
	}
	return s.Atomic(func() error { return s.db.Put(key, data) })
}

// Has reports whether key is present.
func (s *State) Has(key []byte) (bool, error) {
	return s.db.Has(key)
}

// Delete removes key.
func (s *State) Delete(key []byte) error {
	return s.Atomic(func() error { return s.db.Delete(key) })
}

// PutFlag stores an empty marker under key. Used for set membership.
func (s *State) PutFlag(key []byte) error {
	return s.Atomic(func() error { return s.db.Put(key, []byte{1}) })
}

// Iterate calls fn for every key with the given prefix in ascending key
// order. The suffix passed to fn is the key with the prefix removed.
func (s *State) Iterate(prefix []byte, fn func(suffix, value []byte) error) error {
	it := s.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	for it.Next() {
		key := it.Key()
		suffix := make([]byte, len(key)-len(prefix))
		copy(suffix, key[len(prefix):])
		if err := fn(suffix, it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// Close closes the versioned layer. Every write has been committed by the
// Atomic unit that made it.
func (s *State) Close() error {
	s.abort()
	return s.db.Close()
}

// Key joins a prefix and any number of parts into a fresh key.
func Key(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	key := make([]byte, 0, size)
	key = append(key, prefix...)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

// IsNotFound reports whether err means a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
