// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/luxfi/ids"
)

// DeriveAddress returns a stable identity for a protocol-owned holder, such
// as the pool vault, a swap router or the n-th credit account slot.
func DeriveAddress(namespace string, index uint64) ids.ShortID {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)

	h := sha256.New()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write(idx[:])
	sum := h.Sum(nil)

	var addr ids.ShortID
	copy(addr[:], sum[:addressLen])
	return addr
}
