// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockdigest

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dchest/siphash"
)

// fixed key, changing it invalidates every existing image
const (
	key0 = 0x636f77667320626c // "cowfs bl"
	key1 = 0x6f636b2064696765 // "ock dige"
)

// Digest - checksum of a block
type Digest uint64

// Sum - checksum of the data
func Sum(data []byte) Digest {
	return Digest(siphash.Hash(key0, key1, data))
}

// Bucket - spread a block address over the cache shards
func Bucket(addr int64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(addr))
	return xxhash.Sum64(b[:])
}

// String - fixed width hex for logs and dumps
func (d Digest) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}
