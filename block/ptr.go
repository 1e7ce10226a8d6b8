// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package block

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/blockdigest"
	"github.com/bitmark-inc/cowfs/pack"
)

// PtrSize - packed size of a pointer
const PtrSize = 24

// Ptr - reference to a block: its address, the digest its contents
// must match and the generation that created it
type Ptr struct {
	Addr int64
	Hash blockdigest.Digest
	Gen  int64
}

// Nil - the pointer to no block
var Nil = Ptr{Addr: -1}

// IsNil - true for the null pointer
func (p Ptr) IsNil() bool {
	return p.Addr < 0
}

// Put - pack into the first PtrSize bytes of b
func (p Ptr) Put(b []byte) {
	pack.PutU64(b[0:], uint64(p.Addr))
	pack.PutU64(b[8:], uint64(p.Hash))
	pack.PutU64(b[16:], uint64(p.Gen))
}

// GetPtr - unpack a pointer
func GetPtr(b []byte) Ptr {
	return Ptr{
		Addr: int64(pack.U64(b[0:])),
		Hash: blockdigest.Digest(pack.U64(b[8:])),
		Gen:  int64(pack.U64(b[16:])),
	}
}

// WritePtr - append a pointer to a pack.Writer
func WritePtr(w *pack.Writer, p Ptr) {
	w.I64(p.Addr)
	w.U64(uint64(p.Hash))
	w.I64(p.Gen)
}

// ReadPtr - read a pointer from a pack.Reader
func ReadPtr(r *pack.Reader) Ptr {
	return Ptr{
		Addr: r.I64(),
		Hash: blockdigest.Digest(r.U64()),
		Gen:  r.I64(),
	}
}

// String - for printing
func (p Ptr) String() string {
	if p.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("(0x%x,%s,%d)", p.Addr, p.Hash, p.Gen)
}
