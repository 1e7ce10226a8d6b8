// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package block

import (
	"fmt"
	"sync/atomic"

	"github.com/bitmark-inc/cowfs/blockdigest"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

// sizes of the fixed on-disk structures
const (
	Size       = 16384
	NodeHeader = 24
	LogHeader  = 16
	DeadHeader = LogHeader + PtrSize

	BufSpace   = Size / 4
	PivotSpace = Size - BufSpace - NodeHeader
	LeafSpace  = Size - NodeHeader

	MaxKey   = 128
	MaxValue = 512

	// bytes of offset table used by each entry
	Slot = 2
)

// Type - the kind of data a block holds
type Type uint16

// block types
const (
	Raw Type = iota
	Pivot
	Leaf
	Super
	Arena
	Log
	Dead
)

var typeNames = []string{"raw", "pivot", "leaf", "super", "arena", "log", "dead"}

// String - for printing
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

// SelfHashed - true if the block carries its own digest
func (t Type) SelfHashed() bool {
	switch t {
	case Super, Arena, Log, Dead:
		return true
	default:
		return false
	}
}

// Flag - block state bits
type Flag uint32

// state bits
const (
	Dirty  Flag = 1 << iota // modified in memory, not written
	Final                   // contents frozen and digest computed
	Cached                  // indexed by the block cache
	Zombie                  // freed, must not be read again
)

// Block - one block of data
//
// Data is owned by the block.  Once Final is set the contents never
// change, which is what allows a finalised block to be shared between
// readers without locking.
type Block struct {
	Type Type
	Ptr  Ptr
	Data []byte

	flags uint32
	ref   int32

	// node bookkeeping
	nval  int
	valsz int
	nbuf  int
	bufsz int

	// log bookkeeping
	logsz int
}

// New - a fresh zeroed block of the given type at addr
//
// the caller holds the only reference
func New(t Type, addr int64, gen int64) *Block {
	b := &Block{
		Type:  t,
		Ptr:   Ptr{Addr: addr, Gen: gen},
		Data:  make([]byte, Size),
		flags: uint32(Dirty),
		ref:   1,
	}
	pack.PutU16(b.Data[8:], uint16(t))
	return b
}

// Load - wrap data read from the device
//
// the structural header is checked, the digest is checked by the
// caller since where it lives depends on how the block was reached
func Load(data []byte, ptr Ptr) (*Block, error) {
	if Size != len(data) {
		return nil, fault.ErrShortBuffer
	}
	t := Type(pack.U16(data[8:]))
	b := &Block{
		Type:  t,
		Ptr:   ptr,
		Data:  data,
		flags: uint32(Final),
		ref:   1,
	}

	switch t {
	case Pivot, Leaf:
		b.nval = int(pack.U16(data[10:]))
		b.valsz = int(pack.U16(data[12:]))
		b.nbuf = int(pack.U16(data[14:]))
		b.bufsz = int(pack.U16(data[16:]))
		if b.valsz > b.valCap() || b.bufsz > b.bufCap() || Slot*b.nval > b.valsz || Slot*b.nbuf > b.bufsz {
			return nil, fmt.Errorf("node 0x%x: %w", ptr.Addr, fault.ErrBadBlockType)
		}
	case Log, Dead:
		b.logsz = int(pack.U16(data[10:]))
		if b.logsz > Size-b.logBase() {
			return nil, fmt.Errorf("log 0x%x: %w", ptr.Addr, fault.ErrBadLogRecord)
		}
	case Super, Arena, Raw:
	default:
		return nil, fmt.Errorf("block 0x%x type %d: %w", ptr.Addr, t, fault.ErrBadBlockType)
	}
	return b, nil
}

// Hold - add a reference
func (b *Block) Hold() *Block {
	atomic.AddInt32(&b.ref, 1)
	return b
}

// Release - drop a reference
func (b *Block) Release() {
	if n := atomic.AddInt32(&b.ref, -1); n < 0 {
		fault.Panicf("block 0x%x: reference count underflow: %d", b.Ptr.Addr, n)
	}
}

// Refs - current reference count
func (b *Block) Refs() int32 {
	return atomic.LoadInt32(&b.ref)
}

// Set - turn on flag bits
func (b *Block) Set(f Flag) {
	for {
		old := atomic.LoadUint32(&b.flags)
		if atomic.CompareAndSwapUint32(&b.flags, old, old|uint32(f)) {
			return
		}
	}
}

// Clear - turn off flag bits
func (b *Block) Clear(f Flag) {
	for {
		old := atomic.LoadUint32(&b.flags)
		if atomic.CompareAndSwapUint32(&b.flags, old, old&^uint32(f)) {
			return
		}
	}
}

// Is - true if all the flag bits are set
func (b *Block) Is(f Flag) bool {
	return uint32(f) == atomic.LoadUint32(&b.flags)&uint32(f)
}

func (b *Block) mutable() {
	if b.Is(Final) {
		fault.Panicf("block 0x%x: modified after finalise", b.Ptr.Addr)
	}
}

// Seal - write the header fields and digest without freezing the block
//
// used for log style blocks that are persisted repeatedly while still
// being appended to
func (b *Block) Seal() blockdigest.Digest {
	switch b.Type {
	case Pivot, Leaf:
		pack.PutU16(b.Data[10:], uint16(b.nval))
		pack.PutU16(b.Data[12:], uint16(b.valsz))
		pack.PutU16(b.Data[14:], uint16(b.nbuf))
		pack.PutU16(b.Data[16:], uint16(b.bufsz))
	case Log, Dead:
		pack.PutU16(b.Data[10:], uint16(b.logsz))
	}
	pack.PutU16(b.Data[8:], uint16(b.Type))

	h := blockdigest.Sum(b.Data[8:])
	b.Ptr.Hash = h
	if b.Type.SelfHashed() {
		pack.PutU64(b.Data[0:], uint64(h))
	}
	return h
}

// Finalise - freeze the contents and compute the digest
func (b *Block) Finalise() Ptr {
	if !b.Is(Final) {
		b.Seal()
		b.Set(Final)
	}
	return b.Ptr
}

// Verify - check the contents against the digest held in a pointer
func (b *Block) Verify(p Ptr) error {
	if h := blockdigest.Sum(b.Data[8:]); h != p.Hash {
		return fmt.Errorf("block 0x%x expected %s actual %s: %w", p.Addr, p.Hash, h, fault.ErrChecksum)
	}
	return nil
}

// VerifySelf - check the contents against the embedded digest
func (b *Block) VerifySelf() error {
	if !b.Type.SelfHashed() {
		return fmt.Errorf("block 0x%x is %s: %w", b.Ptr.Addr, b.Type, fault.ErrBadBlockType)
	}
	stored := blockdigest.Digest(pack.U64(b.Data[0:]))
	if h := blockdigest.Sum(b.Data[8:]); h != stored {
		return fmt.Errorf("block 0x%x expected %s actual %s: %w", b.Ptr.Addr, stored, h, fault.ErrChecksum)
	}
	b.Ptr.Hash = stored
	return nil
}

// Body - the type specific area after the common header
//
// only for superblocks, arena headers and raw blocks
func (b *Block) Body() []byte {
	return b.Data[LogHeader:]
}

// String - for debugging
func (b *Block) String() string {
	return fmt.Sprintf("%s@%s ref:%d flags:%04b", b.Type, b.Ptr, b.Refs(), atomic.LoadUint32(&b.flags))
}
