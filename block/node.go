// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package block

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

// Op - message operation
type Op uint8

// message operations
const (
	OpInsert Op = iota + 1 // set the value
	OpDelete               // remove a value that must exist
	OpClear                // remove a value if present
	OpWstat                // patch fields of a directory record
	OpRef                  // increment the leading reference count
	OpUnref                // decrement the leading reference count
)

var opNames = []string{"?", "insert", "delete", "clear", "wstat", "ref", "unref"}

// String - for printing
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid - true for a known operation
func (o Op) Valid() bool {
	return o >= OpInsert && o <= OpUnref
}

// Value - content stored against a key
//
// leaves hold Inline values, pivots hold Child references
type Value interface {
	packedLen() int
}

// Inline - bytes stored directly in a leaf
type Inline []byte

// Child - a pivot's reference to the node below and the number of
// bytes of entries that node holds
type Child struct {
	Ptr  Ptr
	Fill uint16
}

func (v Inline) packedLen() int { return 2 + len(v) }
func (v Child) packedLen() int  { return PtrSize + 2 }

// Kvp - a key and its value
type Kvp struct {
	Key []byte
	Val Value
}

// Len - packed size, excluding the offset slot
func (kv Kvp) Len() int {
	return 2 + len(kv.Key) + kv.Val.packedLen()
}

// Inline - the value of a leaf entry
func (kv Kvp) Inline() []byte {
	v, _ := kv.Val.(Inline)
	return v
}

// Child - the value of a pivot entry
func (kv Kvp) Child() Child {
	v, _ := kv.Val.(Child)
	return v
}

// Msg - a pending operation on a key
type Msg struct {
	Op  Op
	Key []byte
	Val []byte
}

// Len - packed size, excluding the offset slot
func (m Msg) Len() int {
	return 1 + 2 + len(m.Key) + 2 + len(m.Val)
}

// Check - validate operation and sizes
func (m Msg) Check() error {
	if !m.Op.Valid() {
		return fmt.Errorf("%s: %w", m.Op, fault.ErrBadMessage)
	}
	if 0 == len(m.Key) || len(m.Key) > MaxKey {
		return fmt.Errorf("key length %d: %w", len(m.Key), fault.ErrKeyTooLong)
	}
	if len(m.Val) > MaxValue {
		return fmt.Errorf("value length %d: %w", len(m.Val), fault.ErrValueTooLong)
	}
	return nil
}

// String - for printing
func (m Msg) String() string {
	return fmt.Sprintf("%s(%x, %d bytes)", m.Op, m.Key, len(m.Val))
}

// SortMsgs - stable sort by key so that operations on one key keep
// their submission order
func SortMsgs(msgs []Msg) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return bytes.Compare(msgs[i].Key, msgs[j].Key) < 0
	})
}

// region geometry
func (b *Block) valCap() int {
	if Leaf == b.Type {
		return LeafSpace
	}
	return PivotSpace
}

func (b *Block) bufCap() int {
	if Pivot == b.Type {
		return BufSpace
	}
	return 0
}

const (
	valBase = NodeHeader
	bufBase = NodeHeader + PivotSpace
)

// NVal - number of values
func (b *Block) NVal() int { return b.nval }

// ValSize - bytes of value region in use, including offsets
func (b *Block) ValSize() int { return b.valsz }

// NBuf - number of buffered messages
func (b *Block) NBuf() int { return b.nbuf }

// BufSize - bytes of message region in use, including offsets
func (b *Block) BufSize() int { return b.bufsz }

// ValSpace - capacity of the value region
func (b *Block) ValSpace() int { return b.valCap() }

// ValFits - true if an entry of packed length n can be added
func (b *Block) ValFits(n int) bool {
	return b.valsz+n+Slot <= b.valCap()
}

// BufFits - true if a message of packed length n can be added
func (b *Block) BufFits(n int) bool {
	return b.bufsz+n+Slot <= b.bufCap()
}

func (b *Block) entryOffset(base int, i int) int {
	return base + int(pack.U16(b.Data[base+Slot*i:]))
}

// allocate n heap bytes in a region returning the absolute offset
func (b *Block) place(base int, capacity int, count int, used int, n int) int {
	heap := used - Slot*count
	off := capacity - heap - n
	pack.PutU16(b.Data[base+Slot*count:], uint16(off))
	return base + off
}

// Key - key of value i
func (b *Block) Key(i int) []byte {
	p := b.entryOffset(valBase, i)
	n := int(pack.U16(b.Data[p:]))
	return b.Data[p+2 : p+2+n]
}

// Val - value i
func (b *Block) Val(i int) Kvp {
	if i < 0 || i >= b.nval {
		fault.Panicf("block 0x%x: value index %d out of range %d", b.Ptr.Addr, i, b.nval)
	}
	p := b.entryOffset(valBase, i)
	n := int(pack.U16(b.Data[p:]))
	p += 2
	kv := Kvp{Key: b.Data[p : p+n]}
	p += n
	if Leaf == b.Type {
		vn := int(pack.U16(b.Data[p:]))
		kv.Val = Inline(b.Data[p+2 : p+2+vn])
	} else {
		kv.Val = Child{
			Ptr:  GetPtr(b.Data[p:]),
			Fill: pack.U16(b.Data[p+PtrSize:]),
		}
	}
	return kv
}

// AppendVal - add a value after all existing ones
//
// keys must be added in ascending order
func (b *Block) AppendVal(kv Kvp) {
	b.mutable()
	n := kv.Len()
	if !b.ValFits(n) {
		fault.Panicf("block 0x%x: value %x does not fit: %d+%d", b.Ptr.Addr, kv.Key, b.valsz, n)
	}
	p := b.place(valBase, b.valCap(), b.nval, b.valsz, n)
	pack.PutU16(b.Data[p:], uint16(len(kv.Key)))
	p += 2
	p += copy(b.Data[p:], kv.Key)
	switch v := kv.Val.(type) {
	case Inline:
		if Leaf != b.Type {
			fault.Panicf("block 0x%x: inline value in %s", b.Ptr.Addr, b.Type)
		}
		pack.PutU16(b.Data[p:], uint16(len(v)))
		copy(b.Data[p+2:], v)
	case Child:
		if Pivot != b.Type {
			fault.Panicf("block 0x%x: child value in %s", b.Ptr.Addr, b.Type)
		}
		v.Ptr.Put(b.Data[p:])
		pack.PutU16(b.Data[p+PtrSize:], v.Fill)
	}
	b.nval += 1
	b.valsz += n + Slot
}

// Msg - buffered message i
func (b *Block) Msg(i int) Msg {
	if i < 0 || i >= b.nbuf {
		fault.Panicf("block 0x%x: message index %d out of range %d", b.Ptr.Addr, i, b.nbuf)
	}
	p := b.entryOffset(bufBase, i)
	m := Msg{Op: Op(b.Data[p])}
	p += 1
	n := int(pack.U16(b.Data[p:]))
	m.Key = b.Data[p+2 : p+2+n]
	p += 2 + n
	vn := int(pack.U16(b.Data[p:]))
	m.Val = b.Data[p+2 : p+2+vn]
	return m
}

// AppendMsg - add a message after all existing ones
//
// messages must be added in ascending key order, oldest first within a key
func (b *Block) AppendMsg(m Msg) {
	b.mutable()
	n := m.Len()
	if !b.BufFits(n) {
		fault.Panicf("block 0x%x: message %x does not fit: %d+%d", b.Ptr.Addr, m.Key, b.bufsz, n)
	}
	p := b.place(bufBase, b.bufCap(), b.nbuf, b.bufsz, n)
	b.Data[p] = byte(m.Op)
	p += 1
	pack.PutU16(b.Data[p:], uint16(len(m.Key)))
	p += 2
	p += copy(b.Data[p:], m.Key)
	pack.PutU16(b.Data[p:], uint16(len(m.Val)))
	copy(b.Data[p+2:], m.Val)
	b.nbuf += 1
	b.bufsz += n + Slot
}

// Search - index of the first value whose key is >= key and whether
// it is an exact match
func (b *Block) Search(key []byte) (int, bool) {
	i := sort.Search(b.nval, func(i int) bool {
		return bytes.Compare(b.Key(i), key) >= 0
	})
	return i, i < b.nval && bytes.Equal(b.Key(i), key)
}

// ChildIndex - index of the pivot entry covering key
//
// the first entry covers every key below the second entry's key
func (b *Block) ChildIndex(key []byte) int {
	i := sort.Search(b.nval, func(i int) bool {
		return bytes.Compare(b.Key(i), key) > 0
	})
	if i > 0 {
		i -= 1
	}
	return i
}

// BufSearch - index of the first message whose key is >= key
func (b *Block) BufSearch(key []byte) int {
	return sort.Search(b.nbuf, func(i int) bool {
		m := b.entryOffset(bufBase, i) + 1
		n := int(pack.U16(b.Data[m:]))
		return bytes.Compare(b.Data[m+2:m+2+n], key) >= 0
	})
}
