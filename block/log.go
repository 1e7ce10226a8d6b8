// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package block

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/blockdigest"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

// LogOp - log record type, kept in the low byte of the first word
//
// addresses are multiples of Size so the low byte is always free
type LogOp uint8

// allocation log and deadlist record types
const (
	LogNone   LogOp = iota // zero filled space
	LogAlloc1              // one block allocated
	LogAlloc               // run of blocks allocated
	LogFree1               // one block freed
	LogFree                // run of blocks freed
	LogChain               // continue in the block at the address
	LogFlush               // sync point
	LogEnd                 // no more records in this block
	DeadKill               // block killed, with its birth generation
	DeadGraft              // splice in another deadlist chain
)

var logOpNames = []string{"none", "alloc1", "alloc", "free1", "free", "chain", "flush", "end", "kill", "graft"}

// String - for printing
func (o LogOp) String() string {
	if int(o) < len(logOpNames) {
		return logOpNames[o]
	}
	return fmt.Sprintf("logop(%d)", uint8(o))
}

// LogEntry - a decoded log record
type LogEntry struct {
	Op   LogOp
	Addr int64
	Len  int64              // LogAlloc, LogFree
	Gen  int64              // DeadKill, DeadGraft
	Hash blockdigest.Digest // DeadGraft
}

// Size - packed size of the record
//
// records are one or two words except grafts, which carry a full
// pointer and so need three
func (e LogEntry) Size() int {
	switch e.Op {
	case LogAlloc, LogFree, DeadKill:
		return 16
	case DeadGraft:
		return 24
	default:
		return 8
	}
}

// Encode - pack the record at the start of b
func (e LogEntry) Encode(b []byte) int {
	if 0 != e.Addr&0xff {
		fault.Panicf("log record %s: unaligned address 0x%x", e.Op, e.Addr)
	}
	pack.PutU64(b, uint64(e.Addr)|uint64(e.Op))
	switch e.Op {
	case LogAlloc, LogFree:
		pack.PutU64(b[8:], uint64(e.Len))
	case DeadKill:
		pack.PutU64(b[8:], uint64(e.Gen))
	case DeadGraft:
		pack.PutU64(b[8:], uint64(e.Hash))
		pack.PutU64(b[16:], uint64(e.Gen))
	}
	return e.Size()
}

// DecodeLog - unpack one record
func DecodeLog(b []byte) (LogEntry, error) {
	if len(b) < 8 {
		return LogEntry{}, fault.ErrShortBuffer
	}
	w := pack.U64(b)
	e := LogEntry{
		Op:   LogOp(w & 0xff),
		Addr: int64(w &^ 0xff),
	}
	if e.Op > DeadGraft {
		return e, fmt.Errorf("op %d: %w", e.Op, fault.ErrBadLogRecord)
	}
	if len(b) < e.Size() {
		return e, fault.ErrShortBuffer
	}
	switch e.Op {
	case LogAlloc1, LogFree1:
		e.Len = Size
	case LogAlloc, LogFree:
		e.Len = int64(pack.U64(b[8:]))
		if e.Len <= 0 || 0 != e.Len%Size {
			return e, fmt.Errorf("%s length %d: %w", e.Op, e.Len, fault.ErrBadLogRecord)
		}
	case DeadKill:
		e.Gen = int64(pack.U64(b[8:]))
	case DeadGraft:
		e.Hash = blockdigest.Digest(pack.U64(b[8:]))
		e.Gen = int64(pack.U64(b[16:]))
	}
	return e, nil
}

// GraftPtr - the head of the chain a graft record refers to
func (e LogEntry) GraftPtr() Ptr {
	return Ptr{Addr: e.Addr, Hash: e.Hash, Gen: e.Gen}
}

// String - for printing
func (e LogEntry) String() string {
	switch e.Op {
	case LogAlloc, LogFree:
		return fmt.Sprintf("%s 0x%x+0x%x", e.Op, e.Addr, e.Len)
	case DeadKill:
		return fmt.Sprintf("%s 0x%x gen %d", e.Op, e.Addr, e.Gen)
	case DeadGraft:
		return fmt.Sprintf("%s %s", e.Op, e.GraftPtr())
	default:
		return fmt.Sprintf("%s 0x%x", e.Op, e.Addr)
	}
}

func (b *Block) logBase() int {
	if Dead == b.Type {
		return DeadHeader
	}
	return LogHeader
}

// LogUsed - bytes of records in the block
func (b *Block) LogUsed() int { return b.logsz }

// LogSpace - bytes still available for records
func (b *Block) LogSpace() int {
	return Size - b.logBase() - b.logsz
}

// LogAppend - add a record, the caller checks the space first
func (b *Block) LogAppend(e LogEntry) {
	b.mutable()
	if e.Size() > b.LogSpace() {
		fault.Panicf("log 0x%x: record %s does not fit", b.Ptr.Addr, e)
	}
	b.logsz += e.Encode(b.Data[b.logBase()+b.logsz:])
}

// LogEntries - decode records up to limit bytes, a negative limit
// means all records in use
func (b *Block) LogEntries(limit int) ([]LogEntry, error) {
	if limit < 0 || limit > b.logsz {
		limit = b.logsz
	}
	data := b.Data[b.logBase() : b.logBase()+limit]
	entries := make([]LogEntry, 0, limit/8)
	for off := 0; off < len(data); {
		e, err := DecodeLog(data[off:])
		if nil != err {
			return nil, fmt.Errorf("log 0x%x offset %d: %w", b.Ptr.Addr, off, err)
		}
		if LogNone == e.Op {
			break
		}
		entries = append(entries, e)
		off += e.Size()
	}
	return entries, nil
}

// Prev - the older block of a deadlist chain
func (b *Block) Prev() Ptr {
	return GetPtr(b.Data[LogHeader:])
}

// SetPrev - link to the older block of a deadlist chain
func (b *Block) SetPrev(p Ptr) {
	b.mutable()
	p.Put(b.Data[LogHeader:])
}

// Reopen - a mutable copy of a log style block at a new address
//
// the copy keeps every record so appending continues where the
// original left off
func (b *Block) Reopen(addr int64, gen int64) *Block {
	c := New(b.Type, addr, gen)
	copy(c.Data[LogHeader:], b.Data[LogHeader:])
	c.logsz = b.logsz
	return c
}

// LogTruncate - discard records beyond n bytes, used when resuming a
// log at the position recorded by the last sync
func (b *Block) LogTruncate(n int) {
	b.mutable()
	if n < 0 || n > b.logsz {
		fault.Panicf("log 0x%x: truncate to %d beyond %d", b.Ptr.Addr, n, b.logsz)
	}
	base := b.logBase()
	for i := base + n; i < base+b.logsz; i += 1 {
		b.Data[i] = 0
	}
	b.logsz = n
}
