// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package arena

import (
	"fmt"
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/avl"
	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/storage"
)

// space kept at the end of every log block for a chain record
const chainReserve = 8

// Arena - one independently locked region of the device
type Arena struct {
	sync.Mutex

	dev storage.Device
	log *logger.L
	hdr header

	free  *avl.Tree
	tail  *block.Block // mutable last log block
	chain []int64      // log block addresses, head first

	// position reached by the last log flush, becomes the header's
	// tail once the header is written
	pendingTail int64
	pendingOff  int
}

// create an empty arena with a single log block after the reserved
// blocks
func format(dev storage.Device, log *logger.L, h header, reserved int) (*Arena, error) {
	logAddr := h.base + int64(1+reserved)*block.Size
	end := h.base + h.size
	if logAddr+block.Size > end {
		return nil, fault.ErrDeviceTooSmall
	}

	a := &Arena{
		dev:   dev,
		log:   log,
		hdr:   h,
		free:  avl.New(),
		tail:  block.New(block.Log, logAddr, 0),
		chain: []int64{logAddr},
	}
	a.hdr.head = logAddr

	if start := logAddr + block.Size; start < end {
		if err := a.free.Release(start, end-start); nil != err {
			return nil, err
		}
		a.tail.LogAppend(block.LogEntry{Op: block.LogFree, Addr: start, Len: end - start})
	}

	if err := a.flushLog(); nil != err {
		return nil, err
	}
	if err := a.writeHeader(); nil != err {
		return nil, err
	}
	return a, nil
}

// read the header at base and replay the log
func load(dev storage.Device, log *logger.L, base int64) (*Arena, error) {
	hb, err := storage.ReadBlock(dev, base)
	if nil != err {
		return nil, fmt.Errorf("arena header 0x%x: %w", base, err)
	}
	h, err := decodeHeader(hb)
	if nil != err {
		return nil, err
	}
	if base != h.base {
		return nil, fmt.Errorf("arena header 0x%x claims base 0x%x: %w", base, h.base, fault.ErrBadBlockType)
	}

	a := &Arena{
		dev:  dev,
		log:  log,
		hdr:  *h,
		free: avl.New(),
	}
	if err := a.replay(); nil != err {
		return nil, fmt.Errorf("arena %d: %w", h.index, err)
	}
	a.pendingTail = h.tail
	a.pendingOff = h.tailOff

	log.Infof("arena %d: base: 0x%x  free: %d bytes in %d extents  log blocks: %d",
		h.index, h.base, a.free.Total(), a.free.Count(), len(a.chain))
	return a, nil
}

func (a *Arena) replay() error {
	maxBlocks := a.hdr.size / block.Size
	addr := a.hdr.head

	for n := int64(0); ; n += 1 {
		if n > maxBlocks || !a.owns(addr) {
			return fmt.Errorf("log chain at 0x%x: %w", addr, fault.ErrBadLogRecord)
		}
		lb, err := storage.ReadBlock(a.dev, addr)
		if nil != err {
			return err
		}
		if block.Log != lb.Type {
			return fmt.Errorf("log 0x%x is %s: %w", addr, lb.Type, fault.ErrBadBlockType)
		}

		last := addr == a.hdr.tail
		limit := -1
		if last {
			if lb.LogUsed() < a.hdr.tailOff {
				return fmt.Errorf("log tail 0x%x shorter than synced offset %d: %w", addr, a.hdr.tailOff, fault.ErrBadLogRecord)
			}
			limit = a.hdr.tailOff
		}

		entries, err := lb.LogEntries(limit)
		if nil != err {
			return err
		}
		next := int64(-1)
		for _, e := range entries {
			switch e.Op {
			case block.LogAlloc1, block.LogAlloc:
				err = a.free.Take(e.Addr, e.Len)
			case block.LogFree1, block.LogFree:
				err = a.free.Release(e.Addr, e.Len)
			case block.LogChain:
				next = e.Addr
			case block.LogFlush, block.LogEnd:
			default:
				err = fmt.Errorf("%s in allocation log: %w", e.Op, fault.ErrBadLogRecord)
			}
			if nil != err {
				return fmt.Errorf("log 0x%x record %s: %w", addr, e, err)
			}
		}
		a.chain = append(a.chain, addr)

		if last {
			a.tail = lb.Reopen(addr, 0)
			a.tail.LogTruncate(a.hdr.tailOff)
			return nil
		}
		if next < 0 {
			return fmt.Errorf("log 0x%x ends before tail 0x%x: %w", addr, a.hdr.tail, fault.ErrBadLogRecord)
		}
		addr = next
	}
}

// true if the address is a block within this arena
func (a *Arena) owns(addr int64) bool {
	return addr >= a.hdr.base && addr < a.hdr.base+a.hdr.size && 0 == addr%block.Size
}

// append a record, moving to a new log block when the current one is
// full
//
// must hold lock
func (a *Arena) appendLog(e block.LogEntry) error {
	if a.tail.LogSpace() < e.Size()+chainReserve {
		if err := a.extendLog(); nil != err {
			return err
		}
	}
	a.tail.LogAppend(e)
	return nil
}

// must hold lock
func (a *Arena) extendLog() error {
	addr, ok := a.free.FirstFit(block.Size)
	if !ok {
		return fault.ErrArenaFull
	}

	used := a.tail.LogUsed()
	a.tail.LogAppend(block.LogEntry{Op: block.LogChain, Addr: addr})
	if err := storage.WriteBlock(a.dev, a.tail); nil != err {
		a.tail.LogTruncate(used)
		if e := a.free.Release(addr, block.Size); nil != e {
			fault.PanicWithError("arena log extend rollback", e)
		}
		return err
	}

	nb := block.New(block.Log, addr, 0)
	nb.LogAppend(block.LogEntry{Op: block.LogAlloc1, Addr: addr})
	a.tail = nb
	a.chain = append(a.chain, addr)
	a.log.Debugf("arena %d: log extended to 0x%x (%d blocks)", a.hdr.index, addr, len(a.chain))
	return nil
}

// Alloc - allocate and log one block
func (a *Arena) Alloc() (int64, error) {
	a.Lock()
	defer a.Unlock()

	addr, ok := a.free.FirstFit(block.Size)
	if !ok {
		return 0, fault.ErrArenaFull
	}
	if err := a.appendLog(block.LogEntry{Op: block.LogAlloc1, Addr: addr}); nil != err {
		if e := a.free.Release(addr, block.Size); nil != e {
			fault.PanicWithError("arena alloc rollback", e)
		}
		return 0, err
	}
	return addr, nil
}

// Free - log and release one block
func (a *Arena) Free(addr int64) error {
	a.Lock()
	defer a.Unlock()

	if !a.owns(addr) || addr == a.hdr.base {
		return fmt.Errorf("free 0x%x outside arena %d: %w", addr, a.hdr.index, fault.ErrExtentNotFree)
	}
	for _, l := range a.chain {
		if l == addr {
			return fmt.Errorf("free 0x%x is a log block: %w", addr, fault.ErrExtentNotFree)
		}
	}
	if a.free.Contains(addr, block.Size) {
		return fmt.Errorf("free 0x%x: %w", addr, fault.ErrExtentOverlap)
	}
	// log first, extending the log must not be able to take the
	// block being freed
	if err := a.appendLog(block.LogEntry{Op: block.LogFree1, Addr: addr}); nil != err {
		return err
	}
	return a.free.Release(addr, block.Size)
}

// IsFree - true if the block is in the free set
func (a *Arena) IsFree(addr int64) bool {
	a.Lock()
	defer a.Unlock()
	return a.free.Contains(addr, block.Size)
}

// write the current log tail with a flush marker
func (a *Arena) flushLog() error {
	if err := a.appendLog(block.LogEntry{Op: block.LogFlush}); nil != err {
		return err
	}
	if err := storage.WriteBlock(a.dev, a.tail); nil != err {
		return err
	}
	a.pendingTail = a.tail.Ptr.Addr
	a.pendingOff = a.tail.LogUsed()
	return nil
}

// record the flushed log position in the header block
func (a *Arena) writeHeader() error {
	a.hdr.tail = a.pendingTail
	a.hdr.tailOff = a.pendingOff

	hb := block.New(block.Arena, a.hdr.base, 0)
	if err := a.hdr.encode(hb); nil != err {
		return err
	}
	return storage.WriteBlock(a.dev, hb)
}

// Stats - free space summary of one arena
type Stats struct {
	Index     int
	Base      int64
	Size      int64
	Free      int64
	Extents   int
	LogBlocks int
}

// Stats - current free space
func (a *Arena) Stats() Stats {
	a.Lock()
	defer a.Unlock()
	return Stats{
		Index:     a.hdr.index,
		Base:      a.hdr.base,
		Size:      a.hdr.size,
		Free:      a.free.Total(),
		Extents:   a.free.Count(),
		LogBlocks: len(a.chain),
	}
}

// Check - verify the free set structure
func (a *Arena) Check() error {
	a.Lock()
	defer a.Unlock()

	if err := a.free.Check(); nil != err {
		return fmt.Errorf("arena %d: %w", a.hdr.index, err)
	}
	for _, addr := range a.chain {
		if a.free.Contains(addr, block.Size) {
			return fmt.Errorf("arena %d: log block 0x%x is free: %w", a.hdr.index, addr, fault.ErrExtentOverlap)
		}
	}
	return nil
}
