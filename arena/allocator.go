// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package arena

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/counter"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/storage"
)

// geometry limits
const (
	minArenaBlocks = 8
	ReservedBlocks = 2 // superblock slots in arena 0
)

// SuperblockAddr - address of superblock slot 0 or 1
func SuperblockAddr(slot int) int64 {
	return int64(1+slot) * block.Size
}

// Allocator - the set of arenas
type Allocator struct {
	log    *logger.L
	dev    storage.Device
	arenas []*Arena
	stride int64
	next   uint32

	allocs counter.Counter
	frees  counter.Counter
}

// Format - initialise narena arenas covering the whole device
func Format(dev storage.Device, narena int) (*Allocator, error) {
	log := logger.New("arena")

	total := dev.Size() / block.Size * block.Size
	if narena < 1 {
		narena = 1
	}
	stride := total / int64(narena) / block.Size * block.Size
	if stride < minArenaBlocks*block.Size {
		return nil, fmt.Errorf("%d arenas in %d bytes: %w", narena, total, fault.ErrDeviceTooSmall)
	}

	al := &Allocator{
		log:    log,
		dev:    dev,
		arenas: make([]*Arena, narena),
		stride: stride,
	}
	for i := 0; i < narena; i += 1 {
		h := header{
			index:  i,
			narena: narena,
			stride: stride,
			base:   int64(i) * stride,
			size:   stride,
		}
		if narena-1 == i {
			h.size = total - h.base
		}
		reserved := 0
		if 0 == i {
			reserved = ReservedBlocks
		}
		a, err := format(dev, log, h, reserved)
		if nil != err {
			return nil, err
		}
		al.arenas[i] = a
	}
	if err := dev.Sync(); nil != err {
		return nil, err
	}
	log.Infof("formatted %d arenas of %d bytes", narena, stride)
	return al, nil
}

// Load - read every arena header and replay the logs
func Load(dev storage.Device) (*Allocator, error) {
	log := logger.New("arena")

	hb, err := storage.ReadBlock(dev, 0)
	if nil != err {
		return nil, fmt.Errorf("arena 0 header: %w", err)
	}
	h, err := decodeHeader(hb)
	if nil != err {
		return nil, err
	}
	if int64(h.narena)*h.stride > dev.Size() {
		return nil, fmt.Errorf("arenas exceed device: %w", fault.ErrDeviceTooSmall)
	}

	al := &Allocator{
		log:    log,
		dev:    dev,
		arenas: make([]*Arena, h.narena),
		stride: h.stride,
	}
	for i := range al.arenas {
		a, err := load(dev, log, int64(i)*h.stride)
		if nil != err {
			return nil, err
		}
		if i != a.hdr.index || h.narena != a.hdr.narena {
			return nil, fmt.Errorf("arena %d header disagrees: %w", i, fault.ErrBadBlockType)
		}
		al.arenas[i] = a
	}
	return al, nil
}

// Alloc - allocate a block, trying each arena in turn starting from
// the next in round robin order
func (al *Allocator) Alloc() (int64, error) {
	n := uint32(len(al.arenas))
	start := atomic.AddUint32(&al.next, 1)
	for i := uint32(0); i < n; i += 1 {
		a := al.arenas[(start+i)%n]
		addr, err := a.Alloc()
		if nil == err {
			al.allocs.Increment()
			return addr, nil
		}
		if !errors.Is(err, fault.ErrArenaFull) {
			return 0, err
		}
		al.log.Debugf("arena %d full", a.hdr.index)
	}
	al.log.Warn("all arenas full")
	return 0, fault.ErrFilesystemFull
}

// Free - return a block to its arena
func (al *Allocator) Free(addr int64) error {
	a, err := al.arena(addr)
	if nil != err {
		return err
	}
	if err := a.Free(addr); nil != err {
		return err
	}
	al.frees.Increment()
	return nil
}

// IsFree - true if the block is unallocated
func (al *Allocator) IsFree(addr int64) bool {
	a, err := al.arena(addr)
	if nil != err {
		return false
	}
	return a.IsFree(addr)
}

func (al *Allocator) arena(addr int64) (*Arena, error) {
	if addr < 0 || 0 != addr%block.Size {
		return nil, fmt.Errorf("block 0x%x: %w", addr, fault.ErrExtentNotFree)
	}
	i := int(addr / al.stride)
	if i >= len(al.arenas) {
		i = len(al.arenas) - 1
	}
	a := al.arenas[i]
	if !a.owns(addr) {
		return nil, fmt.Errorf("block 0x%x beyond device: %w", addr, fault.ErrExtentNotFree)
	}
	return a, nil
}

// FlushLogs - write every arena's log tail with a sync marker
//
// the caller makes the device durable before WriteHeaders
func (al *Allocator) FlushLogs() error {
	for _, a := range al.arenas {
		a.Lock()
		err := a.flushLog()
		a.Unlock()
		if nil != err {
			return fmt.Errorf("arena %d: %w", a.hdr.index, err)
		}
	}
	return nil
}

// WriteHeaders - record the flushed log positions
func (al *Allocator) WriteHeaders() error {
	for _, a := range al.arenas {
		a.Lock()
		err := a.writeHeader()
		a.Unlock()
		if nil != err {
			return fmt.Errorf("arena %d: %w", a.hdr.index, err)
		}
	}
	return nil
}

// Compress - compact the logs of arenas whose chain is longer than
// maxLogBlocks, returns the number compacted
func (al *Allocator) Compress(maxLogBlocks int) (int, error) {
	n := 0
	for _, a := range al.arenas {
		a.Lock()
		long := len(a.chain) > maxLogBlocks
		a.Unlock()
		if !long {
			continue
		}
		if err := a.compress(); nil != err {
			return n, fmt.Errorf("arena %d: %w", a.hdr.index, err)
		}
		n += 1
	}
	return n, nil
}

// Summary - totals over all arenas
type Summary struct {
	Size   int64
	Free   int64
	Allocs uint64
	Frees  uint64
	Arenas []Stats
}

// Stats - free space of every arena
func (al *Allocator) Stats() Summary {
	s := Summary{
		Allocs: al.allocs.Uint64(),
		Frees:  al.frees.Uint64(),
		Arenas: make([]Stats, len(al.arenas)),
	}
	for i, a := range al.arenas {
		st := a.Stats()
		s.Arenas[i] = st
		s.Size += st.Size
		s.Free += st.Free
	}
	return s
}

// Check - verify every arena
func (al *Allocator) Check() error {
	for _, a := range al.arenas {
		if err := a.Check(); nil != err {
			return err
		}
	}
	return nil
}
