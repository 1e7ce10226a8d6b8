// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package arena

import (
	"github.com/bitmark-inc/cowfs/avl"
	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/storage"
)

// free records that fit in one compacted log block
const recordsPerBlock = (block.Size - block.LogHeader - chainReserve) / 16

func blocksFor(extents int) int {
	n := (extents + recordsPerBlock - 1) / recordsPerBlock
	if n < 1 {
		n = 1
	}
	return n
}

// rewrite the log as the minimal description of the free set
//
// The new chain lists the current free extents plus the blocks of the
// old chain, which are only returned to the in-memory free set once
// the header pointing at the new chain is on disk.  A crash before
// then leaves the old header and chain in force.
//
// must be called with no concurrent allocation, the caller ensures
// the in-memory state matches what was last synced
func (a *Arena) compress() error {
	a.Lock()
	defer a.Unlock()

	target := avl.New()
	for _, e := range a.free.Extents() {
		if err := target.Release(e.Offset, e.Length); nil != err {
			return err
		}
	}
	for _, addr := range a.chain {
		if err := target.Release(addr, block.Size); nil != err {
			return err
		}
	}

	// taking a block can split an extent so recheck after each one
	chain := make([]int64, 0, 2)
	for len(chain) < blocksFor(target.Count()) {
		addr, ok := a.free.FirstFit(block.Size)
		if !ok {
			a.undoTake(chain)
			return fault.ErrArenaFull
		}
		if err := target.Take(addr, block.Size); nil != err {
			fault.PanicWithError("arena compress", err)
		}
		chain = append(chain, addr)
	}

	blocks := make([]*block.Block, len(chain))
	for i, addr := range chain {
		blocks[i] = block.New(block.Log, addr, 0)
	}
	i := 0
	for _, e := range target.Extents() {
		if blocks[i].LogSpace() < 16+chainReserve {
			i += 1
		}
		blocks[i].LogAppend(block.LogEntry{Op: block.LogFree, Addr: e.Offset, Len: e.Length})
	}
	for i := 0; i < len(blocks)-1; i += 1 {
		blocks[i].LogAppend(block.LogEntry{Op: block.LogChain, Addr: chain[i+1]})
	}
	tail := blocks[len(blocks)-1]
	tail.LogAppend(block.LogEntry{Op: block.LogFlush})

	for _, b := range blocks {
		if err := storage.WriteBlock(a.dev, b); nil != err {
			a.undoTake(chain)
			return err
		}
	}
	if err := a.dev.Sync(); nil != err {
		a.undoTake(chain)
		return err
	}

	old := a.chain
	a.hdr.head = chain[0]
	a.pendingTail = tail.Ptr.Addr
	a.pendingOff = tail.LogUsed()
	if err := a.writeHeader(); nil != err {
		fault.PanicWithError("arena compress header", err)
	}
	if err := a.dev.Sync(); nil != err {
		fault.PanicWithError("arena compress sync", err)
	}

	a.chain = chain
	a.tail = tail
	for _, addr := range old {
		if err := a.free.Release(addr, block.Size); nil != err {
			fault.PanicWithError("arena compress release", err)
		}
	}
	a.log.Infof("arena %d: log compressed from %d to %d blocks", a.hdr.index, len(old), len(chain))
	return nil
}

func (a *Arena) undoTake(chain []int64) {
	for _, addr := range chain {
		if err := a.free.Release(addr, block.Size); nil != err {
			fault.PanicWithError("arena compress undo", err)
		}
	}
}
