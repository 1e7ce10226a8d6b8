// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"fmt"
	"sync/atomic"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/arena"
	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/cache"
	"github.com/bitmark-inc/cowfs/counter"
	"github.com/bitmark-inc/cowfs/epoch"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/storage"
)

// a freed block waiting for readers to leave and for a superblock
// that no longer refers to it
type limbo struct {
	addr int64
	seq  uint64 // sync sequence current when freed
}

// blockStore - the block access used by the trees
type blockStore struct {
	log   *logger.L
	dev   storage.Device
	alloc *arena.Allocator
	cache *cache.Cache
	epoch *epoch.Manager

	seq     uint64 // incremented as each sync starts
	durable uint64 // sequence of the last sync to complete

	reads  counter.Counter
	writes counter.Counter
	stale  counter.Counter
	frees  counter.Counter
}

func newBlockStore(dev storage.Device, alloc *arena.Allocator, cacheBlocks int) *blockStore {
	return &blockStore{
		log:   logger.New("store"),
		dev:   dev,
		alloc: alloc,
		cache: cache.New(cacheBlocks),
		epoch: epoch.New(),
	}
}

// Get - a verified block from the cache or the device
func (s *blockStore) Get(p block.Ptr) (*block.Block, error) {
	if b := s.cache.Get(p.Addr); nil != b {
		if p.Hash == b.Ptr.Hash && b.Is(block.Final) {
			return b, nil
		}
		b.Release()
		s.stale.Increment()
		s.log.Warnf("stale cache entry: %s wanted: %s", b.Ptr, p)
		s.cache.Remove(p.Addr)
	}

	b, err := storage.ReadVerified(s.dev, p)
	if nil != err {
		return nil, err
	}
	s.reads.Increment()

	if c := s.cache.Put(b); c != b {
		b.Release()
		b = c
	}
	return b, nil
}

// New - allocate a block
func (s *blockStore) New(t block.Type, gen int64) (*block.Block, error) {
	addr, err := s.alloc.Alloc()
	if nil != err {
		return nil, err
	}
	return block.New(t, addr, gen), nil
}

// Write - finalise, persist and cache a block
func (s *blockStore) Write(b *block.Block) (block.Ptr, error) {
	p := b.Finalise()
	if err := storage.WriteBlock(s.dev, b); nil != err {
		return block.Nil, err
	}
	s.writes.Increment()

	if c := s.cache.Put(b); c != b {
		// an older block at a reused address
		c.Release()
		s.cache.Remove(p.Addr)
		if d := s.cache.Put(b); d != b {
			d.Release()
		}
	}
	return p, nil
}

// Free - queue a block for release
func (s *blockStore) Free(p block.Ptr) error {
	if p.IsNil() || 0 != p.Addr%block.Size {
		return fmt.Errorf("free %s: %w", p, fault.ErrExtentNotFree)
	}
	s.epoch.Retire(&limbo{
		addr: p.Addr,
		seq:  atomic.LoadUint64(&s.seq),
	})
	s.frees.Increment()
	return nil
}

// begin - start a sync, returns its sequence
func (s *blockStore) begin() uint64 {
	return atomic.AddUint64(&s.seq, 1)
}

// complete - the superblock of a sync is on disk
func (s *blockStore) complete(seq uint64) {
	atomic.StoreUint64(&s.durable, seq)
}

// release - return quiescent blocks to their arenas once neither
// superblock slot can refer to them
//
// a block freed while sync n runs may still be in superblock n, which
// mount falls back to if superblock n+1 is torn
func (s *blockStore) release() int {
	durable := atomic.LoadUint64(&s.durable)
	n := s.epoch.Reclaim(func(item interface{}) bool {
		l := item.(*limbo)
		if l.seq+1 >= durable {
			return false
		}
		s.cache.Remove(l.addr)
		if err := s.alloc.Free(l.addr); nil != err {
			s.log.Criticalf("release 0x%x: %s", l.addr, err)
			fault.PanicWithError("store release", err)
		}
		return true
	})
	if n > 0 {
		s.log.Debugf("released %d blocks", n)
	}
	return n
}
