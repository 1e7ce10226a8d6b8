// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/blockdigest"
	"github.com/bitmark-inc/cowfs/counter"
)

const shardCount = 64

type entry struct {
	blk    *block.Block
	lru    *list.Element
	linked bool
}

type shard struct {
	sync.RWMutex
	index map[int64]*entry
}

// Stats - cache counters
type Stats struct {
	Blocks    int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache - block cache
type Cache struct {
	sync.Mutex // LRU lock

	log      *logger.L
	shards   [shardCount]shard
	lru      *list.List
	capacity int

	hits      counter.Counter
	misses    counter.Counter
	evictions counter.Counter
}

// New - create a cache holding up to capacity unreferenced blocks
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		log:      logger.New("cache"),
		lru:      list.New(),
		capacity: capacity,
	}
	for i := range c.shards {
		c.shards[i].index = make(map[int64]*entry)
	}
	c.log.Infof("capacity: %d blocks", capacity)
	return c
}

func (c *Cache) shard(addr int64) *shard {
	return &c.shards[blockdigest.Bucket(addr)%shardCount]
}

// Get - find a cached block, the result is held and must be released
func (c *Cache) Get(addr int64) *block.Block {
	s := c.shard(addr)

	s.RLock()
	e, ok := s.index[addr]
	var b *block.Block
	if ok {
		// hold under the shard lock so eviction cannot race
		b = e.blk.Hold()
	}
	s.RUnlock()

	if !ok {
		c.misses.Increment()
		return nil
	}
	c.hits.Increment()

	c.Lock()
	if e.linked {
		c.lru.MoveToFront(e.lru)
	}
	c.Unlock()

	return b
}

// Put - add a block, which the caller holds
//
// if the address is already cached the existing block is returned
// held and the caller should use it in place of its own
func (c *Cache) Put(b *block.Block) *block.Block {
	addr := b.Ptr.Addr
	s := c.shard(addr)

	c.Lock()
	defer c.Unlock()

	s.Lock()
	if e, ok := s.index[addr]; ok {
		existing := e.blk.Hold()
		s.Unlock()
		c.lru.MoveToFront(e.lru)
		return existing
	}
	e := &entry{
		blk:    b,
		linked: true,
	}
	e.lru = c.lru.PushFront(e)
	s.index[addr] = e
	b.Set(block.Cached)
	s.Unlock()

	c.evict()
	return b
}

// Remove - drop a block from the cache, typically because its
// address is being reused
func (c *Cache) Remove(addr int64) {
	s := c.shard(addr)

	c.Lock()
	defer c.Unlock()

	s.Lock()
	e, ok := s.index[addr]
	if ok {
		delete(s.index, addr)
	}
	s.Unlock()

	if ok {
		c.unlink(e)
	}
}

// must hold the LRU lock
func (c *Cache) unlink(e *entry) {
	c.lru.Remove(e.lru)
	e.linked = false
	e.blk.Clear(block.Cached)
}

// must hold the LRU lock
func (c *Cache) evict() {
	for el := c.lru.Back(); nil != el && c.lru.Len() > c.capacity; {
		e := el.Value.(*entry)
		prev := el.Prev()

		s := c.shard(e.blk.Ptr.Addr)
		s.Lock()
		if 0 == e.blk.Refs() {
			delete(s.index, e.blk.Ptr.Addr)
			s.Unlock()
			c.unlink(e)
			c.evictions.Increment()
		} else {
			s.Unlock()
		}
		el = prev
	}
	if c.lru.Len() > c.capacity {
		c.log.Debugf("over capacity: %d/%d blocks all held", c.lru.Len(), c.capacity)
	}
}

// Shrink - evict unreferenced blocks down to capacity
func (c *Cache) Shrink() {
	c.Lock()
	c.evict()
	c.Unlock()
}

// Stats - snapshot of the counters
func (c *Cache) Stats() Stats {
	c.Lock()
	n := c.lru.Len()
	c.Unlock()

	return Stats{
		Blocks:    n,
		Capacity:  c.capacity,
		Hits:      c.hits.Uint64(),
		Misses:    c.misses.Uint64(),
		Evictions: c.evictions.Uint64(),
	}
}

// Check - verify the membership invariants
func (c *Cache) Check() error {
	c.Lock()
	defer c.Unlock()

	indexed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.RLock()
		for addr, e := range s.index {
			if !e.linked || !e.blk.Is(block.Cached) || addr != e.blk.Ptr.Addr {
				s.RUnlock()
				return fmt.Errorf("indexed block 0x%x not on lru", addr)
			}
		}
		indexed += len(s.index)
		s.RUnlock()
	}
	if indexed != c.lru.Len() {
		return fmt.Errorf("indexed: %d  lru: %d", indexed, c.lru.Len())
	}
	return nil
}
