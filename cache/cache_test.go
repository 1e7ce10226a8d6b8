// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cache_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/cache"
)

func newBlock(i int) *block.Block {
	return block.New(block.Leaf, int64(i)*block.Size, 1)
}

func TestGetPut(t *testing.T) {
	c := cache.New(4)

	assert.Nil(t, c.Get(block.Size))

	b := newBlock(1)
	assert.Equal(t, b, c.Put(b))
	assert.True(t, b.Is(block.Cached))
	b.Release()

	g := c.Get(block.Size)
	require.NotNil(t, g)
	assert.Equal(t, b, g)
	assert.Equal(t, int32(1), g.Refs())
	g.Release()

	// a duplicate insert returns the cached block
	dup := newBlock(1)
	r := c.Put(dup)
	assert.Equal(t, b, r)
	assert.False(t, dup.Is(block.Cached))
	r.Release()

	s := c.Stats()
	assert.Equal(t, 1, s.Blocks)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Nil(t, c.Check())
}

func TestEvictLeastRecentlyUsed(t *testing.T) {
	c := cache.New(3)

	for i := 1; i <= 3; i += 1 {
		c.Put(newBlock(i)).Release()
	}

	// touch 1 so that 2 is the oldest
	c.Get(1 * block.Size).Release()
	c.Put(newBlock(4)).Release()

	assert.Nil(t, c.Get(2*block.Size), "oldest block not evicted")
	for _, i := range []int{1, 3, 4} {
		b := c.Get(int64(i) * block.Size)
		require.NotNil(t, b, "block %d evicted", i)
		b.Release()
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.Nil(t, c.Check())
}

func TestHeldBlocksStay(t *testing.T) {
	c := cache.New(2)

	held := make([]*block.Block, 0, 4)
	for i := 1; i <= 4; i += 1 {
		held = append(held, c.Put(newBlock(i)))
	}
	assert.Equal(t, 4, c.Stats().Blocks, "held blocks were evicted")

	for _, b := range held {
		b.Release()
	}
	c.Shrink()
	assert.Equal(t, 2, c.Stats().Blocks)
	assert.Nil(t, c.Check())
}

func TestRemove(t *testing.T) {
	c := cache.New(8)
	b := c.Put(newBlock(5))
	c.Remove(5 * block.Size)
	assert.False(t, b.Is(block.Cached))
	assert.Nil(t, c.Get(5*block.Size))
	b.Release()

	// removing an absent address is harmless
	c.Remove(6 * block.Size)
	assert.Nil(t, c.Check())
}

func TestConcurrent(t *testing.T) {
	c := cache.New(16)
	var wg sync.WaitGroup

	for g := 0; g < 8; g += 1 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 2000; i += 1 {
				n := (i*7 + g) % 64
				if b := c.Get(int64(n) * block.Size); nil != b {
					assert.Equal(t, int64(n)*block.Size, b.Ptr.Addr)
					b.Release()
					continue
				}
				c.Put(newBlock(n)).Release()
			}
		}(g)
	}
	wg.Wait()
	c.Shrink()

	assert.Nil(t, c.Check())
	assert.True(t, c.Stats().Blocks <= 16)
}
