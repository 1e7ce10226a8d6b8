// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tree

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/bitmark-inc/cowfs/block"
)

// Iterator - ordered walk over the keys of a captured root
//
// the iterator holds references to the blocks on its current path,
// Release must be called when done
type Iterator struct {
	store  Store
	root   block.Ptr
	height int
	limit  []byte

	path []*cursor
	next []byte

	key   []byte
	value []byte
	err   error
	done  bool
}

// position within one node of the path
type cursor struct {
	b   *block.Block
	idx int    // child index in a pivot, value index in a leaf
	buf int    // first buffered message not yet consumed
	hi  []byte // exclusive upper bound of the node's range, nil if none
}

// Scan - iterate over all keys with a prefix
func (t *Tree) Scan(prefix []byte) *Iterator {
	return t.ScanRange(util.BytesPrefix(prefix))
}

// ScanRange - iterate over keys in [r.Start, r.Limit)
func (t *Tree) ScanRange(r *util.Range) *Iterator {
	root, height := t.Root()
	start := r.Start
	if nil == start {
		start = []byte{}
	}
	return &Iterator{
		store:  t.store,
		root:   root,
		height: height,
		limit:  r.Limit,
		next:   start,
	}
}

// Next - advance to the next key, false at the end or on error
func (it *Iterator) Next() bool {
	if it.done || nil != it.err {
		return false
	}
	if nil == it.path {
		if err := it.descend(it.root, it.height, nil); nil != err {
			return it.fail(err)
		}
	}

	for {
		leaf := it.path[len(it.path)-1]
		for leaf.idx < leaf.b.NVal() && bytes.Compare(leaf.b.Key(leaf.idx), it.next) < 0 {
			leaf.idx += 1
		}
		for _, c := range it.path[:len(it.path)-1] {
			for c.buf < c.b.NBuf() && bytes.Compare(c.b.Msg(c.buf).Key, it.next) < 0 {
				c.buf += 1
			}
		}

		var candidate []byte
		if leaf.idx < leaf.b.NVal() {
			candidate = leaf.b.Key(leaf.idx)
		}
		for _, c := range it.path[:len(it.path)-1] {
			if c.buf >= c.b.NBuf() {
				continue
			}
			k := c.b.Msg(c.buf).Key
			if nil != leaf.hi && bytes.Compare(k, leaf.hi) >= 0 {
				continue
			}
			if nil == candidate || bytes.Compare(k, candidate) < 0 {
				candidate = k
			}
		}

		if nil == candidate {
			more, err := it.advance()
			if nil != err {
				return it.fail(err)
			}
			if !more {
				return it.finish()
			}
			continue
		}
		if nil != it.limit && bytes.Compare(candidate, it.limit) >= 0 {
			return it.finish()
		}

		var cur []byte
		present := false
		if leaf.idx < leaf.b.NVal() && bytes.Equal(leaf.b.Key(leaf.idx), candidate) {
			cur = leaf.b.Val(leaf.idx).Inline()
			present = true
		}
		for l := len(it.path) - 2; l >= 0; l -= 1 {
			c := it.path[l]
			for j := c.buf; j < c.b.NBuf(); j += 1 {
				m := c.b.Msg(j)
				if !bytes.Equal(m.Key, candidate) {
					break
				}
				var err error
				cur, present, err = Apply(m, cur, present)
				if nil != err {
					return it.fail(err)
				}
			}
		}

		it.next = append(append(make([]byte, 0, len(candidate)+1), candidate...), 0)
		if present {
			it.key = append([]byte{}, candidate...)
			it.value = append([]byte{}, cur...)
			return true
		}
	}
}

// load the nodes from p down to a leaf, following the leftmost child
// that can hold it.next
func (it *Iterator) descend(p block.Ptr, level int, hi []byte) error {
	for {
		b, err := it.store.Get(p)
		if nil != err {
			return err
		}
		if err := expectType(b, level); nil != err {
			b.Release()
			return err
		}
		c := &cursor{b: b, hi: hi}
		it.path = append(it.path, c)
		if 0 == level {
			c.idx, _ = b.Search(it.next)
			return nil
		}
		c.idx = b.ChildIndex(it.next)
		c.buf = b.BufSearch(it.next)
		hi = c.childHi()
		p = b.Val(c.idx).Child().Ptr
		level -= 1
	}
}

// upper bound of the current child of a pivot
func (c *cursor) childHi() []byte {
	if c.idx+1 < c.b.NVal() {
		k := c.b.Key(c.idx + 1)
		if nil == c.hi || bytes.Compare(k, c.hi) < 0 {
			return k
		}
	}
	return c.hi
}

// move to the next leaf
func (it *Iterator) advance() (bool, error) {
	it.pop()
	for len(it.path) > 0 {
		c := it.path[len(it.path)-1]
		if c.idx+1 < c.b.NVal() {
			lo := c.b.Key(c.idx + 1)
			if nil != it.limit && bytes.Compare(lo, it.limit) >= 0 {
				return false, nil
			}
			c.idx += 1
			level := it.height - (len(it.path) - 1) - 1
			return true, it.descend(c.b.Val(c.idx).Child().Ptr, level, c.childHi())
		}
		it.pop()
	}
	return false, nil
}

func (it *Iterator) pop() {
	n := len(it.path) - 1
	it.path[n].b.Release()
	it.path[n] = nil
	it.path = it.path[:n]
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.Release()
	return false
}

func (it *Iterator) finish() bool {
	it.done = true
	it.Release()
	return false
}

// Key - key of the current entry
func (it *Iterator) Key() []byte {
	return it.key
}

// Value - value of the current entry
func (it *Iterator) Value() []byte {
	return it.value
}

// Error - error that stopped the iteration
func (it *Iterator) Error() error {
	return it.err
}

// Release - drop all block references
func (it *Iterator) Release() {
	for len(it.path) > 0 {
		it.pop()
	}
	it.path = []*cursor{}
	it.done = true
	it.key = nil
	it.value = nil
}
