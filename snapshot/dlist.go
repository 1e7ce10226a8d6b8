// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snapshot

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/tree"
)

// Dlist - a chain of dead blocks, newest first
//
// records are appended to an unwritten head block which replaces the
// persisted head when flushed, so a full block is only ever chained
// behind a newer one
type Dlist struct {
	head  block.Ptr    // newest persisted block
	count int64        // kill records, including grafted chains
	cur   *block.Block // unwritten head, nil if clean
	old   block.Ptr    // persisted head replaced by cur
}

// newDlist - an empty list
func newDlist() *Dlist {
	return &Dlist{
		head: block.Nil,
		old:  block.Nil,
	}
}

// loadDlist - a list read from a descriptor
func loadDlist(head block.Ptr, count int64) *Dlist {
	return &Dlist{
		head:  head,
		count: count,
		old:   block.Nil,
	}
}

// Head - the persisted head, only meaningful after a flush
func (d *Dlist) Head() block.Ptr { return d.head }

// Count - number of killed blocks on the list
func (d *Dlist) Count() int64 { return d.count }

// Empty - true if nothing was ever added
func (d *Dlist) Empty() bool {
	return nil == d.cur && d.head.IsNil()
}

// Dirty - true if there are unwritten records
func (d *Dlist) Dirty() bool {
	return nil != d.cur
}

// kill - record a block that died
func (d *Dlist) kill(store tree.Store, gen int64, p block.Ptr) error {
	err := d.append(store, gen, block.LogEntry{Op: block.DeadKill, Addr: p.Addr, Gen: p.Gen})
	if nil != err {
		return err
	}
	d.count += 1
	return nil
}

// graft - splice the whole of another list onto this one
//
// the other list must be flushed and is owned by this list afterwards
func (d *Dlist) graft(store tree.Store, gen int64, other *Dlist) error {
	if other.Dirty() {
		return fmt.Errorf("graft of unflushed list: %w", fault.ErrWrongSnapshotRecord)
	}
	if other.head.IsNil() {
		return nil
	}
	err := d.append(store, gen, block.LogEntry{
		Op:   block.DeadGraft,
		Addr: other.head.Addr,
		Hash: other.head.Hash,
		Gen:  other.head.Gen,
	})
	if nil != err {
		return err
	}
	d.count += other.count
	return nil
}

func (d *Dlist) append(store tree.Store, gen int64, e block.LogEntry) error {
	if nil != d.cur && d.cur.LogSpace() < e.Size() {
		if err := d.flush(store); nil != err {
			return err
		}
	}
	if nil == d.cur {
		if err := d.open(store, gen, e.Size()); nil != err {
			return err
		}
	}
	d.cur.LogAppend(e)
	return nil
}

// start a mutable head, copying the persisted head when it has room
func (d *Dlist) open(store tree.Store, gen int64, need int) error {
	nb, err := store.New(block.Dead, gen)
	if nil != err {
		return err
	}
	if d.head.IsNil() {
		nb.SetPrev(block.Nil)
		d.cur = nb
		return nil
	}

	hb, err := store.Get(d.head)
	if nil != err {
		nb.Release()
		_ = store.Free(nb.Ptr)
		return err
	}
	defer hb.Release()

	if hb.LogSpace() < need {
		nb.SetPrev(d.head)
		d.cur = nb
		return nil
	}
	d.cur = hb.Reopen(nb.Ptr.Addr, gen)
	d.old = d.head
	nb.Release()
	return nil
}

// flush - write the mutable head
func (d *Dlist) flush(store tree.Store) error {
	if nil == d.cur {
		return nil
	}
	p, err := store.Write(d.cur)
	if nil != err {
		return err
	}
	if !d.old.IsNil() {
		if err := store.Free(d.old); nil != err {
			return err
		}
		d.old = block.Nil
	}
	d.cur.Release()
	d.cur = nil
	d.head = p
	return nil
}

// walk - visit every block of the list and of the chains grafted onto
// it, the in-memory head first
func (d *Dlist) walk(store tree.Store, fn func(b *block.Block) error) error {
	var pending []block.Ptr

	visit := func(b *block.Block) (block.Ptr, error) {
		entries, err := b.LogEntries(-1)
		if nil != err {
			return block.Nil, err
		}
		for _, e := range entries {
			if block.DeadGraft == e.Op {
				pending = append(pending, e.GraftPtr())
			}
		}
		if err := fn(b); nil != err {
			return block.Nil, err
		}
		return b.Prev(), nil
	}

	next := d.head
	if nil != d.cur {
		p, err := visit(d.cur)
		if nil != err {
			return err
		}
		next = p
	}

	for {
		for next.IsNil() {
			n := len(pending)
			if 0 == n {
				return nil
			}
			next = pending[n-1]
			pending = pending[:n-1]
		}
		b, err := store.Get(next)
		if nil != err {
			return err
		}
		if block.Dead != b.Type {
			b.Release()
			return fmt.Errorf("deadlist block %s is %s: %w", next, b.Type, fault.ErrBadBlockType)
		}
		next, err = visit(b)
		b.Release()
		if nil != err {
			return err
		}
	}
}

// scan - call fn for every killed block
func (d *Dlist) scan(store tree.Store, fn func(p block.Ptr) error) error {
	return d.walk(store, func(b *block.Block) error {
		entries, err := b.LogEntries(-1)
		if nil != err {
			return err
		}
		for _, e := range entries {
			if block.DeadKill != e.Op {
				continue
			}
			if err := fn(block.Ptr{Addr: e.Addr, Gen: e.Gen}); nil != err {
				return err
			}
		}
		return nil
	})
}

// storage - the blocks holding the list, not the blocks it records
//
// the list must not be used afterwards
func (d *Dlist) storage(store tree.Store) ([]block.Ptr, error) {
	var chain []block.Ptr
	err := d.walk(store, func(b *block.Block) error {
		chain = append(chain, b.Ptr)
		return nil
	})
	if nil != err {
		return nil, err
	}
	if !d.old.IsNil() {
		chain = append(chain, d.old)
	}
	if nil != d.cur {
		d.cur.Release()
	}
	d.head = block.Nil
	d.old = block.Nil
	d.cur = nil
	d.count = 0
	return chain, nil
}
