// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snapshot

import (
	"sync"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/tree"
)

// Tree - an open snapshot
//
// the embedded tree gives lookup, upsert and scan, this adds the
// lineage and the deadlists that decide what happens to the blocks
// the tree stops using
type Tree struct {
	*tree.Tree

	mgr   *Manager
	dlock sync.Mutex // everything below

	ref    uint32 // labels naming this snapshot
	memref int    // open handles
	pred   int64
	succ   int64
	prev   [Cohorts]int64
	dead   [Cohorts]*Dlist

	changed bool // lineage or deadlists differ from the descriptor
}

func (m *Manager) newTree(d *Descriptor) *Tree {
	t := &Tree{
		mgr:  m,
		ref:  d.Ref,
		pred: d.Pred,
		succ: d.Succ,
		prev: d.Prev,
	}
	for i := 0; i < Cohorts; i += 1 {
		t.dead[i] = loadDlist(d.Dead[i].Head, d.Dead[i].Count)
	}
	t.Tree = tree.Open(m.store, d.Root, d.Height, d.Gen, t.kill)
	t.Tree.SetReadOnly(d.Frozen())
	return t
}

// Refs - number of labels naming the snapshot
func (t *Tree) Refs() uint32 {
	t.dlock.Lock()
	defer t.dlock.Unlock()
	return t.ref
}

// Lineage - generations of the neighbouring snapshots, 0 for none
func (t *Tree) Lineage() (pred int64, succ int64) {
	t.dlock.Lock()
	defer t.dlock.Unlock()
	return t.pred, t.succ
}

// kill - dispose of a block the tree no longer references
//
// a block born after the predecessor was taken is seen by nobody else
// and is freed at once, anything older is still visible in some
// ancestor and goes on the deadlist of the youngest ancestor that
// can see it
func (t *Tree) kill(p block.Ptr) error {
	t.dlock.Lock()
	defer t.dlock.Unlock()
	return t.killLocked(p)
}

func (t *Tree) killLocked(p block.Ptr) error {
	if p.Gen > t.prev[0] {
		return t.mgr.store.Free(p)
	}
	i := 0
	for ; i < Cohorts-1; i += 1 {
		if p.Gen > t.prev[i+1] {
			break
		}
	}
	t.changed = true
	return t.dead[i].kill(t.mgr.store, t.Gen(), p)
}

// describe - the descriptor for the current state, with upserts
// excluded by the caller
func (t *Tree) describe() (*Descriptor, error) {
	t.dlock.Lock()
	defer t.dlock.Unlock()

	for _, d := range t.dead {
		if err := d.flush(t.mgr.store); nil != err {
			return nil, err
		}
	}

	root, height := t.Root()
	d := &Descriptor{
		Ref:    t.ref,
		Height: height,
		Gen:    t.Gen(),
		Pred:   t.pred,
		Succ:   t.succ,
		Root:   root,
		Prev:   t.prev,
	}
	for i, l := range t.dead {
		d.Dead[i] = DeadHead{Head: l.Head(), Count: l.Count()}
	}
	return d, nil
}

// capture - a consistent descriptor of a tree that may be in use
func (t *Tree) capture() (*Descriptor, error) {
	var d *Descriptor
	err := t.Exclusive(func() error {
		var err error
		d, err = t.describe()
		return err
	})
	return d, err
}

// saved - the descriptor was written to the metadata tree
func (t *Tree) saved(d *Descriptor) {
	t.dlock.Lock()
	t.changed = false
	t.dlock.Unlock()
	t.MarkClean(d.Root)
}

// needsFlush - true if the descriptor is stale
func (t *Tree) needsFlush() bool {
	if t.Dirty() {
		return true
	}
	t.dlock.Lock()
	defer t.dlock.Unlock()
	if t.changed {
		return true
	}
	for _, d := range t.dead {
		if d.Dirty() {
			return true
		}
	}
	return false
}
