// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tree

import (
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/block"
)

// Store - block access needed by the tree
type Store interface {
	// Get - fetch a verified block, the caller must Release it
	Get(p block.Ptr) (*block.Block, error)

	// New - allocate a fresh dirty block, the caller must Release it
	New(t block.Type, gen int64) (*block.Block, error)

	// Write - finalise and persist a block
	Write(b *block.Block) (block.Ptr, error)

	// Free - return a block that was never visible to readers
	Free(p block.Ptr) error
}

// KillFunc - called at commit for each block that was reachable from
// the previous root and is not reachable from the new one
type KillFunc func(p block.Ptr) error

// Tree - one version of the key space
type Tree struct {
	sync.Mutex // root, height, dirty, readOnly

	wlock sync.Mutex // serialises upserts

	store Store
	kill  KillFunc
	log   *logger.L

	root     block.Ptr
	height   int
	gen      int64
	dirty    bool
	readOnly bool
}

// Create - a new empty tree
func Create(store Store, gen int64, kill KillFunc) (*Tree, error) {
	b, err := store.New(block.Leaf, gen)
	if nil != err {
		return nil, err
	}
	defer b.Release()

	p, err := store.Write(b)
	if nil != err {
		_ = store.Free(b.Ptr)
		return nil, err
	}
	t := Open(store, p, 0, gen, kill)
	t.dirty = true
	return t, nil
}

// Open - access an existing tree
func Open(store Store, root block.Ptr, height int, gen int64, kill KillFunc) *Tree {
	if nil == kill {
		kill = store.Free
	}
	return &Tree{
		store:  store,
		kill:   kill,
		log:    logger.New("tree"),
		root:   root,
		height: height,
		gen:    gen,
	}
}

// Root - current root pointer and number of pivot levels
func (t *Tree) Root() (block.Ptr, int) {
	t.Lock()
	defer t.Unlock()
	return t.root, t.height
}

// Gen - generation of blocks written by this tree
func (t *Tree) Gen() int64 {
	t.Lock()
	defer t.Unlock()
	return t.gen
}

// Exclusive - run fn with upserts on this tree excluded
func (t *Tree) Exclusive(fn func() error) error {
	t.wlock.Lock()
	defer t.wlock.Unlock()
	return fn()
}

// SetGen - move the tree to a new generation, only from inside
// Exclusive
func (t *Tree) SetGen(gen int64) {
	t.Lock()
	t.gen = gen
	t.dirty = true
	t.Unlock()
}

// Dirty - true if the root changed since the last MarkClean
func (t *Tree) Dirty() bool {
	t.Lock()
	defer t.Unlock()
	return t.dirty
}

// MarkClean - record that the current root has been saved
func (t *Tree) MarkClean(root block.Ptr) {
	t.Lock()
	if root == t.root {
		t.dirty = false
	}
	t.Unlock()
}

// SetReadOnly - freeze or thaw the tree
func (t *Tree) SetReadOnly(ro bool) {
	t.Lock()
	t.readOnly = ro
	t.Unlock()
}

// IsReadOnly - true if upserts are refused
func (t *Tree) IsReadOnly() bool {
	t.Lock()
	defer t.Unlock()
	return t.readOnly
}

// SetKill - replace the function receiving superseded blocks
func (t *Tree) SetKill(kill KillFunc) {
	t.wlock.Lock()
	t.kill = kill
	t.wlock.Unlock()
}

func (t *Tree) commit(root block.Ptr, height int) {
	t.Lock()
	t.root = root
	t.height = height
	t.dirty = true
	t.Unlock()
}
