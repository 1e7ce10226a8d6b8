// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tree

import (
	"bytes"
	"fmt"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
)

// WalkFunc - called for each block pointer reached by Walk, level 0
// is a leaf; return false to skip the children of a pivot
type WalkFunc func(p block.Ptr, level int) (bool, error)

// Walk - visit every block reachable from the current root, parents
// before children
func (t *Tree) Walk(fn WalkFunc) error {
	root, height := t.Root()
	return walk(t.store, root, height, fn)
}

func walk(store Store, p block.Ptr, level int, fn WalkFunc) error {
	descend, err := fn(p, level)
	if nil != err || !descend || 0 == level {
		return err
	}

	b, err := store.Get(p)
	if nil != err {
		return err
	}
	children := make([]block.Ptr, b.NVal())
	for i := range children {
		children[i] = b.Val(i).Child().Ptr
	}
	b.Release()

	for _, c := range children {
		if err := walk(store, c, level-1, fn); nil != err {
			return err
		}
	}
	return nil
}

// Check - verify the structure of the whole tree
func (t *Tree) Check() error {
	root, height := t.Root()
	_, _, err := t.check(root, height, nil, nil, true)
	return err
}

// returns the value bytes and entry count of the node
func (t *Tree) check(p block.Ptr, level int, lo []byte, hi []byte, isRoot bool) (int, int, error) {
	b, err := t.store.Get(p)
	if nil != err {
		return 0, 0, err
	}
	defer b.Release()

	if err := expectType(b, level); nil != err {
		return 0, 0, err
	}
	if gen := t.Gen(); p.Gen > gen {
		return 0, 0, invariant(p, "generation %d newer than tree %d", p.Gen, gen)
	}
	n := b.NVal()
	if !isRoot && n < 2 {
		return 0, 0, invariant(p, "%d entries", n)
	}
	if level > 0 && 0 == n {
		return 0, 0, invariant(p, "empty pivot")
	}

	for i := 0; i < n; i += 1 {
		k := b.Key(i)
		if 0 == len(k) || len(k) > block.MaxKey {
			return 0, 0, invariant(p, "key %d length %d", i, len(k))
		}
		if i > 0 && bytes.Compare(b.Key(i-1), k) >= 0 {
			return 0, 0, invariant(p, "key %d out of order", i)
		}
		if nil != hi && bytes.Compare(k, hi) >= 0 {
			return 0, 0, invariant(p, "key %d above range", i)
		}
		if 0 == level && nil != lo && bytes.Compare(k, lo) < 0 {
			return 0, 0, invariant(p, "key %d below range", i)
		}
	}

	for i := 0; i < b.NBuf(); i += 1 {
		m := b.Msg(i)
		if err := m.Check(); nil != err {
			return 0, 0, invariant(p, "message %d: %s", i, err)
		}
		if i > 0 && bytes.Compare(b.Msg(i-1).Key, m.Key) > 0 {
			return 0, 0, invariant(p, "message %d out of order", i)
		}
		if nil != hi && bytes.Compare(m.Key, hi) >= 0 {
			return 0, 0, invariant(p, "message %d above range", i)
		}
	}

	if level > 0 {
		for i := 0; i < n; i += 1 {
			clo := lo
			if i > 0 {
				clo = b.Key(i)
			}
			chi := hi
			if i+1 < n {
				chi = b.Key(i + 1)
			}
			c := b.Val(i).Child()
			fill, _, err := t.check(c.Ptr, level-1, clo, chi, false)
			if nil != err {
				return 0, 0, err
			}
			if fill != int(c.Fill) {
				return 0, 0, invariant(p, "child %d fill %d, actual %d", i, c.Fill, fill)
			}
		}
	}
	return b.ValSize(), n, nil
}

func invariant(p block.Ptr, format string, args ...interface{}) error {
	return fmt.Errorf("block %s: %s: %w", p, fmt.Sprintf(format, args...), fault.ErrTreeInvariant)
}
