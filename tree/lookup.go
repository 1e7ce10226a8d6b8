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

// Lookup - current value of a key
func (t *Tree) Lookup(key []byte) ([]byte, error) {
	root, height := t.Root()
	v, present, err := lookupAt(t.store, root, height, key)
	if nil != err {
		return nil, err
	}
	if !present {
		return nil, fmt.Errorf("%x: %w", key, fault.ErrMissingKey)
	}
	result := make([]byte, len(v))
	copy(result, v)
	return result, nil
}

// walk one path collecting the leaf value and every buffered message
// for the key, then replay the messages oldest first
func lookupAt(store Store, root block.Ptr, height int, key []byte) ([]byte, bool, error) {
	pending := make([][]block.Msg, height+1)

	var cur []byte
	present := false

	p := root
	for level := height; level >= 0; level -= 1 {
		b, err := store.Get(p)
		if nil != err {
			return nil, false, err
		}
		if err := expectType(b, level); nil != err {
			b.Release()
			return nil, false, err
		}

		if level > 0 {
			for i := b.BufSearch(key); i < b.NBuf(); i += 1 {
				m := b.Msg(i)
				if !bytes.Equal(m.Key, key) {
					break
				}
				pending[level] = append(pending[level], m)
			}
			p = b.Val(b.ChildIndex(key)).Child().Ptr
		} else if i, found := b.Search(key); found {
			cur = b.Val(i).Inline()
			present = true
		}
		b.Release()
	}

	for level := 1; level <= height; level += 1 {
		for _, m := range pending[level] {
			var err error
			cur, present, err = Apply(m, cur, present)
			if nil != err {
				return nil, false, err
			}
		}
	}
	return cur, present, nil
}

func expectType(b *block.Block, level int) error {
	want := block.Pivot
	if 0 == level {
		want = block.Leaf
	}
	if want != b.Type {
		return fmt.Errorf("block %s at level %d: %w", b.Ptr, level, fault.ErrBadBlockType)
	}
	return nil
}
