// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package avl

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/fault"
)

// Release - add a range to the free set, merging with neighbours
//
// overlapping an existing free range is an error, it means the same
// space was freed twice
func (tree *Tree) Release(offset int64, length int64) error {
	if length <= 0 {
		return fmt.Errorf("release 0x%x+0x%x: %w", offset, length, fault.ErrExtentOverlap)
	}
	end := offset + length

	before := tree.Floor(offset)
	if nil != before && before.offset+before.length > offset {
		return fmt.Errorf("release 0x%x+0x%x: %w", offset, length, fault.ErrExtentOverlap)
	}
	after := tree.Ceiling(offset)
	if nil != after && after.offset < end {
		return fmt.Errorf("release 0x%x+0x%x: %w", offset, length, fault.ErrExtentOverlap)
	}

	joinBefore := nil != before && before.offset+before.length == offset
	joinAfter := nil != after && after.offset == end

	// keys only ever move within the gap between neighbours so the
	// order is preserved by updating them in place
	switch {
	case joinBefore && joinAfter:
		before.length += length + after.length
		tree.delete(after.offset)
	case joinBefore:
		before.length += length
	case joinAfter:
		after.offset = offset
		after.length += length
	default:
		tree.insert(offset, length)
	}
	tree.total += length
	return nil
}

// Take - remove a range that must lie within a single free extent
func (tree *Tree) Take(offset int64, length int64) error {
	p := tree.Floor(offset)
	if length <= 0 || nil == p || offset+length > p.offset+p.length {
		return fmt.Errorf("take 0x%x+0x%x: %w", offset, length, fault.ErrExtentNotFree)
	}
	head := offset - p.offset
	tail := p.offset + p.length - (offset + length)

	switch {
	case 0 == head && 0 == tail:
		tree.delete(p.offset)
	case 0 == head:
		p.offset += length
		p.length = tail
	case 0 == tail:
		p.length = head
	default:
		p.length = head
		tree.insert(offset+length, tail)
	}
	tree.total -= length
	return nil
}

// FirstFit - allocate length bytes from the lowest extent large
// enough to hold them
func (tree *Tree) FirstFit(length int64) (int64, bool) {
	for p := tree.First(); nil != p; p = p.Next() {
		if p.length >= length {
			offset := p.offset
			if err := tree.Take(offset, length); nil != err {
				return 0, false
			}
			return offset, true
		}
	}
	return 0, false
}
