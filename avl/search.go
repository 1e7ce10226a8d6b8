// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package avl

// Floor - the extent with the highest offset <= offset, or nil
func (tree *Tree) Floor(offset int64) *Node {
	var best *Node
	for p := tree.root; nil != p; {
		if p.offset <= offset {
			best = p
			p = p.right
		} else {
			p = p.left
		}
	}
	return best
}

// Ceiling - the extent with the lowest offset >= offset, or nil
func (tree *Tree) Ceiling(offset int64) *Node {
	var best *Node
	for p := tree.root; nil != p; {
		if p.offset >= offset {
			best = p
			p = p.left
		} else {
			p = p.right
		}
	}
	return best
}

// Contains - true if the whole range is free
func (tree *Tree) Contains(offset int64, length int64) bool {
	p := tree.Floor(offset)
	return nil != p && offset+length <= p.offset+p.length
}
