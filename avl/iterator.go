// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package avl

// First - the lowest extent
func (tree *Tree) First() *Node {
	return tree.root.first()
}

func (p *Node) first() *Node {
	if nil == p {
		return nil
	}
	for nil != p.left {
		p = p.left
	}
	return p
}

// Last - the highest extent
func (tree *Tree) Last() *Node {
	return tree.root.last()
}

func (p *Node) last() *Node {
	if nil == p {
		return nil
	}
	for nil != p.right {
		p = p.right
	}
	return p
}

// Next - the extent above this one or nil
func (p *Node) Next() *Node {
	if nil != p.right {
		return p.right.first()
	}
	for nil != p.up && p == p.up.right {
		p = p.up
	}
	return p.up
}

// Prev - the extent below this one or nil
func (p *Node) Prev() *Node {
	if nil != p.left {
		return p.left.last()
	}
	for nil != p.up && p == p.up.left {
		p = p.up
	}
	return p.up
}
