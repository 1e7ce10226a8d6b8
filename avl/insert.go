// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package avl

func height(p *Node) int {
	if nil == p {
		return 0
	}
	return p.height
}

func (p *Node) fixHeight() {
	l := height(p.left)
	r := height(p.right)
	if l > r {
		p.height = l + 1
	} else {
		p.height = r + 1
	}
}

// right rotation, the left child becomes the sub-tree root
func rotateRight(p *Node) *Node {
	l := p.left
	p.left = l.right
	if nil != p.left {
		p.left.up = p
	}
	l.right = p
	l.up = p.up
	p.up = l
	p.fixHeight()
	l.fixHeight()
	return l
}

// left rotation, the right child becomes the sub-tree root
func rotateLeft(p *Node) *Node {
	r := p.right
	p.right = r.left
	if nil != p.right {
		p.right.up = p
	}
	r.left = p
	r.up = p.up
	p.up = r
	p.fixHeight()
	r.fixHeight()
	return r
}

// restore the balance of a sub-tree whose children differ in height
// by at most two
func rebalance(p *Node) *Node {
	p.fixHeight()
	switch d := height(p.left) - height(p.right); {
	case d > 1:
		if height(p.left.left) < height(p.left.right) {
			p.left = rotateLeft(p.left) // LR case
		}
		return rotateRight(p)
	case d < -1:
		if height(p.right.right) < height(p.right.left) {
			p.right = rotateRight(p.right) // RL case
		}
		return rotateLeft(p)
	}
	return p
}

// insert a new extent node, the caller guarantees it does not overlap
func (tree *Tree) insert(offset int64, length int64) {
	n := &Node{
		offset: offset,
		length: length,
		height: 1,
	}
	tree.root = insert(tree.root, n)
	tree.root.up = nil
	tree.count += 1
}

func insert(p *Node, n *Node) *Node {
	if nil == p {
		return n
	}
	if n.offset < p.offset {
		p.left = insert(p.left, n)
		p.left.up = p
	} else {
		p.right = insert(p.right, n)
		p.right.up = p
	}
	return rebalance(p)
}
