// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package avl

// remove the node with the given offset, which must exist
func (tree *Tree) delete(offset int64) {
	tree.root = del(tree.root, offset)
	if nil != tree.root {
		tree.root.up = nil
	}
	tree.count -= 1
}

func del(p *Node, offset int64) *Node {
	switch {
	case offset < p.offset:
		p.left = del(p.left, offset)
		if nil != p.left {
			p.left.up = p
		}
	case offset > p.offset:
		p.right = del(p.right, offset)
		if nil != p.right {
			p.right.up = p
		}
	default:
		if nil == p.left {
			return p.right
		}
		if nil == p.right {
			return p.left
		}
		// replace by the in-order successor's range and remove
		// the successor from the right sub-tree instead
		s := p.right.first()
		p.offset = s.offset
		p.length = s.length
		p.right = del(p.right, s.offset)
		if nil != p.right {
			p.right.up = p
		}
	}
	return rebalance(p)
}
