// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package avl

import (
	"fmt"
)

// Check - verify the structural invariants: ordering, balance,
// parent links, disjoint coalesced extents and the cached totals
func (tree *Tree) Check() error {
	if nil != tree.root && nil != tree.root.up {
		return fmt.Errorf("root has a parent")
	}
	count, total, _, err := check(tree.root)
	if nil != err {
		return err
	}
	if count != tree.count {
		return fmt.Errorf("count: expected %d actual %d", tree.count, count)
	}
	if total != tree.total {
		return fmt.Errorf("total: expected %d actual %d", tree.total, total)
	}

	var prev *Node
	for p := tree.First(); nil != p; p = p.Next() {
		if p.length <= 0 {
			return fmt.Errorf("extent 0x%x: empty", p.offset)
		}
		if nil != prev && prev.offset+prev.length >= p.offset {
			return fmt.Errorf("extents 0x%x+0x%x and 0x%x not disjoint and separated", prev.offset, prev.length, p.offset)
		}
		prev = p
	}
	return nil
}

func check(p *Node) (int, int64, int, error) {
	if nil == p {
		return 0, 0, 0, nil
	}
	if nil != p.left && (p.left.up != p || p.left.offset >= p.offset) {
		return 0, 0, 0, fmt.Errorf("node 0x%x: bad left link", p.offset)
	}
	if nil != p.right && (p.right.up != p || p.right.offset <= p.offset) {
		return 0, 0, 0, fmt.Errorf("node 0x%x: bad right link", p.offset)
	}
	lc, lt, lh, err := check(p.left)
	if nil != err {
		return 0, 0, 0, err
	}
	rc, rt, rh, err := check(p.right)
	if nil != err {
		return 0, 0, 0, err
	}
	if d := lh - rh; d < -1 || d > 1 {
		return 0, 0, 0, fmt.Errorf("node 0x%x: unbalanced %d", p.offset, d)
	}
	h := lh + 1
	if rh > lh {
		h = rh + 1
	}
	if h != p.height {
		return 0, 0, 0, fmt.Errorf("node 0x%x: height expected %d actual %d", p.offset, h, p.height)
	}
	return lc + rc + 1, lt + rt + p.length, h, nil
}
