// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package avl

// Extent - a free range
type Extent struct {
	Offset int64
	Length int64
}

// End - first byte after the extent
func (e Extent) End() int64 {
	return e.Offset + e.Length
}

// Node - a single extent in the tree
//
// node pointers are only valid until the next modification
type Node struct {
	offset int64
	length int64
	left   *Node
	right  *Node
	up     *Node
	height int
}

// Tree - type to hold the root node of a tree
type Tree struct {
	root  *Node
	count int
	total int64
}

// New - create an initially empty tree
func New() *Tree {
	return &Tree{}
}

// IsEmpty - true if there is no free space
func (tree *Tree) IsEmpty() bool {
	return nil == tree.root
}

// Count - number of extents currently in the tree
func (tree *Tree) Count() int {
	return tree.count
}

// Total - sum of all extent lengths
func (tree *Tree) Total() int64 {
	return tree.total
}

// Extent - read the range held by a node
func (p *Node) Extent() Extent {
	return Extent{Offset: p.offset, Length: p.length}
}

// Extents - all extents in ascending order
func (tree *Tree) Extents() []Extent {
	list := make([]Extent, 0, tree.count)
	for p := tree.First(); nil != p; p = p.Next() {
		list = append(list, p.Extent())
	}
	return list
}
