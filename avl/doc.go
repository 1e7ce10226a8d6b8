// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package avl - AVL balanced tree of free extents
//
// Each node is a disjoint [offset, offset+length) range.  Adjacent
// ranges are always coalesced so the tree is the minimal description
// of the free space it holds.  Nodes keep a link to their parent so
// the set can be walked in order without a stack.
//
// The tree is not locked, the owning arena serialises access.
package avl
