// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package tree - copy on write Bε-tree
//
// Pivots hold separator keys with child pointers and a buffer of
// messages still on their way down.  Leaves hold resolved values.
// Nothing reachable from a committed root is ever modified: an upsert
// builds replacement nodes and then swaps the root.
//
// Messages move downwards, so for any key the leaf holds the oldest
// state, the deepest buffer the next oldest and the root buffer the
// newest.
package tree
