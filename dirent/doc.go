// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dirent - tree key layout and directory records
//
// All keys start with a one byte kind so that each kind occupies its
// own contiguous range of the tree:
//
//   Kdat    path  offset      -> block pointer of file data
//   Kent    parent  name      -> directory record
//   Ksnap   generation        -> tree descriptor
//   Klabel  name              -> generation
//   Kup     path              -> parent path
//
// Integers in keys are big endian so byte order equals numeric order.
package dirent
