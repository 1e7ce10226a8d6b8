// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package snapshot - named versions of the tree and the deadlists
// that decide when their blocks can be reused
//
// Each snapshot has a generation.  Taking a snapshot freezes the
// current state under the old generation and moves the writable tree
// on to a new one, so the snapshots of one lineage form a chain
// linked by pred and succ.
//
// A block the writable tree stops using is freed at once if it was
// born after the predecessor was taken.  Otherwise it goes on one of
// the deadlists, chosen by which ancestors can still see it.  When a
// snapshot is deleted its successor inherits its deadlists and frees
// what only the deleted snapshot could see.
package snapshot
