// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package filesystem - the owning context that ties the allocator,
// the cache, the trees and the snapshots to one device
//
// Device layout: arena 0 starts with its header followed by the two
// superblock slots.  Everything else is allocated from the arenas.
//
// A superblock names the metadata tree, which holds the snapshot
// descriptors and labels, and each descriptor names the root of a
// snapshot tree.  Sync writes the arena logs and headers and then a
// new superblock in the other slot, so a crash at any point leaves
// the state of the last completed sync.
//
// Freed blocks are held back until no reader can still be using them
// and a superblock that no longer refers to them is on disk.
package filesystem
