// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package arena - block allocation over a set of arenas
//
// The device is split into equal arenas.  Block 0 of each arena is its
// header; arena 0 also reserves the two superblock slots.  Each arena
// keeps its free space as an extent tree in memory and records every
// change in an append-only log chain stored inside the arena itself.
//
// Mounting replays the log from its head: the free set starts empty,
// free records add ranges and alloc records remove them.  Replay stops
// at the tail block and offset recorded in the header at the last
// sync, so records appended after that sync are ignored after a crash.
//
// Log blocks are allocated without being logged; a new log block's
// first record is its own allocation.
package arena
