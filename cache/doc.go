// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cache - in memory cache of blocks keyed by device address
//
//  ***** Data Structure *****
//
//   address --xxhash--> shard[i].index -----> entry ---> *block.Block
//                                               ^
//   lru (most recent at front) <----------------+
//
//  ***** Invariants *****
//
//  an entry is on the LRU list  <=>  it is in its shard's index
//                               <=>  its block has the Cached flag
//
//  only blocks nobody holds (reference count zero) are evicted, so the
//  cache may exceed its capacity while every block is in use
//
//  ***** Locking *****
//
//  lookups take only the shard read lock; anything that changes
//  membership takes the LRU lock and then the shard lock
package cache
