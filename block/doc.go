// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package block - in memory block representation and the codecs for
// every on-disk block type
//
// Every block is Size bytes.  The common header is:
//
//   [0:8]   self digest (zero for tree nodes, whose digest lives in the
//           parent's pointer)
//   [8:10]  block type
//
// Tree nodes continue with:
//
//   [10:12] number of values     [12:14] bytes used by values
//   [14:16] number of messages   [16:18] bytes used by messages
//   [18:24] reserved
//
// followed by the value region and, for pivots, the message buffer
// region.  Each region is an array of two byte offsets growing forward
// from its start and a heap of packed entries growing backward from
// its end.
//
// Log and deadlist blocks continue with:
//
//   [10:12] bytes of records in use
//   [16:40] previous (older) block, deadlists only
//
// followed by packed log records.
package block
