// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage - the block device and verified block transfer
//
// The filesystem core only needs positioned reads and writes, the
// device size and a durability barrier.  A Device can be a regular
// file, a raw disk or memory (for tests).
//
// Blocks are only written once finalised (or sealed for log style
// blocks) and are always checked against a digest when read back.
package storage
