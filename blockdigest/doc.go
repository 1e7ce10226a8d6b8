// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockdigest - block checksums and cache bucket hashing
//
// Block contents are protected by a keyed SipHash-2-4 digest.  The
// digest of a tree node is stored in the pointer that refers to it,
// the self describing blocks (superblock, arena headers and logs)
// carry their own digest in their first eight bytes.
//
// Cache placement uses the much cheaper xxhash of the block address.
package blockdigest
