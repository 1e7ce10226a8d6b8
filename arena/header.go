// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package arena

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

const (
	headerMagic   = "cowfsarn"
	headerVersion = 1
)

// persistent part of an arena
type header struct {
	index   int
	narena  int
	stride  int64
	base    int64
	size    int64
	head    int64
	tail    int64
	tailOff int
}

func (h *header) encode(b *block.Block) error {
	w := pack.NewWriter(b.Body())
	w.Raw([]byte(headerMagic))
	w.U32(headerVersion)
	w.U32(block.Size)
	w.U32(uint32(h.index))
	w.U32(uint32(h.narena))
	w.I64(h.stride)
	w.I64(h.base)
	w.I64(h.size)
	w.I64(h.head)
	w.I64(h.tail)
	w.U32(uint32(h.tailOff))
	return w.Err()
}

func decodeHeader(b *block.Block) (*header, error) {
	if block.Arena != b.Type {
		return nil, fmt.Errorf("arena header 0x%x is %s: %w", b.Ptr.Addr, b.Type, fault.ErrBadBlockType)
	}
	r := pack.NewReader(b.Body())
	if headerMagic != string(r.Raw(len(headerMagic))) {
		return nil, fmt.Errorf("arena header 0x%x: %w", b.Ptr.Addr, fault.ErrBadBlockType)
	}
	if headerVersion != r.U32() {
		return nil, fmt.Errorf("arena header 0x%x: %w", b.Ptr.Addr, fault.ErrWrongSuperblockVersion)
	}
	if block.Size != r.U32() {
		return nil, fmt.Errorf("arena header 0x%x: %w", b.Ptr.Addr, fault.ErrUnsupportedBlockSize)
	}
	h := &header{
		index:  int(r.U32()),
		narena: int(r.U32()),
	}
	h.stride = r.I64()
	h.base = r.I64()
	h.size = r.I64()
	h.head = r.I64()
	h.tail = r.I64()
	h.tailOff = int(r.U32())
	if err := r.Err(); nil != err {
		return nil, err
	}
	if h.narena < 1 || h.index >= h.narena || h.stride < minArenaBlocks*block.Size {
		return nil, fmt.Errorf("arena header 0x%x geometry: %w", b.Ptr.Addr, fault.ErrBadBlockType)
	}
	return h, nil
}
