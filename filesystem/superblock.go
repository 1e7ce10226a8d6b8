// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"bytes"
	"fmt"

	"github.com/bitmark-inc/cowfs/arena"
	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
	"github.com/bitmark-inc/cowfs/storage"
)

const (
	superVersion = 1
	superSlots   = 2
)

var superMagic = []byte("cowfs\x00sb")

// the root of everything, written alternately to two slots
type superblock struct {
	seq        uint64
	metaRoot   block.Ptr
	metaHeight int
	nextGen    int64
	nextQid    uint64
}

func (sb *superblock) slot() int {
	return int(sb.seq % superSlots)
}

func (sb *superblock) encode() (*block.Block, error) {
	b := block.New(block.Super, arena.SuperblockAddr(sb.slot()), 0)
	w := pack.NewWriter(b.Body())
	w.Raw(superMagic)
	w.U32(superVersion)
	w.U64(sb.seq)
	block.WritePtr(w, sb.metaRoot)
	w.U32(uint32(sb.metaHeight))
	w.I64(sb.nextGen)
	w.U64(sb.nextQid)
	if nil != w.Err() {
		return nil, w.Err()
	}
	return b, nil
}

func decodeSuperblock(b *block.Block) (*superblock, error) {
	if block.Super != b.Type {
		return nil, fmt.Errorf("superblock 0x%x is %s: %w", b.Ptr.Addr, b.Type, fault.ErrBadSuperblock)
	}
	r := pack.NewReader(b.Body())
	if !bytes.Equal(superMagic, r.Raw(len(superMagic))) {
		return nil, fmt.Errorf("superblock 0x%x magic: %w", b.Ptr.Addr, fault.ErrBadSuperblock)
	}
	if v := r.U32(); superVersion != v {
		return nil, fmt.Errorf("superblock 0x%x version %d: %w", b.Ptr.Addr, v, fault.ErrWrongSuperblockVersion)
	}
	sb := &superblock{
		seq:        r.U64(),
		metaRoot:   block.ReadPtr(r),
		metaHeight: int(r.U32()),
		nextGen:    r.I64(),
		nextQid:    r.U64(),
	}
	if nil != r.Err() {
		return nil, r.Err()
	}
	if sb.slot() != int(b.Ptr.Addr/block.Size)-1 {
		return nil, fmt.Errorf("superblock 0x%x sequence %d in wrong slot: %w", b.Ptr.Addr, sb.seq, fault.ErrBadSuperblock)
	}
	return sb, nil
}

// readSuperblock - the valid slot with the highest sequence
func readSuperblock(dev storage.Device) (*superblock, error) {
	var best *superblock
	for slot := 0; slot < superSlots; slot += 1 {
		b, err := storage.ReadBlock(dev, arena.SuperblockAddr(slot))
		if nil != err {
			continue
		}
		sb, err := decodeSuperblock(b)
		if nil != err {
			continue
		}
		if nil == best || sb.seq > best.seq {
			best = sb
		}
	}
	if nil == best {
		return nil, fault.ErrBadSuperblock
	}
	return best, nil
}

func writeSuperblock(dev storage.Device, sb *superblock) error {
	b, err := sb.encode()
	if nil != err {
		return err
	}
	return storage.WriteBlock(dev, b)
}
