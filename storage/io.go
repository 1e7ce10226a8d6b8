// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
)

func readRaw(dev Device, addr int64) ([]byte, error) {
	if addr < 0 || 0 != addr%block.Size || addr+block.Size > dev.Size() {
		return nil, fmt.Errorf("read 0x%x: %w", addr, fault.ErrBadBlockType)
	}
	data := make([]byte, block.Size)
	if _, err := dev.ReadAt(data, addr); nil != err {
		return nil, err
	}
	return data, nil
}

// ReadBlock - read a self describing block (superblock, arena header
// or log) and check its embedded digest
func ReadBlock(dev Device, addr int64) (*block.Block, error) {
	data, err := readRaw(dev, addr)
	if nil != err {
		return nil, err
	}
	b, err := block.Load(data, block.Ptr{Addr: addr})
	if nil != err {
		return nil, err
	}
	if err := b.VerifySelf(); nil != err {
		return nil, err
	}
	return b, nil
}

// ReadVerified - read the block a pointer refers to and check it
// against the pointer's digest
func ReadVerified(dev Device, p block.Ptr) (*block.Block, error) {
	if p.IsNil() {
		return nil, fmt.Errorf("read nil pointer: %w", fault.ErrBadBlockType)
	}
	data, err := readRaw(dev, p.Addr)
	if nil != err {
		return nil, err
	}
	b, err := block.Load(data, p)
	if nil != err {
		return nil, err
	}
	if err := b.Verify(p); nil != err {
		return nil, err
	}
	return b, nil
}

// WriteBlock - write a block to its address
//
// tree nodes must already be finalised, log style blocks are sealed
// here so their current contents and digest go out together
func WriteBlock(dev Device, b *block.Block) error {
	if !b.Is(block.Final) {
		if !b.Type.SelfHashed() {
			return fmt.Errorf("write 0x%x: %w", b.Ptr.Addr, fault.ErrBlockNotFinal)
		}
		b.Seal()
	}
	if _, err := dev.WriteAt(b.Data, b.Ptr.Addr); nil != err {
		return fmt.Errorf("write 0x%x: %w", b.Ptr.Addr, err)
	}
	b.Clear(block.Dirty)
	return nil
}
