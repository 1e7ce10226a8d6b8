// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage_test

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/storage"
	"github.com/bitmark-inc/cowfs/storage/mocks"
)

func leaf(addr int64) *block.Block {
	b := block.New(block.Leaf, addr, 1)
	b.AppendVal(block.Kvp{Key: []byte("k"), Val: block.Inline("v")})
	return b
}

func TestWriteReadVerified(t *testing.T) {
	dev := storage.NewMemory(8 * block.Size)

	b := leaf(2 * block.Size)
	assert.True(t, fault.IsErrInvalid(storage.WriteBlock(dev, b)), "unfinalised node written")

	p := b.Finalise()
	require.Nil(t, storage.WriteBlock(dev, b))
	assert.False(t, b.Is(block.Dirty))

	r, err := storage.ReadVerified(dev, p)
	require.Nil(t, err)
	assert.Equal(t, []byte("v"), r.Val(0).Inline())

	wrong := p
	wrong.Hash += 1
	_, err = storage.ReadVerified(dev, wrong)
	assert.True(t, fault.IsErrRecord(err))

	_, err = storage.ReadVerified(dev, block.Ptr{Addr: 100, Hash: p.Hash})
	assert.NotNil(t, err, "unaligned address accepted")
}

func TestSelfDescribing(t *testing.T) {
	dev := storage.NewMemory(4 * block.Size)

	b := block.New(block.Log, block.Size, 1)
	b.LogAppend(block.LogEntry{Op: block.LogAlloc1, Addr: 3 * block.Size})
	require.Nil(t, storage.WriteBlock(dev, b))
	assert.False(t, b.Is(block.Final), "log block frozen by write")

	r, err := storage.ReadBlock(dev, block.Size)
	require.Nil(t, err)
	assert.Equal(t, block.Log, r.Type)
	assert.Equal(t, b.Ptr.Hash, r.Ptr.Hash)

	// a node is not self describing
	n := leaf(2 * block.Size)
	n.Finalise()
	require.Nil(t, storage.WriteBlock(dev, n))
	_, err = storage.ReadBlock(dev, 2*block.Size)
	assert.True(t, fault.IsErrRecord(err))
}

func TestDeviceErrors(t *testing.T) {
	ctl := gomock.NewController(t)
	defer ctl.Finish()

	failure := errors.New("media error")
	dev := mocks.NewMockDevice(ctl)
	dev.EXPECT().Size().Return(int64(16 * block.Size)).AnyTimes()
	dev.EXPECT().ReadAt(gomock.Any(), int64(4*block.Size)).Return(0, failure)
	dev.EXPECT().WriteAt(gomock.Any(), int64(5*block.Size)).Return(0, failure)

	_, err := storage.ReadVerified(dev, block.Ptr{Addr: 4 * block.Size})
	assert.True(t, errors.Is(err, failure))

	b := leaf(5 * block.Size)
	b.Finalise()
	err = storage.WriteBlock(dev, b)
	assert.True(t, errors.Is(err, failure))
	assert.True(t, b.Is(block.Dirty), "failed write must leave the block dirty")
}

func TestFileDevice(t *testing.T) {
	dir, err := ioutil.TempDir("", "cowfs-storage")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	name := filepath.Join(dir, "image")
	f, err := storage.OpenFile(name, 4*block.Size)
	require.Nil(t, err)
	assert.Equal(t, int64(4*block.Size), f.Size())

	_, err = storage.OpenFile(name, 0)
	assert.True(t, fault.IsErrProcess(err), "second open not locked out: %v", err)

	b := leaf(block.Size)
	p := b.Finalise()
	require.Nil(t, storage.WriteBlock(f, b))
	require.Nil(t, f.Sync())
	require.Nil(t, f.Close())

	f, err = storage.OpenFile(name, 0)
	require.Nil(t, err)
	defer f.Close()

	r, err := storage.ReadVerified(f, p)
	require.Nil(t, err)
	assert.Equal(t, []byte("k"), r.Key(0))

	_, err = storage.OpenFile(filepath.Join(dir, "missing"), 0)
	assert.NotNil(t, err)
}
