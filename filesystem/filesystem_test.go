// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/cowfs/arena"
	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/dirent"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/filesystem"
	"github.com/bitmark-inc/cowfs/snapshot"
	"github.com/bitmark-inc/cowfs/storage"
	"github.com/bitmark-inc/cowfs/storage/mocks"
)

const deviceSize = 32 << 20

var errInjected = errors.New("injected device failure")

func key(i int) []byte {
	return dirent.DataKey(uint64(i), 0)
}

func value(i int, round int) []byte {
	v := fmt.Sprintf("file %d round %d ", i, round)
	for len(v) < 100 {
		v += "."
	}
	return []byte(v)
}

func formatted(t *testing.T) *storage.Memory {
	dev := storage.NewMemory(deviceSize)
	require.NoError(t, filesystem.Format(dev, filesystem.Options{Arenas: 2}), "format")
	return dev
}

func mount(t *testing.T, dev storage.Device) *filesystem.FS {
	fs, err := filesystem.Mount(dev, filesystem.Options{CacheBlocks: 64})
	require.NoError(t, err, "mount")
	return fs
}

func fill(t *testing.T, fs *filesystem.FS, tr *snapshot.Tree, n int, round int) {
	for i := 0; i < n; i += 50 {
		var msgs []block.Msg
		for j := i; j < i+50 && j < n; j += 1 {
			msgs = append(msgs, block.Msg{Op: block.OpInsert, Key: key(j), Val: value(j, round)})
		}
		require.NoError(t, fs.Upsert(tr, msgs...), "upsert from %d", i)
	}
}

func assertRound(t *testing.T, fs *filesystem.FS, tr *snapshot.Tree, n int, round int) {
	for i := 0; i < n; i += 1 {
		v, err := fs.Lookup(tr, key(i))
		require.NoError(t, err, "lookup %d", i)
		require.Equal(t, value(i, round), v, "key %d", i)
	}
}

func TestFormatAndMount(t *testing.T) {
	dev := formatted(t)
	fs := mount(t, dev)

	labels, err := fs.Labels()
	require.NoError(t, err, "labels")
	require.Len(t, labels, 1)
	assert.Equal(t, filesystem.DefaultLabel, labels[0].Name)

	tr, err := fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	fill(t, fs, tr, 1000, 1)
	require.NoError(t, fs.Sync(), "sync")
	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Check(), "check")

	s := fs.Stats()
	assert.Greater(t, s.Writes, uint64(0))
	assert.Greater(t, s.Syncs, uint64(0))
	assert.Less(t, s.Arena.Free, s.Arena.Size)
	require.NoError(t, fs.Close(), "close")

	fs = mount(t, dev)
	tr, err = fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "reopen")
	assertRound(t, fs, tr, 1000, 1)

	it := fs.Scan(tr, dirent.Prefix(dirent.Kdat))
	n := 0
	for it.Next() {
		n += 1
	}
	require.NoError(t, it.Error(), "scan")
	it.Release()
	assert.Equal(t, 1000, n)

	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Check(), "check")
	require.NoError(t, fs.Close(), "close")
}

func TestMountUnformatted(t *testing.T) {
	_, err := filesystem.Mount(storage.NewMemory(deviceSize), filesystem.Options{})
	assert.True(t, errors.Is(err, fault.ErrBadSuperblock), "mount: %v", err)
}

func TestCrashImage(t *testing.T) {
	dev := formatted(t)
	fs := mount(t, dev)

	tr, err := fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	fill(t, fs, tr, 800, 1)
	require.NoError(t, fs.Sync(), "sync")

	fill(t, fs, tr, 800, 2)
	_, err = fs.NewSnapshot(tr, "lost")
	require.NoError(t, err, "snapshot")
	fill(t, fs, tr, 800, 3)

	// as the device would be if power failed now
	image := dev.Clone()

	crashed := mount(t, image)
	t2, err := crashed.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open after crash")
	assertRound(t, crashed, t2, 800, 1)
	_, err = crashed.Open("lost")
	assert.True(t, errors.Is(err, fault.ErrLabelNotFound), "snapshot after crash: %v", err)
	require.NoError(t, crashed.CloseTree(t2), "close tree")
	require.NoError(t, crashed.Check(), "check after crash")
	require.NoError(t, crashed.Close(), "close after crash")

	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Close(), "close")
}

func TestSuperblockWriteFailure(t *testing.T) {
	mem := formatted(t)

	ctl := gomock.NewController(t)
	defer ctl.Finish()

	failing := false
	dev := mocks.NewMockDevice(ctl)
	dev.EXPECT().Size().Return(mem.Size()).AnyTimes()
	dev.EXPECT().Sync().Return(nil).AnyTimes()
	dev.EXPECT().ReadAt(gomock.Any(), gomock.Any()).DoAndReturn(mem.ReadAt).AnyTimes()
	dev.EXPECT().WriteAt(gomock.Any(), gomock.Any()).DoAndReturn(func(p []byte, off int64) (int, error) {
		if failing && (arena.SuperblockAddr(0) == off || arena.SuperblockAddr(1) == off) {
			return 0, errInjected
		}
		return mem.WriteAt(p, off)
	}).AnyTimes()

	fs := mount(t, dev)
	tr, err := fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	fill(t, fs, tr, 500, 1)
	require.NoError(t, fs.Sync(), "sync")

	fill(t, fs, tr, 500, 2)
	failing = true
	err = fs.Sync()
	assert.True(t, errors.Is(err, errInjected), "sync: %v", err)

	// logs and headers are newer than the superblock
	crashed := mount(t, mem.Clone())
	t2, err := crashed.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open after failure")
	assertRound(t, crashed, t2, 500, 1)
	require.NoError(t, crashed.CloseTree(t2), "close tree")
	require.NoError(t, crashed.Check(), "check after failure")
	require.NoError(t, crashed.Close(), "close after failure")

	// the live filesystem recovers once the device does
	failing = false
	require.NoError(t, fs.Sync(), "sync after recovery")
	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Close(), "close")

	fs = mount(t, mem)
	tr, err = fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	assertRound(t, fs, tr, 500, 2)
	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Close(), "close")
}

func TestSuperblockSlotFallback(t *testing.T) {
	dev := formatted(t)
	fs := mount(t, dev)

	tr, err := fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	fill(t, fs, tr, 300, 1)
	require.NoError(t, fs.Sync(), "sync")
	fill(t, fs, tr, 300, 2)
	require.NoError(t, fs.Sync(), "sync")
	seq := fs.Stats().Sequence

	// tear the newest slot
	garbage := make([]byte, block.Size)
	for i := range garbage {
		garbage[i] = 0x5a
	}
	image := dev.Clone()
	_, err = image.WriteAt(garbage, arena.SuperblockAddr(int(seq%2)))
	require.NoError(t, err, "overwrite slot")

	older := mount(t, image)
	assert.Equal(t, seq-1, older.Stats().Sequence)
	t2, err := older.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open older")
	assertRound(t, older, t2, 300, 1)
	require.NoError(t, older.CloseTree(t2), "close tree")
	require.NoError(t, older.Check(), "check")
	require.NoError(t, older.Close(), "close older")

	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Close(), "close")
}

func TestSnapshots(t *testing.T) {
	dev := formatted(t)
	fs := mount(t, dev)

	tr, err := fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	fill(t, fs, tr, 600, 1)
	gen, err := fs.NewSnapshot(tr, "before")
	require.NoError(t, err, "snapshot")
	fill(t, fs, tr, 600, 2)
	require.NoError(t, fs.Sync(), "sync")
	require.NoError(t, fs.Close(), "close")

	fs = mount(t, dev)
	old, err := fs.Open("before")
	require.NoError(t, err, "open snapshot")
	assert.Equal(t, gen, old.Gen())
	assertRound(t, fs, old, 600, 1)
	err = fs.Upsert(old, block.Msg{Op: block.OpInsert, Key: key(1), Val: []byte("x")})
	assert.True(t, errors.Is(err, fault.ErrReadOnly), "upsert snapshot: %v", err)

	same, err := fs.OpenGen(gen)
	require.NoError(t, err, "open by generation")
	assert.Equal(t, old, same)
	require.NoError(t, fs.CloseTree(same), "close")

	require.NoError(t, fs.Label("also-before", old), "label")
	require.NoError(t, fs.CloseTree(old), "close snapshot")
	require.NoError(t, fs.Unlabel("before"), "unlabel")

	old, err = fs.Open("also-before")
	require.NoError(t, err, "open by second label")
	assertRound(t, fs, old, 600, 1)
	require.NoError(t, fs.CloseTree(old), "close snapshot")

	require.NoError(t, fs.Unlabel("also-before"), "unlabel")
	_, err = fs.OpenGen(gen)
	assert.True(t, errors.Is(err, fault.ErrSnapshotNotFound), "open deleted: %v", err)

	descs, err := fs.Snapshots()
	require.NoError(t, err, "snapshots")
	require.Len(t, descs, 1)
	assert.Equal(t, int64(0), descs[0].Pred)

	tr, err = fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	assertRound(t, fs, tr, 600, 2)
	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Sync(), "sync")
	require.NoError(t, fs.Check(), "check")
	require.NoError(t, fs.Close(), "close")
}

func TestNextQid(t *testing.T) {
	dev := formatted(t)
	fs := mount(t, dev)

	a := fs.NextQid()
	b := fs.NextQid()
	assert.Equal(t, a+1, b)
	require.NoError(t, fs.Close(), "close")

	fs = mount(t, dev)
	assert.Equal(t, b+1, fs.NextQid(), "persisted by the last sync")
	require.NoError(t, fs.Close(), "close")
}

func TestClosed(t *testing.T) {
	dev := formatted(t)
	fs := mount(t, dev)
	tr, err := fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Close(), "close")

	assert.Equal(t, fault.ErrFilesystemClosed, fs.Close())
	assert.Equal(t, fault.ErrFilesystemClosed, fs.Sync())
	_, err = fs.Open(filesystem.DefaultLabel)
	assert.Equal(t, fault.ErrFilesystemClosed, err)
	assert.Equal(t, fault.ErrFilesystemClosed, fs.Upsert(tr, block.Msg{Op: block.OpInsert, Key: key(1), Val: []byte("x")}))

	it := fs.Scan(tr, dirent.Prefix(dirent.Kdat))
	assert.False(t, it.Next(), "scan after close")
	assert.Equal(t, fault.ErrFilesystemClosed, it.Error())
	it.Release()
}

func TestBackgroundSync(t *testing.T) {
	dev := formatted(t)
	fs, err := filesystem.Mount(dev, filesystem.Options{
		SyncInterval:    20 * time.Millisecond,
		SyncRate:        100,
		ReclaimInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err, "mount")

	tr, err := fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	fill(t, fs, tr, 200, 1)
	fs.RequestSync()

	assert.Eventually(t, func() bool {
		return fs.Stats().Syncs > 0
	}, 2*time.Second, 5*time.Millisecond, "background sync")

	image := dev.Clone()
	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Close(), "close")

	crashed := mount(t, image)
	t2, err := crashed.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	assertRound(t, crashed, t2, 200, 1)
	require.NoError(t, crashed.CloseTree(t2), "close tree")
	require.NoError(t, crashed.Close(), "close")
}

func TestCompact(t *testing.T) {
	dev := formatted(t)
	fs, err := filesystem.Mount(dev, filesystem.Options{MaxLogBlocks: 1})
	require.NoError(t, err, "mount")

	tr, err := fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	for round := 1; round <= 20; round += 1 {
		fill(t, fs, tr, 400, round)
		require.NoError(t, fs.Sync(), "sync")
	}

	_, err = fs.Compact()
	require.NoError(t, err, "compact")
	require.NoError(t, fs.Check(), "check")
	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Close(), "close")

	fs = mount(t, dev)
	tr, err = fs.Open(filesystem.DefaultLabel)
	require.NoError(t, err, "open")
	assertRound(t, fs, tr, 400, 20)
	require.NoError(t, fs.CloseTree(tr), "close tree")
	require.NoError(t, fs.Check(), "check")
	require.NoError(t, fs.Close(), "close")
}
