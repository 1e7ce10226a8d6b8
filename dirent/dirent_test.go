// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dirent_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/cowfs/dirent"
	"github.com/bitmark-inc/cowfs/fault"
)

func TestKeyOrdering(t *testing.T) {
	// numeric order of offsets must match byte order of keys
	a := dirent.DataKey(7, 255)
	b := dirent.DataKey(7, 256)
	c := dirent.DataKey(8, 0)
	assert.True(t, bytes.Compare(a, b) < 0)
	assert.True(t, bytes.Compare(b, c) < 0)

	// each kind is a separate range
	assert.True(t, bytes.Compare(dirent.DataKey(^uint64(0), ^uint64(0)), dirent.EntryKey(0, "a")) < 0)
	assert.True(t, bytes.Compare(dirent.EntryKey(^uint64(0), "zzz"), dirent.SnapKey(0)) < 0)
	assert.True(t, bytes.HasPrefix(dirent.EntryKey(3, "file"), dirent.EntryPrefix(3)))
	assert.False(t, bytes.HasPrefix(dirent.EntryKey(4, "file"), dirent.EntryPrefix(3)))
	assert.True(t, bytes.HasPrefix(dirent.LabelKey("main"), dirent.Prefix(dirent.Klabel)))
}

func TestParseKeys(t *testing.T) {
	p, o, err := dirent.ParseDataKey(dirent.DataKey(12, 34))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), p)
	assert.Equal(t, uint64(34), o)

	parent, name, err := dirent.ParseEntryKey(dirent.EntryKey(5, "hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), parent)
	assert.Equal(t, "hello", name)

	gen, err := dirent.ParseSnapKey(dirent.SnapKey(99))
	require.NoError(t, err)
	assert.Equal(t, int64(99), gen)

	label, err := dirent.ParseLabelKey(dirent.LabelKey("main"))
	require.NoError(t, err)
	assert.Equal(t, "main", label)

	_, err = dirent.ParseSnapKey(dirent.LabelKey("x"))
	assert.True(t, fault.IsErrRecord(err))

	g, err := dirent.ParseGenValue(dirent.GenValue(1234))
	require.NoError(t, err)
	assert.Equal(t, int64(1234), g)

	assert.Equal(t, dirent.Kup, dirent.KindOf(dirent.UpKey(1)))
	assert.Equal(t, "ent 5/\"x\"", dirent.FormatKey(dirent.EntryKey(5, "x")))
	assert.Equal(t, "snap 3", dirent.FormatKey(dirent.SnapKey(3)))
}

func TestCheckName(t *testing.T) {
	assert.NoError(t, dirent.CheckName("ok"))
	assert.True(t, fault.IsErrInvalid(dirent.CheckName("")))
	assert.True(t, fault.IsErrInvalid(dirent.CheckName("a/b")))
	assert.True(t, fault.IsErrLength(dirent.CheckName(strings.Repeat("x", dirent.MaxName+1))))
	assert.NoError(t, dirent.CheckName(strings.Repeat("x", dirent.MaxName)))
}

func TestDirRecord(t *testing.T) {
	d := &dirent.Dir{
		Qid:    dirent.Qid{Path: 42, Vers: 3, Type: dirent.QTDir},
		Mode:   dirent.DMDir | 0755,
		Atime:  1000,
		Mtime:  2000,
		Length: 0,
		Uid:    1,
		Gid:    2,
		Muid:   3,
		Name:   "dir",
	}
	buf, err := d.Pack()
	require.NoError(t, err)
	assert.Equal(t, d.PackedLen(), len(buf))

	d2, err := dirent.UnpackDir(buf)
	require.NoError(t, err)
	assert.Equal(t, d, d2)
	assert.True(t, d2.IsDir())

	_, err = dirent.UnpackDir(buf[:len(buf)-1])
	assert.True(t, fault.IsErrRecord(err))

	_, err = dirent.UnpackDir(append(buf, 0))
	assert.True(t, fault.IsErrRecord(err))
}

func TestWstat(t *testing.T) {
	d := &dirent.Dir{
		Qid:  dirent.Qid{Path: 9, Vers: 0},
		Mode: 0644,
		Uid:  5,
		Name: "file",
	}
	buf, err := d.Pack()
	require.NoError(t, err)

	s := &dirent.Wstat{Mask: dirent.WLength | dirent.WMtime, Length: 8192, Mtime: 77}
	patched, err := dirent.ApplyPacked(buf, s.Pack())
	require.NoError(t, err)

	d2, err := dirent.UnpackDir(patched)
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), d2.Length)
	assert.Equal(t, int64(77), d2.Mtime)
	assert.Equal(t, uint32(0644), d2.Mode, "unmasked field changed")
	assert.Equal(t, int32(5), d2.Uid, "unmasked field changed")
	assert.Equal(t, uint32(1), d2.Qid.Vers)

	// an empty mask still bumps the version
	patched, err = dirent.ApplyPacked(patched, (&dirent.Wstat{}).Pack())
	require.NoError(t, err)
	d3, err := dirent.UnpackDir(patched)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), d3.Qid.Vers)

	_, err = dirent.UnpackWstat([]byte{0x80})
	assert.True(t, fault.IsErrInvalid(err))

	_, err = dirent.UnpackWstat([]byte{byte(dirent.WMode), 0})
	assert.True(t, fault.IsErrInvalid(err))
}
