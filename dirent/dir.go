// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dirent

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

// qid types
const (
	QTFile uint8 = 0x00
	QTDir  uint8 = 0x80
)

// DMDir - directory bit of Dir.Mode
const DMDir uint32 = 0x80000000

// Qid - unique identity of a file
type Qid struct {
	Path uint64
	Vers uint32
	Type uint8
}

// Dir - the record stored under an entry key
type Dir struct {
	Qid    Qid
	Mode   uint32
	Atime  int64
	Mtime  int64
	Length uint64
	Uid    int32
	Gid    int32
	Muid   int32
	Name   string
}

// fixed part of a packed record
const dirFixed = 8 + 4 + 1 + 4 + 8 + 8 + 8 + 4 + 4 + 4 + 2

// IsDir - true for a directory
func (d *Dir) IsDir() bool {
	return 0 != d.Mode&DMDir
}

// PackedLen - bytes needed by Pack
func (d *Dir) PackedLen() int {
	return dirFixed + len(d.Name)
}

// Pack - encode a directory record
func (d *Dir) Pack() ([]byte, error) {
	if err := CheckName(d.Name); nil != err {
		return nil, err
	}
	buf := make([]byte, d.PackedLen())
	w := pack.NewWriter(buf)
	w.U64(d.Qid.Path)
	w.U32(d.Qid.Vers)
	w.U8(d.Qid.Type)
	w.U32(d.Mode)
	w.I64(d.Atime)
	w.I64(d.Mtime)
	w.U64(d.Length)
	w.U32(uint32(d.Uid))
	w.U32(uint32(d.Gid))
	w.U32(uint32(d.Muid))
	w.String(d.Name)
	if err := w.Err(); nil != err {
		return nil, err
	}
	return buf, nil
}

// UnpackDir - decode a directory record
func UnpackDir(buf []byte) (*Dir, error) {
	r := pack.NewReader(buf)
	d := &Dir{}
	d.Qid.Path = r.U64()
	d.Qid.Vers = r.U32()
	d.Qid.Type = r.U8()
	d.Mode = r.U32()
	d.Atime = r.I64()
	d.Mtime = r.I64()
	d.Length = r.U64()
	d.Uid = int32(r.U32())
	d.Gid = int32(r.U32())
	d.Muid = int32(r.U32())
	d.Name = r.String()
	if err := r.Err(); nil != err {
		return nil, fmt.Errorf("dir record: %w", fault.ErrWrongDirectoryRecord)
	}
	if 0 != r.Remaining() {
		return nil, fmt.Errorf("dir record: %d trailing bytes: %w", r.Remaining(), fault.ErrWrongDirectoryRecord)
	}
	return d, nil
}

// String - for printing
func (d *Dir) String() string {
	return fmt.Sprintf("%q qid:(%d,%d,%02x) mode:%o len:%d", d.Name, d.Qid.Path, d.Qid.Vers, d.Qid.Type, d.Mode, d.Length)
}
