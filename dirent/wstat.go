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

// Mask - which fields a Wstat changes
type Mask uint8

// field bits, packed fields follow the mask in this order
const (
	WMode Mask = 1 << iota
	WAtime
	WMtime
	WLength
	WUid
	WGid
	WMuid

	wAll = WMode | WAtime | WMtime | WLength | WUid | WGid | WMuid
)

// Wstat - a partial update of a directory record
type Wstat struct {
	Mask   Mask
	Mode   uint32
	Atime  int64
	Mtime  int64
	Length uint64
	Uid    int32
	Gid    int32
	Muid   int32
}

// Pack - encode as a message value
func (s *Wstat) Pack() []byte {
	buf := make([]byte, 1+4+8+8+8+4+4+4)
	w := pack.NewWriter(buf)
	w.U8(uint8(s.Mask))
	if 0 != s.Mask&WMode {
		w.U32(s.Mode)
	}
	if 0 != s.Mask&WAtime {
		w.I64(s.Atime)
	}
	if 0 != s.Mask&WMtime {
		w.I64(s.Mtime)
	}
	if 0 != s.Mask&WLength {
		w.U64(s.Length)
	}
	if 0 != s.Mask&WUid {
		w.U32(uint32(s.Uid))
	}
	if 0 != s.Mask&WGid {
		w.U32(uint32(s.Gid))
	}
	if 0 != s.Mask&WMuid {
		w.U32(uint32(s.Muid))
	}
	return buf[:w.Offset()]
}

// UnpackWstat - decode a message value
func UnpackWstat(buf []byte) (*Wstat, error) {
	r := pack.NewReader(buf)
	s := &Wstat{Mask: Mask(r.U8())}
	if 0 != s.Mask&^wAll {
		return nil, fmt.Errorf("wstat mask %02x: %w", s.Mask, fault.ErrBadMessage)
	}
	if 0 != s.Mask&WMode {
		s.Mode = r.U32()
	}
	if 0 != s.Mask&WAtime {
		s.Atime = r.I64()
	}
	if 0 != s.Mask&WMtime {
		s.Mtime = r.I64()
	}
	if 0 != s.Mask&WLength {
		s.Length = r.U64()
	}
	if 0 != s.Mask&WUid {
		s.Uid = int32(r.U32())
	}
	if 0 != s.Mask&WGid {
		s.Gid = int32(r.U32())
	}
	if 0 != s.Mask&WMuid {
		s.Muid = int32(r.U32())
	}
	if nil != r.Err() || 0 != r.Remaining() {
		return nil, fmt.Errorf("wstat: %w", fault.ErrBadMessage)
	}
	return s, nil
}

// Apply - patch the selected fields and bump the version
func (s *Wstat) Apply(d *Dir) {
	if 0 != s.Mask&WMode {
		d.Mode = s.Mode
	}
	if 0 != s.Mask&WAtime {
		d.Atime = s.Atime
	}
	if 0 != s.Mask&WMtime {
		d.Mtime = s.Mtime
	}
	if 0 != s.Mask&WLength {
		d.Length = s.Length
	}
	if 0 != s.Mask&WUid {
		d.Uid = s.Uid
	}
	if 0 != s.Mask&WGid {
		d.Gid = s.Gid
	}
	if 0 != s.Mask&WMuid {
		d.Muid = s.Muid
	}
	d.Qid.Vers += 1
}

// ApplyPacked - apply a packed Wstat to a packed Dir
func ApplyPacked(dir []byte, patch []byte) ([]byte, error) {
	d, err := UnpackDir(dir)
	if nil != err {
		return nil, err
	}
	s, err := UnpackWstat(patch)
	if nil != err {
		return nil, err
	}
	s.Apply(d)
	return d.Pack()
}
