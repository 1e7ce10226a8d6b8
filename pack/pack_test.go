// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pack_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

func TestBigEndian(t *testing.T) {
	b := make([]byte, 8)

	pack.PutU16(b, 0x1234)
	assert.Equal(t, []byte{0x12, 0x34}, b[:2])

	pack.PutU32(b, 0xdeadbeef)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b[:4])

	pack.PutU64(b, 0x0102030405060708)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, b)
	assert.Equal(t, uint64(0x0102030405060708), pack.U64(b))
}

func TestWriterReader(t *testing.T) {
	buf := make([]byte, 64)
	w := pack.NewWriter(buf)
	w.U8(7)
	w.U16(0xbeef)
	w.U32(42)
	w.I64(-1)
	w.String("main")
	w.Bytes(nil)
	assert.Nil(t, w.Err())
	assert.Equal(t, 1+2+4+8+2+4+2, w.Offset())

	r := pack.NewReader(buf[:w.Offset()])
	assert.Equal(t, uint8(7), r.U8())
	assert.Equal(t, uint16(0xbeef), r.U16())
	assert.Equal(t, uint32(42), r.U32())
	assert.Equal(t, int64(-1), r.I64())
	assert.Equal(t, "main", r.String())
	assert.Equal(t, 0, len(r.Bytes()))
	assert.Nil(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestShortBuffer(t *testing.T) {
	w := pack.NewWriter(make([]byte, 3))
	w.U16(1)
	w.U16(2)
	w.U8(3)
	assert.Equal(t, fault.ErrShortBuffer, w.Err())
	assert.Equal(t, 2, w.Offset(), "writes after overflow must be ignored")

	r := pack.NewReader([]byte{0x00, 0x05, 'a'})
	assert.Nil(t, r.Bytes())
	assert.Equal(t, fault.ErrShortBuffer, r.Err())
	assert.Equal(t, uint64(0), r.U64())
}
