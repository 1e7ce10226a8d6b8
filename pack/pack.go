// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pack - big endian encoding of fixed width integers and
// length prefixed byte strings
//
// every on-disk structure is built from these primitives
package pack

import (
	"encoding/binary"

	"github.com/bitmark-inc/cowfs/fault"
)

// U8 - fetch a byte
func U8(b []byte) uint8 { return b[0] }

// U16 - fetch a 16 bit value
func U16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// U32 - fetch a 32 bit value
func U32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// U64 - fetch a 64 bit value
func U64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// PutU8 - store a byte
func PutU8(b []byte, v uint8) { b[0] = v }

// PutU16 - store a 16 bit value
func PutU16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// PutU32 - store a 32 bit value
func PutU32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// PutU64 - store a 64 bit value
func PutU64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

// Writer - sequential encoder over a fixed buffer
//
// the first overflow is remembered and all later writes are ignored,
// so a caller only needs to check Err once at the end
type Writer struct {
	buf []byte
	off int
	err error
}

// NewWriter - start encoding at the beginning of buf
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

func (w *Writer) space(n int) []byte {
	if nil != w.err {
		return nil
	}
	if w.off+n > len(w.buf) {
		w.err = fault.ErrShortBuffer
		return nil
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b
}

// U8 - append a byte
func (w *Writer) U8(v uint8) {
	if b := w.space(1); nil != b {
		b[0] = v
	}
}

// U16 - append a 16 bit value
func (w *Writer) U16(v uint16) {
	if b := w.space(2); nil != b {
		PutU16(b, v)
	}
}

// U32 - append a 32 bit value
func (w *Writer) U32(v uint32) {
	if b := w.space(4); nil != b {
		PutU32(b, v)
	}
}

// U64 - append a 64 bit value
func (w *Writer) U64(v uint64) {
	if b := w.space(8); nil != b {
		PutU64(b, v)
	}
}

// I64 - append a signed 64 bit value
func (w *Writer) I64(v int64) {
	w.U64(uint64(v))
}

// Raw - append bytes without a length
func (w *Writer) Raw(data []byte) {
	if b := w.space(len(data)); nil != b {
		copy(b, data)
	}
}

// Bytes - append a 16 bit length followed by the bytes
func (w *Writer) Bytes(data []byte) {
	if len(data) > 0xffff {
		if nil == w.err {
			w.err = fault.ErrShortBuffer
		}
		return
	}
	w.U16(uint16(len(data)))
	w.Raw(data)
}

// String - append a length prefixed string
func (w *Writer) String(s string) {
	w.Bytes([]byte(s))
}

// Offset - number of bytes written so far
func (w *Writer) Offset() int { return w.off }

// Err - first error encountered
func (w *Writer) Err() error { return w.err }

// Reader - sequential decoder, errors are sticky as for Writer
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader - start decoding at the beginning of buf
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) take(n int) []byte {
	if nil != r.err {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fault.ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// U8 - read a byte
func (r *Reader) U8() uint8 {
	if b := r.take(1); nil != b {
		return b[0]
	}
	return 0
}

// U16 - read a 16 bit value
func (r *Reader) U16() uint16 {
	if b := r.take(2); nil != b {
		return U16(b)
	}
	return 0
}

// U32 - read a 32 bit value
func (r *Reader) U32() uint32 {
	if b := r.take(4); nil != b {
		return U32(b)
	}
	return 0
}

// U64 - read a 64 bit value
func (r *Reader) U64() uint64 {
	if b := r.take(8); nil != b {
		return U64(b)
	}
	return 0
}

// I64 - read a signed 64 bit value
func (r *Reader) I64() int64 {
	return int64(r.U64())
}

// Raw - read n bytes, the result aliases the buffer
func (r *Reader) Raw(n int) []byte {
	return r.take(n)
}

// Bytes - read a length prefixed byte string, the result aliases the
// buffer
func (r *Reader) Bytes() []byte {
	n := r.U16()
	if nil != r.err {
		return nil
	}
	return r.take(int(n))
}

// String - read a length prefixed string
func (r *Reader) String() string {
	return string(r.Bytes())
}

// Offset - number of bytes consumed so far
func (r *Reader) Offset() int { return r.off }

// Remaining - number of unread bytes
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Err - first error encountered
func (r *Reader) Err() error { return r.err }
