// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"io"
	"sync"
)

//go:generate mockgen -source=device.go -destination=mocks/device.go -package=mocks

// Device - random access storage underneath the filesystem
type Device interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Sync() error
	Close() error
}

// Memory - a device held in memory
type Memory struct {
	sync.RWMutex
	data []byte
}

// NewMemory - a zero filled memory device
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
	}
}

// ReadAt - copy out of the device
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.RLock()
	defer m.RUnlock()

	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// WriteAt - copy into the device
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.Lock()
	defer m.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

// Size - device size in bytes
func (m *Memory) Size() int64 {
	return int64(len(m.data))
}

// Sync - nothing to do
func (m *Memory) Sync() error {
	return nil
}

// Close - nothing to do, the contents remain readable
func (m *Memory) Close() error {
	return nil
}

// Clone - a copy of the current contents, used to model the state a
// crash would leave behind
func (m *Memory) Clone() *Memory {
	m.RLock()
	defer m.RUnlock()

	c := &Memory{
		data: make([]byte, len(m.data)),
	}
	copy(c.data, m.data)
	return c
}
