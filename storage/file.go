// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/bitmark-inc/cowfs/fault"
)

// File - a device backed by a regular file or a disk
//
// the descriptor holds an exclusive flock for its lifetime so a second
// process cannot mount the same image
type File struct {
	fd   int
	size int64
	path string
}

// OpenFile - open an existing image, or create one when size > 0
func OpenFile(path string, size int64) (*File, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if size > 0 {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, 0600)
	if nil != err {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); nil != err {
		unix.Close(fd)
		if unix.EWOULDBLOCK == err {
			return nil, fmt.Errorf("%q: %w", path, fault.ErrDeviceLocked)
		}
		return nil, fmt.Errorf("lock %q: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); nil != err {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}

	current := stat.Size
	if unix.S_IFBLK == stat.Mode&unix.S_IFMT {
		// block devices report zero in st_size
		current, err = unix.Seek(fd, 0, io.SeekEnd)
		if nil != err {
			unix.Close(fd)
			return nil, fmt.Errorf("size %q: %w", path, err)
		}
	} else if size > current {
		if err := unix.Ftruncate(fd, size); nil != err {
			unix.Close(fd)
			return nil, fmt.Errorf("extend %q: %w", path, err)
		}
		current = size
	}

	return &File{
		fd:   fd,
		size: current,
		path: path,
	}, nil
}

// ReadAt - positioned read, retried until the buffer is full
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pread(f.fd, p[total:], off+int64(total))
		if unix.EINTR == err {
			continue
		}
		if nil != err {
			return total, fmt.Errorf("read %q at 0x%x: %w", f.path, off, err)
		}
		if 0 == n {
			return total, io.ErrUnexpectedEOF
		}
		total += n
	}
	return total, nil
}

// WriteAt - positioned write, retried until complete
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pwrite(f.fd, p[total:], off+int64(total))
		if unix.EINTR == err {
			continue
		}
		if nil != err {
			return total, fmt.Errorf("write %q at 0x%x: %w", f.path, off, err)
		}
		if 0 == n {
			return total, io.ErrShortWrite
		}
		total += n
	}
	return total, nil
}

// Size - device size in bytes
func (f *File) Size() int64 {
	return f.size
}

// Sync - flush to stable storage
func (f *File) Sync() error {
	return unix.Fsync(f.fd)
}

// Close - release the lock and the descriptor
func (f *File) Close() error {
	unix.Flock(f.fd, unix.LOCK_UN)
	return unix.Close(f.fd)
}
