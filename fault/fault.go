// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package fault

import (
	"errors"
)

// GenericError - error base
type GenericError string

// to allow for different classes of errors
type ExistsError GenericError
type InvalidError GenericError
type LengthError GenericError
type NotFoundError GenericError
type ProcessError GenericError
type RecordError GenericError

// common errors - keep in alphabetic order
var (
	ErrAlreadyInitialised     = ExistsError("already initialised")
	ErrArenaFull              = ProcessError("arena full")
	ErrBadBlockType           = RecordError("bad block type")
	ErrBadLogRecord           = RecordError("bad log record")
	ErrBadMessage             = InvalidError("bad message")
	ErrBadSuperblock          = RecordError("no valid superblock")
	ErrBlockNotFinal          = InvalidError("block not finalised")
	ErrChecksum               = RecordError("checksum mismatch")
	ErrDeviceLocked           = ProcessError("device is in use by another process")
	ErrDeviceTooSmall         = InvalidError("device too small")
	ErrExtentNotFree          = RecordError("extent is not free")
	ErrExtentOverlap          = RecordError("extent overlaps free space")
	ErrFilesystemClosed       = InvalidError("filesystem is closed")
	ErrFilesystemFull         = ProcessError("filesystem full")
	ErrInvalidConfiguration   = InvalidError("invalid configuration")
	ErrInvalidLoggerChannel   = InvalidError("invalid logger channel")
	ErrKeyTooLong             = LengthError("key too long")
	ErrLabelExists            = ExistsError("label already exists")
	ErrLabelNotFound          = NotFoundError("label not found")
	ErrMissingInsert          = RecordError("message applied to absent value")
	ErrMissingKey             = NotFoundError("key does not exist")
	ErrReadOnly               = InvalidError("tree is read only")
	ErrShortBuffer            = LengthError("buffer too short")
	ErrSnapshotNotFound       = NotFoundError("snapshot not found")
	ErrTreeInvariant          = RecordError("tree invariant violated")
	ErrUnsupportedBlockSize   = InvalidError("unsupported block size")
	ErrValueTooLong           = LengthError("value too long")
	ErrWrongDirectoryRecord   = RecordError("wrong directory record")
	ErrWrongSnapshotRecord    = RecordError("wrong snapshot record")
	ErrWrongSuperblockVersion = RecordError("wrong superblock version")
)

// the error interface base method
func (e GenericError) Error() string { return string(e) }

// the error interface methods
func (e ExistsError) Error() string   { return string(e) }
func (e InvalidError) Error() string  { return string(e) }
func (e LengthError) Error() string   { return string(e) }
func (e NotFoundError) Error() string { return string(e) }
func (e ProcessError) Error() string  { return string(e) }
func (e RecordError) Error() string   { return string(e) }

// IsErrExists - determine the class of an error
func IsErrExists(e error) bool { var x ExistsError; return errors.As(e, &x) }

// IsErrInvalid - determine the class of an error
func IsErrInvalid(e error) bool { var x InvalidError; return errors.As(e, &x) }

// IsErrLength - determine the class of an error
func IsErrLength(e error) bool { var x LengthError; return errors.As(e, &x) }

// IsErrNotFound - determine the class of an error
func IsErrNotFound(e error) bool { var x NotFoundError; return errors.As(e, &x) }

// IsErrProcess - determine the class of an error
func IsErrProcess(e error) bool { var x ProcessError; return errors.As(e, &x) }

// IsErrRecord - determine the class of an error
func IsErrRecord(e error) bool { var x RecordError; return errors.As(e, &x) }
