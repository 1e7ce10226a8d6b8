// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dirent

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

// Kind - first byte of a key
type Kind uint8

// key kinds
const (
	Kdat Kind = iota + 1
	Kent
	Ksnap
	Klabel
	Kup
)

// MaxName - longest name that still fits in an entry key
const MaxName = block.MaxKey - 1 - 8

var kindNames = []string{"?", "dat", "ent", "snap", "label", "up"}

// String - for printing
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindOf - kind of an encoded key
func KindOf(key []byte) Kind {
	if 0 == len(key) {
		return 0
	}
	return Kind(key[0])
}

// DataKey - key of a file data block
func DataKey(path uint64, offset uint64) []byte {
	k := make([]byte, 17)
	k[0] = byte(Kdat)
	pack.PutU64(k[1:], path)
	pack.PutU64(k[9:], offset)
	return k
}

// EntryKey - key of a directory entry
func EntryKey(parent uint64, name string) []byte {
	k := make([]byte, 9+len(name))
	k[0] = byte(Kent)
	pack.PutU64(k[1:], parent)
	copy(k[9:], name)
	return k
}

// EntryPrefix - prefix shared by all entries of a directory
func EntryPrefix(parent uint64) []byte {
	k := make([]byte, 9)
	k[0] = byte(Kent)
	pack.PutU64(k[1:], parent)
	return k
}

// SnapKey - key of a tree descriptor
func SnapKey(gen int64) []byte {
	k := make([]byte, 9)
	k[0] = byte(Ksnap)
	pack.PutU64(k[1:], uint64(gen))
	return k
}

// LabelKey - key of a snapshot label
func LabelKey(name string) []byte {
	k := make([]byte, 1+len(name))
	k[0] = byte(Klabel)
	copy(k[1:], name)
	return k
}

// UpKey - key of a parent link
func UpKey(path uint64) []byte {
	k := make([]byte, 9)
	k[0] = byte(Kup)
	pack.PutU64(k[1:], path)
	return k
}

// Prefix - the one byte prefix covering every key of a kind
func Prefix(kind Kind) []byte {
	return []byte{byte(kind)}
}

// CheckName - validate a file or label name
func CheckName(name string) error {
	if "" == name {
		return fmt.Errorf("empty name: %w", fault.ErrBadMessage)
	}
	if len(name) > MaxName {
		return fmt.Errorf("name %q: %w", name, fault.ErrKeyTooLong)
	}
	for i := 0; i < len(name); i += 1 {
		if '/' == name[i] || 0 == name[i] {
			return fmt.Errorf("name %q: %w", name, fault.ErrBadMessage)
		}
	}
	return nil
}

// ParseDataKey - decode a data key
func ParseDataKey(k []byte) (uint64, uint64, error) {
	if 17 != len(k) || Kdat != KindOf(k) {
		return 0, 0, fmt.Errorf("data key %x: %w", k, fault.ErrWrongDirectoryRecord)
	}
	return pack.U64(k[1:]), pack.U64(k[9:]), nil
}

// ParseEntryKey - decode an entry key
func ParseEntryKey(k []byte) (uint64, string, error) {
	if len(k) < 9 || Kent != KindOf(k) {
		return 0, "", fmt.Errorf("entry key %x: %w", k, fault.ErrWrongDirectoryRecord)
	}
	return pack.U64(k[1:]), string(k[9:]), nil
}

// ParseSnapKey - decode a descriptor key
func ParseSnapKey(k []byte) (int64, error) {
	if 9 != len(k) || Ksnap != KindOf(k) {
		return 0, fmt.Errorf("snap key %x: %w", k, fault.ErrWrongSnapshotRecord)
	}
	return int64(pack.U64(k[1:])), nil
}

// ParseLabelKey - decode a label key
func ParseLabelKey(k []byte) (string, error) {
	if len(k) < 2 || Klabel != KindOf(k) {
		return "", fmt.Errorf("label key %x: %w", k, fault.ErrWrongSnapshotRecord)
	}
	return string(k[1:]), nil
}

// GenValue - encode a generation as a label value
func GenValue(gen int64) []byte {
	v := make([]byte, 8)
	pack.PutU64(v, uint64(gen))
	return v
}

// ParseGenValue - decode a label value
func ParseGenValue(v []byte) (int64, error) {
	if 8 != len(v) {
		return 0, fmt.Errorf("label value %x: %w", v, fault.ErrWrongSnapshotRecord)
	}
	return int64(pack.U64(v)), nil
}

// FormatKey - readable rendering for dumps
func FormatKey(k []byte) string {
	switch KindOf(k) {
	case Kdat:
		if p, o, err := ParseDataKey(k); nil == err {
			return fmt.Sprintf("dat %d@%d", p, o)
		}
	case Kent:
		if p, n, err := ParseEntryKey(k); nil == err {
			return fmt.Sprintf("ent %d/%q", p, n)
		}
	case Ksnap:
		if g, err := ParseSnapKey(k); nil == err {
			return fmt.Sprintf("snap %d", g)
		}
	case Klabel:
		if n, err := ParseLabelKey(k); nil == err {
			return fmt.Sprintf("label %q", n)
		}
	case Kup:
		if 9 == len(k) {
			return fmt.Sprintf("up %d", pack.U64(k[1:]))
		}
	}
	return fmt.Sprintf("%x", k)
}
