// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snapshot

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

// Cohorts - number of deadlists kept per snapshot
const Cohorts = 8

// DeadHead - persisted state of one deadlist
type DeadHead struct {
	Head  block.Ptr
	Count int64
}

// Descriptor - the metadata record of one snapshot
//
// Ref must stay the first field, reference count messages adjust the
// leading four bytes of the packed record
type Descriptor struct {
	Ref    uint32
	Height int
	Gen    int64
	Pred   int64 // older snapshot this one was taken from, 0 for none
	Succ   int64 // snapshot taken from this one, 0 while mutable
	Root   block.Ptr
	Prev   [Cohorts]int64 // generations of the ancestors, nearest first
	Dead   [Cohorts]DeadHead
}

const descriptorSize = 4 + 4 + 3*8 + block.PtrSize + Cohorts*8 + Cohorts*(block.PtrSize+8)

// Pack - encode for the metadata tree
func (d *Descriptor) Pack() []byte {
	buf := make([]byte, descriptorSize)
	w := pack.NewWriter(buf)
	w.U32(d.Ref)
	w.U32(uint32(d.Height))
	w.I64(d.Gen)
	w.I64(d.Pred)
	w.I64(d.Succ)
	block.WritePtr(w, d.Root)
	for i := 0; i < Cohorts; i += 1 {
		w.I64(d.Prev[i])
	}
	for i := 0; i < Cohorts; i += 1 {
		block.WritePtr(w, d.Dead[i].Head)
		w.I64(d.Dead[i].Count)
	}
	fault.PanicIfError("descriptor pack", w.Err())
	return buf
}

// UnpackDescriptor - decode a metadata record
func UnpackDescriptor(buf []byte) (*Descriptor, error) {
	if descriptorSize != len(buf) {
		return nil, fmt.Errorf("descriptor length %d: %w", len(buf), fault.ErrWrongSnapshotRecord)
	}
	r := pack.NewReader(buf)
	d := &Descriptor{
		Ref:    r.U32(),
		Height: int(r.U32()),
		Gen:    r.I64(),
		Pred:   r.I64(),
		Succ:   r.I64(),
		Root:   block.ReadPtr(r),
	}
	for i := 0; i < Cohorts; i += 1 {
		d.Prev[i] = r.I64()
	}
	for i := 0; i < Cohorts; i += 1 {
		d.Dead[i].Head = block.ReadPtr(r)
		d.Dead[i].Count = r.I64()
	}
	if nil != r.Err() {
		return nil, fmt.Errorf("descriptor: %w", r.Err())
	}
	if d.Gen <= 0 || d.Pred >= d.Gen || (0 != d.Succ && d.Succ <= d.Gen) || d.Prev[0] != d.Pred {
		return nil, fmt.Errorf("descriptor gen %d pred %d succ %d: %w", d.Gen, d.Pred, d.Succ, fault.ErrWrongSnapshotRecord)
	}
	return d, nil
}

// Frozen - true if a newer snapshot was taken from this one
func (d *Descriptor) Frozen() bool {
	return 0 != d.Succ
}

// DeadCount - blocks waiting on all the deadlists
func (d *Descriptor) DeadCount() int64 {
	n := int64(0)
	for _, h := range d.Dead {
		n += h.Count
	}
	return n
}

// String - for printing
func (d *Descriptor) String() string {
	return fmt.Sprintf("gen:%d ref:%d pred:%d succ:%d height:%d root:%s dead:%d", d.Gen, d.Ref, d.Pred, d.Succ, d.Height, d.Root, d.DeadCount())
}
