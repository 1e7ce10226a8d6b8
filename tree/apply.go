// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tree

import (
	"fmt"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/dirent"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/pack"
)

// RefSize - bytes of the reference count leading a Ref/Unref target
const RefSize = 4

// Apply - the effect of one message on the current state of its key
//
// present reports whether the key has a value; the returned value may
// share memory with the message
func Apply(m block.Msg, cur []byte, present bool) ([]byte, bool, error) {
	switch m.Op {
	case block.OpInsert:
		return m.Val, true, nil

	case block.OpClear:
		return nil, false, nil

	case block.OpDelete:
		if !present {
			return nil, false, fmt.Errorf("delete %x: %w", m.Key, fault.ErrMissingInsert)
		}
		return nil, false, nil

	case block.OpWstat:
		if !present {
			return nil, false, fmt.Errorf("wstat %x: %w", m.Key, fault.ErrMissingInsert)
		}
		v, err := dirent.ApplyPacked(cur, m.Val)
		if nil != err {
			return nil, false, err
		}
		return v, true, nil

	case block.OpRef, block.OpUnref:
		if !present {
			return nil, false, fmt.Errorf("%s %x: %w", m.Op, m.Key, fault.ErrMissingInsert)
		}
		if len(cur) < RefSize {
			return nil, false, fmt.Errorf("%s %x: short value: %w", m.Op, m.Key, fault.ErrWrongSnapshotRecord)
		}
		n := pack.U32(cur)
		if block.OpRef == m.Op {
			n += 1
		} else if 0 == n {
			return nil, false, fmt.Errorf("unref %x: count already zero: %w", m.Key, fault.ErrWrongSnapshotRecord)
		} else {
			n -= 1
		}
		v := make([]byte, len(cur))
		copy(v, cur)
		pack.PutU32(v, n)
		return v, true, nil

	default:
		return nil, false, fmt.Errorf("%s: %w", m.Op, fault.ErrBadMessage)
	}
}
