// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snapshot

import (
	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/dirent"
)

// delete - remove a snapshot that has no labels and no handles
//
// with a successor the successor inherits the deadlists and the
// blocks only the dying snapshot could see are freed from the
// successor's newest deadlist; without one the tree is walked and
// everything born since the predecessor is freed
func (m *Manager) delete(s *Tree) error {
	gen := s.Gen()
	batch := []block.Msg{{Op: block.OpClear, Key: dirent.SnapKey(gen)}}

	var frees []block.Ptr
	var err error
	if 0 != s.succ {
		batch, frees, err = m.deleteInner(s, batch)
	} else {
		batch, frees, err = m.deleteTip(s, batch)
	}
	if nil != err {
		return err
	}
	if err := m.meta.Upsert(batch...); nil != err {
		return err
	}

	// nothing is released until no descriptor refers to it
	for _, p := range frees {
		if err := m.store.Free(p); nil != err {
			return err
		}
	}
	m.log.Infof("delete: gen %d  pred: %d  succ: %d  freed: %d", gen, s.pred, s.succ, len(frees))
	return nil
}

// deleting a snapshot some other snapshot was taken from
func (m *Manager) deleteInner(s *Tree, batch []block.Msg) ([]block.Msg, []block.Ptr, error) {
	for _, d := range s.dead {
		if err := d.flush(m.store); nil != err {
			return nil, nil, err
		}
	}

	x, err := m.get(s.succ)
	if nil != err {
		return nil, nil, err
	}

	var frees []block.Ptr
	var reclaim *Dlist
	err = x.Exclusive(func() error {
		x.dlock.Lock()
		defer x.dlock.Unlock()

		xgen := x.Gen()
		reclaim = x.dead[0]

		var dead [Cohorts]*Dlist
		for i := 0; i < Cohorts-1; i += 1 {
			dead[i] = x.dead[i+1]
			if err := dead[i].graft(m.store, xgen, s.dead[i]); nil != err {
				return err
			}
		}
		dead[Cohorts-1] = s.dead[Cohorts-1]

		x.dead = dead
		x.prev = s.prev
		x.pred = s.pred
		x.changed = true

		err := reclaim.scan(m.store, func(p block.Ptr) error {
			if p.Gen > s.prev[0] {
				frees = append(frees, p)
				return nil
			}
			return x.killLocked(p)
		})
		if nil != err {
			return err
		}
		m.log.Debugf("delete: gen %d  reclaimed %d of %d blocks from successor %d", s.Gen(), len(frees), reclaim.Count(), xgen)
		return nil
	})
	if nil != err {
		return nil, nil, err
	}
	storage, err := reclaim.storage(m.store)
	if nil != err {
		return nil, nil, err
	}
	frees = append(frees, storage...)

	if 0 != s.pred {
		p, err := m.get(s.pred)
		if nil != err {
			return nil, nil, err
		}
		p.dlock.Lock()
		p.succ = x.Gen()
		p.changed = true
		p.dlock.Unlock()
		d, err := p.capture()
		if nil != err {
			return nil, nil, err
		}
		batch = append(batch, insertDescriptor(d))
	}

	d, err := x.capture()
	if nil != err {
		return nil, nil, err
	}
	batch = append(batch, insertDescriptor(d))

	batch, err = m.forget(s, x, batch)
	if nil != err {
		return nil, nil, err
	}
	return batch, frees, nil
}

// forget - remove a deleted snapshot from the ancestry of the
// snapshots beyond its successor
//
// each one holds a cohort of blocks whose oldest viewer was the deleted
// snapshot, those blocks are now last seen by the next younger
// ancestor so the cohort joins that one and the older cohorts move up
func (m *Manager) forget(s *Tree, x *Tree, batch []block.Msg) ([]block.Msg, error) {
	gen := s.Gen()
	_, next := x.Lineage()
	for 0 != next {
		y, err := m.get(next)
		if nil != err {
			return nil, err
		}

		found := false
		err = y.Exclusive(func() error {
			y.dlock.Lock()
			defer y.dlock.Unlock()

			j := 0
			for i := 1; i < Cohorts; i += 1 {
				if gen == y.prev[i] {
					j = i
					break
				}
			}
			if 0 == j {
				return nil
			}
			found = true

			if err := y.dead[j].flush(m.store); nil != err {
				return err
			}
			if err := y.dead[j-1].graft(m.store, y.Gen(), y.dead[j]); nil != err {
				return err
			}

			var prev [Cohorts]int64
			var dead [Cohorts]*Dlist
			copy(prev[:j], y.prev[:j])
			copy(prev[j:], s.prev[:Cohorts-j])
			copy(dead[:j], y.dead[:j])
			copy(dead[j:], y.dead[j+1:])
			dead[Cohorts-1] = newDlist()

			y.prev = prev
			y.dead = dead
			y.changed = true
			return nil
		})
		if nil != err {
			return nil, err
		}
		if !found {
			// the ones after are further away still
			break
		}

		d, err := y.capture()
		if nil != err {
			return nil, err
		}
		batch = append(batch, insertDescriptor(d))
		m.log.Debugf("delete: gen %d  dropped from the ancestry of gen %d", gen, y.Gen())
		_, next = y.Lineage()
	}
	return batch, nil
}

// deleting the newest snapshot of a lineage
func (m *Manager) deleteTip(s *Tree, batch []block.Msg) ([]block.Msg, []block.Ptr, error) {
	var frees []block.Ptr
	err := s.Walk(func(p block.Ptr, level int) (bool, error) {
		if p.Gen <= s.prev[0] {
			return false, nil
		}
		frees = append(frees, p)
		return true, nil
	})
	if nil != err {
		return nil, nil, err
	}
	m.log.Debugf("delete: gen %d  %d tree blocks", s.Gen(), len(frees))

	for _, d := range s.dead {
		storage, err := d.storage(m.store)
		if nil != err {
			return nil, nil, err
		}
		frees = append(frees, storage...)
	}

	if 0 != s.pred {
		p, err := m.get(s.pred)
		if nil != err {
			return nil, nil, err
		}
		p.dlock.Lock()
		p.succ = 0
		p.changed = true
		p.dlock.Unlock()
		p.SetReadOnly(false)
		d, err := p.capture()
		if nil != err {
			return nil, nil, err
		}
		batch = append(batch, insertDescriptor(d))
	}
	return batch, frees, nil
}

// Reap - delete snapshots left without labels by a crash
func (m *Manager) Reap() (int, error) {
	m.Lock()
	defer m.Unlock()

	var orphans []*Descriptor
	it := m.meta.Scan(dirent.Prefix(dirent.Ksnap))
	for it.Next() {
		d, err := UnpackDescriptor(it.Value())
		if nil != err {
			it.Release()
			return 0, err
		}
		if _, ok := m.open[d.Gen]; !ok && 0 == d.Ref {
			orphans = append(orphans, d)
		}
	}
	err := it.Error()
	it.Release()
	if nil != err {
		return 0, err
	}

	// newest first so that each one deleted is a lineage tip or has a
	// live successor
	for i := len(orphans) - 1; i >= 0; i -= 1 {
		d, err := m.descriptor(orphans[i].Gen)
		if nil != err {
			return 0, err
		}
		if err := m.delete(m.newTree(d)); nil != err {
			return 0, err
		}
	}
	if 0 != len(orphans) {
		m.log.Warnf("reap: deleted %d unlabelled snapshots", len(orphans))
	}
	return len(orphans), nil
}
