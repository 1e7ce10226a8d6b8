// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	cache "github.com/patrickmn/go-cache"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/dirent"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/tree"
)

const (
	labelExpiry  = 10 * time.Minute
	labelCleanup = 30 * time.Minute
)

// Label - a name for a snapshot
type Label struct {
	Name string
	Gen  int64
}

// Manager - the set of snapshots held in the metadata tree
type Manager struct {
	sync.Mutex

	log     *logger.L
	store   tree.Store
	meta    *tree.Tree
	open    map[int64]*Tree
	nextGen int64
	labels  *cache.Cache
}

// Format - a manager with no snapshots
func Format(store tree.Store) (*Manager, error) {
	meta, err := tree.Create(store, 0, nil)
	if nil != err {
		return nil, err
	}
	return newManager(store, meta, 1), nil
}

// Load - a manager for an existing metadata tree
func Load(store tree.Store, root block.Ptr, height int, nextGen int64) *Manager {
	return newManager(store, tree.Open(store, root, height, 0, nil), nextGen)
}

func newManager(store tree.Store, meta *tree.Tree, nextGen int64) *Manager {
	return &Manager{
		log:     logger.New("snapshot"),
		store:   store,
		meta:    meta,
		open:    make(map[int64]*Tree),
		nextGen: nextGen,
		labels:  cache.New(labelExpiry, labelCleanup),
	}
}

// Meta - root of the metadata tree, for the superblock
func (m *Manager) Meta() (block.Ptr, int) {
	return m.meta.Root()
}

// MetaTree - the metadata tree itself, for checks and dumps
func (m *Manager) MetaTree() *tree.Tree {
	return m.meta
}

// NextGen - the generation the next snapshot will get
func (m *Manager) NextGen() int64 {
	m.Lock()
	defer m.Unlock()
	return m.nextGen
}

// OpenCount - number of snapshots with open handles
func (m *Manager) OpenCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.open)
}

// Create - a new empty snapshot with no labels
//
// it is deleted when closed unless labelled first
func (m *Manager) Create() (*Tree, error) {
	m.Lock()
	defer m.Unlock()

	gen := m.nextGen
	t := &Tree{
		mgr:    m,
		memref: 1,
	}
	for i := 0; i < Cohorts; i += 1 {
		t.dead[i] = newDlist()
	}
	inner, err := tree.Create(m.store, gen, t.kill)
	if nil != err {
		return nil, err
	}
	t.Tree = inner

	d, err := t.describe()
	if nil != err {
		return nil, err
	}
	if err := m.meta.Upsert(insertDescriptor(d)); nil != err {
		_ = m.store.Free(d.Root)
		return nil, err
	}
	t.saved(d)
	m.nextGen += 1
	m.open[gen] = t
	m.log.Infof("create: gen %d", gen)
	return t, nil
}

// Open - a handle on a snapshot by generation
func (m *Manager) Open(gen int64) (*Tree, error) {
	m.Lock()
	defer m.Unlock()
	return m.openLocked(gen)
}

func (m *Manager) openLocked(gen int64) (*Tree, error) {
	if t, ok := m.open[gen]; ok {
		t.dlock.Lock()
		t.memref += 1
		t.dlock.Unlock()
		return t, nil
	}
	d, err := m.descriptor(gen)
	if nil != err {
		return nil, err
	}
	if 0 == d.Ref {
		return nil, fmt.Errorf("gen %d: %w", gen, fault.ErrSnapshotNotFound)
	}
	t := m.newTree(d)
	t.memref = 1
	m.open[gen] = t
	m.log.Debugf("open: %s", d)
	return t, nil
}

// OpenLabel - a handle on the snapshot a label names
func (m *Manager) OpenLabel(name string) (*Tree, error) {
	m.Lock()
	defer m.Unlock()
	gen, err := m.resolve(name)
	if nil != err {
		return nil, err
	}
	return m.openLocked(gen)
}

// Resolve - the generation a label names
func (m *Manager) Resolve(name string) (int64, error) {
	m.Lock()
	defer m.Unlock()
	return m.resolve(name)
}

func (m *Manager) resolve(name string) (int64, error) {
	if g, ok := m.labels.Get(name); ok {
		return g.(int64), nil
	}
	v, err := m.meta.Lookup(dirent.LabelKey(name))
	if fault.IsErrNotFound(err) {
		return 0, fmt.Errorf("%q: %w", name, fault.ErrLabelNotFound)
	}
	if nil != err {
		return 0, err
	}
	gen, err := dirent.ParseGenValue(v)
	if nil != err {
		return 0, err
	}
	m.labels.Set(name, gen, cache.DefaultExpiration)
	return gen, nil
}

// Close - drop a handle
//
// the last handle writes out the deadlists and the descriptor, or
// deletes the snapshot if nothing names it
func (m *Manager) Close(t *Tree) error {
	m.Lock()
	defer m.Unlock()

	t.dlock.Lock()
	t.memref -= 1
	n := t.memref
	ref := t.ref
	t.dlock.Unlock()

	if n < 0 {
		fault.Panicf("snapshot: gen %d closed too often", t.Gen())
	}
	if n > 0 {
		return nil
	}
	delete(m.open, t.Gen())

	if 0 == ref {
		return m.delete(t)
	}
	return m.save(t)
}

// Snapshot - freeze the current state of a tree under a new label
//
// the handle and every label naming the tree move on to a new
// generation and stay writable, the frozen state keeps the old
// generation and is returned
func (m *Manager) Snapshot(t *Tree, name string) (int64, error) {
	if err := dirent.CheckName(name); nil != err {
		return 0, err
	}

	m.Lock()
	defer m.Unlock()

	if _, err := m.resolve(name); nil == err {
		return 0, fmt.Errorf("%q: %w", name, fault.ErrLabelExists)
	} else if !fault.IsErrNotFound(err) {
		return 0, err
	}

	labels, err := m.scanLabels()
	if nil != err {
		return 0, err
	}

	newGen := m.nextGen
	oldGen := int64(0)

	err = t.Exclusive(func() error {
		if t.IsReadOnly() {
			return fault.ErrReadOnly
		}
		d, err := t.describe()
		if nil != err {
			return err
		}
		oldGen = d.Gen

		frozen := *d
		frozen.Ref = 1
		frozen.Succ = newGen

		next := *d
		next.Gen = newGen
		next.Pred = oldGen
		next.Prev[0] = oldGen
		copy(next.Prev[1:], d.Prev[:Cohorts-1])
		for i := range next.Dead {
			next.Dead[i] = DeadHead{Head: block.Nil}
		}

		batch := []block.Msg{
			insertDescriptor(&frozen),
			insertDescriptor(&next),
			{Op: block.OpInsert, Key: dirent.LabelKey(name), Val: dirent.GenValue(oldGen)},
		}
		for _, l := range labels {
			if oldGen == l.Gen {
				batch = append(batch, block.Msg{Op: block.OpInsert, Key: dirent.LabelKey(l.Name), Val: dirent.GenValue(newGen)})
			}
		}
		if err := m.meta.Upsert(batch...); nil != err {
			return err
		}

		t.dlock.Lock()
		t.pred = next.Pred
		t.prev = next.Prev
		for i := range t.dead {
			t.dead[i] = newDlist()
		}
		t.changed = false
		t.dlock.Unlock()
		t.SetGen(newGen)
		t.MarkClean(next.Root)
		return nil
	})
	if nil != err {
		return 0, err
	}

	m.nextGen += 1
	delete(m.open, oldGen)
	m.open[newGen] = t
	for _, l := range labels {
		if oldGen == l.Gen {
			m.labels.Set(l.Name, newGen, cache.DefaultExpiration)
		}
	}
	m.labels.Set(name, oldGen, cache.DefaultExpiration)

	m.log.Infof("snapshot: %q frozen at gen %d, tree continues at gen %d", name, oldGen, newGen)
	return oldGen, nil
}

// Label - add a name for an open snapshot
func (m *Manager) Label(t *Tree, name string) error {
	if err := dirent.CheckName(name); nil != err {
		return err
	}

	m.Lock()
	defer m.Unlock()

	if _, err := m.resolve(name); nil == err {
		return fmt.Errorf("%q: %w", name, fault.ErrLabelExists)
	} else if !fault.IsErrNotFound(err) {
		return err
	}

	gen := t.Gen()
	err := m.adjust(gen, 1, block.Msg{Op: block.OpInsert, Key: dirent.LabelKey(name), Val: dirent.GenValue(gen)})
	if nil != err {
		return err
	}
	m.labels.Set(name, gen, cache.DefaultExpiration)
	m.log.Infof("label: %q -> gen %d", name, gen)
	return nil
}

// Unlabel - remove a name, deleting the snapshot if it was the last
func (m *Manager) Unlabel(name string) error {
	m.Lock()
	defer m.Unlock()

	gen, err := m.resolve(name)
	if nil != err {
		return err
	}
	m.labels.Delete(name)
	err = m.adjust(gen, -1, block.Msg{Op: block.OpDelete, Key: dirent.LabelKey(name)})
	if nil != err {
		return err
	}
	m.log.Infof("unlabel: %q was gen %d", name, gen)
	return nil
}

// Ref - add a reference to a snapshot
func (m *Manager) Ref(gen int64) error {
	m.Lock()
	defer m.Unlock()
	return m.adjust(gen, 1)
}

// Unref - drop a reference, deleting the snapshot at zero once no
// handles remain
func (m *Manager) Unref(gen int64) error {
	m.Lock()
	defer m.Unlock()
	return m.adjust(gen, -1)
}

// change the reference count together with some other metadata
func (m *Manager) adjust(gen int64, delta int, extra ...block.Msg) error {
	if t, ok := m.open[gen]; ok {
		t.dlock.Lock()
		if delta < 0 && 0 == t.ref {
			t.dlock.Unlock()
			return fmt.Errorf("gen %d: reference count underflow: %w", gen, fault.ErrWrongSnapshotRecord)
		}
		t.ref = uint32(int(t.ref) + delta)
		t.changed = true
		t.dlock.Unlock()

		d, err := t.capture()
		if nil == err {
			err = m.meta.Upsert(append(extra, insertDescriptor(d))...)
		}
		if nil != err {
			t.dlock.Lock()
			t.ref = uint32(int(t.ref) - delta)
			t.dlock.Unlock()
			return err
		}
		t.saved(d)
		return nil
	}

	op := block.OpRef
	if delta < 0 {
		op = block.OpUnref
	}
	err := m.meta.Upsert(append(extra, block.Msg{Op: op, Key: dirent.SnapKey(gen)})...)
	if fault.IsErrNotFound(err) || errors.Is(err, fault.ErrMissingInsert) {
		return fmt.Errorf("gen %d: %w", gen, fault.ErrSnapshotNotFound)
	}
	if nil != err {
		return err
	}
	if delta > 0 {
		return nil
	}

	d, err := m.descriptor(gen)
	if nil != err {
		return err
	}
	if 0 != d.Ref {
		return nil
	}
	return m.delete(m.newTree(d))
}

// Labels - every label in name order
func (m *Manager) Labels() ([]Label, error) {
	m.Lock()
	defer m.Unlock()
	return m.scanLabels()
}

func (m *Manager) scanLabels() ([]Label, error) {
	var labels []Label
	it := m.meta.Scan(dirent.Prefix(dirent.Klabel))
	defer it.Release()
	for it.Next() {
		name, err := dirent.ParseLabelKey(it.Key())
		if nil != err {
			return nil, err
		}
		gen, err := dirent.ParseGenValue(it.Value())
		if nil != err {
			return nil, err
		}
		labels = append(labels, Label{Name: name, Gen: gen})
	}
	return labels, it.Error()
}

// Snapshots - every descriptor in generation order, open snapshots
// as they are in memory
func (m *Manager) Snapshots() ([]*Descriptor, error) {
	m.Lock()
	defer m.Unlock()

	var result []*Descriptor
	seen := make(map[int64]bool)
	it := m.meta.Scan(dirent.Prefix(dirent.Ksnap))
	defer it.Release()
	for it.Next() {
		d, err := UnpackDescriptor(it.Value())
		if nil != err {
			return nil, err
		}
		if t, ok := m.open[d.Gen]; ok {
			if d, err = t.capture(); nil != err {
				return nil, err
			}
		}
		seen[d.Gen] = true
		result = append(result, d)
	}
	if nil != it.Error() {
		return nil, it.Error()
	}
	for gen, t := range m.open {
		if seen[gen] {
			continue
		}
		d, err := t.capture()
		if nil != err {
			return nil, err
		}
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Gen < result[j].Gen })
	return result, nil
}

// Flush - write the deadlists and descriptors of every open snapshot
// that changed
func (m *Manager) Flush() error {
	m.Lock()
	defer m.Unlock()

	var batch []block.Msg
	var trees []*Tree
	var descs []*Descriptor
	for _, t := range m.open {
		if !t.needsFlush() {
			continue
		}
		d, err := t.capture()
		if nil != err {
			return err
		}
		batch = append(batch, insertDescriptor(d))
		trees = append(trees, t)
		descs = append(descs, d)
	}
	if 0 == len(batch) {
		return nil
	}
	if err := m.meta.Upsert(batch...); nil != err {
		return err
	}
	for i, t := range trees {
		t.saved(descs[i])
	}
	m.log.Debugf("flush: %d descriptors", len(batch))
	return nil
}

// checkAncestry - the ancestors of a snapshot are its predecessor
// followed by the predecessor's ancestors
func checkAncestry(d *Descriptor, byGen map[int64]*Descriptor) error {
	var want [Cohorts]int64
	if p, ok := byGen[d.Pred]; ok {
		want[0] = p.Gen
		copy(want[1:], p.Prev[:Cohorts-1])
	}
	if want != d.Prev {
		return fmt.Errorf("gen %d: ancestors %v expected %v: %w", d.Gen, d.Prev, want, fault.ErrWrongSnapshotRecord)
	}
	return nil
}

// Check - verify the metadata tree, every snapshot tree and the
// lineage links between them
func (m *Manager) Check() error {
	if err := m.meta.Check(); nil != err {
		return fmt.Errorf("metadata: %w", err)
	}
	descs, err := m.Snapshots()
	if nil != err {
		return err
	}
	byGen := make(map[int64]*Descriptor, len(descs))
	for _, d := range descs {
		byGen[d.Gen] = d
	}
	for _, d := range descs {
		if 0 != d.Pred {
			p, ok := byGen[d.Pred]
			if !ok || d.Gen != p.Succ {
				return fmt.Errorf("gen %d: predecessor %d does not link back: %w", d.Gen, d.Pred, fault.ErrWrongSnapshotRecord)
			}
		}
		if err := checkAncestry(d, byGen); nil != err {
			return err
		}
		if 0 != d.Succ {
			s, ok := byGen[d.Succ]
			if !ok || d.Gen != s.Pred {
				return fmt.Errorf("gen %d: successor %d does not link back: %w", d.Gen, d.Succ, fault.ErrWrongSnapshotRecord)
			}
		}
		t := tree.Open(m.store, d.Root, d.Height, d.Gen, nil)
		if err := t.Check(); nil != err {
			return fmt.Errorf("gen %d: %w", d.Gen, err)
		}
	}
	return nil
}

// write a descriptor for a snapshot whose last handle was closed
func (m *Manager) save(t *Tree) error {
	if !t.needsFlush() {
		return nil
	}
	d, err := t.capture()
	if nil != err {
		return err
	}
	if err := m.meta.Upsert(insertDescriptor(d)); nil != err {
		return err
	}
	t.saved(d)
	return nil
}

// the persisted descriptor of a snapshot
func (m *Manager) descriptor(gen int64) (*Descriptor, error) {
	v, err := m.meta.Lookup(dirent.SnapKey(gen))
	if fault.IsErrNotFound(err) {
		return nil, fmt.Errorf("gen %d: %w", gen, fault.ErrSnapshotNotFound)
	}
	if nil != err {
		return nil, err
	}
	return UnpackDescriptor(v)
}

// the open instance of a snapshot or a private one read from its
// descriptor
func (m *Manager) get(gen int64) (*Tree, error) {
	if t, ok := m.open[gen]; ok {
		return t, nil
	}
	d, err := m.descriptor(gen)
	if nil != err {
		return nil, err
	}
	return m.newTree(d), nil
}

func insertDescriptor(d *Descriptor) block.Msg {
	return block.Msg{Op: block.OpInsert, Key: dirent.SnapKey(d.Gen), Val: d.Pack()}
}

// Reachable - call fn once for every block in use: the metadata
// tree, every snapshot tree and the blocks holding the deadlists
//
// unwritten deadlist heads are not included, Flush first
func (m *Manager) Reachable(fn func(p block.Ptr) error) error {
	descs, err := m.Snapshots()
	if nil != err {
		return err
	}

	seen := make(map[int64]bool)
	visit := func(p block.Ptr, level int) (bool, error) {
		if seen[p.Addr] {
			return false, nil
		}
		seen[p.Addr] = true
		return true, fn(p)
	}

	if err := m.meta.Walk(visit); nil != err {
		return fmt.Errorf("metadata: %w", err)
	}
	for _, d := range descs {
		t := tree.Open(m.store, d.Root, d.Height, d.Gen, nil)
		if err := t.Walk(visit); nil != err {
			return fmt.Errorf("gen %d: %w", d.Gen, err)
		}
		for i, h := range d.Dead {
			l := loadDlist(h.Head, h.Count)
			err := l.walk(m.store, func(b *block.Block) error {
				_, err := visit(b.Ptr, 0)
				return err
			})
			if nil != err {
				return fmt.Errorf("gen %d deadlist %d: %w", d.Gen, i, err)
			}
		}
	}
	return nil
}
