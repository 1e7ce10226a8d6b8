// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitmark-inc/logger"
	"golang.org/x/time/rate"

	"github.com/bitmark-inc/cowfs/arena"
	"github.com/bitmark-inc/cowfs/background"
	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/cache"
	"github.com/bitmark-inc/cowfs/counter"
	"github.com/bitmark-inc/cowfs/epoch"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/snapshot"
	"github.com/bitmark-inc/cowfs/storage"
	"github.com/bitmark-inc/cowfs/tree"
)

// DefaultLabel - the label of the writable tree created by Format
const DefaultLabel = "main"

// defaults for zero Options fields
const (
	defaultArenas       = 1
	defaultCacheBlocks  = 1024
	defaultSyncRate     = 1.0
	defaultMaxLogBlocks = 64
)

// Options - tunables for Format and Mount
type Options struct {
	Arenas          int           // Format only
	CacheBlocks     int           // unreferenced blocks kept in memory
	SyncInterval    time.Duration // background sync period, 0 for none
	SyncRate        float64       // requested syncs per second
	ReclaimInterval time.Duration // background release period, 0 for none
	MaxLogBlocks    int           // arena log length that Compact reduces
}

func (o Options) withDefaults() Options {
	if o.Arenas <= 0 {
		o.Arenas = defaultArenas
	}
	if o.CacheBlocks <= 0 {
		o.CacheBlocks = defaultCacheBlocks
	}
	if o.SyncRate <= 0 {
		o.SyncRate = defaultSyncRate
	}
	if o.MaxLogBlocks <= 0 {
		o.MaxLogBlocks = defaultMaxLogBlocks
	}
	return o
}

// FS - a mounted filesystem
type FS struct {
	log   *logger.L
	opts  Options
	dev   storage.Device
	store *blockStore
	snaps *snapshot.Manager

	syncLock    sync.Mutex
	superSeq    uint64
	nextQid     uint64
	closed      int32
	syncs       counter.Counter
	syncRequest chan struct{}
	limiter     *rate.Limiter
	bg          *background.T
}

// Format - initialise a device with an empty writable tree
func Format(dev storage.Device, opts Options) error {
	opts = opts.withDefaults()

	alloc, err := arena.Format(dev, opts.Arenas)
	if nil != err {
		return err
	}
	fs := newFS(dev, alloc, opts)

	fs.snaps, err = snapshot.Format(fs.store)
	if nil != err {
		return err
	}
	t, err := fs.snaps.Create()
	if nil != err {
		return err
	}
	if err := fs.snaps.Label(t, DefaultLabel); nil != err {
		return err
	}
	if err := fs.snaps.Close(t); nil != err {
		return err
	}
	fs.nextQid = 1

	if err := fs.Sync(); nil != err {
		return err
	}
	fs.log.Infof("formatted: %d bytes  arenas: %d", dev.Size(), opts.Arenas)
	return nil
}

// Mount - open a formatted device
func Mount(dev storage.Device, opts Options) (*FS, error) {
	opts = opts.withDefaults()

	sb, err := readSuperblock(dev)
	if nil != err {
		return nil, err
	}
	alloc, err := arena.Load(dev)
	if nil != err {
		return nil, err
	}

	fs := newFS(dev, alloc, opts)
	fs.superSeq = sb.seq
	fs.nextQid = sb.nextQid
	fs.snaps = snapshot.Load(fs.store, sb.metaRoot, sb.metaHeight, sb.nextGen)

	n, err := fs.snaps.Reap()
	if nil != err {
		return nil, err
	}
	if n > 0 {
		fs.log.Warnf("mount: removed %d unlabelled snapshots", n)
	}

	var processes background.Processes
	if opts.SyncInterval > 0 {
		processes = append(processes, &syncer{fs: fs, log: logger.New("syncer"), interval: opts.SyncInterval})
	}
	if opts.ReclaimInterval > 0 {
		processes = append(processes, &reclaimer{fs: fs, log: logger.New("reclaimer"), interval: opts.ReclaimInterval})
	}
	fs.bg = background.Start(processes, nil)

	fs.log.Infof("mounted: sequence: %d  next gen: %d  next qid: %d", sb.seq, sb.nextGen, sb.nextQid)
	return fs, nil
}

func newFS(dev storage.Device, alloc *arena.Allocator, opts Options) *FS {
	return &FS{
		log:         logger.New("filesystem"),
		opts:        opts,
		dev:         dev,
		store:       newBlockStore(dev, alloc, opts.CacheBlocks),
		syncRequest: make(chan struct{}, 1),
		limiter:     rate.NewLimiter(rate.Limit(opts.SyncRate), 1),
	}
}

// Close - stop the background processes and make everything durable
//
// the device is left open for the caller to close
func (fs *FS) Close() error {
	if !atomic.CompareAndSwapInt32(&fs.closed, 0, 1) {
		return fault.ErrFilesystemClosed
	}
	if nil != fs.bg {
		fs.bg.Stop()
	}
	if n := fs.snaps.OpenCount(); 0 != n {
		fs.log.Warnf("close: %d snapshots still open", n)
	}
	err := fs.sync()

	// later syncs write nothing new, each lets one more sync worth of
	// freed blocks reach the arena logs
	for i := 0; nil == err && i < 2 && fs.store.epoch.Pending() > 0; i += 1 {
		err = fs.sync()
	}
	fs.log.Info("closed")
	fs.log.Flush()
	return err
}

func (fs *FS) isClosed() bool {
	return 0 != atomic.LoadInt32(&fs.closed)
}

// Lookup - the value of a key
func (fs *FS) Lookup(t *snapshot.Tree, key []byte) ([]byte, error) {
	if fs.isClosed() {
		return nil, fault.ErrFilesystemClosed
	}
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return t.Lookup(key)
}

// Upsert - apply a batch of messages atomically
func (fs *FS) Upsert(t *snapshot.Tree, msgs ...block.Msg) error {
	if fs.isClosed() {
		return fault.ErrFilesystemClosed
	}
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return t.Upsert(msgs...)
}

// Iterator - a scan that keeps the blocks it reads from being reused
// until released
type Iterator struct {
	*tree.Iterator
	guard *epoch.Guard
	err   error // set if the scan could not start
}

// Next - advance to the next key, false at the end or on error
func (it *Iterator) Next() bool {
	if nil != it.err {
		return false
	}
	return it.Iterator.Next()
}

// Error - the error that ended the scan
func (it *Iterator) Error() error {
	if nil != it.err {
		return it.err
	}
	return it.Iterator.Error()
}

// Release - finish the scan
func (it *Iterator) Release() {
	if nil != it.err {
		return
	}
	it.Iterator.Release()
	it.guard.Exit()
}

// Scan - iterate over the keys with a prefix in order
func (fs *FS) Scan(t *snapshot.Tree, prefix []byte) *Iterator {
	if fs.isClosed() {
		return &Iterator{err: fault.ErrFilesystemClosed}
	}
	return &Iterator{
		guard:    fs.store.epoch.Enter(),
		Iterator: t.Scan(prefix),
	}
}

// Open - the snapshot a label names
func (fs *FS) Open(name string) (*snapshot.Tree, error) {
	if fs.isClosed() {
		return nil, fault.ErrFilesystemClosed
	}
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.OpenLabel(name)
}

// OpenGen - a snapshot by generation
func (fs *FS) OpenGen(gen int64) (*snapshot.Tree, error) {
	if fs.isClosed() {
		return nil, fault.ErrFilesystemClosed
	}
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.Open(gen)
}

// CloseTree - drop a handle from Open or OpenGen
func (fs *FS) CloseTree(t *snapshot.Tree) error {
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.Close(t)
}

// NewSnapshot - freeze the tree under a new label, the tree itself
// stays writable
func (fs *FS) NewSnapshot(t *snapshot.Tree, name string) (int64, error) {
	if fs.isClosed() {
		return 0, fault.ErrFilesystemClosed
	}
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.Snapshot(t, name)
}

// Label - add a name for an open snapshot
func (fs *FS) Label(name string, t *snapshot.Tree) error {
	if fs.isClosed() {
		return fault.ErrFilesystemClosed
	}
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.Label(t, name)
}

// Unlabel - remove a name, the snapshot goes when nothing names it
func (fs *FS) Unlabel(name string) error {
	if fs.isClosed() {
		return fault.ErrFilesystemClosed
	}
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.Unlabel(name)
}

// Unref - drop a reference to a snapshot by generation
func (fs *FS) Unref(gen int64) error {
	if fs.isClosed() {
		return fault.ErrFilesystemClosed
	}
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.Unref(gen)
}

// Labels - every label
func (fs *FS) Labels() ([]snapshot.Label, error) {
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.Labels()
}

// Snapshots - every snapshot descriptor
func (fs *FS) Snapshots() ([]*snapshot.Descriptor, error) {
	g := fs.store.epoch.Enter()
	defer g.Exit()
	return fs.snaps.Snapshots()
}

// NextQid - a unique file identity
func (fs *FS) NextQid() uint64 {
	return atomic.AddUint64(&fs.nextQid, 1) - 1
}

// Compact - rewrite long arena logs, returns the number rewritten
func (fs *FS) Compact() (int, error) {
	if fs.isClosed() {
		return 0, fault.ErrFilesystemClosed
	}
	fs.syncLock.Lock()
	defer fs.syncLock.Unlock()
	if err := fs.syncLocked(); nil != err {
		return 0, err
	}
	n, err := fs.store.alloc.Compress(fs.opts.MaxLogBlocks)
	if nil != err {
		return n, err
	}
	fs.log.Infof("compact: %d arena logs rewritten", n)
	return n, nil
}

// Stats - a summary of the state
type Stats struct {
	Sequence  uint64
	NextGen   int64
	NextQid   uint64
	Open      int
	Syncs     uint64
	Reads     uint64
	Writes    uint64
	Stale     uint64
	Frees     uint64
	Limbo     int
	Reclaimed uint64
	Arena     arena.Summary
	Cache     cache.Stats
}

// Stats - counters and space usage
func (fs *FS) Stats() Stats {
	fs.syncLock.Lock()
	seq := fs.superSeq
	fs.syncLock.Unlock()

	return Stats{
		Sequence:  seq,
		NextGen:   fs.snaps.NextGen(),
		NextQid:   atomic.LoadUint64(&fs.nextQid),
		Open:      fs.snaps.OpenCount(),
		Syncs:     fs.syncs.Uint64(),
		Reads:     fs.store.reads.Uint64(),
		Writes:    fs.store.writes.Uint64(),
		Stale:     fs.store.stale.Uint64(),
		Frees:     fs.store.frees.Uint64(),
		Limbo:     fs.store.epoch.Pending(),
		Reclaimed: fs.store.epoch.Reclaimed(),
		Arena:     fs.store.alloc.Stats(),
		Cache:     fs.store.cache.Stats(),
	}
}

// Check - verify the snapshots, the allocator and the cache, and that
// every block in use is allocated
func (fs *FS) Check() error {
	g := fs.store.epoch.Enter()
	defer g.Exit()

	if err := fs.store.alloc.Check(); nil != err {
		return fmt.Errorf("allocator: %w", err)
	}
	if err := fs.store.cache.Check(); nil != err {
		return fmt.Errorf("cache: %w", err)
	}
	if err := fs.snaps.Check(); nil != err {
		return err
	}
	return fs.snaps.Reachable(func(p block.Ptr) error {
		if fs.store.alloc.IsFree(p.Addr) {
			return fmt.Errorf("block %s in use but free: %w", p, fault.ErrExtentOverlap)
		}
		return nil
	})
}
