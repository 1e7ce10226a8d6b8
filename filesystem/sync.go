// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/fault"
)

// Sync - make every upsert that returned before the call durable
func (fs *FS) Sync() error {
	if fs.isClosed() {
		return fault.ErrFilesystemClosed
	}
	return fs.sync()
}

// RequestSync - ask the background syncer for a sync soon, without
// waiting for it
func (fs *FS) RequestSync() {
	select {
	case fs.syncRequest <- struct{}{}:
	default:
	}
}

func (fs *FS) sync() error {
	fs.syncLock.Lock()
	defer fs.syncLock.Unlock()
	return fs.syncLocked()
}

// the order matters: whatever the new superblock refers to must be
// allocated in the logs the arena headers point at before the
// superblock is written, and nothing freed is reused until a
// superblock that no longer refers to it is on disk
func (fs *FS) syncLocked() error {
	start := time.Now()
	seq := fs.store.begin()

	g := fs.store.epoch.Enter()
	err := fs.snaps.Flush()
	if nil == err {
		err = fs.writeState()
	}
	g.Exit()
	if nil != err {
		fs.log.Errorf("sync %d: %s", seq, err)
		return err
	}

	fs.store.complete(seq)
	released := fs.store.release()
	if released > 0 {
		// the frees so far exist only in the arena logs in memory
		if err := fs.writeLogs(); nil != err {
			fs.log.Errorf("sync %d: released: %d: %s", seq, released, err)
			return err
		}
	}
	fs.syncs.Increment()

	fs.log.Debugf("sync %d: superblock: %d  released: %d  time: %s", seq, fs.superSeq, released, time.Since(start))
	return nil
}

func (fs *FS) writeState() error {
	root, height := fs.snaps.Meta()
	sb := &superblock{
		seq:        fs.superSeq + 1,
		metaRoot:   root,
		metaHeight: height,
		nextGen:    fs.snaps.NextGen(),
		nextQid:    atomic.LoadUint64(&fs.nextQid),
	}

	if err := fs.writeLogs(); nil != err {
		return err
	}
	if err := writeSuperblock(fs.dev, sb); nil != err {
		return fmt.Errorf("write superblock: %w", err)
	}
	if err := fs.dev.Sync(); nil != err {
		return err
	}
	fs.superSeq = sb.seq
	return nil
}

// writeLogs - persist the arena logs, then the headers that point at
// their tails
func (fs *FS) writeLogs() error {
	alloc := fs.store.alloc
	if err := alloc.FlushLogs(); nil != err {
		return fmt.Errorf("flush logs: %w", err)
	}
	if err := fs.dev.Sync(); nil != err {
		return err
	}
	if err := alloc.WriteHeaders(); nil != err {
		return fmt.Errorf("write headers: %w", err)
	}
	return fs.dev.Sync()
}

// syncer - periodic and requested syncs
type syncer struct {
	fs       *FS
	log      *logger.L
	interval time.Duration
}

func (s *syncer) Run(args interface{}, shutdown <-chan struct{}) {
	log := s.log
	log.Info("starting…")

	pending := false
	delay := time.After(s.interval)
loop:
	for {
		select {
		case <-shutdown:
			break loop
		case <-s.fs.syncRequest:
			if !s.fs.limiter.Allow() {
				log.Debug("request deferred")
				pending = true
				continue loop
			}
			s.run("request")
		case <-delay:
			reason := "timer"
			if pending {
				reason = "deferred request"
			}
			pending = false
			s.run(reason)
			delay = time.After(s.interval)
		}
	}
	log.Info("stopped")
}

func (s *syncer) run(reason string) {
	if err := s.fs.sync(); nil != err {
		s.log.Errorf("%s sync: %s", reason, err)
		return
	}
	s.log.Tracef("%s sync done", reason)
}

// reclaimer - returns quiescent blocks to the arenas and trims the
// cache between syncs
type reclaimer struct {
	fs       *FS
	log      *logger.L
	interval time.Duration
}

func (r *reclaimer) Run(args interface{}, shutdown <-chan struct{}) {
	log := r.log
	log.Info("starting…")

	delay := time.After(r.interval)
loop:
	for {
		select {
		case <-shutdown:
			break loop
		case <-delay:
			if n := r.fs.store.release(); n > 0 {
				log.Debugf("released: %d blocks", n)
			}
			r.fs.store.cache.Shrink()
			delay = time.After(r.interval)
		}
	}
	log.Info("stopped")
}
