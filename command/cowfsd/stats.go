// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/filesystem"
	"github.com/bitmark-inc/cowfs/util"
)

const (
	memoryDelay = 60 * time.Second
	mega        = 1048576
)

// statsReporter - periodic filesystem counters
type statsReporter struct {
	fs       *filesystem.FS
	log      *logger.L
	interval time.Duration
}

func (r *statsReporter) Run(args interface{}, shutdown <-chan struct{}) {
	log := r.log
	log.Info("starting…")

	delay := time.After(r.interval)
loop:
	for {
		select {
		case <-shutdown:
			break loop
		case <-delay:
			s := r.fs.Stats()
			log.Infof("sequence: %d  open: %d  syncs: %d  limbo: %d  reclaimed: %d",
				s.Sequence, s.Open, s.Syncs, s.Limbo, s.Reclaimed)
			log.Infof("free: %s of %s  reads: %d  writes: %d  stale: %d",
				util.FormatSize(s.Arena.Free), util.FormatSize(s.Arena.Size), s.Reads, s.Writes, s.Stale)
			log.Debugf("cache: %+v", s.Cache)
			delay = time.After(r.interval)
		}
	}
	log.Info("stopped")
}

// memoryReporter - runtime memory use
type memoryReporter struct {
	log *logger.L
}

func (r *memoryReporter) Run(args interface{}, shutdown <-chan struct{}) {
	log := r.log

	delay := time.After(0)
loop:
	for {
		select {
		case <-shutdown:
			break loop
		case <-delay:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			text, err := json.Marshal(m)
			if nil != err {
				log.Errorf("marshal error: %s", err)
			} else {
				log.Debugf("stats: %s", text)
			}
			a := m.Alloc / mega
			t := m.TotalAlloc / mega
			s := m.Sys / mega
			log.Infof("allocated: %d M  cumulative: %d M  OS virtual: %d M", a, t, s)

			delay = time.After(memoryDelay)
		}
	}
}
