// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package epoch - deferred reclamation of shared data
//
// A reader brackets its access with Enter and Exit.  Items that have
// been made unreachable are retired with the epoch current at the
// time; they are handed back for reclamation only once every reader
// that entered in or before that epoch has left.
package epoch

import (
	"sync"

	"github.com/bitmark-inc/cowfs/counter"
)

type retired struct {
	epoch uint64
	item  interface{}
}

// Manager - global epoch state
type Manager struct {
	sync.Mutex
	global  uint64
	active  map[uint64]int
	retired []retired

	reclaimed counter.Counter
}

// Guard - an active reader
type Guard struct {
	m     *Manager
	epoch uint64
}

// New - create a manager
func New() *Manager {
	return &Manager{
		active: make(map[uint64]int),
	}
}

// Enter - start a read side critical section
func (m *Manager) Enter() *Guard {
	m.Lock()
	defer m.Unlock()

	g := &Guard{
		m:     m,
		epoch: m.global,
	}
	m.active[g.epoch] += 1
	return g
}

// Exit - end the critical section, calling it twice is harmless
func (g *Guard) Exit() {
	if nil == g.m {
		return
	}
	m := g.m
	g.m = nil

	m.Lock()
	defer m.Unlock()

	if n := m.active[g.epoch] - 1; n > 0 {
		m.active[g.epoch] = n
	} else {
		delete(m.active, g.epoch)
	}
}

// Retire - queue an item that no new reader can reach
func (m *Manager) Retire(item interface{}) {
	m.Lock()
	defer m.Unlock()

	m.retired = append(m.retired, retired{
		epoch: m.global,
		item:  item,
	})
}

// Reclaim - advance the epoch and offer every quiescent item to
// release; items for which it returns false stay queued
//
// release is called with the manager locked so it must not call back
// into the manager
func (m *Manager) Reclaim(release func(item interface{}) bool) int {
	m.Lock()
	defer m.Unlock()

	// every queued item has an epoch <= global
	oldest := m.global + 1
	for e := range m.active {
		if e < oldest {
			oldest = e
		}
	}
	m.global += 1

	kept := m.retired[:0]
	n := 0
	for _, r := range m.retired {
		if r.epoch < oldest && release(r.item) {
			n += 1
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(m.retired); i += 1 {
		m.retired[i] = retired{}
	}
	m.retired = kept
	m.reclaimed.Add(uint64(n))
	return n
}

// Pending - number of items waiting
func (m *Manager) Pending() int {
	m.Lock()
	defer m.Unlock()
	return len(m.retired)
}

// Reclaimed - total number of items released
func (m *Manager) Reclaimed() uint64 {
	return m.reclaimed.Uint64()
}
