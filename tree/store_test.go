// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tree_test

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/tree"
)

var errInjected = errors.New("injected write failure")

// in memory block store that detects leaks and double frees
type memStore struct {
	sync.Mutex
	next      int64
	blocks    map[int64][]byte
	freed     map[int64]bool
	writes    int
	failAfter int
}

func newMemStore() *memStore {
	return &memStore{
		blocks:    make(map[int64][]byte),
		freed:     make(map[int64]bool),
		failAfter: -1,
	}
}

func (s *memStore) Get(p block.Ptr) (*block.Block, error) {
	s.Lock()
	data, ok := s.blocks[p.Addr]
	s.Unlock()
	if !ok {
		return nil, fmt.Errorf("get %s: no such block", p)
	}
	buf := make([]byte, block.Size)
	copy(buf, data)
	b, err := block.Load(buf, p)
	if nil != err {
		return nil, err
	}
	if err := b.Verify(p); nil != err {
		return nil, err
	}
	return b, nil
}

func (s *memStore) New(t block.Type, gen int64) (*block.Block, error) {
	s.Lock()
	defer s.Unlock()
	s.next += 1
	return block.New(t, s.next, gen), nil
}

func (s *memStore) Write(b *block.Block) (block.Ptr, error) {
	s.Lock()
	defer s.Unlock()
	if s.failAfter >= 0 && s.writes >= s.failAfter {
		return block.Nil, errInjected
	}
	s.writes += 1
	p := b.Finalise()
	data := make([]byte, block.Size)
	copy(data, b.Data)
	s.blocks[p.Addr] = data
	b.Clear(block.Dirty)
	return p, nil
}

func (s *memStore) Free(p block.Ptr) error {
	s.Lock()
	defer s.Unlock()
	if s.freed[p.Addr] {
		return fmt.Errorf("free %s: double free", p)
	}
	if p.Addr > s.next || p.Addr <= 0 {
		return fmt.Errorf("free %s: unknown block", p)
	}
	s.freed[p.Addr] = true
	delete(s.blocks, p.Addr)
	return nil
}

func (s *memStore) live() []int64 {
	s.Lock()
	defer s.Unlock()
	a := make([]int64, 0, len(s.blocks))
	for addr := range s.blocks {
		a = append(a, addr)
	}
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	return a
}

// addresses reachable from the tree
func reachable(t *tree.Tree) ([]int64, error) {
	var a []int64
	err := t.Walk(func(p block.Ptr, level int) (bool, error) {
		a = append(a, p.Addr)
		return true, nil
	})
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	return a, err
}
