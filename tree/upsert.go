// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/fault"
)

// upsert progress
type state int

const (
	walking state = iota
	flushing
	propagating
	redo
	committing
	done
)

// one upsert in progress
type upsert struct {
	t     *Tree
	store Store
	gen   int64

	root   block.Ptr
	height int

	// blocks written by this upsert and still live
	fresh   map[int64]block.Ptr
	counts  map[int64]int
	settled map[int64]bool

	// blocks reachable from the committed root that were replaced
	dead []block.Ptr
}

// Upsert - apply a batch of messages atomically
//
// messages are applied in key order, messages for the same key in
// the order given
func (t *Tree) Upsert(msgs ...block.Msg) error {
	if 0 == len(msgs) {
		return nil
	}
	for _, m := range msgs {
		if err := m.Check(); nil != err {
			return err
		}
	}

	t.wlock.Lock()
	defer t.wlock.Unlock()

	if t.IsReadOnly() {
		return fault.ErrReadOnly
	}

	sorted := make([]block.Msg, len(msgs))
	copy(sorted, msgs)
	block.SortMsgs(sorted)

	root, height := t.Root()
	if err := preflight(t.store, root, height, sorted); nil != err {
		return err
	}

	u := &upsert{
		t:       t,
		store:   t.store,
		gen:     t.Gen(),
		root:    root,
		height:  height,
		fresh:   make(map[int64]block.Ptr),
		counts:  make(map[int64]int),
		settled: make(map[int64]bool),
	}

	rounds, err := u.run(sorted)
	if nil != err {
		u.abort()
		return err
	}

	t.log.Debugf("upsert: %d messages  rounds: %d  height: %d  killed: %d", len(sorted), rounds, u.height, len(u.dead))
	return nil
}

// check that every message needing an existing value will find one so
// that a batch either applies completely or not at all
func preflight(store Store, root block.Ptr, height int, msgs []block.Msg) error {
	for i := 0; i < len(msgs); {
		j := i + 1
		for j < len(msgs) && bytes.Equal(msgs[i].Key, msgs[j].Key) {
			j += 1
		}
		group := msgs[i:j]
		i = j

		needed := false
		for _, m := range group {
			if block.OpInsert != m.Op && block.OpClear != m.Op {
				needed = true
				break
			}
		}
		if !needed {
			continue
		}

		cur, present, err := lookupAt(store, root, height, group[0].Key)
		if nil != err {
			return err
		}
		for _, m := range group {
			if !present && block.OpInsert != m.Op && block.OpClear != m.Op {
				return fmt.Errorf("%s %x: %w", m.Op, m.Key, fault.ErrMissingKey)
			}
			cur, present, err = Apply(m, cur, present)
			if nil != err {
				return err
			}
		}
	}
	return nil
}

// the round loop, each round pushes at most one buffer worth of
// messages into the root
func (u *upsert) run(msgs []block.Msg) (int, error) {
	rounds := 0
	var chunk []block.Msg
	var out []block.Kvp
	var rootBlock *block.Block

	st := walking
	for done != st {
		switch st {
		case walking:
			n, size := 0, 0
			for n < len(msgs) && (0 == n || size+msgs[n].Len()+block.Slot <= block.BufSpace) {
				size += msgs[n].Len() + block.Slot
				n += 1
			}
			chunk, msgs = msgs[:n], msgs[n:]

			b, err := u.store.Get(u.root)
			if nil != err {
				return rounds, err
			}
			if err := expectType(b, u.height); nil != err {
				b.Release()
				return rounds, err
			}
			rootBlock = b
			st = flushing

		case flushing:
			var err error
			out, err = u.rewrite(rootBlock, u.height, chunk)
			rootBlock.Release()
			rootBlock = nil
			if nil != err {
				return rounds, err
			}
			if err := u.supersede(u.root); nil != err {
				return rounds, err
			}
			st = propagating

		case propagating:
			if err := u.propagate(out); nil != err {
				return rounds, err
			}
			rounds += 1
			if len(msgs) > 0 {
				st = redo
			} else {
				st = committing
			}

		case redo:
			st = walking

		case committing:
			u.t.commit(u.root, u.height)
			for _, p := range u.dead {
				if err := u.t.kill(p); nil != err {
					fault.PanicWithError("tree: kill after commit", err)
				}
			}
			st = done
		}
	}
	return rounds, nil
}

// install the nodes produced by rewriting the root: grow while more
// than one node remains, fold a pivot with a single child into it
func (u *upsert) propagate(out []block.Kvp) error {
	for {
		if len(out) > 1 {
			u.height += 1
			var err error
			out, err = u.writeNodes(u.height, out, nil, 1)
			if nil != err {
				return err
			}
			continue
		}

		if 0 == len(out) {
			b, err := u.store.New(block.Leaf, u.gen)
			if nil != err {
				return err
			}
			p, err := u.store.Write(b)
			b.Release()
			if nil != err {
				_ = u.store.Free(b.Ptr)
				return err
			}
			u.fresh[p.Addr] = p
			u.counts[p.Addr] = 0
			u.root = p
			u.height = 0
			return nil
		}

		u.root = out[0].Child().Ptr
		if 0 == u.height {
			return nil
		}

		b, err := u.store.Get(u.root)
		if nil != err {
			return err
		}
		if b.NVal() > 1 {
			b.Release()
			return nil
		}
		child := b.Val(0)
		msgs := make([]block.Msg, b.NBuf())
		for i := range msgs {
			msgs[i] = b.Msg(i)
		}
		b.Release()

		if err := u.supersede(u.root); nil != err {
			return err
		}
		u.height -= 1
		if 0 == len(msgs) {
			out = []block.Kvp{child}
			continue
		}
		out, err = u.flushChild(u.height, child, msgs)
		if nil != err {
			return err
		}
	}
}

// rewrite a node with messages pushed into it, returning the
// replacement nodes: none, one, or several after a split
func (u *upsert) rewrite(b *block.Block, level int, msgs []block.Msg) ([]block.Kvp, error) {
	if 0 == level {
		vals, err := applyLeaf(b, msgs)
		if nil != err {
			return nil, err
		}
		return u.writeNodes(0, vals, nil, 1)
	}

	entries := make([]block.Kvp, b.NVal())
	for i := range entries {
		entries[i] = b.Val(i)
	}
	old := make([]block.Msg, b.NBuf())
	for i := range old {
		old[i] = b.Msg(i)
	}
	return u.buildPivot(level, entries, mergeMsgs(old, msgs), 1)
}

// push messages into the child referenced by kv
func (u *upsert) flushChild(level int, kv block.Kvp, msgs []block.Msg) ([]block.Kvp, error) {
	p := kv.Child().Ptr
	b, err := u.store.Get(p)
	if nil != err {
		return nil, err
	}
	if err := expectType(b, level); nil != err {
		b.Release()
		return nil, err
	}
	out, err := u.rewrite(b, level, msgs)
	b.Release()
	if nil != err {
		return nil, err
	}
	if err := u.supersede(p); nil != err {
		return nil, err
	}
	if len(out) > 0 {
		out[0].Key = kv.Key
	}
	return out, nil
}

// pivot contents as a list of child entries and buffered messages:
// while the buffer overflows, push the messages of the child with the
// largest share down, then write as many pivots as the entries need
func (u *upsert) buildPivot(level int, entries []block.Kvp, msgs []block.Msg, minParts int) ([]block.Kvp, error) {
	entries, err := u.rebalance(level, entries)
	if nil != err {
		return nil, err
	}
	for msgBytes(msgs) > block.BufSpace {
		v := victim(entries, msgs)

		var sub, rest []block.Msg
		for _, m := range msgs {
			if route(entries, m.Key) == v {
				sub = append(sub, m)
			} else {
				rest = append(rest, m)
			}
		}

		repl, err := u.flushChild(level-1, entries[v], sub)
		if nil != err {
			return nil, err
		}
		entries = splice(entries, v, 1, repl)
		entries, err = u.rebalance(level, entries)
		if nil != err {
			return nil, err
		}
		msgs = rest
	}

	if 0 == len(entries) {
		if 0 != len(msgs) {
			fault.Panicf("tree: %d messages left with no children", len(msgs))
		}
		return nil, nil
	}
	return u.writeNodes(level, entries, msgs, minParts)
}

// fix children of a pivot that this upsert left underfull
func (u *upsert) rebalance(level int, entries []block.Kvp) ([]block.Kvp, error) {
	capacity := capacityAt(level - 1)
	for len(entries) > 1 {
		i := -1
		for j, e := range entries {
			if u.underfull(e, capacity) {
				i = j
				break
			}
		}
		if i < 0 {
			break
		}

		l, r := i, i+1
		if r >= len(entries) {
			l, r = i-1, i
		}
		out, changed, err := u.rebalancePair(level-1, entries[l], entries[r])
		if nil != err {
			return nil, err
		}
		if !changed {
			u.settled[entries[i].Child().Ptr.Addr] = true
			continue
		}
		entries = splice(entries, l, 2, out)
	}
	return entries, nil
}

// only nodes written by this upsert are considered, older nodes
// already satisfied the invariants when they were written
func (u *upsert) underfull(e block.Kvp, capacity int) bool {
	c := e.Child()
	n, ok := u.counts[c.Ptr.Addr]
	if !ok || u.settled[c.Ptr.Addr] {
		return false
	}
	return n < 2 || int(c.Fill) < capacity/4
}

// merge two siblings if they fit in one node, otherwise rotate entries
// between them if the imbalance is large or one has fewer than two
// entries, otherwise leave them alone
func (u *upsert) rebalancePair(level int, left block.Kvp, right block.Kvp) ([]block.Kvp, bool, error) {
	capacity := capacityAt(level)
	lc, rc := left.Child(), right.Child()
	lf, rf := int(lc.Fill), int(rc.Fill)
	fits := lf+rf <= capacity

	if !fits && u.count(lc.Ptr) >= 2 && u.count(rc.Ptr) >= 2 {
		diff := lf - rf
		if diff < 0 {
			diff = -diff
		}
		if diff <= capacity/4 {
			return nil, false, nil
		}
	}

	lb, err := u.store.Get(lc.Ptr)
	if nil != err {
		return nil, false, err
	}
	defer lb.Release()
	rb, err := u.store.Get(rc.Ptr)
	if nil != err {
		return nil, false, err
	}
	defer rb.Release()
	if err := expectType(lb, level); nil != err {
		return nil, false, err
	}
	if err := expectType(rb, level); nil != err {
		return nil, false, err
	}

	entries := make([]block.Kvp, 0, lb.NVal()+rb.NVal())
	for i := 0; i < lb.NVal(); i += 1 {
		entries = append(entries, lb.Val(i))
	}
	for i := 0; i < rb.NVal(); i += 1 {
		kv := rb.Val(i)
		if 0 == i && level > 0 {
			// the first child of the right node covers everything
			// from the parent separator upwards
			kv.Key = right.Key
		}
		entries = append(entries, kv)
	}

	var msgs []block.Msg
	for i := 0; i < lb.NBuf(); i += 1 {
		msgs = append(msgs, lb.Msg(i))
	}
	for i := 0; i < rb.NBuf(); i += 1 {
		msgs = append(msgs, rb.Msg(i))
	}

	if err := u.supersede(lc.Ptr); nil != err {
		return nil, false, err
	}
	if err := u.supersede(rc.Ptr); nil != err {
		return nil, false, err
	}

	minParts := 1
	if !fits {
		minParts = 2
	}

	var out []block.Kvp
	if 0 == level {
		out, err = u.writeNodes(0, entries, nil, minParts)
	} else {
		out, err = u.buildPivot(level, entries, msgs, minParts)
	}
	if nil != err {
		return nil, false, err
	}
	if len(out) > 0 {
		out[0].Key = left.Key
	}
	return out, true, nil
}

func (u *upsert) count(p block.Ptr) int {
	if n, ok := u.counts[p.Addr]; ok {
		return n
	}
	return 2
}

// write entries as one or more nodes at a level, returning the
// parent entries for them
func (u *upsert) writeNodes(level int, entries []block.Kvp, msgs []block.Msg, minParts int) ([]block.Kvp, error) {
	if 0 == len(entries) {
		return nil, nil
	}
	sizes := make([]int, len(entries))
	for i, e := range entries {
		sizes[i] = e.Len()
	}
	starts := partition(sizes, capacityAt(level), minParts)

	out := make([]block.Kvp, 0, len(starts))
	m := 0
	for i, s := range starts {
		e := len(entries)
		if i+1 < len(starts) {
			e = starts[i+1]
		}

		var partMsgs []block.Msg
		if level > 0 {
			first := m
			for m < len(msgs) && (e == len(entries) || bytes.Compare(msgs[m].Key, entries[e].Key) < 0) {
				m += 1
			}
			partMsgs = msgs[first:m]
		}

		kv, err := u.writeNode(level, entries[s:e], partMsgs)
		if nil != err {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, nil
}

func (u *upsert) writeNode(level int, entries []block.Kvp, msgs []block.Msg) (block.Kvp, error) {
	t := block.Leaf
	if level > 0 {
		t = block.Pivot
	}
	b, err := u.store.New(t, u.gen)
	if nil != err {
		return block.Kvp{}, err
	}
	defer b.Release()

	for _, e := range entries {
		b.AppendVal(e)
	}
	for _, m := range msgs {
		b.AppendMsg(m)
	}

	p, err := u.store.Write(b)
	if nil != err {
		_ = u.store.Free(b.Ptr)
		return block.Kvp{}, err
	}
	u.fresh[p.Addr] = p
	u.counts[p.Addr] = len(entries)

	key := make([]byte, len(entries[0].Key))
	copy(key, entries[0].Key)
	return block.Kvp{
		Key: key,
		Val: block.Child{Ptr: p, Fill: uint16(b.ValSize())},
	}, nil
}

// a replaced block is freed at once if this upsert wrote it, otherwise
// it is killed when the new root is committed
func (u *upsert) supersede(p block.Ptr) error {
	if _, ok := u.fresh[p.Addr]; ok {
		delete(u.fresh, p.Addr)
		delete(u.counts, p.Addr)
		delete(u.settled, p.Addr)
		return u.store.Free(p)
	}
	u.dead = append(u.dead, p)
	return nil
}

// give back everything written by a failed upsert
func (u *upsert) abort() {
	for _, p := range u.fresh {
		if err := u.store.Free(p); nil != err {
			u.t.log.Errorf("abort: free %s: %s", p, err)
		}
	}
	u.fresh = nil
	u.dead = nil
}

// merge the contents of a leaf with sorted messages
func applyLeaf(b *block.Block, msgs []block.Msg) ([]block.Kvp, error) {
	n := b.NVal()
	out := make([]block.Kvp, 0, n+len(msgs))

	i, j := 0, 0
	for i < n || j < len(msgs) {
		var key, cur []byte
		present := false

		switch {
		case j >= len(msgs):
			out = append(out, b.Val(i))
			i += 1
			continue
		case i >= n:
			key = msgs[j].Key
		default:
			c := bytes.Compare(b.Key(i), msgs[j].Key)
			if c < 0 {
				out = append(out, b.Val(i))
				i += 1
				continue
			}
			if 0 == c {
				kv := b.Val(i)
				key, cur, present = kv.Key, kv.Inline(), true
				i += 1
			} else {
				key = msgs[j].Key
			}
		}

		for j < len(msgs) && bytes.Equal(msgs[j].Key, key) {
			var err error
			cur, present, err = Apply(msgs[j], cur, present)
			if nil != err {
				return nil, err
			}
			j += 1
		}
		if present {
			out = append(out, block.Kvp{Key: key, Val: block.Inline(cur)})
		}
	}
	return out, nil
}

// merge two sorted message lists, older first for equal keys
func mergeMsgs(older []block.Msg, newer []block.Msg) []block.Msg {
	out := make([]block.Msg, 0, len(older)+len(newer))
	i, j := 0, 0
	for i < len(older) && j < len(newer) {
		if bytes.Compare(newer[j].Key, older[i].Key) < 0 {
			out = append(out, newer[j])
			j += 1
		} else {
			out = append(out, older[i])
			i += 1
		}
	}
	out = append(out, older[i:]...)
	return append(out, newer[j:]...)
}

func msgBytes(msgs []block.Msg) int {
	n := 0
	for _, m := range msgs {
		n += m.Len() + block.Slot
	}
	return n
}

// index of the child entry whose range holds key
func route(entries []block.Kvp, key []byte) int {
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) > 0
	})
	if i > 0 {
		i -= 1
	}
	return i
}

// child with the most buffered message bytes
func victim(entries []block.Kvp, msgs []block.Msg) int {
	volume := make([]int, len(entries))
	for _, m := range msgs {
		volume[route(entries, m.Key)] += m.Len() + block.Slot
	}
	best := 0
	for i, v := range volume {
		if v > volume[best] {
			best = i
		}
	}
	return best
}

// replace n entries at i with repl
func splice(entries []block.Kvp, i int, n int, repl []block.Kvp) []block.Kvp {
	out := make([]block.Kvp, 0, len(entries)-n+len(repl))
	out = append(out, entries[:i]...)
	out = append(out, repl...)
	return append(out, entries[i+n:]...)
}

func capacityAt(level int) int {
	if 0 == level {
		return block.LeafSpace
	}
	return block.PivotSpace
}

// start indices of the fewest byte balanced runs of at least two
// entries that each fit capacity
func partition(sizes []int, capacity int, minParts int) []int {
	total := 0
	for _, s := range sizes {
		total += s + block.Slot
	}
	if len(sizes) < 2*minParts {
		minParts = 1
	}
	if 1 == minParts && total <= capacity {
		return []int{0}
	}

	k := (total + capacity - 1) / capacity
	if k < minParts {
		k = minParts
	}
	if k < 2 {
		k = 2
	}
	for ; 2*k <= len(sizes); k += 1 {
		starts := []int{0}
		acc := 0
		for i, s := range sizes {
			part := len(starts)
			if part < k && acc*k >= total*part && i-starts[part-1] >= 2 && len(sizes)-i >= 2*(k-part) {
				starts = append(starts, i)
			}
			acc += s + block.Slot
		}
		if len(starts) == k && runsFit(sizes, starts, capacity) {
			return starts
		}
	}
	fault.Panicf("tree: cannot partition %d entries of %d bytes into nodes of %d", len(sizes), total, capacity)
	return nil
}

func runsFit(sizes []int, starts []int, capacity int) bool {
	for i, s := range starts {
		e := len(sizes)
		if i+1 < len(starts) {
			e = starts[i+1]
		}
		if e-s < 2 {
			return false
		}
		n := 0
		for _, size := range sizes[s:e] {
			n += size + block.Slot
		}
		if n > capacity {
			return false
		}
	}
	return true
}
