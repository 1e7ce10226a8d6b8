// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tree_test

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/dirent"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/tree"
)

func insert(k string, v string) block.Msg {
	return block.Msg{Op: block.OpInsert, Key: []byte(k), Val: []byte(v)}
}

func op(o block.Op, k string) block.Msg {
	return block.Msg{Op: o, Key: []byte(k)}
}

func key(i int) string {
	return fmt.Sprintf("key%06d", i)
}

func value(i int, size int) string {
	v := fmt.Sprintf("value-%d-", i)
	for len(v) < size {
		v += "x"
	}
	return v[:size]
}

func newTree(t *testing.T) (*memStore, *tree.Tree) {
	s := newMemStore()
	tr, err := tree.Create(s, 1, nil)
	require.NoError(t, err, "create")
	return s, tr
}

func scanAll(t *testing.T, tr *tree.Tree, prefix string) [][2]string {
	var result [][2]string
	it := tr.Scan([]byte(prefix))
	for it.Next() {
		result = append(result, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Error(), "scan")
	it.Release()
	return result
}

func assertNoLeaks(t *testing.T, s *memStore, tr *tree.Tree) {
	r, err := reachable(tr)
	require.NoError(t, err, "walk")
	assert.Equal(t, r, s.live(), "live blocks differ from reachable blocks")
}

func TestEmptyTree(t *testing.T) {
	s, tr := newTree(t)

	_, err := tr.Lookup([]byte("missing"))
	assert.True(t, fault.IsErrNotFound(err), "lookup on empty tree: %v", err)
	assert.Empty(t, scanAll(t, tr, ""))
	assert.NoError(t, tr.Check())
	assert.True(t, tr.Dirty())

	root, height := tr.Root()
	assert.Equal(t, 0, height)
	assert.Equal(t, int64(1), root.Gen)
	assertNoLeaks(t, s, tr)
}

func TestRoundTrip(t *testing.T) {
	s, tr := newTree(t)

	err := tr.Upsert(
		insert("b", "2"),
		insert("a", "1"),
		insert("c", "4"),
		insert("a", "3"),
		op(block.OpClear, "c"),
	)
	require.NoError(t, err)

	v, err := tr.Lookup([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(v), "last write in submission order must win")

	v, err = tr.Lookup([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))

	_, err = tr.Lookup([]byte("c"))
	assert.True(t, fault.IsErrNotFound(err))

	// a returned value is a private copy
	v[0] = 'X'
	v, err = tr.Lookup([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))

	assert.NoError(t, tr.Check())
	assertNoLeaks(t, s, tr)
}

func TestDeleteMissingKey(t *testing.T) {
	s, tr := newTree(t)
	require.NoError(t, tr.Upsert(insert("a", "1")))
	before, _ := tr.Root()

	err := tr.Upsert(op(block.OpDelete, "zz"))
	assert.True(t, fault.IsErrNotFound(err), "delete of missing key: %v", err)

	// nothing of a failing batch is applied
	err = tr.Upsert(insert("x", "1"), op(block.OpDelete, "y"))
	assert.True(t, fault.IsErrNotFound(err))
	_, err = tr.Lookup([]byte("x"))
	assert.True(t, fault.IsErrNotFound(err))

	after, _ := tr.Root()
	assert.Equal(t, before, after, "root changed by failed upsert")

	// delete after insert in the same batch is fine
	require.NoError(t, tr.Upsert(insert("y", "1"), op(block.OpDelete, "y")))
	_, err = tr.Lookup([]byte("y"))
	assert.True(t, fault.IsErrNotFound(err))
	assertNoLeaks(t, s, tr)
}

func TestClearIsIdempotent(t *testing.T) {
	s, tr := newTree(t)
	for i := 0; i < 200; i += 1 {
		require.NoError(t, tr.Upsert(insert(key(i), value(i, 80))))
	}
	before := scanAll(t, tr, "")

	require.NoError(t, tr.Upsert(op(block.OpClear, "absent")))
	assert.Equal(t, before, scanAll(t, tr, ""))

	require.NoError(t, tr.Upsert(op(block.OpClear, "absent"), op(block.OpClear, "absent")))
	assert.Equal(t, before, scanAll(t, tr, ""))

	require.NoError(t, tr.Upsert(op(block.OpClear, key(7))))
	require.NoError(t, tr.Upsert(op(block.OpClear, key(7))))
	_, err := tr.Lookup([]byte(key(7)))
	assert.True(t, fault.IsErrNotFound(err))
	assert.Equal(t, len(before)-1, len(scanAll(t, tr, "")))

	assert.NoError(t, tr.Check())
	assertNoLeaks(t, s, tr)
}

func TestSplit(t *testing.T) {
	s, tr := newTree(t)

	const n = 500
	msgs := make([]block.Msg, n)
	for i := 0; i < n; i += 1 {
		msgs[i] = insert(key(i), value(i, 100))
	}
	require.NoError(t, tr.Upsert(msgs...))
	require.NoError(t, tr.Check())

	_, height := tr.Root()
	assert.True(t, height >= 1, "no split happened")

	// every key is either stored in a leaf or still buffered above it
	leaves := 0
	entries := 0
	err := tr.Walk(func(p block.Ptr, level int) (bool, error) {
		b, err := s.Get(p)
		if nil != err {
			return false, err
		}
		defer b.Release()
		if 0 != level {
			entries += b.NBuf()
			return true, nil
		}
		leaves += 1
		assert.True(t, b.NVal() >= 2, "leaf with %d entries", b.NVal())
		entries += b.NVal()
		return false, nil
	})
	require.NoError(t, err)
	assert.True(t, leaves >= 2, "leaves: %d", leaves)
	assert.Equal(t, n, entries, "entry count after split")

	for i := 0; i < n; i += 1 {
		v, err := tr.Lookup([]byte(key(i)))
		require.NoError(t, err, "lookup %d", i)
		assert.Equal(t, value(i, 100), string(v))
	}
	assert.Equal(t, n, len(scanAll(t, tr, "key")))
	assertNoLeaks(t, s, tr)
}

func TestShrink(t *testing.T) {
	s, tr := newTree(t)

	const n = 800
	for i := 0; i < n; i += 100 {
		msgs := make([]block.Msg, 0, 100)
		for j := i; j < i+100; j += 1 {
			msgs = append(msgs, insert(key(j), value(j, 120)))
		}
		require.NoError(t, tr.Upsert(msgs...))
	}
	_, height := tr.Root()
	require.True(t, height >= 1)

	for i := 0; i < n; i += 1 {
		if 0 == i%3 {
			continue
		}
		require.NoError(t, tr.Upsert(op(block.OpDelete, key(i))), "delete %d", i)
	}
	require.NoError(t, tr.Check())
	assert.Equal(t, (n+2)/3, len(scanAll(t, tr, "")))

	for i := 0; i < n; i += 3 {
		require.NoError(t, tr.Upsert(op(block.OpDelete, key(i))), "delete %d", i)
	}
	require.NoError(t, tr.Check())
	assert.Empty(t, scanAll(t, tr, ""))
	assertNoLeaks(t, s, tr)
}

func TestScanPrefix(t *testing.T) {
	_, tr := newTree(t)
	require.NoError(t, tr.Upsert(
		insert("a", "x"),
		insert("b", "y"),
		insert("c", "z"),
		insert("k2", "v2"),
		insert("k1", "v1"),
	))

	it := tr.Scan([]byte("k"))
	require.True(t, it.Next())
	assert.Equal(t, "k1", string(it.Key()))
	assert.Equal(t, "v1", string(it.Value()))
	require.True(t, it.Next())
	assert.Equal(t, "k2", string(it.Key()))
	assert.Equal(t, "v2", string(it.Value()))
	assert.False(t, it.Next())
	assert.False(t, it.Next(), "iterator restarted")
	assert.NoError(t, it.Error())
	it.Release()

	assert.Empty(t, scanAll(t, tr, "m"))
	assert.Equal(t, 5, len(scanAll(t, tr, "")))

	r := &util.Range{Start: []byte("b"), Limit: []byte("k2")}
	it = tr.ScanRange(r)
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Release()
	assert.Equal(t, []string{"b", "c", "k1"}, keys)
}

// messages held in pivot buffers must be visible to lookups and scans
func TestBufferedMessages(t *testing.T) {
	s, tr := newTree(t)

	const n = 400
	msgs := make([]block.Msg, n)
	for i := 0; i < n; i += 1 {
		msgs[i] = insert(key(i), value(i, 100))
	}
	require.NoError(t, tr.Upsert(msgs...))
	_, height := tr.Root()
	require.True(t, height >= 1)

	// small updates stay in the root buffer
	require.NoError(t, tr.Upsert(insert(key(10), "new")))
	require.NoError(t, tr.Upsert(op(block.OpDelete, key(11))))
	require.NoError(t, tr.Upsert(insert(key(11), "back")))
	require.NoError(t, tr.Upsert(insert("key000010a", "between")))
	require.NoError(t, tr.Upsert(op(block.OpClear, key(12))))

	root, _ := tr.Root()
	b, err := s.Get(root)
	require.NoError(t, err)
	assert.True(t, b.NBuf() > 0, "root has no buffered messages")
	b.Release()

	v, err := tr.Lookup([]byte(key(10)))
	require.NoError(t, err)
	assert.Equal(t, "new", string(v))
	v, err = tr.Lookup([]byte(key(11)))
	require.NoError(t, err)
	assert.Equal(t, "back", string(v))
	_, err = tr.Lookup([]byte(key(12)))
	assert.True(t, fault.IsErrNotFound(err))

	got := scanAll(t, tr, "key00001")
	require.True(t, len(got) >= 4)
	assert.Equal(t, [2]string{key(10), "new"}, got[0])
	assert.Equal(t, [2]string{"key000010a", "between"}, got[1])
	assert.Equal(t, [2]string{key(11), "back"}, got[2])
	assert.Equal(t, key(13), got[3][0])

	require.NoError(t, tr.Check())
	assertNoLeaks(t, s, tr)
}

func TestReferenceCount(t *testing.T) {
	_, tr := newTree(t)
	require.NoError(t, tr.Upsert(block.Msg{Op: block.OpInsert, Key: []byte("s"), Val: []byte{0, 0, 0, 1, 'd'}}))

	require.NoError(t, tr.Upsert(op(block.OpRef, "s"), op(block.OpRef, "s")))
	v, err := tr.Lookup([]byte("s"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 3, 'd'}, v)

	require.NoError(t, tr.Upsert(op(block.OpUnref, "s"), op(block.OpUnref, "s"), op(block.OpUnref, "s")))
	v, err = tr.Lookup([]byte("s"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 'd'}, v)

	err = tr.Upsert(op(block.OpUnref, "s"))
	assert.True(t, fault.IsErrRecord(err), "unref below zero: %v", err)

	err = tr.Upsert(op(block.OpRef, "none"))
	assert.True(t, fault.IsErrNotFound(err))
}

func TestWstat(t *testing.T) {
	_, tr := newTree(t)
	d := &dirent.Dir{Qid: dirent.Qid{Path: 5}, Mode: 0644, Name: "f"}
	buf, err := d.Pack()
	require.NoError(t, err)

	k := dirent.EntryKey(1, "f")
	require.NoError(t, tr.Upsert(block.Msg{Op: block.OpInsert, Key: k, Val: buf}))

	s := &dirent.Wstat{Mask: dirent.WLength, Length: 99}
	require.NoError(t, tr.Upsert(block.Msg{Op: block.OpWstat, Key: k, Val: s.Pack()}))

	v, err := tr.Lookup(k)
	require.NoError(t, err)
	d2, err := dirent.UnpackDir(v)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), d2.Length)
	assert.Equal(t, uint32(1), d2.Qid.Vers)
}

func TestBadMessages(t *testing.T) {
	_, tr := newTree(t)
	long := make([]byte, block.MaxKey+1)
	err := tr.Upsert(block.Msg{Op: block.OpInsert, Key: long})
	assert.True(t, fault.IsErrLength(err))

	err = tr.Upsert(block.Msg{Op: block.OpInsert, Key: []byte("k"), Val: make([]byte, block.MaxValue+1)})
	assert.True(t, fault.IsErrLength(err))

	err = tr.Upsert(block.Msg{Op: block.Op(99), Key: []byte("k")})
	assert.True(t, fault.IsErrInvalid(err))
}

func TestFailedUpsertCommitsNothing(t *testing.T) {
	s, tr := newTree(t)
	for i := 0; i < 300; i += 50 {
		msgs := make([]block.Msg, 0, 50)
		for j := i; j < i+50; j += 1 {
			msgs = append(msgs, insert(key(j), value(j, 100)))
		}
		require.NoError(t, tr.Upsert(msgs...))
	}
	root, height := tr.Root()
	live := s.live()
	before := scanAll(t, tr, "")

	msgs := make([]block.Msg, 0, 300)
	for i := 0; i < 300; i += 1 {
		msgs = append(msgs, insert(key(i), value(i+1000, 200)))
	}
	s.failAfter = s.writes + 3
	err := tr.Upsert(msgs...)
	assert.True(t, errors.Is(err, errInjected), "error: %v", err)

	r, h := tr.Root()
	assert.Equal(t, root, r)
	assert.Equal(t, height, h)
	assert.Equal(t, live, s.live(), "blocks of the failed upsert were not released")
	assert.Equal(t, before, scanAll(t, tr, ""))

	s.failAfter = -1
	require.NoError(t, tr.Upsert(msgs...))
	v, err := tr.Lookup([]byte(key(5)))
	require.NoError(t, err)
	assert.Equal(t, value(1005, 200), string(v))
	assertNoLeaks(t, s, tr)
}

func TestReadOnlyAndSharedRoot(t *testing.T) {
	s, t0 := newTree(t)
	for i := 0; i < 300; i += 1 {
		require.NoError(t, t0.Upsert(insert(key(i), value(i, 60))))
	}
	root, height := t0.Root()
	t0.SetReadOnly(true)
	assert.True(t, t0.IsReadOnly())

	var killed []block.Ptr
	t1 := tree.Open(s, root, height, 2, func(p block.Ptr) error {
		if 2 == p.Gen {
			return s.Free(p)
		}
		killed = append(killed, p)
		return nil
	})

	require.NoError(t, t1.Upsert(insert(key(0), "changed"), op(block.OpDelete, key(1))))
	assert.NotEmpty(t, killed, "blocks of the older generation were not handed to kill")
	for _, p := range killed {
		assert.Equal(t, int64(1), p.Gen)
	}

	v, err := t0.Lookup([]byte(key(0)))
	require.NoError(t, err)
	assert.Equal(t, value(0, 60), string(v))
	_, err = t0.Lookup([]byte(key(1)))
	assert.NoError(t, err)

	v, err = t1.Lookup([]byte(key(0)))
	require.NoError(t, err)
	assert.Equal(t, "changed", string(v))
	_, err = t1.Lookup([]byte(key(1)))
	assert.True(t, fault.IsErrNotFound(err))

	assert.Equal(t, fault.ErrReadOnly, t0.Upsert(insert("a", "b")))
	assert.NoError(t, t0.Check())
	assert.NoError(t, t1.Check())
}

// random batches checked against an ordered in memory reference
func TestAgainstReference(t *testing.T) {
	s, tr := newTree(t)
	db := memdb.New(comparer.DefaultComparer, 0)
	rng := rand.New(rand.NewSource(42))

	const keySpace = 1500
	for round := 0; round < 40; round += 1 {
		n := 1 + rng.Intn(250)
		msgs := make([]block.Msg, 0, n)

		// the reference is updated in submission order, after sorting
		// the tree must produce the same result
		for i := 0; i < n; i += 1 {
			k := []byte(key(rng.Intn(keySpace)))
			switch r := rng.Intn(10); {
			case r < 6:
				v := []byte(value(rng.Int(), rng.Intn(300)))
				msgs = append(msgs, block.Msg{Op: block.OpInsert, Key: k, Val: v})
				require.NoError(t, db.Put(k, v))
			case r < 8:
				msgs = append(msgs, block.Msg{Op: block.OpClear, Key: k})
				_ = db.Delete(k)
			default:
				if _, err := db.Get(k); nil == err {
					msgs = append(msgs, block.Msg{Op: block.OpDelete, Key: k})
					require.NoError(t, db.Delete(k))
				}
			}
		}
		require.NoError(t, tr.Upsert(msgs...), "round %d", round)
		require.NoError(t, tr.Check(), "round %d", round)

		it := db.NewIterator(nil)
		var want [][2]string
		for it.Next() {
			want = append(want, [2]string{string(it.Key()), string(it.Value())})
		}
		it.Release()
		require.Equal(t, want, scanAll(t, tr, ""), "round %d", round)

		for i := 0; i < 20; i += 1 {
			k := []byte(key(rng.Intn(keySpace)))
			expected, err := db.Get(k)
			v, err2 := tr.Lookup(k)
			if nil == err {
				require.NoError(t, err2)
				assert.True(t, bytes.Equal(expected, v), "round %d key %s", round, k)
			} else {
				assert.True(t, fault.IsErrNotFound(err2), "round %d key %s", round, k)
			}
		}
	}
	assertNoLeaks(t, s, tr)
}
