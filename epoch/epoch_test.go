// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package epoch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bitmark-inc/cowfs/epoch"
)

func collect(m *epoch.Manager) []interface{} {
	var items []interface{}
	m.Reclaim(func(item interface{}) bool {
		items = append(items, item)
		return true
	})
	return items
}

func TestReaderBlocksReclaim(t *testing.T) {
	m := epoch.New()

	g := m.Enter()
	m.Retire("a")

	// the reader may still see "a"
	assert.Nil(t, collect(m))
	assert.Equal(t, 1, m.Pending())

	// a reader arriving later does not hold back older items
	late := m.Enter()
	g.Exit()
	assert.Equal(t, []interface{}{"a"}, collect(m))
	late.Exit()
	late.Exit()

	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, uint64(1), m.Reclaimed())
}

func TestQuiescentImmediately(t *testing.T) {
	m := epoch.New()
	m.Retire(1)
	m.Retire(2)
	assert.Equal(t, []interface{}{1, 2}, collect(m))
}

func TestReleaseRefusal(t *testing.T) {
	m := epoch.New()
	m.Retire(1)
	m.Retire(2)
	m.Retire(3)

	n := m.Reclaim(func(item interface{}) bool {
		return 2 != item.(int)
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, m.Pending())
	assert.Equal(t, []interface{}{2}, collect(m))
}
