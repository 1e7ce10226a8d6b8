// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/bitmark-inc/cowfs/arena"
	"github.com/bitmark-inc/cowfs/cache"
	"github.com/bitmark-inc/cowfs/util"
)

type snapshotInfo struct {
	Gen    int64    `json:"gen"`
	Ref    uint32   `json:"ref"`
	Pred   int64    `json:"pred"`
	Succ   int64    `json:"succ"`
	Height int      `json:"height"`
	Dead   int64    `json:"dead"`
	Labels []string `json:"labels"`
}

type info struct {
	Sequence  uint64         `json:"sequence"`
	NextGen   int64          `json:"next_gen"`
	NextQid   uint64         `json:"next_qid"`
	Size      string         `json:"size"`
	Free      string         `json:"free"`
	Arenas    []arena.Stats  `json:"arenas"`
	Cache     cache.Stats    `json:"cache"`
	Snapshots []snapshotInfo `json:"snapshots"`
}

func runInfo(c *cli.Context) error {
	m, err := mounted(c)
	if nil != err {
		return err
	}

	s := m.fs.Stats()
	result := info{
		Sequence: s.Sequence,
		NextGen:  s.NextGen,
		NextQid:  s.NextQid,
		Size:     util.FormatSize(s.Arena.Size),
		Free:     util.FormatSize(s.Arena.Free),
		Arenas:   s.Arena.Arenas,
		Cache:    s.Cache,
	}

	labels, err := m.fs.Labels()
	if nil != err {
		return err
	}
	names := make(map[int64][]string)
	for _, l := range labels {
		names[l.Gen] = append(names[l.Gen], l.Name)
	}

	descs, err := m.fs.Snapshots()
	if nil != err {
		return err
	}
	for _, d := range descs {
		result.Snapshots = append(result.Snapshots, snapshotInfo{
			Gen:    d.Gen,
			Ref:    d.Ref,
			Pred:   d.Pred,
			Succ:   d.Succ,
			Height: d.Height,
			Dead:   d.DeadCount(),
			Labels: names[d.Gen],
		})
	}

	return m.printJSON(result)
}

func runCheck(c *cli.Context) error {
	m, err := mounted(c)
	if nil != err {
		return err
	}
	if err := m.fs.Check(); nil != err {
		return err
	}
	fmt.Fprintf(m.w, "check: ok\n")
	return nil
}

func runCompact(c *cli.Context) error {
	m, err := mounted(c)
	if nil != err {
		return err
	}
	n, err := m.fs.Compact()
	if nil != err {
		return err
	}
	fmt.Fprintf(m.w, "compacted: %d arena logs\n", n)
	return nil
}
