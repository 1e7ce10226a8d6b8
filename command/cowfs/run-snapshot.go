// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/bitmark-inc/cowfs/snapshot"
)

func runLabels(c *cli.Context) error {
	m, err := mounted(c)
	if nil != err {
		return err
	}
	labels, err := m.fs.Labels()
	if nil != err {
		return err
	}
	for _, l := range labels {
		fmt.Fprintf(m.w, "%-20s %d\n", l.Name, l.Gen)
	}
	return nil
}

func runSnapshot(c *cli.Context) error {
	name, err := argument(c, "snapshot")
	if nil != err {
		return err
	}
	return withTree(c, func(m *metadata, t *snapshot.Tree) error {
		gen, err := m.fs.NewSnapshot(t, name)
		if nil != err {
			return err
		}
		fmt.Fprintf(m.w, "snapshot: %q  gen: %d  %q now at gen: %d\n", name, gen, m.label, t.Gen())
		return nil
	})
}

func runLabel(c *cli.Context) error {
	name, err := argument(c, "label")
	if nil != err {
		return err
	}
	return withTree(c, func(m *metadata, t *snapshot.Tree) error {
		if err := m.fs.Label(name, t); nil != err {
			return err
		}
		if m.verbose {
			fmt.Fprintf(m.e, "label: %q  gen: %d\n", name, t.Gen())
		}
		return nil
	})
}

func runUnlabel(c *cli.Context) error {
	name, err := argument(c, "unlabel")
	if nil != err {
		return err
	}
	m, err := mounted(c)
	if nil != err {
		return err
	}
	return m.fs.Unlabel(name)
}
