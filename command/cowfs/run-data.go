// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io/ioutil"

	"github.com/urfave/cli"

	"github.com/bitmark-inc/cowfs/block"
	"github.com/bitmark-inc/cowfs/snapshot"
)

func runPut(c *cli.Context) error {
	key, err := argument(c, "put")
	if nil != err {
		return err
	}

	value := []byte(c.Args().Get(1))
	if file := c.String("file"); "" != file {
		if 0 != len(value) {
			return ErrTooManyValues
		}
		value, err = ioutil.ReadFile(file)
		if nil != err {
			return err
		}
	}

	msg := block.Msg{Op: block.OpInsert, Key: []byte(key), Val: value}
	if err := msg.Check(); nil != err {
		return err
	}
	return withTree(c, func(m *metadata, t *snapshot.Tree) error {
		return m.fs.Upsert(t, msg)
	})
}

func runGet(c *cli.Context) error {
	key, err := argument(c, "get")
	if nil != err {
		return err
	}
	return withTree(c, func(m *metadata, t *snapshot.Tree) error {
		v, err := m.fs.Lookup(t, []byte(key))
		if nil != err {
			return err
		}
		fmt.Fprintf(m.w, "%s\n", v)
		return nil
	})
}

func runDelete(c *cli.Context) error {
	key, err := argument(c, "delete")
	if nil != err {
		return err
	}
	return withTree(c, func(m *metadata, t *snapshot.Tree) error {
		return m.fs.Upsert(t, block.Msg{Op: block.OpDelete, Key: []byte(key)})
	})
}

func runList(c *cli.Context) error {
	prefix := []byte(c.Args().First())
	values := c.Bool("values")
	return withTree(c, func(m *metadata, t *snapshot.Tree) error {
		it := m.fs.Scan(t, prefix)
		defer it.Release()
		for it.Next() {
			if values {
				fmt.Fprintf(m.w, "%q = %q\n", it.Key(), it.Value())
			} else {
				fmt.Fprintf(m.w, "%s\n", it.Key())
			}
		}
		return it.Error()
	})
}
