// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/bitmark-inc/cowfs/filesystem"
	"github.com/bitmark-inc/cowfs/snapshot"
	"github.com/bitmark-inc/cowfs/storage"
)

// mounted - the metadata with the filesystem mounted
func mounted(c *cli.Context) (*metadata, error) {
	m := c.App.Metadata["config"].(*metadata)
	if nil != m.fs {
		return m, nil
	}

	dev, err := storage.OpenFile(m.file, 0)
	if nil != err {
		return nil, err
	}
	fs, err := filesystem.Mount(dev, filesystem.Options{})
	if nil != err {
		dev.Close()
		return nil, err
	}
	m.dev = dev
	m.fs = fs
	return m, nil
}

// unmount - final sync then release the device
func (m *metadata) unmount() error {
	var err error
	if nil != m.fs {
		err = m.fs.Close()
		m.fs = nil
	}
	if nil != m.dev {
		if e := m.dev.Close(); nil == err {
			err = e
		}
		m.dev = nil
	}
	return err
}

// withTree - run fn on the tree the label option names
func withTree(c *cli.Context, fn func(m *metadata, t *snapshot.Tree) error) error {
	m, err := mounted(c)
	if nil != err {
		return err
	}
	t, err := m.fs.Open(m.label)
	if nil != err {
		return err
	}
	err = fn(m, t)
	if e := m.fs.CloseTree(t); nil == err {
		err = e
	}
	return err
}

// the first positional argument
func argument(c *cli.Context, name string) (string, error) {
	s := c.Args().First()
	if "" == s {
		return "", fmt.Errorf("%s: %w", name, ErrMissingArgument)
	}
	return s, nil
}
