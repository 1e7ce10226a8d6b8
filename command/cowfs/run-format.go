// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/bitmark-inc/cowfs/filesystem"
	"github.com/bitmark-inc/cowfs/storage"
	"github.com/bitmark-inc/cowfs/util"
)

func runFormat(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	size := int64(0)
	if s := c.String("size"); "" != s {
		n, err := util.ParseSize(s)
		if nil != err {
			return err
		}
		size = n
	}
	if 0 == size && !util.EnsureFileExists(m.file) {
		return fmt.Errorf("%q: %w", m.file, ErrMissingSize)
	}
	arenas := c.Int("arenas")

	dev, err := storage.OpenFile(m.file, size)
	if nil != err {
		return err
	}
	m.dev = dev

	if m.verbose {
		fmt.Fprintf(m.e, "formatting: %s in %d arenas\n", util.FormatSize(dev.Size()), arenas)
	}
	if err := filesystem.Format(dev, filesystem.Options{Arenas: arenas}); nil != err {
		return err
	}

	fmt.Fprintf(m.w, "formatted: %q  size: %s  arenas: %d\n", m.file, util.FormatSize(dev.Size()), arenas)
	return nil
}
