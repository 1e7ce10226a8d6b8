// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/bitmark-inc/logger"
	"github.com/urfave/cli"

	"github.com/bitmark-inc/cowfs/filesystem"
	"github.com/bitmark-inc/cowfs/storage"
)

type metadata struct {
	file    string
	dev     *storage.File
	fs      *filesystem.FS
	label   string
	verbose bool
	e       io.Writer
	w       io.Writer
}

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero" // do not change this value

// the logger can only be set up once per process
var logging struct {
	sync.Once
	directory string
	err       error
}

func main() {
	app := newApp()
	err := app.Run(os.Args)

	if "" != logging.directory {
		logger.Finalise()
		_ = os.RemoveAll(logging.directory)
	}
	if nil != err {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {

	app := cli.NewApp()
	app.Name = "cowfs"
	app.Usage = "inspect and maintain a cowfs device"
	app.Version = version
	app.HideVersion = true

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " verbose result",
		},
		cli.StringFlag{
			Name:   "device, d",
			Value:  "",
			Usage:  "*image or block device `FILE`",
			EnvVar: "COWFS_DEVICE",
		},
		cli.StringFlag{
			Name:  "label, l",
			Value: filesystem.DefaultLabel,
			Usage: " snapshot `NAME` to operate on",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "critical",
			Usage: " logging `LEVEL` [debug|info|warn|error|critical]",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "format",
			Usage:     "initialise a device, destroying its contents",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "size, s",
					Value: "",
					Usage: " create an image of `SIZE` e.g. 512M if it does not exist",
				},
				cli.IntFlag{
					Name:  "arenas, a",
					Value: 4,
					Usage: " number of allocation `COUNT`",
				},
			},
			Action: runFormat,
		},
		{
			Name:   "info",
			Usage:  "display space usage, counters and snapshots",
			Action: runInfo,
		},
		{
			Name:   "check",
			Usage:  "verify allocator, trees and snapshot links",
			Action: runCheck,
		},
		{
			Name:   "compact",
			Usage:  "rewrite long allocation logs",
			Action: runCompact,
		},
		{
			Name:   "labels",
			Usage:  "list every label and the generation it names",
			Action: runLabels,
		},
		{
			Name:      "snapshot",
			Usage:     "freeze the current label under a new name",
			ArgsUsage: "NAME",
			Action:    runSnapshot,
		},
		{
			Name:      "label",
			Usage:     "add a name for the current label's snapshot",
			ArgsUsage: "NAME",
			Action:    runLabel,
		},
		{
			Name:      "unlabel",
			Usage:     "remove a name, deleting the snapshot if nothing else names it",
			ArgsUsage: "NAME",
			Action:    runUnlabel,
		},
		{
			Name:      "put",
			Usage:     "set the value of a key",
			ArgsUsage: "KEY [VALUE]",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "file, f",
					Value: "",
					Usage: " read the value from `FILE`",
				},
			},
			Action: runPut,
		},
		{
			Name:      "get",
			Usage:     "display the value of a key",
			ArgsUsage: "KEY",
			Action:    runGet,
		},
		{
			Name:      "delete",
			Usage:     "remove a key",
			ArgsUsage: "KEY",
			Action:    runDelete,
		},
		{
			Name:      "list",
			Usage:     "list keys in order",
			ArgsUsage: "[PREFIX]",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "values, V",
					Usage: " also display values",
				},
			},
			Action: runList,
		},
		{
			Name:  "version",
			Usage: "display cowfs version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s\n", version)
				return nil
			},
		},
	}

	app.Before = func(c *cli.Context) error {

		e := c.App.ErrWriter
		w := c.App.Writer
		verbose := c.GlobalBool("verbose")

		command := c.Args().Get(0)
		switch command {
		case "", "help", "h", "version":
			return nil
		}

		logging.Do(func() {
			logging.err = startLogging(c.GlobalString("log-level"), verbose)
		})
		if nil != logging.err {
			return logging.err
		}

		file := c.GlobalString("device")
		if "" == file {
			return ErrMissingDevice
		}
		if verbose {
			fmt.Fprintf(e, "device: %q\n", file)
		}

		c.App.Metadata["config"] = &metadata{
			file:    file,
			label:   c.GlobalString("label"),
			verbose: verbose,
			e:       e,
			w:       w,
		}
		return nil
	}

	// unmount and release the device
	app.After = func(c *cli.Context) error {
		m, ok := c.App.Metadata["config"].(*metadata)
		if !ok {
			return nil
		}
		return m.unmount()
	}

	return app
}

// the logger's minimum file count is 10
const (
	logSize  = 1048576
	logCount = 10
)

func startLogging(level string, console bool) error {
	dir, err := ioutil.TempDir("", "cowfs-log-")
	if nil != err {
		return err
	}
	logging.directory = dir

	return logger.Initialise(logger.Configuration{
		Directory: dir,
		File:      "cowfs.log",
		Size:      logSize,
		Count:     logCount,
		Console:   console,
		Levels: map[string]string{
			logger.DefaultTag: level,
		},
	})
}
