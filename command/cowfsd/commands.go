// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/filesystem"
	"github.com/bitmark-inc/cowfs/storage"
	"github.com/bitmark-inc/cowfs/util"
)

// setup command handler
//
// commands that need neither the configuration file nor the device
func processSetupCommand(program string, arguments []string) bool {

	command := "help"
	if len(arguments) > 0 {
		command = arguments[0]
	}

	switch command {
	case "version", "v":
		fmt.Printf("%s\n", version)

	case "config-test", "cfg", "format", "check", "info":
		return false // defer processing until configuration is read

	case "start", "run":
		return false // continue processing

	default:
		switch command {
		case "help", "h", "?":
		case "", " ":
			fmt.Printf("error: missing command\n")
		default:
			fmt.Printf("error: no such command: %q\n", command)
		}
		fmt.Printf("usage: %s [--help] [--verbose] [--quiet] [--define=NAME=VALUE...] --config-file=FILE [[command|help] arguments...]\n", program)

		fmt.Printf("supported commands:\n\n")
		fmt.Printf("  help                       (h)      - display this message\n\n")
		fmt.Printf("  version                    (v)      - display version string\n\n")

		fmt.Printf("  start                      (run)    - mount the device and run, same as no arguments\n")
		fmt.Printf("\n")

		fmt.Printf("  config-test                (cfg)    - just check the configuration file\n")
		fmt.Printf("\n")

		fmt.Printf("  format                              - initialise the device, destroying its contents\n")
		fmt.Printf("\n")

		fmt.Printf("  check                               - verify the device without starting\n")
		fmt.Printf("\n")

		fmt.Printf("  info                                - display space and snapshot summary\n")
		fmt.Printf("\n")

		exitwithstatus.Exit(1)
	}

	return true
}

// configuration command handler
//
// commands that only inspect the configuration
func processConfigCommand(arguments []string, options *Configuration) bool {

	command := "help"
	if len(arguments) > 0 {
		command = arguments[0]
	}

	switch command {
	case "config-test", "cfg":
		b, err := json.Marshal(options)
		if err != nil {
			exitwithstatus.Message("error: %s", err)
		}
		var out bytes.Buffer
		_ = json.Indent(&out, b, "", "  ")
		_, _ = out.WriteTo(os.Stdout)
		_, _ = os.Stdout.WriteString("\n")

	default: // unknown commands fall through to data command
		return false
	}

	return true
}

// data command handler
//
// commands that work on an unmounted device
func processDataCommand(log *logger.L, arguments []string, dev storage.Device, options *Configuration) bool {

	command := "help"
	if len(arguments) > 0 {
		command = arguments[0]
	}

	switch command {
	case "format":
		if err := filesystem.Format(dev, options.filesystemOptions()); nil != err {
			log.Criticalf("format error: %s", err)
			exitwithstatus.Message("format error: %s", err)
		}
		fmt.Printf("formatted: %q  size: %s  arenas: %d\n", options.Device.File, util.FormatSize(dev.Size()), options.Arenas.Count)

	case "check", "info":
		opts := options.filesystemOptions()
		opts.SyncInterval = 0
		opts.ReclaimInterval = 0
		fs, err := filesystem.Mount(dev, opts)
		if nil != err {
			log.Criticalf("mount error: %s", err)
			exitwithstatus.Message("mount error: %s", err)
		}
		defer fs.Close()

		if "check" == command {
			if err := fs.Check(); nil != err {
				log.Criticalf("check error: %s", err)
				exitwithstatus.Message("check error: %s", err)
			}
			fmt.Printf("check: ok\n")
			return true
		}
		if err := printInfo(fs); nil != err {
			exitwithstatus.Message("info error: %s", err)
		}

	default:
		return false
	}

	return true
}

func printInfo(fs *filesystem.FS) error {
	s := fs.Stats()
	fmt.Printf("sequence:   %d\n", s.Sequence)
	fmt.Printf("next gen:   %d\n", s.NextGen)
	fmt.Printf("next qid:   %d\n", s.NextQid)
	fmt.Printf("space:      %s free of %s\n", util.FormatSize(s.Arena.Free), util.FormatSize(s.Arena.Size))
	for _, a := range s.Arena.Arenas {
		fmt.Printf("  arena %d:  %s free  extents: %d  log blocks: %d\n", a.Index, util.FormatSize(a.Free), a.Extents, a.LogBlocks)
	}

	labels, err := fs.Labels()
	if nil != err {
		return err
	}
	names := make(map[int64][]string)
	for _, l := range labels {
		names[l.Gen] = append(names[l.Gen], l.Name)
	}

	descs, err := fs.Snapshots()
	if nil != err {
		return err
	}
	fmt.Printf("snapshots:\n")
	for _, d := range descs {
		fmt.Printf("  %s  labels: %v\n", d, names[d.Gen])
	}
	return nil
}
