// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/cowfs/configuration"
	"github.com/bitmark-inc/cowfs/fault"
	"github.com/bitmark-inc/cowfs/filesystem"
	"github.com/bitmark-inc/cowfs/util"
)

// basic defaults (directories and files are relative to the "DataDirectory" from Configuration file)
const (
	defaultDataDirectory = "" // this will error; use "." for the same directory as the config file

	defaultDeviceFile = "cowfs.img"
	defaultDeviceSize = "1G"
	defaultArenas     = 4

	defaultCacheBlocks     = 4096
	defaultSyncInterval    = 5 // seconds
	defaultSyncRate        = 2.0
	defaultReclaimInterval = 1 // seconds
	defaultMaxLogBlocks    = 64
	defaultStatsInterval   = 60 // seconds

	defaultLogDirectory = "log"
	defaultLogFile      = "cowfsd.log"
	defaultLogCount     = 10          //  number of log files retained
	defaultLogSize      = 1024 * 1024 // rotate when <logfile> exceeds this size
)

// to hold log levels
type LoglevelMap map[string]string

// path expanded or calculated defaults
var (
	defaultLogLevels = LoglevelMap{
		logger.DefaultTag: "critical",
	}
)

// DeviceType - the backing image or block device
type DeviceType struct {
	File string `gluamapper:"file" json:"file"`
	Size string `gluamapper:"size" json:"size"` // only used when creating an image
}

// CacheType - block cache sizing
type CacheType struct {
	Blocks int `gluamapper:"blocks" json:"blocks"`
}

// SyncType - background sync and release
type SyncType struct {
	Interval     int     `gluamapper:"interval" json:"interval"`
	MaxPerSecond float64 `gluamapper:"max_per_second" json:"max_per_second"`
	Reclaim      int     `gluamapper:"reclaim" json:"reclaim"`
	Stats        int     `gluamapper:"stats" json:"stats"`
}

// ArenaType - allocator layout
type ArenaType struct {
	Count        int `gluamapper:"count" json:"count"`
	MaxLogBlocks int `gluamapper:"max_log_blocks" json:"max_log_blocks"`
}

// Configuration - the daemon settings
type Configuration struct {
	DataDirectory string               `gluamapper:"data_directory" json:"data_directory"`
	PidFile       string               `gluamapper:"pidfile" json:"pidfile"`
	Device        DeviceType           `gluamapper:"device" json:"device"`
	Cache         CacheType            `gluamapper:"cache" json:"cache"`
	Sync          SyncType             `gluamapper:"sync" json:"sync"`
	Arenas        ArenaType            `gluamapper:"arenas" json:"arenas"`
	Logging       logger.Configuration `gluamapper:"logging" json:"logging"`
}

// will read decode and verify the configuration
func getConfiguration(configurationFileName string, variables map[string]string) (*Configuration, error) {

	configurationFileName, err := filepath.Abs(filepath.Clean(configurationFileName))
	if nil != err {
		return nil, err
	}

	// absolute path to the main directory
	dataDirectory, _ := filepath.Split(configurationFileName)

	options := &Configuration{

		DataDirectory: defaultDataDirectory,
		PidFile:       "", // no PidFile by default

		Device: DeviceType{
			File: defaultDeviceFile,
			Size: defaultDeviceSize,
		},

		Cache: CacheType{
			Blocks: defaultCacheBlocks,
		},

		Sync: SyncType{
			Interval:     defaultSyncInterval,
			MaxPerSecond: defaultSyncRate,
			Reclaim:      defaultReclaimInterval,
			Stats:        defaultStatsInterval,
		},

		Arenas: ArenaType{
			Count:        defaultArenas,
			MaxLogBlocks: defaultMaxLogBlocks,
		},

		Logging: logger.Configuration{
			Directory: defaultLogDirectory,
			File:      defaultLogFile,
			Size:      defaultLogSize,
			Count:     defaultLogCount,
			Levels:    defaultLogLevels,
		},
	}

	if err := configuration.ParseConfigurationFile(configurationFileName, options, variables); err != nil {
		return nil, err
	}

	// ensure absolute data directory
	if "" == options.DataDirectory || "~" == options.DataDirectory {
		return nil, fmt.Errorf("Path: %q is not a valid directory: %w", options.DataDirectory, fault.ErrInvalidConfiguration)
	} else if "." == options.DataDirectory {
		options.DataDirectory = dataDirectory // same directory as the configuration file
	}
	options.DataDirectory = filepath.Clean(options.DataDirectory)

	// this directory must exist - i.e. must be created prior to running
	if fileInfo, err := os.Stat(options.DataDirectory); nil != err {
		return nil, err
	} else if !fileInfo.IsDir() {
		return nil, fmt.Errorf("Path: %q is not a directory: %w", options.DataDirectory, fault.ErrInvalidConfiguration)
	}

	if _, err := util.ParseSize(options.Device.Size); nil != err {
		return nil, fmt.Errorf("Device size: %q: %w", options.Device.Size, fault.ErrInvalidConfiguration)
	}
	if options.Arenas.Count <= 0 {
		return nil, fmt.Errorf("Arenas: count %d: %w", options.Arenas.Count, fault.ErrInvalidConfiguration)
	}
	if options.Sync.Interval < 0 || options.Sync.Reclaim < 0 || options.Sync.Stats < 0 {
		return nil, fmt.Errorf("Sync: negative interval: %w", fault.ErrInvalidConfiguration)
	}

	// force all relevant items to be absolute paths
	// if not, assign them to the data directory
	mustBeAbsolute := []*string{
		&options.Device.File,
		&options.Logging.Directory,
	}
	for _, f := range mustBeAbsolute {
		*f = util.EnsureAbsolute(options.DataDirectory, *f)
	}

	// optional absolute paths i.e. blank or an absolute path
	optionalAbsolute := []*string{
		&options.PidFile,
	}
	for _, f := range optionalAbsolute {
		if "" != *f {
			*f = util.EnsureAbsolute(options.DataDirectory, *f)
		}
	}

	// fail if the log file is not a simple file name
	switch filepath.Dir(options.Logging.File) {
	case "", ".":
	default:
		return nil, fmt.Errorf("Files: %q is not plain name: %w", options.Logging.File, fault.ErrInvalidConfiguration)
	}

	// create the log directory if it does not already exist
	if err := os.MkdirAll(options.Logging.Directory, 0700); nil != err {
		return nil, err
	}

	// done
	return options, nil
}

// filesystemOptions - the mount settings from the configuration
func (c *Configuration) filesystemOptions() filesystem.Options {
	return filesystem.Options{
		Arenas:          c.Arenas.Count,
		CacheBlocks:     c.Cache.Blocks,
		SyncInterval:    time.Duration(c.Sync.Interval) * time.Second,
		SyncRate:        c.Sync.MaxPerSecond,
		ReclaimInterval: time.Duration(c.Sync.Reclaim) * time.Second,
		MaxLogBlocks:    c.Arenas.MaxLogBlocks,
	}
}
