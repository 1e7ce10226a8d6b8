// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package configuration_test

import (
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/cowfs/configuration"
	"github.com/bitmark-inc/cowfs/fault"
)

type device struct {
	File   string `gluamapper:"file"`
	Size   string `gluamapper:"size"`
	Arenas int    `gluamapper:"arenas"`
}

type config struct {
	DataDirectory string            `gluamapper:"data_directory"`
	Device        device            `gluamapper:"device"`
	Interval      int               `gluamapper:"sync_interval"`
	Levels        map[string]string `gluamapper:"levels"`
}

func write(t *testing.T, text string) string {
	name := filepath.Join(t.TempDir(), "test.conf")
	require.NoError(t, ioutil.WriteFile(name, []byte(text), 0600), "write config")
	return name
}

func TestParseConfigurationFile(t *testing.T) {
	name := write(t, `
local M = {}
M.data_directory = "."
M.device = {
    file = "image",
    size = size or "64M",
    arenas = 4,
}
M.sync_interval = 5 * 2
M.levels = {
    DEFAULT = "info",
    filesystem = "debug",
}
assert(arg[0] ~= nil)
return M
`)

	c := config{}
	err := configuration.ParseConfigurationFile(name, &c, nil)
	require.NoError(t, err, "parse")

	assert.Equal(t, ".", c.DataDirectory)
	assert.Equal(t, "image", c.Device.File)
	assert.Equal(t, "64M", c.Device.Size)
	assert.Equal(t, 4, c.Device.Arenas)
	assert.Equal(t, 10, c.Interval)
	assert.Equal(t, "debug", c.Levels["filesystem"])
}

func TestParseConfigurationVariables(t *testing.T) {
	name := write(t, `return { device = { size = size or "64M" } }`)

	c := config{}
	err := configuration.ParseConfigurationFile(name, &c, map[string]string{"size": "2G"})
	require.NoError(t, err, "parse")
	assert.Equal(t, "2G", c.Device.Size)
}

func TestParseConfigurationErrors(t *testing.T) {
	c := config{}

	err := configuration.ParseConfigurationFile(write(t, `x = 1`), &c, nil)
	assert.True(t, errors.Is(err, fault.ErrInvalidConfiguration), "no table: %v", err)

	err = configuration.ParseConfigurationFile(write(t, `return {`), &c, nil)
	assert.Error(t, err, "syntax")

	err = configuration.ParseConfigurationFile(filepath.Join(t.TempDir(), "absent.conf"), &c, nil)
	assert.Error(t, err, "missing file")
}
