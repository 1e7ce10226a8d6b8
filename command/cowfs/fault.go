// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/bitmark-inc/cowfs/fault"
)

// common errors - keep in alphabetic order
const (
	ErrMissingArgument = fault.InvalidError("missing argument")
	ErrMissingDevice   = fault.InvalidError("missing device")
	ErrMissingSize     = fault.InvalidError("new image needs a size")
	ErrTooManyValues   = fault.InvalidError("value given both as argument and file")
)
