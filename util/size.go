// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitmark-inc/cowfs/fault"
)

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"T", 40},
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// FormatSize - render a byte count using binary units
func FormatSize(n int64) string {
	for _, u := range sizeUnits {
		if n >= 1<<u.shift {
			return fmt.Sprintf("%.1f%siB", float64(n)/float64(int64(1)<<u.shift), u.suffix)
		}
	}
	return fmt.Sprintf("%dB", n)
}

// ParseSize - parse a size such as "512M", "4G" or a plain byte count
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "I")
	if "" == s {
		return 0, fault.ErrDeviceTooSmall
	}

	shift := uint(0)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			shift = u.shift
			s = strings.TrimSuffix(s, u.suffix)
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if nil != err {
		return 0, err
	}
	return n << shift, nil
}
