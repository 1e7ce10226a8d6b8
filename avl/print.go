// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package avl

import (
	"fmt"
	"io"
)

// Print - indented dump of the tree structure, right branch first so
// it reads as the tree rotated a quarter turn
func (tree *Tree) Print(w io.Writer) {
	if nil == tree.root {
		fmt.Fprintln(w, "<empty>")
		return
	}
	printTree(w, tree.root, "", "")
}

func printTree(w io.Writer, p *Node, prefix string, branch string) {
	if nil == p {
		return
	}
	printTree(w, p.right, prefix+"      ", "/")
	fmt.Fprintf(w, "%s%s[0x%x+0x%x h:%d]\n", prefix, branch, p.offset, p.length, p.height)
	printTree(w, p.left, prefix+"      ", "\\")
}
