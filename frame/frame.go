// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package frame contains definitions and utilities for sframe row
// batches. Frames are lists of column vectors that represent fixed
// buffers of rows as they are written to and read from tables.
package frame

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/grailbio/sframe/flextype"
)

// Column represents a single column of values in a frame.
type Column []flextype.Value

// A Frame is a list of column vectors of equal lengths (i.e., it's
// rectangular). Frames provide a set of methods that operate over the
// underlying column vectors in a uniform fashion.
type Frame []Column

// Make creates a new Frame with the given number of columns, length,
// and capacity. If the capacity argument is omitted, a frame with
// capacity equal to the provided length is returned.
func Make(ncol, frameLen int, frameCap ...int) Frame {
	var cap int
	switch len(frameCap) {
	case 0:
		cap = frameLen
	case 1:
		cap = frameCap[0]
	default:
		panic("invalid lencap")
	}
	f := make(Frame, ncol)
	for i := range f {
		f[i] = make(Column, frameLen, cap)
	}
	return f
}

// Columns constructs a frame from a list of columns. Columns panics
// if the column lengths do not match.
func Columns(cols ...Column) Frame {
	f := Frame(cols)
	for i := range f {
		if len(f[i]) != len(f[0]) {
			panic(fmt.Sprintf("inconsistent column lengths: "+
				"column %d has length %d, previous columns have length %d",
				i, len(f[i]), len(f[0])))
		}
	}
	return f
}

// Rows constructs a frame from a list of rows, each of which must
// have ncol values.
func Rows(ncol int, rows ...[]flextype.Value) Frame {
	f := Make(ncol, len(rows))
	for i, row := range rows {
		f.SetRow(i, row)
	}
	return f
}

// Append appends the rows in the frame g to the rows in frame f,
// returning the appended frame. Its semantics matches that of Go's
// builtin append: the returned frame may share underlying storage
// with frame f.
func Append(f, g Frame) Frame {
	if f == nil {
		f = make(Frame, len(g))
	}
	for i := range f {
		f[i] = append(f[i], g[i]...)
	}
	return f
}

// Copy copies the frame src to dst. The number of copied rows is
// returned.
func Copy(dst, src Frame) int {
	var n int
	for i := range dst {
		n = copy(dst[i], src[i])
	}
	return n
}

// Slice returns a frame with rows i to j, analogous to Go's native
// slice operation.
func (f Frame) Slice(i, j int) Frame {
	if f == nil {
		return nil
	}
	if i == 0 && j == f.Len() {
		return f
	}
	g := make(Frame, len(f))
	for k := range g {
		g[k] = f[k][i:j]
	}
	return g
}

// Len returns the frame's length.
func (f Frame) Len() int {
	if len(f) == 0 {
		return 0
	}
	return len(f[0])
}

// Cap returns the frame's capacity.
func (f Frame) Cap() int {
	if len(f) == 0 {
		return 0
	}
	return cap(f[0])
}

// NumOut returns the number of columns in the frame.
func (f Frame) NumOut() int { return len(f) }

// Realloc returns a frame with the provided length, returning f if it
// has enough capacity. Realloc does not copy the contents of f when
// it has to allocate.
func (f Frame) Realloc(ncol, len int) Frame {
	if len <= f.Cap() && ncol == f.NumOut() {
		return f.Slice(0, len)
	}
	return Make(ncol, len)
}

// Row copies row i into the provided slice, which is grown as needed,
// and returns it.
func (f Frame) Row(row []flextype.Value, i int) []flextype.Value {
	row = row[:0]
	for j := range f {
		row = append(row, f[j][i])
	}
	return row
}

// SetRow sets row i of the frame from the provided values.
func (f Frame) SetRow(i int, row []flextype.Value) {
	for j, v := range row {
		f[j][i] = v
	}
}

// Less compares rows i and j lexicographically over the provided key
// columns. Columns listed in desc (if any) sort in descending order.
func (f Frame) Less(keys []int, desc []bool, i, j int) bool {
	for k, col := range keys {
		c := f[col][i].Compare(f[col][j])
		if c == 0 {
			continue
		}
		if k < len(desc) && desc[k] {
			return c > 0
		}
		return c < 0
	}
	return false
}

// Swap swaps the rows i and j in frame f.
func (f Frame) Swap(i, j int) {
	for _, col := range f {
		col[i], col[j] = col[j], col[i]
	}
}

// Clear zeros out the frame.
func (f Frame) Clear() {
	for _, col := range f {
		for i := range col {
			col[i] = flextype.Value{}
		}
	}
}

// String returns a descriptive string of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("frame[%d]x%d", f.Len(), f.NumOut())
}

// WriteTab writes the frame in tabular format to the provided
// io.Writer, headed by the provided column names (if any).
func (f Frame) WriteTab(w io.Writer, names ...string) {
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	if len(names) > 0 {
		fmt.Fprintln(&tw, strings.Join(names, "\t"))
	}
	values := make([]string, len(f))
	for i := 0; i < f.Len(); i++ {
		for j := range f {
			values[j] = f[j][i].String()
		}
		fmt.Fprintln(&tw, strings.Join(values, "\t"))
	}
	tw.Flush()
}

// TabString returns a string representing the frame in tabular format.
func (f Frame) TabString() string {
	var b bytes.Buffer
	f.WriteTab(&b)
	return b.String()
}

// Equal tells whether f1 and f2 are (deeply) equal.
func Equal(f1, f2 Frame) bool {
	if len(f1) != len(f2) || f1.Len() != f2.Len() {
		return false
	}
	for i := range f1 {
		for j := range f1[i] {
			if !f1[i][j].Equal(f2[i][j]) {
				return false
			}
		}
	}
	return true
}
