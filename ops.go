// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sframe

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe/sarray"
)

func (f *SFrame) lookup(name string) (int, error) {
	i, ok := f.ColumnIndex(name)
	if !ok {
		return -1, errors.E(errors.Invalid, fmt.Sprintf("sframe: no column named %q", name))
	}
	return i, nil
}

func (f *SFrame) checkLength(col *sarray.SArray) error {
	if len(f.cols) > 0 && col.Size() != f.nrows {
		return errors.E(errors.Invalid, fmt.Sprintf("sframe: column has %d rows, table has %d", col.Size(), f.nrows))
	}
	return nil
}

// SelectColumns returns a table of the named columns, in the order
// given.
func (f *SFrame) SelectColumns(names []string) (*SFrame, error) {
	f.mustBe(openForRead)
	cols := make([]*sarray.SArray, len(names))
	seen := make(map[string]bool)
	for i, name := range names {
		if seen[name] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sframe: column %q selected twice", name))
		}
		seen[name] = true
		j, err := f.lookup(name)
		if err != nil {
			return nil, err
		}
		cols[i] = f.cols[j]
	}
	return f.derive(cols, append([]string(nil), names...)), nil
}

// SelectColumn returns a new handle to the named column.
func (f *SFrame) SelectColumn(name string) (*sarray.SArray, error) {
	f.mustBe(openForRead)
	i, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	return f.cols[i].Clone(), nil
}

// AddColumn returns a table with col appended as its last column. If
// name is empty, the column is named after its position (X<n>);
// adding a column with an existing name is an error.
func (f *SFrame) AddColumn(col *sarray.SArray, name string) (*SFrame, error) {
	f.mustBe(openForRead)
	if err := f.checkLength(col); err != nil {
		return nil, err
	}
	taken := make(map[string]bool)
	for _, n := range f.names {
		taken[n] = true
	}
	if name == "" {
		name = uniqueName(generatedName(len(f.names)), taken)
	} else if taken[name] {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sframe: column %q already exists", name))
	}
	g := f.derive(append(append([]*sarray.SArray(nil), f.cols...), col), append(append([]string(nil), f.names...), name))
	g.nrows = col.Size()
	return g, nil
}

// RemoveColumn returns a table without column i.
func (f *SFrame) RemoveColumn(i int) *SFrame {
	f.mustBe(openForRead)
	must.Truef(i >= 0 && i < len(f.cols), "sframe: column %d out of range [0, %d)", i, len(f.cols))
	cols := append(append([]*sarray.SArray(nil), f.cols[:i]...), f.cols[i+1:]...)
	names := append(append([]string(nil), f.names[:i]...), f.names[i+1:]...)
	g := f.derive(cols, names)
	if len(cols) == 0 {
		g.nrows = 0
	}
	return g
}

// SwapColumns returns a table with columns i and j exchanged.
func (f *SFrame) SwapColumns(i, j int) *SFrame {
	f.mustBe(openForRead)
	must.Truef(i >= 0 && i < len(f.cols) && j >= 0 && j < len(f.cols),
		"sframe: columns %d, %d out of range [0, %d)", i, j, len(f.cols))
	cols := append([]*sarray.SArray(nil), f.cols...)
	names := append([]string(nil), f.names...)
	cols[i], cols[j] = cols[j], cols[i]
	names[i], names[j] = names[j], names[i]
	return f.derive(cols, names)
}

// ReplaceColumn returns a table in which the named column is replaced
// by col.
func (f *SFrame) ReplaceColumn(col *sarray.SArray, name string) (*SFrame, error) {
	f.mustBe(openForRead)
	i, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	if len(f.cols) > 1 {
		if err := f.checkLength(col); err != nil {
			return nil, err
		}
	}
	cols := append([]*sarray.SArray(nil), f.cols...)
	cols[i] = col
	g := f.derive(cols, append([]string(nil), f.names...))
	g.nrows = col.Size()
	return g, nil
}

// RenameColumn returns a table in which column i is named name.
func (f *SFrame) RenameColumn(i int, name string) (*SFrame, error) {
	f.mustBe(openForRead)
	must.Truef(i >= 0 && i < len(f.cols), "sframe: column %d out of range [0, %d)", i, len(f.cols))
	if j, ok := f.ColumnIndex(name); ok && j != i {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sframe: column %q already exists", name))
	}
	if name == "" {
		return nil, errors.E(errors.Invalid, "sframe: empty column name")
	}
	names := append([]string(nil), f.names...)
	names[i] = name
	return f.derive(f.cols, names), nil
}

func (f *SFrame) empty() bool {
	return f.state == openForRead && (len(f.cols) == 0 || f.nrows == 0)
}

// Append returns a table with the rows of f followed by the rows of
// other. The tables must have the same column names and types, in the
// same order. If either table is uninitialized or has no rows, the
// other is returned (as a new handle). The columns of the result are
// compacted if appending leaves them with too many segments.
func (f *SFrame) Append(ctx context.Context, other *SFrame) (*SFrame, error) {
	switch {
	case f.state == uninitialized && other.state == uninitialized:
		return f, nil
	case f.state == uninitialized || f.empty():
		return other.Clone(), nil
	case other.state == uninitialized || other.empty():
		return f.Clone(), nil
	}
	f.mustBe(openForRead)
	other.mustBe(openForRead)
	if len(f.names) != len(other.names) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("sframe: cannot append table of %d columns to table of %d columns", len(other.names), len(f.names)))
	}
	for i := range f.names {
		if f.names[i] != other.names[i] {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("sframe: column %d: cannot append column %q to column %q", i, other.names[i], f.names[i]))
		}
		if f.types[i] != other.types[i] {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("sframe: column %q: cannot append %s values to %s column", f.names[i], other.types[i], f.types[i]))
		}
	}
	g := &SFrame{
		m:     f.m,
		state: openForRead,
		names: append([]string(nil), f.names...),
		types: append(f.types[:0:0], f.types...),
		nrows: f.nrows + other.nrows,
		meta:  make(map[string]string),
	}
	for k, v := range f.meta {
		g.meta[k] = v
	}
	for i := range f.cols {
		col, err := f.cols[i].Append(other.cols[i])
		if err == nil {
			_, err = col.TryCompact(ctx, 0)
		}
		if col != nil {
			g.cols = append(g.cols, col)
		}
		if err != nil {
			g.releaseColumns(ctx)
			return nil, err
		}
	}
	return g, nil
}
