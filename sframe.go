// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sframe

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frame"
	"github.com/grailbio/sframe/sarray"
)

// IndexSuffix is the file suffix of table indices.
const IndexSuffix = ".frame_idx"

type state int

const (
	uninitialized state = iota
	openForWrite
	openForRead
	released
)

var stateNames = [...]string{
	uninitialized: "uninitialized",
	openForWrite:  "open for write",
	openForRead:   "open for read",
	released:      "released",
}

func (s state) String() string { return stateNames[s] }

// SFrame is a table of named columns. See the package documentation
// for its lifecycle.
type SFrame struct {
	m     *blockio.Manager
	state state
	names []string
	types []flextype.Type
	meta  map[string]string

	// Write state.
	w    *blockio.GroupWriter
	path string

	// Read state.
	cols  []*sarray.SArray
	nrows int64
	ref   string
	files []string
}

// New returns a new, uninitialized SFrame managed by m.
func New(m *blockio.Manager) *SFrame {
	return &SFrame{m: m}
}

func (f *SFrame) mustBe(s state) {
	must.Truef(f.state == s, "sframe: table is %s, not %s", f.state, s)
}

// OpenForWrite initializes the table for writing nsegments segments of
// rows with the provided column names and types. Unnamed columns are
// named X1, X2, ... after their position; duplicate names are made
// unique by appending .1, .2, ... unless failOnDuplicateNames is set,
// in which case they are an error. If path is empty, the table is
// stored in temporary files; otherwise path names the table's index
// (conventionally ending in .frame_idx), and its data files are stored
// alongside it.
func (f *SFrame) OpenForWrite(ctx context.Context, names []string, types []flextype.Type, path string, nsegments int, failOnDuplicateNames bool) error {
	f.mustBe(uninitialized)
	must.True(nsegments > 0, "sframe: table must have at least one segment")
	if len(names) != len(types) {
		return errors.E(errors.Invalid, fmt.Sprintf("sframe: %d column names for %d column types", len(names), len(types)))
	}
	if len(names) == 0 {
		return errors.E(errors.Invalid, "sframe: table must have at least one column")
	}
	names, err := resolveNames(names, failOnDuplicateNames)
	if err != nil {
		return err
	}
	prefix := strings.TrimSuffix(path, IndexSuffix)
	w, err := f.m.NewGroupWriter(ctx, prefix, nsegments, len(names))
	if err != nil {
		return err
	}
	for i, typ := range types {
		must.Truef(typ.Valid(), "sframe: invalid type %d", typ)
		w.SetMetadata(i, blockio.TypeKey, typ.Tag())
	}
	f.names = names
	f.types = append([]flextype.Type(nil), types...)
	f.meta = make(map[string]string)
	f.w = w
	f.path = path
	f.state = openForWrite
	return nil
}

// IsOpenForWrite tells whether the table is open for writing.
func (f *SFrame) IsOpenForWrite() bool { return f.state == openForWrite }

// IsOpenForRead tells whether the table is closed and readable.
func (f *SFrame) IsOpenForRead() bool { return f.state == openForRead }

// SetNumSegments changes the number of segments of a table open for
// writing. It returns false if rows have already been written.
func (f *SFrame) SetNumSegments(n int) bool {
	f.mustBe(openForWrite)
	return f.w.Resize(n)
}

// SetMetadata sets a metadata key of the table. Metadata is stored in
// the table's index.
func (f *SFrame) SetMetadata(key, value string) {
	must.True(f.state == openForWrite || f.state == openForRead, "sframe: metadata of uninitialized table")
	if f.meta == nil {
		f.meta = make(map[string]string)
	}
	f.meta[key] = value
}

// Metadata returns the value of a metadata key of the table.
func (f *SFrame) Metadata(key string) (string, bool) {
	v, ok := f.meta[key]
	return v, ok
}

// A RowWriter writes rows to one segment of a table. A RowWriter is
// not safe for concurrent use, but writers of distinct segments may
// be used concurrently.
type RowWriter struct {
	f       *SFrame
	seg     int
	scratch []flextype.Value
}

// RowWriter returns the row writer of segment seg.
func (f *SFrame) RowWriter(seg int) *RowWriter {
	f.mustBe(openForWrite)
	must.Truef(seg >= 0 && seg < f.w.NumSegments(), "sframe: segment %d out of range [0, %d)", seg, f.w.NumSegments())
	return &RowWriter{f: f, seg: seg}
}

// Flush writes the buffered values of every column of the segment as
// blocks. It must not be called concurrently with writes to the
// segment.
func (w *RowWriter) Flush() error {
	return w.f.w.FlushSegment(w.seg)
}

// Write appends a row to the segment. Values are converted to the
// types of their columns. Write returns an errors.Invalid error if the
// row has the wrong number of values, and an errors.NotSupported error
// if a value cannot be converted.
func (w *RowWriter) Write(row []flextype.Value) error {
	if len(row) != len(w.f.types) {
		return errors.E(errors.Invalid, fmt.Sprintf("sframe: row has %d values, table has %d columns", len(row), len(w.f.types)))
	}
	w.scratch = w.scratch[:0]
	for col, v := range row {
		v, err := sarray.Convert(v, w.f.types[col])
		if err != nil {
			return err
		}
		w.scratch = append(w.scratch, v)
	}
	for col, v := range w.scratch {
		if err := w.f.w.Write(w.seg, col, v); err != nil {
			return err
		}
	}
	return nil
}

// WriteFrame appends the rows of a frame to the segment, as Write.
// Values are converted before any are written, so that a frame
// with an unconvertible value is not partially written.
func (w *RowWriter) WriteFrame(fr frame.Frame) error {
	if fr.NumOut() != len(w.f.types) {
		return errors.E(errors.Invalid, fmt.Sprintf("sframe: frame has %d columns, table has %d", fr.NumOut(), len(w.f.types)))
	}
	converted := make(frame.Frame, len(fr))
	for col, vs := range fr {
		typ := w.f.types[col]
		converted[col] = vs
		for i, v := range vs {
			if v.Type() == typ {
				continue
			}
			c := make(frame.Column, len(vs))
			copy(c, vs)
			for j := i; j < len(vs); j++ {
				var err error
				if c[j], err = sarray.Convert(vs[j], typ); err != nil {
					return err
				}
			}
			converted[col] = c
			break
		}
	}
	for col, vs := range converted {
		if err := w.f.w.WriteColumn(w.seg, col, vs); err != nil {
			return err
		}
	}
	return nil
}

// WriteSegment appends rows to segment seg.
func (f *SFrame) WriteSegment(seg int, rows [][]flextype.Value) error {
	w := f.RowWriter(seg)
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Close finalizes the table: its columns are closed, its index is
// written, and it becomes readable.
func (f *SFrame) Close(ctx context.Context) error {
	f.mustBe(openForWrite)
	if err := f.w.Close(); err != nil {
		return err
	}
	if err := f.w.WriteIndex(ctx); err != nil {
		return err
	}
	group := f.w.Index()
	cols := make([]*sarray.SArray, len(group.Columns))
	refs := make([]string, len(group.Columns))
	for i, index := range group.Columns {
		refs[i] = blockio.SegmentRef(f.w.IndexPath(), i)
		var err error
		if cols[i], err = sarray.FromIndex(f.m, index, refs[i]); err != nil {
			return err
		}
	}
	path := f.path
	if path == "" {
		var err error
		if path, err = f.m.TempPath("frame"); err != nil {
			return err
		}
		f.files = append(f.files, f.w.IndexPath())
	}
	nrows := group.Columns[0].Size()
	index := frameIndex{
		Version:     blockio.FormatVersion,
		NumSegments: group.NumSegments,
		NumRows:     nrows,
		ColumnNames: f.names,
		ColumnFiles: refs,
		Metadata:    f.meta,
	}
	if err := writeFrameIndex(ctx, path, index); err != nil {
		return err
	}
	if f.path == "" {
		f.files = append(f.files, path)
	}
	f.m.Retain(f.files...)
	f.cols = cols
	f.nrows = nrows
	f.ref = path
	f.w = nil
	f.state = openForRead
	log.Debug.Printf("sframe: closed table %s: %d rows, %d columns", path, nrows, len(cols))
	return nil
}

// Open opens the table whose index is stored at path.
func Open(ctx context.Context, m *blockio.Manager, path string) (*SFrame, error) {
	index, err := readFrameIndex(ctx, path)
	if err != nil {
		return nil, err
	}
	f := &SFrame{
		m:     m,
		state: openForRead,
		names: index.ColumnNames,
		meta:  index.Metadata,
		nrows: index.NumRows,
		ref:   path,
	}
	for i, ref := range index.ColumnFiles {
		col, err := sarray.Open(ctx, m, ref)
		if err == nil && col.Size() != index.NumRows {
			err = errors.E(errors.Integrity,
				fmt.Sprintf("sframe: %s: column %s has %d rows, table has %d", path, index.ColumnNames[i], col.Size(), index.NumRows))
		}
		if err != nil {
			f.cols = append(f.cols, col)
			f.releaseColumns(ctx)
			return nil, err
		}
		f.cols = append(f.cols, col)
		f.types = append(f.types, col.Type())
	}
	return f, nil
}

// FromColumns returns an ephemeral table of the provided columns,
// which must all have the same length. The table shares the columns'
// storage. Names are resolved as in OpenForWrite.
func FromColumns(m *blockio.Manager, cols []*sarray.SArray, names []string, failOnDuplicateNames bool) (*SFrame, error) {
	if len(cols) != len(names) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sframe: %d column names for %d columns", len(names), len(cols)))
	}
	for i, col := range cols {
		if col.Size() != cols[0].Size() {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("sframe: column %d has %d rows, column 0 has %d", i, col.Size(), cols[0].Size()))
		}
	}
	names, err := resolveNames(names, failOnDuplicateNames)
	if err != nil {
		return nil, err
	}
	f := &SFrame{m: m, state: openForRead, names: names, meta: make(map[string]string)}
	for _, col := range cols {
		f.cols = append(f.cols, col.Clone())
		f.types = append(f.types, col.Type())
	}
	if len(cols) > 0 {
		f.nrows = cols[0].Size()
	}
	return f, nil
}

// derive returns an ephemeral table of the provided columns (which
// are cloned) and names. Names must already be resolved.
func (f *SFrame) derive(cols []*sarray.SArray, names []string) *SFrame {
	g := &SFrame{m: f.m, state: openForRead, nrows: f.nrows, names: names, meta: make(map[string]string)}
	for k, v := range f.meta {
		g.meta[k] = v
	}
	for _, col := range cols {
		g.cols = append(g.cols, col.Clone())
		g.types = append(g.types, col.Type())
	}
	return g
}

// Clone returns a new handle to the table, sharing its storage.
func (f *SFrame) Clone() *SFrame {
	f.mustBe(openForRead)
	g := f.derive(f.cols, append([]string(nil), f.names...))
	g.ref = f.ref
	g.files = append([]string(nil), f.files...)
	f.m.Retain(g.files...)
	return g
}

// Manager returns the block manager of the table.
func (f *SFrame) Manager() *blockio.Manager { return f.m }

// IndexRef returns the path of the table's index, or an empty string
// if the table is ephemeral.
func (f *SFrame) IndexRef() string {
	f.mustBe(openForRead)
	return f.ref
}

// NumColumns returns the number of columns in the table.
func (f *SFrame) NumColumns() int { return len(f.names) }

// NumRows returns the number of rows in the table.
func (f *SFrame) NumRows() int64 {
	f.mustBe(openForRead)
	return f.nrows
}

// Size returns the number of rows in the table.
func (f *SFrame) Size() int64 { return f.NumRows() }

// ColumnNames returns the names of the table's columns.
func (f *SFrame) ColumnNames() []string { return append([]string(nil), f.names...) }

// ColumnTypes returns the types of the table's columns.
func (f *SFrame) ColumnTypes() []flextype.Type { return append([]flextype.Type(nil), f.types...) }

// ColumnIndex returns the position of the named column.
func (f *SFrame) ColumnIndex(name string) (int, bool) {
	for i, n := range f.names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// Column returns column i of the table. The column is owned by the
// table: it must not be released, and it is valid only until the
// table is released. Use Clone to retain it.
func (f *SFrame) Column(i int) *sarray.SArray {
	f.mustBe(openForRead)
	return f.cols[i]
}

// NumSegments returns the number of segments of the table: the
// number of segments of its first column once closed.
func (f *SFrame) NumSegments() int {
	switch f.state {
	case openForWrite:
		return f.w.NumSegments()
	case openForRead:
		if len(f.cols) == 0 {
			return 1
		}
		return f.cols[0].NumSegments()
	}
	panic(fmt.Sprintf("sframe: number of segments of %s table", f.state))
}

// SegmentLengths returns the natural segmentation of the table: the
// segment lengths of its first column.
func (f *SFrame) SegmentLengths() []int64 {
	f.mustBe(openForRead)
	if len(f.cols) == 0 {
		return []int64{0}
	}
	return f.cols[0].SegmentLengths()
}

func (f *SFrame) releaseColumns(ctx context.Context) error {
	var err error
	for _, col := range f.cols {
		if col == nil {
			continue
		}
		if cerr := col.Release(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	f.cols = nil
	return err
}

// Release releases the table's columns and files. Temporary files no
// longer referenced by any handle are deleted. The table may not be
// used after Release.
func (f *SFrame) Release(ctx context.Context) error {
	f.mustBe(openForRead)
	err := f.releaseColumns(ctx)
	if rerr := f.m.Release(ctx, f.files...); rerr != nil && err == nil {
		err = rerr
	}
	f.state = released
	return err
}

// String returns a short description of the table.
func (f *SFrame) String() string {
	if f.state != openForRead {
		return fmt.Sprintf("sframe(%s)", f.state)
	}
	cols := make([]string, len(f.names))
	for i := range cols {
		cols[i] = f.names[i] + ":" + f.types[i].String()
	}
	return fmt.Sprintf("sframe(%d rows; %s)", f.nrows, strings.Join(cols, ", "))
}
