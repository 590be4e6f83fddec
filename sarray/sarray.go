// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sarray implements SArrays: immutable, typed, disk-backed
// columns of flextype values, split into independently writable and
// readable segments.
//
// An SArray moves through three states. A new SArray is
// uninitialized; OpenForWrite makes it writable through per-segment
// writers; Close finalizes its index and makes it readable. There is
// no transition back. Calling an operation in the wrong state is a
// programming error and panics.
//
// SArray handles share their underlying files: Clone and Append
// produce handles that retain the files of their sources, and the
// last handle released deletes temporary files.
package sarray

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
)

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

// segment is a physical segment of a closed SArray, opened on first
// read.
type segment struct {
	ref  string
	open bool
	addr blockio.ColumnAddress
	// bounds holds the row offset of each block within the segment,
	// followed by the segment length.
	bounds []int64
}

// SArray is a column of flextype values. See the package
// documentation for its lifecycle.
type SArray struct {
	m     *blockio.Manager
	state state
	typ   flextype.Type

	// Write state.
	w *blockio.GroupWriter

	// Read state.
	index blockio.ColumnIndex
	ref   string
	// files holds the paths retained by this handle.
	files []string
	// starts holds the row offset of each segment, followed by the
	// column size.
	starts []int64

	mu   sync.Mutex
	segs []segment
}

// New returns a new, uninitialized SArray managed by m.
func New(m *blockio.Manager) *SArray {
	return &SArray{m: m}
}

func (a *SArray) mustBe(s state) {
	must.Truef(a.state == s, "sarray: column is %s, not %s", a.state, s)
}

// Manager returns the block manager of the SArray.
func (a *SArray) Manager() *blockio.Manager { return a.m }

// OpenForWrite initializes the SArray for writing values of type typ
// into nsegments segments. If path is empty, the column is stored in
// temporary files that are removed when the last handle referring to
// them is released; otherwise path names the column's index file
// (conventionally ending in .sidx), and its segment files are stored
// alongside it.
func (a *SArray) OpenForWrite(ctx context.Context, path string, typ flextype.Type, nsegments int) error {
	a.mustBe(uninitialized)
	must.True(nsegments > 0, "sarray: column must have at least one segment")
	must.Truef(typ.Valid(), "sarray: invalid type %d", typ)
	prefix := strings.TrimSuffix(path, blockio.IndexSuffix)
	w, err := a.m.NewGroupWriter(ctx, prefix, nsegments, 1)
	if err != nil {
		return err
	}
	w.SetMetadata(0, blockio.TypeKey, typ.Tag())
	a.w = w
	a.typ = typ
	a.state = openForWrite
	return nil
}

// IsOpenForWrite tells whether the SArray is open for writing.
func (a *SArray) IsOpenForWrite() bool { return a.state == openForWrite }

// IsOpenForRead tells whether the SArray is closed and readable.
func (a *SArray) IsOpenForRead() bool { return a.state == openForRead }

// Type returns the type of the column's values.
func (a *SArray) Type() flextype.Type {
	must.True(a.state == openForWrite || a.state == openForRead, "sarray: type of uninitialized column")
	return a.typ
}

// SetNumSegments changes the number of segments of a column open for
// writing. It returns false if values have already been written.
func (a *SArray) SetNumSegments(n int) bool {
	a.mustBe(openForWrite)
	return a.w.Resize(n)
}

// SetMetadata sets a metadata key of a column open for writing.
func (a *SArray) SetMetadata(key, value string) {
	a.mustBe(openForWrite)
	must.Truef(key != blockio.TypeKey, "sarray: metadata key %s is reserved", key)
	a.w.SetMetadata(0, key, value)
}

// A Writer appends values to one segment of an SArray. A Writer is
// not safe for concurrent use, but writers of distinct segments may
// be used concurrently.
type Writer struct {
	a       *SArray
	seg     int
	scratch []flextype.Value
}

// Writer returns the writer of segment seg.
func (a *SArray) Writer(seg int) *Writer {
	a.mustBe(openForWrite)
	must.Truef(seg >= 0 && seg < a.w.NumSegments(), "sarray: segment %d out of range [0, %d)", seg, a.w.NumSegments())
	return &Writer{a: a, seg: seg}
}

// Write appends v to the segment, converting it to the column's type
// if needed. Write returns an errors.NotSupported error wrapping a
// *flextype.CastError if the value cannot be converted.
func (w *Writer) Write(v flextype.Value) error {
	v, err := Convert(v, w.a.typ)
	if err != nil {
		return err
	}
	return w.a.w.Write(w.seg, 0, v)
}

// WriteBatch appends each of vs to the segment, as Write.
func (w *Writer) WriteBatch(vs []flextype.Value) error {
	typ := w.a.typ
	for i, v := range vs {
		if v.Type() == typ {
			continue
		}
		w.scratch = append(w.scratch[:0], vs...)
		for j := i; j < len(vs); j++ {
			var err error
			if w.scratch[j], err = Convert(vs[j], typ); err != nil {
				return err
			}
		}
		return w.a.w.WriteColumn(w.seg, 0, w.scratch)
	}
	return w.a.w.WriteColumn(w.seg, 0, vs)
}

// Flush writes the segment's buffered values as a (possibly short)
// block. It is called once a segment is complete, so that its buffer
// is released before the column is closed.
func (w *Writer) Flush() error {
	return w.a.w.FlushColumn(w.seg, 0)
}

// WriteSegment appends values to segment seg.
func (a *SArray) WriteSegment(seg int, vs []flextype.Value) error {
	return a.Writer(seg).WriteBatch(vs)
}

// Convert soft-converts v to type typ, returning an
// errors.NotSupported error wrapping a *flextype.CastError on
// failure.
func Convert(v flextype.Value, typ flextype.Type) (flextype.Value, error) {
	c, err := flextype.Convert(v, typ)
	if err != nil {
		return v, errors.E(errors.NotSupported, err)
	}
	return c, nil
}

// Close finalizes the column: buffered values are flushed, the
// column's index is written, and the SArray becomes readable.
func (a *SArray) Close(ctx context.Context) error {
	a.mustBe(openForWrite)
	if err := a.w.Close(); err != nil {
		return err
	}
	if err := a.w.WriteIndex(ctx); err != nil {
		return err
	}
	idx := a.w.Index()
	files := idx.Columns[0].Paths()
	if a.w.Temp() {
		files = append(files, a.w.IndexPath())
	}
	a.setIndex(idx.Columns[0], a.w.IndexPath(), files)
	a.w = nil
	return nil
}

// setIndex transitions the SArray to the read state over the provided
// index, retaining files.
func (a *SArray) setIndex(index blockio.ColumnIndex, ref string, files []string) {
	a.index = index
	a.ref = ref
	a.files = files
	a.m.Retain(files...)
	a.starts = make([]int64, len(index.SegmentSizes)+1)
	for i, n := range index.SegmentSizes {
		a.starts[i+1] = a.starts[i] + n
	}
	a.segs = make([]segment, len(index.SegmentFiles))
	for i := range a.segs {
		a.segs[i].ref = index.SegmentFiles[i]
	}
	a.state = openForRead
}

// Open opens the column stored at ref, the path of a column index
// optionally followed by ":<column>" to select a column of a group
// index.
func Open(ctx context.Context, m *blockio.Manager, ref string) (*SArray, error) {
	index, err := blockio.ReadColumnIndex(ctx, ref)
	if err != nil {
		return nil, err
	}
	return FromIndex(m, index, ref)
}

// FromIndex returns a readable SArray backed by the provided column
// index. The ref names where the index is stored; it is empty if the
// index is not stored.
func FromIndex(m *blockio.Manager, index blockio.ColumnIndex, ref string) (*SArray, error) {
	tag, ok := index.Metadata[blockio.TypeKey]
	if !ok {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("sarray: column %s has no type", ref))
	}
	typ, err := flextype.ParseType(tag)
	if err != nil {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("sarray: column %s", ref), err)
	}
	a := &SArray{m: m, typ: typ}
	a.setIndex(index, ref, index.Paths())
	return a, nil
}

// Index returns the column's index.
func (a *SArray) Index() blockio.ColumnIndex {
	a.mustBe(openForRead)
	return a.index
}

// IndexRef returns the reference to the stored index of the column,
// or an empty string if the column has no stored index (for example,
// if it is the result of Append).
func (a *SArray) IndexRef() string {
	a.mustBe(openForRead)
	return a.ref
}

// Metadata returns the value of the metadata key of a closed column.
func (a *SArray) Metadata(key string) (string, bool) {
	a.mustBe(openForRead)
	v, ok := a.index.Metadata[key]
	return v, ok
}

// Size returns the number of values in the column.
func (a *SArray) Size() int64 {
	a.mustBe(openForRead)
	return a.starts[len(a.starts)-1]
}

// NumSegments returns the number of segments of the column.
func (a *SArray) NumSegments() int {
	switch a.state {
	case openForWrite:
		return a.w.NumSegments()
	case openForRead:
		return len(a.segs)
	}
	panic(fmt.Sprintf("sarray: number of segments of %s column", a.state))
}

// SegmentLength returns the number of values in segment i.
func (a *SArray) SegmentLength(i int) int64 {
	a.mustBe(openForRead)
	return a.index.SegmentSizes[i]
}

// SegmentLengths returns the length of every segment of the column.
func (a *SArray) SegmentLengths() []int64 {
	a.mustBe(openForRead)
	return append([]int64(nil), a.index.SegmentSizes...)
}

// Clone returns a new handle to the same column. The files of the
// column are kept until both handles are released.
func (a *SArray) Clone() *SArray {
	must.Truef(a.state == openForRead, "sarray: cannot copy %s column", a.state)
	c := &SArray{m: a.m, typ: a.typ}
	c.setIndex(a.index, a.ref, append([]string(nil), a.files...))
	return c
}

// Append returns a new column containing the values of a followed by
// the values of other. The returned column shares the files of both.
// Append fails with errors.Invalid if the columns have different
// types or format versions.
func (a *SArray) Append(other *SArray) (*SArray, error) {
	a.mustBe(openForRead)
	other.mustBe(openForRead)
	if a.index.Version != other.index.Version {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("sarray: cannot append columns of versions %d and %d", a.index.Version, other.index.Version))
	}
	if a.typ != other.typ {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("sarray: cannot append %s column to %s column", other.typ, a.typ))
	}
	index := blockio.ColumnIndex{
		Version:      a.index.Version,
		NumSegments:  a.index.NumSegments + other.index.NumSegments,
		SegmentFiles: append(append([]string(nil), a.index.SegmentFiles...), other.index.SegmentFiles...),
		SegmentSizes: append(append([]int64(nil), a.index.SegmentSizes...), other.index.SegmentSizes...),
		Metadata:     make(map[string]string),
	}
	for k, v := range a.index.Metadata {
		index.Metadata[k] = v
	}
	files := append(append([]string(nil), a.files...), other.files...)
	c := &SArray{m: a.m, typ: a.typ}
	c.setIndex(index, "", files)
	return c, nil
}

// Release drops the handle's references to the column's files,
// deleting temporary files that are no longer referenced. The SArray
// may not be used after Release.
func (a *SArray) Release(ctx context.Context) error {
	a.mustBe(openForRead)
	a.mu.Lock()
	for i := range a.segs {
		if a.segs[i].open {
			a.m.CloseColumn(a.segs[i].addr)
			a.segs[i].open = false
		}
	}
	a.mu.Unlock()
	a.state = released
	log.Debug.Printf("sarray: released column %q (%d files)", a.ref, len(a.files))
	return a.m.Release(ctx, a.files...)
}

// String returns a short description of the column.
func (a *SArray) String() string {
	switch a.state {
	case openForRead:
		return fmt.Sprintf("sarray(%s, %d values, %d segments)", a.typ, a.Size(), len(a.segs))
	case openForWrite:
		return fmt.Sprintf("sarray(%s, open for write)", a.typ)
	}
	return fmt.Sprintf("sarray(%s)", a.state)
}
