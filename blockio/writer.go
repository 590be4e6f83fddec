// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe/flextype"
)

// IndexSuffix is the file suffix of group (and column) indices.
const IndexSuffix = ".sidx"

// columnBuffer accumulates the encoded values of the block being
// written for one column of one segment.
type columnBuffer struct {
	raw  []byte
	n    int
	rows int64
}

// segmentWriter writes one segment file of a group.
type segmentWriter struct {
	path string
	bufs []columnBuffer

	// mu serializes block appends to the file.
	mu    sync.Mutex
	f     file.File
	w     io.Writer
	off   int64
	index [][]BlockInfo
}

// A GroupWriter writes a segment group: ncolumns columns split into
// nsegments segment files. Each (segment, column) pair is written by
// at most one goroutine at a time, but distinct columns, and distinct
// segments, may be written concurrently. Values are buffered per
// (segment, column) and flushed as blocks once they reach the
// configured block size.
//
// The context provided to NewGroupWriter governs all I/O performed
// by the writer.
type GroupWriter struct {
	m       *Manager
	ctx     context.Context
	prefix  string
	temp    bool
	ncol    int
	started int32

	mu     sync.Mutex
	segs   []*segmentWriter
	meta   []map[string]string
	closed bool
}

// NewGroupWriter returns a writer of a new segment group with the
// provided number of segments and columns. The group's segment files
// are named prefix.0000, prefix.0001, and so on; its index is
// prefix.sidx. If prefix is empty, the group is written to
// temporary files that are deleted once no longer referenced.
func (m *Manager) NewGroupWriter(ctx context.Context, prefix string, nsegments, ncolumns int) (*GroupWriter, error) {
	must.True(nsegments > 0, "blockio: group must have at least one segment")
	must.True(ncolumns > 0, "blockio: group must have at least one column")
	w := &GroupWriter{m: m, ctx: ctx, prefix: prefix, ncol: ncolumns}
	if prefix == "" {
		var err error
		if w.prefix, err = m.TempPath("group"); err != nil {
			return nil, err
		}
		w.temp = true
		m.markTemp(w.IndexPath())
	}
	w.meta = make([]map[string]string, ncolumns)
	for i := range w.meta {
		w.meta[i] = make(map[string]string)
	}
	w.resize(nsegments)
	return w, nil
}

func (w *GroupWriter) resize(nsegments int) {
	w.segs = make([]*segmentWriter, nsegments)
	for i := range w.segs {
		path := fmt.Sprintf("%s.%04d", w.prefix, i)
		if w.temp {
			w.m.markTemp(path)
		}
		w.segs[i] = &segmentWriter{
			path:  path,
			bufs:  make([]columnBuffer, w.ncol),
			index: make([][]BlockInfo, w.ncol),
		}
	}
}

// IndexPath returns the path of the group's index file.
func (w *GroupWriter) IndexPath() string { return w.prefix + IndexSuffix }

// NumSegments returns the writer's current number of segments.
func (w *GroupWriter) NumSegments() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.segs)
}

// NumColumns returns the number of columns in the group.
func (w *GroupWriter) NumColumns() int { return w.ncol }

// Resize changes the number of segments of the group. Resize
// succeeds only if nothing has yet been written to the group.
func (w *GroupWriter) Resize(nsegments int) bool {
	must.True(nsegments > 0, "blockio: group must have at least one segment")
	w.mu.Lock()
	defer w.mu.Unlock()
	must.True(!w.closed, "blockio: resize of closed group")
	if atomic.LoadInt32(&w.started) != 0 {
		return false
	}
	w.resize(nsegments)
	return true
}

// SetMetadata sets a metadata key of column col.
func (w *GroupWriter) SetMetadata(col int, key, value string) {
	w.mu.Lock()
	w.meta[col][key] = value
	w.mu.Unlock()
}

func (w *GroupWriter) segment(seg, col int) *segmentWriter {
	must.Truef(col >= 0 && col < w.ncol, "blockio: column %d out of range [0, %d)", col, w.ncol)
	w.mu.Lock()
	must.True(!w.closed, "blockio: write to closed group")
	must.Truef(seg >= 0 && seg < len(w.segs), "blockio: segment %d out of range [0, %d)", seg, len(w.segs))
	s := w.segs[seg]
	w.mu.Unlock()
	if atomic.LoadInt32(&w.started) == 0 {
		atomic.StoreInt32(&w.started, 1)
	}
	return s
}

// Write appends a value to column col of segment seg.
func (w *GroupWriter) Write(seg, col int, v flextype.Value) error {
	s := w.segment(seg, col)
	buf := &s.bufs[col]
	buf.raw = flextype.AppendValue(buf.raw, v)
	buf.n++
	buf.rows++
	if buf.n >= w.m.cfg.BlockRows || len(buf.raw) >= w.m.cfg.BlockBytes {
		return w.flush(s, col)
	}
	return nil
}

// WriteColumn appends values to column col of segment seg.
func (w *GroupWriter) WriteColumn(seg, col int, values []flextype.Value) error {
	s := w.segment(seg, col)
	buf := &s.bufs[col]
	for _, v := range values {
		buf.raw = flextype.AppendValue(buf.raw, v)
		buf.n++
		buf.rows++
		if buf.n >= w.m.cfg.BlockRows || len(buf.raw) >= w.m.cfg.BlockBytes {
			if err := w.flush(s, col); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushColumn writes any buffered values of column col of segment seg
// as a (possibly short) block, and releases the column's buffer.
func (w *GroupWriter) FlushColumn(seg, col int) error {
	s := w.segment(seg, col)
	if err := w.flush(s, col); err != nil {
		return err
	}
	s.bufs[col].raw = nil
	return nil
}

// FlushSegment flushes every column of segment seg, as FlushColumn. It
// must not be called concurrently with writes to the segment.
func (w *GroupWriter) FlushSegment(seg int) error {
	for col := 0; col < w.ncol; col++ {
		if err := w.FlushColumn(seg, col); err != nil {
			return err
		}
	}
	return nil
}

// flush compresses and appends the buffered block of column col to
// the segment file, opening the file on first use.
func (w *GroupWriter) flush(s *segmentWriter, col int) error {
	buf := &s.bufs[col]
	if buf.n == 0 {
		return nil
	}
	p, flags, err := compressBlock(w.m.cfg.Codec, buf.raw)
	if err != nil {
		return err
	}
	info := BlockInfo{
		Size:     int64(len(p)),
		RawSize:  int64(len(buf.raw)),
		NumElem:  buf.n,
		Flags:    flags,
		Checksum: checksum(p),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(w.ctx); err != nil {
		return err
	}
	info.Offset = s.off
	if _, err := s.w.Write(p); err != nil {
		return errors.E(err, fmt.Sprintf("blockio: write %s", s.path))
	}
	s.off += info.Size
	s.index[col] = append(s.index[col], info)
	w.m.blocksWritten.Add(1)
	w.m.bytesWritten.Add(info.Size)
	buf.raw = buf.raw[:0]
	buf.n = 0
	return nil
}

// REQUIRES: s.mu is held.
func (s *segmentWriter) open(ctx context.Context) error {
	if s.f != nil {
		return nil
	}
	f, err := file.Create(ctx, s.path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("blockio: create %s", s.path))
	}
	s.f = f
	s.w = f.Writer(ctx)
	return nil
}

// REQUIRES: s.mu is held.
func (s *segmentWriter) finish(ctx context.Context) error {
	if err := s.open(ctx); err != nil {
		return err
	}
	footer := appendFooter(nil, s.index)
	footer = appendTrailer(footer, s.off, int64(len(footer)))
	if _, err := s.w.Write(footer); err != nil {
		s.f.Discard(ctx)
		return errors.E(err, fmt.Sprintf("blockio: write %s", s.path))
	}
	if err := s.f.Close(ctx); err != nil {
		return errors.E(err, fmt.Sprintf("blockio: close %s", s.path))
	}
	return nil
}

// Close flushes all buffered values, writes the footer of every
// segment file, and closes them. Segments that were never written
// are stored as empty segment files. After Close, the group's index
// is available through Index.
func (w *GroupWriter) Close() error {
	w.mu.Lock()
	must.True(!w.closed, "blockio: group closed twice")
	w.closed = true
	segs := w.segs
	w.mu.Unlock()
	for _, s := range segs {
		for col := range s.bufs {
			if err := w.flush(s, col); err != nil {
				return err
			}
		}
		s.mu.Lock()
		err := s.finish(w.ctx)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	log.Debug.Printf("blockio: closed group %s: %d segments, %d columns", w.prefix, len(segs), w.ncol)
	return nil
}

// Index returns the group's index. It may only be called after Close.
func (w *GroupWriter) Index() GroupIndex {
	w.mu.Lock()
	defer w.mu.Unlock()
	must.True(w.closed, "blockio: index of open group")
	idx := GroupIndex{
		Version:     FormatVersion,
		NumSegments: len(w.segs),
		Columns:     make([]ColumnIndex, w.ncol),
	}
	for col := range idx.Columns {
		c := ColumnIndex{
			Version:      FormatVersion,
			NumSegments:  len(w.segs),
			SegmentFiles: make([]string, len(w.segs)),
			SegmentSizes: make([]int64, len(w.segs)),
			Metadata:     make(map[string]string),
		}
		for i, s := range w.segs {
			c.SegmentFiles[i] = SegmentRef(s.path, col)
			c.SegmentSizes[i] = s.bufs[col].rows
		}
		for k, v := range w.meta[col] {
			c.Metadata[k] = v
		}
		idx.Columns[col] = c
	}
	return idx
}

// Temp tells whether the group is written to temporary files.
func (w *GroupWriter) Temp() bool { return w.temp }

// WriteIndex writes the group's index to IndexPath. It may only be
// called after Close.
func (w *GroupWriter) WriteIndex(ctx context.Context) error {
	return WriteGroupIndex(ctx, w.IndexPath(), w.Index())
}
