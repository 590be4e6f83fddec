// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sframe

import (
	"context"

	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frame"
	"github.com/grailbio/sframe/frameio"
	"github.com/grailbio/sframe/sarray"
)

// readFrame reads rows [start, end) of the table into out, returning
// the resized frame.
func (f *SFrame) readFrame(ctx context.Context, start, end int64, out frame.Frame) (frame.Frame, error) {
	out = out.Realloc(len(f.cols), int(end-start))
	for i, col := range f.cols {
		vs, err := col.ReadRows(ctx, start, end, out[i])
		if err != nil {
			return out, err
		}
		out[i] = vs
	}
	return out, nil
}

// ReadRows reads rows [start, end) of the table, appending them to
// out[:0] as rows. Row slices in out are reused.
func (f *SFrame) ReadRows(ctx context.Context, start, end int64, out [][]flextype.Value) ([][]flextype.Value, error) {
	f.mustBe(openForRead)
	fr, err := f.readFrame(ctx, start, end, nil)
	if err != nil {
		return out, err
	}
	n := int(end - start)
	if cap(out) < n {
		out = append(out[:cap(out)], make([][]flextype.Value, n-cap(out))...)
	}
	out = out[:n]
	for i := range out {
		out[i] = fr.Row(out[i], i)
	}
	return out, nil
}

// Head returns the first n rows of the table, or all of them if the
// table has fewer than n rows.
func (f *SFrame) Head(ctx context.Context, n int64) (frame.Frame, error) {
	f.mustBe(openForRead)
	if n > f.nrows {
		n = f.nrows
	}
	return f.readFrame(ctx, 0, n, nil)
}

// Frame reads the whole table into memory.
func (f *SFrame) Frame(ctx context.Context) (frame.Frame, error) {
	return f.Head(ctx, f.NumRows())
}

// Reader presents a closed table under a logical segmentation, which
// need not match the table's physical segments.
type Reader struct {
	f      *SFrame
	starts []int64
}

// Reader returns a reader over the table's natural segmentation.
func (f *SFrame) Reader() *Reader {
	return f.ReaderLengths(f.SegmentLengths())
}

// ReaderN returns a reader that splits the table into n segments of
// nearly equal length.
func (f *SFrame) ReaderN(n int) *Reader {
	f.mustBe(openForRead)
	return f.ReaderLengths(sarray.EvenLengths(f.nrows, n))
}

// ReaderLengths returns a reader with the provided segment lengths,
// which must sum to the table's row count.
func (f *SFrame) ReaderLengths(lengths []int64) *Reader {
	f.mustBe(openForRead)
	must.True(len(lengths) > 0, "sframe: reader must have at least one segment")
	r := &Reader{f: f, starts: make([]int64, len(lengths)+1)}
	for i, n := range lengths {
		must.Truef(n >= 0, "sframe: negative segment length %d", n)
		r.starts[i+1] = r.starts[i] + n
	}
	must.Truef(r.starts[len(lengths)] == f.nrows,
		"sframe: segment lengths sum to %d, table has %d rows", r.starts[len(lengths)], f.nrows)
	return r
}

// NumSegments returns the number of logical segments of the reader.
func (r *Reader) NumSegments() int { return len(r.starts) - 1 }

// SegmentLength returns the length of logical segment i.
func (r *Reader) SegmentLength(i int) int64 { return r.starts[i+1] - r.starts[i] }

// Size returns the number of rows in the table.
func (r *Reader) Size() int64 { return r.starts[len(r.starts)-1] }

// ReadRows reads rows [start, end) of the table into a frame, reusing
// out if it has enough capacity.
func (r *Reader) ReadRows(ctx context.Context, start, end int64, out frame.Frame) (frame.Frame, error) {
	must.Truef(0 <= start && start <= end && end <= r.Size(), "sframe: invalid range [%d, %d) of table of %d rows", start, end, r.Size())
	return r.f.readFrame(ctx, start, end, out)
}

// SegmentReader returns a frameio.Reader of the rows of logical
// segment seg.
func (r *Reader) SegmentReader(seg int) frameio.Reader {
	must.Truef(seg >= 0 && seg < r.NumSegments(), "sframe: segment %d out of range [0, %d)", seg, r.NumSegments())
	return &segmentReader{f: r.f, pos: r.starts[seg], end: r.starts[seg+1]}
}

// Rows returns a frameio.Reader of every row of the table, reading
// the reader's logical segments in order.
func (r *Reader) Rows() frameio.Reader {
	readers := make([]frameio.Reader, r.NumSegments())
	for i := range readers {
		readers[i] = r.SegmentReader(i)
	}
	return frameio.MultiReader(readers...)
}

type segmentReader struct {
	f        *SFrame
	pos, end int64
}

func (s *segmentReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if s.pos == s.end {
		return 0, frameio.EOF
	}
	must.Truef(out.NumOut() == len(s.f.cols), "sframe: frame has %d columns, table has %d", out.NumOut(), len(s.f.cols))
	n := int64(out.Len())
	if rem := s.end - s.pos; n > rem {
		n = rem
	}
	for i, col := range s.f.cols {
		if _, err := col.ReadRows(ctx, s.pos, s.pos+n, out[i][:0]); err != nil {
			return 0, err
		}
	}
	s.pos += n
	return int(n), nil
}
