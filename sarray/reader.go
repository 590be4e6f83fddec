// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sarray

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frameio"
)

// openSegment returns physical segment i, opening it if needed.
func (a *SArray) openSegment(ctx context.Context, i int) (*segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seg := &a.segs[i]
	if seg.open {
		return seg, nil
	}
	addr, err := a.m.OpenColumn(ctx, seg.ref)
	if err != nil {
		return nil, err
	}
	blocks := a.m.ColumnBlocks(addr)
	bounds := make([]int64, len(blocks)+1)
	for j, info := range blocks {
		bounds[j+1] = bounds[j] + int64(info.NumElem)
	}
	if got, want := bounds[len(blocks)], a.index.SegmentSizes[i]; got != want {
		a.m.CloseColumn(addr)
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("sarray: segment %s has %d values, index records %d", seg.ref, got, want))
	}
	seg.addr = addr
	seg.bounds = bounds
	seg.open = true
	return seg, nil
}

// ReadRows reads the values in rows [start, end) of the column,
// appending them to out[:0]. Reads follow the column's block
// boundaries, so that each block is decoded at most once per call.
// ReadRows may be called concurrently.
func (a *SArray) ReadRows(ctx context.Context, start, end int64, out []flextype.Value) ([]flextype.Value, error) {
	a.mustBe(openForRead)
	size := a.starts[len(a.starts)-1]
	must.Truef(0 <= start && start <= end && end <= size, "sarray: invalid range [%d, %d) of column of size %d", start, end, size)
	out = out[:0]
	var block []flextype.Value
	for start < end {
		if err := ctx.Err(); err != nil {
			return out, errors.E(errors.Canceled, err)
		}
		p := sort.Search(len(a.segs), func(i int) bool { return a.starts[i+1] > start })
		seg, err := a.openSegment(ctx, p)
		if err != nil {
			return out, err
		}
		off := start - a.starts[p]
		b := sort.Search(len(seg.bounds)-1, func(i int) bool { return seg.bounds[i+1] > off })
		block, err = a.m.ReadTypedBlock(ctx, seg.addr.Block(b), block)
		if err != nil {
			return out, err
		}
		lo := off - seg.bounds[b]
		hi := int64(len(block))
		if n := end - start; hi-lo > n {
			hi = lo + n
		}
		out = append(out, block[lo:hi]...)
		start += hi - lo
	}
	return out, nil
}

// Head returns the first n values of the column, or all of them if
// the column has fewer than n values.
func (a *SArray) Head(ctx context.Context, n int64) ([]flextype.Value, error) {
	if size := a.Size(); n > size {
		n = size
	}
	return a.ReadRows(ctx, 0, n, nil)
}

// EvenLengths splits size rows into n segments whose lengths differ
// by at most one.
func EvenLengths(size int64, n int) []int64 {
	must.True(n > 0, "sarray: at least one segment is required")
	lengths := make([]int64, n)
	for i := range lengths {
		lengths[i] = int64(i+1)*size/int64(n) - int64(i)*size/int64(n)
	}
	return lengths
}

// Reader presents a closed column under a logical segmentation, which
// need not match the column's physical segments. A Reader's cursors
// are independent.
type Reader struct {
	a      *SArray
	starts []int64
}

// Reader returns a reader over the column's physical segmentation.
func (a *SArray) Reader() *Reader {
	return a.ReaderLengths(a.SegmentLengths())
}

// ReaderN returns a reader that splits the column into n segments of
// nearly equal length.
func (a *SArray) ReaderN(n int) *Reader {
	return a.ReaderLengths(EvenLengths(a.Size(), n))
}

// ReaderLengths returns a reader with the provided segment lengths,
// which must sum to the column's size.
func (a *SArray) ReaderLengths(lengths []int64) *Reader {
	a.mustBe(openForRead)
	must.True(len(lengths) > 0, "sarray: reader must have at least one segment")
	r := &Reader{a: a, starts: make([]int64, len(lengths)+1)}
	for i, n := range lengths {
		must.Truef(n >= 0, "sarray: negative segment length %d", n)
		r.starts[i+1] = r.starts[i] + n
	}
	must.Truef(r.starts[len(lengths)] == a.Size(),
		"sarray: segment lengths sum to %d, column has %d values", r.starts[len(lengths)], a.Size())
	return r
}

// NumSegments returns the number of logical segments of the reader.
func (r *Reader) NumSegments() int { return len(r.starts) - 1 }

// SegmentLength returns the length of logical segment i.
func (r *Reader) SegmentLength(i int) int64 { return r.starts[i+1] - r.starts[i] }

// Size returns the number of values in the column.
func (r *Reader) Size() int64 { return r.starts[len(r.starts)-1] }

// Begin returns a cursor positioned at the start of logical segment
// seg.
func (r *Reader) Begin(seg int) *Cursor {
	must.Truef(seg >= 0 && seg < r.NumSegments(), "sarray: segment %d out of range [0, %d)", seg, r.NumSegments())
	return &Cursor{
		a:     r.a,
		begin: r.starts[seg],
		pos:   r.starts[seg],
		end:   r.starts[seg+1],
		chunk: int64(r.a.m.Config().ReaderBufferRows),
	}
}

// ReadRows reads rows [start, end) of the column; see SArray.ReadRows.
func (r *Reader) ReadRows(ctx context.Context, start, end int64, out []flextype.Value) ([]flextype.Value, error) {
	return r.a.ReadRows(ctx, start, end, out)
}

// A Cursor iterates over the values of one logical segment of a
// column. It reads ahead in chunks of the configured reader buffer
// size. A Cursor is not safe for concurrent use.
type Cursor struct {
	a               *SArray
	begin, pos, end int64
	chunk           int64

	buf      []flextype.Value
	bufStart int64
}

// Len returns the length of the cursor's segment.
func (c *Cursor) Len() int64 { return c.end - c.begin }

// Remaining returns the number of values not yet read.
func (c *Cursor) Remaining() int64 { return c.end - c.pos }

// SeekTo positions the cursor at offset off of its segment.
func (c *Cursor) SeekTo(off int64) {
	must.Truef(off >= 0 && off <= c.Len(), "sarray: seek to %d out of range [0, %d]", off, c.Len())
	c.pos = c.begin + off
}

// Reset positions the cursor at the start of its segment.
func (c *Cursor) Reset() { c.pos = c.begin }

// Read reads the next values of the segment into out, returning the
// number of values read. Read returns frameio.EOF when the segment is
// exhausted.
func (c *Cursor) Read(ctx context.Context, out []flextype.Value) (int, error) {
	if c.pos == c.end {
		return 0, frameio.EOF
	}
	var n int
	for n < len(out) && c.pos < c.end {
		if c.pos < c.bufStart || c.pos >= c.bufStart+int64(len(c.buf)) {
			end := c.pos + c.chunk
			if end > c.end {
				end = c.end
			}
			var err error
			if c.buf, err = c.a.ReadRows(ctx, c.pos, end, c.buf); err != nil {
				return n, err
			}
			c.bufStart = c.pos
		}
		k := copy(out[n:], c.buf[c.pos-c.bufStart:])
		n += k
		c.pos += int64(k)
	}
	return n, nil
}
