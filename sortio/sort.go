// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sortio provides facilities for sorting frame streams out of
// core, merging sorted streams, and sorting tables by key columns.
package sortio

import (
	"container/heap"
	"context"
	"math"
	"sort"

	"github.com/grailbio/sframe/frame"
	"github.com/grailbio/sframe/frameio"
)

// numCanaryRows is the size of the first sorted run, used to estimate
// the encoded size of rows.
var numCanaryRows = 1 << 14

// An Order is a lexicographic ordering over a set of key columns.
type Order struct {
	// Keys are the indices of the key columns, in order of
	// precedence.
	Keys []int
	// Desc tells, for each key, whether it sorts in descending order.
	Desc []bool
}

// Less compares rows i and j of frame f.
func (o Order) Less(f frame.Frame, i, j int) bool {
	return f.Less(o.Keys, o.Desc, i, j)
}

type sorter struct {
	frame.Frame
	Order
}

func (s sorter) Less(i, j int) bool { return s.Order.Less(s.Frame, i, j) }

// SortReader sorts the rows of a Reader of ncol columns by the provided
// order. Rows with equal keys keep their relative order. SortReader
// spills sorted runs to the directory dir (the system temporary
// directory if empty), targeting spill file sizes of spillTarget
// bytes. Because the encoded size of rows is not known in advance,
// SortReader uses a "canary" batch of ~16k rows in order to estimate
// the size of future reads. The estimate is revisited on every
// subsequent fill and adjusted if it is violated by more than 5%.
//
// The returned reader must be read to completion, or closed with the
// returned cleanup function, which removes the spill files.
func SortReader(ctx context.Context, dir string, spillTarget, ncol int, order Order, r frameio.Reader) (frameio.Reader, func() error, error) {
	spill, err := frameio.NewSpiller(dir, "sorter")
	if err != nil {
		return nil, nil, err
	}
	f := frame.Make(ncol, numCanaryRows)
	for {
		n, err := frameio.ReadFull(ctx, r, f)
		if err != nil && err != frameio.EOF {
			spill.Cleanup()
			return nil, nil, err
		}
		eof := err == frameio.EOF
		if n > 0 {
			g := f.Slice(0, n)
			sort.Stable(sorter{g, order})
			size, err := spill.Spill(g)
			if err != nil {
				spill.Cleanup()
				return nil, nil, err
			}
			if !eof {
				bytesPerRow := size/n + 1
				targetRows := spillTarget / bytesPerRow
				if targetRows < frameio.SpillBatchSize {
					targetRows = frameio.SpillBatchSize
				}
				// If we're within 5%, that's ok.
				if math.Abs(float64(f.Len()-targetRows)/float64(targetRows)) > 0.05 {
					f = frame.Make(ncol, targetRows)
				}
			}
		}
		if eof {
			break
		}
	}
	readers, err := spill.Readers()
	if err != nil {
		spill.Cleanup()
		return nil, nil, err
	}
	m, err := NewMergeReader(ctx, ncol, order, readers)
	if err != nil {
		spill.Cleanup()
		return nil, nil, err
	}
	return m, spill.Cleanup, nil
}

// A FrameBuffer is a buffered frame. The frame is filled from
// a reader, and maintains a current index and length.
type FrameBuffer struct {
	// Frame is the buffer into which new data are read. The buffer is
	// always allocated externally and must be nonempty.
	frame.Frame
	// Reader is the reader from which the buffer is filled.
	frameio.Reader
	// Index, Len is current index and length of the frame.
	Index, Len int
	// Run is the position of the buffer's reader among the merged
	// readers. Ties are broken in favor of earlier runs.
	Run int
}

// Fill (re-) fills the FrameBuffer when it's empty. An error
// is returned if the underlying reader returns an error.
// EOF is returned if no more data are available.
func (f *FrameBuffer) Fill(ctx context.Context) error {
	if f.Index != f.Len {
		panic("FrameBuffer.Fill: fill on nonempty buffer")
	}
	var err error
	f.Len, err = f.Reader.Read(ctx, f.Frame)
	if err != nil && err != frameio.EOF {
		return err
	}
	if err == frameio.EOF && f.Len > 0 {
		err = nil
	}
	f.Index = 0
	if f.Len == 0 && err == nil {
		err = frameio.EOF
	}
	return err
}

// FrameBufferHeap implements a heap of FrameBuffers,
// ordered by the current rows of the buffers.
type FrameBufferHeap struct {
	Buffers []*FrameBuffer
	Order   Order
	// row is scratch space for comparisons.
	row frame.Frame
}

func (f *FrameBufferHeap) Len() int { return len(f.Buffers) }

func (f *FrameBufferHeap) Less(i, j int) bool {
	x, y := f.Buffers[i], f.Buffers[j]
	if f.row == nil {
		f.row = frame.Make(len(x.Frame), 2)
	}
	for c := range f.row {
		f.row[c][0] = x.Frame[c][x.Index]
		f.row[c][1] = y.Frame[c][y.Index]
	}
	switch {
	case f.Order.Less(f.row, 0, 1):
		return true
	case f.Order.Less(f.row, 1, 0):
		return false
	}
	return x.Run < y.Run
}

func (f *FrameBufferHeap) Swap(i, j int) {
	f.Buffers[i], f.Buffers[j] = f.Buffers[j], f.Buffers[i]
}

// Push pushes a FrameBuffer onto the heap.
func (f *FrameBufferHeap) Push(x interface{}) {
	buf := x.(*FrameBuffer)
	f.Buffers = append(f.Buffers, buf)
}

// Pop removes the FrameBuffer with the smallest priority
// from the heap.
func (f *FrameBufferHeap) Pop() interface{} {
	n := len(f.Buffers)
	elem := f.Buffers[n-1]
	f.Buffers = f.Buffers[:n-1]
	return elem
}

// mergeReader merges multiple (sorted) readers into a
// single sorted reader.
type mergeReader struct {
	err  error
	heap *FrameBufferHeap
}

// NewMergeReader returns a new Reader that merges readers of ncol
// columns, each sorted by order, into a single stream sorted by order.
// Rows that compare equal are emitted in the order of their readers.
func NewMergeReader(ctx context.Context, ncol int, order Order, readers []frameio.Reader) (frameio.Reader, error) {
	h := &FrameBufferHeap{Order: order}
	h.Buffers = make([]*FrameBuffer, 0, len(readers))
	for i := range readers {
		fr := &FrameBuffer{
			Reader: readers[i],
			Frame:  frame.Make(ncol, frameio.SpillBatchSize),
			Run:    i,
		}
		switch err := fr.Fill(ctx); {
		case err == frameio.EOF:
			// No data. Skip.
		case err != nil:
			return nil, err
		default:
			h.Buffers = append(h.Buffers, fr)
		}
	}
	heap.Init(h)
	return &mergeReader{heap: h}, nil
}

// Read implements frameio.Reader.
func (m *mergeReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	var (
		n   int
		max = out.Len()
	)
	for n < max && len(m.heap.Buffers) > 0 {
		top := m.heap.Buffers[0]
		frame.Copy(out.Slice(n, n+1), top.Slice(top.Index, top.Index+1))
		n++
		top.Index++
		if top.Index == top.Len {
			if err := top.Fill(ctx); err != nil && err != frameio.EOF {
				m.err = err
				return 0, err
			} else if err == frameio.EOF {
				heap.Remove(m.heap, 0)
			} else {
				heap.Fix(m.heap, 0)
			}
		} else {
			heap.Fix(m.heap, 0)
		}
	}
	if n == 0 {
		m.err = frameio.EOF
	}
	return n, m.err
}
