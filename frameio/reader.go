// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package frameio provides utilities for streaming frames of rows in
// and out of sframe tables, spill files, and in-memory buffers.
package frameio

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sframe/frame"
)

// defaultChunksize is the default size used for I/O vectors within
// the frameio package.
const defaultChunksize = 1024

// EOF is the error returned by Reader.Read when no more data is
// available. EOF is intended as a sentinel error: it signals a
// graceful end of output. If output terminates unexpectedly, a
// different error should be returned.
var EOF = errors.New("EOF")

// A Reader represents a stateful stream of rows. Each call to Read
// reads the next set of available rows.
type Reader interface {
	// Read reads a vector of rows into the provided frame. The number
	// of columns in the frame should match the number of columns in
	// the stream.
	//
	// Read returns the total number of rows read, or an error. When
	// no more rows are available, Read returns EOF. Read may return
	// EOF when n > 0. In this case, n rows were read, but no more
	// are available.
	//
	// Read should not be called concurrently.
	Read(ctx context.Context, frame frame.Frame) (int, error)
}

type multiReader struct {
	q   []Reader
	err error
}

// MultiReader returns a Reader that's the logical concatenation of
// the provided input readers. Once every underlying Reader has
// returned EOF, Read will return EOF, too. Non-EOF errors are
// returned immediately.
func MultiReader(readers ...Reader) Reader {
	return &multiReader{q: readers}
}

func (m *multiReader) Read(ctx context.Context, out frame.Frame) (n int, err error) {
	if m.err != nil {
		return 0, m.err
	}
	for len(m.q) > 0 {
		n, err := m.q[0].Read(ctx, out)
		switch {
		case err == EOF:
			err = nil
			m.q = m.q[1:]
			if n > 0 {
				return n, nil
			}
		case err != nil:
			m.err = err
			return n, err
		case n > 0:
			return n, err
		}
	}
	return 0, EOF
}

type frameReader struct {
	frame.Frame
}

// FrameReader returns a Reader that reads the provided Frame to
// completion.
func FrameReader(frame frame.Frame) Reader {
	return &frameReader{frame}
}

func (f *frameReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	n := out.Len()
	max := f.Frame.Len()
	if max < n {
		n = max
	}
	frame.Copy(out, f.Frame)
	f.Frame = f.Frame.Slice(n, max)
	if f.Frame.Len() == 0 {
		return n, EOF
	}
	return n, nil
}

// ReadAll reads all rows from reader r into a new frame of ncol
// columns. ReadAll is not tuned for performance and is intended for
// testing and inspection.
func ReadAll(ctx context.Context, r Reader, ncol int) (frame.Frame, error) {
	var (
		all = frame.Make(ncol, 0)
		buf = frame.Make(ncol, defaultChunksize)
	)
	for {
		n, err := r.Read(ctx, buf)
		if err != nil && err != EOF {
			return nil, err
		}
		all = frame.Append(all, buf.Slice(0, n))
		if err == EOF {
			return all, nil
		}
	}
}

// ReadFull reads the full length of the frame. ReadFull reads short
// frames only on EOF.
func ReadFull(ctx context.Context, r Reader, f frame.Frame) (n int, err error) {
	len := f.Len()
	for n < len {
		m, err := r.Read(ctx, f.Slice(n, len))
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// A ClosingReader closes the provided io.Closer when Read returns
// any error.
type ClosingReader struct {
	Reader
	io.Closer
}

// Read implements frameio.Reader.
func (c *ClosingReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	n, err := c.Reader.Read(ctx, out)
	if err != nil && c.Closer != nil {
		c.Closer.Close()
		c.Closer = nil
	}
	return n, err
}

// Writer can write a frame to an underlying data stream.
type Writer interface {
	// Write writes f to an underlying data stream. It returns a non-nil
	// error if there is a problem writing, and f may have been
	// partially written.
	Write(ctx context.Context, f frame.Frame) error
}

// Copy copies all rows from r to w in batches, returning the number
// of rows copied. The stream must have ncol columns.
func Copy(ctx context.Context, w Writer, r Reader, ncol int) (int64, error) {
	var (
		buf   = frame.Make(ncol, defaultChunksize)
		total int64
	)
	for {
		n, err := r.Read(ctx, buf)
		if err != nil && err != EOF {
			return total, err
		}
		if n > 0 {
			if werr := w.Write(ctx, buf.Slice(0, n)); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == EOF {
			return total, nil
		}
	}
}
