// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package algorithm implements segment-parallel operators over
// columns and tables. Each operator reads a closed Source and writes
// an open Sink, segment by segment: segment i of the output receives
// the output of segment i of the input. Segments are processed in
// parallel; within a segment, output order follows input order.
//
// Operators never retry. If an operator fails, its output is left
// partially written and open; discarding it is up to the caller.
package algorithm

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/sframe/blockio"
)

// chunkRows returns the number of rows read or written at a time by
// the algorithms, as configured by sframeconfig.ReaderBufferRows.
func chunkRows(m *blockio.Manager) int64 {
	return int64(m.Config().ReaderBufferRows)
}

// A Source is a closed, readable collection of values: an
// *sarray.SArray (of flextype.Value) or an *sframe.SFrame (of rows,
// []flextype.Value).
type Source[T any] interface {
	// Manager returns the block manager of the source's storage.
	Manager() *blockio.Manager
	// IsOpenForRead tells whether the source may be read.
	IsOpenForRead() bool
	// Size returns the number of values in the source.
	Size() int64
	// SegmentLengths returns the source's natural segmentation.
	SegmentLengths() []int64
	// ReadRows reads the values [start, end) into out[:0]. It may be
	// called concurrently.
	ReadRows(ctx context.Context, start, end int64, out []T) ([]T, error)
}

// A Sink is a writable collection of values.
type Sink[T any] interface {
	// Manager returns the block manager of the sink's storage.
	Manager() *blockio.Manager
	// IsOpenForWrite tells whether the sink may be written.
	IsOpenForWrite() bool
	// NumSegments returns the sink's number of segments.
	NumSegments() int
	// SetNumSegments attempts to change the sink's number of
	// segments. It fails if values were already written.
	SetNumSegments(n int) bool
	// WriteSegment appends values to a segment. Distinct segments may
	// be written concurrently.
	WriteSegment(seg int, values []T) error
}

// segmentation returns the row offsets of the source's segments,
// followed by its size.
func segmentation(lengths []int64) []int64 {
	starts := make([]int64, len(lengths)+1)
	for i, n := range lengths {
		starts[i+1] = starts[i] + n
	}
	return starts
}

// evenStarts returns the offsets of n nearly equal partitions of size
// rows, followed by size.
func evenStarts(size int64, n int) []int64 {
	starts := make([]int64, n+1)
	for i := range starts {
		starts[i] = int64(i) * size / int64(n)
	}
	return starts
}

// resize makes out have n segments.
func resize[T any](out Sink[T], n int) error {
	if out.NumSegments() == n {
		return nil
	}
	if !out.SetNumSegments(n) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("algorithm: output has %d segments, input has %d, and the output cannot be resized", out.NumSegments(), n))
	}
	return nil
}

// prepare validates the states of in and out, resizes out to match
// in, and returns the input's segment offsets.
func prepare[T, U any](in Source[T], out Sink[U]) ([]int64, error) {
	must.True(in.IsOpenForRead(), "algorithm: input is not open for read")
	must.True(out.IsOpenForWrite(), "algorithm: output is not open for write")
	lengths := in.SegmentLengths()
	if err := resize(out, len(lengths)); err != nil {
		return nil, err
	}
	return segmentation(lengths), nil
}

// selectSegments returns the provided segments, or all n segments if
// none are provided.
func selectSegments(n int, segments []int) []int {
	if len(segments) > 0 {
		for _, seg := range segments {
			must.Truef(seg >= 0 && seg < n, "algorithm: segment %d out of range [0, %d)", seg, n)
		}
		return segments
	}
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return all
}

// scan calls fn with successive chunks of the values [start, end) of
// in, checking for cancellation between chunks.
func scan[T any](ctx context.Context, in Source[T], start, end int64, fn func([]T) error) error {
	var (
		buf   []T
		chunk = chunkRows(in.Manager())
	)
	for start < end {
		if err := ctx.Err(); err != nil {
			return errors.E(errors.Canceled, err)
		}
		n := end - start
		if n > chunk {
			n = chunk
		}
		var err error
		if buf, err = in.ReadRows(ctx, start, start+n, buf); err != nil {
			return err
		}
		if err := fn(buf); err != nil {
			return err
		}
		start += n
	}
	return nil
}

// newRand returns the random source of segment seg: seeded
// deterministically by seed+seg if seed is provided.
func newRand(seed *int64, seg int) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewSource(rand.Int63()))
	}
	return rand.New(rand.NewSource(*seed + int64(seg)))
}

// Transform writes fn(v) to out for each value v of in.
func Transform[T, U any](ctx context.Context, in Source[T], out Sink[U], fn func(T) U, segments ...int) error {
	starts, err := prepare(in, out)
	if err != nil {
		return err
	}
	segs := selectSegments(len(starts)-1, segments)
	return traverse.Each(len(segs), func(i int) error {
		seg := segs[i]
		var mapped []U
		return scan(ctx, in, starts[seg], starts[seg+1], func(vs []T) error {
			mapped = mapped[:0]
			for _, v := range vs {
				mapped = append(mapped, fn(v))
			}
			return out.WriteSegment(seg, mapped)
		})
	})
}

// CopyIf writes to out the values of in for which filter returns
// true. The filter receives a random source for its segment; if seed
// is not nil, the source of segment i is seeded with *seed+i so that
// results are reproducible.
func CopyIf[T any](ctx context.Context, in Source[T], out Sink[T], filter func(*rand.Rand, T) bool, seed *int64, segments ...int) error {
	return CopyTransformIf(ctx, in, out, filter, func(v T) T { return v }, seed, segments...)
}

// CopyTransformIf writes transform(v) to out for the values v of in
// for which filter returns true, as CopyIf.
func CopyTransformIf[T, U any](ctx context.Context, in Source[T], out Sink[U], filter func(*rand.Rand, T) bool, transform func(T) U, seed *int64, segments ...int) error {
	starts, err := prepare(in, out)
	if err != nil {
		return err
	}
	segs := selectSegments(len(starts)-1, segments)
	return traverse.Each(len(segs), func(i int) error {
		var (
			seg  = segs[i]
			rng  = newRand(seed, seg)
			kept []U
		)
		return scan(ctx, in, starts[seg], starts[seg+1], func(vs []T) error {
			kept = kept[:0]
			for _, v := range vs {
				if filter(rng, v) {
					kept = append(kept, transform(v))
				}
			}
			if len(kept) == 0 {
				return nil
			}
			return out.WriteSegment(seg, kept)
		})
	})
}

// Split writes each value of in to out1 if filter returns true, and
// to out2 otherwise. The outputs must have (or be resizable to) the
// input's number of segments.
func Split[T any](ctx context.Context, in Source[T], out1, out2 Sink[T], filter func(*rand.Rand, T) bool, seed *int64) error {
	starts, err := prepare(in, out1)
	if err != nil {
		return err
	}
	must.True(out2.IsOpenForWrite(), "algorithm: output is not open for write")
	if err := resize(out2, len(starts)-1); err != nil {
		return err
	}
	return traverse.Each(len(starts)-1, func(seg int) error {
		var (
			rng     = newRand(seed, seg)
			yes, no []T
		)
		return scan(ctx, in, starts[seg], starts[seg+1], func(vs []T) error {
			yes, no = yes[:0], no[:0]
			for _, v := range vs {
				if filter(rng, v) {
					yes = append(yes, v)
				} else {
					no = append(no, v)
				}
			}
			if len(yes) > 0 {
				if err := out1.WriteSegment(seg, yes); err != nil {
					return err
				}
			}
			if len(no) > 0 {
				return out2.WriteSegment(seg, no)
			}
			return nil
		})
	})
}

// CopySlice writes values to out, partitioning them evenly across the
// output's segments, which are written in parallel.
func CopySlice[T any](ctx context.Context, values []T, out Sink[T]) error {
	must.True(out.IsOpenForWrite(), "algorithm: output is not open for write")
	var (
		starts = evenStarts(int64(len(values)), out.NumSegments())
		chunk  = chunkRows(out.Manager())
	)
	return traverse.Each(out.NumSegments(), func(seg int) error {
		for start := starts[seg]; start < starts[seg+1]; start += chunk {
			if err := ctx.Err(); err != nil {
				return errors.E(errors.Canceled, err)
			}
			end := start + chunk
			if end > starts[seg+1] {
				end = starts[seg+1]
			}
			if err := out.WriteSegment(seg, values[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

// CopySequence writes the values produced by next to out until next
// returns false. The sequence is expected to produce length values:
// segment i of the output receives its share of them in order, and
// any values beyond length are written to the last segment.
func CopySequence[T any](ctx context.Context, next func() (T, bool), length int64, out Sink[T]) error {
	must.True(out.IsOpenForWrite(), "algorithm: output is not open for write")
	var (
		nseg   = out.NumSegments()
		starts = evenStarts(length, nseg)
		chunk  = chunkRows(out.Manager())
		seg    int
		row    int64
		buf    []T
	)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		err := out.WriteSegment(seg, buf)
		buf = buf[:0]
		return err
	}
	for {
		v, ok := next()
		if !ok {
			break
		}
		for seg < nseg-1 && row >= starts[seg+1] {
			if err := flush(); err != nil {
				return err
			}
			seg++
		}
		buf = append(buf, v)
		row++
		if int64(len(buf)) == chunk {
			if err := ctx.Err(); err != nil {
				return errors.E(errors.Canceled, err)
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// CopyOut calls emit with the values of in, in order, until emit
// returns false or limit values have been emitted. A negative limit
// emits every value.
func CopyOut[T any](ctx context.Context, in Source[T], emit func(T) bool, limit int64) error {
	must.True(in.IsOpenForRead(), "algorithm: input is not open for read")
	end := in.Size()
	if limit >= 0 && limit < end {
		end = limit
	}
	errStop := errors.New("stop")
	err := scan(ctx, in, 0, end, func(vs []T) error {
		for _, v := range vs {
			if !emit(v) {
				return errStop
			}
		}
		return nil
	})
	if err == errStop {
		err = nil
	}
	return err
}

// Reduce folds the values of in into one result per shard. The input
// is split into one shard per CPU, of nearly equal length and
// independent of its segmentation, and each shard is folded in
// parallel starting from init. fn returning false stops the fold of
// its shard. The partial results are returned in shard order for the
// caller to combine.
func Reduce[T, R any](ctx context.Context, in Source[T], fn func(v T, acc *R) bool, init R) ([]R, error) {
	must.True(in.IsOpenForRead(), "algorithm: input is not open for read")
	var (
		numShards = runtime.NumCPU()
		starts    = evenStarts(in.Size(), numShards)
		results   = make([]R, numShards)
		errStop   = errors.New("stop")
	)
	err := traverse.Each(numShards, func(shard int) error {
		acc := init
		err := scan(ctx, in, starts[shard], starts[shard+1], func(vs []T) error {
			for _, v := range vs {
				if !fn(v, &acc) {
					return errStop
				}
			}
			return nil
		})
		results[shard] = acc
		if err == errStop {
			err = nil
		}
		return err
	})
	return results, err
}

// BinaryTransform writes fn(v1, v2) to out for each pair of values at
// the same position of in1 and in2, which must have the same size. The
// output is segmented as in1.
func BinaryTransform[T1, T2, U any](ctx context.Context, in1 Source[T1], in2 Source[T2], out Sink[U], fn func(T1, T2) U) error {
	must.True(in2.IsOpenForRead(), "algorithm: input is not open for read")
	if in1.Size() != in2.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("algorithm: inputs have sizes %d and %d", in1.Size(), in2.Size()))
	}
	starts, err := prepare(in1, out)
	if err != nil {
		return err
	}
	return traverse.Each(len(starts)-1, func(seg int) error {
		var (
			other  []T2
			mapped []U
		)
		start := starts[seg]
		return scan(ctx, in1, starts[seg], starts[seg+1], func(vs []T1) error {
			var err error
			if other, err = in2.ReadRows(ctx, start, start+int64(len(vs)), other); err != nil {
				return err
			}
			start += int64(len(vs))
			mapped = mapped[:0]
			for i := range vs {
				mapped = append(mapped, fn(vs[i], other[i]))
			}
			return out.WriteSegment(seg, mapped)
		})
	})
}

// CopyRange writes the values of in at positions start, start+step,
// ... up to (but excluding) end to the first segment of out. Step 1
// copies whole chunks of ReaderBufferRows values. It is an error if end precedes start or exceeds
// the input's size.
func CopyRange[T any](ctx context.Context, in Source[T], out Sink[T], start, step, end int64) error {
	must.True(step > 0, "algorithm: copy range requires a positive step")
	must.True(in.IsOpenForRead(), "algorithm: input is not open for read")
	must.True(out.IsOpenForWrite(), "algorithm: output is not open for write")
	if end < start || start < 0 || end > in.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("algorithm: invalid range [%d, %d) of input of size %d", start, end, in.Size()))
	}
	if step == 1 {
		return scan(ctx, in, start, end, func(vs []T) error {
			return out.WriteSegment(0, vs)
		})
	}
	var (
		picked []T
		next   = start
		off    = start
	)
	return scan(ctx, in, start, end, func(vs []T) error {
		picked = picked[:0]
		for ; next < off+int64(len(vs)); next += step {
			picked = append(picked, vs[next-off])
		}
		off += int64(len(vs))
		if len(picked) == 0 {
			return nil
		}
		return out.WriteSegment(0, picked)
	})
}
