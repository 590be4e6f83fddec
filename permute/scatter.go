// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package permute

import (
	"context"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sframe"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/sarray"
	"golang.org/x/sync/errgroup"
)

// scatterer holds the state of a scatter pass over one chunk of the
// forward map.
type scatterer struct {
	p     *plan
	input *sframe.SFrame
	out   []*sarray.SArray
	// start is the first row of the chunk.
	start int64
	// dest and bucket hold the destination row and bucket of every row
	// of the chunk.
	dest   []int64
	bucket []int
}

// scatter distributes the rows of input into temporary columns of
// p.numBuckets() segments, segment b holding the rows destined for
// bucket b in input order. The returned slice has one column per input
// column, indirect columns holding row numbers, followed by the
// destinations of the scattered rows.
func scatter(ctx context.Context, m *blockio.Manager, p *plan, input *sframe.SFrame, forward *sarray.SArray, parallelism int) ([]*sarray.SArray, error) {
	ncol := len(p.columns)
	out := make([]*sarray.SArray, ncol+1)
	for i := range out {
		typ := flextype.Integer
		if i < ncol && !p.columns[i].indirect {
			typ = p.columns[i].typ
		}
		out[i] = sarray.New(m)
		if err := out[i].OpenForWrite(ctx, "", typ, p.numBuckets()); err != nil {
			releaseAll(ctx, out[:i])
			return nil, err
		}
	}
	chunk := int64(m.Config().SortBufferSize / flextype.SizeOf(flextype.Integer))
	log.Debug.Printf("permute: scattering %d rows in chunks of %d", p.nrows, chunk)
	s := &scatterer{p: p, input: input, out: out}
	var fwd []flextype.Value
	for s.start = 0; s.start < p.nrows; s.start += chunk {
		if err := ctx.Err(); err != nil {
			releaseAll(ctx, out)
			return nil, errors.E(errors.Canceled, err)
		}
		end := s.start + chunk
		if end > p.nrows {
			end = p.nrows
		}
		var err error
		if fwd, err = forward.ReadRows(ctx, s.start, end, fwd); err != nil {
			releaseAll(ctx, out)
			return nil, err
		}
		s.dest, s.bucket = s.dest[:0], s.bucket[:0]
		for _, v := range fwd {
			d := v.Int()
			s.dest = append(s.dest, d)
			s.bucket = append(s.bucket, p.bucketOf(d))
		}
		var (
			g, gctx = errgroup.WithContext(ctx)
			next    = int64(-1)
		)
		for w := 0; w < parallelism; w++ {
			g.Go(func() error {
				for {
					c := int(atomic.AddInt64(&next, 1))
					if c > ncol {
						return nil
					}
					if err := s.column(gctx, c); err != nil {
						return err
					}
				}
			})
		}
		if err := g.Wait(); err != nil {
			releaseAll(ctx, out)
			return nil, err
		}
	}
	for i, col := range out {
		if err := col.Close(ctx); err != nil {
			releaseAll(ctx, out[i+1:])
			releaseAll(ctx, out[:i])
			return nil, err
		}
	}
	return out, nil
}

// column scatters column c of the current chunk; column len(p.columns)
// is the forward map.
func (s *scatterer) column(ctx context.Context, c int) error {
	if err := ctx.Err(); err != nil {
		return errors.E(errors.Canceled, err)
	}
	batches := make([][]flextype.Value, s.p.numBuckets())
	flush := func() error {
		for b, vs := range batches {
			if len(vs) == 0 {
				continue
			}
			if err := s.out[c].WriteSegment(b, vs); err != nil {
				return err
			}
			batches[b] = vs[:0]
		}
		return nil
	}
	if c == len(s.p.columns) {
		for i, d := range s.dest {
			b := s.bucket[i]
			batches[b] = append(batches[b], flextype.Int(d))
		}
		return flush()
	}
	if s.p.columns[c].indirect {
		for i := range s.dest {
			b := s.bucket[i]
			batches[b] = append(batches[b], flextype.Int(s.start+int64(i)))
		}
		return flush()
	}
	// Read along the column's block boundaries so that each read
	// decodes a single block.
	var (
		pc    = &s.p.columns[c]
		col   = s.input.Column(c)
		end   = s.start + int64(len(s.dest))
		buf   []flextype.Value
		err   error
		block = pc.blockContaining(s.start)
	)
	for ; block < len(pc.bounds)-1 && pc.bounds[block] < end; block++ {
		lo, hi := pc.bounds[block], pc.bounds[block+1]
		if lo < s.start {
			lo = s.start
		}
		if hi > end {
			hi = end
		}
		if lo >= hi {
			continue
		}
		if buf, err = col.ReadRows(ctx, lo, hi, buf); err != nil {
			return err
		}
		off := int(lo - s.start)
		for j, v := range buf {
			b := s.bucket[off+j]
			batches[b] = append(batches[b], v)
		}
		if err := flush(); err != nil {
			return err
		}
	}
	return nil
}
