// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package permute

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sframe"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/sarray"
	"github.com/grailbio/sframe/stats"
	"golang.org/x/sync/errgroup"
)

// bucketer holds the state of the permute pass.
type bucketer struct {
	m         *blockio.Manager
	p         *plan
	input     *sframe.SFrame
	scattered []*sarray.SArray
	out       []*sarray.SArray
	// segStarts holds the first row of each segment of the scattered
	// columns.
	segStarts []int64
	// lim admits column groups within the memory budget.
	lim        *limiter.Limiter
	budget     int64
	groupBytes int64

	inflight     int64
	peak, groups *stats.Int
}

// blockRef is a block of a scattered column, with the position of its
// first value within its bucket.
type blockRef struct {
	col   int
	addr  blockio.ColumnAddress
	index int
	first int64
	info  blockio.BlockInfo
}

// permuteBuckets permutes each bucket of the scattered columns and
// returns the permuted columns, with one segment per bucket.
func permuteBuckets(ctx context.Context, m *blockio.Manager, p *plan, input *sframe.SFrame, scattered []*sarray.SArray, parallelism int) ([]*sarray.SArray, error) {
	cfg := m.Config()
	b := &bucketer{
		m:          m,
		p:          p,
		input:      input,
		scattered:  scattered,
		out:        make([]*sarray.SArray, len(p.columns)),
		lim:        limiter.New(),
		budget:     int64(cfg.SortBufferSize),
		groupBytes: int64(cfg.SortBufferSize / parallelism),
		peak:       m.StatsMap().Int("permute_peak_bytes"),
		groups:     m.StatsMap().Int("permute_groups"),
	}
	b.lim.Release(cfg.SortBufferSize)
	lengths := scattered[len(p.columns)].SegmentLengths()
	b.segStarts = make([]int64, len(lengths)+1)
	for i, n := range lengths {
		b.segStarts[i+1] = b.segStarts[i] + n
	}
	for i, c := range p.columns {
		b.out[i] = sarray.New(m)
		if err := b.out[i].OpenForWrite(ctx, "", c.typ, p.numBuckets()); err != nil {
			releaseAll(ctx, b.out[:i])
			return nil, err
		}
	}
	var (
		g, gctx = errgroup.WithContext(ctx)
		next    = int64(-1)
	)
	for w := 0; w < parallelism; w++ {
		g.Go(func() error {
			for {
				bucket := int(atomic.AddInt64(&next, 1))
				if bucket >= p.numBuckets() {
					return nil
				}
				if err := b.bucket(gctx, bucket); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		releaseAll(ctx, b.out)
		return nil, err
	}
	for i, col := range b.out {
		if err := col.Close(ctx); err != nil {
			releaseAll(ctx, b.out[:i])
			releaseAll(ctx, b.out[i+1:])
			return nil, err
		}
	}
	return b.out, nil
}

// bucket permutes bucket k: every value of segment k of the scattered
// columns is placed at its destination relative to the bucket's start,
// and the result is written to segment k of the output, a group of
// columns at a time.
func (b *bucketer) bucket(ctx context.Context, k int) error {
	if err := ctx.Err(); err != nil {
		return errors.E(errors.Canceled, err)
	}
	var (
		ncol     = len(b.p.columns)
		rowStart = b.p.starts[k]
		n        = b.p.starts[k+1] - rowStart
	)
	if got := b.segStarts[k+1] - b.segStarts[k]; got != n {
		return errors.E(errors.Integrity, fmt.Sprintf("permute: bucket %d scattered %d rows, expected %d", k, got, n))
	}
	dest, err := b.scattered[ncol].ReadRows(ctx, b.segStarts[k], b.segStarts[k+1], nil)
	if err != nil {
		return err
	}
	targets := make([]int64, n)
	for i, v := range dest {
		t := v.Int() - rowStart
		if t < 0 || t >= n {
			return errors.E(errors.Integrity, fmt.Sprintf("permute: row destined for %d scattered to bucket %d [%d, %d)", v.Int(), k, rowStart, rowStart+n))
		}
		targets[i] = t
	}
	log.Debug.Printf("permute: bucket %d: rows [%d, %d)", k, rowStart, rowStart+n)
	for c0 := 0; c0 < ncol; {
		c1 := c0 + 1
		need := b.p.columns[c0].bytesPerValue * n
		for c1 < ncol {
			next := b.p.columns[c1].bytesPerValue * n
			if need+next >= b.groupBytes {
				break
			}
			need += next
			c1++
		}
		if err := b.group(ctx, k, targets, c0, c1, need); err != nil {
			return err
		}
		c0 = c1
	}
	return nil
}

// group permutes columns [c0, c1) of bucket k, with an estimated memory
// footprint of need bytes.
func (b *bucketer) group(ctx context.Context, k int, targets []int64, c0, c1 int, need int64) error {
	if err := ctx.Err(); err != nil {
		return errors.E(errors.Canceled, err)
	}
	if need > b.budget {
		need = b.budget
	}
	if err := b.lim.Acquire(ctx, int(need)); err != nil {
		return errors.E(errors.Canceled, err)
	}
	defer b.lim.Release(int(need))
	b.peak.Max(atomic.AddInt64(&b.inflight, need))
	defer atomic.AddInt64(&b.inflight, -need)
	b.groups.Add(1)

	n := int64(len(targets))
	permuted := make([][]flextype.Value, c1-c0)
	for i := range permuted {
		permuted[i] = make([]flextype.Value, n)
	}
	var refs []blockRef
	defer func() {
		closed := make(map[int]bool)
		for _, ref := range refs {
			if !closed[ref.col] {
				b.m.CloseColumn(ref.addr)
				closed[ref.col] = true
			}
		}
	}()
	for c := c0; c < c1; c++ {
		addr, err := b.m.OpenColumn(ctx, b.scattered[c].Index().SegmentFiles[k])
		if err != nil {
			return err
		}
		var row int64
		blocks := b.m.ColumnBlocks(addr)
		if len(blocks) == 0 {
			// Keep track of the address so that it is closed.
			refs = append(refs, blockRef{col: c, addr: addr, index: -1})
		}
		for i, info := range blocks {
			refs = append(refs, blockRef{c, addr, i, row, info})
			row += int64(info.NumElem)
		}
		if row != n {
			return errors.E(errors.Integrity, fmt.Sprintf("permute: column %s bucket %d has %d rows, expected %d", b.p.columns[c].name, k, row, n))
		}
	}
	// Read the blocks in file order.
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].col != refs[j].col {
			return refs[i].col < refs[j].col
		}
		return refs[i].info.Offset < refs[j].info.Offset
	})
	var buf []flextype.Value
	for _, ref := range refs {
		if ref.index < 0 {
			continue
		}
		var err error
		if buf, err = b.m.ReadTypedBlock(ctx, ref.addr.Block(ref.index), buf); err != nil {
			return err
		}
		dst := permuted[ref.col-c0]
		for i, v := range buf {
			dst[targets[ref.first+int64(i)]] = v
		}
	}
	for c := c0; c < c1; c++ {
		values := permuted[c-c0]
		if b.p.columns[c].indirect {
			if err := b.fetch(ctx, c, values); err != nil {
				return err
			}
		}
		// Segment k of the column is complete.
		w := b.out[c].Writer(k)
		if err := w.WriteBatch(values); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// fetch replaces the row numbers in values by the values of column c
// of the input at those rows.
func (b *bucketer) fetch(ctx context.Context, c int, values []flextype.Value) error {
	var (
		col = b.input.Column(c)
		one []flextype.Value
		err error
	)
	for i, v := range values {
		r := v.Int()
		if one, err = col.ReadRows(ctx, r, r+1, one); err != nil {
			return err
		}
		values[i] = one[0]
	}
	return nil
}
