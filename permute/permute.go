// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package permute implements an external-memory permutation of
// tables. Given a table of N rows and a forward map (an integer column
// holding a permutation of [0, N)), Permute produces a table in which
// row r of the input appears at row forward[r].
//
// The permutation proceeds in two passes. The scatter pass streams the
// input, column by column, into K buckets: bucket b receives the rows
// whose destination lies in [b*N/K, (b+1)*N/K), together with their
// destinations. The permute pass then loads each bucket, a group of
// columns at a time, places every value at its destination relative
// to the bucket's start, and writes the result as segment b of the
// output. K is chosen so that the largest column of a bucket fits
// within half of the configured sort buffer.
//
// Columns whose values are very large (more than IndirectValueBytes
// per value on average) are permuted indirectly: the scatter pass
// moves only row numbers, and the permute pass fetches the values from
// the input by row number.
package permute

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/sarray"
)

// Options controls a permutation.
type Options struct {
	// Parallelism is the number of concurrent workers of each pass.
	// It defaults to the number of CPUs.
	Parallelism int
	// Strict makes Permute fail with an errors.Invalid error, rather
	// than log a warning, when the table is larger than the
	// configuration is expected to sort.
	Strict bool
}

// column is the permute plan of a single input column.
type column struct {
	name string
	typ  flextype.Type
	// bytes is the encoded size of the column's blocks.
	bytes int64
	// bytesPerValue estimates the memory needed per value while
	// permuting.
	bytesPerValue int64
	// indirect columns are scattered as row numbers.
	indirect bool
	// bounds holds the first row of every block of the column,
	// followed by the column's length.
	bounds []int64
}

// plan is the cost estimate and bucketing of a permutation.
type plan struct {
	nrows   int64
	columns []column
	// starts holds the first row of each bucket, followed by nrows.
	starts []int64
	// maxSortRows is the number of rows the configuration is
	// expected to sort.
	maxSortRows int64
}

func (p *plan) numBuckets() int { return len(p.starts) - 1 }

// bucketOf returns the bucket containing output row r.
func (p *plan) bucketOf(r int64) int {
	k := p.numBuckets()
	b := int(r * int64(k) / p.nrows)
	for b > 0 && p.starts[b] > r {
		b--
	}
	for b < k-1 && p.starts[b+1] <= r {
		b++
	}
	return b
}

// Permute returns a new table with the rows of input reordered so that
// row r of input is row forward[r] of the output. The forward map must
// be an integer column with the same length as the input that holds
// every integer in [0, N) exactly once; otherwise Permute returns an
// errors.Invalid error before writing any output. The output is an
// ephemeral table stored in temporary files of m, with one segment per
// bucket.
func Permute(ctx context.Context, m *blockio.Manager, input *sframe.SFrame, forward *sarray.SArray, opts Options) (*sframe.SFrame, error) {
	must.True(input.IsOpenForRead(), "permute: input is not open for read")
	must.True(forward.IsOpenForRead(), "permute: forward map is not open for read")
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	nrows := input.NumRows()
	if forward.Size() != nrows {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("permute: forward map has %d values, table has %d rows", forward.Size(), nrows))
	}
	if nrows == 0 {
		return emptyTable(ctx, m, input)
	}
	if err := ValidateForwardMap(ctx, forward); err != nil {
		return nil, err
	}
	p, err := estimate(ctx, m, input, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	if nrows > p.maxSortRows {
		if opts.Strict {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("permute: table of %d rows exceeds the %d rows sortable with sort-buffer-size %d and sort-max-segments %d",
					nrows, p.maxSortRows, m.Config().SortBufferSize, m.Config().SortMaxSegments))
		}
		log.Error.Printf("permute: table of %d rows exceeds the %d rows sortable with the current configuration; "+
			"increase sort-buffer-size or sort-max-segments if the permutation fails", nrows, p.maxSortRows)
	}
	log.Printf("permute: %d rows, %d columns, %d buckets", nrows, len(p.columns), p.numBuckets())

	scattered, err := scatter(ctx, m, p, input, forward, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	defer releaseAll(ctx, scattered)
	cols, err := permuteBuckets(ctx, m, p, input, scattered, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	defer releaseAll(ctx, cols)
	out, err := sframe.FromColumns(m, cols, input.ColumnNames(), true)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("permute: done: %s", m.Stats())
	return out, nil
}

// emptyTable returns a zero-row table with the schema of input.
func emptyTable(ctx context.Context, m *blockio.Manager, input *sframe.SFrame) (*sframe.SFrame, error) {
	out := sframe.New(m)
	if err := out.OpenForWrite(ctx, input.ColumnNames(), input.ColumnTypes(), "", 1, true); err != nil {
		return nil, err
	}
	if err := out.Close(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// estimate computes the cost of permuting input and sizes its buckets.
func estimate(ctx context.Context, m *blockio.Manager, input *sframe.SFrame, parallelism int) (*plan, error) {
	var (
		cfg   = m.Config()
		names = input.ColumnNames()
		types = input.ColumnTypes()
		p     = &plan{nrows: input.NumRows(), columns: make([]column, len(names))}
	)
	var maxBytes, maxBytesPerValue int64
	for i := range p.columns {
		c := &p.columns[i]
		c.name, c.typ = names[i], types[i]
		if err := c.readLayout(ctx, m, input.Column(i)); err != nil {
			return nil, err
		}
		c.bytesPerValue = bytesPerValue(c.bytes, p.nrows, c.typ)
		if c.bytesPerValue > int64(cfg.IndirectValueBytes) {
			log.Printf("permute: column %s has an estimated %d bytes per value; permuting indirectly", c.name, c.bytesPerValue)
			c.indirect = true
			c.bytesPerValue = int64(flextype.ValueSize)
		}
		log.Debug.Printf("permute: column %s: %s, %d bytes per value", c.name, data.Size(c.bytes), c.bytesPerValue)
		if n := c.bytesPerValue * p.nrows; n > maxBytes {
			maxBytes = n
		}
		if c.bytesPerValue > maxBytesPerValue {
			maxBytesPerValue = c.bytesPerValue
		}
	}
	half := int64(cfg.SortBufferSize / 2)
	k := (maxBytes + half - 1) / half
	if k < 1 {
		k = 1
	}
	k *= int64(parallelism)
	if k > p.nrows {
		k = 1
	}
	p.starts = make([]int64, k+1)
	for b := range p.starts {
		p.starts[b] = int64(b) * p.nrows / k
	}
	p.maxSortRows = half * int64(cfg.SortMaxSegments) / maxBytesPerValue
	return p, nil
}

// readLayout sums the encoded sizes of the column's blocks and records
// its block boundaries.
func (c *column) readLayout(ctx context.Context, m *blockio.Manager, col *sarray.SArray) error {
	c.bounds = []int64{0}
	var row int64
	for _, ref := range col.Index().SegmentFiles {
		addr, err := m.OpenColumn(ctx, ref)
		if err != nil {
			return err
		}
		for _, info := range m.ColumnBlocks(addr) {
			c.bytes += info.RawSize
			row += int64(info.NumElem)
			c.bounds = append(c.bounds, row)
		}
		m.CloseColumn(addr)
	}
	if row != col.Size() {
		return errors.E(errors.Integrity,
			fmt.Sprintf("permute: column %s has %d values in its blocks, %d in its index", c.name, row, col.Size()))
	}
	return nil
}

// blockContaining returns the index of the block containing row r.
func (c *column) blockContaining(r int64) int {
	return sort.Search(len(c.bounds)-1, func(i int) bool { return c.bounds[i+1] > r })
}

// bytesPerValue estimates the in-memory size of a value of type typ
// in a column of nrows values with the provided encoded size. Values
// with fixed-size payloads take exactly their in-memory footprint;
// strings and vectors add a header to their encoded size; other
// values are scaled by a slack factor of two.
func bytesPerValue(bytes, nrows int64, typ flextype.Type) int64 {
	n := (bytes + nrows - 1) / nrows
	switch typ {
	case flextype.Integer, flextype.Float, flextype.DateTime:
		return int64(flextype.SizeOf(typ))
	case flextype.String, flextype.Vector:
		return n + int64(flextype.SizeOf(typ))
	default:
		return 2*n + int64(flextype.ValueSize)
	}
}

// releaseAll releases columns, closing those still open for writing.
func releaseAll(ctx context.Context, cols []*sarray.SArray) {
	for _, col := range cols {
		if col == nil {
			continue
		}
		if col.IsOpenForWrite() {
			if err := col.Close(ctx); err != nil {
				log.Error.Printf("permute: discard %s: %v", col, err)
				continue
			}
		}
		if !col.IsOpenForRead() {
			continue
		}
		if err := col.Release(ctx); err != nil {
			log.Error.Printf("permute: release %s: %v", col, err)
		}
	}
}
