// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sframe"
	"github.com/grailbio/sframe/algorithm"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frame"
	"github.com/grailbio/sframe/frameio"
	"github.com/grailbio/sframe/permute"
	"github.com/grailbio/sframe/sarray"
)

// SortKeys computes the forward map that sorts table f by the named
// key columns: row r of f is row forward[r] of the sorted table. Keys
// sort in ascending order unless the corresponding entry of ascending
// is false; a nil ascending sorts every key in ascending order. Rows
// with equal keys keep their relative order.
//
// The (key, row) pairs of the table are sorted out of core, producing
// the rows of f in sorted order. Since this is the inverse of the
// forward map, the forward map is computed by permuting the sequence
// 0, 1, ..., N-1 by it.
func SortKeys(ctx context.Context, f *sframe.SFrame, keys []string, ascending []bool, opts permute.Options) (*sarray.SArray, error) {
	if len(keys) == 0 {
		return nil, errors.E(errors.Invalid, "sortio: no sort keys")
	}
	if ascending != nil && len(ascending) != len(keys) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sortio: %d sort directions for %d keys", len(ascending), len(keys)))
	}
	var (
		m     = f.Manager()
		cfg   = m.Config()
		n     = f.NumRows()
		cols  []*sarray.SArray
		order Order
	)
	for i, key := range keys {
		c, ok := f.ColumnIndex(key)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("sortio: no column named %q", key))
		}
		cols = append(cols, f.Column(c))
		order.Keys = append(order.Keys, i)
		order.Desc = append(order.Desc, ascending != nil && !ascending[i])
	}
	keyTable, err := sframe.FromColumns(m, cols, keys, false)
	if err != nil {
		return nil, err
	}
	defer keyTable.Release(ctx)
	r := &keyReader{Reader: keyTable.Reader().Rows()}
	// The row number breaks ties.
	order.Keys = append(order.Keys, len(keys))
	order.Desc = append(order.Desc, false)
	ncol := len(keys) + 1

	sorted, cleanup, err := SortReader(ctx, cfg.TempDir, cfg.SortBufferSize, ncol, order, r)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Error.Printf("sortio: remove spill files: %v", err)
		}
	}()

	nseg := cfg.DefaultNumSegments
	inverse := sarray.New(m)
	if err := inverse.OpenForWrite(ctx, "", flextype.Integer, nseg); err != nil {
		return nil, err
	}
	var (
		buf  = frame.Make(ncol, frameio.SpillBatchSize)
		i, k int
		rerr error
	)
	next := func() (flextype.Value, bool) {
		if i == k {
			if rerr != nil {
				return flextype.Value{}, false
			}
			k, rerr = sorted.Read(ctx, buf)
			i = 0
			if rerr == frameio.EOF {
				rerr = nil
				if k == 0 {
					rerr = frameio.EOF
				}
			}
			if k == 0 {
				return flextype.Value{}, false
			}
		}
		v := buf[ncol-1][i]
		i++
		return v, true
	}
	err = algorithm.CopySequence(ctx, next, n, inverse)
	if err == nil && rerr != nil && rerr != frameio.EOF {
		err = rerr
	}
	if cerr := inverse.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		if inverse.IsOpenForRead() {
			inverse.Release(ctx)
		}
		return nil, err
	}
	defer inverse.Release(ctx)
	if inverse.Size() != n {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("sortio: sorted %d rows of %d", inverse.Size(), n))
	}

	ranks := sarray.New(m)
	if err := ranks.OpenForWrite(ctx, "", flextype.Integer, nseg); err != nil {
		return nil, err
	}
	var rank int64
	err = algorithm.CopySequence(ctx, func() (flextype.Value, bool) {
		if rank == n {
			return flextype.Value{}, false
		}
		rank++
		return flextype.Int(rank - 1), true
	}, n, ranks)
	if cerr := ranks.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	defer ranks.Release(ctx)
	table, err := sframe.FromColumns(m, []*sarray.SArray{ranks}, []string{"rank"}, true)
	if err != nil {
		return nil, err
	}
	defer table.Release(ctx)
	permuted, err := permute.Permute(ctx, m, table, inverse, opts)
	if err != nil {
		return nil, err
	}
	defer permuted.Release(ctx)
	return permuted.Column(0).Clone(), nil
}

// Sort returns table f sorted by the named key columns, as SortKeys.
// The sorted table is ephemeral.
func Sort(ctx context.Context, f *sframe.SFrame, keys []string, ascending []bool, opts permute.Options) (*sframe.SFrame, error) {
	forward, err := SortKeys(ctx, f, keys, ascending, opts)
	if err != nil {
		return nil, err
	}
	defer forward.Release(ctx)
	log.Printf("sortio: sorting %d rows by %v", f.NumRows(), keys)
	return permute.Permute(ctx, f.Manager(), f, forward, opts)
}
