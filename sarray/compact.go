// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sarray

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
)

// span is a range of rows [start, end) of a column.
type span struct{ start, end int64 }

// TryCompact bounds the number of segments of the column. If the
// column has more than threshold segments (or, if threshold is not
// positive, the configured compaction threshold), runs of consecutive
// small segments are each rewritten into a single segment. If that
// does not bring the column under the threshold, the whole column is
// rewritten into the configured default number of segments.
//
// TryCompact does not change the column's values. It returns whether
// the column was rewritten. A compacted column has no stored index.
func (a *SArray) TryCompact(ctx context.Context, threshold int) (bool, error) {
	a.mustBe(openForRead)
	cfg := a.m.Config()
	if threshold <= 0 {
		threshold = cfg.CompactionThreshold
	}
	sizes := a.index.SegmentSizes
	if len(sizes) <= threshold {
		return false, nil
	}
	small := int64(cfg.SmallSegmentRows)
	var (
		runs [][2]int // [lo, hi) segment indices
		n    = len(sizes)
	)
	for i := 0; i < len(sizes); {
		if sizes[i] >= small {
			i++
			continue
		}
		j := i + 1
		for j < len(sizes) && sizes[j] < small {
			j++
		}
		if j-i > 1 {
			runs = append(runs, [2]int{i, j})
			n -= j - i - 1
		}
		i = j
	}
	var index blockio.ColumnIndex
	if n <= threshold {
		spans := make([]span, len(runs))
		for i, r := range runs {
			spans[i] = span{a.starts[r[0]], a.starts[r[1]]}
		}
		compacted, err := a.rewrite(ctx, spans)
		if err != nil {
			return false, err
		}
		index = a.index
		index.SegmentFiles, index.SegmentSizes = nil, nil
		for i, k := 0, 0; i < len(sizes); {
			if k < len(runs) && runs[k][0] == i {
				index.SegmentFiles = append(index.SegmentFiles, compacted.SegmentFiles[k])
				index.SegmentSizes = append(index.SegmentSizes, compacted.SegmentSizes[k])
				i = runs[k][1]
				k++
				continue
			}
			index.SegmentFiles = append(index.SegmentFiles, a.index.SegmentFiles[i])
			index.SegmentSizes = append(index.SegmentSizes, sizes[i])
			i++
		}
		index.NumSegments = len(index.SegmentFiles)
		log.Printf("sarray: fast compaction of %d segments into %d", len(sizes), index.NumSegments)
	} else {
		lengths := EvenLengths(a.Size(), cfg.DefaultNumSegments)
		spans := make([]span, len(lengths))
		var start int64
		for i, l := range lengths {
			spans[i] = span{start, start + l}
			start += l
		}
		var err error
		if index, err = a.rewrite(ctx, spans); err != nil {
			return false, err
		}
		index.Metadata = a.index.Metadata
		log.Printf("sarray: full compaction of %d segments into %d", len(sizes), index.NumSegments)
	}
	old := a.files
	a.mu.Lock()
	for i := range a.segs {
		if a.segs[i].open {
			a.m.CloseColumn(a.segs[i].addr)
		}
	}
	a.mu.Unlock()
	a.setIndex(index, "", index.Paths())
	return true, a.m.Release(ctx, old...)
}

// rewrite copies the provided row spans of the column into a new
// temporary column with one segment per span, and returns the new
// column's index. Spans are copied in parallel.
func (a *SArray) rewrite(ctx context.Context, spans []span) (blockio.ColumnIndex, error) {
	w, err := a.m.NewGroupWriter(ctx, "", len(spans), 1)
	if err != nil {
		return blockio.ColumnIndex{}, err
	}
	w.SetMetadata(0, blockio.TypeKey, a.typ.Tag())
	chunk := int64(a.m.Config().ReaderBufferRows)
	err = traverse.Each(len(spans), func(i int) error {
		buf := make([]flextype.Value, 0, chunk)
		for start := spans[i].start; start < spans[i].end; start += chunk {
			end := start + chunk
			if end > spans[i].end {
				end = spans[i].end
			}
			var err error
			if buf, err = a.ReadRows(ctx, start, end, buf); err != nil {
				return err
			}
			if err := w.WriteColumn(i, 0, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return blockio.ColumnIndex{}, err
	}
	if err := w.Close(); err != nil {
		return blockio.ColumnIndex{}, err
	}
	return w.Index().Columns[0], nil
}
