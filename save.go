// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sframe

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/sframe/frame"
	"github.com/grailbio/sframe/frameio"
)

// frameWriter adapts a RowWriter to a frameio.Writer.
type frameWriter struct{ *RowWriter }

func (w frameWriter) Write(ctx context.Context, f frame.Frame) error {
	return w.WriteFrame(f)
}

// Save writes a copy of the table to path, which names the new
// table's index, and returns the new table. Save is how ephemeral
// and temporary tables are persisted. Segments are copied in
// parallel; the saved table has the same segmentation as f.
func (f *SFrame) Save(ctx context.Context, path string) (*SFrame, error) {
	f.mustBe(openForRead)
	r := f.Reader()
	out := New(f.m)
	if err := out.OpenForWrite(ctx, f.names, f.types, path, r.NumSegments(), true); err != nil {
		return nil, err
	}
	for k, v := range f.meta {
		out.SetMetadata(k, v)
	}
	err := traverse.Each(r.NumSegments(), func(seg int) error {
		w := out.RowWriter(seg)
		if _, err := frameio.Copy(ctx, frameWriter{w}, r.SegmentReader(seg), len(f.names)); err != nil {
			return err
		}
		return w.Flush()
	})
	if err != nil {
		return nil, err
	}
	if err := out.Close(ctx); err != nil {
		return nil, err
	}
	log.Printf("sframe: saved %d rows to %s", out.NumRows(), path)
	return out, nil
}
