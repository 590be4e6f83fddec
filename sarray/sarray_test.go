// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sarray

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frameio"
	"github.com/grailbio/sframe/sframeconfig"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testManager(t *testing.T) (*blockio.Manager, func()) {
	t.Helper()
	cfg := sframeconfig.Default()
	cfg.BlockRows = 7
	cfg.ReaderBufferRows = 5
	m := blockio.NewManager(cfg)
	return m, func() {
		if err := m.Close(context.Background()); err != nil {
			t.Error(err)
		}
	}
}

func fuzzInts(seed int64, n int) []flextype.Value {
	fz := fuzz.NewWithSeed(seed)
	vs := make([]flextype.Value, n)
	for i := range vs {
		var x int64
		fz.Fuzz(&x)
		vs[i] = flextype.Int(x)
	}
	return vs
}

// writeColumn writes segs[i] into segment i of a new integer column,
// writing segments concurrently.
func writeColumn(t *testing.T, m *blockio.Manager, path string, segs ...[]flextype.Value) *SArray {
	t.Helper()
	ctx := context.Background()
	a := New(m)
	assert.NoError(t, a.OpenForWrite(ctx, path, flextype.Integer, len(segs)))
	var wg sync.WaitGroup
	for i := range segs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := a.Writer(i)
			for _, v := range segs[i] {
				if err := w.Write(v); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.NoError(t, a.Close(ctx))
	return a
}

func readAll(t *testing.T, r *Reader) []flextype.Value {
	t.Helper()
	ctx := context.Background()
	var all []flextype.Value
	buf := make([]flextype.Value, 3)
	for seg := 0; seg < r.NumSegments(); seg++ {
		c := r.Begin(seg)
		var n int64
		for {
			k, err := c.Read(ctx, buf)
			all = append(all, buf[:k]...)
			n += int64(k)
			if err == frameio.EOF {
				break
			}
			assert.NoError(t, err)
		}
		if got, want := n, r.SegmentLength(seg); got != want {
			t.Errorf("segment %d: got %v, want %v", seg, got, want)
		}
	}
	return all
}

func expectValues(t *testing.T, got, want []flextype.Value) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d", len(got), len(want))
	}
	for i := range got {
		if !got[i].Equal(want[i]) {
			t.Fatalf("value %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	fn()
}

func TestRoundTrip(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	segs := [][]flextype.Value{fuzzInts(1, 100), nil, fuzzInts(2, 33), fuzzInts(3, 1)}
	var want []flextype.Value
	for _, seg := range segs {
		want = append(want, seg...)
	}
	a := writeColumn(t, m, "", segs...)
	expect.EQ(t, a.Size(), int64(134))
	expect.EQ(t, a.NumSegments(), 4)
	expect.EQ(t, a.SegmentLengths(), []int64{100, 0, 33, 1})
	expect.EQ(t, a.Type(), flextype.Integer)

	expectValues(t, readAll(t, a.Reader()), want)
	for n := 1; n < 9; n++ {
		r := a.ReaderN(n)
		expect.EQ(t, r.NumSegments(), n)
		expectValues(t, readAll(t, r), want)
	}
	expectValues(t, readAll(t, a.ReaderLengths([]int64{0, 134})), want)

	ctx := context.Background()
	got, err := a.ReadRows(ctx, 95, 110, nil)
	assert.NoError(t, err)
	expectValues(t, got, want[95:110])
	head, err := a.Head(ctx, 1000)
	assert.NoError(t, err)
	expectValues(t, head, want)
	assert.NoError(t, a.Release(ctx))
}

func TestCursorSeek(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	want := fuzzInts(4, 50)
	a := writeColumn(t, m, "", want)
	c := a.ReaderN(2).Begin(1)
	expect.EQ(t, c.Len(), int64(25))
	c.SeekTo(20)
	buf := make([]flextype.Value, 10)
	n, err := c.Read(context.Background(), buf)
	assert.NoError(t, err)
	expectValues(t, buf[:n], want[45:])
	_, err = c.Read(context.Background(), buf)
	expect.EQ(t, err, frameio.EOF)
	c.Reset()
	expect.EQ(t, c.Remaining(), int64(25))
}

func TestConversion(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	a := New(m)
	assert.NoError(t, a.OpenForWrite(ctx, "", flextype.Float, 1))
	w := a.Writer(0)
	assert.NoError(t, w.Write(flextype.Int(3)))
	assert.NoError(t, w.WriteBatch([]flextype.Value{flextype.Float64(1.5), flextype.Int(2), flextype.Undef()}))
	err := w.Write(flextype.Str("x"))
	if !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want cast error", err)
	}
	assert.NoError(t, a.Close(ctx))
	got, err := a.Head(ctx, 10)
	assert.NoError(t, err)
	expectValues(t, got, []flextype.Value{flextype.Float64(3), flextype.Float64(1.5), flextype.Float64(2), flextype.Undef()})
}

func TestContract(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	expectPanic(t, func() { New(m).OpenForWrite(ctx, "", flextype.Integer, 0) })

	a := New(m)
	assert.NoError(t, a.OpenForWrite(ctx, "", flextype.Integer, 2))
	expectPanic(t, func() { a.OpenForWrite(ctx, "", flextype.Integer, 2) })
	expectPanic(t, func() { a.Clone() })
	expectPanic(t, func() { a.Reader() })
	expectPanic(t, func() { a.Writer(2) })
	assert.NoError(t, a.Close(ctx))
	expectPanic(t, func() { a.Writer(0) })
	expectPanic(t, func() { a.SetNumSegments(3) })
}

func TestSetNumSegments(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	a := New(m)
	assert.NoError(t, a.OpenForWrite(ctx, "", flextype.Integer, 2))
	expect.EQ(t, a.SetNumSegments(5), true)
	expect.EQ(t, a.NumSegments(), 5)
	assert.NoError(t, a.Writer(4).Write(flextype.Int(1)))
	expect.EQ(t, a.SetNumSegments(2), false)
	assert.NoError(t, a.Close(ctx))
	expect.EQ(t, a.SegmentLengths(), []int64{0, 0, 0, 0, 1})
}

func TestAppend(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	x, y := fuzzInts(5, 20), fuzzInts(6, 30)
	a := writeColumn(t, m, "", x[:10], x[10:])
	b := writeColumn(t, m, "", y)
	c, err := a.Append(b)
	assert.NoError(t, err)
	expect.EQ(t, c.NumSegments(), 3)
	expect.EQ(t, c.Size(), int64(50))
	expect.EQ(t, c.IndexRef(), "")
	expectValues(t, readAll(t, c.Reader()), append(append([]flextype.Value(nil), x...), y...))

	s := New(m)
	assert.NoError(t, s.OpenForWrite(ctx, "", flextype.String, 1))
	assert.NoError(t, s.Close(ctx))
	_, err = a.Append(s)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}

	// The appended column keeps the files of its sources.
	assert.NoError(t, a.Release(ctx))
	assert.NoError(t, b.Release(ctx))
	expectValues(t, readAll(t, c.Reader()), append(append([]flextype.Value(nil), x...), y...))
	assert.NoError(t, c.Release(ctx))
}

func TestOpen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	m, mcleanup := testManager(t)
	defer mcleanup()
	ctx := context.Background()
	want := fuzzInts(7, 64)
	path := filepath.Join(dir, "col.sidx")
	a := New(m)
	assert.NoError(t, a.OpenForWrite(ctx, path, flextype.Integer, 2))
	a.SetMetadata("source", "test")
	assert.NoError(t, a.WriteSegment(0, want[:40]))
	assert.NoError(t, a.WriteSegment(1, want[40:]))
	assert.NoError(t, a.Close(ctx))
	expect.EQ(t, a.IndexRef(), path)
	assert.NoError(t, a.Release(ctx))

	// Persistent files survive release.
	b, err := Open(ctx, m, path)
	assert.NoError(t, err)
	expect.EQ(t, b.Type(), flextype.Integer)
	v, ok := b.Metadata("source")
	expect.EQ(t, ok, true)
	expect.EQ(t, v, "test")
	expectValues(t, readAll(t, b.Reader()), want)
	assert.NoError(t, b.Release(ctx))

	_, err = Open(ctx, m, filepath.Join(dir, "missing.sidx"))
	if err == nil {
		t.Error("expected error")
	}
}

func TestTempRelease(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	a := writeColumn(t, m, "", fuzzInts(8, 10))
	paths := a.Index().Paths()
	c := a.Clone()
	assert.NoError(t, a.Release(ctx))
	for _, path := range paths {
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}
	assert.NoError(t, c.Release(ctx))
	for _, path := range paths {
		_, err := os.Stat(path)
		expect.EQ(t, os.IsNotExist(err), true)
	}
}

func TestCompact(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	cfg := m.Config()
	cfg.SmallSegmentRows = 10
	cfg.DefaultNumSegments = 3

	var (
		segs [][]flextype.Value
		want []flextype.Value
	)
	for i := 0; i < 8; i++ {
		n := 5
		if i == 4 {
			n = 20
		}
		seg := fuzzInts(int64(i), n)
		segs = append(segs, seg)
		want = append(want, seg...)
	}
	a := writeColumn(t, m, "", segs...)
	ok, err := a.TryCompact(ctx, 8)
	assert.NoError(t, err)
	expect.EQ(t, ok, false)

	// Fast compaction merges the runs around the large segment.
	ok, err = a.TryCompact(ctx, 4)
	assert.NoError(t, err)
	expect.EQ(t, ok, true)
	expect.EQ(t, a.SegmentLengths(), []int64{20, 20, 15})
	expectValues(t, readAll(t, a.Reader()), want)

	// Otherwise the column is rewritten in full.
	ok, err = a.TryCompact(ctx, 2)
	assert.NoError(t, err)
	expect.EQ(t, ok, true)
	expect.EQ(t, a.NumSegments(), 3)
	expectValues(t, readAll(t, a.Reader()), want)
	assert.NoError(t, a.Release(ctx))
}
