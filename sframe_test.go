// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sframe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frame"
	"github.com/grailbio/sframe/frameio"
	"github.com/grailbio/sframe/sarray"
	"github.com/grailbio/sframe/sframeconfig"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testManager(t *testing.T) (*blockio.Manager, func()) {
	t.Helper()
	cfg := sframeconfig.Default()
	cfg.BlockRows = 4
	cfg.ReaderBufferRows = 3
	m := blockio.NewManager(cfg)
	return m, func() {
		if err := m.Close(context.Background()); err != nil {
			t.Error(err)
		}
	}
}

// idValTable writes the table {id: integer, val: float} with rows
// (i, float(i)) for i in [0, n), split evenly into nseg segments.
func idValTable(t *testing.T, m *blockio.Manager, path string, n, nseg int) *SFrame {
	t.Helper()
	ctx := context.Background()
	f := New(m)
	assert.NoError(t, f.OpenForWrite(ctx, []string{"id", "val"}, []flextype.Type{flextype.Integer, flextype.Float}, path, nseg, true))
	var row int64
	for seg, l := range sarray.EvenLengths(int64(n), nseg) {
		w := f.RowWriter(seg)
		for i := int64(0); i < l; i++ {
			assert.NoError(t, w.Write([]flextype.Value{flextype.Int(row), flextype.Float64(float64(row))}))
			row++
		}
	}
	assert.NoError(t, f.Close(ctx))
	return f
}

func idValFrame(n int) frame.Frame {
	f := frame.Make(2, n)
	for i := 0; i < n; i++ {
		f[0][i] = flextype.Int(int64(i))
		f[1][i] = flextype.Float64(float64(i))
	}
	return f
}

func readFrame(t *testing.T, f *SFrame) frame.Frame {
	t.Helper()
	fr, err := f.Frame(context.Background())
	assert.NoError(t, err)
	return fr
}

func expectFrame(t *testing.T, got, want frame.Frame) {
	t.Helper()
	if !frame.Equal(got, want) {
		t.Errorf("got:\n%s\nwant:\n%s", got.TabString(), want.TabString())
	}
}

func TestRoundTrip(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	f := idValTable(t, m, "", 6, 2)
	expect.EQ(t, f.NumRows(), int64(6))
	expect.EQ(t, f.NumSegments(), 2)
	expect.EQ(t, f.ColumnNames(), []string{"id", "val"})
	expect.EQ(t, f.ColumnTypes(), []flextype.Type{flextype.Integer, flextype.Float})

	r := f.Reader()
	expect.EQ(t, r.NumSegments(), 2)
	var rows frame.Frame
	for seg := 0; seg < r.NumSegments(); seg++ {
		fr, err := frameio.ReadAll(context.Background(), r.SegmentReader(seg), 2)
		assert.NoError(t, err)
		rows = frame.Append(rows, fr)
	}
	expectFrame(t, rows, idValFrame(6))
	assert.NoError(t, f.Release(context.Background()))
}

func TestPersist(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	m, mcleanup := testManager(t)
	defer mcleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "t.frame_idx")
	f := idValTable(t, m, path, 100, 3)
	expect.EQ(t, f.IndexRef(), path)
	assert.NoError(t, f.Release(ctx))

	g, err := Open(ctx, m, path)
	assert.NoError(t, err)
	expect.EQ(t, g.ColumnNames(), []string{"id", "val"})
	expect.EQ(t, g.ColumnTypes(), []flextype.Type{flextype.Integer, flextype.Float})
	expect.EQ(t, g.NumSegments(), 3)
	expectFrame(t, readFrame(t, g), idValFrame(100))
	assert.NoError(t, g.Release(ctx))

	_, err = Open(ctx, m, filepath.Join(dir, "missing.frame_idx"))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestReshard(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	f := idValTable(t, m, "", 37, 3)
	want := idValFrame(37)
	for k := 1; k < 10; k++ {
		r := f.ReaderN(k)
		var got frame.Frame
		for seg := 0; seg < k; seg++ {
			fr, err := r.ReadRows(ctx, r.starts[seg], r.starts[seg+1], nil)
			assert.NoError(t, err)
			expect.EQ(t, int64(fr.Len()), r.SegmentLength(seg))
			got = frame.Append(got, fr)
		}
		expectFrame(t, got, want)
		all, err := frameio.ReadAll(ctx, r.Rows(), 2)
		assert.NoError(t, err)
		expectFrame(t, all, want)
	}
}

func TestWriteErrors(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	f := New(m)
	err := f.OpenForWrite(ctx, []string{"a"}, []flextype.Type{flextype.Integer, flextype.Float}, "", 1, false)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	assert.NoError(t, f.OpenForWrite(ctx, []string{"a", "b"}, []flextype.Type{flextype.Integer, flextype.String}, "", 1, false))
	w := f.RowWriter(0)
	err = w.Write([]flextype.Value{flextype.Int(1)})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	err = w.Write([]flextype.Value{flextype.Str("x"), flextype.Str("y")})
	if !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want cast error", err)
	}
	// Soft conversion.
	assert.NoError(t, w.Write([]flextype.Value{flextype.Float64(2), flextype.Int(3)}))
	assert.NoError(t, w.WriteFrame(frame.Columns(
		frame.Column{flextype.Int(4), flextype.Float64(5)},
		frame.Column{flextype.Str("z"), flextype.Vec([]float64{1})},
	)))
	assert.NoError(t, f.Close(ctx))
	got := readFrame(t, f)
	want := frame.Columns(
		frame.Column{flextype.Int(2), flextype.Int(4), flextype.Int(5)},
		frame.Column{flextype.Str("3"), flextype.Str("z"), flextype.Str(flextype.Vec([]float64{1}).String())},
	)
	expectFrame(t, got, want)
}

func TestNaming(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	f := New(m)
	types := []flextype.Type{flextype.Integer, flextype.Integer, flextype.Integer, flextype.Integer, flextype.Integer}
	assert.NoError(t, f.OpenForWrite(ctx, []string{"a", "", "a", "a", "X2"}, types, "", 1, false))
	expect.EQ(t, f.ColumnNames(), []string{"a", "X2", "a.1", "a.2", "X2.1"})

	err := New(m).OpenForWrite(ctx, []string{"a", "a"}, types[:2], "", 1, true)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestAddColumn(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	f := idValTable(t, m, "", 6, 2)
	col := sarray.New(m)
	assert.NoError(t, col.OpenForWrite(ctx, "", flextype.Integer, 1))
	for i := 0; i < 6; i++ {
		assert.NoError(t, col.Writer(0).Write(flextype.Int(int64(10*i))))
	}
	assert.NoError(t, col.Close(ctx))

	g, err := f.AddColumn(col, "")
	assert.NoError(t, err)
	expect.EQ(t, g.ColumnNames(), []string{"id", "val", "X3"})
	// The receiver is unchanged.
	expect.EQ(t, f.ColumnNames(), []string{"id", "val"})
	fr := readFrame(t, g)
	expect.EQ(t, fr[2][5], flextype.Int(50))

	_, err = g.AddColumn(col, "val")
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want naming conflict", err)
	}

	short := sarray.New(m)
	assert.NoError(t, short.OpenForWrite(ctx, "", flextype.Integer, 1))
	assert.NoError(t, short.Close(ctx))
	_, err = f.AddColumn(short, "short")
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want length mismatch", err)
	}
	assert.NoError(t, col.Release(ctx))
	// g keeps its own handle to the column.
	expect.EQ(t, readFrame(t, g)[2][1], flextype.Int(10))
}

func TestSelectColumns(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	f := idValTable(t, m, "", 6, 2)
	want := idValFrame(6)
	for i := 0; i < 3; i++ {
		g, err := f.SelectColumns([]string{"val", "id"})
		assert.NoError(t, err)
		expect.EQ(t, g.ColumnNames(), []string{"val", "id"})
		expect.EQ(t, g.IndexRef(), "")
		expectFrame(t, readFrame(t, g), frame.Columns(want[1], want[0]))
		assert.NoError(t, g.Release(ctx))
	}
	expectFrame(t, readFrame(t, f), want)
	_, err := f.SelectColumns([]string{"nope"})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	col, err := f.SelectColumn("val")
	assert.NoError(t, err)
	expect.EQ(t, col.Type(), flextype.Float)
}

func TestStructural(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	f := idValTable(t, m, "", 5, 1)
	want := idValFrame(5)

	g := f.SwapColumns(0, 1)
	expect.EQ(t, g.ColumnNames(), []string{"val", "id"})
	expectFrame(t, readFrame(t, g), frame.Columns(want[1], want[0]))

	g = f.RemoveColumn(0)
	expect.EQ(t, g.ColumnNames(), []string{"val"})
	expectFrame(t, readFrame(t, g), frame.Columns(want[1]))

	g, err := f.ReplaceColumn(f.Column(0), "val")
	assert.NoError(t, err)
	expect.EQ(t, g.ColumnTypes(), []flextype.Type{flextype.Integer, flextype.Integer})
	expectFrame(t, readFrame(t, g), frame.Columns(want[0], want[0]))

	g, err = f.RenameColumn(1, "value")
	assert.NoError(t, err)
	expect.EQ(t, g.ColumnNames(), []string{"id", "value"})
	_, err = f.RenameColumn(1, "id")
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	expect.EQ(t, f.ColumnNames(), []string{"id", "val"})
}

func TestAppend(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	a := idValTable(t, m, "", 5, 2)
	b := idValTable(t, m, "", 3, 1)
	c := idValTable(t, m, "", 7, 3)

	ab, err := a.Append(ctx, b)
	assert.NoError(t, err)
	expect.EQ(t, ab.NumRows(), int64(8))
	abc1, err := ab.Append(ctx, c)
	assert.NoError(t, err)
	bc, err := b.Append(ctx, c)
	assert.NoError(t, err)
	abc2, err := a.Append(ctx, bc)
	assert.NoError(t, err)

	want := frame.Append(frame.Append(idValFrame(5), idValFrame(3)), idValFrame(7))
	expectFrame(t, readFrame(t, abc1), want)
	expectFrame(t, readFrame(t, abc2), want)

	// Appending to an empty table returns the other table.
	empty := New(m)
	d, err := empty.Append(ctx, a)
	assert.NoError(t, err)
	expectFrame(t, readFrame(t, d), idValFrame(5))
	d, err = a.Append(ctx, a.RemoveColumn(0).RemoveColumn(0))
	assert.NoError(t, err)
	expectFrame(t, readFrame(t, d), idValFrame(5))

	// Tables without rows add no segments.
	none := idValTable(t, m, "", 0, 1)
	for _, d := range []*SFrame{mustAppend(t, a, none), mustAppend(t, none, a)} {
		expect.EQ(t, d.NumSegments(), a.NumSegments())
		expect.EQ(t, d.Column(0).NumSegments(), a.Column(0).NumSegments())
		expectFrame(t, readFrame(t, d), idValFrame(5))
	}
	if d := mustAppend(t, empty, New(m)); d != empty {
		t.Error("appending uninitialized tables did not return the receiver")
	}
}

func mustAppend(t *testing.T, f, other *SFrame) *SFrame {
	t.Helper()
	g, err := f.Append(context.Background(), other)
	assert.NoError(t, err)
	return g
}

func TestAppendMismatch(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	a := idValTable(t, m, "", 3, 1)
	b := a.SwapColumns(0, 1)
	_, err := a.Append(ctx, b)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want schema mismatch", err)
	}
	c, err := a.RenameColumn(1, "other")
	assert.NoError(t, err)
	_, err = a.Append(ctx, c)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want schema mismatch", err)
	}
}

func TestAppendCompacts(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	cfg := m.Config()
	cfg.CompactionThreshold = 4
	cfg.DefaultNumSegments = 2
	var (
		f    = idValTable(t, m, "", 3, 1)
		want = idValFrame(3)
	)
	for i := 0; i < 6; i++ {
		g, err := f.Append(ctx, idValTable(t, m, "", 3, 1))
		assert.NoError(t, err)
		f = g
		want = frame.Append(want, idValFrame(3))
		if n := f.Column(0).NumSegments(); n > 4 {
			t.Errorf("column has %d segments", n)
		}
	}
	expectFrame(t, readFrame(t, f), want)
}

func TestSave(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	m, mcleanup := testManager(t)
	defer mcleanup()
	ctx := context.Background()
	f := idValTable(t, m, "", 20, 3)
	g, err := f.SelectColumns([]string{"val"})
	assert.NoError(t, err)
	g.SetMetadata("origin", "test")
	path := filepath.Join(dir, "saved.frame_idx")
	s, err := g.Save(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, s.IndexRef(), path)
	assert.NoError(t, s.Release(ctx))

	h, err := Open(ctx, m, path)
	assert.NoError(t, err)
	v, _ := h.Metadata("origin")
	expect.EQ(t, v, "test")
	expectFrame(t, readFrame(t, h), frame.Columns(idValFrame(20)[1]))
}

func TestTempRelease(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	f := idValTable(t, m, "", 10, 2)
	var paths []string
	for i := 0; i < f.NumColumns(); i++ {
		paths = append(paths, f.Column(i).Index().Paths()...)
	}
	paths = append(paths, f.IndexRef())
	g, err := f.SelectColumns([]string{"id"})
	assert.NoError(t, err)
	assert.NoError(t, f.Release(ctx))
	for _, path := range g.Column(0).Index().Paths() {
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}
	assert.NoError(t, g.Release(ctx))
	for _, path := range paths {
		_, err := os.Stat(path)
		expect.EQ(t, os.IsNotExist(err), true)
	}
}

func TestFuzzRoundTrip(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	fz := fuzz.NewWithSeed(1)
	fz.NilChance(0)
	const n = 200
	var (
		ints = make(frame.Column, n)
		strs = make(frame.Column, n)
	)
	for i := 0; i < n; i++ {
		var (
			x int64
			s string
		)
		fz.Fuzz(&x)
		fz.Fuzz(&s)
		ints[i], strs[i] = flextype.Int(x), flextype.Str(s)
	}
	want := frame.Columns(ints, strs)
	f := New(m)
	assert.NoError(t, f.OpenForWrite(ctx, []string{"x", "s"}, []flextype.Type{flextype.Integer, flextype.String}, "", 4, true))
	for seg := 0; seg < 4; seg++ {
		assert.NoError(t, f.RowWriter(seg).WriteFrame(want.Slice(seg*n/4, (seg+1)*n/4)))
	}
	assert.NoError(t, f.Close(ctx))
	expectFrame(t, readFrame(t, f), want)
	rows, err := f.ReadRows(ctx, 10, 12, nil)
	assert.NoError(t, err)
	expect.EQ(t, len(rows), 2)
	expect.EQ(t, rows[1][1], strs[11])
}
