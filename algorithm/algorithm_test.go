// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package algorithm

import (
	"context"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sframe"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/sarray"
	"github.com/grailbio/sframe/sframeconfig"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testManager(t *testing.T) (*blockio.Manager, func()) {
	t.Helper()
	cfg := sframeconfig.Default()
	cfg.BlockRows = 5
	cfg.ReaderBufferRows = 7
	m := blockio.NewManager(cfg)
	return m, func() {
		if err := m.Close(context.Background()); err != nil {
			t.Error(err)
		}
	}
}

func intColumn(t *testing.T, m *blockio.Manager, n, nseg int) *sarray.SArray {
	t.Helper()
	ctx := context.Background()
	a := sarray.New(m)
	assert.NoError(t, a.OpenForWrite(ctx, "", flextype.Integer, nseg))
	var x int64
	for seg, l := range sarray.EvenLengths(int64(n), nseg) {
		w := a.Writer(seg)
		for i := int64(0); i < l; i++ {
			assert.NoError(t, w.Write(flextype.Int(x)))
			x++
		}
	}
	assert.NoError(t, a.Close(ctx))
	return a
}

func openColumn(t *testing.T, m *blockio.Manager, typ flextype.Type, nseg int) *sarray.SArray {
	t.Helper()
	a := sarray.New(m)
	assert.NoError(t, a.OpenForWrite(context.Background(), "", typ, nseg))
	return a
}

func ints(t *testing.T, a *sarray.SArray) []int64 {
	t.Helper()
	if a.IsOpenForWrite() {
		assert.NoError(t, a.Close(context.Background()))
	}
	vs, err := a.Head(context.Background(), a.Size())
	assert.NoError(t, err)
	out := make([]int64, len(vs))
	for i, v := range vs {
		out[i] = v.Int()
	}
	return out
}

func seq(start, end, step int64) []int64 {
	var out []int64
	for i := start; i < end; i += step {
		out = append(out, i)
	}
	return out
}

func TestTransform(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	in := intColumn(t, m, 50, 3)
	out := openColumn(t, m, flextype.Integer, 1)
	err := Transform(ctx, in, out, func(v flextype.Value) flextype.Value {
		return flextype.Int(2 * v.Int())
	})
	assert.NoError(t, err)
	expect.EQ(t, out.NumSegments(), 3)
	var want []int64
	for _, x := range seq(0, 50, 1) {
		want = append(want, 2*x)
	}
	expect.EQ(t, ints(t, out), want)
	// Segment i of the output corresponds to segment i of the input.
	expect.EQ(t, out.SegmentLengths(), in.SegmentLengths())
}

func TestTransformSegments(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	in := intColumn(t, m, 30, 3)
	out := openColumn(t, m, flextype.Integer, 3)
	err := Transform(context.Background(), in, out, func(v flextype.Value) flextype.Value { return v }, 1)
	assert.NoError(t, err)
	expect.EQ(t, ints(t, out), seq(10, 20, 1))
	expect.EQ(t, out.SegmentLengths(), []int64{0, 10, 0})
}

func TestResizeFailure(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	in := intColumn(t, m, 30, 3)
	out := openColumn(t, m, flextype.Integer, 2)
	assert.NoError(t, out.Writer(0).Write(flextype.Int(1)))
	err := Transform(context.Background(), in, out, func(v flextype.Value) flextype.Value { return v })
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestCopyIf(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	in := intColumn(t, m, 100, 4)

	out := openColumn(t, m, flextype.Integer, 4)
	err := CopyIf(ctx, in, out, func(_ *rand.Rand, v flextype.Value) bool { return v.Int()%3 == 0 }, nil)
	assert.NoError(t, err)
	expect.EQ(t, ints(t, out), seq(0, 100, 3))

	sample := func() []int64 {
		seed := int64(42)
		out := openColumn(t, m, flextype.Integer, 4)
		err := CopyIf(ctx, in, out, func(r *rand.Rand, _ flextype.Value) bool { return r.Float64() < 0.5 }, &seed)
		assert.NoError(t, err)
		return ints(t, out)
	}
	first := sample()
	expect.EQ(t, sample(), first)
	if len(first) == 0 || len(first) == 100 {
		t.Errorf("sampled %d values", len(first))
	}
}

func TestCopyTransformIf(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	in := intColumn(t, m, 20, 2)
	out := openColumn(t, m, flextype.String, 2)
	err := CopyTransformIf(context.Background(), in, out,
		func(_ *rand.Rand, v flextype.Value) bool { return v.Int() >= 15 },
		func(v flextype.Value) flextype.Value { return flextype.Str(v.String()) },
		nil)
	assert.NoError(t, err)
	assert.NoError(t, out.Close(context.Background()))
	vs, err := out.Head(context.Background(), 10)
	assert.NoError(t, err)
	expect.EQ(t, len(vs), 5)
	expect.EQ(t, vs[0], flextype.Str("15"))
}

func TestSplit(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	f := sframe.New(m)
	assert.NoError(t, f.OpenForWrite(ctx, []string{"id", "val"}, []flextype.Type{flextype.Integer, flextype.Float}, "", 2, true))
	for i := 0; i < 6; i++ {
		assert.NoError(t, f.RowWriter(i/3).Write([]flextype.Value{flextype.Int(int64(i)), flextype.Float64(float64(i))}))
	}
	assert.NoError(t, f.Close(ctx))

	even, odd := sframe.New(m), sframe.New(m)
	assert.NoError(t, even.OpenForWrite(ctx, f.ColumnNames(), f.ColumnTypes(), "", 1, true))
	assert.NoError(t, odd.OpenForWrite(ctx, f.ColumnNames(), f.ColumnTypes(), "", 1, true))
	err := Split(ctx, f, even, odd, func(_ *rand.Rand, row []flextype.Value) bool {
		return row[0].Int()%2 == 0
	}, nil)
	assert.NoError(t, err)
	assert.NoError(t, even.Close(ctx))
	assert.NoError(t, odd.Close(ctx))
	expect.EQ(t, even.NumRows()+odd.NumRows(), int64(6))
	ids := func(f *sframe.SFrame) []int64 {
		fr, err := f.Frame(ctx)
		assert.NoError(t, err)
		var out []int64
		for _, v := range fr[0] {
			out = append(out, v.Int())
		}
		return out
	}
	expect.EQ(t, ids(even), []int64{0, 2, 4})
	expect.EQ(t, ids(odd), []int64{1, 3, 5})
}

func TestCopySlice(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	var values []flextype.Value
	for i := 0; i < 23; i++ {
		values = append(values, flextype.Int(int64(i)))
	}
	out := openColumn(t, m, flextype.Integer, 4)
	assert.NoError(t, CopySlice(context.Background(), values, out))
	expect.EQ(t, ints(t, out), seq(0, 23, 1))
	expect.EQ(t, out.SegmentLengths(), []int64{5, 6, 6, 6})
}

func TestCopySequence(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	var i int64
	next := func() (flextype.Value, bool) {
		if i == 20 {
			return flextype.Value{}, false
		}
		i++
		return flextype.Int(i - 1), true
	}
	out := openColumn(t, m, flextype.Integer, 3)
	assert.NoError(t, CopySequence(context.Background(), next, 18, out))
	expect.EQ(t, ints(t, out), seq(0, 20, 1))
	expect.EQ(t, out.SegmentLengths(), []int64{6, 6, 8})
}

func TestCopyOut(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	in := intColumn(t, m, 40, 3)
	var got []int64
	emit := func(v flextype.Value) bool {
		got = append(got, v.Int())
		return true
	}
	assert.NoError(t, CopyOut(context.Background(), in, emit, 25))
	expect.EQ(t, got, seq(0, 25, 1))

	got = nil
	assert.NoError(t, CopyOut(context.Background(), in, func(v flextype.Value) bool {
		got = append(got, v.Int())
		return v.Int() < 9
	}, -1))
	expect.EQ(t, got, seq(0, 10, 1))
}

func TestReduce(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	in := intColumn(t, m, 1000, 3)
	sums, err := Reduce(context.Background(), in, func(v flextype.Value, acc *int64) bool {
		*acc += v.Int()
		return true
	}, int64(0))
	assert.NoError(t, err)
	var total int64
	for _, s := range sums {
		total += s
	}
	expect.EQ(t, total, int64(999*1000/2))

	counts, err := Reduce(context.Background(), in, func(v flextype.Value, acc *int) bool {
		*acc++
		return *acc < 2
	}, 0)
	assert.NoError(t, err)
	for _, c := range counts {
		if c > 2 {
			t.Errorf("shard did not stop: %d", c)
		}
	}
}

func TestBinaryTransform(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	a := intColumn(t, m, 30, 2)
	b := intColumn(t, m, 30, 5)
	out := openColumn(t, m, flextype.Integer, 1)
	err := BinaryTransform(ctx, a, b, out, func(x, y flextype.Value) flextype.Value {
		return flextype.Int(x.Int() + y.Int())
	})
	assert.NoError(t, err)
	var want []int64
	for _, x := range seq(0, 30, 1) {
		want = append(want, 2*x)
	}
	expect.EQ(t, ints(t, out), want)

	c := intColumn(t, m, 29, 1)
	err = BinaryTransform(ctx, a, c, openColumn(t, m, flextype.Integer, 1), func(x, y flextype.Value) flextype.Value { return x })
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestCopyRange(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx := context.Background()
	in := intColumn(t, m, 60, 4)
	for _, c := range []struct{ start, step, end int64 }{
		{0, 1, 60},
		{5, 1, 33},
		{3, 4, 50},
		{0, 13, 60},
		{10, 100, 20},
		{7, 1, 7},
	} {
		out := openColumn(t, m, flextype.Integer, 1)
		assert.NoError(t, CopyRange[flextype.Value](ctx, in, out, c.start, c.step, c.end))
		if got, want := ints(t, out), seq(c.start, c.end, c.step); len(got) != len(want) || (len(got) > 0 && !equal(got, want)) {
			t.Errorf("%v: got %v, want %v", c, got, want)
		}
	}
	err := CopyRange[flextype.Value](ctx, in, openColumn(t, m, flextype.Integer, 1), 10, 1, 5)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	CopyRange[flextype.Value](ctx, in, openColumn(t, m, flextype.Integer, 1), 0, 0, 5)
}

// recordingSink records the length of every write to the column.
type recordingSink struct {
	*sarray.SArray
	writes []int
}

func (s *recordingSink) WriteSegment(seg int, vs []flextype.Value) error {
	s.writes = append(s.writes, len(vs))
	return s.SArray.WriteSegment(seg, vs)
}

func TestCopyRangeChunks(t *testing.T) {
	ctx := context.Background()
	for _, c := range []struct {
		bufferRows int
		want       []int
	}{
		{7, []int{7, 7, 6}},
		{10, []int{10, 10}},
		{64, []int{20}},
	} {
		cfg := sframeconfig.Default()
		cfg.BlockRows = 5
		cfg.ReaderBufferRows = c.bufferRows
		m := blockio.NewManager(cfg)
		in := intColumn(t, m, 30, 3)
		out := &recordingSink{SArray: openColumn(t, m, flextype.Integer, 1)}
		assert.NoError(t, CopyRange[flextype.Value](ctx, in, out, 5, 1, 25))
		expect.EQ(t, out.writes, c.want)
		expect.EQ(t, ints(t, out.SArray), seq(5, 25, 1))
		assert.NoError(t, m.Close(ctx))
	}
}

func equal(x, y []int64) bool {
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func TestCanceled(t *testing.T) {
	m, cleanup := testManager(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := intColumn(t, m, 30, 2)
	err := Transform(ctx, in, openColumn(t, m, flextype.Integer, 2), func(v flextype.Value) flextype.Value { return v })
	if !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want canceled", err)
	}
}
