// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"bytes"
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frame"
)

// fuzzFrame creates a fuzzed frame of length n with a string and an
// integer column.
func fuzzFrame(fz *fuzz.Fuzzer, n int) frame.Frame {
	f := frame.Make(2, n)
	for i := 0; i < n; i++ {
		var (
			s string
			x int64
		)
		fz.Fuzz(&s)
		fz.Fuzz(&x)
		f[0][i] = flextype.Str(s)
		f[1][i] = flextype.Int(x)
	}
	return f
}

func TestFrameReader(t *testing.T) {
	const N = 1000
	var (
		fz  = fuzz.NewWithSeed(12345)
		f   = fuzzFrame(fz, N)
		r   = FrameReader(f)
		out = frame.Make(2, N)
		ctx = context.Background()
	)
	n, err := ReadFull(ctx, r, out)
	if err != nil && err != EOF {
		t.Fatal(err)
	}
	if got, want := n, N; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if err == nil {
		n, err := ReadFull(ctx, r, frame.Make(2, 1))
		if got, want := err, EOF; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := n, 0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if !frame.Equal(f, out) {
		t.Error("frames do not match")
	}
}

func TestMultiReader(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	f1, f2 := fuzzFrame(fz, 10), fuzzFrame(fz, 2000)
	all, err := ReadAll(context.Background(), MultiReader(FrameReader(f1), FrameReader(frame.Make(2, 0)), FrameReader(f2)), 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := all, frame.Append(frame.Append(nil, f1), f2); !frame.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCodec(t *testing.T) {
	fz := fuzz.NewWithSeed(31415)
	in := fuzzFrame(fz, 100)
	var b bytes.Buffer
	enc := NewEncoder(&b)
	if err := enc.Encode(in); err != nil {
		t.Fatal(err)
	}
	if err := enc.Encode(in.Slice(0, 10)); err != nil {
		t.Fatal(err)
	}
	out, err := ReadAll(context.Background(), NewDecodingReader(&b), 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out, frame.Append(frame.Append(nil, in), in.Slice(0, 10)); !frame.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCodecCorruption(t *testing.T) {
	in := fuzzFrame(fuzz.NewWithSeed(7), 50)
	var b bytes.Buffer
	if err := NewEncoder(&b).Encode(in); err != nil {
		t.Fatal(err)
	}
	p := b.Bytes()
	p[len(p)/2] ^= 0xff
	_, err := ReadAll(context.Background(), NewDecodingReader(bytes.NewReader(p)), 2)
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

func TestSpiller(t *testing.T) {
	const n = 100
	var (
		fz = fuzz.NewWithSeed(123)
		f1 = fuzzFrame(fz, n/2)
	)
	spill, err := NewSpiller("", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err = spill.Cleanup(); err != nil {
			t.Fatal(err)
		}
	}()
	if _, err = spill.Spill(f1); err != nil {
		t.Fatal(err)
	}
	if _, err := spill.Spill(f1); err != nil {
		t.Fatal(err)
	}
	readers, err := spill.Readers()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(readers), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	out := frame.Make(2, n)
	m, err := ReadFull(context.Background(), MultiReader(readers...), out)
	if err != nil && err != EOF {
		t.Fatal(err)
	}
	if got, want := m, n; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !frame.Equal(out.Slice(0, n/2), f1) || !frame.Equal(out.Slice(n/2, n), f1) {
		t.Error("spilled frames do not match")
	}
}
