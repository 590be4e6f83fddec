// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sframe"
	"github.com/grailbio/sframe/algorithm"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/permute"
	"github.com/grailbio/sframe/sarray"
	"github.com/grailbio/sframe/sortio"
)

func newFlags(name, usage string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: sframe %s %s\n", name, usage)
		flags.PrintDefaults()
		os.Exit(2)
	}
	return flags
}

func parse(flags *flag.FlagSet, args []string, nargs int) []string {
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	if flags.NArg() != nargs {
		flags.Usage()
	}
	return flags.Args()
}

func info(ctx context.Context, m *blockio.Manager, args []string) error {
	flags := newFlags("info", "table.frame_idx")
	args = parse(flags, args, 1)
	f, err := sframe.Open(ctx, m, args[0])
	if err != nil {
		return err
	}
	defer f.Release(ctx)
	fmt.Printf("%s: %d rows, %d columns, %d segments\n", args[0], f.NumRows(), f.NumColumns(), f.NumSegments())
	fmt.Printf("segments: %v\n", f.SegmentLengths())
	var tw tabwriter.Writer
	tw.Init(os.Stdout, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "column\ttype\tsegments\tencoded")
	types := f.ColumnTypes()
	for i, name := range f.ColumnNames() {
		col := f.Column(i)
		var size int64
		for _, ref := range col.Index().SegmentFiles {
			addr, err := m.OpenColumn(ctx, ref)
			if err != nil {
				return err
			}
			for _, b := range m.ColumnBlocks(addr) {
				size += b.Size
			}
			m.CloseColumn(addr)
		}
		fmt.Fprintf(&tw, "%s\t%s\t%d\t%s\n", name, types[i], col.NumSegments(), data.Size(size))
	}
	return tw.Flush()
}

func head(ctx context.Context, m *blockio.Manager, args []string) error {
	flags := newFlags("head", "[-n N] table.frame_idx")
	n := flags.Int64("n", 10, "number of rows to print")
	args = parse(flags, args, 1)
	f, err := sframe.Open(ctx, m, args[0])
	if err != nil {
		return err
	}
	defer f.Release(ctx)
	fr, err := f.Head(ctx, *n)
	if err != nil {
		return err
	}
	fr.WriteTab(os.Stdout, f.ColumnNames()...)
	return nil
}

func blocks(ctx context.Context, m *blockio.Manager, args []string) error {
	flags := newFlags("blocks", "column.sidx[:col]")
	args = parse(flags, args, 1)
	col, err := sarray.Open(ctx, m, args[0])
	if err != nil {
		return err
	}
	defer col.Release(ctx)
	fmt.Printf("%s\n", col)
	var tw tabwriter.Writer
	tw.Init(os.Stdout, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "segment\tblock\toffset\tsize\traw\tvalues\tflags")
	for seg, ref := range col.Index().SegmentFiles {
		addr, err := m.OpenColumn(ctx, ref)
		if err != nil {
			return err
		}
		for i, b := range m.ColumnBlocks(addr) {
			fmt.Fprintf(&tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n", seg, i, b.Offset, b.Size, b.RawSize, b.NumElem, b.Flags)
		}
		m.CloseColumn(addr)
	}
	return tw.Flush()
}

func permuteCmd(ctx context.Context, m *blockio.Manager, args []string) error {
	flags := newFlags("permute", "[-reverse] [-seed N] in.frame_idx out.frame_idx")
	var (
		reverse = flags.Bool("reverse", false, "reverse the rows rather than shuffle them")
		seed    = flags.Int64("seed", 0, "seed of the random permutation")
		par     = flags.Int("p", 0, "parallelism; defaults to the number of CPUs")
		strict  = flags.Bool("strict", false, "fail if the table is too large for the configured sort buffer")
	)
	args = parse(flags, args, 2)
	f, err := sframe.Open(ctx, m, args[0])
	if err != nil {
		return err
	}
	defer f.Release(ctx)
	n := f.NumRows()
	forward := sarray.New(m)
	if err := forward.OpenForWrite(ctx, "", flextype.Integer, m.Config().DefaultNumSegments); err != nil {
		return err
	}
	if *reverse {
		i := n
		err = algorithm.CopySequence(ctx, func() (flextype.Value, bool) {
			if i == 0 {
				return flextype.Value{}, false
			}
			i--
			return flextype.Int(i), true
		}, n, forward)
	} else {
		perm := rand.New(rand.NewSource(*seed)).Perm(int(n))
		values := make([]flextype.Value, n)
		for i, p := range perm {
			values[i] = flextype.Int(int64(p))
		}
		err = algorithm.CopySlice(ctx, values, forward)
	}
	if cerr := forward.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	defer forward.Release(ctx)
	out, err := permute.Permute(ctx, m, f, forward, permute.Options{Parallelism: *par, Strict: *strict})
	if err != nil {
		return err
	}
	defer out.Release(ctx)
	saved, err := out.Save(ctx, args[1])
	if err != nil {
		return err
	}
	return saved.Release(ctx)
}

func sortCmd(ctx context.Context, m *blockio.Manager, args []string) error {
	flags := newFlags("sort", "-key name[,name...] [-desc] in.frame_idx out.frame_idx")
	var (
		keys = flags.String("key", "", "comma-separated key columns")
		desc = flags.Bool("desc", false, "sort in descending order")
		par  = flags.Int("p", 0, "parallelism; defaults to the number of CPUs")
	)
	args = parse(flags, args, 2)
	if *keys == "" {
		flags.Usage()
	}
	f, err := sframe.Open(ctx, m, args[0])
	if err != nil {
		return err
	}
	defer f.Release(ctx)
	names := strings.Split(*keys, ",")
	ascending := make([]bool, len(names))
	for i := range ascending {
		ascending[i] = !*desc
	}
	out, err := sortio.Sort(ctx, f, names, ascending, permute.Options{Parallelism: *par})
	if err != nil {
		return err
	}
	defer out.Release(ctx)
	saved, err := out.Save(ctx, args[1])
	if err != nil {
		return err
	}
	return saved.Release(ctx)
}
