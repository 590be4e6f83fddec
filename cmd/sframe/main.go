// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command sframe inspects and transforms tables stored by the sframe
// storage engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe/blockio"
	"github.com/grailbio/sframe/sframeconfig"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: sframe [flags] command args...

Command sframe inspects and transforms tables and columns stored by
the sframe storage engine. Paths may be local or s3:// URLs.

Available commands are:

	info table.frame_idx
		Print the schema, size, and segmentation of a table.
	head [-n N] table.frame_idx
		Print the first rows of a table.
	blocks column.sidx[:col]
		Print the block layout of a column.
	permute [-reverse] [-seed N] in.frame_idx out.frame_idx
		Permute the rows of a table, randomly or in reverse.
	sort -key name[,name...] [-desc] in.frame_idx out.frame_idx
		Sort a table by key columns.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	cfg := sframeconfig.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	m := blockio.NewManager(cfg)
	ctx := context.Background()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "info":
		err = info(ctx, m, args)
	case "head":
		err = head(ctx, m, args)
	case "blocks":
		err = blocks(ctx, m, args)
	case "permute":
		err = permuteCmd(ctx, m, args)
	case "sort":
		err = sortCmd(ctx, m, args)
	}
	log.Debug.Printf("sframe: %s", m.Stats())
	if cerr := m.Close(ctx); err == nil {
		err = cerr
	}
	must.Nil(err, cmd)
}
