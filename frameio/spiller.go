// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/sframe/frame"
)

// SpillBatchSize determines the amount of batching used in each spill
// file. A single read of a spill file produces this many rows.
// SpillBatchSize then trades off memory footprint for encoding size.
const SpillBatchSize = defaultChunksize

// A Spiller manages a set of zstd-compressed spill files in a
// temporary directory.
type Spiller string

// NewSpiller creates and returns a new spiller backed by a temporary
// directory under dir. If dir is empty, the system temporary
// directory is used.
func NewSpiller(dir, name string) (Spiller, error) {
	d, err := os.MkdirTemp(dir, fmt.Sprintf("spiller-%s-", name))
	if err != nil {
		return "", err
	}
	return Spiller(d), nil
}

// Spill spills the provided frame to a new file in the spiller.
// Spill returns the file's encoded size, or an error. The frame is
// encoded in batches of SpillBatchSize. Spill files are named in
// sequence, so that Readers returns them in the order they were
// spilled. Spill is not safe for concurrent use.
func (dir Spiller) Spill(f frame.Frame) (size int, err error) {
	infos, err := os.ReadDir(string(dir))
	if err != nil {
		return 0, err
	}
	file, err := os.Create(filepath.Join(string(dir), fmt.Sprintf("spill%09d", len(infos))))
	if err != nil {
		return 0, err
	}
	defer fileio.CloseAndReport(file, &err)
	bw := bufio.NewWriter(file)
	zw, err := zstd.NewWriter(bw)
	if err != nil {
		return 0, err
	}
	enc := NewEncoder(zw)
	for f.Len() > 0 {
		n := SpillBatchSize
		m := f.Len()
		if m < n {
			n = m
		}
		if err = enc.Encode(f.Slice(0, n)); err != nil {
			zw.Close()
			return 0, err
		}
		f = f.Slice(n, m)
	}
	if err = zw.Close(); err != nil {
		return 0, err
	}
	if err = bw.Flush(); err != nil {
		return 0, err
	}
	off, err := file.Seek(0, io.SeekCurrent)
	return int(off), err
}

// Readers returns a reader for each spill file.
func (dir Spiller) Readers() ([]Reader, error) {
	infos, err := os.ReadDir(string(dir))
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(infos))
	for i := range infos {
		paths[i] = filepath.Join(string(dir), infos[i].Name())
	}
	readers := make([]Reader, len(paths))
	closers := make([]io.Closer, len(paths))
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			for j := 0; j < i; j++ {
				closers[j].Close()
			}
			return nil, err
		}
		zr, err := zstd.NewReader(f)
		if err != nil {
			err = errors.E(err, fmt.Sprintf("frameio: could not open (zstd) spill file %s", path))
			fileio.CloseAndReport(f, &err)
			for j := 0; j < i; j++ {
				closers[j].Close()
			}
			return nil, err
		}
		closers[i] = spillCloser{zr, f}
		readers[i] = &ClosingReader{NewDecodingReader(zr), closers[i]}
	}
	return readers, nil
}

// Cleanup removes the spiller's temporary files. It is safe to call
// Cleanup after Readers(), but before reading is done.
func (dir Spiller) Cleanup() error {
	return os.RemoveAll(string(dir))
}

type spillCloser struct {
	zr   io.ReadCloser
	file *os.File
}

func (c spillCloser) Close() (err error) {
	fileio.CloseAndReport(c.zr, &err)
	fileio.CloseAndReport(c.file, &err)
	return
}
