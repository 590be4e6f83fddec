// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// FormatVersion is the version of the index and segment formats
// written by this package.
const FormatVersion = 2

// TypeKey is the column metadata key holding the column's value type
// tag.
const TypeKey = "__type__"

// ColumnIndex describes a single column: its segment files and their
// row counts.
type ColumnIndex struct {
	Version     int `toml:"version"`
	NumSegments int `toml:"num_segments"`
	// SegmentFiles holds a reference ("<path>:<column>") for each
	// segment of the column.
	SegmentFiles []string `toml:"segment_files"`
	// SegmentSizes holds the number of rows in each segment.
	SegmentSizes []int64          `toml:"segment_sizes"`
	Metadata     map[string]string `toml:"metadata"`
}

// Size returns the total number of rows in the column.
func (c ColumnIndex) Size() int64 {
	var n int64
	for _, sz := range c.SegmentSizes {
		n += sz
	}
	return n
}

// Paths returns the distinct file paths referenced by the column.
func (c ColumnIndex) Paths() []string {
	var (
		paths []string
		seen  = make(map[string]bool)
	)
	for _, ref := range c.SegmentFiles {
		path, _, err := ParseSegmentRef(ref)
		if err != nil || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	return paths
}

// GroupIndex is the index of a segment group, stored as a *.sidx file.
type GroupIndex struct {
	Version     int           `toml:"version"`
	NumSegments int           `toml:"num_segments"`
	Columns     []ColumnIndex `toml:"columns"`
}

func dir(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i+1]
	}
	return ""
}

// Relativize rewrites segment references located next to the index
// file so that they are stored relative to it.
func Relativize(indexPath string, refs []string) []string {
	d := dir(indexPath)
	out := make([]string, len(refs))
	for i, ref := range refs {
		if d != "" && strings.HasPrefix(ref, d) && !strings.Contains(ref[len(d):], "/") {
			out[i] = ref[len(d):]
		} else {
			out[i] = ref
		}
	}
	return out
}

// Absolutize reverses Relativize.
func Absolutize(indexPath string, refs []string) []string {
	d := dir(indexPath)
	out := make([]string, len(refs))
	for i, ref := range refs {
		if strings.HasPrefix(ref, "/") || strings.Contains(ref, "://") {
			out[i] = ref
		} else {
			out[i] = d + ref
		}
	}
	return out
}

// WriteGroupIndex writes idx to path in TOML.
func WriteGroupIndex(ctx context.Context, path string, idx GroupIndex) error {
	stored := idx
	stored.Columns = make([]ColumnIndex, len(idx.Columns))
	for i, c := range idx.Columns {
		c.SegmentFiles = Relativize(path, c.SegmentFiles)
		stored.Columns[i] = c
	}
	return WriteTOML(ctx, path, stored)
}

// ReadGroupIndex reads the group index stored at path.
func ReadGroupIndex(ctx context.Context, path string) (GroupIndex, error) {
	var idx GroupIndex
	if err := readTOML(ctx, path, &idx); err != nil {
		return GroupIndex{}, err
	}
	if idx.Version > FormatVersion {
		return GroupIndex{}, errors.E(errors.NotSupported, fmt.Sprintf("blockio: %s: unsupported index version %d", path, idx.Version))
	}
	for i := range idx.Columns {
		c := &idx.Columns[i]
		c.SegmentFiles = Absolutize(path, c.SegmentFiles)
		if len(c.SegmentFiles) != c.NumSegments || len(c.SegmentSizes) != c.NumSegments {
			return GroupIndex{}, errors.E(errors.Integrity, fmt.Sprintf("blockio: %s: column %d: inconsistent segment counts", path, i))
		}
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
	}
	return idx, nil
}

// ReadColumnIndex reads the index of a single column given a
// reference of the form "<path>.sidx[:column]". If the column is
// omitted, the group must contain exactly one column.
func ReadColumnIndex(ctx context.Context, ref string) (ColumnIndex, error) {
	path, col := ref, -1
	if i := strings.LastIndexByte(ref, ':'); i >= 0 {
		if n, err := strconv.Atoi(ref[i+1:]); err == nil {
			path, col = ref[:i], n
		}
	}
	idx, err := ReadGroupIndex(ctx, path)
	if err != nil {
		return ColumnIndex{}, err
	}
	if col < 0 {
		if len(idx.Columns) != 1 {
			return ColumnIndex{}, errors.E(errors.Invalid, fmt.Sprintf("blockio: %s has %d columns; a column must be specified", path, len(idx.Columns)))
		}
		col = 0
	}
	if col >= len(idx.Columns) {
		return ColumnIndex{}, errors.E(errors.Invalid, fmt.Sprintf("blockio: %s has no column %d", path, col))
	}
	return idx.Columns[col], nil
}

// readTOML decodes the TOML file at path into v.
func readTOML(ctx context.Context, path string, v interface{}) (err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		if os.IsNotExist(err) {
			err = errors.E(errors.NotExist, err)
		}
		return errors.E(err, fmt.Sprintf("open %s", path))
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	p, err := io.ReadAll(f.Reader(ctx))
	if err != nil {
		return errors.E(err, fmt.Sprintf("read %s", path))
	}
	if _, err = toml.Decode(string(p), v); err != nil {
		return errors.E(errors.Integrity, fmt.Sprintf("decode %s", path), err)
	}
	return nil
}

// WriteTOML encodes v in TOML and writes it to path.
func WriteTOML(ctx context.Context, path string, v interface{}) error {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(v); err != nil {
		return errors.E(err, fmt.Sprintf("encode %s", path))
	}
	return writeFile(ctx, path, b.Bytes())
}

// ReadTOML reads the TOML file at path into v.
func ReadTOML(ctx context.Context, path string, v interface{}) error {
	return readTOML(ctx, path, v)
}

func writeFile(ctx context.Context, path string, p []byte) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("create %s", path))
	}
	if _, err = f.Writer(ctx).Write(p); err != nil {
		f.Discard(ctx)
		return errors.E(err, fmt.Sprintf("write %s", path))
	}
	return f.Close(ctx)
}
