// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sframeconfig holds the tunables of the sframe storage
// engine: block sizing, caching, compaction, and the memory budget of
// the external-memory permute. Configurations are registered with
// github.com/grailbio/base/config as the "sframe" instance, and a
// default profile is read from $HOME/.sframe/config by Parse.
package sframeconfig

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
)

// Path determines the location of the sframe profile read by Parse.
var Path = os.ExpandEnv("$HOME/.sframe/config")

// Config is the set of sframe tunables. The zero value is not valid;
// use Default.
type Config struct {
	// SortBufferSize is the memory budget, in bytes, of the permute
	// engine. Half of it bounds a single bucket of the largest column.
	SortBufferSize int
	// SortMaxSegments bounds the number of buckets a permute is
	// expected to need; permutes beyond it are best effort.
	SortMaxSegments int
	// DefaultNumSegments is the segment count of tables and columns
	// created without an explicit count.
	DefaultNumSegments int
	// CompactionThreshold is the number of segments above which a
	// column is compacted after append.
	CompactionThreshold int
	// SmallSegmentRows is the largest segment considered for fast
	// compaction.
	SmallSegmentRows int
	// BlockRows and BlockBytes bound the number of values and the
	// uncompressed size of a single block.
	BlockRows, BlockBytes int
	// BlockCacheBytes bounds the decoded block cache of the manager.
	BlockCacheBytes int
	// IndirectValueBytes is the estimated per-value size above which a
	// column is permuted by row reference.
	IndirectValueBytes int
	// ReaderBufferRows is the chunk size of sequential reads.
	ReaderBufferRows int
	// Codec names the block compression codec: "lz4" or "zstd".
	Codec string
	// TempDir is the directory for temporary segment and spill
	// files. The system temporary directory is used if empty.
	TempDir string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		SortBufferSize:      256 << 20,
		SortMaxSegments:     128,
		DefaultNumSegments:  runtime.NumCPU(),
		CompactionThreshold: 256,
		SmallSegmentRows:    64 << 10,
		BlockRows:           4096,
		BlockBytes:          64 << 10,
		BlockCacheBytes:     64 << 20,
		IndirectValueBytes:  256 << 10,
		ReaderBufferRows:    4096,
		Codec:               "lz4",
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	for _, v := range []struct {
		name string
		val  int
	}{
		{"sort-buffer-size", c.SortBufferSize},
		{"sort-max-segments", c.SortMaxSegments},
		{"num-segments", c.DefaultNumSegments},
		{"compaction-threshold", c.CompactionThreshold},
		{"block-rows", c.BlockRows},
		{"block-bytes", c.BlockBytes},
		{"reader-buffer-rows", c.ReaderBufferRows},
	} {
		if v.val <= 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("sframeconfig: %s must be positive, got %d", v.name, v.val))
		}
	}
	switch c.Codec {
	case "lz4", "zstd":
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("sframeconfig: unknown codec %q", c.Codec))
	}
	return nil
}

func init() {
	config.Register("sframe", func(inst *config.Constructor) {
		c := Default()
		inst.IntVar(&c.SortBufferSize, "sort-buffer-size", c.SortBufferSize, "memory budget in bytes of the external permute")
		inst.IntVar(&c.SortMaxSegments, "sort-max-segments", c.SortMaxSegments, "expected maximum number of permute buckets")
		inst.IntVar(&c.DefaultNumSegments, "num-segments", c.DefaultNumSegments, "default number of segments of new tables")
		inst.IntVar(&c.CompactionThreshold, "compaction-threshold", c.CompactionThreshold, "segment count above which columns are compacted")
		inst.IntVar(&c.SmallSegmentRows, "small-segment-rows", c.SmallSegmentRows, "largest segment eligible for fast compaction")
		inst.IntVar(&c.BlockRows, "block-rows", c.BlockRows, "maximum number of values per block")
		inst.IntVar(&c.BlockBytes, "block-bytes", c.BlockBytes, "target uncompressed block size in bytes")
		inst.IntVar(&c.BlockCacheBytes, "block-cache-bytes", c.BlockCacheBytes, "size of the decoded block cache")
		inst.IntVar(&c.IndirectValueBytes, "indirect-value-bytes", c.IndirectValueBytes, "per-value size above which columns are permuted indirectly")
		inst.IntVar(&c.ReaderBufferRows, "reader-buffer-rows", c.ReaderBufferRows, "chunk size of sequential reads")
		inst.StringVar(&c.Codec, "codec", c.Codec, "block compression codec (lz4 or zstd)")
		inst.StringVar(&c.TempDir, "tempdir", c.TempDir, "directory for temporary files")
		inst.Doc = "sframe configures the sframe storage engine"
		inst.New = func() (interface{}, error) {
			if err := c.Validate(); err != nil {
				return nil, err
			}
			return c, nil
		}
	})
}

// Parse registers configuration flags and calls flag.Parse. It reads
// the sframe configuration from Path defined in this package and
// returns the configuration as modified by any flags provided. Parse
// panics if the configuration is invalid.
func Parse() *Config {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var c *Config
	config.Must("sframe", &c)
	return c
}
