// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sframe

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sframe/blockio"
)

// frameIndex is the stored index of a table. Column files are
// references to column indices ("<path>.sidx:<column>"), relative to
// the table index when stored alongside it.
type frameIndex struct {
	Version     int               `toml:"version"`
	NumSegments int               `toml:"num_segments"`
	NumRows     int64             `toml:"nrows"`
	ColumnNames []string          `toml:"column_names"`
	ColumnFiles []string          `toml:"column_files"`
	Metadata    map[string]string `toml:"metadata"`
}

func writeFrameIndex(ctx context.Context, path string, index frameIndex) error {
	index.ColumnFiles = blockio.Relativize(path, index.ColumnFiles)
	return blockio.WriteTOML(ctx, path, index)
}

func readFrameIndex(ctx context.Context, path string) (frameIndex, error) {
	var index frameIndex
	if err := blockio.ReadTOML(ctx, path, &index); err != nil {
		return frameIndex{}, err
	}
	if index.Version > blockio.FormatVersion {
		return frameIndex{}, errors.E(errors.NotSupported, fmt.Sprintf("sframe: %s: unsupported index version %d", path, index.Version))
	}
	if len(index.ColumnNames) != len(index.ColumnFiles) {
		return frameIndex{}, errors.E(errors.Integrity,
			fmt.Sprintf("sframe: %s: %d column names for %d columns", path, len(index.ColumnNames), len(index.ColumnFiles)))
	}
	index.ColumnFiles = blockio.Absolutize(path, index.ColumnFiles)
	if index.Metadata == nil {
		index.Metadata = make(map[string]string)
	}
	return index, nil
}
