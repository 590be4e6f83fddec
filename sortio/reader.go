// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sortio

import (
	"context"

	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frame"
	"github.com/grailbio/sframe/frameio"
)

// keyReader reads the rows of a table of key columns, followed by
// the row number of each row.
type keyReader struct {
	frameio.Reader
	row int64
}

// Read implements frameio.Reader.
func (r *keyReader) Read(ctx context.Context, out frame.Frame) (int, error) {
	last := len(out) - 1
	n, err := r.Reader.Read(ctx, out[:last])
	rows := out[last]
	for i := 0; i < n; i++ {
		rows[i] = flextype.Int(r.row + int64(i))
	}
	r.row += int64(n)
	return n, err
}
