// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package permute

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/sarray"
)

// ValidateForwardMap checks that forward is a permutation of
// [0, forward.Size()): every value is an integer in range and no value
// appears twice. It returns an errors.Invalid error naming the first
// offending row otherwise.
func ValidateForwardMap(ctx context.Context, forward *sarray.SArray) error {
	if typ := forward.Type(); typ != flextype.Integer {
		return errors.E(errors.Invalid, fmt.Sprintf("permute: forward map has type %s, expected integer", typ))
	}
	var (
		n     = forward.Size()
		seen  = roaring64.New()
		chunk = int64(forward.Manager().Config().ReaderBufferRows)
		buf   []flextype.Value
		err   error
	)
	for start := int64(0); start < n; start += chunk {
		if err := ctx.Err(); err != nil {
			return errors.E(errors.Canceled, err)
		}
		end := start + chunk
		if end > n {
			end = n
		}
		if buf, err = forward.ReadRows(ctx, start, end, buf); err != nil {
			return err
		}
		for i, v := range buf {
			row := start + int64(i)
			if v.Type() != flextype.Integer {
				return errors.E(errors.Invalid, fmt.Sprintf("permute: forward map row %d: %s is not an integer", row, v))
			}
			x := v.Int()
			if x < 0 || x >= n {
				return errors.E(errors.Invalid, fmt.Sprintf("permute: forward map row %d: %d out of range [0, %d)", row, x, n))
			}
			if seen.Contains(uint64(x)) {
				return errors.E(errors.Invalid, fmt.Sprintf("permute: forward map row %d: duplicate destination %d", row, x))
			}
			seen.Add(uint64(x))
		}
	}
	if got := seen.GetCardinality(); got != uint64(n) {
		return errors.E(errors.Invalid, fmt.Sprintf("permute: forward map covers %d of %d rows", got, n))
	}
	return nil
}
