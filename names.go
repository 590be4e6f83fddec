// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sframe

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// generatedName returns the name given to an unnamed column at
// position i.
func generatedName(i int) string {
	return fmt.Sprintf("X%d", i+1)
}

// uniqueName returns name if it is not taken, or else the first of
// name.1, name.2, ... that is not.
func uniqueName(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for k := 1; ; k++ {
		if s := fmt.Sprintf("%s.%d", name, k); !taken[s] {
			return s
		}
	}
}

// resolveNames names unnamed columns and deduplicates the provided
// column names. If strict is set, duplicate names are an error
// instead.
func resolveNames(names []string, strict bool) ([]string, error) {
	var (
		resolved = make([]string, len(names))
		taken    = make(map[string]bool)
	)
	for i, name := range names {
		if name == "" {
			name = generatedName(i)
		}
		if taken[name] {
			if strict {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("sframe: duplicate column name %q", name))
			}
			name = uniqueName(name, taken)
		}
		taken[name] = true
		resolved[i] = name
	}
	return resolved, nil
}
