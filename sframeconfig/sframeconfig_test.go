// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sframeconfig

import (
	"testing"

	"github.com/grailbio/base/errors"
)

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if got, want := c.IndirectValueBytes, 256<<10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Codec = "snappy"
	if err := c.Validate(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	c = Default()
	c.BlockRows = 0
	if err := c.Validate(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}
