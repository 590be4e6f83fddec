// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package flextype

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"
	"unsafe"
)

// A Value is an immutable, dynamically typed value. The zero Value is
// an Integer 0; use Undef for the missing value.
type Value struct {
	typ Type
	// n stores integers, float bits, and datetimes (Unix nanoseconds).
	n uint64
	// p stores string, []float64, []Value, or []DictEntry payloads.
	p interface{}
}

// DictEntry is a single key-value pair of a Dict value. Dicts preserve
// insertion order.
type DictEntry struct {
	Key, Value Value
}

// ValueSize is the in-memory footprint of a Value, not counting the
// payload of strings and containers.
const ValueSize = int(unsafe.Sizeof(Value{}))

// Int returns an Integer value.
func Int(v int64) Value { return Value{typ: Integer, n: uint64(v)} }

// Float64 returns a Float value.
func Float64(v float64) Value { return Value{typ: Float, n: math.Float64bits(v)} }

// Str returns a String value.
func Str(v string) Value { return Value{typ: String, p: v} }

// Vec returns a Vector value. The slice is retained and must not be
// modified afterwards.
func Vec(v []float64) Value { return Value{typ: Vector, p: v} }

// NewList returns a List value. The slice is retained and must not be
// modified afterwards.
func NewList(v []Value) Value { return Value{typ: List, p: v} }

// NewDict returns a Dict value. The slice is retained and must not be
// modified afterwards.
func NewDict(v []DictEntry) Value { return Value{typ: Dict, p: v} }

// Time returns a DateTime value. Datetimes are stored with nanosecond
// precision in UTC.
func Time(t time.Time) Value { return Value{typ: DateTime, n: uint64(t.UnixNano())} }

// Undef returns the undefined (missing) value.
func Undef() Value { return Value{typ: Undefined} }

// Type returns the value's type tag.
func (v Value) Type() Type { return v.typ }

// IsUndefined tells whether v is the missing value.
func (v Value) IsUndefined() bool { return v.typ == Undefined }

func (v Value) mustBe(t Type) {
	if v.typ != t {
		panic(fmt.Sprintf("flextype: value of type %s accessed as %s", v.typ, t))
	}
}

// Int returns the integer stored in v, which must be an Integer.
func (v Value) Int() int64 { v.mustBe(Integer); return int64(v.n) }

// Float returns the float stored in v, which must be a Float.
func (v Value) Float() float64 { v.mustBe(Float); return math.Float64frombits(v.n) }

// Str returns the string stored in v, which must be a String.
func (v Value) Str() string { v.mustBe(String); return v.p.(string) }

// Vec returns the vector stored in v, which must be a Vector.
func (v Value) Vec() []float64 {
	v.mustBe(Vector)
	vec, _ := v.p.([]float64)
	return vec
}

// List returns the elements of v, which must be a List.
func (v Value) List() []Value {
	v.mustBe(List)
	list, _ := v.p.([]Value)
	return list
}

// Dict returns the entries of v, which must be a Dict.
func (v Value) Dict() []DictEntry {
	v.mustBe(Dict)
	dict, _ := v.p.([]DictEntry)
	return dict
}

// Time returns the time stored in v, which must be a DateTime.
func (v Value) Time() time.Time {
	v.mustBe(DateTime)
	return time.Unix(0, int64(v.n)).UTC()
}

// Number returns v as a float64 if v is an Integer, Float, or
// DateTime (seconds since the epoch).
func (v Value) Number() (float64, bool) {
	switch v.typ {
	case Integer:
		return float64(int64(v.n)), true
	case Float:
		return math.Float64frombits(v.n), true
	case DateTime:
		return float64(int64(v.n)) / 1e9, true
	}
	return 0, false
}

// Equal tells whether v and w have the same type and (deeply) equal
// contents.
func (v Value) Equal(w Value) bool {
	if v.typ != w.typ {
		return false
	}
	switch v.typ {
	case Undefined:
		return true
	case Integer, DateTime:
		return v.n == w.n
	case Float:
		return v.Float() == w.Float()
	case String:
		return v.Str() == w.Str()
	case Vector:
		a, b := v.Vec(), w.Vec()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	case List:
		a, b := v.List(), w.List()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case Dict:
		a, b := v.Dict(), w.Dict()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Key.Equal(b[i].Key) || !a[i].Value.Equal(b[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare returns -1, 0, or 1 depending on whether v sorts before, the
// same as, or after w. Undefined sorts before everything; numbers
// compare numerically across Integer and Float; otherwise values of
// different types are ordered by their type tag.
func (v Value) Compare(w Value) int {
	if v.typ == Undefined || w.typ == Undefined {
		return compareInt(boolInt(w.typ == Undefined), boolInt(v.typ == Undefined))
	}
	if v.typ != w.typ {
		if (v.typ == Integer || v.typ == Float) && (w.typ == Integer || w.typ == Float) {
			x, _ := v.Number()
			y, _ := w.Number()
			return compareFloat(x, y)
		}
		return compareInt(int64(v.typ), int64(w.typ))
	}
	switch v.typ {
	case Integer, DateTime:
		return compareInt(int64(v.n), int64(w.n))
	case Float:
		return compareFloat(v.Float(), w.Float())
	case String:
		switch a, b := v.Str(), w.Str(); {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case Vector:
		a, b := v.Vec(), w.Vec()
		for i := 0; i < len(a) && i < len(b); i++ {
			if c := compareFloat(a[i], b[i]); c != 0 {
				return c
			}
		}
		return compareInt(int64(len(a)), int64(len(b)))
	case List:
		a, b := v.List(), w.List()
		for i := 0; i < len(a) && i < len(b); i++ {
			if c := a[i].Compare(b[i]); c != 0 {
				return c
			}
		}
		return compareInt(int64(len(a)), int64(len(b)))
	case Dict:
		a, b := v.Dict(), w.Dict()
		for i := 0; i < len(a) && i < len(b); i++ {
			if c := a[i].Key.Compare(b[i].Key); c != 0 {
				return c
			}
			if c := a[i].Value.Compare(b[i].Value); c != 0 {
				return c
			}
		}
		return compareInt(int64(len(a)), int64(len(b)))
	}
	return 0
}

// Less tells whether v sorts before w.
func (v Value) Less(w Value) bool { return v.Compare(w) < 0 }

// String renders the value. Strings are rendered verbatim; containers
// are rendered with their elements quoted where needed.
func (v Value) String() string {
	switch v.typ {
	case String:
		return v.Str()
	case Undefined:
		return "None"
	}
	var b bytes.Buffer
	v.format(&b)
	return b.String()
}

func (v Value) format(b *bytes.Buffer) {
	switch v.typ {
	case Integer:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case Float:
		b.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case String:
		b.WriteString(strconv.Quote(v.Str()))
	case DateTime:
		b.WriteString(v.Time().Format(time.RFC3339Nano))
	case Undefined:
		b.WriteString("None")
	case Vector:
		b.WriteByte('[')
		for i, f := range v.Vec() {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		}
		b.WriteByte(']')
	case List:
		b.WriteByte('[')
		for i, e := range v.List() {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteByte(']')
	case Dict:
		b.WriteByte('{')
		for i, e := range v.Dict() {
			if i > 0 {
				b.WriteString(", ")
			}
			e.Key.format(b)
			b.WriteString(": ")
			e.Value.format(b)
		}
		b.WriteByte('}')
	}
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
