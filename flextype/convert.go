// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package flextype

import (
	"fmt"
	"math"
	"time"
)

// CastError is returned when a value cannot be converted to a
// column's declared type.
type CastError struct {
	// Value is the offending value.
	Value Value
	// Target is the type the value was converted to.
	Target Type
}

func (e *CastError) Error() string {
	return fmt.Sprintf("flextype: cannot convert %s value %s to %s", e.Value.Type(), e.Value, e.Target)
}

// Convert soft-converts v to type to, following the table documented
// by Convertible. Convert returns a *CastError if the types are not
// convertible, or if the particular value cannot be represented in
// the target type (for example, a list with a string element
// converted to a vector, or a NaN converted to an integer).
func Convert(v Value, to Type) (Value, error) {
	if v.typ == to || v.typ == Undefined || to == Undefined {
		return v, nil
	}
	if !Convertible(v.typ, to) {
		return Value{}, &CastError{v, to}
	}
	switch to {
	case String:
		return Str(v.String()), nil
	case Integer:
		switch v.typ {
		case Float:
			f := v.Float()
			if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
				return Value{}, &CastError{v, to}
			}
			return Int(int64(f)), nil
		case DateTime:
			return Int(v.Time().Unix()), nil
		}
	case Float:
		f, _ := v.Number()
		return Float64(f), nil
	case DateTime:
		switch v.typ {
		case Integer:
			return Time(time.Unix(v.Int(), 0)), nil
		case Float:
			f := v.Float()
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return Value{}, &CastError{v, to}
			}
			sec, frac := math.Modf(f)
			return Time(time.Unix(int64(sec), int64(frac*1e9))), nil
		}
	case List:
		vec := v.Vec()
		list := make([]Value, len(vec))
		for i, f := range vec {
			list[i] = Float64(f)
		}
		return NewList(list), nil
	case Vector:
		list := v.List()
		vec := make([]float64, len(list))
		for i, e := range list {
			switch e.typ {
			case Integer, Float:
				vec[i], _ = e.Number()
			default:
				return Value{}, &CastError{v, to}
			}
		}
		return Vec(vec), nil
	}
	return Value{}, &CastError{v, to}
}

// SizeOf returns the fixed in-memory footprint of a value of type t:
// the Value itself plus the header of its payload, if any. Variable
// payload bytes are not included.
func SizeOf(t Type) int {
	switch t {
	case String:
		return ValueSize + 16
	case Vector, List, Dict:
		return ValueSize + 24
	}
	return ValueSize
}

// MemSize returns an estimate of the number of bytes retained by v,
// including its payload.
func (v Value) MemSize() int {
	switch v.typ {
	case String:
		return SizeOf(String) + len(v.Str())
	case Vector:
		return SizeOf(Vector) + 8*len(v.Vec())
	case List:
		n := SizeOf(List)
		for _, e := range v.List() {
			n += e.MemSize()
		}
		return n
	case Dict:
		n := SizeOf(Dict)
		for _, e := range v.Dict() {
			n += e.Key.MemSize() + e.Value.MemSize()
		}
		return n
	}
	return ValueSize
}
