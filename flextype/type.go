// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package flextype implements the dynamically typed values stored in
// sframe columns. A Value is a closed sum over a small set of types:
// integers, floats, strings, numeric vectors, lists, dicts, datetimes,
// and the undefined (missing) value. Columns declare a Type; values
// written to a column are soft-converted to the column's type
// according to the conversion table implemented by Convertible.
package flextype

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the runtime type tag of a Value. The numeric values of the
// tags are persisted in column metadata and must not change.
type Type uint8

const (
	Integer Type = iota
	Float
	String
	Vector
	List
	Dict
	DateTime
	Undefined
	numTypes
)

var typeNames = [...]string{
	Integer:   "integer",
	Float:     "float",
	String:    "string",
	Vector:    "vector",
	List:      "list",
	Dict:      "dict",
	DateTime:  "datetime",
	Undefined: "undefined",
}

// String returns the type's name.
func (t Type) String() string {
	if t >= numTypes {
		return fmt.Sprintf("type(%d)", t)
	}
	return typeNames[t]
}

// Valid tells whether t is one of the defined type tags.
func (t Type) Valid() bool { return t < numTypes }

// ParseType returns the type with the provided name, or the type
// with the provided numeric tag.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if strings.EqualFold(s, name) {
			return Type(i), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= int(numTypes) {
		return Undefined, fmt.Errorf("flextype: invalid type %q", s)
	}
	return Type(n), nil
}

// Tag returns the persisted representation of the type, as stored in
// column metadata.
func (t Type) Tag() string { return strconv.Itoa(int(t)) }

// Convertible tells whether values of type from can be soft-converted
// to type to. The relation is total over the defined types:
//
//	same type                         always
//	undefined -> any                  always (the value stays undefined)
//	any -> undefined                  always (the value is stored as is)
//	integer <-> float                 numeric conversion
//	integer, float <-> datetime       seconds since the Unix epoch
//	any -> string                     the value's string rendering
//	vector -> list                    always
//	list -> vector                    only lists of numbers; checked per value
//
// All other pairs are not convertible.
func Convertible(from, to Type) bool {
	if from == to || from == Undefined || to == Undefined {
		return true
	}
	switch to {
	case String:
		return true
	case Integer, Float:
		return from == Integer || from == Float || from == DateTime
	case DateTime:
		return from == Integer || from == Float
	case List:
		return from == Vector
	case Vector:
		return from == List
	}
	return false
}
