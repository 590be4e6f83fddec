// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package flextype

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// AppendValue appends the binary encoding of v to b and returns the
// extended buffer. A value is encoded as a one-byte type tag followed
// by a type-dependent payload:
//
//	integer   zig-zag varint
//	float     8 bytes, little endian IEEE 754
//	string    uvarint length, bytes
//	vector    uvarint length, 8 bytes per element
//	list      uvarint length, encoded elements
//	dict      uvarint length, encoded key and value per entry
//	datetime  zig-zag varint of Unix nanoseconds
//	undefined (no payload)
func AppendValue(b []byte, v Value) []byte {
	b = append(b, byte(v.typ))
	switch v.typ {
	case Integer, DateTime:
		b = binary.AppendVarint(b, int64(v.n))
	case Float:
		b = binary.LittleEndian.AppendUint64(b, v.n)
	case String:
		s := v.Str()
		b = binary.AppendUvarint(b, uint64(len(s)))
		b = append(b, s...)
	case Vector:
		vec := v.Vec()
		b = binary.AppendUvarint(b, uint64(len(vec)))
		for _, f := range vec {
			b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f))
		}
	case List:
		list := v.List()
		b = binary.AppendUvarint(b, uint64(len(list)))
		for _, e := range list {
			b = AppendValue(b, e)
		}
	case Dict:
		dict := v.Dict()
		b = binary.AppendUvarint(b, uint64(len(dict)))
		for _, e := range dict {
			b = AppendValue(b, e.Key)
			b = AppendValue(b, e.Value)
		}
	}
	return b
}

var errShort = errors.E(errors.Integrity, "flextype: short value encoding")

// DecodeValue decodes a single value from the beginning of b,
// returning the value and the number of bytes consumed. Malformed
// input results in an errors.Integrity error.
func DecodeValue(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return Value{}, 0, errShort
	}
	typ := Type(b[0])
	if !typ.Valid() {
		return Value{}, 0, errors.E(errors.Integrity, fmt.Sprintf("flextype: invalid type tag %d", b[0]))
	}
	off := 1
	uvarint := func() (uint64, bool) {
		n, k := binary.Uvarint(b[off:])
		if k <= 0 {
			return 0, false
		}
		off += k
		return n, true
	}
	switch typ {
	case Undefined:
		return Undef(), off, nil
	case Integer, DateTime:
		n, k := binary.Varint(b[off:])
		if k <= 0 {
			return Value{}, 0, errShort
		}
		return Value{typ: typ, n: uint64(n)}, off + k, nil
	case Float:
		if len(b[off:]) < 8 {
			return Value{}, 0, errShort
		}
		return Value{typ: Float, n: binary.LittleEndian.Uint64(b[off:])}, off + 8, nil
	case String:
		n, ok := uvarint()
		if !ok || uint64(len(b[off:])) < n {
			return Value{}, 0, errShort
		}
		return Str(string(b[off : off+int(n)])), off + int(n), nil
	case Vector:
		n, ok := uvarint()
		if !ok || uint64(len(b[off:]))/8 < n {
			return Value{}, 0, errShort
		}
		vec := make([]float64, n)
		for i := range vec {
			vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
			off += 8
		}
		return Vec(vec), off, nil
	case List:
		n, ok := uvarint()
		// Every element takes at least one byte.
		if !ok || uint64(len(b[off:])) < n {
			return Value{}, 0, errShort
		}
		list := make([]Value, n)
		for i := range list {
			e, k, err := DecodeValue(b[off:])
			if err != nil {
				return Value{}, 0, err
			}
			list[i] = e
			off += k
		}
		return NewList(list), off, nil
	case Dict:
		n, ok := uvarint()
		if !ok || uint64(len(b[off:]))/2 < n {
			return Value{}, 0, errShort
		}
		dict := make([]DictEntry, n)
		for i := range dict {
			key, k, err := DecodeValue(b[off:])
			if err != nil {
				return Value{}, 0, err
			}
			off += k
			val, k, err := DecodeValue(b[off:])
			if err != nil {
				return Value{}, 0, err
			}
			off += k
			dict[i] = DictEntry{key, val}
		}
		return NewDict(dict), off, nil
	}
	panic("unreachable")
}

// AppendValues appends the encodings of each value in vs to b.
func AppendValues(b []byte, vs []Value) []byte {
	for _, v := range vs {
		b = AppendValue(b, v)
	}
	return b
}

// DecodeValues decodes n consecutive values from b, appending them to
// vs. It is an error if b contains trailing bytes.
func DecodeValues(vs []Value, b []byte, n int) ([]Value, error) {
	for i := 0; i < n; i++ {
		v, k, err := DecodeValue(b)
		if err != nil {
			return vs, err
		}
		vs = append(vs, v)
		b = b[k:]
	}
	if len(b) != 0 {
		return vs, errors.E(errors.Integrity, "flextype: trailing bytes after values")
	}
	return vs, nil
}
