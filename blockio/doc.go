// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package blockio implements the block layer of sframe: segment-group
	files holding compressed, typed blocks of column values, the
	GroupWriter that produces them, and the Manager that opens,
	addresses, caches, and reference counts them.

	A segment group is a set of columns written together (a single
	column, or every column of a table) and split into segments. Each
	segment is stored in its own file, which interleaves the blocks of
	all columns of that segment, followed by a footer and a trailer:

		segment := block* footer trailer
		block := compressed(value*)
		footer :=
			ncol:      uvarint
			column*:
				nblock:    uvarint
				blockInfo*:
					offset:   uvarint   // offset of block in file
					size:     uvarint   // stored (compressed) size
					rawsize:  uvarint   // encoded size before compression
					nelem:    uvarint   // number of values in block
					flags:    uint8     // codec
					checksum: uint32    // murmur3 of stored bytes
			checksum: uint32           // murmur3 of footer contents
		trailer :=
			offset:    uint64          // offset of footer
			len:       uint64          // length of footer
			magic:     uint64          // magic (0x5f72616d65537831)

	Values are encoded with package flextype; blocks are compressed
	with LZ4 or zstd, or stored raw if they do not compress.

	A column within a segment file is addressed by "<path>:<column>".
	The segment files and per-segment row counts of every column in a
	group are recorded in a group index (*.sidx), stored in TOML.
*/
package blockio
