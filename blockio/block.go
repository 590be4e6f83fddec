// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/pierrec/lz4/v4"
	"github.com/spaolacci/murmur3"
)

const (
	trailerSize  = 24
	trailerMagic = 0x5f72616d65537831
)

var order = binary.LittleEndian

// Block flags record how a block's payload is stored.
const (
	FlagRaw  uint8 = 0
	FlagLZ4  uint8 = 1
	FlagZstd uint8 = 2
)

// BlockInfo describes a single stored block.
type BlockInfo struct {
	// Offset is the byte offset of the block in its segment file.
	Offset int64
	// Size is the stored (compressed) size of the block.
	Size int64
	// RawSize is the size of the block's encoded values before
	// compression.
	RawSize int64
	// NumElem is the number of values in the block.
	NumElem int
	// Flags records the block's codec.
	Flags uint8
	// Checksum is the murmur3 hash of the stored bytes.
	Checksum uint32
}

// compressBlock compresses the encoded values in raw with the named
// codec. Blocks that do not compress are stored raw.
func compressBlock(codec string, raw []byte) ([]byte, uint8, error) {
	switch codec {
	case "lz4":
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, 0, err
		}
		if n == 0 || n >= len(raw) {
			return raw, FlagRaw, nil
		}
		return dst[:n], FlagLZ4, nil
	case "zstd":
		var b bytes.Buffer
		zw, err := zstd.NewWriter(&b)
		if err != nil {
			return nil, 0, err
		}
		if _, err := zw.Write(raw); err != nil {
			zw.Close()
			return nil, 0, err
		}
		if err := zw.Close(); err != nil {
			return nil, 0, err
		}
		if b.Len() >= len(raw) {
			return raw, FlagRaw, nil
		}
		return b.Bytes(), FlagZstd, nil
	}
	return nil, 0, errors.E(errors.Invalid, fmt.Sprintf("blockio: unknown codec %q", codec))
}

// uncompressBlock reverses compressBlock given the block's info.
func uncompressBlock(info BlockInfo, p []byte) ([]byte, error) {
	switch info.Flags {
	case FlagRaw:
		return p, nil
	case FlagLZ4:
		raw := make([]byte, info.RawSize)
		n, err := lz4.UncompressBlock(p, raw)
		if err != nil {
			return nil, errors.E(errors.Integrity, "blockio: lz4", err)
		}
		if int64(n) != info.RawSize {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("blockio: block uncompressed to %d bytes, expected %d", n, info.RawSize))
		}
		return raw, nil
	case FlagZstd:
		zr, err := zstd.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, errors.E(errors.Integrity, "blockio: zstd", err)
		}
		raw := make([]byte, info.RawSize)
		_, err = io.ReadFull(zr, raw)
		zr.Close()
		if err != nil {
			return nil, errors.E(errors.Integrity, "blockio: zstd", err)
		}
		return raw, nil
	}
	return nil, errors.E(errors.Integrity, fmt.Sprintf("blockio: invalid block flags %d", info.Flags))
}

func checksum(p []byte) uint32 {
	return murmur3.Sum32(p)
}

// appendFooter encodes the block index of a segment file.
func appendFooter(b []byte, index [][]BlockInfo) []byte {
	start := len(b)
	b = binary.AppendUvarint(b, uint64(len(index)))
	for _, blocks := range index {
		b = binary.AppendUvarint(b, uint64(len(blocks)))
		for _, info := range blocks {
			b = binary.AppendUvarint(b, uint64(info.Offset))
			b = binary.AppendUvarint(b, uint64(info.Size))
			b = binary.AppendUvarint(b, uint64(info.RawSize))
			b = binary.AppendUvarint(b, uint64(info.NumElem))
			b = append(b, info.Flags)
			b = order.AppendUint32(b, info.Checksum)
		}
	}
	return order.AppendUint32(b, checksum(b[start:]))
}

func appendTrailer(b []byte, footerOff, footerLen int64) []byte {
	b = order.AppendUint64(b, uint64(footerOff))
	b = order.AppendUint64(b, uint64(footerLen))
	return order.AppendUint64(b, trailerMagic)
}

var errCorruptFooter = errors.E(errors.Integrity, "blockio: corrupt footer")

// parseFooter decodes a footer produced by appendFooter.
func parseFooter(p []byte) ([][]BlockInfo, error) {
	if len(p) < 4 {
		return nil, errCorruptFooter
	}
	body := p[:len(p)-4]
	if got, want := checksum(body), order.Uint32(p[len(p)-4:]); got != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("blockio: footer checksum %x, expected %x", got, want))
	}
	uvarint := func() (uint64, error) {
		v, n := binary.Uvarint(body)
		if n <= 0 {
			return 0, errCorruptFooter
		}
		body = body[n:]
		return v, nil
	}
	ncol, err := uvarint()
	if err != nil {
		return nil, err
	}
	if ncol > uint64(len(body)) {
		return nil, errCorruptFooter
	}
	index := make([][]BlockInfo, ncol)
	for col := range index {
		nblock, err := uvarint()
		if err != nil {
			return nil, err
		}
		if nblock > uint64(len(body)) {
			return nil, errCorruptFooter
		}
		blocks := make([]BlockInfo, nblock)
		for i := range blocks {
			var fields [4]uint64
			for j := range fields {
				if fields[j], err = uvarint(); err != nil {
					return nil, err
				}
			}
			if len(body) < 5 {
				return nil, errCorruptFooter
			}
			blocks[i] = BlockInfo{
				Offset:   int64(fields[0]),
				Size:     int64(fields[1]),
				RawSize:  int64(fields[2]),
				NumElem:  int(fields[3]),
				Flags:    body[0],
				Checksum: order.Uint32(body[1:]),
			}
			body = body[5:]
		}
		index[col] = blocks
	}
	if len(body) != 0 {
		return nil, errCorruptFooter
	}
	return index, nil
}

// readFooter reads the block index from a segment file.
func readFooter(r io.ReadSeeker) ([][]BlockInfo, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if size < trailerSize {
		return nil, errors.E(errors.Integrity, "blockio: segment file too short")
	}
	if _, err = r.Seek(size-trailerSize, io.SeekStart); err != nil {
		return nil, err
	}
	var trailer [trailerSize]byte
	if _, err = io.ReadFull(r, trailer[:]); err != nil {
		return nil, err
	}
	if order.Uint64(trailer[16:]) != trailerMagic {
		return nil, errors.E(errors.Integrity, "blockio: bad magic")
	}
	off, n := int64(order.Uint64(trailer[:])), int64(order.Uint64(trailer[8:]))
	if off < 0 || n < 0 || off+n > size-trailerSize {
		return nil, errCorruptFooter
	}
	if _, err = r.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if _, err = io.ReadFull(r, p); err != nil {
		return nil, err
	}
	return parseFooter(p)
}
