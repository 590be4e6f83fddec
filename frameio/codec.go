// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package frameio

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/frame"
)

// An Encoder writes batches of rows to an underlying io.Writer. Each
// batch is stored in column-major order as
//
//	uvarint(len(payload)) payload crc32(payload)
//
// where the payload is uvarint(nrow) uvarint(ncol) followed by the
// flextype encoding of each column's values. Streams are read back
// by a decoding reader.
type Encoder struct {
	w       io.Writer
	scratch []byte
}

// NewEncoder returns a new Encoder that streams frames into the
// provided writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Write implements Writer.
func (e *Encoder) Write(ctx context.Context, f frame.Frame) error {
	return e.Encode(f)
}

// Encode encodes a batch of rows and writes the encoded output into
// the encoder's writer.
func (e *Encoder) Encode(f frame.Frame) error {
	payload := e.scratch[:0]
	payload = binary.AppendUvarint(payload, uint64(f.Len()))
	payload = binary.AppendUvarint(payload, uint64(f.NumOut()))
	for _, col := range f {
		payload = flextype.AppendValues(payload, col)
	}
	e.scratch = payload
	var hdr [binary.MaxVarintLen64]byte
	if _, err := e.w.Write(hdr[:binary.PutUvarint(hdr[:], uint64(len(payload)))]); err != nil {
		return err
	}
	if _, err := e.w.Write(payload); err != nil {
		return err
	}
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.ChecksumIEEE(payload))
	_, err := e.w.Write(sum[:])
	return err
}

type decodingReader struct {
	r   *bufio.Reader
	buf frame.Frame
	raw []byte
	err error
}

// NewDecodingReader returns a new Reader that decodes frames from the
// provided stream. Since frames are streamed in batches, the decoding
// reader buffers rows until they are read by the consumer.
func NewDecodingReader(r io.Reader) Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &decodingReader{r: br}
}

func (d *decodingReader) Read(ctx context.Context, f frame.Frame) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	for d.buf.Len() == 0 {
		if d.err = d.next(f.NumOut()); d.err != nil {
			return 0, d.err
		}
	}
	n := frame.Copy(f, d.buf)
	d.buf = d.buf.Slice(n, d.buf.Len())
	return n, nil
}

func (d *decodingReader) next(ncol int) error {
	size, err := binary.ReadUvarint(d.r)
	if err == io.EOF {
		return EOF
	} else if err != nil {
		return err
	}
	if cap(d.raw) < int(size)+4 {
		d.raw = make([]byte, int(size)+4)
	}
	d.raw = d.raw[:int(size)+4]
	if _, err := io.ReadFull(d.r, d.raw); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.E(errors.Integrity, "frameio: truncated batch")
		}
		return err
	}
	payload := d.raw[:size]
	sum, decoded := crc32.ChecksumIEEE(payload), binary.LittleEndian.Uint32(d.raw[size:])
	if sum != decoded {
		return errors.E(errors.Integrity, fmt.Errorf("computed checksum %x but expected checksum %x", sum, decoded))
	}
	nrow, k := binary.Uvarint(payload)
	if k <= 0 {
		return errors.E(errors.Integrity, "frameio: bad batch header")
	}
	payload = payload[k:]
	n, k := binary.Uvarint(payload)
	if k <= 0 {
		return errors.E(errors.Integrity, "frameio: bad batch header")
	}
	if int(n) != ncol {
		return errors.E(errors.Invalid, fmt.Sprintf("frameio: stream has %d columns, reader has %d", n, ncol))
	}
	payload = payload[k:]
	d.buf = frame.Make(ncol, 0, int(nrow))
	for i := range d.buf {
		for j := uint64(0); j < nrow; j++ {
			v, k, err := flextype.DecodeValue(payload)
			if err != nil {
				return err
			}
			d.buf[i] = append(d.buf[i], v)
			payload = payload[k:]
		}
	}
	return nil
}
