// Package copydata implements the PostgreSQL COPY BINARY file format: an
// 11-byte signature, two int32 header fields, length-prefixed tuples and a
// -1 trailer. The encoding is byte-exact so unmodified client tools (psql,
// pg_dump) can consume gateway bulk exports.
package copydata

import (
	"encoding/binary"

	"github.com/bridgedata/bridge/internal/pgerror"
)

// signature is the fixed 11-byte COPY BINARY file header.
var signature = []byte{'P', 'G', 'C', 'O', 'P', 'Y', '\n', 0xff, '\r', '\n', 0x00}

const nullLength = -1

// EncodeHeader returns the stream prologue: signature, a zero flags field and
// a zero-length header extension area.
func EncodeHeader() []byte {
	buf := make([]byte, 0, len(signature)+8)
	buf = append(buf, signature...)
	buf = binary.BigEndian.AppendUint32(buf, 0) // flags
	buf = binary.BigEndian.AppendUint32(buf, 0) // header extension length
	return buf
}

// EncodeRow returns one tuple: an int16 column count followed by each value as
// an int32 byte length and the raw bytes. A nil value encodes as length -1
// with no value bytes (SQL NULL). An empty non-nil value encodes as length 0.
func EncodeRow(values [][]byte) []byte {
	size := 2
	for _, v := range values {
		size += 4 + len(v)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			buf = binary.BigEndian.AppendUint32(buf, uint32(0xffffffff))
			continue
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

// EncodeTrailer returns the end-of-data marker: a tuple whose column count is
// -1 and nothing after it.
func EncodeTrailer() []byte {
	return []byte{0xff, 0xff}
}

// DecodeStream parses a complete COPY BINARY stream into rows. NULL columns
// come back as nil slices. Corruption (bad signature, impossible lengths,
// truncation, bytes after the trailer) fails with a malformed-copy error and
// no partial result.
func DecodeStream(data []byte) ([][][]byte, error) {
	d := decoder{data: data}
	if err := d.header(); err != nil {
		return nil, err
	}

	var rows [][][]byte
	for {
		count, err := d.int16()
		if err != nil {
			return nil, err
		}
		if count == nullLength {
			if d.pos != len(d.data) {
				return nil, pgerror.New(pgerror.CodeBadCopyFormat,
					"received copy data after EOF marker")
			}
			return rows, nil
		}
		if count < 0 {
			return nil, pgerror.New(pgerror.CodeBadCopyFormat,
				"invalid tuple field count %d", count)
		}
		row := make([][]byte, count)
		for i := range row {
			length, err := d.int32()
			if err != nil {
				return nil, err
			}
			if length == nullLength {
				continue
			}
			if length < 0 {
				return nil, pgerror.New(pgerror.CodeBadCopyFormat,
					"invalid field size %d", length)
			}
			value, err := d.bytes(int(length))
			if err != nil {
				return nil, err
			}
			row[i] = value
		}
		rows = append(rows, row)
	}
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) header() error {
	sig, err := d.bytes(len(signature))
	if err != nil {
		return pgerror.New(pgerror.CodeBadCopyFormat, "COPY file signature not recognized")
	}
	for i := range signature {
		if sig[i] != signature[i] {
			return pgerror.New(pgerror.CodeBadCopyFormat, "COPY file signature not recognized")
		}
	}
	flags, err := d.int32()
	if err != nil {
		return err
	}
	// The only defined flag bit (OID inclusion) is not supported; bits in the
	// low-order half are required to be understood.
	if flags&0xffff != 0 {
		return pgerror.New(pgerror.CodeBadCopyFormat,
			"unrecognized critical flags in COPY file header")
	}
	extLen, err := d.int32()
	if err != nil {
		return err
	}
	if extLen < 0 {
		return pgerror.New(pgerror.CodeBadCopyFormat, "invalid COPY file header (wrong length)")
	}
	if _, err := d.bytes(int(extLen)); err != nil {
		return err
	}
	return nil
}

func (d *decoder) int16() (int16, error) {
	b, err := d.bytes(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (d *decoder) int32() (int32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if d.pos+n > len(d.data) {
		return nil, pgerror.New(pgerror.CodeBadCopyFormat, "unexpected EOF in COPY data")
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}
