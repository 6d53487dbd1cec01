package pgwire

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageTooLarge = errors.New("message too large")
)

// MaxMessageSize caps a single framed message at 1GB.
const MaxMessageSize = 1 << 30

// Buffer is a reusable buffer for reading and writing protocol messages.
type Buffer struct {
	buf []byte
	pos int
}

// NewBuffer creates a new buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// NewReadBuffer wraps an existing payload for reading.
func NewReadBuffer(payload []byte) *Buffer {
	return &Buffer{buf: payload}
}

// Reset clears the buffer for reuse.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.pos = 0
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Len returns the length of data in the buffer.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Remaining returns bytes remaining to read.
func (b *Buffer) Remaining() int {
	return len(b.buf) - b.pos
}

// --- Writing ---

// WriteByte appends a single byte (implements io.ByteWriter).
func (b *Buffer) WriteByte(v byte) error {
	b.buf = append(b.buf, v)
	return nil
}

// WriteInt16 appends a 16-bit integer (big-endian).
func (b *Buffer) WriteInt16(v int16) {
	b.buf = append(b.buf, byte(v>>8), byte(v))
}

// WriteInt32 appends a 32-bit integer (big-endian).
func (b *Buffer) WriteInt32(v int32) {
	b.buf = append(b.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// WriteBytes appends raw bytes.
func (b *Buffer) WriteBytes(v []byte) {
	b.buf = append(b.buf, v...)
}

// WriteString appends a null-terminated string.
func (b *Buffer) WriteString(s string) {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

// --- Reading ---

// ReadByte reads a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.pos >= len(b.buf) {
		return 0, io.EOF
	}
	v := b.buf[b.pos]
	b.pos++
	return v, nil
}

// ReadInt16 reads a 16-bit integer (big-endian).
func (b *Buffer) ReadInt16() (int16, error) {
	if b.pos+2 > len(b.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := int16(b.buf[b.pos])<<8 | int16(b.buf[b.pos+1])
	b.pos += 2
	return v, nil
}

// ReadInt32 reads a 32-bit integer (big-endian).
func (b *Buffer) ReadInt32() (int32, error) {
	if b.pos+4 > len(b.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := int32(b.buf[b.pos])<<24 | int32(b.buf[b.pos+1])<<16 |
		int32(b.buf[b.pos+2])<<8 | int32(b.buf[b.pos+3])
	b.pos += 4
	return v, nil
}

// ReadBytes reads n bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 || b.pos+n > len(b.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	v := b.buf[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// ReadString reads a null-terminated string.
func (b *Buffer) ReadString() (string, error) {
	start := b.pos
	for b.pos < len(b.buf) {
		if b.buf[b.pos] == 0 {
			s := string(b.buf[start:b.pos])
			b.pos++ // skip null terminator
			return s, nil
		}
		b.pos++
	}
	return "", io.ErrUnexpectedEOF
}

// --- Message I/O ---

// ReadMessage reads one framed message: a type byte and a 4-byte big-endian
// length that includes itself. Returns the type and the payload.
func ReadMessage(r io.Reader) (msgType byte, payload []byte, err error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	msgType = header[0]
	length := int(binary.BigEndian.Uint32(header[1:5])) - 4

	if length < 0 || length > MaxMessageSize {
		return 0, nil, ErrMessageTooLarge
	}

	payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}

// ReadStartupMessage reads a startup-phase message, which is length-framed
// without a type byte.
func ReadStartupMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint32(header)) - 4
	if length < 0 || length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// WriteMessage writes one framed message.
func WriteMessage(w io.Writer, msgType byte, payload []byte) error {
	header := make([]byte, 5)
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)+4)) // #nosec G115 -- bounded by MaxMessageSize

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ParseStartupMessage splits a startup payload into the protocol version (or
// negotiation request code) and the key/value parameter pairs.
func ParseStartupMessage(payload []byte) (version int32, params map[string]string, err error) {
	if len(payload) < 4 {
		return 0, nil, ErrInvalidMessage
	}

	version = int32(binary.BigEndian.Uint32(payload[:4])) // #nosec G115 -- protocol version fits in int32
	params = make(map[string]string)

	buf := NewReadBuffer(payload[4:])
	for buf.Remaining() > 1 {
		key, err := buf.ReadString()
		if err != nil || key == "" {
			break
		}
		value, err := buf.ReadString()
		if err != nil {
			break
		}
		params[key] = value
	}
	return version, params, nil
}
