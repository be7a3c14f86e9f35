package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Writer accumulates length-prefixed payload fields in the order the
// wire format requires. Every variable-length field is written as a
// big-endian uint32 length followed by its bytes; optional fields are
// preceded by a single presence byte (0 or 1).
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty payload Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// U8 writes a single byte.
func (w *Writer) U8(v byte) { w.buf.WriteByte(v) }

// Bool writes a byte: 1 for true, 0 for false.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

// U16 writes a big-endian uint16.
func (w *Writer) U16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// U32 writes a big-endian uint32.
func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// I64 writes a big-endian signed int64 (used for fields whose wire
// semantics permit negatives, e.g. token counts, per spec §4.A).
func (w *Writer) I64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

// U64 writes a big-endian unsigned int64.
func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// F64 writes a big-endian IEEE-754 double.
func (w *Writer) F64(v float64) {
	w.U64(math.Float64bits(v))
}

// Raw16 writes exactly 16 fixed bytes with no length prefix (used for
// TaskId/NodeId/VmId/ClientId, which are always exactly 16 bytes).
func (w *Writer) Raw16(b [16]byte) { w.buf.Write(b[:]) }

// Bytes32 writes exactly 32 fixed bytes with no length prefix (used
// for the heartbeat auth_token).
func (w *Writer) Bytes32(b [32]byte) { w.buf.Write(b[:]) }

// LenBytes writes a big-endian uint32 length followed by data.
func (w *Writer) LenBytes(data []byte) {
	w.U32(uint32(len(data)))
	w.buf.Write(data)
}

// String writes a length-prefixed string.
func (w *Writer) String(s string) { w.LenBytes([]byte(s)) }

// OptionalString writes a presence byte then, if present, a
// length-prefixed string. An absent field emits only the presence byte.
func (w *Writer) OptionalString(s *string) {
	if s == nil {
		w.Bool(false)
		return
	}
	w.Bool(true)
	w.String(*s)
}

// OptionalU32 writes a presence byte then, if present, a uint32.
func (w *Writer) OptionalU32(v *uint32) {
	if v == nil {
		w.Bool(false)
		return
	}
	w.Bool(true)
	w.U32(*v)
}

// Reader consumes length-prefixed payload fields written by Writer.
// Every method that can run past the end of buf returns
// ErrConnectionClosed, matching the decoder contract in spec §4.A.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps payload bytes for sequential field decoding.
func NewReader(payload []byte) *Reader { return &Reader{buf: payload} }

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return ErrConnectionClosed
	}
	return nil
}

// U8 reads a single byte.
func (r *Reader) U8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// Bool reads a single presence/boolean byte.
func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

// U16 reads a big-endian uint16.
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// U32 reads a big-endian uint32.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// I64 reads a big-endian signed int64.
func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

// U64 reads a big-endian unsigned int64.
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// F64 reads a big-endian IEEE-754 double.
func (r *Reader) F64() (float64, error) {
	bits, err := r.U64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// Raw16 reads exactly 16 fixed bytes.
func (r *Reader) Raw16() ([16]byte, error) {
	var out [16]byte
	if err := r.need(16); err != nil {
		return out, err
	}
	copy(out[:], r.buf[r.pos:r.pos+16])
	r.pos += 16
	return out, nil
}

// Bytes32 reads exactly 32 fixed bytes.
func (r *Reader) Bytes32() ([32]byte, error) {
	var out [32]byte
	if err := r.need(32); err != nil {
		return out, err
	}
	copy(out[:], r.buf[r.pos:r.pos+32])
	r.pos += 32
	return out, nil
}

// LenBytes reads a big-endian uint32 length then that many bytes,
// returning a freshly allocated, caller-owned copy.
func (r *Reader) LenBytes() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// String reads a length-prefixed string, always a fresh copy.
func (r *Reader) String() (string, error) {
	b, err := r.LenBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// OptionalString reads a presence byte then, if present, a string.
func (r *Reader) OptionalString() (*string, error) {
	present, err := r.Bool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	s, err := r.String()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// OptionalU32 reads a presence byte then, if present, a uint32.
func (r *Reader) OptionalU32() (*uint32, error) {
	present, err := r.Bool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	v, err := r.U32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Done reports whether every byte of the payload has been consumed.
// The Decode* functions in this package do not call it, so trailing
// bytes after a decoded payload are ignored there.
func (r *Reader) Done() bool { return r.pos == len(r.buf) }

// Remaining returns the number of unconsumed bytes, for diagnostics.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// ErrShortPayload reports a payload with trailing bytes after decoding.
// No decoder in this package returns it.
var ErrShortPayload = fmt.Errorf("protocol: payload has trailing bytes")
