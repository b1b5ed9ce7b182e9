// Package wire implements the compact binary format shared by replication and
// live push: varint integers, varint length-prefixed byte arrays, typed
// envelopes and length-prefixed frames.
//
// Writers are owned by a Pool and are only reachable inside the callback given
// to Pool.Encode or Pool.WriteFrame. The pool takes the writer back when the
// callback returns, on every exit path, so a writer never outlives its scope.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrCorrupt reports a payload that does not decode cleanly: truncated
	// data, an overflowing varint or leftover bytes after the last field.
	ErrCorrupt = errors.New("wire: corrupt data")
	// ErrFrameTooLarge reports a frame header above the reader limit.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Writer appends encoded values to a pooled buffer. The zero value is not
// usable; writers come from a Pool.
type Writer struct {
	buf   []byte
	start int
	live  bool
	pool  *Pool
}

func (w *Writer) check() {
	if !w.live {
		panic("wire: writer used after release")
	}
}

// Bytes returns the encoded bytes. The slice aliases the pooled buffer and is
// only valid inside the encoding callback.
func (w *Writer) Bytes() []byte {
	w.check()
	return w.buf[w.start:]
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	w.check()
	return len(w.buf) - w.start
}

func (w *Writer) PutByte(b byte) {
	w.check()
	w.buf = append(w.buf, b)
}

func (w *Writer) PutBool(b bool) {
	if b {
		w.PutByte(1)
	} else {
		w.PutByte(0)
	}
}

func (w *Writer) PutUvarint(v uint64) {
	w.check()
	w.buf = binary.AppendUvarint(w.buf, v)
}

// PutVarint writes v zig-zag encoded, so small negative numbers stay short.
func (w *Writer) PutVarint(v int64) {
	w.check()
	w.buf = binary.AppendVarint(w.buf, v)
}

// PutRaw appends b without a length prefix.
func (w *Writer) PutRaw(b []byte) {
	w.check()
	w.buf = append(w.buf, b...)
}

// PutBytes writes a varint length followed by b.
func (w *Writer) PutBytes(b []byte) {
	w.PutUvarint(uint64(len(b)))
	w.PutRaw(b)
}

func (w *Writer) PutString(s string) {
	w.PutUvarint(uint64(len(s)))
	w.check()
	w.buf = append(w.buf, s...)
}

// PutEnvelope writes a typed envelope: the kind byte followed by the payload
// produced by fn as a length-prefixed byte array. The payload is encoded on a
// second writer of the same pool.
func (w *Writer) PutEnvelope(kind byte, fn func(*Writer) error) error {
	w.check()
	inner := w.pool.acquire()
	defer w.pool.release(inner)
	if err := fn(inner); err != nil {
		return err
	}
	w.PutByte(kind)
	w.PutBytes(inner.Bytes())
	return nil
}

// Reader decodes values written by Writer. Errors are sticky: after the first
// failure every read returns a zero value and Err reports ErrCorrupt.
type Reader struct {
	data     []byte
	position int
	err      error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrCorrupt
	}
}

func (r *Reader) Err() error {
	return r.err
}

// Remaining is the number of bytes not yet consumed.
func (r *Reader) Remaining() int {
	return len(r.data) - r.position
}

// Done returns ErrCorrupt if decoding failed or bytes are left over. The
// declared length of a frame must match what its fields consumed.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.position != len(r.data) {
		return ErrCorrupt
	}
	return nil
}

func (r *Reader) Byte() byte {
	if r.err != nil || r.position >= len(r.data) {
		r.fail()
		return 0
	}
	b := r.data[r.position]
	r.position++
	return b
}

func (r *Reader) Bool() bool {
	switch r.Byte() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail()
		return false
	}
}

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.position:])
	if n <= 0 {
		r.fail()
		return 0
	}
	r.position += n
	return v
}

func (r *Reader) Varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.data[r.position:])
	if n <= 0 {
		r.fail()
		return 0
	}
	r.position += n
	return v
}

// Uint32 reads a varint and fails if it does not fit 32 bits.
func (r *Reader) Uint32() uint32 {
	v := r.Uvarint()
	if v > math.MaxUint32 {
		r.fail()
		return 0
	}
	return uint32(v)
}

// Raw returns the next n bytes. The slice aliases the reader data.
func (r *Reader) Raw(n int) []byte {
	if r.err != nil || n < 0 || n > r.Remaining() {
		r.fail()
		return nil
	}
	b := r.data[r.position : r.position+n]
	r.position += n
	return b
}

// Bytes reads a length-prefixed byte array. The slice aliases the reader data.
func (r *Reader) Bytes() []byte {
	length := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if length > uint64(r.Remaining()) {
		r.fail()
		return nil
	}
	return r.Raw(int(length))
}

// Text reads a length-prefixed string.
func (r *Reader) Text() string {
	return string(r.Bytes())
}
