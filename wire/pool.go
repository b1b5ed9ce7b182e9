package wire

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
)

// frameHeader is the room reserved in front of every frame body for its
// varint length.
const frameHeader = binary.MaxVarintLen64

// DefaultMaxRetained is the largest buffer capacity returned to the pool.
// Larger buffers are dropped so a single huge block does not pin memory.
const DefaultMaxRetained = 1 << 20

// Pool hands out reusable writers. It is safe for concurrent use.
type Pool struct {
	pool        sync.Pool
	maxRetained int
	acquired    atomic.Int64
	released    atomic.Int64
}

// Default is the process wide writer pool.
var Default = NewPool(DefaultMaxRetained)

func NewPool(maxRetained int) *Pool {
	p := &Pool{maxRetained: maxRetained}
	p.pool.New = func() any {
		return &Writer{buf: make([]byte, 0, 512), pool: p}
	}
	return p
}

func (p *Pool) acquire() *Writer {
	w := p.pool.Get().(*Writer)
	w.buf = w.buf[:0]
	w.start = 0
	w.live = true
	p.acquired.Add(1)
	return w
}

func (p *Pool) release(w *Writer) {
	if !w.live {
		panic("wire: writer released twice")
	}
	w.live = false
	p.released.Add(1)
	if cap(w.buf) > p.maxRetained {
		w.buf = make([]byte, 0, 512)
	}
	p.pool.Put(w)
}

// Outstanding is the number of writers acquired and not yet released.
func (p *Pool) Outstanding() int64 {
	return p.acquired.Load() - p.released.Load()
}

// Stats returns the total number of acquisitions and releases.
func (p *Pool) Stats() (acquired, released int64) {
	return p.acquired.Load(), p.released.Load()
}

// Encode runs fn on a pooled writer and returns a copy of what it wrote. The
// writer goes back to the pool when Encode returns, including when fn fails or
// panics.
func (p *Pool) Encode(fn func(*Writer) error) ([]byte, error) {
	w := p.acquire()
	defer p.release(w)
	if err := fn(w); err != nil {
		return nil, err
	}
	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out, nil
}

// WriteFrame encodes a frame body with fn and writes it to dst prefixed by its
// varint length, in a single Write call.
func (p *Pool) WriteFrame(dst io.Writer, fn func(*Writer) error) error {
	w := p.acquire()
	defer p.release(w)
	w.buf = w.buf[:frameHeader]
	w.start = frameHeader
	if err := fn(w); err != nil {
		return err
	}
	var header [frameHeader]byte
	n := binary.PutUvarint(header[:], uint64(w.Len()))
	begin := frameHeader - n
	copy(w.buf[begin:frameHeader], header[:n])
	_, err := dst.Write(w.buf[begin:])
	return err
}

// ReadFrame reads one length-prefixed frame from src. Frames declaring more
// than max bytes are rejected without reading the body.
func ReadFrame(src io.ByteReader, max int) ([]byte, error) {
	length, err := binary.ReadUvarint(src)
	if err != nil {
		return nil, err
	}
	if length > uint64(max) {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, int(length))
	reader, ok := src.(io.Reader)
	if !ok {
		for n := range body {
			if body[n], err = src.ReadByte(); err != nil {
				return nil, err
			}
		}
		return body, nil
	}
	if _, err := io.ReadFull(reader, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
