// Package socket implements signed, unencrypted TCP connections between
// ledger servers. Connections are established by a challenge response
// handshake over ed25519 keys; afterwards every frame carries a signature of
// its sender.
package socket

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/freehandle/ledger/crypto"
	"github.com/freehandle/ledger/wire"
)

// DefaultMaxFrame bounds the size of an incoming frame.
const DefaultMaxFrame = 16 << 20

var (
	ErrInvalidSignature = errors.New("socket: signature is invalid")
	ErrMessageTooShort  = errors.New("socket: message too short")
	ErrClosed           = errors.New("socket: connection closed")
)

// Identity is the server id and key a process presents to its peers.
type Identity struct {
	Server uint32
	Key    crypto.PrivateKey
}

func (i Identity) Token() crypto.Token {
	return i.Key.PublicKey()
}

// Options tune handshakes and framing. Zero values take defaults.
type Options struct {
	Timeout  time.Duration
	MaxFrame int
	Guard    *NonceGuard
	Pool     *wire.Pool
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = DefaultMaxFrame
	}
	if o.Guard == nil {
		o.Guard = NewNonceGuard(10 * time.Minute)
	}
	if o.Pool == nil {
		o.Pool = wire.Default
	}
	return o
}

// SignedConnection is an authenticated connection to a peer server. Send is
// safe for concurrent use; Read must be called from a single goroutine.
type SignedConnection struct {
	Server uint32       // remote server id
	Token  crypto.Token // remote key
	key    crypto.PrivateKey
	conn   net.Conn
	reader *bufio.Reader
	pool   *wire.Pool
	max    int

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newSignedConnection(conn net.Conn, reader *bufio.Reader, key crypto.PrivateKey, opts Options) *SignedConnection {
	return &SignedConnection{
		key:    key,
		conn:   conn,
		reader: reader,
		pool:   opts.Pool,
		max:    opts.MaxFrame,
		closed: make(chan struct{}),
	}
}

// Dial connects to a peer and performs the initiator side of the handshake.
// The peer must prove it holds the key of token and must present server id
// remote.
func Dial(ctx context.Context, address string, local Identity, remote uint32, token crypto.Token, opts Options) (*SignedConnection, error) {
	opts = opts.withDefaults()
	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	signed, err := performClientHandshake(conn, local, remote, token, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return signed, nil
}

// Send signs msg and writes it as one frame.
func (s *SignedConnection) Send(msg []byte) error {
	signature := s.key.Sign(msg)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return s.pool.WriteFrame(s.conn, func(w *wire.Writer) error {
		w.PutRaw(msg)
		w.PutRaw(signature[:])
		return nil
	})
}

// SendEnvelope encodes an envelope with fn and sends it signed.
func (s *SignedConnection) SendEnvelope(kind byte, fn func(*wire.Writer) error) error {
	data, err := s.pool.EncodeEnvelope(kind, fn)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Read returns the next message after checking its signature against the
// remote token.
func (s *SignedConnection) Read() ([]byte, error) {
	frame, err := wire.ReadFrame(s.reader, s.max)
	if err != nil {
		return nil, err
	}
	if len(frame) < crypto.SignatureSize {
		return nil, ErrMessageTooShort
	}
	msg := frame[:len(frame)-crypto.SignatureSize]
	var signature crypto.Signature
	copy(signature[:], frame[len(frame)-crypto.SignatureSize:])
	if !s.Token.Verify(msg, signature) {
		return nil, ErrInvalidSignature
	}
	return msg, nil
}

// ReadEnvelope reads the next message as an envelope.
func (s *SignedConnection) ReadEnvelope() (wire.Envelope, error) {
	msg, err := s.Read()
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.ParseEnvelope(msg)
}

func (s *SignedConnection) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Done is closed when the connection is shut down locally.
func (s *SignedConnection) Done() <-chan struct{} {
	return s.closed
}

func (s *SignedConnection) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
