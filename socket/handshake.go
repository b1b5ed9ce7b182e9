package socket

import (
	"bufio"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/freehandle/ledger/crypto"
	"github.com/freehandle/ledger/wire"
)

// Handshake between ledger servers.
//
// The caller knows from the onset the address, the server id and the token
// of the server it dials.
//
// The caller sends its server id, its token and a random nonce which the
// called must sign to prove its identity.
//
// The called checks that the server id is trusted with that token and that
// the nonce was never seen. It answers with its own server id and token, a
// signature of the caller nonce bound to its server id, and a new nonce.
//
// The caller checks identity and signature and signs the new nonce bound to
// its own server id. The called verifies it and accepts the connection.
//
// Handshake messages are unsigned envelopes inside frames. Every message
// after the handshake is signed.

var (
	ErrAuthentication = errors.New("socket: authentication failed")
	ErrHandshake      = errors.New("socket: malformed handshake")
)

// AuthError is a handshake refused for identity reasons. Dialers should not
// retry the same identity after it.
type AuthError struct {
	Server uint32
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("socket: authentication of server %d failed: %s", e.Server, e.Reason)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthentication
}

const maxHandshakeFrame = 512

var handshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Subsystem: "socket",
	Name:      "handshake_failures_total",
	Help:      "Failed handshakes by side and kind of failure.",
}, []string{"side", "kind"})

// Collectors returns the socket metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{handshakeFailures}
}

func countFailure(side string, err error) {
	kind := "network"
	if errors.Is(err, ErrAuthentication) {
		kind = "authentication"
	} else if errors.Is(err, ErrHandshake) || errors.Is(err, wire.ErrCorrupt) {
		kind = "malformed"
	}
	handshakeFailures.WithLabelValues(side, kind).Inc()
}

// proofMessage is what a server signs to answer a nonce.
func proofMessage(nonce []byte, server uint32) []byte {
	msg := make([]byte, 0, 16+len(nonce)+4)
	msg = append(msg, "ledger/handshake"...)
	msg = append(msg, nonce...)
	return binary.BigEndian.AppendUint32(msg, server)
}

func writeEnvelope(conn io.Writer, pool *wire.Pool, kind byte, fn func(*wire.Writer) error) error {
	return pool.WriteFrame(conn, func(w *wire.Writer) error {
		return w.PutEnvelope(kind, fn)
	})
}

func readEnvelope(reader *bufio.Reader) (wire.Envelope, error) {
	frame, err := wire.ReadFrame(reader, maxHandshakeFrame)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.ParseEnvelope(frame)
}

func reject(conn io.Writer, pool *wire.Pool, server uint32, reason string) error {
	writeEnvelope(conn, pool, wire.MsgReject, func(w *wire.Writer) error {
		w.PutString(reason)
		return nil
	})
	return &AuthError{Server: server, Reason: reason}
}

func rejection(env wire.Envelope, server uint32) error {
	reason := env.Reader().Text()
	if reason == "" {
		reason = "rejected by peer"
	}
	return &AuthError{Server: server, Reason: reason}
}

func performClientHandshake(conn net.Conn, local Identity, remote uint32, remoteToken crypto.Token, opts Options) (signed *SignedConnection, err error) {
	defer func() {
		if err != nil {
			countFailure("dial", err)
		}
	}()
	conn.SetDeadline(time.Now().Add(opts.Timeout))
	reader := bufio.NewReader(conn)

	nonce := crypto.Nonce()
	token := local.Token()
	err = writeEnvelope(conn, opts.Pool, wire.MsgHello, func(w *wire.Writer) error {
		w.PutUvarint(uint64(local.Server))
		w.PutBytes(token[:])
		w.PutBytes(nonce)
		return nil
	})
	if err != nil {
		return nil, err
	}

	env, err := readEnvelope(reader)
	if err != nil {
		return nil, err
	}
	if env.Kind == wire.MsgReject {
		return nil, rejection(env, remote)
	}
	if env.Kind != wire.MsgChallenge {
		return nil, fmt.Errorf("%w: expected challenge, got kind %d", ErrHandshake, env.Kind)
	}
	r := env.Reader()
	server := r.Uint32()
	presented := r.Bytes()
	signature := r.Bytes()
	newNonce := r.Bytes()
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(presented) != crypto.TokenSize || len(signature) != crypto.SignatureSize || len(newNonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: challenge fields have wrong sizes", ErrHandshake)
	}
	if server != remote || subtle.ConstantTimeCompare(presented, remoteToken[:]) != 1 {
		return nil, &AuthError{Server: remote, Reason: fmt.Sprintf("peer presented server %d with another token", server)}
	}
	var remoteSignature crypto.Signature
	copy(remoteSignature[:], signature)
	if !remoteToken.Verify(proofMessage(nonce, server), remoteSignature) {
		return nil, &AuthError{Server: remote, Reason: "invalid challenge signature"}
	}
	if !opts.Guard.Fresh(newNonce) {
		return nil, &AuthError{Server: remote, Reason: "replayed nonce"}
	}

	proof := local.Key.Sign(proofMessage(newNonce, local.Server))
	err = writeEnvelope(conn, opts.Pool, wire.MsgProof, func(w *wire.Writer) error {
		w.PutBytes(proof[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	env, err = readEnvelope(reader)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case wire.MsgAccept:
	case wire.MsgReject:
		return nil, rejection(env, remote)
	default:
		return nil, fmt.Errorf("%w: expected accept, got kind %d", ErrHandshake, env.Kind)
	}
	conn.SetDeadline(time.Time{})
	signed = newSignedConnection(conn, reader, local.Key, opts)
	signed.Server = remote
	signed.Token = remoteToken
	return signed, nil
}

// PromoteConnection runs the responder side of the handshake on conn. Callers
// are admitted only if validator trusts their server id and token.
func PromoteConnection(conn net.Conn, local Identity, validator Validator, opts Options) (signed *SignedConnection, err error) {
	defer func() {
		if err != nil {
			countFailure("accept", err)
		}
	}()
	opts = opts.withDefaults()
	conn.SetDeadline(time.Now().Add(opts.Timeout))
	reader := bufio.NewReader(conn)

	env, err := readEnvelope(reader)
	if err != nil {
		return nil, err
	}
	if env.Kind != wire.MsgHello {
		return nil, fmt.Errorf("%w: expected hello, got kind %d", ErrHandshake, env.Kind)
	}
	r := env.Reader()
	server := r.Uint32()
	presented := r.Bytes()
	nonce := r.Bytes()
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(presented) != crypto.TokenSize || len(nonce) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: hello fields have wrong sizes", ErrHandshake)
	}
	var remoteToken crypto.Token
	copy(remoteToken[:], presented)
	if server == local.Server || !validator.ValidateConnection(server, remoteToken) {
		return nil, reject(conn, opts.Pool, server, "identity not trusted")
	}
	if !opts.Guard.Fresh(nonce) {
		return nil, reject(conn, opts.Pool, server, "replayed nonce")
	}

	signature := local.Key.Sign(proofMessage(nonce, local.Server))
	token := local.Token()
	newNonce := crypto.Nonce()
	opts.Guard.Fresh(newNonce)
	err = writeEnvelope(conn, opts.Pool, wire.MsgChallenge, func(w *wire.Writer) error {
		w.PutUvarint(uint64(local.Server))
		w.PutBytes(token[:])
		w.PutBytes(signature[:])
		w.PutBytes(newNonce)
		return nil
	})
	if err != nil {
		return nil, err
	}

	env, err = readEnvelope(reader)
	if err != nil {
		return nil, err
	}
	if env.Kind != wire.MsgProof {
		return nil, fmt.Errorf("%w: expected proof, got kind %d", ErrHandshake, env.Kind)
	}
	r = env.Reader()
	proof := r.Bytes()
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(proof) != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: proof has wrong size", ErrHandshake)
	}
	var clientSignature crypto.Signature
	copy(clientSignature[:], proof)
	if !remoteToken.Verify(proofMessage(newNonce, server), clientSignature) {
		return nil, reject(conn, opts.Pool, server, "invalid proof signature")
	}
	err = writeEnvelope(conn, opts.Pool, wire.MsgAccept, func(w *wire.Writer) error { return nil })
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	signed = newSignedConnection(conn, reader, local.Key, opts)
	signed.Server = server
	signed.Token = remoteToken
	return signed, nil
}
