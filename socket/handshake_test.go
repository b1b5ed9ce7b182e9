package socket

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/freehandle/ledger/crypto"
	"github.com/freehandle/ledger/wire"
)

func newIdentity(server uint32) Identity {
	_, key := crypto.RandomAsymetricKey()
	return Identity{Server: server, Key: key}
}

func startListener(t *testing.T, local Identity, validator Validator) (*Listener, chan *SignedConnection) {
	listener, err := Listen("127.0.0.1:0", local, validator, Options{Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	accepted := make(chan *SignedConnection, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		listener.Serve(ctx, func(conn *SignedConnection) {
			accepted <- conn
			<-ctx.Done()
			conn.Close()
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return listener, accepted
}

func TestHandshakeAndSignedExchange(t *testing.T) {
	server := newIdentity(1)
	client := newIdentity(2)
	trust := NewTrustStore()
	trust.Add(client.Server, client.Token())
	listener, accepted := startListener(t, server, trust)

	conn, err := Dial(context.Background(), listener.Addr().String(), client, server.Server, server.Token(), Options{})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, server.Server, conn.Server)

	var remote *SignedConnection
	select {
	case remote = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not accepted")
	}
	assert.Equal(t, client.Server, remote.Server)
	assert.True(t, remote.Token.Equal(client.Token()))

	require.NoError(t, conn.SendEnvelope(wire.MsgAck, func(w *wire.Writer) error {
		w.PutUvarint(7)
		w.PutUvarint(42)
		return nil
	}))
	env, err := remote.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, wire.MsgAck, env.Kind)
	r := env.Reader()
	assert.Equal(t, uint64(7), r.Uvarint())
	assert.Equal(t, uint64(42), r.Uvarint())
	require.NoError(t, r.Done())

	require.NoError(t, remote.Send([]byte("pong")))
	msg, err := conn.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), msg)
}

func TestUntrustedIdentityIsRejected(t *testing.T) {
	server := newIdentity(1)
	client := newIdentity(2)
	trust := NewTrustStore()
	impostor := newIdentity(2)
	trust.Add(client.Server, impostor.Token())
	listener, accepted := startListener(t, server, trust)

	_, err := Dial(context.Background(), listener.Addr().String(), client, server.Server, server.Token(), Options{})
	require.ErrorIs(t, err, ErrAuthentication)
	var auth *AuthError
	require.True(t, errors.As(err, &auth))
	assert.Equal(t, server.Server, auth.Server)

	select {
	case <-accepted:
		t.Fatal("untrusted peer accepted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvalidProofSignatureIsRejected(t *testing.T) {
	server := newIdentity(1)
	client := newIdentity(2)
	trust := NewTrustStore()
	trust.Add(client.Server, client.Token())
	listener, accepted := startListener(t, server, trust)

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)
	token := client.Token()
	require.NoError(t, writeEnvelope(conn, wire.Default, wire.MsgHello, func(w *wire.Writer) error {
		w.PutUvarint(uint64(client.Server))
		w.PutBytes(token[:])
		w.PutBytes(crypto.Nonce())
		return nil
	}))
	env, err := readEnvelope(reader)
	require.NoError(t, err)
	require.Equal(t, wire.MsgChallenge, env.Kind)
	r := env.Reader()
	r.Uint32()
	r.Bytes()
	r.Bytes()
	newNonce := r.Bytes()
	require.NoError(t, r.Done())

	_, otherKey := crypto.RandomAsymetricKey()
	forged := otherKey.Sign(proofMessage(newNonce, client.Server))
	require.NoError(t, writeEnvelope(conn, wire.Default, wire.MsgProof, func(w *wire.Writer) error {
		w.PutBytes(forged[:])
		return nil
	}))
	env, err = readEnvelope(reader)
	require.NoError(t, err)
	assert.Equal(t, wire.MsgReject, env.Kind)

	select {
	case <-accepted:
		t.Fatal("peer with forged proof accepted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestImpostorResponderIsRejected(t *testing.T) {
	expected := newIdentity(1)
	impostor := Identity{Server: 1, Key: newIdentity(1).Key}
	client := newIdentity(2)
	listener, accepted := startListener(t, impostor, AcceptAllConnections)

	_, err := Dial(context.Background(), listener.Addr().String(), client, expected.Server, expected.Token(), Options{})
	assert.ErrorIs(t, err, ErrAuthentication)
	select {
	case <-accepted:
		t.Fatal("impostor completed handshake")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSignedConnectionRejectsForgedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	alice := newIdentity(1)
	bob := newIdentity(2)
	opts := Options{}.withDefaults()

	sender := newSignedConnection(a, bufio.NewReader(a), alice.Key, opts)
	sender.Token = bob.Token()
	receiver := newSignedConnection(b, bufio.NewReader(b), bob.Key, opts)
	receiver.Token = alice.Token()

	go sender.Send([]byte("hello"))
	msg, err := receiver.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)

	forger := newSignedConnection(a, bufio.NewReader(a), newIdentity(1).Key, opts)
	go forger.Send([]byte("forged"))
	_, err = receiver.Read()
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNonceGuard(t *testing.T) {
	guard := NewNonceGuard(time.Minute)
	nonce := crypto.Nonce()
	assert.True(t, guard.Fresh(nonce))
	assert.False(t, guard.Fresh(nonce))
	assert.True(t, guard.Fresh(crypto.Nonce()))
	assert.Equal(t, 2, guard.Len())
}

func TestTrustStore(t *testing.T) {
	trust := NewTrustStore()
	peer := newIdentity(3)
	assert.False(t, trust.ValidateConnection(3, peer.Token()))
	trust.Add(3, peer.Token())
	assert.True(t, trust.ValidateConnection(3, peer.Token()))
	assert.False(t, trust.ValidateConnection(4, peer.Token()))
	token, ok := trust.Token(3)
	assert.True(t, ok)
	assert.True(t, token.Equal(peer.Token()))
	trust.Remove(3)
	assert.False(t, trust.ValidateConnection(3, peer.Token()))
}
