package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/freehandle/ledger/chain"
	"github.com/freehandle/ledger/crypto"
	"github.com/freehandle/ledger/schema"
	"github.com/freehandle/ledger/socket"
	"github.com/freehandle/ledger/wire"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newIdentity(server uint32) socket.Identity {
	_, key := crypto.RandomAsymetricKey()
	return socket.Identity{Server: server, Key: key}
}

func postRegistry(fields ...schema.Field) *schema.Registry {
	if len(fields) == 0 {
		fields = []schema.Field{schema.Uint("author", 32), schema.String("title")}
	}
	registry := schema.NewRegistry()
	registry.MustRegister("post", fields...)
	return registry
}

func newChain(t *testing.T, registry *schema.Registry, writer, server uint32) *chain.Chain {
	c, err := chain.Open(chain.Config{ID: 7, Name: "posts", Writer: writer, Server: server, Registry: registry})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.WaitReady(context.Background()))
	return c
}

func appendPosts(t *testing.T, c *chain.Chain, registry *schema.Registry, count int) {
	post, err := registry.Lookup("post")
	require.NoError(t, err)
	for n := 0; n < count; n++ {
		payload, err := post.Encode(schema.Values{"author": n, "title": "post"})
		require.NoError(t, err)
		_, err = c.Append(context.Background(), uint64(n%4+1), post.ID, payload)
		require.NoError(t, err)
	}
}

func startManager(t *testing.T, identity socket.Identity, registry *schema.Registry, c *chain.Chain, peers []Peer, cursors *CursorStore) (*Manager, func()) {
	manager, err := NewManager(Config{
		Identity:   identity,
		Listen:     "127.0.0.1:0",
		Peers:      peers,
		Registry:   registry,
		Chains:     []*chain.Chain{c},
		Cursors:    cursors,
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
		Socket:     socket.Options{Timeout: 2 * time.Second},
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, manager.Start(ctx))
	stop := func() {
		cancel()
		manager.Wait()
	}
	t.Cleanup(stop)
	return manager, stop
}

func TestReplicaFollowsWriter(t *testing.T) {
	writerID, replicaID := newIdentity(2), newIdentity(1)
	writerRegistry, replicaRegistry := postRegistry(), postRegistry()
	writerChain := newChain(t, writerRegistry, 2, 2)
	replicaChain := newChain(t, replicaRegistry, 2, 1)
	cursors, err := OpenCursorStore("")
	require.NoError(t, err)
	t.Cleanup(func() { cursors.Close() })

	appendPosts(t, writerChain, writerRegistry, 5)
	writer, _ := startManager(t, writerID, writerRegistry, writerChain, []Peer{{Server: 1, Token: replicaID.Token()}}, cursors)
	startManager(t, replicaID, replicaRegistry, replicaChain, []Peer{{Server: 2, Address: writer.Addr().String(), Token: writerID.Token()}}, nil)

	require.Eventually(t, func() bool { return replicaChain.Last() == 5 }, waitFor, tick)
	appendPosts(t, writerChain, writerRegistry, 5)
	require.Eventually(t, func() bool { return replicaChain.Last() == 10 }, waitFor, tick)

	for block, err := range writerChain.Replay(1) {
		require.NoError(t, err)
		mirrored, err := replicaChain.Block(block.Sequence)
		require.NoError(t, err)
		assert.True(t, block.Equal(mirrored))
	}
	require.Eventually(t, func() bool {
		acked, err := cursors.Load(1, 7)
		return err == nil && acked == 10
	}, waitFor, tick)
	link, ok := writer.Link(1)
	require.True(t, ok)
	assert.Equal(t, uint64(10), link.Acked(7))
	status := writer.Status()
	require.Len(t, status, 1)
	assert.Equal(t, Streaming, status[0].State)
	assert.False(t, status[0].Degraded)
}

func TestReplicaResumesAfterReconnect(t *testing.T) {
	writerID, replicaID := newIdentity(2), newIdentity(1)
	writerRegistry, replicaRegistry := postRegistry(), postRegistry()
	writerChain := newChain(t, writerRegistry, 2, 2)
	replicaChain := newChain(t, replicaRegistry, 2, 1)

	writer, _ := startManager(t, writerID, writerRegistry, writerChain, []Peer{{Server: 1, Token: replicaID.Token()}}, nil)
	peers := []Peer{{Server: 2, Address: writer.Addr().String(), Token: writerID.Token()}}
	_, stop := startManager(t, replicaID, replicaRegistry, replicaChain, peers, nil)

	appendPosts(t, writerChain, writerRegistry, 3)
	require.Eventually(t, func() bool { return replicaChain.Last() == 3 }, waitFor, tick)
	stop()

	appendPosts(t, writerChain, writerRegistry, 4)
	assert.Equal(t, uint64(3), replicaChain.Last())

	startManager(t, replicaID, replicaRegistry, replicaChain, peers, nil)
	require.Eventually(t, func() bool { return replicaChain.Last() == 7 }, waitFor, tick)
}

func TestOutOfOrderDeliveryTriggersResync(t *testing.T) {
	writerID, replicaID := newIdentity(1), newIdentity(2)
	registry := postRegistry()
	source := newChain(t, postRegistry(), 1, 1)
	appendPosts(t, source, registry, 3)
	blocks := make([]*chain.Block, 0)
	for block, err := range source.Replay(1) {
		require.NoError(t, err)
		blocks = append(blocks, block)
	}

	replicaChain := newChain(t, registry, 1, 2)
	replica, _ := startManager(t, replicaID, registry, replicaChain, []Peer{{Server: 1, Token: writerID.Token()}}, nil)

	conn, err := socket.Dial(context.Background(), replica.Addr().String(), writerID, 2, replicaID.Token(), socket.Options{})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SendEnvelope(wire.MsgSubscribe, Subscribe{Definitions: Fingerprints(registry)}.Encode))
	env, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, wire.MsgSubscribe, env.Kind)
	subscribe, err := ParseSubscribe(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, []Cursor{{Chain: 7, After: 0}}, subscribe.Cursors)

	send := func(block *chain.Block) {
		require.NoError(t, conn.SendEnvelope(wire.MsgBlock, block.Encode))
	}
	expect := func(kind byte) *wire.Reader {
		env, err := conn.ReadEnvelope()
		require.NoError(t, err)
		require.Equal(t, kind, env.Kind)
		return env.Reader()
	}

	send(blocks[1])
	r := expect(wire.MsgResync)
	assert.Equal(t, uint32(7), r.Uint32())
	assert.Equal(t, uint64(1), r.Uvarint())
	assert.Zero(t, replicaChain.Last())

	// a second gap with the same expected sequence is not answered again
	send(blocks[2])
	for _, block := range blocks {
		send(block)
		r := expect(wire.MsgAck)
		assert.Equal(t, uint32(7), r.Uint32())
		assert.Equal(t, block.Sequence, r.Uvarint())
	}
	assert.Equal(t, uint64(3), replicaChain.Last())
}

func TestSchemaMismatchHaltsLink(t *testing.T) {
	writerID, replicaID := newIdentity(2), newIdentity(1)
	writerRegistry := postRegistry()
	replicaRegistry := postRegistry(schema.String("title"), schema.Uint("author", 32))
	writerChain := newChain(t, writerRegistry, 2, 2)
	replicaChain := newChain(t, replicaRegistry, 2, 1)
	appendPosts(t, writerChain, writerRegistry, 3)

	writer, _ := startManager(t, writerID, writerRegistry, writerChain, []Peer{{Server: 1, Token: replicaID.Token()}}, nil)
	replica, _ := startManager(t, replicaID, replicaRegistry, replicaChain, []Peer{{Server: 2, Address: writer.Addr().String(), Token: writerID.Token()}}, nil)

	require.Eventually(t, func() bool { return replica.Halted(2) != nil && writer.Halted(1) != nil }, waitFor, tick)
	assert.ErrorIs(t, replica.Halted(2), ErrSchemaMismatch)
	assert.ErrorIs(t, writer.Halted(1), ErrSchemaMismatch)
	assert.Zero(t, replicaChain.Last())
}

func TestAuthenticationFailureStopsRetrying(t *testing.T) {
	writerID, replicaID := newIdentity(2), newIdentity(1)
	registry := postRegistry()
	writerChain := newChain(t, registry, 2, 2)
	replicaChain := newChain(t, registry, 2, 1)
	appendPosts(t, writerChain, registry, 2)

	stranger := newIdentity(1)
	writer, _ := startManager(t, writerID, registry, writerChain, []Peer{{Server: 1, Token: stranger.Token()}}, nil)
	replica, _ := startManager(t, replicaID, registry, replicaChain, []Peer{{Server: 2, Address: writer.Addr().String(), Token: writerID.Token()}}, nil)

	require.Eventually(t, func() bool { return replica.Halted(2) != nil }, waitFor, tick)
	assert.ErrorIs(t, replica.Halted(2), socket.ErrAuthentication)
	_, ok := writer.Link(1)
	assert.False(t, ok)
	assert.Zero(t, replicaChain.Last())
}

type fakeConn struct {
	sent   chan wire.Envelope
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan wire.Envelope, 16), closed: make(chan struct{})}
}

func (f *fakeConn) SendEnvelope(kind byte, fn func(*wire.Writer) error) error {
	payload, err := wire.Default.Encode(fn)
	if err != nil {
		return err
	}
	f.sent <- wire.Envelope{Kind: kind, Payload: payload}
	return nil
}

func (f *fakeConn) ReadEnvelope() (wire.Envelope, error) {
	<-f.closed
	return wire.Envelope{}, errors.New("closed")
}

func (f *fakeConn) Close() error {
	close(f.closed)
	return nil
}

func TestQueueOverflowMarksPeerDegraded(t *testing.T) {
	registry := postRegistry()
	c := newChain(t, registry, 1, 1)
	appendPosts(t, c, registry, 3)
	conn := newFakeConn()
	link := newLink(2, conn, map[uint32]*chain.Chain{7: c}, registry, nil, 2, nil)
	link.subscribed.Store(7, 1)

	for seq := uint64(1); seq <= 3; seq++ {
		block, err := c.Block(seq)
		require.NoError(t, err)
		link.offer(block)
	}
	assert.True(t, link.Degraded())
	assert.ErrorIs(t, link.Err(), ErrDegraded)
	select {
	case <-conn.closed:
	default:
		t.Fatal("degraded link left open")
	}
	select {
	case <-link.Done():
	default:
		t.Fatal("degraded link not done")
	}
}

// gatedConn holds every send until gate is closed.
type gatedConn struct {
	*fakeConn
	gate    chan struct{}
	waiting chan struct{}
}

func (g *gatedConn) SendEnvelope(kind byte, fn func(*wire.Writer) error) error {
	select {
	case g.waiting <- struct{}{}:
	default:
	}
	<-g.gate
	return g.fakeConn.SendEnvelope(kind, fn)
}

func TestCatchUpDoesNotDegradeOnLiveCommits(t *testing.T) {
	registry := postRegistry()
	c := newChain(t, registry, 1, 1)
	appendPosts(t, c, registry, 5)
	conn := &gatedConn{fakeConn: newFakeConn(), gate: make(chan struct{}), waiting: make(chan struct{}, 1)}
	link := newLink(2, conn, map[uint32]*chain.Chain{7: c}, registry, nil, 2, nil)
	link.subscribed.Store(7, 1)

	next := map[uint32]uint64{7: 1}
	done := make(chan error, 1)
	go func() { done <- link.catchUp(context.Background(), 7, next) }()
	select {
	case <-conn.waiting:
	case <-time.After(waitFor):
		t.Fatal("catch up never sent")
	}

	appendPosts(t, c, registry, 5)
	for seq := uint64(6); seq <= 10; seq++ {
		block, err := c.Block(seq)
		require.NoError(t, err)
		link.offer(block)
	}
	assert.False(t, link.Degraded())

	close(conn.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("catch up did not finish")
	}
	assert.Equal(t, uint64(11), next[7])
	for seq := uint64(1); seq <= 10; seq++ {
		env := <-conn.sent
		block, err := chain.ParseBlock(env.Payload)
		require.NoError(t, err)
		assert.Equal(t, seq, block.Sequence)
	}
}

func TestAckCursorNeverMovesBack(t *testing.T) {
	registry := postRegistry()
	c := newChain(t, registry, 1, 1)
	cursors, err := OpenCursorStore("")
	require.NoError(t, err)
	defer cursors.Close()
	link := newLink(2, newFakeConn(), map[uint32]*chain.Chain{7: c}, registry, cursors, 4, nil)

	link.acknowledge(Ack{Chain: 7, Sequence: 5})
	link.acknowledge(Ack{Chain: 7, Sequence: 3})
	assert.Equal(t, uint64(5), link.Acked(7))
	stored, err := cursors.Load(2, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stored)

	moved, err := cursors.Advance(2, 7, 4)
	require.NoError(t, err)
	assert.False(t, moved)

	reopened := newLink(2, newFakeConn(), map[uint32]*chain.Chain{7: c}, registry, cursors, 4, nil)
	assert.Equal(t, uint64(5), reopened.Acked(7))
}

func TestParseSubscribeRejectsBogusCount(t *testing.T) {
	payload, err := wire.Default.Encode(func(w *wire.Writer) error {
		w.PutUvarint(1 << 40)
		return nil
	})
	require.NoError(t, err)
	_, err = ParseSubscribe(payload)
	assert.ErrorIs(t, err, wire.ErrCorrupt)

	payload, err = wire.Default.Encode(Subscribe{
		Cursors:     []Cursor{{Chain: 7, After: 12}},
		Definitions: []Fingerprint{{Definition: 3, Value: 99}},
	}.Encode)
	require.NoError(t, err)
	subscribe, err := ParseSubscribe(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), subscribe.Cursors[0].After)
	assert.Equal(t, uint64(99), subscribe.Definitions[0].Value)
}
