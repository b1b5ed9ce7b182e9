// Package replication streams chain blocks between ledger servers over
// signed connections. Each link subscribes to the chains the remote can
// serve, replays what is missing from the local cursor and then follows live
// commits. Blocks are only ever applied through the chain writer, so a link
// never has to resolve conflicts.
package replication

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/freehandle/ledger/chain"
	"github.com/freehandle/ledger/schema"
	"github.com/freehandle/ledger/util"
	"github.com/freehandle/ledger/wire"
)

type LinkState int32

const (
	Connecting LinkState = iota
	HandshakeSent
	Authenticated
	Streaming
	Closed
)

func (s LinkState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HandshakeSent:
		return "handshake-sent"
	case Authenticated:
		return "authenticated"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrSchemaMismatch = errors.New("replication: schema mismatch")
	ErrDegraded       = errors.New("replication: outgoing queue overflow")
	ErrReplaced       = errors.New("replication: link replaced by a newer connection")
	ErrProtocol       = errors.New("replication: protocol violation")
)

// Conn is the authenticated connection a link streams over.
type Conn interface {
	SendEnvelope(kind byte, fn func(*wire.Writer) error) error
	ReadEnvelope() (wire.Envelope, error)
	Close() error
}

// outgoing is either a live block or, with a nil block, a request to
// restart the stream of chain at from.
type outgoing struct {
	block *chain.Block
	chain uint32
	from  uint64
}

// Link is the replication session with one peer.
type Link struct {
	Remote   uint32
	conn     Conn
	chains   map[uint32]*chain.Chain
	registry *schema.Registry
	cursors  *CursorStore
	logger   *zap.Logger
	label    string

	state      atomic.Int32
	streamed   atomic.Bool
	degraded   atomic.Bool
	subscribed *xsync.MapOf[uint32, uint64]
	catchingUp *xsync.MapOf[uint32, struct{}]
	queue      *util.Queue[outgoing]

	mu       sync.Mutex
	acked    map[uint32]uint64
	closeErr error

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(remote uint32, conn Conn, chains map[uint32]*chain.Chain, registry *schema.Registry, cursors *CursorStore, queueSize int, logger *zap.Logger) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	link := &Link{
		Remote:     remote,
		conn:       conn,
		chains:     chains,
		registry:   registry,
		cursors:    cursors,
		logger:     logger.With(zap.Uint32("peer", remote)),
		label:      strconv.FormatUint(uint64(remote), 10),
		subscribed: xsync.NewMapOf[uint32, uint64](),
		catchingUp: xsync.NewMapOf[uint32, struct{}](),
		queue:      util.NewQueue[outgoing](queueSize),
		acked:      make(map[uint32]uint64),
		done:       make(chan struct{}),
	}
	if cursors != nil {
		for id := range chains {
			if acked, err := cursors.Load(remote, id); err == nil && acked > 0 {
				link.acked[id] = acked
			}
		}
	}
	return link
}

func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

// Degraded reports whether the link was closed for falling behind.
func (l *Link) Degraded() bool {
	return l.degraded.Load()
}

// Acked is the highest sequence of chain the remote acknowledged.
func (l *Link) Acked(chain uint32) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acked[chain]
}

// Cursors returns a copy of the acknowledged sequences per chain.
func (l *Link) Cursors() map[uint32]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	cursors := make(map[uint32]uint64, len(l.acked))
	for id, sequence := range l.acked {
		cursors[id] = sequence
	}
	return cursors
}

// Done is closed when the link is closed.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err is the reason the link was closed.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeErr
}

func (l *Link) close(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closeErr = err
		l.mu.Unlock()
		close(l.done)
		l.queue.Close()
		l.conn.Close()
	})
}

// offer enqueues a committed block for the remote. It runs inside chain
// commit handlers and never blocks: a full queue closes the link and the
// remote catches up from its cursor when it reconnects.
func (l *Link) offer(block *chain.Block) {
	if _, ok := l.subscribed.Load(block.Chain); !ok {
		return
	}
	if _, ok := l.catchingUp.Load(block.Chain); ok {
		// the sender reads it from storage
		return
	}
	select {
	case <-l.done:
		return
	default:
	}
	if l.queue.TryPush(outgoing{block: block}) {
		return
	}
	if l.degraded.CompareAndSwap(false, true) {
		degradedLinks.WithLabelValues(l.label).Inc()
		l.logger.Warn("peer degraded: outgoing queue overflow", zap.Int("queue", l.queue.Cap()))
		l.close(ErrDegraded)
	}
}

func (l *Link) localSubscribe() Subscribe {
	subscribe := Subscribe{Definitions: Fingerprints(l.registry)}
	for id, c := range l.chains {
		if !c.IsWriter() {
			subscribe.Cursors = append(subscribe.Cursors, Cursor{Chain: id, After: c.Last()})
		}
	}
	return subscribe
}

func (l *Link) checkDefinitions(remote []Fingerprint) (uint32, error) {
	for _, fingerprint := range remote {
		err := l.registry.Compatible(fingerprint.Definition, fingerprint.Value)
		if err == nil || errors.Is(err, schema.ErrUnknownDefinition) {
			continue
		}
		return fingerprint.Definition, err
	}
	return 0, nil
}

func (l *Link) sendSchemaError(definition uint32, reason error) {
	l.conn.SendEnvelope(wire.MsgSchemaError, SchemaError{Definition: definition, Reason: reason.Error()}.Encode)
}

// run exchanges subscriptions and streams until the link is closed. It
// returns the reason of the closure.
func (l *Link) run(ctx context.Context) error {
	l.state.Store(int32(Authenticated))
	defer l.state.Store(int32(Closed))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			l.close(ctx.Err())
		case <-l.done:
		}
	}()

	if err := l.conn.SendEnvelope(wire.MsgSubscribe, l.localSubscribe().Encode); err != nil {
		l.close(err)
		return l.Err()
	}
	env, err := l.conn.ReadEnvelope()
	if err != nil {
		l.close(err)
		return l.Err()
	}
	switch env.Kind {
	case wire.MsgSubscribe:
	case wire.MsgSchemaError:
		l.close(remoteSchemaError(env.Payload))
		return l.Err()
	default:
		l.close(fmt.Errorf("%w: expected subscribe, got kind %d", ErrProtocol, env.Kind))
		return l.Err()
	}
	remote, err := ParseSubscribe(env.Payload)
	if err != nil {
		l.close(err)
		return l.Err()
	}
	if definition, err := l.checkDefinitions(remote.Definitions); err != nil {
		l.sendSchemaError(definition, err)
		l.close(fmt.Errorf("%w: %v", ErrSchemaMismatch, err))
		return l.Err()
	}
	for _, cursor := range remote.Cursors {
		if _, ok := l.chains[cursor.Chain]; ok {
			l.subscribed.Store(cursor.Chain, cursor.After+1)
		}
	}

	l.state.Store(int32(Streaming))
	l.streamed.Store(true)
	activeLinks.Inc()
	defer activeLinks.Dec()
	l.logger.Info("link streaming", zap.Int("serving", l.subscribed.Size()))

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		if err := l.send(ctx); err != nil {
			l.close(err)
		}
	}()
	l.close(l.receive(ctx))
	<-sent
	return l.Err()
}

func remoteSchemaError(payload []byte) error {
	remote, err := ParseSchemaError(payload)
	if err != nil {
		return fmt.Errorf("%w: unreadable report from remote", ErrSchemaMismatch)
	}
	return fmt.Errorf("%w: remote rejected definition %d: %s", ErrSchemaMismatch, remote.Definition, remote.Reason)
}

// send is the cursor driven sender: it replays every subscribed chain from
// the remote cursor and then follows the live queue, going back to storage
// whenever the queue runs ahead of the cursor.
func (l *Link) send(ctx context.Context) error {
	next := make(map[uint32]uint64)
	l.subscribed.Range(func(id uint32, from uint64) bool {
		next[id] = from
		return true
	})
	for id := range next {
		if err := l.catchUp(ctx, id, next); err != nil {
			return err
		}
	}
	for {
		item, ok := l.queue.Pop(ctx)
		if !ok {
			return nil
		}
		if item.block == nil {
			if _, ok := l.chains[item.chain]; !ok {
				continue
			}
			l.subscribed.Store(item.chain, item.from)
			next[item.chain] = item.from
			if err := l.catchUp(ctx, item.chain, next); err != nil {
				return err
			}
			continue
		}
		block := item.block
		expected, ok := next[block.Chain]
		if !ok {
			continue
		}
		switch {
		case block.Sequence < expected:
		case block.Sequence > expected:
			if err := l.catchUp(ctx, block.Chain, next); err != nil {
				return err
			}
		default:
			if err := l.sendBlock(block); err != nil {
				return err
			}
			next[block.Chain] = block.Sequence + 1
		}
	}
}

// catchUp sends chain id from storage until the remote is level with the
// last committed block. Live blocks are not queued meanwhile; a final pass
// after queueing resumes covers commits that raced with the switch.
func (l *Link) catchUp(ctx context.Context, id uint32, next map[uint32]uint64) error {
	l.catchingUp.Store(id, struct{}{})
	err := l.replay(ctx, id, next, true)
	l.catchingUp.Delete(id)
	if err != nil {
		return err
	}
	return l.replay(ctx, id, next, false)
}

func (l *Link) replay(ctx context.Context, id uint32, next map[uint32]uint64, drain bool) error {
	c := l.chains[id]
	for ctx.Err() == nil && next[id] <= c.Last() {
		for block, err := range c.Replay(next[id]) {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := l.sendBlock(block); err != nil {
				return err
			}
			next[id] = block.Sequence + 1
		}
		if !drain {
			return nil
		}
	}
	return nil
}

func (l *Link) sendBlock(block *chain.Block) error {
	if err := l.conn.SendEnvelope(wire.MsgBlock, block.Encode); err != nil {
		return errors.Wrapf(err, "send block %d of chain %d", block.Sequence, block.Chain)
	}
	blocksSent.WithLabelValues(l.label).Inc()
	return nil
}

func (l *Link) receive(ctx context.Context) error {
	pending := make(map[uint32]uint64)
	for {
		env, err := l.conn.ReadEnvelope()
		if err != nil {
			return err
		}
		switch env.Kind {
		case wire.MsgBlock:
			block, err := chain.ParseBlock(env.Payload)
			if err != nil {
				return err
			}
			if err := l.apply(ctx, block, pending); err != nil {
				return err
			}
		case wire.MsgAck:
			ack, err := ParseAck(env.Payload)
			if err != nil {
				return err
			}
			l.acknowledge(ack)
		case wire.MsgResync:
			resync, err := ParseResync(env.Payload)
			if err != nil {
				return err
			}
			l.logger.Info("resync requested", zap.Uint32("chain", resync.Chain), zap.Uint64("from", resync.From))
			if !l.queue.TryPush(outgoing{chain: resync.Chain, from: resync.From}) {
				if l.degraded.CompareAndSwap(false, true) {
					degradedLinks.WithLabelValues(l.label).Inc()
				}
				return ErrDegraded
			}
		case wire.MsgSchemaError:
			return remoteSchemaError(env.Payload)
		default:
			return fmt.Errorf("%w: unexpected kind %d", ErrProtocol, env.Kind)
		}
	}
}

func (l *Link) apply(ctx context.Context, block *chain.Block, pending map[uint32]uint64) error {
	c, ok := l.chains[block.Chain]
	if !ok {
		l.logger.Debug("block for unknown chain", zap.Uint32("chain", block.Chain))
		return nil
	}
	applied, err := c.AcceptReplicated(ctx, block, l.Remote)
	var gap *chain.GapError
	switch {
	case errors.As(err, &gap):
		blocksReceived.WithLabelValues(l.label, "gap").Inc()
		if pending[block.Chain] == gap.Expected {
			return nil
		}
		pending[block.Chain] = gap.Expected
		resyncs.WithLabelValues(l.label).Inc()
		return l.conn.SendEnvelope(wire.MsgResync, Resync{Chain: block.Chain, From: gap.Expected}.Encode)
	case errors.Is(err, schema.ErrUnknownDefinition), errors.Is(err, chain.ErrInvalidPayload):
		l.sendSchemaError(block.Definition, err)
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	case err != nil:
		return err
	}
	if applied {
		delete(pending, block.Chain)
		blocksReceived.WithLabelValues(l.label, "applied").Inc()
	} else {
		blocksReceived.WithLabelValues(l.label, "duplicate").Inc()
	}
	return l.conn.SendEnvelope(wire.MsgAck, Ack{Chain: block.Chain, Sequence: block.Sequence}.Encode)
}

// acknowledge moves the acked cursor forward only.
func (l *Link) acknowledge(ack Ack) {
	l.mu.Lock()
	if ack.Sequence <= l.acked[ack.Chain] {
		l.mu.Unlock()
		return
	}
	l.acked[ack.Chain] = ack.Sequence
	l.mu.Unlock()
	if l.cursors != nil {
		if _, err := l.cursors.Advance(l.Remote, ack.Chain, ack.Sequence); err != nil {
			l.logger.Warn("could not persist cursor", zap.Uint32("chain", ack.Chain), zap.Error(err))
		}
	}
}
