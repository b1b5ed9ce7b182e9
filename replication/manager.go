package replication

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/freehandle/ledger/chain"
	"github.com/freehandle/ledger/crypto"
	"github.com/freehandle/ledger/schema"
	"github.com/freehandle/ledger/socket"
)

const DefaultQueueSize = 1024

// Peer is a trusted server. Peers with a higher server id than the local one
// are dialed; the others are expected to dial in.
type Peer struct {
	Server  uint32
	Address string
	Token   crypto.Token
}

type Config struct {
	Identity   socket.Identity
	Listen     string
	Peers      []Peer
	Registry   *schema.Registry
	Chains     []*chain.Chain
	Cursors    *CursorStore
	QueueSize  int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Socket     socket.Options
	Logger     *zap.Logger
}

// LinkStatus is a snapshot of the replication with one peer.
type LinkStatus struct {
	Remote   uint32
	State    LinkState
	Degraded bool
	Acked    map[uint32]uint64
	Halted   error
}

// Manager keeps one link per peer: it accepts and dials connections, fans
// committed blocks out to the links and halts peers after authentication or
// schema failures.
type Manager struct {
	cfg      Config
	chains   map[uint32]*chain.Chain
	trust    *socket.TrustStore
	links    *xsync.MapOf[uint32, *Link]
	dialing  *xsync.MapOf[uint32, LinkState]
	halted   *xsync.MapOf[uint32, error]
	listener *socket.Listener
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("replication: registry is required")
	}
	if cfg.Identity.Server == 0 {
		return nil, errors.New("replication: server id is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Socket.Guard == nil {
		cfg.Socket.Guard = socket.NewNonceGuard(10 * time.Minute)
	}
	m := &Manager{
		cfg:     cfg,
		chains:  make(map[uint32]*chain.Chain),
		trust:   socket.NewTrustStore(),
		links:   xsync.NewMapOf[uint32, *Link](),
		dialing: xsync.NewMapOf[uint32, LinkState](),
		halted:  xsync.NewMapOf[uint32, error](),
		logger:  cfg.Logger.With(zap.Uint32("server", cfg.Identity.Server)),
	}
	for _, c := range cfg.Chains {
		if _, ok := m.chains[c.ID()]; ok {
			return nil, fmt.Errorf("replication: chain %d given twice", c.ID())
		}
		m.chains[c.ID()] = c
	}
	for _, peer := range cfg.Peers {
		if peer.Server == cfg.Identity.Server {
			return nil, fmt.Errorf("replication: peer %d has the local server id", peer.Server)
		}
		m.trust.Add(peer.Server, peer.Token)
	}
	for _, c := range m.chains {
		c.OnCommit(m.broadcast)
	}
	return m, nil
}

// broadcast hands a committed block to every link but the one it came from.
func (m *Manager) broadcast(block *chain.Block, origin uint32) {
	m.links.Range(func(server uint32, link *Link) bool {
		if server != origin {
			link.offer(block)
		}
		return true
	})
}

// Start binds the listener and starts dialing peers. Everything runs until ctx
// is done; Wait returns once every goroutine is gone.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.Listen != "" {
		listener, err := socket.Listen(m.cfg.Listen, m.cfg.Identity, m.trust, m.cfg.Socket, m.logger)
		if err != nil {
			return errors.Wrapf(err, "could not listen on %s", m.cfg.Listen)
		}
		m.listener = listener
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := listener.Serve(ctx, func(conn *socket.SignedConnection) { m.accept(ctx, conn) }); err != nil {
				m.logger.Error("replication listener stopped", zap.Error(err))
			}
		}()
	}
	for _, peer := range m.cfg.Peers {
		if peer.Address == "" || peer.Server < m.cfg.Identity.Server {
			continue
		}
		m.wg.Add(1)
		go func(peer Peer) {
			defer m.wg.Done()
			m.keepConnecting(ctx, peer)
		}(peer)
	}
	return nil
}

// Addr is the address the listener is bound to, nil without listener.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) accept(ctx context.Context, conn *socket.SignedConnection) {
	if reason, halted := m.halted.Load(conn.Server); halted {
		m.logger.Warn("refusing halted peer", zap.Uint32("peer", conn.Server), zap.Error(reason))
		conn.Close()
		return
	}
	_, err := m.runLink(ctx, conn)
	m.afterLink(conn.Server, err)
}

func (m *Manager) runLink(ctx context.Context, conn *socket.SignedConnection) (*Link, error) {
	link := newLink(conn.Server, conn, m.chains, m.cfg.Registry, m.cfg.Cursors, m.cfg.QueueSize, m.logger)
	if old, loaded := m.links.LoadAndStore(conn.Server, link); loaded {
		old.close(ErrReplaced)
	}
	defer m.links.Compute(conn.Server, func(current *Link, loaded bool) (*Link, bool) {
		return current, !loaded || current == link
	})
	err := link.run(ctx)
	return link, err
}

func (m *Manager) afterLink(server uint32, err error) {
	switch {
	case errors.Is(err, ErrSchemaMismatch):
		m.halt(server, "schema", err)
	case errors.Is(err, ErrReplaced), errors.Is(err, context.Canceled):
		m.logger.Debug("link closed", zap.Uint32("peer", server), zap.Error(err))
	default:
		m.logger.Info("link closed", zap.Uint32("peer", server), zap.Error(err))
	}
}

// halt stops replication with server until the process restarts.
func (m *Manager) halt(server uint32, kind string, err error) {
	m.halted.Store(server, err)
	linkFailures.WithLabelValues(strconv.FormatUint(uint64(server), 10), kind).Inc()
	m.logger.Error("replication halted", zap.Uint32("peer", server), zap.String("kind", kind), zap.Error(err))
}

// Halted returns why replication with server was halted, nil if it was not.
func (m *Manager) Halted(server uint32) error {
	err, _ := m.halted.Load(server)
	return err
}

func (m *Manager) keepConnecting(ctx context.Context, peer Peer) {
	retry := newBackoff(m.cfg.MinBackoff, m.cfg.MaxBackoff)
	defer m.dialing.Delete(peer.Server)
	for ctx.Err() == nil {
		if _, halted := m.halted.Load(peer.Server); halted {
			return
		}
		m.dialing.Store(peer.Server, HandshakeSent)
		conn, err := socket.Dial(ctx, peer.Address, m.cfg.Identity, peer.Server, peer.Token, m.cfg.Socket)
		if err != nil {
			if errors.Is(err, socket.ErrAuthentication) {
				m.halt(peer.Server, "authentication", err)
				return
			}
			m.logger.Warn("could not connect to peer", zap.Uint32("peer", peer.Server), zap.String("address", peer.Address), zap.Error(err))
		} else {
			m.dialing.Delete(peer.Server)
			link, err := m.runLink(ctx, conn)
			m.afterLink(peer.Server, err)
			if link.streamed.Load() {
				retry.Reset()
			}
		}
		m.dialing.Store(peer.Server, Connecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.Next()):
		}
	}
}

// Link returns the live link with server.
func (m *Manager) Link(server uint32) (*Link, bool) {
	return m.links.Load(server)
}

// Status returns one entry per configured peer, ordered by server id.
func (m *Manager) Status() []LinkStatus {
	status := make([]LinkStatus, 0, len(m.cfg.Peers))
	for _, peer := range m.cfg.Peers {
		entry := LinkStatus{Remote: peer.Server, State: Closed, Halted: m.Halted(peer.Server)}
		if link, ok := m.links.Load(peer.Server); ok {
			entry.State = link.State()
			entry.Degraded = link.Degraded()
			entry.Acked = link.Cursors()
		} else if state, ok := m.dialing.Load(peer.Server); ok {
			entry.State = state
		}
		status = append(status, entry)
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Remote < status[j].Remote })
	return status
}
