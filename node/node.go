// Package node assembles a ledger server from its configuration: chains and
// their storage, the replication manager, the notification layer and the
// HTTP endpoints for push and metrics.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/freehandle/ledger/chain"
	"github.com/freehandle/ledger/config"
	"github.com/freehandle/ledger/crypto"
	"github.com/freehandle/ledger/notify"
	"github.com/freehandle/ledger/replication"
	"github.com/freehandle/ledger/schema"
	"github.com/freehandle/ledger/service"
	"github.com/freehandle/ledger/socket"
)

const (
	EventsPath  = "/events"
	MetricsPath = "/metrics"

	shutdownTimeout = 5 * time.Second
)

type Node struct {
	cfg      config.NodeConfig
	identity socket.Identity
	registry *schema.Registry
	chains   map[uint32]*chain.Chain
	ordered  []*chain.Chain
	cursors  *replication.CursorStore
	hub      *notify.Hub
	push     *notify.Server
	manager  *replication.Manager
	metrics  *prometheus.Registry
	logger   *zap.Logger

	mu        sync.Mutex
	addresses map[string]net.Addr
	servers   []*http.Server
	stopping  bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the storage of every configured chain and prepares the network
// components. Nothing listens until Start.
func New(cfg config.NodeConfig, key crypto.PrivateKey, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		identity:  socket.Identity{Server: cfg.Server, Key: key},
		registry:  registry,
		chains:    make(map[uint32]*chain.Chain),
		metrics:   prometheus.NewRegistry(),
		logger:    logger.With(zap.Uint32("server", cfg.Server)),
		addresses: make(map[string]net.Addr),
	}
	if err := n.openChains(); err != nil {
		n.Close()
		return nil, err
	}
	cursorPath := ""
	if cfg.DataPath != "" {
		cursorPath = filepath.Join(cfg.DataPath, "cursors")
	}
	if n.cursors, err = replication.OpenCursorStore(cursorPath); err != nil {
		n.Close()
		return nil, err
	}

	publisher := notify.NewPublisher(registry, n.logger)
	n.hub = notify.NewHub(cfg.SubscriberQueue, n.logger)
	publisher.Handle(n.hub.Publish)
	for _, c := range n.ordered {
		publisher.Attach(c)
	}
	n.push = notify.NewServer(n.hub, nil, n.logger)

	minBackoff, maxBackoff := cfg.Backoff()
	n.manager, err = replication.NewManager(replication.Config{
		Identity:   n.identity,
		Listen:     cfg.ReplicationAddress,
		Peers:      cfg.ReplicationPeers(),
		Registry:   registry,
		Chains:     n.ordered,
		Cursors:    n.cursors,
		QueueSize:  cfg.PeerQueue,
		MinBackoff: minBackoff,
		MaxBackoff: maxBackoff,
		Logger:     n.logger,
	})
	if err != nil {
		n.Close()
		return nil, err
	}

	n.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, group := range [][]prometheus.Collector{chain.Collectors(), socket.Collectors(), replication.Collectors(), notify.Collectors()} {
		n.metrics.MustRegister(group...)
	}
	return n, nil
}

func (n *Node) openChains() error {
	for _, cc := range n.cfg.Chains {
		var storage chain.Storage
		if n.cfg.DataPath == "" {
			storage = chain.NewMemoryStore(n.cfg.Segment())
		} else {
			path := filepath.Join(n.cfg.DataPath, "chains", strconv.FormatUint(uint64(cc.ID), 10))
			store, err := chain.OpenSegmentStore(path, n.cfg.Segment())
			if err != nil {
				return err
			}
			storage = store
		}
		c, err := chain.Open(chain.Config{
			ID:        cc.ID,
			Name:      cc.Name,
			Writer:    cc.Writer,
			Server:    n.cfg.Server,
			Registry:  n.registry,
			Storage:   storage,
			CacheSize: n.cfg.CacheSize,
			Logger:    n.logger,
		})
		if err != nil {
			storage.Close()
			return err
		}
		n.chains[cc.ID] = c
		n.ordered = append(n.ordered, c)
	}
	return nil
}

// Start waits for every chain to finish replay, then starts replication and
// the HTTP endpoints. Everything stops when ctx is done; Wait returns after
// that, once the node is closed.
func (n *Node) Start(ctx context.Context) error {
	for _, c := range n.ordered {
		if err := c.WaitReady(ctx); err != nil {
			return errors.Wrapf(err, "chain %d could not be replayed", c.ID())
		}
	}
	if err := n.manager.Start(ctx); err != nil {
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-ctx.Done()
		n.shutdown()
	}()
	if n.cfg.PushAddress != "" {
		mux := http.NewServeMux()
		mux.Handle(EventsPath, n.push)
		if err := n.serve(ctx, "push", n.cfg.PushAddress, mux); err != nil {
			return err
		}
	}
	if n.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle(MetricsPath, promhttp.HandlerFor(n.metrics, promhttp.HandlerOpts{Registry: n.metrics}))
		if err := n.serve(ctx, "metrics", n.cfg.MetricsAddress, mux); err != nil {
			return err
		}
	}
	n.logger.Info("node started", zap.Int("chains", len(n.ordered)), zap.Stringer("replication", addrStringer{n.manager.Addr()}))
	return nil
}

func (n *Node) serve(ctx context.Context, name, address string, handler http.Handler) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s for %s", address, name)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		listener.Close()
		return ctx.Err()
	}
	n.addresses[name] = listener.Addr()
	n.servers = append(n.servers, server)
	n.mu.Unlock()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("http server stopped", zap.String("name", name), zap.Error(err))
		}
	}()
	return nil
}

func (n *Node) shutdown() {
	n.mu.Lock()
	n.stopping = true
	servers := n.servers
	n.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			n.logger.Warn("http server shutdown", zap.Error(err))
		}
	}
	n.hub.Close()
	n.manager.Wait()
}

// Wait blocks until the node stopped and then releases its storage.
func (n *Node) Wait() {
	n.wg.Wait()
	n.push.Wait()
	n.Close()
}

// Close releases chains and cursors. It does not stop network components,
// cancel the context given to Start for that.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		for _, c := range n.ordered {
			if err := c.Close(); err != nil {
				n.logger.Warn("could not close chain", zap.Uint32("chain", c.ID()), zap.Error(err))
			}
		}
		if n.cursors != nil {
			if err := n.cursors.Close(); err != nil {
				n.logger.Warn("could not close cursor store", zap.Error(err))
			}
		}
	})
}

func (n *Node) Registry() *schema.Registry {
	return n.registry
}

func (n *Node) Chain(id uint32) (*chain.Chain, bool) {
	c, ok := n.chains[id]
	return c, ok
}

func (n *Node) Hub() *notify.Hub {
	return n.hub
}

func (n *Node) Replication() *replication.Manager {
	return n.manager
}

// Addr returns the bound address of "replication", "push" or "metrics".
func (n *Node) Addr(name string) net.Addr {
	if name == "replication" {
		return n.manager.Addr()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addresses[name]
}

// Service returns the value service of definition on chain.
func (n *Node) Service(chainID uint32, definition string) (*service.Service[schema.Values], error) {
	c, ok := n.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("unknown chain %d", chainID)
	}
	def, err := n.registry.Lookup(definition)
	if err != nil {
		return nil, err
	}
	return service.New(c, def, service.Values())
}

// ChainStatus summarizes one chain and what each peer acknowledged of it.
type ChainStatus struct {
	ID       uint32
	Name     string
	Writer   uint32
	State    chain.State
	Last     uint64
	Entities int
	Acked    map[uint32]uint64
}

// Status reports every chain ordered by id. Acknowledgements come from the
// cursor store, so they survive restarts.
func (n *Node) Status() []ChainStatus {
	status := make([]ChainStatus, 0, len(n.ordered))
	for _, c := range n.ordered {
		entry := ChainStatus{
			ID:       c.ID(),
			Name:     c.Name(),
			Writer:   c.Writer(),
			State:    c.State(),
			Last:     c.Last(),
			Entities: c.Count(),
			Acked:    make(map[uint32]uint64),
		}
		for _, peer := range n.cfg.Peers {
			acked, err := n.cursors.Load(peer.Server, c.ID())
			if err != nil {
				n.logger.Warn("could not load cursor", zap.Uint32("peer", peer.Server), zap.Error(err))
				continue
			}
			entry.Acked[peer.Server] = acked
		}
		status = append(status, entry)
	}
	sort.Slice(status, func(i, j int) bool { return status[i].ID < status[j].ID })
	return status
}

type addrStringer struct{ addr net.Addr }

func (a addrStringer) String() string {
	if a.addr == nil {
		return "disabled"
	}
	return a.addr.String()
}
