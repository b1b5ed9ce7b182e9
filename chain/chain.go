// Package chain implements the append only block ledger. Each chain has a
// single writer goroutine that assigns sequences and applies replicated
// blocks in arrival order; readers run concurrently and only ever observe
// complete blocks.
package chain

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/freehandle/ledger/schema"
)

type State int32

const (
	Replaying State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Replaying:
		return "replaying"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// LocalOrigin is the origin handed to commit handlers for blocks appended by
// this process. Replicated blocks carry the id of the peer that delivered
// them.
const LocalOrigin uint32 = 0

// CommitHandler is called on the writer goroutine after a block is durable.
// Handlers must not block and must not call back into the chain writer.
type CommitHandler func(block *Block, origin uint32)

const (
	DefaultCacheSize = 1024
	DefaultQueueSize = 256
)

type Config struct {
	ID        uint32
	Name      string
	Writer    uint32 // server id of the designated writer
	Server    uint32 // server id of this process
	Registry  *schema.Registry
	Storage   Storage
	CacheSize int
	QueueSize int
	Logger    *zap.Logger
}

type request struct {
	ctx    context.Context
	block  *Block
	local  bool
	origin uint32
	result chan result
}

type result struct {
	block   *Block
	applied bool
	err     error
}

type Chain struct {
	id       uint32
	name     string
	label    string
	writer   uint32
	server   uint32
	registry *schema.Registry
	storage  Storage
	logger   *zap.Logger

	state     atomic.Int32
	maxEntity atomic.Uint64

	mu    sync.RWMutex
	last  uint64
	index map[uint64]uint64
	cache *lru.Cache[uint64, *Block]

	hmu      sync.RWMutex
	handlers []CommitHandler

	requests  chan *request
	ready     chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	failure   error
	closeOnce sync.Once
}

// Open creates the chain and starts its writer goroutine. The stored blocks
// are replayed in the background; requests made before the chain is ready are
// queued and served once replay finishes.
func Open(cfg Config) (*Chain, error) {
	if cfg.Registry == nil {
		return nil, errors.New("chain: registry is required")
	}
	if cfg.Writer == 0 {
		return nil, fmt.Errorf("chain %d: writer server id is required", cfg.ID)
	}
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStore(0)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = strconv.FormatUint(uint64(cfg.ID), 10)
	}
	cache, err := lru.New[uint64, *Block](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "chain: could not create block cache")
	}
	c := &Chain{
		id:       cfg.ID,
		name:     cfg.Name,
		label:    strconv.FormatUint(uint64(cfg.ID), 10),
		writer:   cfg.Writer,
		server:   cfg.Server,
		registry: cfg.Registry,
		storage:  cfg.Storage,
		logger:   cfg.Logger.With(zap.Uint32("chain", cfg.ID), zap.String("name", cfg.Name)),
		index:    make(map[uint64]uint64),
		cache:    cache,
		requests: make(chan *request, cfg.QueueSize),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	c.state.Store(int32(Replaying))
	go c.run()
	return c, nil
}

func (c *Chain) ID() uint32 {
	return c.id
}

func (c *Chain) Name() string {
	return c.name
}

// Writer is the server id allowed to append to the chain.
func (c *Chain) Writer() uint32 {
	return c.writer
}

// IsWriter reports whether this process appends to the chain.
func (c *Chain) IsWriter() bool {
	return c.server == c.writer
}

func (c *Chain) State() State {
	return State(c.state.Load())
}

// Last is the last committed sequence, zero for an empty chain.
func (c *Chain) Last() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// OnCommit registers h. Handlers run in registration order.
func (c *Chain) OnCommit(h CommitHandler) {
	c.hmu.Lock()
	c.handlers = append(c.handlers, h)
	c.hmu.Unlock()
}

// WaitReady blocks until the stored blocks are replayed.
func (c *Chain) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.failure
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chain) run() {
	defer close(c.stopped)
	if err := c.rebuild(); err != nil {
		c.failure = err
		c.logger.Error("chain replay failed", zap.Error(err))
		close(c.ready)
		for {
			select {
			case <-c.done:
				return
			case req := <-c.requests:
				req.result <- result{err: err}
			}
		}
	}
	c.state.Store(int32(Ready))
	close(c.ready)
	c.logger.Info("chain ready", zap.Uint64("last", c.Last()), zap.Int("entities", c.Count()))
	for {
		select {
		case <-c.done:
			return
		case req := <-c.requests:
			if err := req.ctx.Err(); err != nil {
				req.result <- result{err: err}
				continue
			}
			if req.local {
				req.result <- c.appendLocal(req.block)
			} else {
				req.result <- c.applyReplicated(req.block, req.origin)
			}
		}
	}
}

// rebuild replays storage into the index.
func (c *Chain) rebuild() error {
	count := c.storage.Len()
	index := make(map[uint64]uint64)
	var maxEntity uint64
	for n := 0; n < count; n++ {
		if n%4096 == 0 {
			select {
			case <-c.done:
				return ErrClosed
			default:
			}
		}
		data, err := c.storage.Get(n)
		if err != nil {
			return errors.Wrapf(err, "chain %d: read record %d", c.id, n)
		}
		block, err := ParseBlock(data)
		if err != nil {
			return errors.Wrapf(err, "chain %d: parse record %d", c.id, n)
		}
		if block.Chain != c.id {
			return fmt.Errorf("chain %d: record %d belongs to chain %d", c.id, n, block.Chain)
		}
		if block.Sequence != uint64(n+1) {
			return fmt.Errorf("chain %d: record %d has sequence %d", c.id, n, block.Sequence)
		}
		index[block.Entity] = block.Sequence
		if block.Entity > maxEntity {
			maxEntity = block.Entity
		}
	}
	c.mu.Lock()
	c.index = index
	c.last = uint64(count)
	c.mu.Unlock()
	c.maxEntity.Store(maxEntity)
	lastSequence.WithLabelValues(c.label).Set(float64(count))
	return nil
}

func (c *Chain) submit(ctx context.Context, req *request) result {
	req.ctx = ctx
	req.result = make(chan result, 1)
	select {
	case c.requests <- req:
	case <-c.done:
		return result{err: ErrClosed}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	select {
	case res := <-req.result:
		return res
	case <-c.done:
		return result{err: ErrClosed}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

// Append commits a new version of entity. Only the chain writer may append.
// A cancelled context may still see its block committed if the writer had
// already picked the request.
func (c *Chain) Append(ctx context.Context, entity uint64, definition uint32, payload []byte) (*Block, error) {
	if !c.IsWriter() {
		return nil, ErrNotWriter
	}
	def, err := c.registry.Resolve(definition)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	res := c.submit(ctx, &request{
		block: &Block{Definition: definition, Entity: entity, Op: OpPut, Payload: append([]byte{}, payload...)},
		local: true,
	})
	return res.block, res.err
}

// Delete commits a tombstone for entity.
func (c *Chain) Delete(ctx context.Context, entity uint64, definition uint32) (*Block, error) {
	if !c.IsWriter() {
		return nil, ErrNotWriter
	}
	if _, err := c.registry.Resolve(definition); err != nil {
		return nil, err
	}
	res := c.submit(ctx, &request{
		block: &Block{Definition: definition, Entity: entity, Op: OpDelete},
		local: true,
	})
	return res.block, res.err
}

// AcceptReplicated applies a block produced by the chain writer and delivered
// by peer origin. A block already applied is ignored and reported as not
// applied. A block beyond the next expected sequence fails with a *GapError.
func (c *Chain) AcceptReplicated(ctx context.Context, block *Block, origin uint32) (bool, error) {
	if block == nil {
		return false, errors.New("chain: nil block")
	}
	if block.Chain != c.id {
		return false, fmt.Errorf("%w: %d", ErrWrongChain, block.Chain)
	}
	if c.IsWriter() {
		return false, ErrNotReplica
	}
	if block.Writer != c.writer {
		return false, fmt.Errorf("%w: %d", ErrForeignWriter, block.Writer)
	}
	def, err := c.registry.Resolve(block.Definition)
	if err != nil {
		return false, err
	}
	switch block.Op {
	case OpPut:
		if err := def.Validate(block.Payload); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	case OpDelete:
		if len(block.Payload) != 0 {
			return false, fmt.Errorf("%w: tombstone with payload", ErrInvalidPayload)
		}
	default:
		return false, fmt.Errorf("%w: %v", ErrInvalidPayload, block.Op)
	}
	res := c.submit(ctx, &request{block: block, origin: origin})
	return res.applied, res.err
}

func (c *Chain) appendLocal(block *Block) result {
	block.Chain = c.id
	block.Writer = c.server
	block.Sequence = c.last + 1
	if err := c.commit(block, LocalOrigin); err != nil {
		return result{err: err}
	}
	return result{block: block, applied: true}
}

func (c *Chain) applyReplicated(block *Block, origin uint32) result {
	c.mu.RLock()
	last := c.last
	c.mu.RUnlock()
	if block.Sequence <= last {
		return result{}
	}
	if block.Sequence != last+1 {
		sequenceGaps.WithLabelValues(c.label).Inc()
		c.logger.Warn("replicated block out of order",
			zap.Uint32("origin", origin),
			zap.Uint64("expected", last+1),
			zap.Uint64("got", block.Sequence))
		return result{err: &GapError{Chain: c.id, Expected: last + 1, Got: block.Sequence}}
	}
	if err := c.commit(block, origin); err != nil {
		return result{err: err}
	}
	return result{block: block, applied: true}
}

// commit runs on the writer goroutine only.
func (c *Chain) commit(block *Block, origin uint32) error {
	data, err := block.Serialize()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if err := c.storage.Append(data); err != nil {
		c.mu.Unlock()
		return errors.Wrapf(err, "chain %d: store block %d", c.id, block.Sequence)
	}
	c.last = block.Sequence
	c.index[block.Entity] = block.Sequence
	c.mu.Unlock()
	c.cache.Add(block.Sequence, block)
	for {
		current := c.maxEntity.Load()
		if block.Entity <= current || c.maxEntity.CompareAndSwap(current, block.Entity) {
			break
		}
	}
	originLabel := "local"
	if origin != LocalOrigin {
		originLabel = "replicated"
	}
	blocksCommitted.WithLabelValues(c.label, originLabel).Inc()
	lastSequence.WithLabelValues(c.label).Set(float64(block.Sequence))

	c.hmu.RLock()
	handlers := c.handlers
	c.hmu.RUnlock()
	for _, handler := range handlers {
		handler(block, origin)
	}
	return nil
}

// Block returns the block with sequence seq.
func (c *Chain) Block(seq uint64) (*Block, error) {
	if block, ok := c.cache.Get(seq); ok {
		return block, nil
	}
	c.mu.RLock()
	if seq == 0 || seq > c.last {
		last := c.last
		c.mu.RUnlock()
		return nil, fmt.Errorf("chain %d: no block %d, last is %d", c.id, seq, last)
	}
	data, err := c.storage.Get(int(seq - 1))
	c.mu.RUnlock()
	if err != nil {
		return nil, errors.Wrapf(err, "chain %d: read block %d", c.id, seq)
	}
	block, err := ParseBlock(data)
	if err != nil {
		return nil, errors.Wrapf(err, "chain %d: parse block %d", c.id, seq)
	}
	c.cache.Add(seq, block)
	return block, nil
}

// Current returns the latest block of entity, tombstones included, or nil
// when the entity was never written.
func (c *Chain) Current(ctx context.Context, entity uint64) (*Block, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	seq, ok := c.index[entity]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return c.Block(seq)
}

// Entities returns the indexed entity ids in ascending order.
func (c *Chain) Entities(ctx context.Context) ([]uint64, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	entities := make([]uint64, 0, len(c.index))
	for entity := range c.index {
		entities = append(entities, entity)
	}
	c.mu.RUnlock()
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })
	return entities, nil
}

// Count is the number of indexed entities.
func (c *Chain) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// NextEntity reserves an entity id above every id the chain has seen.
func (c *Chain) NextEntity(ctx context.Context) (uint64, error) {
	if !c.IsWriter() {
		return 0, ErrNotWriter
	}
	if err := c.WaitReady(ctx); err != nil {
		return 0, err
	}
	return c.maxEntity.Add(1), nil
}

// Replay yields the blocks with sequence from and above, in order. The upper
// bound is the last sequence when iteration starts; blocks committed later
// are not yielded. A zero from starts at the first block.
func (c *Chain) Replay(from uint64) iter.Seq2[*Block, error] {
	return func(yield func(*Block, error) bool) {
		select {
		case <-c.ready:
		case <-c.done:
			yield(nil, ErrClosed)
			return
		}
		if c.failure != nil {
			yield(nil, c.failure)
			return
		}
		last := c.Last()
		start := max(from, 1)
		for seq := start; seq <= last; seq++ {
			block, err := c.Block(seq)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(block, nil) {
				return
			}
		}
	}
}

// Close stops the writer goroutine and closes the storage. Pending requests
// fail with ErrClosed.
func (c *Chain) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.stopped
		c.state.Store(int32(Closed))
		c.mu.Lock()
		err = c.storage.Close()
		c.mu.Unlock()
	})
	return err
}
