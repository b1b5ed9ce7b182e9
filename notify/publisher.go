package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/freehandle/ledger/chain"
	"github.com/freehandle/ledger/schema"
)

// Handler receives events on the chain writer goroutine. It must not block.
type Handler func(Event)

// Publisher converts commits of the chains it is attached to into events and
// hands them to its handlers in registration order.
type Publisher struct {
	registry *schema.Registry
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers []Handler
}

func NewPublisher(registry *schema.Registry, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{registry: registry, logger: logger}
}

func (p *Publisher) Handle(h Handler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// Attach publishes every commit of c, local and replicated.
func (p *Publisher) Attach(c *chain.Chain) {
	c.OnCommit(p.commit)
}

func (p *Publisher) commit(block *chain.Block, origin uint32) {
	definition, err := p.registry.Resolve(block.Definition)
	if err != nil {
		p.logger.Warn("commit of unknown definition", zap.Uint32("definition", block.Definition), zap.Uint32("chain", block.Chain))
		return
	}
	p.Publish(Event{
		Type:       EventType(definition.Name, block.Op, block.Chain),
		Definition: definition.Name,
		Op:         block.Op,
		Chain:      block.Chain,
		Entity:     block.Entity,
		Sequence:   block.Sequence,
		Origin:     origin,
		Payload:    block.Payload,
	})
}

// Publish runs every handler with event.
func (p *Publisher) Publish(event Event) {
	p.mu.RLock()
	handlers := p.handlers
	p.mu.RUnlock()
	eventsPublished.WithLabelValues(event.Definition).Inc()
	for _, handler := range handlers {
		handler(event)
	}
}
