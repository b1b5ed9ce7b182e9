package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/freehandle/ledger/util"
)

const DefaultSubscriberQueue = 256

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Events published per definition.",
	}, []string{"definition"})

	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "notify",
		Name:      "subscribers",
		Help:      "Connected push subscribers.",
	})

	slowSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "notify",
		Name:      "slow_subscribers_total",
		Help:      "Subscribers dropped because their queue overflowed.",
	})
)

// Collectors returns the notification metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{eventsPublished, subscribers, slowSubscribers}
}

// Subscriber receives the events matching any of its filters, in publication
// order. A subscriber without filters receives nothing.
type Subscriber struct {
	ID      uuid.UUID
	hub     *Hub
	mu      sync.RWMutex
	filters []Filter
	queue   *util.Queue[Event]
}

func (s *Subscriber) AddFilter(filter Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.filters {
		if existing == filter {
			return
		}
	}
	s.filters = append(s.filters, filter)
}

func (s *Subscriber) RemoveFilter(filter Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n, existing := range s.filters {
		if existing == filter {
			s.filters = append(s.filters[:n], s.filters[n+1:]...)
			return
		}
	}
}

func (s *Subscriber) matches(event Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, filter := range s.filters {
		if filter.Match(event) {
			return true
		}
	}
	return false
}

// Next waits for the next event. ok is false once the subscriber is closed.
func (s *Subscriber) Next(ctx context.Context) (Event, bool) {
	return s.queue.Pop(ctx)
}

// Done is closed when the subscriber is closed, by Close or for being slow.
func (s *Subscriber) Done() <-chan struct{} {
	return s.queue.Done()
}

func (s *Subscriber) Close() {
	s.hub.remove(s.ID)
}

// Hub fans events out to subscribers. Its Publish method is a Handler.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscriber
	closed      bool
	queueSize   int
	logger      *zap.Logger
}

func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultSubscriberQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[uuid.UUID]*Subscriber),
		queueSize:   queueSize,
		logger:      logger,
	}
}

// Subscribe registers a new subscriber with the given filters. On a closed hub
// the subscriber is returned already closed.
func (h *Hub) Subscribe(filters ...Filter) *Subscriber {
	subscriber := &Subscriber{
		ID:    uuid.New(),
		hub:   h,
		queue: util.NewQueue[Event](h.queueSize),
	}
	for _, filter := range filters {
		subscriber.AddFilter(filter)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		subscriber.queue.Close()
		return subscriber
	}
	h.subscribers[subscriber.ID] = subscriber
	subscribers.Inc()
	return subscriber
}

// Close drops every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	dropped := h.subscribers
	h.subscribers = make(map[uuid.UUID]*Subscriber)
	h.mu.Unlock()
	for _, subscriber := range dropped {
		subscriber.queue.Close()
		subscribers.Dec()
	}
}

func (h *Hub) remove(id uuid.UUID) {
	h.mu.Lock()
	subscriber, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()
	if ok {
		subscriber.queue.Close()
		subscribers.Dec()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish enqueues event for every matching subscriber without blocking. A
// subscriber whose queue is full is closed.
func (h *Hub) Publish(event Event) {
	slow := make([]uuid.UUID, 0)
	h.mu.RLock()
	for id, subscriber := range h.subscribers {
		if !subscriber.matches(event) {
			continue
		}
		if !subscriber.queue.TryPush(event) {
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range slow {
		h.logger.Warn("dropping slow subscriber", zap.Stringer("subscriber", id))
		slowSubscribers.Inc()
		h.remove(id)
	}
}
