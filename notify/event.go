// Package notify turns chain commits into typed events and pushes them to
// real time clients. Events are published synchronously, in handler
// registration order, right after a block is durable; delivery to clients
// goes through per subscriber queues so a slow client never stalls a chain.
package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/freehandle/ledger/chain"
	"github.com/freehandle/ledger/wire"
)

// Event describes one committed block.
type Event struct {
	Type       string // <definition>.<op>:<chain>
	Definition string
	Op         chain.Op
	Chain      uint32
	Entity     uint64
	Sequence   uint64
	Origin     uint32
	Payload    []byte
}

// EventType formats the type string clients filter on without decoding the
// payload.
func EventType(definition string, op chain.Op, chainID uint32) string {
	return fmt.Sprintf("%s.%s:%d", definition, op, chainID)
}

// ParseEventType splits a type string built by EventType.
func ParseEventType(eventType string) (definition string, op string, chainID uint32, err error) {
	colon := strings.LastIndexByte(eventType, ':')
	if colon < 0 {
		return "", "", 0, fmt.Errorf("event type %q has no chain", eventType)
	}
	head, tail := eventType[:colon], eventType[colon+1:]
	dot := strings.LastIndexByte(head, '.')
	if dot <= 0 || dot == len(head)-1 {
		return "", "", 0, fmt.Errorf("event type %q has no operation", eventType)
	}
	id, err := strconv.ParseUint(tail, 10, 32)
	if err != nil {
		return "", "", 0, fmt.Errorf("event type %q has invalid chain: %w", eventType, err)
	}
	return head[:dot], head[dot+1:], uint32(id), nil
}

// Encode writes the push envelope payload.
func (e Event) Encode(w *wire.Writer) error {
	w.PutString(e.Type)
	w.PutUvarint(e.Entity)
	w.PutUvarint(e.Sequence)
	w.PutBytes(e.Payload)
	return nil
}

// ParseEvent decodes a push payload. Definition, op and chain are recovered
// from the type string.
func ParseEvent(payload []byte) (Event, error) {
	r := wire.NewReader(payload)
	event := Event{
		Type:     r.Text(),
		Entity:   r.Uvarint(),
		Sequence: r.Uvarint(),
	}
	if data := r.Bytes(); len(data) > 0 {
		event.Payload = append([]byte{}, data...)
	}
	if err := r.Done(); err != nil {
		return Event{}, err
	}
	definition, op, chainID, err := ParseEventType(event.Type)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", wire.ErrCorrupt, err)
	}
	event.Definition = definition
	event.Chain = chainID
	switch op {
	case chain.OpPut.String():
		event.Op = chain.OpPut
	case chain.OpDelete.String():
		event.Op = chain.OpDelete
	default:
		return Event{}, fmt.Errorf("%w: unknown operation %q", wire.ErrCorrupt, op)
	}
	return event, nil
}

// Filter selects events. Type matches the definition name or the definition
// and operation ("post" or "post.delete"); empty matches every type. Zero
// Chain and Entity match any.
type Filter struct {
	Type   string
	Chain  uint32
	Entity uint64
}

func (f Filter) Match(e Event) bool {
	if f.Chain != 0 && f.Chain != e.Chain {
		return false
	}
	if f.Entity != 0 && f.Entity != e.Entity {
		return false
	}
	if f.Type == "" || f.Type == e.Definition {
		return true
	}
	return f.Type == e.Definition+"."+e.Op.String()
}

func (f Filter) Encode(w *wire.Writer) error {
	w.PutString(f.Type)
	w.PutUvarint(uint64(f.Chain))
	w.PutUvarint(f.Entity)
	return nil
}

func ParseFilter(payload []byte) (Filter, error) {
	r := wire.NewReader(payload)
	filter := Filter{Type: r.Text(), Chain: r.Uint32(), Entity: r.Uvarint()}
	return filter, r.Done()
}
