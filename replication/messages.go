package replication

import (
	"github.com/freehandle/ledger/schema"
	"github.com/freehandle/ledger/wire"
)

// Cursor is the last sequence a subscriber holds for a chain.
type Cursor struct {
	Chain uint32
	After uint64
}

// Fingerprint advertises the layout of one definition.
type Fingerprint struct {
	Definition uint32
	Value      uint64
}

// Subscribe is the first message of each side once authenticated: the chains
// it wants streamed, from where, and the definitions it knows.
type Subscribe struct {
	Cursors     []Cursor
	Definitions []Fingerprint
}

func (s Subscribe) Encode(w *wire.Writer) error {
	w.PutUvarint(uint64(len(s.Cursors)))
	for _, cursor := range s.Cursors {
		w.PutUvarint(uint64(cursor.Chain))
		w.PutUvarint(cursor.After)
	}
	w.PutUvarint(uint64(len(s.Definitions)))
	for _, fingerprint := range s.Definitions {
		w.PutUvarint(uint64(fingerprint.Definition))
		w.PutUvarint(fingerprint.Value)
	}
	return nil
}

// count reads a list length that cannot be larger than the bytes left, each
// item taking at least two bytes.
func count(r *wire.Reader) int {
	n := r.Uvarint()
	if r.Err() != nil || n > uint64(r.Remaining()/2) {
		return -1
	}
	return int(n)
}

func ParseSubscribe(payload []byte) (Subscribe, error) {
	r := wire.NewReader(payload)
	var s Subscribe
	n := count(r)
	if n < 0 {
		return s, wire.ErrCorrupt
	}
	s.Cursors = make([]Cursor, n)
	for i := range s.Cursors {
		s.Cursors[i] = Cursor{Chain: r.Uint32(), After: r.Uvarint()}
	}
	n = count(r)
	if n < 0 {
		return s, wire.ErrCorrupt
	}
	s.Definitions = make([]Fingerprint, n)
	for i := range s.Definitions {
		s.Definitions[i] = Fingerprint{Definition: r.Uint32(), Value: r.Uvarint()}
	}
	if err := r.Done(); err != nil {
		return Subscribe{}, err
	}
	return s, nil
}

// Fingerprints lists every definition of registry.
func Fingerprints(registry *schema.Registry) []Fingerprint {
	definitions := registry.Definitions()
	fingerprints := make([]Fingerprint, len(definitions))
	for n, definition := range definitions {
		fingerprints[n] = Fingerprint{Definition: definition.ID, Value: definition.Fingerprint()}
	}
	return fingerprints
}

// Ack is sent by a subscriber after applying sequence.
type Ack struct {
	Chain    uint32
	Sequence uint64
}

func (a Ack) Encode(w *wire.Writer) error {
	w.PutUvarint(uint64(a.Chain))
	w.PutUvarint(a.Sequence)
	return nil
}

func ParseAck(payload []byte) (Ack, error) {
	r := wire.NewReader(payload)
	ack := Ack{Chain: r.Uint32(), Sequence: r.Uvarint()}
	return ack, r.Done()
}

// Resync asks the sender to restart a chain stream at From.
type Resync struct {
	Chain uint32
	From  uint64
}

func (s Resync) Encode(w *wire.Writer) error {
	w.PutUvarint(uint64(s.Chain))
	w.PutUvarint(s.From)
	return nil
}

func ParseResync(payload []byte) (Resync, error) {
	r := wire.NewReader(payload)
	resync := Resync{Chain: r.Uint32(), From: r.Uvarint()}
	return resync, r.Done()
}

// SchemaError tells the remote side its definitions are incompatible. The
// link is halted after it.
type SchemaError struct {
	Definition uint32
	Reason     string
}

func (s SchemaError) Encode(w *wire.Writer) error {
	w.PutUvarint(uint64(s.Definition))
	w.PutString(s.Reason)
	return nil
}

func ParseSchemaError(payload []byte) (SchemaError, error) {
	r := wire.NewReader(payload)
	schemaErr := SchemaError{Definition: r.Uint32(), Reason: r.Text()}
	return schemaErr, r.Done()
}
