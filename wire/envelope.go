package wire

// Envelope kinds. Handshake, replication and push messages share the same
// envelope and are told apart by the first byte.
const (
	MsgUnknown          byte = iota
	MsgHello                 // handshake: initiator identity and nonce
	MsgChallenge             // handshake: responder identity, proof and nonce
	MsgProof                 // handshake: initiator proof
	MsgReject                // handshake: identity refused
	MsgAccept                // handshake: initiator proof verified
	MsgSubscribe             // replication: cursors and schema fingerprints
	MsgBlock                 // replication: one block
	MsgAck                   // replication: highest applied sequence
	MsgResync                // replication: restart stream at sequence
	MsgSchemaError           // replication: incompatible definitions
	MsgPush                  // push: event to a client
	MsgPushSubscribe         // push: client subscription
	MsgPushUnsubscribe       // push: client unsubscription
	MsgPushError             // push: rejected client request
)

// Envelope is the common message wrapper: a kind and an opaque payload.
type Envelope struct {
	Kind    byte
	Payload []byte
}

// Reader returns a reader over the envelope payload.
func (e Envelope) Reader() *Reader {
	return NewReader(e.Payload)
}

// ParseEnvelope decodes data as exactly one envelope. The payload aliases
// data.
func ParseEnvelope(data []byte) (Envelope, error) {
	r := NewReader(data)
	kind := r.Byte()
	payload := r.Bytes()
	if err := r.Done(); err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: payload}, nil
}

// EncodeEnvelope is a convenience wrapper around Pool.Encode and
// Writer.PutEnvelope.
func (p *Pool) EncodeEnvelope(kind byte, fn func(*Writer) error) ([]byte, error) {
	return p.Encode(func(w *Writer) error {
		return w.PutEnvelope(kind, fn)
	})
}
