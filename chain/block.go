package chain

import (
	"bytes"
	"fmt"

	"github.com/freehandle/ledger/wire"
)

// Op tells what a block does to its entity.
type Op byte

const (
	OpPut    Op = iota + 1 // new version of the entity
	OpDelete               // tombstone, payload is empty
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", byte(o))
}

// Block is one committed record of a chain. Blocks are shared between the
// chain cache, replication and notification: they must be treated as read
// only once committed.
type Block struct {
	Chain      uint32
	Sequence   uint64
	Definition uint32
	Entity     uint64
	Op         Op
	Writer     uint32
	Payload    []byte
}

// Deleted reports whether the block is a tombstone.
func (b *Block) Deleted() bool {
	return b.Op == OpDelete
}

func (b *Block) Equal(another *Block) bool {
	if b == nil || another == nil {
		return b == another
	}
	return b.Chain == another.Chain &&
		b.Sequence == another.Sequence &&
		b.Definition == another.Definition &&
		b.Entity == another.Entity &&
		b.Op == another.Op &&
		b.Writer == another.Writer &&
		bytes.Equal(b.Payload, another.Payload)
}

// Encode writes the block on a pooled writer.
func (b *Block) Encode(w *wire.Writer) error {
	if b.Op != OpPut && b.Op != OpDelete {
		return fmt.Errorf("chain: cannot encode block with %v", b.Op)
	}
	w.PutUvarint(uint64(b.Chain))
	w.PutUvarint(b.Sequence)
	w.PutUvarint(uint64(b.Definition))
	w.PutUvarint(b.Entity)
	w.PutByte(byte(b.Op))
	w.PutUvarint(uint64(b.Writer))
	w.PutBytes(b.Payload)
	return nil
}

// Serialize returns the binary form of the block, the same bytes used on disk
// and inside replication envelopes.
func (b *Block) Serialize() ([]byte, error) {
	return wire.Default.Encode(b.Encode)
}

// DecodeBlock reads a block from r without checking for trailing bytes.
func DecodeBlock(r *wire.Reader) *Block {
	block := &Block{
		Chain:      r.Uint32(),
		Sequence:   r.Uvarint(),
		Definition: r.Uint32(),
		Entity:     r.Uvarint(),
		Op:         Op(r.Byte()),
		Writer:     r.Uint32(),
	}
	if payload := r.Bytes(); len(payload) > 0 {
		block.Payload = append([]byte{}, payload...)
	}
	return block
}

// ParseBlock decodes data as exactly one block.
func ParseBlock(data []byte) (*Block, error) {
	r := wire.NewReader(data)
	block := DecodeBlock(r)
	if err := r.Done(); err != nil {
		return nil, err
	}
	if block.Op != OpPut && block.Op != OpDelete {
		return nil, wire.ErrCorrupt
	}
	if block.Sequence == 0 {
		return nil, wire.ErrCorrupt
	}
	return block, nil
}
