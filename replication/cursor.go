package replication

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
)

// CursorStore persists the highest sequence each peer acknowledged per chain.
type CursorStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenCursorStore opens the pebble database at path. An empty path keeps the
// cursors in memory.
func OpenCursorStore(path string) (*CursorStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
		path = "cursors"
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open cursor store at %s", path)
	}
	return &CursorStore{db: db}, nil
}

func cursorKey(peer, chain uint32) []byte {
	key := make([]byte, 0, 11)
	key = append(key, "ack"...)
	key = binary.BigEndian.AppendUint32(key, peer)
	return binary.BigEndian.AppendUint32(key, chain)
}

// Load returns the acknowledged sequence, zero when none was stored.
func (s *CursorStore) Load(peer, chain uint32) (uint64, error) {
	value, closer, err := s.db.Get(cursorKey(peer, chain))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "could not load cursor of peer %d chain %d", peer, chain)
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errors.Errorf("cursor of peer %d chain %d has %d bytes", peer, chain, len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

// Advance stores sequence if it is above the stored one. It reports whether
// the cursor moved.
func (s *CursorStore) Advance(peer, chain uint32, sequence uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.Load(peer, chain)
	if err != nil {
		return false, err
	}
	if sequence <= current {
		return false, nil
	}
	value := binary.BigEndian.AppendUint64(nil, sequence)
	if err := s.db.Set(cursorKey(peer, chain), value, pebble.NoSync); err != nil {
		return false, errors.Wrapf(err, "could not store cursor of peer %d chain %d", peer, chain)
	}
	return true, nil
}

func (s *CursorStore) Close() error {
	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
