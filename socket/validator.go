package socket

import (
	"sync"

	"github.com/freehandle/ledger/crypto"
)

// Validator is used by the handshake to confirm that a server id is
// accredited with the presented token.
type Validator interface {
	ValidateConnection(server uint32, token crypto.Token) bool
}

type acceptAll struct{}

func (a acceptAll) ValidateConnection(server uint32, token crypto.Token) bool {
	return true
}

// AcceptAllConnections trusts every identity. Only meant for tests and local
// tooling.
var AcceptAllConnections Validator = acceptAll{}

// TrustStore maps server ids to the only token each may present.
type TrustStore struct {
	mu    sync.RWMutex
	peers map[uint32]crypto.Token
}

func NewTrustStore() *TrustStore {
	return &TrustStore{peers: make(map[uint32]crypto.Token)}
}

// Add trusts server with token, replacing any previous token.
func (t *TrustStore) Add(server uint32, token crypto.Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[server] = token
}

func (t *TrustStore) Remove(server uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, server)
}

func (t *TrustStore) Token(server uint32) (crypto.Token, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	token, ok := t.peers[server]
	return token, ok
}

func (t *TrustStore) ValidateConnection(server uint32, token crypto.Token) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	trusted, ok := t.peers[server]
	return ok && trusted.Equal(token)
}
