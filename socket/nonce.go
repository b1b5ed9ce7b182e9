package socket

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// NonceGuard remembers handshake nonces for a while so a recorded hello or
// challenge cannot be played again.
type NonceGuard struct {
	seen *cache.Cache
}

func NewNonceGuard(ttl time.Duration) *NonceGuard {
	return &NonceGuard{seen: cache.New(ttl, 2*ttl)}
}

// Fresh records nonce and reports whether it was unseen.
func (g *NonceGuard) Fresh(nonce []byte) bool {
	return g.seen.Add(string(nonce), struct{}{}, cache.DefaultExpiration) == nil
}

func (g *NonceGuard) Len() int {
	return g.seen.ItemCount()
}
