package node

import (
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/agentbook/agentbook/internal/cryptoid"
)

// peerKeyCache remembers a peer's secp256k1 public key once it has been
// observed, either from a username directory lookup or from the sender
// key an ingress.Policy.Check recovers from an inbound envelope's
// signature. Neither followgraph nor rooms ever store public keys, so
// this is the only place a node can turn a NodeID back into a key for
// outbound ECDH without re-resolving a username.
type peerKeyCache struct {
	mu   sync.RWMutex
	keys map[cryptoid.NodeID]*secp256k1.PublicKey
}

func newPeerKeyCache() *peerKeyCache {
	return &peerKeyCache{keys: make(map[cryptoid.NodeID]*secp256k1.PublicKey)}
}

func (c *peerKeyCache) Remember(id cryptoid.NodeID, pub *secp256k1.PublicKey) {
	if pub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[id] = pub
}

func (c *peerKeyCache) Get(id cryptoid.NodeID) (*secp256k1.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pub, ok := c.keys[id]
	return pub, ok
}
