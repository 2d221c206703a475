package node

import (
	"sync"
	"time"

	"github.com/agentbook/agentbook/internal/cryptoid"
)

// ackWindow bounds how long a sent Dm/FeedPost keeps its recipient eligible
// to later ack it. There is no spec-mandated value for this; it only needs
// to outlast how long a recipient might plausibly take to read and ack a
// message, so it is set generously rather than tuned.
const ackWindow = 24 * time.Hour

// ackTracker satisfies ingress.AckExpector: it remembers who we have sent a
// Dm or FeedPost to recently, so an inbound Ack envelope claiming to be
// from a node we never addressed anything to gets rejected by
// ingress.Policy.Check's type-gating step rather than accepted on trust.
// This is unrelated to the inbox_ack control operation, which marks our
// own inbox entries read and never touches the wire.
type ackTracker struct {
	mu     sync.Mutex
	sentTo map[cryptoid.NodeID]time.Time
}

func newAckTracker() *ackTracker {
	return &ackTracker{sentTo: make(map[cryptoid.NodeID]time.Time)}
}

// RecordSent notes that we just addressed a message to to, making a future
// Ack from to admissible until ackWindow elapses.
func (a *ackTracker) RecordSent(to cryptoid.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sentTo[to] = time.Now()
}

// ExpectsAckFrom implements ingress.AckExpector.
func (a *ackTracker) ExpectsAckFrom(from cryptoid.NodeID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	sentAt, ok := a.sentTo[from]
	if !ok {
		return false
	}
	if time.Since(sentAt) > ackWindow {
		delete(a.sentTo, from)
		return false
	}
	return true
}
