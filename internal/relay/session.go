// Package relay implements the forwarding relay (it stores no envelopes,
// only forwards them to live sessions): it terminates
// node connections, validates registration handshakes, routes envelopes
// between sessions and rooms, and runs the durable username directory
// (spec §4.6).
package relay

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/transport"
)

// sessionShardCount is the number of lock shards the session table is
// split across, keyed by a hash of the NodeID (spec §4.6/§5 concurrency).
const sessionShardCount = 16

// outboundQueueDepth bounds how many envelopes may be queued for a single
// session before it is treated as a slow consumer (spec §5).
const outboundQueueDepth = 256

type outboundEntry struct {
	encoded   []byte
	droppable bool // true for room/feed traffic, which may be silently discarded
}

// Session is one node's live connection to the relay.
type Session struct {
	NodeID    cryptoid.NodeID
	Username  string
	PublicKey []byte
	Conn      transport.PeerConn

	qmu   sync.Mutex
	queue []outboundEntry
	wake  chan struct{}

	closed   chan struct{}
	closeOne sync.Once

	mu       sync.Mutex
	rooms    map[string]struct{}
	lastSeen time.Time
}

func newSession(nodeID cryptoid.NodeID, publicKey []byte, conn transport.PeerConn) *Session {
	return &Session{
		NodeID:    nodeID,
		PublicKey: publicKey,
		Conn:      conn,
		queue:     make([]outboundEntry, 0, outboundQueueDepth),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		rooms:     make(map[string]struct{}),
		lastSeen:  time.Now(),
	}
}

// enqueueResult reports how Enqueue handled a push onto a full queue.
type enqueueResult int

const (
	enqueued enqueueResult = iota
	evictedOldestDroppable
	overflowClosed
)

// Enqueue pushes an encoded envelope onto the session's outbound queue
// (spec §5 backpressure). When the queue is full it first evicts the
// oldest droppable (room/feed) entry to make room; if no entry is
// droppable, the session is closed as a slow consumer.
func (s *Session) Enqueue(encoded []byte, droppable bool) enqueueResult {
	s.qmu.Lock()
	if len(s.queue) < outboundQueueDepth {
		s.queue = append(s.queue, outboundEntry{encoded: encoded, droppable: droppable})
		s.qmu.Unlock()
		s.signal()
		return enqueued
	}

	victim := -1
	for i, e := range s.queue {
		if e.droppable {
			victim = i
			break
		}
	}
	if victim == -1 {
		s.qmu.Unlock()
		s.Close()
		return overflowClosed
	}
	s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
	s.queue = append(s.queue, outboundEntry{encoded: encoded, droppable: droppable})
	s.qmu.Unlock()
	s.signal()
	return evictedOldestDroppable
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dequeue pops the oldest queued entry, if any.
func (s *Session) dequeue() ([]byte, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	entry := s.queue[0]
	s.queue = s.queue[1:]
	return entry.encoded, true
}

// Wake exposes the channel a writer goroutine waits on between drains.
func (s *Session) Wake() <-chan struct{} { return s.wake }

// Close terminates the session exactly once.
func (s *Session) Close() {
	s.closeOne.Do(func() {
		close(s.closed)
		s.Conn.Close()
	})
}

// Done reports when the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) joinRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = struct{}{}
}

func (s *Session) leaveRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *Session) inRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

type sessionShard struct {
	mu   sync.RWMutex
	byID map[cryptoid.NodeID]*Session
}

func newSessionShard() *sessionShard {
	return &sessionShard{byID: make(map[cryptoid.NodeID]*Session)}
}

// sessionTable is the shard-locked sessions map (spec §4.6/§5): 16 shards
// FNV-hashed by NodeID so registration/lookup/routing of unrelated nodes
// never contend on the same lock.
type sessionTable struct {
	shards [sessionShardCount]*sessionShard
}

func newSessionTable() *sessionTable {
	t := &sessionTable{}
	for i := range t.shards {
		t.shards[i] = newSessionShard()
	}
	return t
}

func (t *sessionTable) shardFor(id cryptoid.NodeID) *sessionShard {
	h := fnv.New32a()
	h.Write(id[:])
	return t.shards[h.Sum32()%sessionShardCount]
}

// put installs sess for id, returning the previous session (if any) so the
// caller can displace it last-writer-wins (spec §4.6).
func (t *sessionTable) put(id cryptoid.NodeID, sess *Session) *Session {
	shard := t.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	prev := shard.byID[id]
	shard.byID[id] = sess
	return prev
}

func (t *sessionTable) get(id cryptoid.NodeID) (*Session, bool) {
	shard := t.shardFor(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	sess, ok := shard.byID[id]
	return sess, ok
}

// remove deletes id's session entry only if it is still sess (a later
// registration may already have displaced it).
func (t *sessionTable) remove(id cryptoid.NodeID, sess *Session) {
	shard := t.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.byID[id] == sess {
		delete(shard.byID, id)
	}
}

func (t *sessionTable) count() int {
	n := 0
	for _, shard := range t.shards {
		shard.mu.RLock()
		n += len(shard.byID)
		shard.mu.RUnlock()
	}
	return n
}

// roomMembers returns the sessions currently joined to room, snapshotted
// under each shard's read lock.
func (t *sessionTable) roomMembers(room string) []*Session {
	var out []*Session
	for _, shard := range t.shards {
		shard.mu.RLock()
		for _, sess := range shard.byID {
			if sess.inRoom(room) {
				out = append(out, sess)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}
