// Package followgraph persists a node's follow and block lists and serves
// copy-on-write snapshots to readers; mutations are serialized by a mutex
// and each one rewrites the backing file atomically.
package followgraph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
)

const fileName = "follow.json"
const fileMode = 0600

// FollowRecord describes a followed node (spec §3).
type FollowRecord struct {
	NodeID       cryptoid.NodeID `json:"node_id"`
	UsernameHint string          `json:"username_hint,omitempty"`
	FollowedAtMs int64           `json:"followed_at_ms"`
}

// BlockRecord describes a blocked node (spec §3).
type BlockRecord struct {
	NodeID      cryptoid.NodeID `json:"node_id"`
	BlockedAtMs int64           `json:"blocked_at_ms"`
}

// FollowerRecord describes a node that has notified us it follows us (spec
// §4.4 "follow"/"follower" control operations). Genuine mutuality is an
// emergent property (spec §9 open question (a)): this is only ever
// populated by an authenticated "social/followed" notice arriving over the
// relay, never enforced or verified against the other side's own store.
type FollowerRecord struct {
	NodeID       cryptoid.NodeID `json:"node_id"`
	UsernameHint string          `json:"username_hint,omitempty"`
	NotifiedAtMs int64           `json:"notified_at_ms"`
}

// Snapshot is an immutable view of the follow graph at a point in time.
// Callers may read it freely without holding any lock.
type Snapshot struct {
	Follows   map[cryptoid.NodeID]FollowRecord
	Blocks    map[cryptoid.NodeID]BlockRecord
	Followers map[cryptoid.NodeID]FollowerRecord
}

// IsFollowed reports whether id is in the follow set.
func (s *Snapshot) IsFollowed(id cryptoid.NodeID) bool {
	_, ok := s.Follows[id]
	return ok
}

// IsBlocked reports whether id is in the block set.
func (s *Snapshot) IsBlocked(id cryptoid.NodeID) bool {
	_, ok := s.Blocks[id]
	return ok
}

// IsFollowedBy reports whether id has notified us that it follows us.
func (s *Snapshot) IsFollowedBy(id cryptoid.NodeID) bool {
	_, ok := s.Followers[id]
	return ok
}

type onDiskFile struct {
	Follows   []FollowRecord   `json:"follows"`
	Blocks    []BlockRecord    `json:"blocks"`
	Followers []FollowerRecord `json:"followers,omitempty"`
}

// Store is the single-writer, atomic-rewrite follow/block store (spec §4.2).
// Follow and Block are serialized through mu; Current returns a snapshot
// that readers can use without further locking.
type Store struct {
	path string

	mu   sync.Mutex
	snap atomicSnapshot
}

type atomicSnapshot struct {
	mu    sync.RWMutex
	value *Snapshot
}

func (a *atomicSnapshot) Load() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

func (a *atomicSnapshot) Store(s *Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = s
}

// Open loads (or initializes) the follow graph stored under dir.
func Open(dir string) (*Store, error) {
	s := &Store{path: filepath.Join(dir, fileName)}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.snap.Store(&Snapshot{
			Follows:   map[cryptoid.NodeID]FollowRecord{},
			Blocks:    map[cryptoid.NodeID]BlockRecord{},
			Followers: map[cryptoid.NodeID]FollowerRecord{},
		})
		return s, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "read follow graph", err)
	}

	var onDisk onDiskFile
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "parse follow graph", err)
	}

	snap := &Snapshot{
		Follows:   make(map[cryptoid.NodeID]FollowRecord, len(onDisk.Follows)),
		Blocks:    make(map[cryptoid.NodeID]BlockRecord, len(onDisk.Blocks)),
		Followers: make(map[cryptoid.NodeID]FollowerRecord, len(onDisk.Followers)),
	}
	for _, f := range onDisk.Follows {
		snap.Follows[f.NodeID] = f
	}
	for _, b := range onDisk.Blocks {
		snap.Blocks[b.NodeID] = b
	}
	for _, f := range onDisk.Followers {
		snap.Followers[f.NodeID] = f
	}
	s.snap.Store(snap)
	return s, nil
}

// Current returns the current immutable snapshot. Safe for concurrent use
// alongside Follow/Unfollow/Block without any lock on the caller's part.
func (s *Store) Current() *Snapshot {
	return s.snap.Load()
}

// Follow adds target to the follow set. It returns apperr.Blocked if target
// is currently blocked (a follow is never installed over an active block).
func (s *Store) Follow(target cryptoid.NodeID, usernameHint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap.Load()
	if _, blocked := prev.Blocks[target]; blocked {
		return apperr.New(apperr.Blocked, "cannot follow a blocked node")
	}

	next := cloneSnapshot(prev)
	next.Follows[target] = FollowRecord{
		NodeID:       target,
		UsernameHint: usernameHint,
		FollowedAtMs: time.Now().UnixMilli(),
	}
	return s.commit(next)
}

// Unfollow removes target from the follow set. It is a no-op if target was
// not followed.
func (s *Store) Unfollow(target cryptoid.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSnapshot(s.snap.Load())
	delete(next.Follows, target)
	return s.commit(next)
}

// Block adds target to the block set and removes any existing follow of
// the same target, preserving the invariant follows ∩ blocks = ∅ (spec §3).
func (s *Store) Block(target cryptoid.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSnapshot(s.snap.Load())
	delete(next.Follows, target)
	next.Blocks[target] = BlockRecord{NodeID: target, BlockedAtMs: time.Now().UnixMilli()}
	return s.commit(next)
}

// Unblock removes target from the block set.
func (s *Store) Unblock(target cryptoid.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSnapshot(s.snap.Load())
	delete(next.Blocks, target)
	return s.commit(next)
}

// AddFollower records that from has notified us it follows us, via an
// authenticated "social/followed" control notice. This never gates any
// send/receive decision on our side (spec §9 open question (a): mutuality
// is emergent, never enforced by either party's store) — it exists purely
// so the "followers" control operation has something to report.
func (s *Store) AddFollower(from cryptoid.NodeID, usernameHint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSnapshot(s.snap.Load())
	next.Followers[from] = FollowerRecord{
		NodeID:       from,
		UsernameHint: usernameHint,
		NotifiedAtMs: time.Now().UnixMilli(),
	}
	return s.commit(next)
}

// RemoveFollower drops from from the follower set, on a "social/unfollowed"
// control notice. A no-op if from was not recorded as a follower.
func (s *Store) RemoveFollower(from cryptoid.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSnapshot(s.snap.Load())
	delete(next.Followers, from)
	return s.commit(next)
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	next := &Snapshot{
		Follows:   make(map[cryptoid.NodeID]FollowRecord, len(s.Follows)),
		Blocks:    make(map[cryptoid.NodeID]BlockRecord, len(s.Blocks)),
		Followers: make(map[cryptoid.NodeID]FollowerRecord, len(s.Followers)),
	}
	for k, v := range s.Follows {
		next.Follows[k] = v
	}
	for k, v := range s.Blocks {
		next.Blocks[k] = v
	}
	for k, v := range s.Followers {
		next.Followers[k] = v
	}
	return next
}

// commit persists next to disk via a temp-file-and-rename and, only on
// success, publishes it as the current snapshot.
func (s *Store) commit(next *Snapshot) error {
	onDisk := onDiskFile{
		Follows:   make([]FollowRecord, 0, len(next.Follows)),
		Blocks:    make([]BlockRecord, 0, len(next.Blocks)),
		Followers: make([]FollowerRecord, 0, len(next.Followers)),
	}
	for _, f := range next.Follows {
		onDisk.Follows = append(onDisk.Follows, f)
	}
	for _, b := range next.Blocks {
		onDisk.Blocks = append(onDisk.Blocks, b)
	}
	for _, f := range next.Followers {
		onDisk.Followers = append(onDisk.Followers, f)
	}

	raw, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Storage, "marshal follow graph", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, fileMode); err != nil {
		return apperr.Wrap(apperr.Storage, "write follow graph", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "persist follow graph", err)
	}

	s.snap.Store(next)
	return nil
}
