// Package rooms persists which rooms a node has joined and, for Secure
// rooms, caches the Argon2id-derived room key in memory for as long as the
// process runs (spec §3 RoomState, §6.3).
package rooms

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
)

const fileName = "rooms.json"
const fileMode = 0600

// Mode is a room's trust model (spec §3).
type Mode uint8

const (
	Open Mode = iota
	Secure
)

func (m Mode) String() string {
	if m == Secure {
		return "secure"
	}
	return "open"
}

// Membership is what a node remembers about a room it has joined. The
// derived key for a Secure room is deliberately absent here: rooms.json is
// plaintext on disk, and persisting key material alongside it would make
// the room passphrase recoverable from a single file read. A Secure room's
// key lives only in the in-memory cache below and must be re-derived (by
// supplying the passphrase again to Join) after every restart.
type Membership struct {
	Name       string `json:"name"`
	Mode       Mode   `json:"mode"`
	JoinedAtMs int64  `json:"joined_at_ms"`
}

// Snapshot is an immutable view of the node's room memberships.
type Snapshot struct {
	Rooms map[string]Membership
}

// Joined reports whether the node has joined room.
func (s *Snapshot) Joined(name string) bool {
	_, ok := s.Rooms[name]
	return ok
}

type onDiskFile struct {
	Rooms []Membership `json:"rooms"`
}

// Store is the single-writer, atomic-rewrite room membership store,
// following the same clone-then-commit shape as internal/followgraph.Store.
// Secure-room keys are tracked separately from the persisted snapshot in an
// in-memory-only cache guarded by the same mutex.
type Store struct {
	path string

	mu   sync.Mutex
	snap atomicSnapshot
	keys map[string][cryptoid.KeySize]byte
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

// Open loads (or initializes) the room membership store under dir. Secure
// rooms found on disk are loaded as joined but keyless: the caller must
// rejoin with the passphrase (control operation join_room) before it can
// send or open messages in them.
func Open(dir string) (*Store, error) {
	s := &Store{path: filepath.Join(dir, fileName), keys: make(map[string][cryptoid.KeySize]byte)}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.snap.Store(&Snapshot{Rooms: map[string]Membership{}})
		return s, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "read room store", err)
	}

	var onDisk onDiskFile
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "parse room store", err)
	}

	snap := &Snapshot{Rooms: make(map[string]Membership, len(onDisk.Rooms))}
	for _, r := range onDisk.Rooms {
		snap.Rooms[r.Name] = r
	}
	s.snap.Store(snap)
	return s, nil
}

// Current returns the current immutable snapshot.
func (s *Store) Current() *Snapshot {
	return s.snap.Load()
}

// JoinOpen records that the node has joined an Open room. Open rooms carry
// no key material.
func (s *Store) JoinOpen(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSnapshot(s.snap.Load())
	next.Rooms[name] = Membership{Name: name, Mode: Open, JoinedAtMs: time.Now().UnixMilli()}
	delete(s.keys, name)
	return s.commit(next)
}

// JoinSecure derives the room key from passphrase (spec §3: Argon2id with
// room_name as salt) and records the node as joined in Secure mode. The
// derived key is cached in memory only; calling JoinSecure again after a
// restart with the same passphrase reproduces the identical key, since
// derivation is deterministic in (passphrase, room name).
func (s *Store) JoinSecure(name, passphrase string) error {
	key := cryptoid.DeriveRoomKey(passphrase, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSnapshot(s.snap.Load())
	next.Rooms[name] = Membership{Name: name, Mode: Secure, JoinedAtMs: time.Now().UnixMilli()}
	s.keys[name] = key
	return s.commit(next)
}

// Leave removes name from the joined set and drops any cached key.
func (s *Store) Leave(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSnapshot(s.snap.Load())
	delete(next.Rooms, name)
	delete(s.keys, name)
	return s.commit(next)
}

// Key returns the cached derived key for a Secure room the node has joined
// in this process lifetime. ok is false for Open rooms, rooms never
// joined, and Secure rooms loaded from disk but not yet rejoined with their
// passphrase since the last restart.
func (s *Store) Key(name string) (key [cryptoid.KeySize]byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok = s.keys[name]
	return key, ok
}

// NeedsPassphrase reports whether a Secure room known from disk still needs its
// passphrase supplied again before messages in it can be sent or opened.
func (s *Store) NeedsPassphrase(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, known := s.snap.Load().Rooms[name]
	if !known || room.Mode != Secure {
		return false
	}
	_, cached := s.keys[name]
	return !cached
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	next := &Snapshot{Rooms: make(map[string]Membership, len(s.Rooms))}
	for k, v := range s.Rooms {
		next.Rooms[k] = v
	}
	return next
}

// commit persists next to disk via a temp-file-and-rename and, only on
// success, publishes it as the current snapshot. Caller must hold s.mu.
func (s *Store) commit(next *Snapshot) error {
	onDisk := onDiskFile{Rooms: make([]Membership, 0, len(next.Rooms))}
	for _, r := range next.Rooms {
		onDisk.Rooms = append(onDisk.Rooms, r)
	}

	raw, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Storage, "marshal room store", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, fileMode); err != nil {
		return apperr.Wrap(apperr.Storage, "write room store", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.Storage, "persist room store", err)
	}

	s.snap.Store(next)
	return nil
}
