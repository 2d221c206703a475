// Package inbox implements the bounded, durable append-only inbox each
// node keeps for decrypted DMs, feed posts and room messages delivered to
// it (spec §3, §5).
package inbox

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
)

// MaxEntries bounds how many entries the inbox holds before eviction
// begins (spec §5, N_max).
const MaxEntries = 10_000

// CompactionThreshold is the fraction of the inbox's current entry count
// the ack journal may grow to before a compaction is triggered (spec §5:
// 25%).
const CompactionThreshold = 0.25

const (
	entriesFileName = "inbox.jsonl"
	ackFileName     = "inbox.ack"
	fileMode        = 0600
)

// MessageID is the 128-bit identifier of an inbox entry, derived from
// (from_node_id, nonce, timestamp_ms) (spec §3).
type MessageID [16]byte

func (id MessageID) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0F]
	}
	return string(out)
}

// ParseMessageID parses the hex form String returns, as used by the
// inbox_ack control operation to turn a client-supplied message_id string
// back into a MessageID.
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, apperr.New(apperr.Protocol, "invalid message id")
	}
	copy(id[:], b)
	return id, nil
}

// DeriveMessageID computes the message_id for an inbox entry (spec §3):
// a 128-bit hash of (from, nonce, timestamp_ms).
func DeriveMessageID(from cryptoid.NodeID, nonce [cryptoid.NonceSize]byte, timestampMs uint64) MessageID {
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], timestampMs)

	digest := cryptoid.Keccak256(from[:], nonce[:], tsBytes[:])
	var id MessageID
	copy(id[:], digest[:16])
	return id
}

// Entry is one decrypted message stored in the inbox (spec §3 InboxEntry).
// Room is empty for Dm and FeedPost entries; it holds the room name for
// RoomMessage entries, which is how room_inbox filters a shared log down
// to one room's traffic without a separate per-room store.
type Entry struct {
	MessageID        MessageID            `json:"message_id"`
	FromNodeID       cryptoid.NodeID      `json:"from_node_id"`
	FromUsernameHint string               `json:"from_username_hint,omitempty"`
	MessageType      envelope.MessageType `json:"message_type"`
	Room             string               `json:"room,omitempty"`
	Body             []byte               `json:"body"`
	TimestampMs      uint64               `json:"timestamp_ms"`
	Acked            bool                 `json:"acked"`
}

// DropEvent describes an entry evicted from the inbox to make room for a
// new one.
type DropEvent struct {
	MessageID MessageID
	Acked     bool
}

// Inbox is a bounded, durable, append-only message store with a lazily
// written ack journal and an O(1) unread counter.
type Inbox struct {
	dir string

	mu          sync.Mutex
	order       []*Entry // append order, oldest first
	byID        map[MessageID]*Entry
	unread      int
	ackPending  int // acks appended to the journal since the last compaction
	entriesFile *os.File
	ackFile     *os.File

	OnDrop func(DropEvent)
}

// Open loads (or initializes) the inbox persisted under dir.
func Open(dir string) (*Inbox, error) {
	ib := &Inbox{
		dir:   dir,
		byID:  make(map[MessageID]*Entry),
		order: make([]*Entry, 0, MaxEntries),
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "create inbox directory", err)
	}

	if err := ib.loadEntries(); err != nil {
		return nil, err
	}
	if err := ib.loadAcks(); err != nil {
		return nil, err
	}

	entriesFile, err := os.OpenFile(ib.entriesPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "open inbox log", err)
	}
	ib.entriesFile = entriesFile

	ackFile, err := os.OpenFile(ib.ackPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "open ack journal", err)
	}
	ib.ackFile = ackFile

	return ib, nil
}

func (ib *Inbox) entriesPath() string { return filepath.Join(ib.dir, entriesFileName) }
func (ib *Inbox) ackPath() string     { return filepath.Join(ib.dir, ackFileName) }

func (ib *Inbox) loadEntries() error {
	f, err := os.Open(ib.entriesPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.Storage, "read inbox log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return apperr.Wrap(apperr.Storage, "parse inbox entry", err)
		}
		entry := e
		ib.byID[entry.MessageID] = &entry
		ib.order = append(ib.order, &entry)
		if !entry.Acked {
			ib.unread++
		}
	}
	return scanner.Err()
}

func (ib *Inbox) loadAcks() error {
	f, err := os.Open(ib.ackPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.Storage, "read ack journal", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var id MessageID
		if err := json.Unmarshal(scanner.Bytes(), &id); err != nil {
			return apperr.Wrap(apperr.Storage, "parse ack journal entry", err)
		}
		if entry, ok := ib.byID[id]; ok && !entry.Acked {
			entry.Acked = true
			ib.unread--
		}
		ib.ackPending++
	}
	return scanner.Err()
}

// Append adds a new entry to the inbox, evicting the oldest acked entry
// (or, if none is acked, the oldest entry regardless) once the inbox is
// at capacity (spec §5).
func (ib *Inbox) Append(e Entry) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if _, exists := ib.byID[e.MessageID]; exists {
		return nil // message_id uniqueness: duplicate append is a no-op
	}

	if len(ib.order) >= MaxEntries {
		ib.evictLocked()
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "marshal inbox entry", err)
	}
	if _, err := ib.entriesFile.Write(append(raw, '\n')); err != nil {
		return apperr.Wrap(apperr.Storage, "write inbox entry", err)
	}

	entry := e
	ib.byID[entry.MessageID] = &entry
	ib.order = append(ib.order, &entry)
	if !entry.Acked {
		ib.unread++
	}
	return nil
}

// evictLocked removes one entry to make room for a new append. Caller
// must hold ib.mu.
func (ib *Inbox) evictLocked() {
	victimIdx := -1
	for i, e := range ib.order {
		if e.Acked {
			victimIdx = i
			break
		}
	}
	if victimIdx == -1 {
		victimIdx = 0
	}

	victim := ib.order[victimIdx]
	ib.order = append(ib.order[:victimIdx], ib.order[victimIdx+1:]...)
	delete(ib.byID, victim.MessageID)
	if !victim.Acked {
		ib.unread--
	}

	if ib.OnDrop != nil {
		ib.OnDrop(DropEvent{MessageID: victim.MessageID, Acked: victim.Acked})
	}
}

// Ack marks messageID as acknowledged. Double-acking an already-acked or
// unknown message is a no-op (spec §5 idempotence, property P4).
func (ib *Inbox) Ack(messageID MessageID) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	entry, ok := ib.byID[messageID]
	if !ok {
		return nil
	}
	if entry.Acked {
		return nil
	}

	raw, err := json.Marshal(messageID)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "marshal ack", err)
	}
	if _, err := ib.ackFile.Write(append(raw, '\n')); err != nil {
		return apperr.Wrap(apperr.Storage, "write ack journal", err)
	}

	entry.Acked = true
	ib.unread--
	ib.ackPending++

	if float64(ib.ackPending) > CompactionThreshold*float64(len(ib.order)+1) {
		return ib.compactLocked()
	}
	return nil
}

// UnreadCount returns the current number of un-acked entries in O(1).
func (ib *Inbox) UnreadCount() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.unread
}

// Since returns entries appended after cursor, newest first, up to limit
// entries (0 means no limit). The returned cursor can be passed back to a
// later call to resume; it is not tied to wall-clock time, so the iterator
// is exact even if entries share a timestamp.
func (ib *Inbox) Since(cursor int, limit int) ([]Entry, int) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if cursor < 0 || cursor > len(ib.order) {
		cursor = 0
	}

	window := ib.order[cursor:]
	out := make([]Entry, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		out = append(out, *window[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, len(ib.order)
}

// SinceRoom is Since filtered to entries whose Room matches room, for the
// room_inbox control operation. limit bounds the number of matching entries
// returned, not the number of entries scanned.
func (ib *Inbox) SinceRoom(room string, cursor int, limit int) ([]Entry, int) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if cursor < 0 || cursor > len(ib.order) {
		cursor = 0
	}

	window := ib.order[cursor:]
	out := make([]Entry, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Room != room {
			continue
		}
		out = append(out, *window[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, len(ib.order)
}

// compactLocked rewrites the entries log with the current in-memory state
// and truncates the ack journal, collapsing acks into their entries.
// Caller must hold ib.mu.
func (ib *Inbox) compactLocked() error {
	tmpEntries := ib.entriesPath() + ".compact"
	f, err := os.OpenFile(tmpEntries, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "open compaction file", err)
	}

	w := bufio.NewWriter(f)
	for _, e := range ib.order {
		raw, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return apperr.Wrap(apperr.Storage, "marshal entry during compaction", err)
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			f.Close()
			return apperr.Wrap(apperr.Storage, "write entry during compaction", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return apperr.Wrap(apperr.Storage, "flush compaction file", err)
	}
	if err := f.Close(); err != nil {
		return apperr.Wrap(apperr.Storage, "close compaction file", err)
	}

	if err := ib.entriesFile.Close(); err != nil {
		return apperr.Wrap(apperr.Storage, "close inbox log", err)
	}
	if err := os.Rename(tmpEntries, ib.entriesPath()); err != nil {
		return apperr.Wrap(apperr.Storage, "install compacted inbox log", err)
	}

	entriesFile, err := os.OpenFile(ib.entriesPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "reopen inbox log", err)
	}
	ib.entriesFile = entriesFile

	if err := ib.ackFile.Close(); err != nil {
		return apperr.Wrap(apperr.Storage, "close ack journal", err)
	}
	if err := os.Remove(ib.ackPath()); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.Storage, "truncate ack journal", err)
	}
	ackFile, err := os.OpenFile(ib.ackPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "reopen ack journal", err)
	}
	ib.ackFile = ackFile

	ib.ackPending = 0
	return nil
}

// Close releases the inbox's open file handles.
func (ib *Inbox) Close() error {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	var firstErr error
	if err := ib.entriesFile.Close(); err != nil {
		firstErr = err
	}
	if err := ib.ackFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return apperr.Wrap(apperr.Storage, "close inbox", firstErr)
	}
	return nil
}
