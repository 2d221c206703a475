package relay

import (
	"context"
	"database/sql"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"golang.org/x/time/rate"
)

func encodeHex(b []byte) string { return hex.EncodeToString(b) }
func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "decode hex column", err)
	}
	return b, nil
}

var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{2,31}$`)

// ValidateUsername enforces spec §3's username grammar: 3-32 lowercase
// ASCII characters matching [a-z0-9_]+, no leading digit.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return apperr.New(apperr.UsernameInvalid, "username must be 3-32 chars of [a-z0-9_], no leading digit")
	}
	return nil
}

// UsernameRecord is one row of the durable usernames table (spec §4.6,§6.3).
type UsernameRecord struct {
	Username    string
	NodeID      cryptoid.NodeID
	PublicKey   []byte
	ClaimSig    [cryptoid.SignatureSize]byte
	ClaimedAtMs int64
}

type directoryOp struct {
	run  func(*sql.DB) (any, error)
	done chan directoryResult
}

type directoryResult struct {
	value any
	err   error
}

// Directory is the durable username directory. All reads and writes hop
// onto a single blocking worker goroutine (spec §4.6/§5: "SQLite writes
// hop to a blocking worker"), which keeps database/sql usage serialized
// without needing a connection pool for a single-writer SQLite file.
type Directory struct {
	db   *sql.DB
	ops  chan directoryOp
	done chan struct{}

	regLimiters    map[cryptoid.NodeID]*rate.Limiter
	lookupLimiters map[cryptoid.NodeID]*rate.Limiter
	limMu          sync.Mutex
}

const (
	registrationsPerHour = 5
	lookupsPerMinute     = 60
)

// OpenDirectory opens (or creates) the SQLite-backed username directory at
// path and starts its worker goroutine.
func OpenDirectory(path string) (*Directory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "open username directory", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS usernames (
	username TEXT PRIMARY KEY,
	node_id TEXT NOT NULL,
	public_key TEXT NOT NULL,
	claim_sig TEXT NOT NULL,
	claimed_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usernames_node_id ON usernames(node_id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Storage, "initialize username directory schema", err)
	}

	d := &Directory{
		db:             db,
		ops:            make(chan directoryOp),
		done:           make(chan struct{}),
		regLimiters:    make(map[cryptoid.NodeID]*rate.Limiter),
		lookupLimiters: make(map[cryptoid.NodeID]*rate.Limiter),
	}
	go d.worker()
	return d, nil
}

func (d *Directory) worker() {
	defer close(d.done)
	for op := range d.ops {
		value, err := op.run(d.db)
		op.done <- directoryResult{value: value, err: err}
	}
}

func (d *Directory) call(ctx context.Context, run func(*sql.DB) (any, error)) (any, error) {
	op := directoryOp{run: run, done: make(chan directoryResult, 1)}
	select {
	case d.ops <- op:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-op.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Directory) regLimiter(nodeID cryptoid.NodeID) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.regLimiters[nodeID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(registrationsPerHour)/rate.Limit(3600), registrationsPerHour)
		d.regLimiters[nodeID] = l
	}
	return l
}

func (d *Directory) lookupLimiter(nodeID cryptoid.NodeID) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.lookupLimiters[nodeID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(lookupsPerMinute)/rate.Limit(60), lookupsPerMinute)
		d.lookupLimiters[nodeID] = l
	}
	return l
}

// Register claims username for claimant. A claim signed over
// ("register_username", username, node_id, issued_at_ms) must already be
// verified by the caller against claimant before calling Register
// (spec §4.6 P8); Register itself only enforces the uniqueness invariants:
// a re-claim by the same node_id succeeds, a claim for a username already
// held by a different node_id is rejected (no rename).
func (d *Directory) Register(ctx context.Context, rec UsernameRecord) error {
	if err := ValidateUsername(rec.Username); err != nil {
		return err
	}
	if !d.regLimiter(rec.NodeID).Allow() {
		return apperr.New(apperr.RateLimited, "username registration rate limit exceeded")
	}

	_, err := d.call(ctx, func(db *sql.DB) (any, error) {
		var existingNodeID string
		err := db.QueryRow(`SELECT node_id FROM usernames WHERE username = ?`, rec.Username).Scan(&existingNodeID)
		switch {
		case err == sql.ErrNoRows:
			_, err := db.Exec(
				`INSERT INTO usernames(username, node_id, public_key, claim_sig, claimed_at_ms) VALUES (?,?,?,?,?)`,
				rec.Username, rec.NodeID.String(), encodeHex(rec.PublicKey), encodeHex(rec.ClaimSig[:]), rec.ClaimedAtMs,
			)
			return nil, err
		case err != nil:
			return nil, err
		case existingNodeID != rec.NodeID.String():
			return nil, apperr.New(apperr.UsernameTaken, "username is held by another node")
		default:
			_, err := db.Exec(
				`UPDATE usernames SET public_key=?, claim_sig=?, claimed_at_ms=? WHERE username=?`,
				encodeHex(rec.PublicKey), encodeHex(rec.ClaimSig[:]), rec.ClaimedAtMs, rec.Username,
			)
			return nil, err
		}
	})
	return err
}

// Lookup resolves username to its claimed node_id and public key.
func (d *Directory) Lookup(ctx context.Context, requester cryptoid.NodeID, username string) (cryptoid.NodeID, []byte, error) {
	if !d.lookupLimiter(requester).Allow() {
		return cryptoid.NodeID{}, nil, apperr.New(apperr.RateLimited, "username lookup rate limit exceeded")
	}

	username = strings.ToLower(username)
	result, err := d.call(ctx, func(db *sql.DB) (any, error) {
		var nodeIDHex, pubKeyHex string
		err := db.QueryRow(`SELECT node_id, public_key FROM usernames WHERE username = ?`, username).Scan(&nodeIDHex, &pubKeyHex)
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "username not registered")
		}
		if err != nil {
			return nil, err
		}
		nodeID, err := cryptoid.ParseNodeID(nodeIDHex)
		if err != nil {
			return nil, err
		}
		pubKey, err := decodeHex(pubKeyHex)
		if err != nil {
			return nil, err
		}
		return UsernameRecord{NodeID: nodeID, PublicKey: pubKey}, nil
	})
	if err != nil {
		return cryptoid.NodeID{}, nil, err
	}
	rec := result.(UsernameRecord)
	return rec.NodeID, rec.PublicKey, nil
}

// Close stops the worker goroutine and closes the database.
func (d *Directory) Close() error {
	close(d.ops)
	<-d.done
	return d.db.Close()
}
