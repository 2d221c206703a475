package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
	"github.com/agentbook/agentbook/internal/logging"
	"github.com/agentbook/agentbook/internal/transport"
)

const challengeSize = 32

// registrationTimeout bounds how long a newly accepted connection has to
// complete the challenge-response handshake before the relay gives up on it.
const registrationTimeout = 10 * time.Second

// HostConfig configures a Host.
type HostConfig struct {
	Directory *Directory
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Host is the relay's connection-handling and routing core: it accepts
// transport connections, runs the registration handshake, and fans
// envelopes out to sessions and rooms (spec §4.6).
type Host struct {
	directory *Directory
	metrics   *Metrics
	logger    *slog.Logger

	sessions *sessionTable
}

// NewHost creates a Host ready to accept connections.
func NewHost(cfg HostConfig) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Host{
		directory: cfg.Directory,
		metrics:   cfg.Metrics,
		logger:    logger,
		sessions:  newSessionTable(),
	}
}

// SessionCount returns the number of currently registered sessions.
func (h *Host) SessionCount() int { return h.sessions.count() }

// Accept drives a single accepted connection for its lifetime: handshake,
// then read loop and write loop until the connection closes.
func (h *Host) Accept(ctx context.Context, conn transport.PeerConn) error {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transport, "accept registration stream", err)
	}

	sess, err := h.registerHandshake(ctx, conn, stream)
	if err != nil {
		conn.Close()
		return err
	}
	defer func() {
		if h.metrics != nil {
			h.metrics.SessionsActive.Set(float64(h.sessions.count()))
		}
	}()
	defer h.sessions.remove(sess.NodeID, sess)
	defer sess.Close()

	h.logger.Info("session registered", logging.KeyNodeID, sess.NodeID.String())
	if h.metrics != nil {
		h.metrics.SessionsActive.Set(float64(h.sessions.count()))
	}

	go h.writeLoop(sess, stream)
	return h.readLoop(ctx, sess, stream)
}

// registerHandshake runs the challenge-response registration exchange: the
// relay sends a random challenge, the node returns it signed, the relay
// recovers the NodeID from the signature and checks it matches the claim
// (spec §4.6). The winning session displaces any prior one for the same
// NodeID, last-writer-wins.
func (h *Host) registerHandshake(ctx context.Context, conn transport.PeerConn, stream transport.Stream) (*Session, error) {
	deadline := time.Now().Add(registrationTimeout)
	stream.SetDeadline(deadline)

	var challenge [challengeSize]byte
	if _, err := io.ReadFull(rand.Reader, challenge[:]); err != nil {
		return nil, apperr.Wrap(apperr.Crypto, "generate challenge", err)
	}
	if _, err := stream.Write(challenge[:]); err != nil {
		return nil, apperr.Wrap(apperr.Transport, "send challenge", err)
	}

	raw, err := envelope.ReadFrame(stream)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "read registration response", err)
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		return nil, err
	}
	if env.Type != envelope.Control {
		return nil, apperr.New(apperr.Protocol, "expected control envelope for registration")
	}
	digest := cryptoid.Keccak256(env.CanonicalBytes())
	pub, err := cryptoid.Verify(digest, env.Signature, env.From)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(env.Payload, challenge[:]) {
		return nil, apperr.New(apperr.SignatureInvalid, "registration response does not echo the issued challenge")
	}

	sess := newSession(env.From, pub.SerializeUncompressed(), conn)
	if prev := h.sessions.put(env.From, sess); prev != nil {
		h.logger.Info("displacing prior session", logging.KeyNodeID, env.From.String())
		prev.Close()
		if h.metrics != nil {
			h.metrics.Displacements.Inc()
		}
	}
	return sess, nil
}

// writeLoop drains sess's outbound queue onto the wire until the session
// is closed.
func (h *Host) writeLoop(sess *Session, stream transport.Stream) {
	for {
		select {
		case <-sess.Done():
			return
		case <-sess.Wake():
			for {
				encoded, ok := sess.dequeue()
				if !ok {
					break
				}
				if err := envelope.WriteFrame(stream, encoded); err != nil {
					h.logger.Warn("write to session failed", logging.KeyNodeID, sess.NodeID.String(), logging.KeyError, err)
					sess.Close()
					return
				}
			}
		}
	}
}

// readLoop decodes frames from sess's stream and routes each one.
func (h *Host) readLoop(ctx context.Context, sess *Session, stream transport.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := envelope.ReadFrame(stream)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if apperr.CodeOf(err) == apperr.PayloadTooLarge {
				h.logger.Warn("dropping oversized frame", logging.KeyNodeID, sess.NodeID.String())
				h.notifyControl(sess, apperr.PayloadTooLarge, "relay/payload-too-large")
				continue
			}
			return apperr.Wrap(apperr.Transport, "read frame", err)
		}
		sess.touch()

		env, err := envelope.Decode(raw)
		if err != nil {
			h.logger.Warn("dropping undecodable envelope", logging.KeyNodeID, sess.NodeID.String(), logging.KeyError, err)
			continue
		}
		if env.From != sess.NodeID {
			h.logger.Warn("dropping envelope with spoofed from field", logging.KeyNodeID, sess.NodeID.String())
			continue
		}

		if handled := h.handleRoomControl(env, sess); handled {
			continue
		}
		if handled := h.handleDirectoryControl(ctx, env, sess); handled {
			continue
		}

		h.route(env, sess)
	}
}

// Reserved AADHint values for node-to-relay control traffic that the relay
// handles locally instead of routing (spec §4.6 "Rooms").
const (
	controlRoomSubscribe   = "room/subscribe"
	controlRoomUnsubscribe = "room/unsubscribe"
)

// handleRoomControl intercepts RoomSubscribe/RoomUnsubscribe control
// envelopes before routing: these address the relay itself, not another
// node, so they never reach route(). Reports whether it consumed env.
func (h *Host) handleRoomControl(env *envelope.Envelope, sess *Session) bool {
	if env.Type != envelope.Control {
		return false
	}
	switch string(env.AADHint) {
	case controlRoomSubscribe:
		sess.joinRoom(string(env.Payload))
		return true
	case controlRoomUnsubscribe:
		sess.leaveRoom(string(env.Payload))
		return true
	default:
		return false
	}
}

// Reserved AADHint values for the username directory's request/reply
// exchange (spec §4.6 "Username directory"). The directory is reachable
// only over an already-registered session, so these never carry their own
// signature-recovered identity: the session's registration handshake
// already bound NodeID to PublicKey.
const (
	controlUsernameClaim       = "username/claim"
	controlUsernameLookup      = "username/lookup"
	controlUsernameClaimReply  = "username/claim/reply"
	controlUsernameLookupReply = "username/lookup/reply"
)

// handleDirectoryControl intercepts username claim/lookup control
// envelopes before routing and answers them directly from the Directory,
// never forwarding them to another session. Reports whether it consumed
// env. Replies are unsigned Control envelopes addressed back to the
// requester: the relay holds no identity of its own to sign with, and the
// requester trusts its own already-authenticated stream to the relay the
// same way it trusts the raw registration challenge.
func (h *Host) handleDirectoryControl(ctx context.Context, env *envelope.Envelope, sess *Session) bool {
	if env.Type != envelope.Control || h.directory == nil {
		return false
	}

	switch string(env.AADHint) {
	case controlUsernameClaim:
		username := string(env.Payload)
		err := h.directory.Register(ctx, UsernameRecord{
			Username:    username,
			NodeID:      sess.NodeID,
			PublicKey:   sess.PublicKey,
			ClaimSig:    env.Signature,
			ClaimedAtMs: int64(env.TimestampMs),
		})
		if err == nil {
			sess.Username = username
		}
		h.replyDirectory(sess, controlUsernameClaimReply, directoryReply{OK: err == nil, errCode: apperr.CodeOf(err), err: err})
		return true
	case controlUsernameLookup:
		nodeID, pubKey, err := h.directory.Lookup(ctx, sess.NodeID, string(env.Payload))
		reply := directoryReply{OK: err == nil, errCode: apperr.CodeOf(err), err: err}
		if err == nil {
			reply.NodeID = nodeID.String()
			reply.PublicKeyB64 = base64.StdEncoding.EncodeToString(pubKey)
		}
		h.replyDirectory(sess, controlUsernameLookupReply, reply)
		return true
	default:
		return false
	}
}

// directoryReply is the JSON payload carried by directory reply Control
// envelopes.
type directoryReply struct {
	OK           bool   `json:"ok"`
	NodeID       string `json:"node_id,omitempty"`
	PublicKeyB64 string `json:"public_key_b64,omitempty"`
	Code         string `json:"code,omitempty"`

	errCode apperr.Code
	err     error
}

func (h *Host) replyDirectory(sess *Session, aadHint string, reply directoryReply) {
	if reply.errCode != "" {
		reply.Code = string(reply.errCode)
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		h.logger.Warn("failed to encode directory reply", logging.KeyError, err)
		return
	}

	out := &envelope.Envelope{
		Version:     envelope.Version,
		From:        sess.NodeID,
		To:          sess.NodeID,
		Type:        envelope.Control,
		TimestampMs: uint64(time.Now().UnixMilli()),
		AADHint:     []byte(aadHint),
		Payload:     payload,
	}
	encoded, err := out.Encode()
	if err != nil {
		h.logger.Warn("failed to encode directory reply envelope", logging.KeyError, err)
		return
	}
	h.deliver(sess, encoded, false, nil)
}

// route delivers env to its recipient session(s): a direct session for a
// DM/Ack/Control envelope, every other room member for a RoomMessage, or
// every connected key-wrap recipient for a FeedPost (spec §4.6).
func (h *Host) route(env *envelope.Envelope, from *Session) {
	encoded, err := env.Encode()
	if err != nil {
		h.logger.Warn("re-encode failed, dropping", logging.KeyError, err)
		return
	}

	switch env.Type {
	case envelope.RoomMessage:
		room := string(env.AADHint)
		for _, member := range h.sessions.roomMembers(room) {
			if member == from {
				continue
			}
			h.deliver(member, encoded, true, nil)
		}
	case envelope.FeedPost:
		for _, wrap := range env.KeyWraps {
			if sess, ok := h.sessions.get(wrap.Recipient); ok {
				h.deliver(sess, encoded, true, nil)
			}
		}
	default:
		if env.IsBroadcast() {
			return
		}
		sess, ok := h.sessions.get(env.To)
		if !ok {
			h.notifyControl(from, apperr.NotConnected, "relay/not-connected")
			return
		}
		h.deliver(sess, encoded, false, from)
	}
}

// deliver pushes encoded onto sess's outbound queue. Room/feed traffic
// (droppable) may vanish silently on overflow; DM/Ack/Control traffic
// never does — on overflow the sender gets an explicit Dropped control
// reply instead (spec §5).
func (h *Host) deliver(sess *Session, encoded []byte, droppable bool, sender *Session) {
	result := sess.Enqueue(encoded, droppable)
	switch result {
	case enqueued:
		return
	case evictedOldestDroppable:
		if h.metrics != nil {
			h.metrics.Drops.Inc()
		}
		return
	case overflowClosed:
		h.logger.Warn("slow consumer, closing session", logging.KeyNodeID, sess.NodeID.String())
		if h.metrics != nil {
			h.metrics.Drops.Inc()
		}
		if !droppable && sender != nil {
			h.notifyControl(sender, apperr.SlowConsumer, "relay/dropped")
		}
	}
}

// notifyControl enqueues a relay-originated Control envelope to sess
// reporting code under aadHint (spec §4.2, §4.6, §5). Relay-originated
// notices carry a zero signature; nodes must special-case these AADHint
// values before calling Verify on a Control envelope.
func (h *Host) notifyControl(sess *Session, code apperr.Code, aadHint string) {
	env := &envelope.Envelope{
		Version:     envelope.Version,
		From:        sess.NodeID,
		To:          sess.NodeID,
		Type:        envelope.Control,
		TimestampMs: uint64(time.Now().UnixMilli()),
		AADHint:     []byte(aadHint),
		Payload:     []byte(code),
	}
	encoded, err := env.Encode()
	if err != nil {
		return
	}
	sess.Enqueue(encoded, false)
}

// JoinRoom subscribes a registered session to room.
func (h *Host) JoinRoom(nodeID cryptoid.NodeID, room string) error {
	sess, ok := h.sessions.get(nodeID)
	if !ok {
		return apperr.New(apperr.NotConnected, "node has no active session")
	}
	sess.joinRoom(room)
	return nil
}

// LeaveRoom unsubscribes a registered session from room.
func (h *Host) LeaveRoom(nodeID cryptoid.NodeID, room string) error {
	sess, ok := h.sessions.get(nodeID)
	if !ok {
		return apperr.New(apperr.NotConnected, "node has no active session")
	}
	sess.leaveRoom(room)
	return nil
}
