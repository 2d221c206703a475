// Package node wires a node's identity, follow graph, inbox, room
// membership and ingress policy to a relay connection and implements the
// local control API dispatched over internal/control's Unix socket (spec
// §4.4, §6.2).
package node

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
	"github.com/agentbook/agentbook/internal/followgraph"
	"github.com/agentbook/agentbook/internal/inbox"
	"github.com/agentbook/agentbook/internal/ingress"
	"github.com/agentbook/agentbook/internal/logging"
	"github.com/agentbook/agentbook/internal/rooms"
)

// previewLen bounds how many runes of a message body an event preview
// carries (spec §6.2 new_message/new_room_message events): enough to show
// a notification without duplicating the full inbox entry over the wire.
const previewLen = 80

// RelayClient is the subset of *relayclient.Client the daemon drives. It
// is satisfied structurally so tests can substitute a fake without the
// daemon importing relayclient for anything but this shape.
type RelayClient interface {
	Send(*envelope.Envelope) error
	JoinRoom(room string) error
	LeaveRoom(room string) error
	ClaimUsername(ctx context.Context, username string) error
	LookupUsername(ctx context.Context, username string) (cryptoid.NodeID, []byte, error)
	NotifyFollow(target cryptoid.NodeID) error
	NotifyUnfollow(target cryptoid.NodeID) error
	Connected() bool
}

// Broadcaster fans a control-plane event out to every connected control
// client. *control.Server satisfies this.
type Broadcaster interface {
	Broadcast(event map[string]any)
}

// Config bundles everything the daemon needs. Identity, Follows, Inbox,
// Rooms and Relay must all be non-nil; Ingress and Logger default to
// spec-standard values if left zero.
type Config struct {
	Identity *cryptoid.Identity
	Follows  *followgraph.Store
	Inbox    *inbox.Inbox
	Rooms    *rooms.Store
	Relay    RelayClient
	Ingress  *ingress.Policy
	Logger   *slog.Logger
}

// Daemon implements control.NodeAPI over the wired components in Config,
// and is the OnEnvelope target for the relay connection that carries them.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	acks     *ackTracker
	peerKeys *peerKeyCache

	broadcastMu sync.Mutex
	broadcaster Broadcaster

	usernameMu sync.Mutex
	username   string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Daemon. SetBroadcaster must be called once the
// control.Server wrapping this daemon exists, since the server itself
// needs the daemon to construct.
func New(cfg Config) *Daemon {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Ingress == nil {
		cfg.Ingress = ingress.NewPolicy()
	}
	return &Daemon{
		cfg:        cfg,
		logger:     cfg.Logger,
		acks:       newAckTracker(),
		peerKeys:   newPeerKeyCache(),
		shutdownCh: make(chan struct{}),
	}
}

// SetBroadcaster wires the control server this daemon emits events to.
func (d *Daemon) SetBroadcaster(b Broadcaster) {
	d.broadcastMu.Lock()
	defer d.broadcastMu.Unlock()
	d.broadcaster = b
}

func (d *Daemon) broadcast(event map[string]any) {
	d.broadcastMu.Lock()
	b := d.broadcaster
	d.broadcastMu.Unlock()
	if b != nil {
		b.Broadcast(event)
	}
}

// Done is closed once Shutdown has been called, so a cmd/agentbook-node
// main loop can select on it alongside OS signals.
func (d *Daemon) Done() <-chan struct{} {
	return d.shutdownCh
}

// aadFollowNotice/aadUnfollowNotice mirror relayclient's constants of the
// same names: both sides of the wire must agree on these strings
// independently since neither package imports the other for them.
const (
	aadFollowNotice   = "social/followed"
	aadUnfollowNotice = "social/unfollowed"
)

// HandleEnvelope is the relayclient.Config.OnEnvelope callback: it runs
// every inbound envelope through the ingress policy and, once validated,
// dispatches it by message type.
func (d *Daemon) HandleEnvelope(env *envelope.Envelope) {
	room := ""
	if env.Type == envelope.RoomMessage {
		room = string(env.AADHint)
	}

	validated, err := d.cfg.Ingress.Check(env, d.cfg.Follows.Current(), d.acks, room, time.Now())
	if err != nil {
		d.logger.Warn("envelope rejected by ingress policy", logging.KeyMessageType, env.Type.String(), logging.KeyError, err)
		return
	}
	d.peerKeys.Remember(*validated.SenderID, validated.SenderKey)

	switch env.Type {
	case envelope.Dm:
		d.handleDM(validated)
	case envelope.FeedPost:
		d.handleFeedPost(validated)
	case envelope.RoomMessage:
		d.handleRoomMessage(validated, room)
	case envelope.Control:
		d.handleControl(validated)
	case envelope.Ack:
		// Already authenticated as a legitimate ack by ingress.Check's
		// AckExpector gate; nothing further to do with it.
	}
}

func (d *Daemon) handleDM(v *ingress.ValidatedEnvelope) {
	body, err := openDM(d.cfg.Identity, v.SenderKey, v.Envelope)
	if err != nil {
		d.logger.Warn("failed to open dm", logging.KeyError, err)
		return
	}

	entry := inbox.Entry{
		MessageID:        inbox.DeriveMessageID(*v.SenderID, v.Envelope.Nonce, v.Envelope.TimestampMs),
		FromNodeID:       *v.SenderID,
		FromUsernameHint: d.usernameHintFor(*v.SenderID),
		MessageType:      envelope.Dm,
		Body:             body,
		TimestampMs:      v.Envelope.TimestampMs,
	}
	if err := d.cfg.Inbox.Append(entry); err != nil {
		d.logger.Warn("failed to append dm to inbox", logging.KeyError, err)
		return
	}

	d.broadcast(map[string]any{
		"type":       "new_message",
		"message_id": entry.MessageID.String(),
		"from":       entry.FromNodeID.String(),
		"kind":       "dm",
		"preview":    preview(entry.Body),
	})
	d.sendAck(*v.SenderID)
}

func (d *Daemon) handleFeedPost(v *ingress.ValidatedEnvelope) {
	body, err := openFeedPost(d.cfg.Identity, v.SenderKey, v.Envelope)
	if err != nil {
		if !apperr.Is(err, apperr.NotFollowed) {
			d.logger.Warn("failed to open feed post", logging.KeyError, err)
		}
		return
	}

	entry := inbox.Entry{
		MessageID:        inbox.DeriveMessageID(*v.SenderID, v.Envelope.Nonce, v.Envelope.TimestampMs),
		FromNodeID:       *v.SenderID,
		FromUsernameHint: d.usernameHintFor(*v.SenderID),
		MessageType:      envelope.FeedPost,
		Body:             body,
		TimestampMs:      v.Envelope.TimestampMs,
	}
	if err := d.cfg.Inbox.Append(entry); err != nil {
		d.logger.Warn("failed to append feed post to inbox", logging.KeyError, err)
		return
	}

	d.broadcast(map[string]any{
		"type":       "new_message",
		"message_id": entry.MessageID.String(),
		"from":       entry.FromNodeID.String(),
		"kind":       "feed_post",
		"preview":    preview(entry.Body),
	})
	d.sendAck(*v.SenderID)
}

func (d *Daemon) handleRoomMessage(v *ingress.ValidatedEnvelope, room string) {
	if !d.cfg.Rooms.Current().Joined(room) {
		return
	}

	body, err := openRoomMessage(d.cfg.Rooms, room, v.Envelope)
	if err != nil {
		if apperr.Is(err, apperr.Unauthorized) {
			d.logger.Debug("dropping secure room message, passphrase not supplied yet", logging.KeyRoom, room)
		} else {
			d.logger.Warn("failed to open room message", logging.KeyRoom, room, logging.KeyError, err)
		}
		return
	}

	entry := inbox.Entry{
		MessageID:        inbox.DeriveMessageID(*v.SenderID, v.Envelope.Nonce, v.Envelope.TimestampMs),
		FromNodeID:       *v.SenderID,
		FromUsernameHint: d.usernameHintFor(*v.SenderID),
		MessageType:      envelope.RoomMessage,
		Room:             room,
		Body:             body,
		TimestampMs:      v.Envelope.TimestampMs,
	}
	if err := d.cfg.Inbox.Append(entry); err != nil {
		d.logger.Warn("failed to append room message to inbox", logging.KeyError, err)
		return
	}

	d.broadcast(map[string]any{
		"type":       "new_room_message",
		"message_id": entry.MessageID.String(),
		"from":       entry.FromNodeID.String(),
		"room":       room,
		"preview":    preview(entry.Body),
	})
}

func (d *Daemon) handleControl(v *ingress.ValidatedEnvelope) {
	switch string(v.Envelope.AADHint) {
	case aadFollowNotice:
		if err := d.cfg.Follows.AddFollower(*v.SenderID, ""); err != nil {
			d.logger.Warn("failed to record follower", logging.KeyError, err)
			return
		}
		d.broadcast(map[string]any{
			"type": "new_follower",
			"from": v.SenderID.String(),
		})
	case aadUnfollowNotice:
		if err := d.cfg.Follows.RemoveFollower(*v.SenderID); err != nil {
			d.logger.Warn("failed to remove follower", logging.KeyError, err)
		}
	}
}

// sendAck sends a best-effort Ack envelope back to the sender of a Dm or
// FeedPost we just decrypted and stored. Delivery is not guaranteed and no
// error is surfaced to the caller: an ack is a courtesy, not part of the
// delivery guarantee itself.
func (d *Daemon) sendAck(to cryptoid.NodeID) {
	nonce, err := cryptoid.NewNonce()
	if err != nil {
		return
	}
	e := &envelope.Envelope{
		Version:     envelope.Version,
		From:        d.cfg.Identity.NodeID,
		To:          to,
		Type:        envelope.Ack,
		Nonce:       nonce,
		TimestampMs: uint64(time.Now().UnixMilli()),
		AADHint:     []byte("ack/v1"),
	}
	if err := e.Sign(d.cfg.Identity); err != nil {
		return
	}
	if err := d.cfg.Relay.Send(e); err != nil {
		d.logger.Debug("failed to send ack", logging.KeyError, err)
	}
}

func (d *Daemon) usernameHintFor(id cryptoid.NodeID) string {
	if f, ok := d.cfg.Follows.Current().Follows[id]; ok {
		return f.UsernameHint
	}
	return ""
}

func preview(body []byte) string {
	s := string(body)
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "…"
}

func isUsername(raw string) bool {
	return strings.HasPrefix(raw, "@")
}
