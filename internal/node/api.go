package node

import (
	"context"
	"encoding/base64"
	"time"
	"unicode/utf8"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
	"github.com/agentbook/agentbook/internal/feedpost"
	"github.com/agentbook/agentbook/internal/inbox"
	"github.com/agentbook/agentbook/internal/rooms"
)

// roomMessageMaxRunes is the per-message character limit for room_send
// (spec §6.2).
const roomMessageMaxRunes = 140

// Identity implements control.NodeAPI.
func (d *Daemon) Identity(ctx context.Context) (any, error) {
	d.usernameMu.Lock()
	username := d.username
	d.usernameMu.Unlock()

	resp := map[string]any{
		"node_id":        d.cfg.Identity.NodeID.String(),
		"public_key_b64": base64.StdEncoding.EncodeToString(d.cfg.Identity.PublicKey.SerializeUncompressed()),
	}
	if username != "" {
		resp["username"] = username
	}
	return resp, nil
}

// Health implements control.NodeAPI.
func (d *Daemon) Health(ctx context.Context) (any, error) {
	snap := d.cfg.Follows.Current()
	return map[string]any{
		"healthy":         true,
		"relay_connected": d.cfg.Relay.Connected(),
		"following_count": len(snap.Follows),
		"unread_count":    d.cfg.Inbox.UnreadCount(),
	}, nil
}

// Follow implements control.NodeAPI.
func (d *Daemon) Follow(ctx context.Context, target string) (any, error) {
	nodeID, hint, err := d.resolveNodeID(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := d.cfg.Follows.Follow(nodeID, hint); err != nil {
		return nil, err
	}
	if err := d.cfg.Relay.NotifyFollow(nodeID); err != nil {
		d.logger.Debug("failed to notify target of follow", "target", nodeID.String())
	}
	return map[string]any{"node_id": nodeID.String()}, nil
}

// Unfollow implements control.NodeAPI.
func (d *Daemon) Unfollow(ctx context.Context, target string) (any, error) {
	nodeID, _, err := d.resolveNodeID(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := d.cfg.Follows.Unfollow(nodeID); err != nil {
		return nil, err
	}
	if err := d.cfg.Relay.NotifyUnfollow(nodeID); err != nil {
		d.logger.Debug("failed to notify target of unfollow", "target", nodeID.String())
	}
	return map[string]any{"node_id": nodeID.String()}, nil
}

// Block implements control.NodeAPI.
func (d *Daemon) Block(ctx context.Context, target string) (any, error) {
	nodeID, _, err := d.resolveNodeID(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := d.cfg.Follows.Block(nodeID); err != nil {
		return nil, err
	}
	return map[string]any{"node_id": nodeID.String()}, nil
}

// Following implements control.NodeAPI.
func (d *Daemon) Following(ctx context.Context) (any, error) {
	snap := d.cfg.Follows.Current()
	out := make([]map[string]any, 0, len(snap.Follows))
	for _, f := range snap.Follows {
		out = append(out, map[string]any{
			"node_id":        f.NodeID.String(),
			"username_hint":  f.UsernameHint,
			"followed_at_ms": f.FollowedAtMs,
		})
	}
	return out, nil
}

// Followers implements control.NodeAPI.
func (d *Daemon) Followers(ctx context.Context) (any, error) {
	snap := d.cfg.Follows.Current()
	out := make([]map[string]any, 0, len(snap.Followers))
	for _, f := range snap.Followers {
		out = append(out, map[string]any{
			"node_id":        f.NodeID.String(),
			"username_hint":  f.UsernameHint,
			"notified_at_ms": f.NotifiedAtMs,
		})
	}
	return out, nil
}

// RegisterUsername implements control.NodeAPI.
func (d *Daemon) RegisterUsername(ctx context.Context, username string) (any, error) {
	if err := d.cfg.Relay.ClaimUsername(ctx, username); err != nil {
		return nil, err
	}
	d.usernameMu.Lock()
	d.username = username
	d.usernameMu.Unlock()
	return map[string]any{"username": username}, nil
}

// LookupUsername implements control.NodeAPI.
func (d *Daemon) LookupUsername(ctx context.Context, username string) (any, error) {
	nodeID, rawPub, err := d.cfg.Relay.LookupUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if pub, perr := cryptoid.ParsePublicKey(rawPub); perr == nil {
		d.peerKeys.Remember(nodeID, pub)
	}
	return map[string]any{
		"node_id":        nodeID.String(),
		"public_key_b64": base64.StdEncoding.EncodeToString(rawPub),
	}, nil
}

// SendDM implements control.NodeAPI. It fails with apperr.NotMutualFollow
// if target is not in our own follow set (spec §6.2).
func (d *Daemon) SendDM(ctx context.Context, to, body string) (any, error) {
	nodeID, _, err := d.resolveNodeID(ctx, to)
	if err != nil {
		return nil, err
	}
	if !d.cfg.Follows.Current().IsFollowed(nodeID) {
		return nil, apperr.New(apperr.NotMutualFollow, "target is not in your follow list")
	}

	_, pub, err := d.resolveRecipientKey(ctx, to)
	if err != nil {
		return nil, err
	}

	env, err := feedpost.BuildDM(d.cfg.Identity, nodeID, pub, []byte(body), time.Now())
	if err != nil {
		return nil, err
	}
	if err := d.cfg.Relay.Send(env); err != nil {
		return nil, err
	}
	d.acks.RecordSent(nodeID)

	messageID := inbox.DeriveMessageID(env.From, env.Nonce, env.TimestampMs)
	return map[string]any{"message_id": messageID.String()}, nil
}

// PostFeed implements control.NodeAPI. Followers whose public key has
// never been observed (no directory lookup, no prior inbound traffic) are
// silently skipped: a post cannot wrap a content key for a peer we have no
// key for, and spec §9 already treats mutuality as emergent rather than
// something post_feed must guarantee.
func (d *Daemon) PostFeed(ctx context.Context, body string) (any, error) {
	snap := d.cfg.Follows.Current()
	followerKeys := make([]feedpost.FollowerKey, 0, len(snap.Followers))
	for nodeID := range snap.Followers {
		if pub, ok := d.peerKeys.Get(nodeID); ok {
			followerKeys = append(followerKeys, feedpost.FollowerKey{NodeID: nodeID, PublicKey: pub})
		}
	}

	env, err := feedpost.BuildFeedPost(d.cfg.Identity, followerKeys, []byte(body), time.Now())
	if err != nil {
		return nil, err
	}
	if err := d.cfg.Relay.Send(env); err != nil {
		return nil, err
	}
	for _, fk := range followerKeys {
		d.acks.RecordSent(fk.NodeID)
	}

	messageID := inbox.DeriveMessageID(env.From, env.Nonce, env.TimestampMs)
	return map[string]any{"message_id": messageID.String(), "delivered_to": len(followerKeys)}, nil
}

// Inbox implements control.NodeAPI.
func (d *Daemon) Inbox(ctx context.Context, unreadOnly bool, limit int) (any, error) {
	entries, _ := d.cfg.Inbox.Since(0, 0)
	return inboxView(entries, unreadOnly, limit), nil
}

// InboxAck implements control.NodeAPI.
func (d *Daemon) InboxAck(ctx context.Context, messageID string) (any, error) {
	id, err := inbox.ParseMessageID(messageID)
	if err != nil {
		return nil, err
	}
	if err := d.cfg.Inbox.Ack(id); err != nil {
		return nil, err
	}
	return map[string]any{"message_id": messageID}, nil
}

// JoinRoom implements control.NodeAPI.
func (d *Daemon) JoinRoom(ctx context.Context, name, passphrase string) (any, error) {
	if passphrase == "" {
		if err := d.cfg.Rooms.JoinOpen(name); err != nil {
			return nil, err
		}
	} else {
		if err := d.cfg.Rooms.JoinSecure(name, passphrase); err != nil {
			return nil, err
		}
	}
	if err := d.cfg.Relay.JoinRoom(name); err != nil {
		return nil, err
	}
	return map[string]any{"name": name}, nil
}

// LeaveRoom implements control.NodeAPI.
func (d *Daemon) LeaveRoom(ctx context.Context, name string) (any, error) {
	if err := d.cfg.Rooms.Leave(name); err != nil {
		return nil, err
	}
	if err := d.cfg.Relay.LeaveRoom(name); err != nil {
		return nil, err
	}
	return map[string]any{"name": name}, nil
}

// Rooms implements control.NodeAPI.
func (d *Daemon) Rooms(ctx context.Context) (any, error) {
	snap := d.cfg.Rooms.Current()
	out := make([]map[string]any, 0, len(snap.Rooms))
	for _, r := range snap.Rooms {
		out = append(out, map[string]any{
			"name":             r.Name,
			"mode":             r.Mode.String(),
			"joined_at_ms":     r.JoinedAtMs,
			"needs_passphrase": d.cfg.Rooms.NeedsPassphrase(r.Name),
		})
	}
	return out, nil
}

// RoomSend implements control.NodeAPI.
func (d *Daemon) RoomSend(ctx context.Context, room, body string) (any, error) {
	if utf8.RuneCountInString(body) > roomMessageMaxRunes {
		return nil, apperr.New(apperr.Protocol, "room message exceeds 140 characters")
	}

	membership, ok := d.cfg.Rooms.Current().Rooms[room]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "room not joined")
	}
	if !d.cfg.Ingress.Room.Allow(room, d.cfg.Identity.NodeID, time.Now()) {
		return nil, apperr.New(apperr.RateLimited, "room rate limit exceeded")
	}

	var env *envelope.Envelope
	var err error
	switch membership.Mode {
	case rooms.Secure:
		key, ok := d.cfg.Rooms.Key(room)
		if !ok {
			return nil, apperr.New(apperr.Unauthorized, "room passphrase required")
		}
		env, err = feedpost.BuildSecureRoomMessage(d.cfg.Identity, room, key, []byte(body), time.Now())
	default:
		env, err = feedpost.BuildOpenRoomMessage(d.cfg.Identity, room, []byte(body), time.Now())
	}
	if err != nil {
		return nil, err
	}
	if err := d.cfg.Relay.Send(env); err != nil {
		return nil, err
	}

	messageID := inbox.DeriveMessageID(env.From, env.Nonce, env.TimestampMs)
	return map[string]any{"message_id": messageID.String()}, nil
}

// RoomInbox implements control.NodeAPI.
func (d *Daemon) RoomInbox(ctx context.Context, room string, limit int) (any, error) {
	entries, _ := d.cfg.Inbox.SinceRoom(room, 0, limit)
	return inboxView(entries, false, limit), nil
}

// Shutdown implements control.NodeAPI.
func (d *Daemon) Shutdown(ctx context.Context) (any, error) {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
	return map[string]any{"shutting_down": true}, nil
}

func inboxView(entries []inbox.Entry, unreadOnly bool, limit int) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if unreadOnly && e.Acked {
			continue
		}
		out = append(out, map[string]any{
			"message_id":         e.MessageID.String(),
			"from_node_id":       e.FromNodeID.String(),
			"from_username_hint": e.FromUsernameHint,
			"message_type":       e.MessageType.String(),
			"room":               e.Room,
			"body":               string(e.Body),
			"timestamp_ms":       e.TimestampMs,
			"acked":              e.Acked,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
