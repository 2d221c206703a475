package control

import (
	"context"

	"github.com/agentbook/agentbook/internal/apperr"
)

// request is the union of every field any request type in spec §6.2 may
// carry. Unused fields for a given Type are simply left at their zero value.
type request struct {
	Type string `json:"type"`

	Target     string `json:"target,omitempty"`
	Username   string `json:"username,omitempty"`
	To         string `json:"to,omitempty"`
	Body       string `json:"body,omitempty"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Room       string `json:"room,omitempty"`
}

// dispatch routes a decoded request to the matching NodeAPI method (spec §6.2).
func dispatch(ctx context.Context, api NodeAPI, req request) (any, error) {
	switch req.Type {
	case "identity":
		return api.Identity(ctx)
	case "health":
		return api.Health(ctx)
	case "follow":
		return api.Follow(ctx, req.Target)
	case "unfollow":
		return api.Unfollow(ctx, req.Target)
	case "block":
		return api.Block(ctx, req.Target)
	case "following":
		return api.Following(ctx)
	case "followers":
		return api.Followers(ctx)
	case "register_username":
		return api.RegisterUsername(ctx, req.Username)
	case "lookup_username":
		return api.LookupUsername(ctx, req.Username)
	case "send_dm":
		return api.SendDM(ctx, req.To, req.Body)
	case "post_feed":
		return api.PostFeed(ctx, req.Body)
	case "inbox":
		return api.Inbox(ctx, req.UnreadOnly, req.Limit)
	case "inbox_ack":
		return api.InboxAck(ctx, req.MessageID)
	case "join_room":
		return api.JoinRoom(ctx, req.Name, req.Passphrase)
	case "leave_room":
		return api.LeaveRoom(ctx, req.Name)
	case "rooms":
		return api.Rooms(ctx)
	case "room_send":
		return api.RoomSend(ctx, req.Room, req.Body)
	case "room_inbox":
		return api.RoomInbox(ctx, req.Room, req.Limit)
	case "shutdown":
		return api.Shutdown(ctx)
	default:
		return nil, apperr.New(apperr.Protocol, "unknown request type: "+req.Type)
	}
}
