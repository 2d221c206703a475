package node

import (
	"context"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
)

// resolveNodeID turns a control-operation target (spec §6.2: "@username"
// or "0x..."-prefixed node id) into a NodeID. A username form is resolved
// through the relay's directory and its public key is cached for later
// use; a raw node id form needs no relay round trip but also yields no
// key, since follow/unfollow/block never need one.
func (d *Daemon) resolveNodeID(ctx context.Context, raw string) (cryptoid.NodeID, string, error) {
	if isUsername(raw) {
		username := strings.TrimPrefix(raw, "@")
		nodeID, rawPub, err := d.cfg.Relay.LookupUsername(ctx, username)
		if err != nil {
			return cryptoid.NodeID{}, "", err
		}
		if pub, perr := cryptoid.ParsePublicKey(rawPub); perr == nil {
			d.peerKeys.Remember(nodeID, pub)
		}
		return nodeID, username, nil
	}

	nodeID, err := cryptoid.ParseNodeID(raw)
	if err != nil {
		return cryptoid.NodeID{}, "", apperr.New(apperr.Protocol, "target must be @username or a 0x-prefixed node id")
	}
	return nodeID, "", nil
}

// resolveRecipientKey is resolveNodeID plus the recipient's public key,
// needed to build a Dm or wrap a FeedPost content key for them. A raw node
// id target we have never seen traffic from or looked up by username has
// no cached key and send_dm/post_feed cannot address it yet.
func (d *Daemon) resolveRecipientKey(ctx context.Context, raw string) (cryptoid.NodeID, *secp256k1.PublicKey, error) {
	nodeID, _, err := d.resolveNodeID(ctx, raw)
	if err != nil {
		return cryptoid.NodeID{}, nil, err
	}
	pub, ok := d.peerKeys.Get(nodeID)
	if !ok {
		return nodeID, nil, apperr.New(apperr.NotFound, "no known public key for this node id yet; look it up by username first")
	}
	return nodeID, pub, nil
}
