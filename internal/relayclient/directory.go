package relayclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
)

// Reserved AADHint values for the username directory's request/reply
// exchange (spec §4.6), mirroring internal/relay/host.go's constants of
// the same names.
const (
	controlUsernameClaim       = "username/claim"
	controlUsernameLookup      = "username/lookup"
	controlUsernameClaimReply  = "username/claim/reply"
	controlUsernameLookupReply = "username/lookup/reply"
)

const directoryRequestTimeout = 10 * time.Second

// directoryReply mirrors the relay's reply payload shape.
type directoryReply struct {
	OK           bool   `json:"ok"`
	NodeID       string `json:"node_id,omitempty"`
	PublicKeyB64 string `json:"public_key_b64,omitempty"`
	Code         string `json:"code,omitempty"`
}

// handleDirectoryReply intercepts username claim/lookup reply envelopes
// before they would otherwise reach cfg.OnEnvelope, delivering them to
// whichever call is waiting on pendingReply. Reports whether it consumed
// env. The directory protocol allows at most one outstanding request at a
// time (see directoryMu in ClaimUsername/LookupUsername), so a single
// one-slot handoff channel is enough.
func (c *Client) handleDirectoryReply(env *envelope.Envelope) bool {
	if env.Type != envelope.Control {
		return false
	}
	switch string(env.AADHint) {
	case controlUsernameClaimReply, controlUsernameLookupReply:
	default:
		return false
	}

	c.mu.Lock()
	ch := c.pendingReply
	c.mu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

// sendDirectoryRequest sends a Control envelope carrying aadHint/payload to
// the relay and waits for the matching reply, serializing concurrent
// directory calls against this client since there is exactly one reply
// slot in flight at a time.
func (c *Client) sendDirectoryRequest(ctx context.Context, aadHint string, payload []byte) (*directoryReply, error) {
	c.directoryMu.Lock()
	defer c.directoryMu.Unlock()

	replyCh := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	c.pendingReply = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pendingReply = nil
		c.mu.Unlock()
	}()

	if err := c.sendControl(aadHint, payload); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(directoryRequestTimeout)
	defer timeout.Stop()

	select {
	case env := <-replyCh:
		var reply directoryReply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			return nil, apperr.Wrap(apperr.Protocol, "decode directory reply", err)
		}
		if !reply.OK {
			code := apperr.Code(reply.Code)
			if code == "" {
				code = apperr.Protocol
			}
			return nil, apperr.New(code, "directory request failed")
		}
		return &reply, nil
	case <-timeout.C:
		return nil, apperr.New(apperr.Transport, "directory request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, apperr.New(apperr.NotConnected, "client closed")
	}
}

// ClaimUsername sends a signed username claim to the relay and waits for
// the result. On success, it also records username for replay on future
// reconnects (spec §4.7).
func (c *Client) ClaimUsername(ctx context.Context, username string) error {
	if _, err := c.sendDirectoryRequest(ctx, controlUsernameClaim, []byte(username)); err != nil {
		return err
	}
	c.SetUsername(username)
	return nil
}

// LookupUsername resolves username to its claimed node ID and public key
// via the relay's directory.
func (c *Client) LookupUsername(ctx context.Context, username string) (cryptoid.NodeID, []byte, error) {
	reply, err := c.sendDirectoryRequest(ctx, controlUsernameLookup, []byte(username))
	if err != nil {
		return cryptoid.NodeID{}, nil, err
	}
	nodeID, err := cryptoid.ParseNodeID(reply.NodeID)
	if err != nil {
		return cryptoid.NodeID{}, nil, apperr.Wrap(apperr.Protocol, "parse looked up node id", err)
	}
	pubKey, err := base64.StdEncoding.DecodeString(reply.PublicKeyB64)
	if err != nil {
		return cryptoid.NodeID{}, nil, apperr.Wrap(apperr.Protocol, "decode looked up public key", err)
	}
	return nodeID, pubKey, nil
}
