// Package relayclient is the node-side half of the node<->relay transport
// (spec §4.7): a single long-lived bidirectional stream to one configured
// relay, with automatic reconnect, room re-subscription, and one-shot
// username re-registration on every successful reconnect.
package relayclient

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
	"github.com/agentbook/agentbook/internal/logging"
	"github.com/agentbook/agentbook/internal/recovery"
	"github.com/agentbook/agentbook/internal/transport"
)

// ConnectionState mirrors the lifecycle of the client's single relay
// connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateRegistering
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateRegistering:
		return "REGISTERING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// outboundQueueDepth matches the relay's per-session queue so a client never
// builds unbounded backlog against a stalled connection (spec §4.7).
const outboundQueueDepth = 256

// Reconnect timing (spec §4.7): exponential backoff from 500ms, capped at
// 30s, with +/-20% jitter.
const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

const registrationTimeout = 10 * time.Second
const sendTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	RelayAddr string
	Identity  *cryptoid.Identity
	Transport transport.Transport
	Logger    *slog.Logger

	// OnEnvelope is invoked for every envelope the relay delivers.
	OnEnvelope func(*envelope.Envelope)
	// OnStateChange is invoked whenever the connection's state transitions.
	OnStateChange func(ConnectionState)
}

// Client owns the single persistent connection to one relay.
type Client struct {
	cfg Config

	mu          sync.Mutex
	state       ConnectionState
	conn        transport.PeerConn
	stream      transport.Stream
	rooms       map[string]struct{}
	username    string
	hasUsername bool

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	directoryMu  sync.Mutex
	pendingReply chan *envelope.Envelope
}

// NewClient creates a Client ready to Run.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Client{
		cfg:    cfg,
		rooms:  make(map[string]struct{}),
		sendCh: make(chan []byte, outboundQueueDepth),
		done:   make(chan struct{}),
	}
}

// State returns the client's current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client currently has a live relay
// connection, for callers (node health checks) that only care about the
// binary distinction and not the full reconnect state machine.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// JoinRoom records room as joined and, if connected, sends the subscribe
// control frame immediately. Room membership is replayed automatically on
// every reconnect.
func (c *Client) JoinRoom(room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return c.sendControl(controlRoomSubscribe, []byte(room))
}

// LeaveRoom forgets room and, if connected, sends the unsubscribe control
// frame immediately.
func (c *Client) LeaveRoom(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	return c.sendControl(controlRoomUnsubscribe, []byte(room))
}

// SetUsername records the node's claimed username for replay after
// reconnect. RegisterUsername (node-side) still goes over the control
// plane to the relay's directory; this only affects what Run resends after
// a fresh connection.
func (c *Client) SetUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.hasUsername = true
	c.mu.Unlock()
}

const (
	controlRoomSubscribe   = "room/subscribe"
	controlRoomUnsubscribe = "room/unsubscribe"
)

// Reserved AADHint values for peer-to-peer follow notifications (spec §4.4,
// §9 open question (a)): unlike the relay-facing control frames above,
// these are signed and addressed directly to the followed node's NodeID so
// the relay's ordinary routing (not a relay-local handler) carries them.
const (
	controlFollowNotice   = "social/followed"
	controlUnfollowNotice = "social/unfollowed"
)

// NotifyFollow signs and sends a Control envelope telling target that this
// node now follows them, so target can populate its own followers set
// (internal/followgraph.Store.AddFollower). This is purely informative:
// spec §9 open question (a) makes mutuality emergent, never enforced by
// either side's store.
func (c *Client) NotifyFollow(target cryptoid.NodeID) error {
	return c.sendDirectControl(target, controlFollowNotice, nil)
}

// NotifyUnfollow signs and sends a Control envelope telling target that
// this node no longer follows them.
func (c *Client) NotifyUnfollow(target cryptoid.NodeID) error {
	return c.sendDirectControl(target, controlUnfollowNotice, nil)
}

// sendDirectControl signs a Control envelope addressed to target (as
// opposed to sendControl's self-addressed relay-facing frames) and enqueues
// it for delivery through the relay's ordinary routing.
func (c *Client) sendDirectControl(target cryptoid.NodeID, aadHint string, payload []byte) error {
	c.mu.Lock()
	id := c.cfg.Identity
	c.mu.Unlock()

	env := &envelope.Envelope{
		Version:     envelope.Version,
		From:        id.NodeID,
		To:          target,
		Type:        envelope.Control,
		TimestampMs: uint64(time.Now().UnixMilli()),
		AADHint:     []byte(aadHint),
		Payload:     payload,
	}
	if err := env.Sign(id); err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) sendControl(aadHint string, payload []byte) error {
	c.mu.Lock()
	id := c.cfg.Identity
	c.mu.Unlock()

	env := &envelope.Envelope{
		Version:     envelope.Version,
		From:        id.NodeID,
		To:          id.NodeID,
		Type:        envelope.Control,
		TimestampMs: uint64(time.Now().UnixMilli()),
		AADHint:     []byte(aadHint),
		Payload:     payload,
	}
	if err := env.Sign(id); err != nil {
		return err
	}
	return c.Send(env)
}

// Send enqueues env for transmission to the relay. It fails immediately
// with apperr.Transport rather than blocking if the outbound queue is full
// (spec §4.7).
func (c *Client) Send(env *envelope.Envelope) error {
	encoded, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- encoded:
		return nil
	default:
		return apperr.New(apperr.Transport, "relay client outbound queue full")
	}
}

// Run drives the connect/register/serve/reconnect loop until ctx is
// cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(c.cfg.Logger, "relayclient.Run")

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
			c.sleepBackoff(ctx, attempt)
		}

		err := c.connectAndServe(ctx)
		if err == nil {
			return nil
		}
		c.cfg.Logger.Warn("relay connection lost", logging.KeyError, err)
		attempt++
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	delay := float64(initialBackoff) * math.Pow(backoffFactor, float64(attempt-1))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	delay = addJitter(delay, jitterFraction)

	select {
	case <-time.After(time.Duration(delay)):
	case <-ctx.Done():
	}
}

func addJitter(delayNs float64, fraction float64) float64 {
	var b [8]byte
	rand.Read(b[:])
	r := float64(b[0]) / 255.0 // uniform in [0,1]
	jitterRange := delayNs * fraction
	return delayNs - jitterRange + r*2*jitterRange
}

// connectAndServe performs one full connection lifecycle: dial, register,
// replay room/username state, then run reader and writer loops until the
// connection fails or ctx is cancelled (a nil return means clean shutdown).
func (c *Client) connectAndServe(ctx context.Context) error {
	conn, err := c.cfg.Transport.Dial(ctx, c.cfg.RelayAddr, transport.DefaultDialOptions())
	if err != nil {
		return apperr.Wrap(apperr.Transport, "dial relay", err)
	}
	defer conn.Close()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transport, "open registration stream", err)
	}

	c.setState(StateRegistering)
	if err := c.register(ctx, stream); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	c.setState(StateConnected)
	c.replayState()

	errCh := make(chan error, 2)
	go func() {
		defer recovery.RecoverWithLog(c.cfg.Logger, "relayclient.writeLoop")
		errCh <- c.writeLoop(ctx, stream)
	}()
	go func() {
		defer recovery.RecoverWithLog(c.cfg.Logger, "relayclient.readLoop")
		errCh <- c.readLoop(stream)
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-c.done:
		return nil
	case err := <-errCh:
		return err
	}
}

// register runs the node side of the relay's challenge-response handshake
// (spec §4.6): read the raw challenge, sign it inside a Control envelope's
// Payload, send it back.
func (c *Client) register(ctx context.Context, stream transport.Stream) error {
	stream.SetDeadline(time.Now().Add(registrationTimeout))

	var challenge [32]byte
	if _, err := readFull(stream, challenge[:]); err != nil {
		return apperr.Wrap(apperr.Transport, "read registration challenge", err)
	}

	id := c.cfg.Identity
	env := &envelope.Envelope{
		Version:     envelope.Version,
		From:        id.NodeID,
		To:          id.NodeID,
		Type:        envelope.Control,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     challenge[:],
	}
	if err := env.Sign(id); err != nil {
		return err
	}
	encoded, err := env.Encode()
	if err != nil {
		return err
	}
	if err := envelope.WriteFrame(stream, encoded); err != nil {
		return apperr.Wrap(apperr.Transport, "send registration response", err)
	}
	return stream.SetDeadline(time.Time{})
}

func readFull(stream transport.Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := stream.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// replayState re-sends room subscriptions and the username claim after a
// fresh connection (spec §4.7: "every successful reconnect re-subscribes to
// all joined rooms and (once) re-registers usernames").
func (c *Client) replayState() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	username, hasUsername := c.username, c.hasUsername
	c.mu.Unlock()

	for _, room := range rooms {
		if err := c.sendControl(controlRoomSubscribe, []byte(room)); err != nil {
			c.cfg.Logger.Warn("failed to resubscribe to room", logging.KeyRoom, room, logging.KeyError, err)
		}
	}
	if hasUsername {
		if err := c.sendControl(controlUsernameClaim, []byte(username)); err != nil {
			c.cfg.Logger.Warn("failed to re-register username", logging.KeyUsername, username, logging.KeyError, err)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, stream transport.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case encoded := <-c.sendCh:
			stream.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := envelope.WriteFrame(stream, encoded); err != nil {
				return apperr.Wrap(apperr.Transport, "write to relay", err)
			}
		}
	}
}

func (c *Client) readLoop(stream transport.Stream) error {
	for {
		raw, err := envelope.ReadFrame(stream)
		if err != nil {
			return apperr.Wrap(apperr.Transport, "read from relay", err)
		}
		env, err := envelope.Decode(raw)
		if err != nil {
			c.cfg.Logger.Warn("dropping undecodable envelope from relay", logging.KeyError, err)
			continue
		}
		if c.handleDirectoryReply(env) {
			continue
		}
		if c.cfg.OnEnvelope != nil {
			c.cfg.OnEnvelope(env)
		}
	}
}

// Close stops the client permanently, closing its current connection if any.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}
