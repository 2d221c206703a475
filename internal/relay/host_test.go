package relay

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
	"github.com/agentbook/agentbook/internal/transport"
)

// pipeStream adapts a net.Conn (as produced by net.Pipe) to transport.Stream.
type pipeStream struct {
	net.Conn
}

func (s pipeStream) StreamID() uint64  { return 0 }
func (s pipeStream) CloseWrite() error { return nil }
func (s pipeStream) SetDeadline(t time.Time) error {
	return s.Conn.SetDeadline(t)
}

// pipeConn is a transport.PeerConn backed by a single net.Pipe stream.
// registerHandshake only ever stores the conn on the resulting Session, so
// its stream methods are never exercised here.
type pipeConn struct {
	stream transport.Stream
}

func newPipeConn(conn net.Conn) *pipeConn {
	return &pipeConn{stream: pipeStream{conn}}
}

func (c *pipeConn) OpenStream(ctx context.Context) (transport.Stream, error)   { return c.stream, nil }
func (c *pipeConn) AcceptStream(ctx context.Context) (transport.Stream, error) { return c.stream, nil }
func (c *pipeConn) Close() error                                               { return c.stream.Close() }
func (c *pipeConn) LocalAddr() net.Addr                                        { return fakeAddr("local") }
func (c *pipeConn) RemoteAddr() net.Addr                                       { return fakeAddr("remote") }
func (c *pipeConn) IsDialer() bool                                             { return false }
func (c *pipeConn) TransportType() transport.TransportType                     { return transport.TransportQUIC }

// nodeRegister runs the node side of the registration handshake over stream:
// read the challenge, sign a Control envelope whose payload echoes it, and
// write the framed envelope back.
func nodeRegister(t *testing.T, id *cryptoid.Identity, stream transport.Stream) {
	t.Helper()
	var challenge [challengeSize]byte
	if _, err := readFull(stream, challenge[:]); err != nil {
		t.Fatalf("read challenge: %v", err)
	}

	env := &envelope.Envelope{
		Version:     envelope.Version,
		From:        id.NodeID,
		To:          id.NodeID,
		Type:        envelope.Control,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     challenge[:],
	}
	if err := env.Sign(id); err != nil {
		t.Fatalf("sign registration response: %v", err)
	}
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("encode registration response: %v", err)
	}
	if err := envelope.WriteFrame(stream, encoded); err != nil {
		t.Fatalf("write registration response: %v", err)
	}
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

func TestRegisterHandshakeSucceeds(t *testing.T) {
	relaySide, nodeSide := net.Pipe()
	defer relaySide.Close()
	defer nodeSide.Close()

	id, err := cryptoid.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	h := NewHost(HostConfig{})
	stream := pipeStream{relaySide}

	go nodeRegister(t, id, pipeStream{nodeSide})

	sess, err := h.registerHandshake(context.Background(), newPipeConn(relaySide), stream)
	if err != nil {
		t.Fatalf("registerHandshake: %v", err)
	}
	if sess.NodeID != id.NodeID {
		t.Fatalf("got node id %v, want %v", sess.NodeID, id.NodeID)
	}
}

func TestRegisterHandshakeRejectsWrongChallengeEcho(t *testing.T) {
	relaySide, nodeSide := net.Pipe()
	defer relaySide.Close()
	defer nodeSide.Close()

	id, err := cryptoid.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	h := NewHost(HostConfig{})
	stream := pipeStream{relaySide}

	go func() {
		var challenge [challengeSize]byte
		readFull(pipeStream{nodeSide}, challenge[:])

		env := &envelope.Envelope{
			Version:     envelope.Version,
			From:        id.NodeID,
			To:          id.NodeID,
			Type:        envelope.Control,
			TimestampMs: uint64(time.Now().UnixMilli()),
			Payload:     []byte("not the challenge"),
		}
		env.Sign(id)
		encoded, _ := env.Encode()
		envelope.WriteFrame(pipeStream{nodeSide}, encoded)
	}()

	_, err = h.registerHandshake(context.Background(), newPipeConn(relaySide), stream)
	if err == nil {
		t.Fatal("expected registration with mismatched challenge echo to fail")
	}
}

func TestHandleRoomControlSubscribeAndUnsubscribe(t *testing.T) {
	h := NewHost(HostConfig{})
	sess := newSession(randomNodeID(t), nil, &connStub{})
	h.sessions.put(sess.NodeID, sess)

	sub := &envelope.Envelope{
		Version: envelope.Version,
		From:    sess.NodeID,
		Type:    envelope.Control,
		AADHint: []byte(controlRoomSubscribe),
		Payload: []byte("general"),
	}
	if !h.handleRoomControl(sub, sess) {
		t.Fatal("expected room subscribe to be handled locally")
	}
	if !sess.inRoom("general") {
		t.Fatal("expected session to be joined to the room")
	}

	unsub := &envelope.Envelope{
		Version: envelope.Version,
		From:    sess.NodeID,
		Type:    envelope.Control,
		AADHint: []byte(controlRoomUnsubscribe),
		Payload: []byte("general"),
	}
	if !h.handleRoomControl(unsub, sess) {
		t.Fatal("expected room unsubscribe to be handled locally")
	}
	if sess.inRoom("general") {
		t.Fatal("expected session to have left the room")
	}

	other := &envelope.Envelope{Type: envelope.Control, AADHint: []byte("relay/dropped")}
	if h.handleRoomControl(other, sess) {
		t.Fatal("expected unrelated control envelopes to pass through unhandled")
	}
}

func TestRouteRoomMessageFansOutToOtherMembers(t *testing.T) {
	h := NewHost(HostConfig{})

	sender := newSession(randomNodeID(t), nil, &connStub{})
	memberA := newSession(randomNodeID(t), nil, &connStub{})
	memberB := newSession(randomNodeID(t), nil, &connStub{})
	h.sessions.put(sender.NodeID, sender)
	h.sessions.put(memberA.NodeID, memberA)
	h.sessions.put(memberB.NodeID, memberB)
	sender.joinRoom("general")
	memberA.joinRoom("general")
	memberB.joinRoom("general")

	env := &envelope.Envelope{
		Version: envelope.Version,
		From:    sender.NodeID,
		To:      cryptoid.ZeroNodeID,
		Type:    envelope.RoomMessage,
		AADHint: []byte("general"),
	}
	h.route(env, sender)

	if _, ok := sender.dequeue(); ok {
		t.Fatal("sender should not receive its own room message back")
	}
	if _, ok := memberA.dequeue(); !ok {
		t.Fatal("expected memberA to receive the room message")
	}
	if _, ok := memberB.dequeue(); !ok {
		t.Fatal("expected memberB to receive the room message")
	}
}

func TestRouteDMOverflowNotifiesDropped(t *testing.T) {
	h := NewHost(HostConfig{})

	sender := newSession(randomNodeID(t), nil, &connStub{})
	recipient := newSession(randomNodeID(t), nil, &connStub{})
	h.sessions.put(sender.NodeID, sender)
	h.sessions.put(recipient.NodeID, recipient)

	for i := 0; i < outboundQueueDepth; i++ {
		recipient.Enqueue([]byte{byte(i)}, false)
	}

	env := &envelope.Envelope{
		Version: envelope.Version,
		From:    sender.NodeID,
		To:      recipient.NodeID,
		Type:    envelope.Dm,
	}
	h.route(env, sender)

	select {
	case <-recipient.Done():
	default:
		t.Fatal("expected recipient session to be closed as a slow consumer")
	}

	encoded, ok := sender.dequeue()
	if !ok {
		t.Fatal("expected sender to receive a Dropped notice")
	}
	dropped, err := envelope.Decode(encoded)
	if err != nil {
		t.Fatalf("decode dropped notice: %v", err)
	}
	if dropped.Type != envelope.Control || string(dropped.AADHint) != "relay/dropped" {
		t.Fatalf("unexpected dropped notice: %+v", dropped)
	}
}

func TestHandleDirectoryControlClaimAndLookup(t *testing.T) {
	dir := openTestDirectory(t)
	h := NewHost(HostConfig{Directory: dir})

	id, err := cryptoid.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	sess := newSession(id.NodeID, id.PublicKey.SerializeUncompressed(), &connStub{})
	h.sessions.put(sess.NodeID, sess)

	claim := &envelope.Envelope{
		Version: envelope.Version,
		From:    sess.NodeID,
		To:      sess.NodeID,
		Type:    envelope.Control,
		AADHint: []byte(controlUsernameClaim),
		Payload: []byte("alice"),
	}
	if !h.handleDirectoryControl(context.Background(), claim, sess) {
		t.Fatal("expected username claim to be handled locally")
	}

	claimReplyEncoded, ok := sess.dequeue()
	if !ok {
		t.Fatal("expected a claim reply to be queued")
	}
	claimReply, err := envelope.Decode(claimReplyEncoded)
	if err != nil {
		t.Fatalf("decode claim reply: %v", err)
	}
	var decoded directoryReply
	if err := json.Unmarshal(claimReply.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal claim reply: %v", err)
	}
	if !decoded.OK {
		t.Fatalf("expected claim to succeed, got %+v", decoded)
	}
	if sess.Username != "alice" {
		t.Fatalf("sess.Username = %q, want alice", sess.Username)
	}

	lookup := &envelope.Envelope{
		Version: envelope.Version,
		From:    sess.NodeID,
		To:      sess.NodeID,
		Type:    envelope.Control,
		AADHint: []byte(controlUsernameLookup),
		Payload: []byte("alice"),
	}
	if !h.handleDirectoryControl(context.Background(), lookup, sess) {
		t.Fatal("expected username lookup to be handled locally")
	}

	lookupReplyEncoded, ok := sess.dequeue()
	if !ok {
		t.Fatal("expected a lookup reply to be queued")
	}
	lookupReply, err := envelope.Decode(lookupReplyEncoded)
	if err != nil {
		t.Fatalf("decode lookup reply: %v", err)
	}
	var lookupDecoded directoryReply
	if err := json.Unmarshal(lookupReply.Payload, &lookupDecoded); err != nil {
		t.Fatalf("unmarshal lookup reply: %v", err)
	}
	if !lookupDecoded.OK || lookupDecoded.NodeID != sess.NodeID.String() {
		t.Fatalf("unexpected lookup reply: %+v", lookupDecoded)
	}
}
