package ingress

import (
	"testing"
	"time"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/cryptoid"
	"github.com/agentbook/agentbook/internal/envelope"
)

type fakeFollows struct {
	followed map[cryptoid.NodeID]bool
	blocked  map[cryptoid.NodeID]bool
}

func newFakeFollows() *fakeFollows {
	return &fakeFollows{followed: map[cryptoid.NodeID]bool{}, blocked: map[cryptoid.NodeID]bool{}}
}

func (f *fakeFollows) IsFollowed(id cryptoid.NodeID) bool { return f.followed[id] }
func (f *fakeFollows) IsBlocked(id cryptoid.NodeID) bool  { return f.blocked[id] }

func mustIdentity(t *testing.T) *cryptoid.Identity {
	t.Helper()
	id, err := cryptoid.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	return id
}

func buildDM(t *testing.T, from *cryptoid.Identity, to cryptoid.NodeID, ts time.Time) *envelope.Envelope {
	t.Helper()
	nonce, err := cryptoid.NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() error = %v", err)
	}
	e := &envelope.Envelope{
		Version:     envelope.Version,
		From:        from.NodeID,
		To:          to,
		Type:        envelope.Dm,
		Nonce:       nonce,
		TimestampMs: uint64(ts.UnixMilli()),
		Payload:     []byte("ciphertext"),
	}
	if err := e.Sign(from); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return e
}

func TestCheckAcceptsMutualFollowDM(t *testing.T) {
	sender := mustIdentity(t)
	receiver := mustIdentity(t)
	follows := newFakeFollows()
	follows.followed[sender.NodeID] = true

	policy := NewPolicy()
	env := buildDM(t, sender, receiver.NodeID, time.Now())

	validated, err := policy.Check(env, follows, nil, "", time.Now())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if *validated.SenderID != sender.NodeID {
		t.Error("Check() recovered the wrong node id")
	}
	if !validated.SenderKey.IsEqual(sender.PublicKey) {
		t.Error("Check() recovered the wrong public key")
	}
}

func TestCheckRejectsDMFromUnfollowedSender(t *testing.T) {
	sender := mustIdentity(t)
	receiver := mustIdentity(t)
	follows := newFakeFollows()

	policy := NewPolicy()
	env := buildDM(t, sender, receiver.NodeID, time.Now())

	if _, err := policy.Check(env, follows, nil, "", time.Now()); apperr.CodeOf(err) != apperr.NotFollowed {
		t.Errorf("expected apperr.NotFollowed, got %v", err)
	}
}

func TestCheckRejectsBlockedSender(t *testing.T) {
	sender := mustIdentity(t)
	receiver := mustIdentity(t)
	follows := newFakeFollows()
	follows.followed[sender.NodeID] = true
	follows.blocked[sender.NodeID] = true

	policy := NewPolicy()
	env := buildDM(t, sender, receiver.NodeID, time.Now())

	if _, err := policy.Check(env, follows, nil, "", time.Now()); apperr.CodeOf(err) != apperr.Blocked {
		t.Errorf("expected apperr.Blocked, got %v", err)
	}
}

func TestCheckRejectsClockSkew(t *testing.T) {
	sender := mustIdentity(t)
	receiver := mustIdentity(t)
	follows := newFakeFollows()
	follows.followed[sender.NodeID] = true

	policy := NewPolicy()
	env := buildDM(t, sender, receiver.NodeID, time.Now().Add(-10*time.Minute))

	if _, err := policy.Check(env, follows, nil, "", time.Now()); apperr.CodeOf(err) != apperr.ClockSkew {
		t.Errorf("expected apperr.ClockSkew, got %v", err)
	}
}

func TestCheckRejectsReplay(t *testing.T) {
	sender := mustIdentity(t)
	receiver := mustIdentity(t)
	follows := newFakeFollows()
	follows.followed[sender.NodeID] = true

	policy := NewPolicy()
	env := buildDM(t, sender, receiver.NodeID, time.Now())

	if _, err := policy.Check(env, follows, nil, "", time.Now()); err != nil {
		t.Fatalf("first Check() error = %v", err)
	}
	if _, err := policy.Check(env, follows, nil, "", time.Now()); apperr.CodeOf(err) != apperr.Replay {
		t.Errorf("expected apperr.Replay on second delivery, got %v", err)
	}
}

func TestCheckRejectsTamperedSignature(t *testing.T) {
	sender := mustIdentity(t)
	receiver := mustIdentity(t)
	follows := newFakeFollows()
	follows.followed[sender.NodeID] = true

	policy := NewPolicy()
	env := buildDM(t, sender, receiver.NodeID, time.Now())
	env.Payload = []byte("tampered")

	if _, err := policy.Check(env, follows, nil, "", time.Now()); err == nil {
		t.Error("expected Check() to reject a tampered envelope")
	}
}

func TestCheckEnforcesDMRateLimit(t *testing.T) {
	sender := mustIdentity(t)
	receiver := mustIdentity(t)
	follows := newFakeFollows()
	follows.followed[sender.NodeID] = true

	policy := NewPolicy()

	accepted := 0
	for i := 0; i < dmBucketCapacity+5; i++ {
		nonce, _ := cryptoid.NewNonce()
		e := &envelope.Envelope{
			Version:     envelope.Version,
			From:        sender.NodeID,
			To:          receiver.NodeID,
			Type:        envelope.Dm,
			Nonce:       nonce,
			TimestampMs: uint64(time.Now().UnixMilli()),
			Payload:     []byte("msg"),
		}
		if err := e.Sign(sender); err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		if _, err := policy.Check(e, follows, nil, "", time.Now()); err == nil {
			accepted++
		}
	}

	if accepted > dmBucketCapacity {
		t.Errorf("accepted %d dms, want at most bucket capacity %d", accepted, dmBucketCapacity)
	}
}

func TestCheckRoomMessageSkipsFollowCheck(t *testing.T) {
	sender := mustIdentity(t)
	follows := newFakeFollows() // sender not followed

	policy := NewPolicy()
	nonce, _ := cryptoid.NewNonce()
	e := &envelope.Envelope{
		Version:     envelope.Version,
		From:        sender.NodeID,
		To:          cryptoid.ZeroNodeID,
		Type:        envelope.RoomMessage,
		Nonce:       nonce,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     []byte("hello room"),
	}
	if err := e.Sign(sender); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if _, err := policy.Check(e, follows, nil, "general", time.Now()); err != nil {
		t.Errorf("expected room message to bypass follow check, got %v", err)
	}
}

func TestNewPolicyFromConfigHonorsOverrides(t *testing.T) {
	sender := mustIdentity(t)
	follows := newFakeFollows()

	policy := NewPolicyFromConfig(Config{
		MaxClockSkew:    time.Second,
		ReplayWindow:    time.Minute,
		ReplayCacheSize: 16,
		RatePerSecond:   1,
		RateBurst:       1,
	})

	e := buildDM(t, sender, cryptoid.ZeroNodeID, time.Now().Add(-2*time.Second))
	if _, err := policy.Check(e, follows, nil, "", time.Now()); apperr.CodeOf(err) != apperr.ClockSkew {
		t.Errorf("expected ClockSkew under a 1s configured skew, got %v", err)
	}
}
