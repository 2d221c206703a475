package transport

import (
	"context"
	"crypto/tls"
	"testing"
)

func TestIsLoopbackAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9000", true},
		{"localhost:9000", true},
		{"LOCALHOST:9000", true},
		{"[::1]:9000", true},
		{"203.0.113.1:9000", false},
		{"example.com:9000", false},
		{"relay.agentbook.dev:443", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

// fakeTransport records the DialOptions it was last called with, so tests
// can assert what AutoTransport decided on its behalf.
type fakeTransport struct {
	lastDialOpts DialOptions
	closed       bool
}

func (f *fakeTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	f.lastDialOpts = opts
	return nil, nil
}
func (f *fakeTransport) Listen(addr string, opts ListenOptions) (Listener, error) { return nil, nil }
func (f *fakeTransport) Type() TransportType                                      { return TransportQUIC }
func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestAutoTransportSkipsVerifyForLoopback(t *testing.T) {
	inner := &fakeTransport{}
	auto := NewAutoTransport(inner)

	auto.Dial(context.Background(), "127.0.0.1:9000", DialOptions{})
	if !inner.lastDialOpts.InsecureSkipVerify {
		t.Error("Dial() to loopback address did not set InsecureSkipVerify")
	}
}

func TestAutoTransportRequiresVerifyForRemote(t *testing.T) {
	inner := &fakeTransport{}
	auto := NewAutoTransport(inner)

	auto.Dial(context.Background(), "relay.agentbook.dev:443", DialOptions{})
	if inner.lastDialOpts.InsecureSkipVerify {
		t.Error("Dial() to a non-loopback address set InsecureSkipVerify")
	}
}

func TestAutoTransportHonorsExplicitTLSConfig(t *testing.T) {
	inner := &fakeTransport{}
	auto := NewAutoTransport(inner)

	opts := DialOptions{TLSConfig: &tls.Config{}}
	auto.Dial(context.Background(), "127.0.0.1:9000", opts)
	if inner.lastDialOpts.InsecureSkipVerify {
		t.Error("Dial() overrode a caller-supplied TLSConfig's verification")
	}
}

func TestAutoTransportDelegatesTypeAndClose(t *testing.T) {
	inner := &fakeTransport{}
	auto := NewAutoTransport(inner)

	if auto.Type() != TransportQUIC {
		t.Errorf("Type() = %v, want %v", auto.Type(), TransportQUIC)
	}
	if err := auto.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !inner.closed {
		t.Error("Close() did not propagate to the inner transport")
	}
}

func TestAutoTransportListenDelegates(t *testing.T) {
	inner := &fakeTransport{}
	auto := NewAutoTransport(inner)

	if _, err := auto.Listen("127.0.0.1:0", DefaultListenOptions()); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
}
