package transport

import (
	"context"
	"net"
	"strings"
)

// IsLoopbackAddr reports whether addr's host portion is a loopback address
// or the bare hostname "localhost" (spec §4.7: "Automatic TLS enablement
// whenever the host is non-loopback").
func IsLoopbackAddr(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AutoTransport wraps a Transport and fills in TLS settings based on the
// dial address: loopback relays skip certificate verification (there is
// nothing to verify against on a local daemon). For non-loopback relays it
// changes nothing, so the inner transport decides: QUIC refuses to dial
// without a TLSConfig, while WebSocket without a TLSConfig skips
// verification unless StrictVerify is set.
type AutoTransport struct {
	inner Transport
}

// NewAutoTransport wraps inner with loopback-aware TLS selection.
func NewAutoTransport(inner Transport) *AutoTransport {
	return &AutoTransport{inner: inner}
}

func (t *AutoTransport) Type() TransportType { return t.inner.Type() }
func (t *AutoTransport) Close() error        { return t.inner.Close() }

// Dial selects TLS settings for addr before delegating to the inner
// transport: loopback addresses dial with InsecureSkipVerify unless the
// caller already provided a TLSConfig (the caller's choice always wins).
func (t *AutoTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	if opts.TLSConfig == nil && IsLoopbackAddr(addr) {
		opts.InsecureSkipVerify = true
	}
	return t.inner.Dial(ctx, addr, opts)
}

func (t *AutoTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	return t.inner.Listen(addr, opts)
}
