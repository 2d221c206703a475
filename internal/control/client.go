package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/agentbook/agentbook/internal/apperr"
)

// Client is a JSON-lines control socket client, used by CLI/REPL front ends
// to talk to a node's local control server.
type Client struct {
	socketPath string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	events chan map[string]any
}

// NewClient creates a Client that will dial socketPath on first use.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, events: make(chan map[string]any, outboundQueueDepth)}
}

// Connect dials the control socket and reads the server's Hello. The node
// ID and protocol version it reports are returned.
func (c *Client) Connect(ctx context.Context) (nodeID, version string, err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return "", "", apperr.Wrap(apperr.Transport, "dial control socket", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 4096)
	c.mu.Unlock()

	line, err := c.readLine()
	if err != nil {
		return "", "", err
	}
	var hello helloMessage
	if err := json.Unmarshal(line, &hello); err != nil || hello.Type != "hello" {
		return "", "", apperr.New(apperr.Protocol, "expected hello as first control message")
	}
	return hello.NodeID, hello.Version, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Call sends a request of the given type with the given fields and waits
// for the matching ok/error response, skipping over any events the server
// delivers in between (they are queued for Events to drain separately).
func (c *Client) Call(ctx context.Context, reqType string, fields map[string]any) (any, error) {
	payload := map[string]any{"type": reqType}
	for k, v := range fields {
		payload[k] = v
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.Protocol, "encode request", err)
	}
	encoded = append(encoded, '\n')

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, apperr.New(apperr.NotConnected, "client not connected")
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(encoded); err != nil {
		return nil, apperr.Wrap(apperr.Transport, "write request", err)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return nil, apperr.Wrap(apperr.Protocol, "decode response", err)
		}

		switch head.Type {
		case "ok":
			var resp okMessage
			json.Unmarshal(line, &resp)
			return resp.Data, nil
		case "error":
			var resp errorMessage
			json.Unmarshal(line, &resp)
			return nil, apperr.New(apperr.Code(resp.Code), resp.Message)
		case "event":
			var resp eventMessage
			if err := json.Unmarshal(line, &resp); err == nil {
				select {
				case c.events <- resp.Event:
				default:
				}
			}
		default:
			return nil, apperr.New(apperr.Protocol, fmt.Sprintf("unexpected message type %q", head.Type))
		}
	}
}

// Events returns the channel events are queued onto while Call drains
// interleaved traffic. Callers that want to watch events continuously
// should read from this channel on their own goroutine.
func (c *Client) Events() <-chan map[string]any { return c.events }

func (c *Client) readLine() ([]byte, error) {
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader == nil {
		return nil, apperr.New(apperr.NotConnected, "client not connected")
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "read control response", err)
	}
	return line[:len(line)-1], nil
}

// StatusResponse mirrors the "health" request's response shape for callers
// that want typed access instead of Call's any-typed data.
type StatusResponse struct {
	Healthy        bool `json:"healthy"`
	RelayConnected bool `json:"relay_connected"`
	FollowingCount int  `json:"following_count"`
	UnreadCount    int  `json:"unread_count"`
}

// Health calls the "health" request and decodes it into a StatusResponse.
func (c *Client) Health(ctx context.Context) (*StatusResponse, error) {
	data, err := c.Call(ctx, "health", nil)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.Protocol, "re-encode health data", err)
	}
	var status StatusResponse
	if err := json.Unmarshal(encoded, &status); err != nil {
		return nil, apperr.Wrap(apperr.Protocol, "decode health response", err)
	}
	return &status, nil
}
