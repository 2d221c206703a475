// Package control implements the node's local control plane: a length-bounded
// JSON-lines request/response/event stream over a per-user Unix domain socket
// with OS-level access control (spec §4.7, §6.2).
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentbook/agentbook/internal/apperr"
	"github.com/agentbook/agentbook/internal/logging"
	"github.com/agentbook/agentbook/internal/recovery"
)

// Resource bounds from spec §4.7/§5.
const (
	maxLineSize        = 64 * 1024
	requestTimeout     = 10 * time.Second
	eventSendGrace     = 250 * time.Millisecond
	outboundQueueDepth = 256
	protocolVersion    = "1.0.0"
)

// NodeAPI is the set of operations the control server dispatches requests
// to. It is implemented by the node daemon that owns identity, the follow
// graph, the inbox, rooms, and the relay client.
type NodeAPI interface {
	Identity(ctx context.Context) (any, error)
	Health(ctx context.Context) (any, error)
	Follow(ctx context.Context, target string) (any, error)
	Unfollow(ctx context.Context, target string) (any, error)
	Block(ctx context.Context, target string) (any, error)
	Following(ctx context.Context) (any, error)
	Followers(ctx context.Context) (any, error)
	RegisterUsername(ctx context.Context, username string) (any, error)
	LookupUsername(ctx context.Context, username string) (any, error)
	SendDM(ctx context.Context, to, body string) (any, error)
	PostFeed(ctx context.Context, body string) (any, error)
	Inbox(ctx context.Context, unreadOnly bool, limit int) (any, error)
	InboxAck(ctx context.Context, messageID string) (any, error)
	JoinRoom(ctx context.Context, name, passphrase string) (any, error)
	LeaveRoom(ctx context.Context, name string) (any, error)
	Rooms(ctx context.Context) (any, error)
	RoomSend(ctx context.Context, room, body string) (any, error)
	RoomInbox(ctx context.Context, room string, limit int) (any, error)
	Shutdown(ctx context.Context) (any, error)
}

// ServerConfig configures a control Server.
type ServerConfig struct {
	// SocketPath is the Unix socket path, e.g. $XDG_RUNTIME_DIR/agentbook/agentbook.sock.
	SocketPath string
	NodeID     string
	Logger     *slog.Logger
}

// Server is the node's Unix-socket JSON-lines control server. Each accepted
// connection gets a read loop and a single writer goroutine driven by a
// bounded queue; handlers never write to the socket directly (spec §4.7).
type Server struct {
	cfg    ServerConfig
	api    NodeAPI
	logger *slog.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[*clientConn]struct{}

	closeOnce sync.Once
}

// NewServer creates a control server bound to api.
func NewServer(cfg ServerConfig, api NodeAPI) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:    cfg,
		api:    api,
		logger: logger,
		conns:  make(map[*clientConn]struct{}),
	}
}

// Start opens the listening socket. The runtime directory is created mode
// 0700 and the socket file mode 0600; a stale socket is removed only if the
// existing inode is itself a socket, never a symlink (spec §4.7, §6.3).
func (s *Server) Start() error {
	dir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return apperr.Wrap(apperr.Storage, "create control socket directory", err)
	}

	if info, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return apperr.New(apperr.Storage, "refusing to remove non-socket at control socket path")
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return apperr.Wrap(apperr.Storage, "remove stale control socket", err)
		}
	} else if !os.IsNotExist(err) {
		return apperr.Wrap(apperr.Storage, "stat control socket path", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return apperr.Wrap(apperr.Transport, "listen on control socket", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return apperr.Wrap(apperr.Storage, "chmod control socket", err)
	}
	s.listener = ln

	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every active connection.
func (s *Server) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		conns := make([]*clientConn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
		os.Remove(s.cfg.SocketPath)
	})
	return err
}

func (s *Server) acceptLoop() {
	defer recovery.RecoverWithLog(s.logger, "control.acceptLoop")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control accept failed", logging.KeyError, err)
			continue
		}

		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		if !peerUIDMatchesSelf(unixConn) {
			s.logger.Warn("rejecting control connection with mismatched peer uid")
			conn.Close()
			continue
		}

		cc := newClientConn(s, unixConn)
		s.mu.Lock()
		s.conns[cc] = struct{}{}
		s.mu.Unlock()

		go cc.serve()
	}
}

func (s *Server) forget(cc *clientConn) {
	s.mu.Lock()
	delete(s.conns, cc)
	s.mu.Unlock()
}

// Broadcast fans an event out to every connected client's outbound queue.
// If a connection's queue is still full after eventSendGrace, that
// connection is closed rather than slowing down the others (spec §4.7).
func (s *Server) Broadcast(event map[string]any) {
	encoded, err := json.Marshal(eventMessage{Type: "event", Event: event})
	if err != nil {
		s.logger.Warn("failed to encode event", logging.KeyError, err)
		return
	}
	encoded = append(encoded, '\n')

	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.enqueue(encoded, eventSendGrace) {
			s.logger.Warn("closing slow control connection")
			c.close()
		}
	}
}

// peerUIDMatchesSelf verifies the connecting process's UID equals the
// server's own UID via SO_PEERCRED (spec §4.7, §6.3). Any failure to read
// credentials is treated as a rejection.
func peerUIDMatchesSelf(conn *net.UnixConn) bool {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false
	}

	var cred *unix.Ucred
	var credErr error
	ctlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctlErr != nil || credErr != nil || cred == nil {
		return false
	}
	return cred.Uid == uint32(os.Getuid())
}

type helloMessage struct {
	Type    string `json:"type"`
	NodeID  string `json:"node_id"`
	Version string `json:"version"`
}

type okMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventMessage struct {
	Type  string         `json:"type"`
	Event map[string]any `json:"event"`
}

// clientConn owns one accepted connection: a read loop that decodes request
// lines and a single writer goroutine draining an outbound queue, so
// handlers never touch the socket directly.
type clientConn struct {
	server *Server
	conn   *net.UnixConn

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(s *Server, conn *net.UnixConn) *clientConn {
	return &clientConn{
		server:   s,
		conn:     conn,
		outbound: make(chan []byte, outboundQueueDepth),
		done:     make(chan struct{}),
	}
}

func (c *clientConn) serve() {
	defer recovery.RecoverWithLog(c.server.logger, "control.clientConn.serve")
	defer c.close()
	defer c.server.forget(c)

	hello, err := json.Marshal(helloMessage{Type: "hello", NodeID: c.server.cfg.NodeID, Version: protocolVersion})
	if err != nil {
		return
	}
	if !c.enqueue(append(hello, '\n'), requestTimeout) {
		return
	}

	go c.writeLoop()
	c.readLoop()
}

func (c *clientConn) writeLoop() {
	defer recovery.RecoverWithLog(c.server.logger, "control.clientConn.writeLoop")
	for {
		select {
		case <-c.done:
			return
		case line := <-c.outbound:
			if _, err := c.conn.Write(line); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize+1)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		c.sendError(apperr.Protocol, "line too long or read error")
	}
}

func (c *clientConn) handleLine(line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(apperr.Protocol, "malformed json")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	data, err := dispatch(ctx, c.server.api, req)
	if err != nil {
		code := apperr.CodeOf(err)
		if code == "" {
			code = apperr.Protocol
		}
		c.sendError(code, err.Error())
		return
	}
	c.sendOK(data)
}

func (c *clientConn) sendOK(data any) {
	encoded, err := json.Marshal(okMessage{Type: "ok", Data: data})
	if err != nil {
		return
	}
	c.enqueue(append(encoded, '\n'), requestTimeout)
}

func (c *clientConn) sendError(code apperr.Code, message string) {
	encoded, err := json.Marshal(errorMessage{Type: "error", Code: string(code), Message: message})
	if err != nil {
		return
	}
	if !c.enqueue(append(encoded, '\n'), requestTimeout) {
		c.close()
	}
}

// enqueue attempts to push line onto the outbound queue, waiting up to
// deadline before giving up.
func (c *clientConn) enqueue(line []byte, deadline time.Duration) bool {
	select {
	case c.outbound <- line:
		return true
	default:
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case c.outbound <- line:
		return true
	case <-timer.C:
		return false
	case <-c.done:
		return false
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
