// Package orchestrator is a minimal reference implementation of the
// orchestrator side of the node↔orchestrator wire protocol (§6.1). It
// exists to exercise internal/heartbeat end-to-end; it is not a
// scheduler, a storage layer, or a dashboard — those are explicitly
// out of scope (§1 Non-goals).
package orchestrator

import (
	"context"
	"errors"
	"net"

	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/observability"
	"github.com/martiangreed/marathon/internal/protocol"
)

// errAuthFailed marks a span when a node's auth_token does not match.
var errAuthFailed = errors.New("orchestrator: auth_token mismatch")

// Authenticator validates a heartbeat_request's auth_token. A nil
// Authenticator accepts every request.
type Authenticator interface {
	Authenticate(req protocol.HeartbeatRequest) bool
}

// CommandSource supplies the commands to return for a given node on
// its next heartbeat reply.
type CommandSource interface {
	CommandsFor(nodeID [16]byte) []protocol.Command
}

// Listener accepts node connections and speaks one heartbeat exchange
// per received frame, for as long as the connection stays open.
type Listener struct {
	ln   net.Listener
	auth Authenticator
	cmds CommandSource
}

// Listen binds addr and returns a Listener ready to Serve.
func Listen(addr string, auth Authenticator, cmds CommandSource) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, auth: auth, cmds: cmds}, nil
}

// Addr returns the bound address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections until the listener is closed, handling
// each on its own goroutine.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		if frame.Header.MsgType != protocol.MsgHeartbeatRequest {
			_ = protocol.WriteFrame(conn, protocol.MsgErrorResponse, frame.Header.RequestID,
				protocol.EncodeErrorResponse(protocol.ErrorResponse{Code: "UNEXPECTED_MESSAGE", Message: "expected heartbeat_request"}))
			return
		}

		req, err := protocol.DecodeHeartbeatRequest(frame.Payload)
		if err != nil {
			logging.Op().Warn("orchestrator: failed to decode heartbeat_request", "error", err)
			return
		}

		if !l.handleHeartbeat(conn, frame, req) {
			return
		}
	}
}

// handleHeartbeat processes one decoded heartbeat_request inside its
// own server span and returns whether the connection should stay open
// for another exchange.
func (l *Listener) handleHeartbeat(conn net.Conn, frame *protocol.Frame, req protocol.HeartbeatRequest) bool {
	ctx, _ := observability.StartServerSpan(context.Background(), "orchestrator.heartbeat",
		observability.AttrNodeID.String(req.NodeID.String()))
	span := observability.SpanFromContext(ctx)
	defer span.End()

	if l.auth != nil && !l.auth.Authenticate(req) {
		_ = protocol.WriteFrame(conn, protocol.MsgErrorResponse, frame.Header.RequestID,
			protocol.EncodeErrorResponse(protocol.ErrorResponse{Code: "AUTH_FAILED", Message: "auth_token mismatch"}))
		observability.SetSpanError(span, errAuthFailed)
		return false
	}

	var commands []protocol.Command
	if l.cmds != nil {
		commands = l.cmds.CommandsFor(req.NodeID)
	}
	resp := protocol.HeartbeatResponse{Commands: commands}
	if err := protocol.WriteFrame(conn, protocol.MsgHeartbeatResponse, frame.Header.RequestID, protocol.EncodeHeartbeatResponse(resp)); err != nil {
		observability.SetSpanError(span, err)
		return false
	}
	observability.SetSpanOK(span)
	return true
}
