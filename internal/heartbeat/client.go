// Package heartbeat drives the node's single persistent connection to
// the orchestrator (§4.G): authenticate, report status, drain and
// forward executor output/results, and dispatch returned commands.
package heartbeat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/martiangreed/marathon/internal/executor"
	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/pool"
	"github.com/martiangreed/marathon/internal/protocol"
)

// ErrAuthFailed is returned from one Iteration when the orchestrator
// classifies the heartbeat as an authentication failure. The caller
// must not reconnect in a tight loop on this error.
var ErrAuthFailed = errors.New("heartbeat: authentication failed")

// ErrUnexpectedResponse is returned when the orchestrator's reply is
// neither heartbeat_response nor error_response.
var ErrUnexpectedResponse = errors.New("heartbeat: unexpected response type")

// activeInterval is used between iterations while any VM is active,
// so buffered output streams to the orchestrator near-real-time.
const activeInterval = 1 * time.Second

// Config configures the heartbeat client's connection and identity.
type Config struct {
	OrchestratorAddr string
	NodeID           ids.ID
	AuthKey          []byte // may be nil/empty: zero-token auth
	TLSEnabled       bool
	TLSCAPath        string
	Interval         time.Duration // used when no VM is active
	TotalVMSlots     uint32
}

// StatusSource supplies the live VM-pool counters the status snapshot
// needs (§3 Node status snapshot).
type StatusSource interface {
	WarmCount() int
	ActiveCount() int
}

// Client owns the long-lived connection and drives one heartbeat loop
// iteration at a time.
type Client struct {
	cfg      Config
	pool     *pool.Pool
	executor *executor.Executor
	status   StatusSource
	hostname string

	conn net.Conn
}

// New constructs a heartbeat client wired to the node's pool and
// executor.
func New(cfg Config, p *pool.Pool, ex *executor.Executor) *Client {
	hostname, _ := os.Hostname()
	return &Client{cfg: cfg, pool: p, executor: ex, status: p, hostname: hostname}
}

// Run loops Iteration until ctx is cancelled, applying the reconnect
// policy described in §4.G between iterations. On ErrAuthFailed it
// logs the failure and returns without reconnecting.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.closeConn()
			return
		default:
		}

		err := c.Iteration(ctx)
		metrics.Global().RecordHeartbeatIteration(err)
		switch {
		case err == nil:
			c.sleep(ctx)
		case errors.Is(err, ErrAuthFailed):
			logging.Op().Error("heartbeat: authentication failed, not reconnecting", "node_id", c.cfg.NodeID.String())
			return
		default:
			logging.Op().Warn("heartbeat: iteration failed, reconnecting", "error", err)
			c.closeConn()
			select {
			case <-ctx.Done():
				return
			case <-time.After(1 * time.Second):
			}
		}
	}
}

func (c *Client) sleep(ctx context.Context) {
	interval := c.cfg.Interval
	if c.status.ActiveCount() > 0 {
		interval = activeInterval
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}

// Iteration performs exactly one heartbeat loop body: ensure
// connection, build and send a heartbeat_request, read one reply, and
// dispatch any returned commands.
func (c *Client) Iteration(ctx context.Context) error {
	if err := c.ensureConn(); err != nil {
		return err
	}

	req := c.buildRequest()
	payload := protocol.EncodeHeartbeatRequest(req)
	if err := protocol.WriteFrame(c.conn, protocol.MsgHeartbeatRequest, 0, payload); err != nil {
		return err
	}

	frame, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return err
	}

	switch frame.Header.MsgType {
	case protocol.MsgErrorResponse:
		eresp, err := protocol.DecodeErrorResponse(frame.Payload)
		if err != nil {
			return err
		}
		logging.Op().Error("heartbeat: orchestrator returned an error", "code", eresp.Code, "message", eresp.Message)
		return ErrAuthFailed

	case protocol.MsgHeartbeatResponse:
		resp, err := protocol.DecodeHeartbeatResponse(frame.Payload)
		if err != nil {
			return err
		}
		c.dispatch(ctx, resp.Commands)
		return nil

	default:
		return ErrUnexpectedResponse
	}
}

func (c *Client) dispatch(ctx context.Context, commands []protocol.Command) {
	for _, cmd := range commands {
		switch cmd.CommandType {
		case protocol.CommandExecuteTask:
			if cmd.ExecuteRequest == nil {
				logging.Op().Warn("heartbeat: execute_task command missing execute_request")
				continue
			}
			if err := c.executor.ExecuteTask(ctx, *cmd.ExecuteRequest); err != nil {
				logging.Op().Error("heartbeat: execute_task failed", "task_id", cmd.ExecuteRequest.TaskID.String(), "error", err)
			}

		case protocol.CommandWarmPool:
			target := uint32(0)
			if cmd.WarmPoolTarget != nil {
				target = *cmd.WarmPoolTarget
			}
			if err := c.pool.WarmPool(ctx, target); err != nil {
				logging.Op().Error("heartbeat: warm_pool failed", "target", target, "error", err)
			}

		case protocol.CommandCancelTask, protocol.CommandDrain:
			logging.Op().Info("heartbeat: command accepted but not implemented", "command_type", cmd.CommandType)

		default:
			logging.Op().Warn("heartbeat: unrecognized command_type", "command_type", cmd.CommandType)
		}
	}
}

func (c *Client) buildRequest() protocol.HeartbeatRequest {
	now := time.Now().UnixMilli()
	return protocol.HeartbeatRequest{
		NodeID:             c.cfg.NodeID,
		TimestampMs:        now,
		AuthToken:          authToken(c.cfg.AuthKey, c.cfg.NodeID, now),
		Hostname:           c.hostname,
		TotalVMSlots:       c.cfg.TotalVMSlots,
		ActiveVMs:          uint32(c.status.ActiveCount()),
		WarmVMs:            uint32(c.status.WarmCount()),
		CPUUsage:           0,
		MemoryUsage:        0,
		DiskAvailableBytes: 0,
		Healthy:            true,
		Draining:           false,
		CompletedTasks:     c.executor.DrainResults(),
		PendingOutput:      c.executor.DrainOutput(),
	}
}

// authToken computes HMAC-SHA256(auth_key, node_id || timestamp_ms_be),
// or 32 zero bytes when no auth key is configured (Property 7).
func authToken(authKey []byte, nodeID ids.ID, timestampMs int64) [32]byte {
	var token [32]byte
	if len(authKey) == 0 {
		return token
	}
	mac := hmac.New(sha256.New, authKey)
	mac.Write(nodeID[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	mac.Write(ts[:])
	copy(token[:], mac.Sum(nil))
	return token
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	return c.dial()
}

func (c *Client) dial() error {
	if c.cfg.TLSEnabled {
		pool, err := loadCAPool(c.cfg.TLSCAPath)
		if err != nil {
			return fmt.Errorf("heartbeat: load CA pool: %w", err)
		}
		tlsCfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		conn, err := tls.Dial("tcp", c.cfg.OrchestratorAddr, tlsCfg)
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	}

	conn, err := net.Dial("tcp", c.cfg.OrchestratorAddr)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("heartbeat: no certificates parsed from %s", path)
	}
	return pool, nil
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
