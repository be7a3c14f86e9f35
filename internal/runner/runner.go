// Package runner drives the host side of the vsock task-execution
// protocol (§4.E): connect to a VM's guest agent, send the task
// payload, and stream output/metrics/progress back until the guest
// reports completion or error.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/protocol"
)

// connectRetries and connectBackoff bound how long a runner waits for
// a guest agent's vsock listener to come up after restore (§9: 15×2s = 30s).
const (
	connectRetries = 15
	connectBackoff = 2 * time.Second
)

// ErrGuestNotReady is returned when the connect retry budget is
// exhausted without the guest ever accepting a connection.
var ErrGuestNotReady = errors.New("runner: guest agent did not become ready")

// OutputSink receives output events as they stream in from the guest.
// The executor's bounded buffer implements this.
type OutputSink interface {
	Push(protocol.OutputEvent)
}

// Result is what a completed (or failed) run produces.
type Result struct {
	Success      bool
	ErrorMessage string
	PrURL        *string
	Metrics      protocol.UsageMetrics
}

// Runner owns one connection to a VM's guest agent for the duration
// of exactly one task.
type Runner struct {
	conn   net.Conn
	sink   OutputSink
	taskID ids.ID
}

// vsockDialPath builds the host-side UDS path Firecracker exposes for
// host-initiated connections into the guest: the base vsock UDS path
// suffixed with "_<port>" (§6.3).
func vsockDialPath(vsockUDS string, port uint32) string {
	return fmt.Sprintf("%s_%d", vsockUDS, port)
}

// Connect dials the guest agent's vsock listener, retrying on failure
// up to connectRetries times since the guest may not be listening
// immediately after a cold boot or restore.
func Connect(ctx context.Context, vsockUDS string, port uint32) (*Runner, error) {
	path := vsockDialPath(vsockUDS, port)
	start := time.Now()

	var lastErr error
	dialer := net.Dialer{}
	for attempt := 0; attempt < connectRetries; attempt++ {
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			metrics.Global().RecordVsockLatency("connect", time.Since(start))
			return &Runner{conn: conn}, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrGuestNotReady, lastErr)
	}
	return nil, ErrGuestNotReady
}

// SetOutputSink installs the shared buffer that vsock_output events
// (and synthetic progress lines) are pushed into.
func (r *Runner) SetOutputSink(sink OutputSink) {
	r.sink = sink
}

// Close releases the underlying connection. Deferred to the end of a
// run regardless of how it concludes.
func (r *Runner) Close() error {
	return r.conn.Close()
}

// Cancel sends a vsock_cancel message on the open connection. The
// guest is responsible for honoring it; the runner still waits for
// vsock_complete or vsock_error from the in-flight Run call.
func (r *Runner) Cancel() error {
	return protocol.WriteFrame(r.conn, protocol.MsgVsockCancel, 0, nil)
}

// Run exchanges the full task protocol over the already-connected
// vsock: wait for vsock_ready, send vsock_start, then loop on the
// guest's stream until it reports completion or error.
func (r *Runner) Run(req protocol.ExecuteRequest) (Result, error) {
	r.taskID = req.TaskID

	if err := r.expectReady(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	payload := protocol.EncodeVsockStart(req)
	if err := protocol.WriteFrame(r.conn, protocol.MsgVsockStart, 0, payload); err != nil {
		return Result{}, err
	}
	metrics.Global().RecordVsockLatency("start", time.Since(start))

	return r.pump()
}

func (r *Runner) expectReady() error {
	start := time.Now()
	frame, err := protocol.ReadFrame(r.conn)
	if err != nil {
		return err
	}
	if frame.Header.MsgType != protocol.MsgVsockReady {
		return fmt.Errorf("%w: expected vsock_ready, got %d", protocol.ErrUnexpectedMessageType, frame.Header.MsgType)
	}
	metrics.Global().RecordVsockLatency("ready", time.Since(start))
	return nil
}

// pump reads frames until a terminal message (vsock_complete or
// vsock_error) arrives.
func (r *Runner) pump() (Result, error) {
	start := time.Now()
	defer func() { metrics.Global().RecordVsockLatency("run", time.Since(start)) }()

	var taskMetrics protocol.UsageMetrics

	for {
		frame, err := protocol.ReadFrame(r.conn)
		if err != nil {
			return Result{}, err
		}

		switch frame.Header.MsgType {
		case protocol.MsgVsockOutput:
			out, err := protocol.DecodeVsockOutput(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			r.pushOutput(out.OutputType, out.Data)

		case protocol.MsgVsockMetrics:
			m, err := protocol.DecodeVsockMetrics(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			taskMetrics = m

		case protocol.MsgVsockProgress:
			p, err := protocol.DecodeVsockProgress(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			line := fmt.Sprintf("Progress: %d/%d - %s", p.Iteration, p.Max, p.Status)
			r.pushOutput(protocol.OutputStdout, []byte(line))

		case protocol.MsgVsockComplete:
			c, err := protocol.DecodeVsockComplete(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			return Result{
				Success: c.ExitCode == 0,
				PrURL:   c.PrURL,
				Metrics: c.Metrics,
			}, nil

		case protocol.MsgVsockError:
			msg, err := protocol.DecodeVsockError(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			return Result{
				Success:      false,
				ErrorMessage: msg,
				Metrics:      taskMetrics,
			}, nil

		default:
			return Result{}, fmt.Errorf("%w: %d", protocol.ErrUnexpectedMessageType, frame.Header.MsgType)
		}
	}
}

func (r *Runner) pushOutput(ot protocol.OutputType, data []byte) {
	if r.sink == nil {
		return
	}
	r.sink.Push(protocol.OutputEvent{
		TaskID:      r.taskID,
		OutputType:  ot,
		TimestampMs: time.Now().UnixMilli(),
		Data:        data,
	})
}
