package runner

import (
	"net"
	"testing"
	"time"

	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/protocol"
)

type fakeSink struct {
	events []protocol.OutputEvent
}

func (s *fakeSink) Push(e protocol.OutputEvent) {
	s.events = append(s.events, e)
}

func newPipeRunner() (*Runner, net.Conn) {
	client, guest := net.Pipe()
	return &Runner{conn: client}, guest
}

// TestHappyPath exercises the literal end-to-end scenario from the
// vsock protocol contract: ready, start, output, metrics, progress,
// complete.
func TestHappyPath(t *testing.T) {
	r, guest := newPipeRunner()
	defer guest.Close()
	sink := &fakeSink{}
	r.SetOutputSink(sink)

	taskID := ids.New()
	req := protocol.ExecuteRequest{
		TaskID:   taskID,
		RepoURL:  "https://github.com/test/repo",
		Branch:   "main",
		Prompt:   "Fix the bug",
		CreatePR: true,
	}

	done := make(chan struct {
		res Result
		err error
	}, 1)
	go func() {
		res, err := r.Run(req)
		done <- struct {
			res Result
			err error
		}{res, err}
	}()

	if err := protocol.WriteFrame(guest, protocol.MsgVsockReady, 0, nil); err != nil {
		t.Fatalf("write vsock_ready: %v", err)
	}

	startFrame, err := protocol.ReadFrame(guest)
	if err != nil {
		t.Fatalf("read vsock_start: %v", err)
	}
	if startFrame.Header.MsgType != protocol.MsgVsockStart {
		t.Fatalf("expected vsock_start, got %d", startFrame.Header.MsgType)
	}
	gotReq, err := protocol.DecodeVsockStart(startFrame.Payload)
	if err != nil {
		t.Fatalf("decode vsock_start: %v", err)
	}
	if gotReq.RepoURL != req.RepoURL || gotReq.Branch != req.Branch || gotReq.Prompt != req.Prompt || !gotReq.CreatePR {
		t.Fatalf("decoded start payload mismatch: %+v", gotReq)
	}

	outPayload := protocol.EncodeVsockOutput(protocol.VsockOutputPayload{
		OutputType: protocol.OutputStdout,
		Data:       []byte("Running tests..."),
	})
	if err := protocol.WriteFrame(guest, protocol.MsgVsockOutput, 0, outPayload); err != nil {
		t.Fatalf("write vsock_output: %v", err)
	}

	metrics := protocol.UsageMetrics{
		InputTokens:      1000,
		OutputTokens:     500,
		CacheReadTokens:  100,
		CacheWriteTokens: 50,
		ToolCalls:        5,
	}
	if err := protocol.WriteFrame(guest, protocol.MsgVsockMetrics, 0, protocol.EncodeVsockMetrics(metrics)); err != nil {
		t.Fatalf("write vsock_metrics: %v", err)
	}

	progPayload := protocol.EncodeVsockProgress(protocol.VsockProgressPayload{Iteration: 1, Max: 3, Status: "Running iteration 1 of 3"})
	if err := protocol.WriteFrame(guest, protocol.MsgVsockProgress, 0, progPayload); err != nil {
		t.Fatalf("write vsock_progress: %v", err)
	}

	prURL := "https://github.com/test/repo/pull/123"
	completePayload := protocol.EncodeVsockComplete(protocol.VsockCompletePayload{
		ExitCode:     0,
		PrURL:        &prURL,
		Metrics:      metrics,
		Iteration:    3,
		PromiseFound: true,
	})
	if err := protocol.WriteFrame(guest, protocol.MsgVsockComplete, 0, completePayload); err != nil {
		t.Fatalf("write vsock_complete: %v", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("Run: %v", out.err)
		}
		if !out.res.Success {
			t.Fatalf("expected Success=true")
		}
		if out.res.PrURL == nil || *out.res.PrURL != prURL {
			t.Fatalf("PrURL = %v, want %q", out.res.PrURL, prURL)
		}
		if out.res.Metrics != metrics {
			t.Fatalf("Metrics = %+v, want %+v", out.res.Metrics, metrics)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not complete in time")
	}

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 pushed output events (stdout + synthetic progress), got %d", len(sink.events))
	}
	if string(sink.events[0].Data) != "Running tests..." {
		t.Fatalf("events[0] = %q", sink.events[0].Data)
	}
	if string(sink.events[1].Data) != "Progress: 1/3 - Running iteration 1 of 3" {
		t.Fatalf("events[1] = %q", sink.events[1].Data)
	}
}

func TestVsockErrorProducesFailureResult(t *testing.T) {
	r, guest := newPipeRunner()
	defer guest.Close()

	req := protocol.ExecuteRequest{TaskID: ids.New(), RepoURL: "https://github.com/test/repo", Branch: "main", Prompt: "do it"}

	done := make(chan error, 1)
	var result Result
	go func() {
		var err error
		result, err = r.Run(req)
		done <- err
	}()

	if err := protocol.WriteFrame(guest, protocol.MsgVsockReady, 0, nil); err != nil {
		t.Fatalf("write vsock_ready: %v", err)
	}
	if _, err := protocol.ReadFrame(guest); err != nil {
		t.Fatalf("read vsock_start: %v", err)
	}
	if err := protocol.WriteFrame(guest, protocol.MsgVsockError, 0, protocol.EncodeVsockError("agent crashed")); err != nil {
		t.Fatalf("write vsock_error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not complete in time")
	}
	if result.Success {
		t.Fatalf("expected Success=false")
	}
	if result.ErrorMessage != "agent crashed" {
		t.Fatalf("ErrorMessage = %q", result.ErrorMessage)
	}
}

func TestPrematureCloseYieldsConnectionClosed(t *testing.T) {
	r, guest := newPipeRunner()
	guest.Close()

	_, err := r.Run(protocol.ExecuteRequest{TaskID: ids.New()})
	if err != protocol.ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestCancelSendsVsockCancel(t *testing.T) {
	r, guest := newPipeRunner()
	defer guest.Close()

	done := make(chan error, 1)
	go func() { done <- r.Cancel() }()

	frame, err := protocol.ReadFrame(guest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Header.MsgType != protocol.MsgVsockCancel {
		t.Fatalf("expected vsock_cancel, got %d", frame.Header.MsgType)
	}
	if err := <-done; err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestVsockDialPathAppendsPort(t *testing.T) {
	got := vsockDialPath("/run/marathon/firecracker-abc-vsock.sock", 9999)
	want := "/run/marathon/firecracker-abc-vsock.sock_9999"
	if got != want {
		t.Fatalf("vsockDialPath = %q, want %q", got, want)
	}
}
