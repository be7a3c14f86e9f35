// Package executor accepts execute_task commands, borrows a VM from
// the pool for the duration of one task, and buffers the task's
// output events and final result report for the next heartbeat to
// drain (§4.F).
//
// # Ownership
//
// The pool exclusively owns each VM instance until release. The
// executor borrows a VM for the duration of one task run. The output
// buffer and completed-results queue are shared by every worker
// goroutine and the heartbeat drain path, each protected by its own
// short-lived mutex.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/observability"
	"github.com/martiangreed/marathon/internal/pool"
	"github.com/martiangreed/marathon/internal/protocol"
	"github.com/martiangreed/marathon/internal/runner"
	"github.com/martiangreed/marathon/internal/vmm"
)

// outputBufferCapacity bounds the shared output buffer; the oldest
// event is dropped on overflow (§3 Output event).
const outputBufferCapacity = 200

// vsockPort is the guest agent's fixed service port (§6.3).
const vsockPort = uint32(9999)

// Executor accepts fire-and-forget task-execute requests, one worker
// goroutine per task.
type Executor struct {
	pool *pool.Pool

	outMu  sync.Mutex
	output []protocol.OutputEvent

	resMu   sync.Mutex
	results []protocol.TaskResultReport

	wg sync.WaitGroup
}

// New constructs an executor borrowing VMs from p.
func New(p *pool.Pool) *Executor {
	return &Executor{pool: p}
}

// ExecuteTask acquires a VM, binds the task to it, and spawns a
// detached worker to run it. It returns as soon as the VM has been
// acquired and assigned; it does not wait for the task to finish.
func (e *Executor) ExecuteTask(ctx context.Context, req protocol.ExecuteRequest) error {
	inst, coldStart, err := e.pool.AcquireOrCreate(ctx)
	if err != nil {
		return err
	}
	if err := inst.AssignTask(req.TaskID); err != nil {
		_ = e.pool.Release(ctx, inst.ID())
		return err
	}

	e.wg.Add(1)
	go e.runWorker(inst, req, coldStart)
	return nil
}

// Wait blocks until all in-flight workers have finished. Intended for
// graceful-shutdown call sites, not the hot path.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) runWorker(inst *vmm.Instance, req protocol.ExecuteRequest, coldStart bool) {
	defer e.wg.Done()
	defer inst.ReleaseTask()

	report := e.run(inst, req, coldStart)

	e.resMu.Lock()
	e.results = append(e.results, report)
	e.resMu.Unlock()

	if err := e.pool.Release(context.Background(), inst.ID()); err != nil {
		logging.Op().Error("executor: release vm after task", "task_id", req.TaskID.String(), "vm_id", inst.ID().String(), "error", err)
	}
}

func (e *Executor) run(inst *vmm.Instance, req protocol.ExecuteRequest, coldStart bool) protocol.TaskResultReport {
	ctx, span := observability.StartSpan(context.Background(), "executor.run",
		observability.AttrTaskID.String(req.TaskID.String()),
		observability.AttrRepoURL.String(req.RepoURL),
		observability.AttrVMID.String(inst.ID().String()),
		observability.AttrColdStart.Bool(coldStart),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		dur := time.Since(start)
		span.SetAttributes(observability.AttrDurationMs.Int64(dur.Milliseconds()))
		metrics.Global().RecordTaskDuration(dur)
	}()

	r, err := runner.Connect(ctx, inst.VsockPath(), vsockPort)
	if err != nil {
		metrics.Global().RecordTaskOutcome(false)
		observability.SetSpanError(span, err)
		report := errorReport(req.TaskID, err)
		e.logTask(req, report, time.Since(start), coldStart, span)
		return report
	}
	defer r.Close()
	r.SetOutputSink(e)

	result, err := r.Run(req)
	if err != nil {
		metrics.Global().RecordTaskOutcome(false)
		observability.SetSpanError(span, err)
		report := errorReport(req.TaskID, err)
		e.logTask(req, report, time.Since(start), coldStart, span)
		return report
	}

	metrics.Global().RecordTaskOutcome(result.Success)
	if result.Success {
		observability.SetSpanOK(span)
	} else {
		observability.SetSpanError(span, fmt.Errorf("%s", result.ErrorMessage))
	}
	report := protocol.TaskResultReport{
		TaskID:  req.TaskID,
		Success: result.Success,
		Metrics: result.Metrics,
		PrURL:   result.PrURL,
	}
	if !result.Success {
		msg := result.ErrorMessage
		report.ErrorMessage = &msg
	}
	e.logTask(req, report, time.Since(start), coldStart, span)
	return report
}

func (e *Executor) logTask(req protocol.ExecuteRequest, report protocol.TaskResultReport, dur time.Duration, coldStart bool, span trace.Span) {
	entry := logging.TaskLog{
		TaskID:     req.TaskID.String(),
		RepoURL:    req.RepoURL,
		Branch:     req.Branch,
		DurationMs: dur.Milliseconds(),
		ColdStart:  coldStart,
		Success:    report.Success,
	}
	if report.PrURL != nil {
		entry.PrURL = *report.PrURL
	}
	if report.ErrorMessage != nil {
		entry.Error = *report.ErrorMessage
	}
	logging.DefaultTaskLogger().Log(entry)

	sc := span.SpanContext()
	if sc.HasTraceID() {
		logging.OpWithTrace(sc.TraceID().String(), sc.SpanID().String()).Info("executor: task completed",
			"task_id", entry.TaskID, "success", entry.Success, "duration_ms", entry.DurationMs, "cold_start", entry.ColdStart)
	}
}

func errorReport(taskID ids.ID, err error) protocol.TaskResultReport {
	msg := err.Error()
	return protocol.TaskResultReport{
		TaskID:       taskID,
		Success:      false,
		ErrorMessage: &msg,
	}
}

// Push implements runner.OutputSink: it appends to the shared output
// buffer, dropping the oldest event on overflow, and logs the line.
func (e *Executor) Push(ev protocol.OutputEvent) {
	e.outMu.Lock()
	e.output = append(e.output, ev)
	if len(e.output) > outputBufferCapacity {
		e.output = e.output[len(e.output)-outputBufferCapacity:]
	}
	e.outMu.Unlock()

	logging.Op().Info(fmt.Sprintf("task output: %s", ev.Data), "task_id", ev.TaskID.String(), "stream", outputStreamName(ev.OutputType))
}

func outputStreamName(t protocol.OutputType) string {
	if t == protocol.OutputStderr {
		return "stderr"
	}
	return "stdout"
}

// DrainOutput atomically moves the buffered output events out and
// resets the buffer to empty; callers own what they received.
func (e *Executor) DrainOutput() []protocol.OutputEvent {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	drained := e.output
	e.output = nil
	return drained
}

// DrainResults atomically moves the completed-results queue out and
// resets it to empty.
func (e *Executor) DrainResults() []protocol.TaskResultReport {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	drained := e.results
	e.results = nil
	return drained
}
