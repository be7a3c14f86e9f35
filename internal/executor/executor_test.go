package executor

import (
	"fmt"
	"testing"

	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/protocol"
)

func newTestExecutor() *Executor {
	return New(nil)
}

// TestDrainOutputIdempotence covers Property 5: a second drain call
// immediately after the first returns an empty sequence.
func TestDrainOutputIdempotence(t *testing.T) {
	e := newTestExecutor()
	e.Push(protocol.OutputEvent{TaskID: ids.New(), Data: []byte("one")})

	first := e.DrainOutput()
	if len(first) != 1 {
		t.Fatalf("first drain len = %d, want 1", len(first))
	}
	second := e.DrainOutput()
	if len(second) != 0 {
		t.Fatalf("second drain len = %d, want 0", len(second))
	}

	e.Push(protocol.OutputEvent{TaskID: ids.New(), Data: []byte("two")})
	third := e.DrainOutput()
	if len(third) != 1 || string(third[0].Data) != "two" {
		t.Fatalf("third drain = %+v", third)
	}
}

func TestDrainResultsIdempotence(t *testing.T) {
	e := newTestExecutor()
	e.resMu.Lock()
	e.results = append(e.results, protocol.TaskResultReport{TaskID: ids.New(), Success: true})
	e.resMu.Unlock()

	first := e.DrainResults()
	if len(first) != 1 {
		t.Fatalf("first drain len = %d, want 1", len(first))
	}
	second := e.DrainResults()
	if len(second) != 0 {
		t.Fatalf("second drain len = %d, want 0", len(second))
	}
}

// TestOutputBufferBounded covers Property 6 and scenario 6: pushing
// 250 events and draining returns exactly the last 200, in order.
func TestOutputBufferBounded(t *testing.T) {
	e := newTestExecutor()
	for i := 1; i <= 250; i++ {
		e.Push(protocol.OutputEvent{TaskID: ids.New(), Data: []byte(fmt.Sprintf("e%d", i))})
	}

	drained := e.DrainOutput()
	if len(drained) != outputBufferCapacity {
		t.Fatalf("drained len = %d, want %d", len(drained), outputBufferCapacity)
	}
	if string(drained[0].Data) != "e51" {
		t.Fatalf("drained[0] = %q, want e51", drained[0].Data)
	}
	if string(drained[len(drained)-1].Data) != "e250" {
		t.Fatalf("drained[last] = %q, want e250", drained[len(drained)-1].Data)
	}
}

func TestErrorReportCarriesMessage(t *testing.T) {
	taskID := ids.New()
	report := errorReport(taskID, fmt.Errorf("boom"))
	if report.Success {
		t.Fatalf("expected Success=false")
	}
	if report.ErrorMessage == nil || *report.ErrorMessage != "boom" {
		t.Fatalf("ErrorMessage = %v", report.ErrorMessage)
	}
	if report.TaskID != taskID {
		t.Fatalf("TaskID mismatch")
	}
}
