package pool

import (
	"context"
	"testing"

	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/snapshot"
	"github.com/martiangreed/marathon/internal/vmm"
)

func newTestPool(t *testing.T, slots, target uint32) *Pool {
	t.Helper()
	cat, err := snapshot.Scan(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot.Scan: %v", err)
	}
	return New(Config{TotalVMSlots: slots, WarmPoolTarget: target}, cat, vmm.Artifacts{})
}

func newReadyInstance(t *testing.T) *vmm.Instance {
	t.Helper()
	inst, err := vmm.New(ids.New())
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}
	return inst
}

func TestAcquireFromWarmPoolPrefersMostRecentlySeeded(t *testing.T) {
	p := newTestPool(t, 4, 2)
	first := newReadyInstance(t)
	second := newReadyInstance(t)
	p.seedWarm(first)
	p.seedWarm(second)

	got, coldStart, err := p.AcquireOrCreate(context.Background())
	if err != nil {
		t.Fatalf("AcquireOrCreate: %v", err)
	}
	if got.ID() != second.ID() {
		t.Fatalf("expected LIFO acquire to return the most recently seeded instance")
	}
	if coldStart {
		t.Fatalf("expected coldStart = false when popping from the warm pool")
	}
	if p.WarmCount() != 1 {
		t.Fatalf("WarmCount = %d, want 1", p.WarmCount())
	}
	if p.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", p.ActiveCount())
	}
}

// TestAcquireRefusesBeyondSlotCeiling covers Property 3: the pool never
// exceeds total_vm_slots across warm+active.
func TestAcquireRefusesBeyondSlotCeiling(t *testing.T) {
	p := newTestPool(t, 1, 0)
	inst := newReadyInstance(t)
	p.seedWarm(inst)

	got, _, err := p.AcquireOrCreate(context.Background())
	if err != nil {
		t.Fatalf("AcquireOrCreate: %v", err)
	}
	if got.ID() != inst.ID() {
		t.Fatalf("expected to acquire the seeded instance")
	}

	if _, _, err := p.AcquireOrCreate(context.Background()); err != ErrNoAvailableVM {
		t.Fatalf("expected ErrNoAvailableVM at the slot ceiling, got %v", err)
	}
	if p.TotalCount() != 1 {
		t.Fatalf("TotalCount = %d, want 1", p.TotalCount())
	}
}

// TestReleasedVMIsNeverReacquired covers Property 4: a VM is single-use.
// Acquiring again after release must never return the same instance id,
// since Release always destroys the VM rather than recycling it.
func TestReleasedVMIsNeverReacquired(t *testing.T) {
	p := newTestPool(t, 4, 0)
	first := newReadyInstance(t)
	p.seedWarm(first)

	got, _, err := p.AcquireOrCreate(context.Background())
	if err != nil {
		t.Fatalf("AcquireOrCreate: %v", err)
	}
	if err := p.Release(context.Background(), got.ID()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got.State() != vmm.StateStopped {
		t.Fatalf("expected released instance to be stopped, got %v", got.State())
	}
	if p.WarmCount() != 0 {
		t.Fatalf("WarmCount = %d, want 0 (no snapshot catalog to replenish from)", p.WarmCount())
	}

	second := newReadyInstance(t)
	p.seedWarm(second)
	again, _, err := p.AcquireOrCreate(context.Background())
	if err != nil {
		t.Fatalf("AcquireOrCreate: %v", err)
	}
	if again.ID() == got.ID() {
		t.Fatalf("acquired the same vm id twice across a release boundary")
	}
}

func TestReleaseUnknownVMIsAnError(t *testing.T) {
	p := newTestPool(t, 4, 0)
	if err := p.Release(context.Background(), ids.New()); err == nil {
		t.Fatalf("expected an error releasing an id that was never acquired")
	}
}

func TestReleaseDoesNotReplenishWithoutSnapshotCatalogEntry(t *testing.T) {
	p := newTestPool(t, 4, 2)
	inst := newReadyInstance(t)
	p.seedWarm(inst)

	got, _, err := p.AcquireOrCreate(context.Background())
	if err != nil {
		t.Fatalf("AcquireOrCreate: %v", err)
	}
	if err := p.Release(context.Background(), got.ID()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// The test catalog has no default snapshot registered, so
	// replenishment fails silently and the warm set stays empty
	// rather than the release call returning an error.
	if p.WarmCount() != 0 {
		t.Fatalf("WarmCount = %d, want 0", p.WarmCount())
	}
	if p.TotalCount() != 0 {
		t.Fatalf("TotalCount = %d, want 0", p.TotalCount())
	}
}

func TestWarmPoolAbortsAfterConsecutiveFailures(t *testing.T) {
	p := newTestPool(t, 8, 3)
	err := p.WarmPool(context.Background(), 3)
	if err == nil {
		t.Fatalf("expected WarmPool to fail: no default snapshot is registered in the test catalog")
	}
	if p.WarmCount() != 0 {
		t.Fatalf("WarmCount = %d, want 0 after an aborted warm_pool", p.WarmCount())
	}
}

func TestWarmPoolNoopWhenAlreadyAtTarget(t *testing.T) {
	p := newTestPool(t, 4, 2)
	p.seedWarm(newReadyInstance(t))
	p.seedWarm(newReadyInstance(t))

	if err := p.WarmPool(context.Background(), 2); err != nil {
		t.Fatalf("WarmPool: %v", err)
	}
	if p.WarmCount() != 2 {
		t.Fatalf("WarmCount = %d, want 2", p.WarmCount())
	}
}
