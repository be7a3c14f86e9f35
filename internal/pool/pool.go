// Package pool maintains a warm set of snapshot-restored VMs up to a
// target size, hands them out to tasks, and destroys-then-replenishes
// on release. A VM is single-use: once a task has run inside it, its
// guest agent has already exited, so the VM is always destroyed on
// release rather than recycled.
//
// # Invariants
//
//   - warm and active are disjoint: every instance tracked by the pool
//     lives in exactly one of them.
//   - len(warm) + len(active) never exceeds cfg.TotalVMSlots.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/snapshot"
	"github.com/martiangreed/marathon/internal/vmm"
)

// ErrNoAvailableVM is returned when the slot ceiling is reached and no
// warm VM is available.
var ErrNoAvailableVM = errors.New("pool: no available vm")

// maxConsecutiveFailures bounds WarmPool's retry loop so it does not
// spin forever against a broken environment.
const maxConsecutiveFailures = 3

// Config carries the pool's sizing limits.
type Config struct {
	TotalVMSlots   uint32
	WarmPoolTarget uint32
}

// Pool is the mutex-protected warm/active VM pair.
type Pool struct {
	mu     sync.Mutex
	warm   []*vmm.Instance
	active map[ids.ID]*vmm.Instance

	cfg       Config
	catalog   *snapshot.Catalog
	artifacts vmm.Artifacts
}

// New constructs an empty pool.
func New(cfg Config, catalog *snapshot.Catalog, artifacts vmm.Artifacts) *Pool {
	return &Pool{
		warm:      make([]*vmm.Instance, 0, cfg.TotalVMSlots),
		active:    make(map[ids.ID]*vmm.Instance),
		cfg:       cfg,
		catalog:   catalog,
		artifacts: artifacts,
	}
}

// createWarmInstance builds a fresh instance and snapshot-restores it
// from the catalog's default snapshot.
func (p *Pool) createWarmInstance(ctx context.Context) (*vmm.Instance, error) {
	rec, ok := p.catalog.Default()
	if !ok {
		return nil, fmt.Errorf("pool: no default snapshot registered")
	}
	inst, err := vmm.New(ids.New())
	if err != nil {
		return nil, err
	}
	if err := inst.Restore(ctx, p.artifacts, rec); err != nil {
		return nil, err
	}
	metrics.Global().RecordVMCreated()
	return inst, nil
}

// WarmPool tops the warm set up to target, aborting early after three
// consecutive restore failures rather than spinning on a broken host.
func (p *Pool) WarmPool(ctx context.Context, target uint32) error {
	consecutiveFailures := 0
	for {
		p.mu.Lock()
		warmLen := uint32(len(p.warm))
		totalLen := warmLen + uint32(len(p.active))
		p.mu.Unlock()

		if warmLen >= target || totalLen >= p.cfg.TotalVMSlots {
			return nil
		}

		inst, err := p.createWarmInstance(ctx)
		if err != nil {
			consecutiveFailures++
			if consecutiveFailures >= maxConsecutiveFailures {
				return fmt.Errorf("pool: warm_pool aborted after %d consecutive failures: %w", consecutiveFailures, err)
			}
			continue
		}
		consecutiveFailures = 0

		p.mu.Lock()
		p.warm = append(p.warm, inst)
		p.mu.Unlock()
	}
}

// AcquireOrCreate pops a warm VM if one is available, preferring the
// most recently warmed one (LIFO). Otherwise, if the slot ceiling has
// not been reached, it cold-creates a fresh VM outside the pool mutex
// so other callers are not blocked on a multi-second Firecracker spawn.
// The returned bool reports whether the instance was cold-created
// (true) rather than popped from the warm pool (false), so callers can
// attribute the extra cold-boot latency a task incurred.
func (p *Pool) AcquireOrCreate(ctx context.Context) (*vmm.Instance, bool, error) {
	p.mu.Lock()
	if n := len(p.warm); n > 0 {
		inst := p.warm[n-1]
		p.warm = p.warm[:n-1]
		p.active[inst.ID()] = inst
		p.mu.Unlock()
		metrics.Global().RecordVMAcquired(true)
		p.reportOccupancy()
		return inst, false, nil
	}
	totalLen := uint32(len(p.warm)) + uint32(len(p.active))
	if totalLen >= p.cfg.TotalVMSlots {
		p.mu.Unlock()
		return nil, false, ErrNoAvailableVM
	}
	p.mu.Unlock()

	inst, err := p.createWarmInstance(ctx)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	p.active[inst.ID()] = inst
	p.mu.Unlock()
	metrics.Global().RecordVMAcquired(false)
	p.reportOccupancy()
	return inst, true, nil
}

// Release always destroys the released VM: its guest agent has
// already exited after serving its one task, so reuse would fail.
// After destroying, it replenishes the warm pool if there is slack
// below both the slot ceiling and the warm target.
func (p *Pool) Release(ctx context.Context, id ids.ID) error {
	p.mu.Lock()
	inst, ok := p.active[id]
	if ok {
		delete(p.active, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pool: release: unknown vm %s", id)
	}

	if err := inst.Stop(ctx); err != nil {
		return err
	}
	metrics.Global().RecordVMStopped()
	p.reportOccupancy()

	p.mu.Lock()
	totalLen := uint32(len(p.warm)) + uint32(len(p.active))
	warmLen := uint32(len(p.warm))
	needsReplenish := totalLen < p.cfg.TotalVMSlots && warmLen < p.cfg.WarmPoolTarget
	p.mu.Unlock()

	if needsReplenish {
		fresh, err := p.createWarmInstance(ctx)
		if err == nil {
			p.mu.Lock()
			p.warm = append(p.warm, fresh)
			p.mu.Unlock()
			p.reportOccupancy()
		}
	}
	return nil
}

// reportOccupancy pushes the current warm/active counts to the process
// metrics registry.
func (p *Pool) reportOccupancy() {
	metrics.Global().SetPoolOccupancy(p.WarmCount(), p.ActiveCount())
}

// WarmCount returns the current warm-set size.
func (p *Pool) WarmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}

// ActiveCount returns the current active-set size.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// TotalCount returns warm + active.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm) + len(p.active)
}

// seedWarm is a test-only hook letting tests pre-populate the warm
// stack without going through a real snapshot restore.
func (p *Pool) seedWarm(inst *vmm.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warm = append(p.warm, inst)
}
