// Package vmm owns one Firecracker child process per VM instance: its
// control socket, its guest-facing vsock endpoint, and the state
// machine that drives cold boot or snapshot restore (§4.C). It wraps
// the real firecracker-go-sdk rather than hand-rolling the REST-over-
// UDS client the SDK already implements; the SDK's default handler
// pipeline performs exactly the five sequential PUT calls (boot-source,
// drives, vsock, machine-config, actions) the wire contract describes.
package vmm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/snapshot"
	"github.com/martiangreed/marathon/internal/tapnet"
)

// State is one of the VM instance lifecycle states (§3).
type State string

const (
	StateCreating State = "creating"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// kernelCmdline is fixed across every boot, matching §4.C exactly.
const kernelCmdline = "console=ttyS0 reboot=k panic=1 pci=off"

// WellKnownSnapshotVsockPath is the fixed path the baseline snapshot
// embeds for its vsock device; Firecracker re-binds here verbatim on
// restore regardless of which instance is restoring it (§6.4).
const WellKnownSnapshotVsockPath = "/run/marathon/snapshot-base-vsock.sock"

// Default machine sizing. The spec leaves exact vCPU/memory sizing
// unspecified (an artifact of the snapshot itself, not the wire
// contract); these are sane defaults for a single-task coding-agent
// sandbox and are overridable via Artifacts.
const (
	defaultVCPUCount  = int64(2)
	defaultMemSizeMiB = int64(1024)
)

// Artifacts locates the binaries and images a VM instance boots from.
type Artifacts struct {
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string
	VCPUCount      int64
	MemSizeMiB     int64
}

// Instance encapsulates one Firecracker child, its API socket, and its
// guest vsock endpoint. Exactly one of cold boot or snapshot restore
// brings it from StateCreating to StateReady.
type Instance struct {
	mu sync.Mutex

	id      ids.ID
	state   State
	cid     uint32
	apiSock string
	vsock   string

	machine *firecracker.Machine

	net    tapnet.Device
	hasNet bool

	taskID    *ids.ID
	startedAt time.Time
}

// New allocates socket paths and a CID for a fresh VM instance. It
// does not spawn any process; call Boot or Restore to do that.
func New(id ids.ID) (*Instance, error) {
	dir, err := SocketDir()
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		id:      id,
		state:   StateCreating,
		cid:     randomCID(),
		apiSock: apiSocketPath(dir, id),
		vsock:   vsockUDSPath(dir, id),
	}
	removeStale(inst.apiSock, inst.vsock)

	if dev, ok := tapnet.Allocate(); ok {
		if err := tapnet.Create(dev); err != nil {
			logging.Op().Warn("vmm: tap device creation failed, booting without network", "vm_id", id.String(), "error", err)
			tapnet.Release(dev.Index)
		} else {
			inst.net = dev
			inst.hasNet = true
		}
	}
	return inst, nil
}

// ID returns the instance's identifier.
func (inst *Instance) ID() ids.ID { return inst.id }

// CID returns the instance's guest vsock CID.
func (inst *Instance) CID() uint32 { return inst.cid }

// VsockPath returns the host-side UDS path this instance's guest agent
// is reachable through.
func (inst *Instance) VsockPath() string { return inst.vsock }

// State returns the instance's current lifecycle state.
func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func checkArtifacts(a Artifacts) error {
	if _, err := os.Stat(a.FirecrackerBin); err != nil {
		return ErrFirecrackerNotFound
	}
	if _, err := os.Stat(a.KernelPath); err != nil {
		return ErrKernelNotFound
	}
	if _, err := os.Stat(a.RootfsPath); err != nil {
		return ErrRootfsNotFound
	}
	return nil
}

func (inst *Instance) baseConfig(a Artifacts, rootfsPath string) firecracker.Config {
	vcpu := a.VCPUCount
	if vcpu == 0 {
		vcpu = defaultVCPUCount
	}
	mem := a.MemSizeMiB
	if mem == 0 {
		mem = defaultMemSizeMiB
	}
	cfg := firecracker.Config{
		SocketPath:      inst.apiSock,
		KernelImagePath: a.KernelPath,
		KernelArgs:      kernelCmdline,
		Drives: []models.Drive{
			{
				DriveID:      firecracker.String("rootfs"),
				PathOnHost:   firecracker.String(rootfsPath),
				IsRootDevice: firecracker.Bool(true),
				IsReadOnly:   firecracker.Bool(false),
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  &vcpu,
			MemSizeMib: &mem,
		},
	}

	if inst.hasNet {
		cfg.NetworkInterfaces = firecracker.NetworkInterfaces{
			{
				StaticConfiguration: &firecracker.StaticNetworkConfiguration{
					MacAddress:  inst.net.MAC.String(),
					HostDevName: inst.net.Name,
				},
			},
		}
	}
	return cfg
}

func newMachineLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

// Boot cold-boots the VM: verifies artifacts exist, spawns Firecracker
// configured with a fresh vsock device at this instance's own path,
// and waits for the guest vsock UDS to appear.
func (inst *Instance) Boot(ctx context.Context, a Artifacts) error {
	start := time.Now()
	if err := checkArtifacts(a); err != nil {
		inst.setState(StateFailed)
		return err
	}

	cfg := inst.baseConfig(a, a.RootfsPath)
	cfg.VsockDevices = []firecracker.VsockDevice{
		{ID: "vsock0", Path: inst.vsock, CID: inst.cid},
	}

	bootCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	machine, err := inst.startMachine(bootCtx, a.FirecrackerBin, cfg, nil, io.Discard)
	if err != nil {
		inst.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrFirecrackerStartFailed, err)
	}
	inst.machine = machine

	if err := waitForPath(ctx, inst.vsock, 30, 500*time.Millisecond); err != nil {
		inst.killAndClean()
		inst.setState(StateFailed)
		return ErrVsockTimeout
	}

	inst.setState(StateReady)
	metrics.Global().RecordVMBootDuration(time.Since(start), false)
	return nil
}

// Restore snapshot-restores the VM from rec. On any of the three
// documented failure modes (read-only snapshot vsock directory,
// snapshot-load failure, vsock-rename failure) it falls back to a
// full cold boot instead of returning an error (§9).
func (inst *Instance) Restore(ctx context.Context, a Artifacts, rec snapshot.Record) error {
	start := time.Now()
	if err := checkArtifacts(a); err != nil {
		inst.setState(StateFailed)
		return err
	}

	if !dirWritable(filepath.Dir(WellKnownSnapshotVsockPath)) {
		return inst.Boot(ctx, a)
	}

	cfg := inst.baseConfig(a, a.RootfsPath)
	cfg.VsockDevices = []firecracker.VsockDevice{
		{ID: "vsock0", Path: WellKnownSnapshotVsockPath, CID: inst.cid},
	}

	restoreCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	snapOpt := firecracker.WithSnapshot(rec.MemFilePath(), rec.SnapshotFilePath(), func(sc *firecracker.SnapshotConfig) {
		sc.ResumeVM = true
	})

	machine, err := inst.startMachine(restoreCtx, a.FirecrackerBin, cfg, []firecracker.Opt{snapOpt}, io.Discard)
	if err != nil {
		removeStale(inst.apiSock, inst.vsock)
		return inst.Boot(ctx, a)
	}
	inst.machine = machine

	os.Remove(inst.vsock)
	if err := os.Rename(WellKnownSnapshotVsockPath, inst.vsock); err != nil {
		_ = inst.machine.StopVMM()
		inst.machine = nil
		removeStale(inst.apiSock, inst.vsock)
		return inst.Boot(ctx, a)
	}

	if err := waitForPath(ctx, inst.vsock, 10, 500*time.Millisecond); err != nil {
		inst.killAndClean()
		inst.setState(StateFailed)
		return ErrVsockNotReady
	}

	inst.setState(StateReady)
	metrics.Global().RecordVMBootDuration(time.Since(start), true)
	return nil
}

func (inst *Instance) startMachine(ctx context.Context, bin string, cfg firecracker.Config, extraOpts []firecracker.Opt, stderr io.Writer) (*firecracker.Machine, error) {
	cmd := firecracker.VMCommandBuilder{}.
		WithBin(bin).
		WithSocketPath(cfg.SocketPath).
		WithStderr(stderr).
		Build(ctx)

	opts := append([]firecracker.Opt{
		firecracker.WithProcessRunner(cmd),
		firecracker.WithLogger(newMachineLogger()),
	}, extraOpts...)

	machine, err := firecracker.NewMachine(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := machine.Start(ctx); err != nil {
		return nil, err
	}
	return machine, nil
}

func (inst *Instance) killAndClean() {
	if inst.machine != nil {
		_ = inst.machine.StopVMM()
		inst.machine = nil
	}
	removeStale(inst.apiSock, inst.vsock)
	inst.teardownNetwork()
	metrics.Global().RecordVMCrashed()
}

func (inst *Instance) teardownNetwork() {
	if !inst.hasNet {
		return
	}
	if err := tapnet.Destroy(inst.net); err != nil {
		logging.Op().Warn("vmm: tap device teardown failed", "vm_id", inst.id.String(), "error", err)
	}
	tapnet.Release(inst.net.Index)
	inst.hasNet = false
}

// Stop kills the child process (best-effort), deletes both UDS files,
// and marks the instance stopped. Idempotent.
func (inst *Instance) Stop(ctx context.Context) error {
	inst.mu.Lock()
	if inst.state == StateStopped {
		inst.mu.Unlock()
		return nil
	}
	inst.state = StateStopping
	inst.mu.Unlock()

	if inst.machine != nil {
		_ = inst.machine.StopVMM()
		inst.machine = nil
	}
	removeStale(inst.apiSock, inst.vsock)
	inst.teardownNetwork()

	inst.setState(StateStopped)
	return nil
}

// AssignTask transitions ready -> running and records the bound task.
func (inst *Instance) AssignTask(taskID ids.ID) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateReady {
		return ErrNotRunning
	}
	inst.state = StateRunning
	inst.taskID = &taskID
	inst.startedAt = time.Now()
	return nil
}

// ReleaseTask inverts AssignTask.
func (inst *Instance) ReleaseTask() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.taskID = nil
	if inst.state == StateRunning {
		inst.state = StateReady
	}
}

// Uptime returns how long the instance has been running its current
// task, or zero if it was never assigned one.
func (inst *Instance) Uptime() time.Duration {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.startedAt.IsZero() {
		return 0
	}
	return time.Since(inst.startedAt)
}

func (inst *Instance) setState(s State) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}

func dirWritable(dir string) bool {
	return probeWritable(dir)
}

// waitForPath polls for path to exist, up to attempts*interval total.
func waitForPath(ctx context.Context, path string, attempts int, interval time.Duration) error {
	for i := 0; i < attempts; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return ErrVsockTimeout
}
