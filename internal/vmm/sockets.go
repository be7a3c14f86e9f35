package vmm

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/martiangreed/marathon/internal/ids"
)

// socketDirCandidates lists the process-wide socket directory
// preference order (§4.C). The first one that is creatable and passes
// a probe-file write/delete check wins.
var socketDirCandidates = []string{
	"/run/marathon",
	"/var/run/marathon",
	"/tmp/marathon",
	"/tmp",
}

var (
	socketDirOnce sync.Once
	socketDir     string
	socketDirErr  error
)

// SocketDir returns the process-wide socket directory, selecting and
// caching it on first call. Selection is guarded so it only ever runs
// once per process, matching the "global mutable state, initialize
// once" discipline the spec calls for (§9).
func SocketDir() (string, error) {
	socketDirOnce.Do(func() {
		for _, candidate := range socketDirCandidates {
			if probeWritable(candidate) {
				socketDir = candidate
				return
			}
		}
		socketDirErr = ErrSocketDirUnavailable
	})
	return socketDir, socketDirErr
}

func probeWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".marathon-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	defer os.Remove(probe)
	return true
}

// apiSocketPath returns the deterministic Firecracker API socket path
// for a VM id.
func apiSocketPath(dir string, id ids.ID) string {
	return filepath.Join(dir, fmt.Sprintf("firecracker-%s.sock", id.String()))
}

// vsockUDSPath returns the deterministic guest-facing vsock UDS path
// for a VM id.
func vsockUDSPath(dir string, id ids.ID) string {
	return filepath.Join(dir, fmt.Sprintf("firecracker-%s-vsock.sock", id.String()))
}

// removeStale deletes any leftover socket files at the given paths,
// ignoring errors (they may simply not exist).
func removeStale(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// cidLowerBound and cidUpperBound bracket the valid guest CID range:
// 0-2 are reserved (hypervisor, reserved, host), and the upper bound
// leaves headroom below the 32-bit wraparound per §3.
const (
	cidLowerBound = 3
	cidUpperBound = (1 << 32) - 4
)

// randomCID draws a guest CID uniformly from [3, 2^32-4).
func randomCID() uint32 {
	span := big.NewInt(cidUpperBound - cidLowerBound)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		panic(err)
	}
	return cidLowerBound + uint32(n.Int64())
}
