package vmm

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/martiangreed/marathon/internal/ids"
)

func resetSocketDirSingleton(t *testing.T, candidates []string) {
	t.Helper()
	orig := socketDirCandidates
	socketDirCandidates = candidates
	socketDirOnce = sync.Once{}
	socketDir = ""
	socketDirErr = nil
	t.Cleanup(func() {
		socketDirCandidates = orig
		socketDirOnce = sync.Once{}
		socketDir = ""
		socketDirErr = nil
	})
}

func TestSocketDirPicksFirstWritableCandidate(t *testing.T) {
	base := t.TempDir()
	unwritable := filepath.Join(base, "no-perm")
	if err := os.MkdirAll(unwritable, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Chmod(unwritable, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(unwritable, 0o755) })

	writable := filepath.Join(base, "usable")
	resetSocketDirSingleton(t, []string{filepath.Join(unwritable, "sockets"), writable})

	dir, err := SocketDir()
	if err != nil {
		t.Fatalf("SocketDir: %v", err)
	}
	if dir != writable {
		t.Fatalf("SocketDir = %q, want %q", dir, writable)
	}
}

func TestSocketDirCachesAcrossCalls(t *testing.T) {
	base := t.TempDir()
	resetSocketDirSingleton(t, []string{base})

	first, err := SocketDir()
	if err != nil {
		t.Fatalf("SocketDir: %v", err)
	}
	socketDirCandidates = []string{filepath.Join(base, "other")}
	second, err := SocketDir()
	if err != nil {
		t.Fatalf("SocketDir: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached value %q, got %q", first, second)
	}
}

func TestSocketDirUnavailableWhenNoneWritable(t *testing.T) {
	base := t.TempDir()
	unwritable := filepath.Join(base, "locked")
	if err := os.MkdirAll(unwritable, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Chmod(unwritable, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(unwritable, 0o755) })

	resetSocketDirSingleton(t, []string{filepath.Join(unwritable, "a"), filepath.Join(unwritable, "b")})

	if _, err := SocketDir(); err != ErrSocketDirUnavailable {
		t.Fatalf("expected ErrSocketDirUnavailable, got %v", err)
	}
}

func TestDeterministicSocketPaths(t *testing.T) {
	id := ids.New()
	dir := "/run/marathon"
	if apiSocketPath(dir, id) == vsockUDSPath(dir, id) {
		t.Fatalf("api and vsock paths must differ")
	}
	if apiSocketPath(dir, id) != apiSocketPath(dir, id) {
		t.Fatalf("apiSocketPath must be deterministic")
	}
}

func TestRandomCIDInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		cid := randomCID()
		if cid < cidLowerBound || cid >= cidUpperBound {
			t.Fatalf("cid %d out of range [%d, %d)", cid, cidLowerBound, cidUpperBound)
		}
	}
}
