package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TotalVMSlots != 10 {
		t.Fatalf("TotalVMSlots = %d, want 10", cfg.TotalVMSlots)
	}
	if cfg.VsockPort != 9999 {
		t.Fatalf("VsockPort = %d, want 9999", cfg.VsockPort)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := "total_vm_slots: 20\nvsock_port: 8888\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.TotalVMSlots != 20 {
		t.Fatalf("TotalVMSlots = %d, want 20", cfg.TotalVMSlots)
	}
	if cfg.VsockPort != 8888 {
		t.Fatalf("VsockPort = %d, want 8888", cfg.VsockPort)
	}
	// untouched field keeps its default
	if cfg.ListenAddr != ":7700" {
		t.Fatalf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
}

func TestLoadFromEnvOverridesConfig(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("MARATHON_TOTAL_VM_SLOTS", "42")
	t.Setenv("MARATHON_TLS_ENABLED", "true")
	t.Setenv("MARATHON_AUTH_KEY", "supersecret")

	LoadFromEnv(cfg)

	if cfg.TotalVMSlots != 42 {
		t.Fatalf("TotalVMSlots = %d, want 42", cfg.TotalVMSlots)
	}
	if !cfg.TLSEnabled {
		t.Fatalf("expected TLSEnabled = true")
	}
	if cfg.AuthKey != "supersecret" {
		t.Fatalf("AuthKey = %q", cfg.AuthKey)
	}
}

func TestLoadFromEnvOverridesTracing(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("MARATHON_TRACING_ENABLED", "true")
	t.Setenv("MARATHON_TRACING_ENDPOINT", "collector:4318")
	t.Setenv("MARATHON_LOG_FORMAT", "json")

	LoadFromEnv(cfg)

	if !cfg.TracingEnabled {
		t.Fatalf("expected TracingEnabled = true")
	}
	if cfg.TracingEndpoint != "collector:4318" {
		t.Fatalf("TracingEndpoint = %q", cfg.TracingEndpoint)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoadWithoutFilePath(t *testing.T) {
	t.Setenv("MARATHON_VSOCK_PORT", "1234")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VsockPort != 1234 {
		t.Fatalf("VsockPort = %d, want 1234", cfg.VsockPort)
	}
}
