// Package nodeconfig loads a node's runtime configuration: listen
// address, orchestrator address, pool sizing, artifact paths, and
// authentication/TLS settings (§4.I). Defaults are filled first, then
// optionally overridden by a YAML file, then by environment variables,
// following the layering the rest of this codebase uses for config.
package nodeconfig

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BaseDir is the default installation root for node artifacts.
const BaseDir = "/opt/marathon"

// Config holds every recognized node setting.
type Config struct {
	ListenAddr         string        `yaml:"listen_addr"`
	OrchestratorAddr   string        `yaml:"orchestrator_addr"`
	TotalVMSlots       uint32        `yaml:"total_vm_slots"`
	WarmPoolTarget     uint32        `yaml:"warm_pool_target"`
	SnapshotDir        string        `yaml:"snapshot_dir"`
	KernelPath         string        `yaml:"kernel_path"`
	RootfsPath         string        `yaml:"rootfs_path"`
	FirecrackerBin     string        `yaml:"firecracker_bin"`
	VsockPort          uint32        `yaml:"vsock_port"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	AuthKey            string        `yaml:"auth_key"`
	TLSEnabled         bool          `yaml:"tls_enabled"`
	TLSCAPath          string        `yaml:"tls_ca_path"`
	LogFormat          string        `yaml:"log_format"`
	TracingEnabled     bool          `yaml:"tracing_enabled"`
	TracingEndpoint    string        `yaml:"tracing_endpoint"`
}

// DefaultConfig returns a Config with the defaults described in §4.I.
// WarmPoolTarget defaults to 5 when /dev/kvm is present, else 0 (there
// is no point warming VMs on a host that cannot run Firecracker).
func DefaultConfig() *Config {
	warmTarget := uint32(0)
	if kvmAvailable() {
		warmTarget = 5
	}
	return &Config{
		ListenAddr:        ":7700",
		OrchestratorAddr:  "orchestrator:7777",
		TotalVMSlots:      10,
		WarmPoolTarget:    warmTarget,
		SnapshotDir:       BaseDir + "/snapshots",
		KernelPath:        BaseDir + "/kernel/vmlinux",
		RootfsPath:        BaseDir + "/rootfs/rootfs.ext4",
		FirecrackerBin:    BaseDir + "/bin/firecracker",
		VsockPort:         9999,
		HeartbeatInterval: 5 * time.Second,
		AuthKey:           "",
		TLSEnabled:        false,
		TLSCAPath:         "",
		LogFormat:         "text",
		TracingEnabled:    false,
		TracingEndpoint:   "localhost:4318",
	}
}

func kvmAvailable() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// LoadFromFile reads a YAML file over top of DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies MARATHON_-prefixed environment variable
// overrides to cfg in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MARATHON_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MARATHON_ORCHESTRATOR_ADDR"); v != "" {
		cfg.OrchestratorAddr = v
	}
	if v := os.Getenv("MARATHON_TOTAL_VM_SLOTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.TotalVMSlots = uint32(n)
		}
	}
	if v := os.Getenv("MARATHON_WARM_POOL_TARGET"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.WarmPoolTarget = uint32(n)
		}
	}
	if v := os.Getenv("MARATHON_SNAPSHOT_DIR"); v != "" {
		cfg.SnapshotDir = v
	}
	if v := os.Getenv("MARATHON_KERNEL_PATH"); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv("MARATHON_ROOTFS_PATH"); v != "" {
		cfg.RootfsPath = v
	}
	if v := os.Getenv("MARATHON_FIRECRACKER_BIN"); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv("MARATHON_VSOCK_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(n)
		}
	}
	if v := os.Getenv("MARATHON_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HeartbeatInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MARATHON_AUTH_KEY"); v != "" {
		cfg.AuthKey = v
	}
	if v := os.Getenv("MARATHON_TLS_ENABLED"); v != "" {
		cfg.TLSEnabled = parseBool(v)
	}
	if v := os.Getenv("MARATHON_TLS_CA_PATH"); v != "" {
		cfg.TLSCAPath = v
	}
	if v := os.Getenv("MARATHON_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("MARATHON_TRACING_ENABLED"); v != "" {
		cfg.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("MARATHON_TRACING_ENDPOINT"); v != "" {
		cfg.TracingEndpoint = v
	}
}

// Load builds a Config the way marathon-node's CLI does: defaults,
// then an optional YAML file (if filePath is non-empty), then
// environment overrides.
func Load(filePath string) (*Config, error) {
	var cfg *Config
	var err error
	if filePath != "" {
		cfg, err = LoadFromFile(filePath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}
	LoadFromEnv(cfg)
	return cfg, nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
