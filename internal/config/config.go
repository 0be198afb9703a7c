// Package config provides centralized configuration management for hvagent.
// All configuration is loaded from a JSON file at /etc/hvagent/config.json
// (overridable via HVAGENT_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/hvagent/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "HVAGENT_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Hypervisor HypervisorConfig `json:"hypervisor"`
	Memory     MemoryConfig     `json:"memory"`
	Host       HostConfig       `json:"host"`
	Limits     LimitsConfig     `json:"limits"`
	Timeouts   TimeoutsConfig   `json:"timeouts"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// PathsConfig defines filesystem paths for hvagent
type PathsConfig struct {
	StateDir string `json:"state_dir"` // Reservation ledger
	RunDir   string `json:"run_dir"`   // Agent socket
	LogDir   string `json:"log_dir"`   // Logs directory
}

// HypervisorConfig selects the hypercall device and optional behaviour.
type HypervisorConfig struct {
	Device string `json:"device"`

	// IssueShutdown sends VM_SHUTDOWN on shutdown requests and releases the
	// VM's CPUs on success. Off by default: shutdown only logs.
	IssueShutdown bool `json:"issue_shutdown"`

	// RegisterCPUs brackets VM creation with an AXPROCESS_UP registration
	// of the CPU mask.
	RegisterCPUs bool `json:"register_cpus"`
}

// MemoryConfig describes physical memory access.
// Addresses and sizes are strings accepting 0x prefixes.
type MemoryConfig struct {
	Device string `json:"mem_device"`

	// StagingBase and StagingSize locate the host-owned, physically
	// contiguous region used for create blocks and packed image sets.
	StagingBase string `json:"staging_base"`
	StagingSize string `json:"staging_size"`
}

// GetStagingBase returns the staging region base address.
func (m *MemoryConfig) GetStagingBase() uint64 {
	return mustParseUint(m.StagingBase)
}

// GetStagingSize returns the staging region size in bytes.
func (m *MemoryConfig) GetStagingSize() uint64 {
	return mustParseUint(m.StagingSize)
}

// HostConfig defines where host CPU state lives.
type HostConfig struct {
	SysfsCPURoot string `json:"sysfs_cpu_root"`
	// CpusetCgroup, if set, is a cgroup v2 group whose cpuset.cpus is kept
	// equal to the host-assignable CPUs.
	CpusetCgroup string `json:"cpuset_cgroup"`
}

// LimitsConfig bounds request sizes.
type LimitsConfig struct {
	MaxVMs       uint64 `json:"max_vms"`
	MaxImages    int    `json:"max_images"`
	MaxDiskPath  int    `json:"max_disk_path"`
	MaxImageSize uint64 `json:"max_image_size"`
	MaxRawConfig uint64 `json:"max_raw_config"`
}

// TimeoutsConfig defines timeout durations for blocking operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// CPUOffline bounds a single CPU offline call. Default: 10s.
	CPUOffline string `json:"cpu_offline"`

	// CPUOnline bounds a single CPU online call. Default: 10s.
	CPUOnline string `json:"cpu_online"`

	// Hypercall bounds every hypercall. Default: 30s.
	Hypercall string `json:"hypercall"`
}

// GetCPUOffline returns the CPU offline timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetCPUOffline() time.Duration {
	return mustParseDuration(t.CPUOffline)
}

// GetCPUOnline returns the CPU online timeout as a time.Duration.
func (t *TimeoutsConfig) GetCPUOnline() time.Duration {
	return mustParseDuration(t.CPUOnline)
}

// GetHypercall returns the hypercall timeout as a time.Duration.
func (t *TimeoutsConfig) GetHypercall() time.Duration {
	return mustParseDuration(t.Hypercall)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address to serve /metrics on; empty disables the endpoint.
	Address string `json:"address"`
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

func mustParseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid number %q: %v (config validation should have caught this)", s, err))
	}
	return v
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// Callers must ensure no concurrent Get() calls are in progress.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from HVAGENT_CONFIG env var or /etc/hvagent/config.json.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s. Please create a config file or set %s environment variable", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration. The staging region has
// no default and must be configured.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: "/var/lib/hvagent",
			RunDir:   "/run/hvagent",
			LogDir:   "/var/log/hvagent",
		},
		Hypervisor: HypervisorConfig{
			Device: "/dev/jailhouse",
		},
		Memory: MemoryConfig{
			Device: "/dev/mem",
		},
		Host: HostConfig{
			SysfsCPURoot: "/sys/devices/system/cpu",
		},
		Limits: LimitsConfig{
			MaxVMs:       16,
			MaxImages:    8,
			MaxDiskPath:  63,
			MaxImageSize: 256 << 20,
			MaxRawConfig: 1 << 20,
		},
		Timeouts: TimeoutsConfig{
			CPUOffline: "10s",
			CPUOnline:  "10s",
			Hypercall:  "30s",
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyDeviceDefaults(defaults)
	c.applyLimitsDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.RunDir == "" {
		c.Paths.RunDir = defaults.Paths.RunDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
}

func (c *Config) applyDeviceDefaults(defaults *Config) {
	if c.Hypervisor.Device == "" {
		c.Hypervisor.Device = defaults.Hypervisor.Device
	}
	if c.Memory.Device == "" {
		c.Memory.Device = defaults.Memory.Device
	}
	if c.Host.SysfsCPURoot == "" {
		c.Host.SysfsCPURoot = defaults.Host.SysfsCPURoot
	}
	// CpusetCgroup is intentionally left empty: publishing is opt-in.
}

func (c *Config) applyLimitsDefaults(defaults *Config) {
	if c.Limits.MaxVMs == 0 {
		c.Limits.MaxVMs = defaults.Limits.MaxVMs
	}
	if c.Limits.MaxImages == 0 {
		c.Limits.MaxImages = defaults.Limits.MaxImages
	}
	if c.Limits.MaxDiskPath == 0 {
		c.Limits.MaxDiskPath = defaults.Limits.MaxDiskPath
	}
	if c.Limits.MaxImageSize == 0 {
		c.Limits.MaxImageSize = defaults.Limits.MaxImageSize
	}
	if c.Limits.MaxRawConfig == 0 {
		c.Limits.MaxRawConfig = defaults.Limits.MaxRawConfig
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.CPUOffline == "" {
		c.Timeouts.CPUOffline = defaults.Timeouts.CPUOffline
	}
	if c.Timeouts.CPUOnline == "" {
		c.Timeouts.CPUOnline = defaults.Timeouts.CPUOnline
	}
	if c.Timeouts.Hypercall == "" {
		c.Timeouts.Hypercall = defaults.Timeouts.Hypercall
	}
}
