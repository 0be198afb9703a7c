package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spin-stack/hvagent/internal/imageset"
)

const pageSize = 4096

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateMemory(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.validateLimits(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.validateMetrics(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}

	if c.Paths.RunDir == "" {
		return fmt.Errorf("run_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.RunDir, "run_dir"); err != nil {
		return err
	}

	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	return ensureDirWritable(c.Paths.LogDir, "log_dir")
}

func (c *Config) validateMemory() error {
	base, err := strconv.ParseUint(c.Memory.StagingBase, 0, 64)
	if err != nil {
		return fmt.Errorf("staging_base: invalid address %q", c.Memory.StagingBase)
	}
	if base == 0 || base%pageSize != 0 {
		return fmt.Errorf("staging_base: must be a non-zero multiple of %d, got %#x", pageSize, base)
	}

	size, err := strconv.ParseUint(c.Memory.StagingSize, 0, 64)
	if err != nil {
		return fmt.Errorf("staging_size: invalid size %q", c.Memory.StagingSize)
	}
	if size < 2*pageSize {
		return fmt.Errorf("staging_size: must hold at least two pages, got %d", size)
	}
	if base+size < base {
		return fmt.Errorf("staging region %#x+%#x wraps the address space", base, size)
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Limits.MaxImages < 1 || c.Limits.MaxImages > imageset.MaxImages {
		return fmt.Errorf("max_images: must be 1-%d, got %d", imageset.MaxImages, c.Limits.MaxImages)
	}
	if c.Limits.MaxDiskPath < 1 || c.Limits.MaxDiskPath > 4095 {
		return fmt.Errorf("max_disk_path: must be 1-4095, got %d", c.Limits.MaxDiskPath)
	}
	if c.Limits.MaxVMs > 1<<16 {
		return fmt.Errorf("max_vms: too large (%d)", c.Limits.MaxVMs)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"cpu_offline": c.Timeouts.CPUOffline,
		"cpu_online":  c.Timeouts.CPUOnline,
		"hypercall":   c.Timeouts.Hypercall,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}
