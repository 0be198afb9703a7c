// Package cpu drives host CPU hotplug through sysfs.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/hvagent/internal/cpuset"
)

const (
	// DefaultRoot is the sysfs directory holding cpuN entries.
	DefaultRoot = "/sys/devices/system/cpu"

	// BootIDPath holds a random id the kernel picks at every boot.
	BootIDPath = "/proc/sys/kernel/random/boot_id"

	sysfsOnline  = "1"
	sysfsOffline = "0"

	sysfsFilePerms = 0600

	// The online file of a freshly onlined or re-plugged CPU can take a
	// moment to reappear.
	sysfsRetryBaseDelay = 10 * time.Millisecond
	sysfsRetryMaxDelay  = 200 * time.Millisecond
)

// Hotplugger changes the online state of host CPUs.
// Every call may block for milliseconds while the kernel migrates work.
type Hotplugger interface {
	// Present returns the CPUs the kernel knows about.
	Present(ctx context.Context) (cpuset.CPUSet, error)
	// IsOnline reports whether cpu is currently online.
	IsOnline(ctx context.Context, cpu int) (bool, error)
	// Offline takes cpu offline. Offlining an offline CPU is a no-op.
	Offline(ctx context.Context, cpu int) error
	// Online brings cpu online. Onlining an online CPU is a no-op.
	Online(ctx context.Context, cpu int) error
}

// Sysfs implements Hotplugger on top of /sys/devices/system/cpu.
type Sysfs struct {
	root string
}

var _ Hotplugger = (*Sysfs)(nil)

// NewSysfs returns a Hotplugger rooted at root (DefaultRoot when empty).
func NewSysfs(root string) *Sysfs {
	if root == "" {
		root = DefaultRoot
	}
	return &Sysfs{root: root}
}

func (s *Sysfs) onlinePath(cpu int) string {
	return filepath.Join(s.root, fmt.Sprintf("cpu%d", cpu), "online")
}

// Present parses the kernel "present" cpulist.
func (s *Sysfs) Present(ctx context.Context) (cpuset.CPUSet, error) {
	value, err := readSysfsValue(filepath.Join(s.root, "present"))
	if err != nil {
		return cpuset.CPUSet{}, fmt.Errorf("read present cpus: %w", err)
	}
	set, err := cpuset.Parse(value)
	if err != nil {
		return cpuset.CPUSet{}, fmt.Errorf("parse present cpus: %w", err)
	}
	return set, nil
}

// IsOnline reads the cpuN/online file. CPUs without an online file
// (typically the boot CPU) cannot be hotplugged and are always online.
func (s *Sysfs) IsOnline(ctx context.Context, cpu int) (bool, error) {
	if err := s.checkPresent(cpu); err != nil {
		return false, err
	}
	value, err := readSysfsValue(s.onlinePath(cpu))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return value == sysfsOnline, nil
}

// Offline writes "0" to cpuN/online.
func (s *Sysfs) Offline(ctx context.Context, cpu int) error {
	if err := s.checkPresent(cpu); err != nil {
		return err
	}
	path := s.onlinePath(cpu)
	value, err := readSysfsValue(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cpu %d does not support hotplug: %w", cpu, errdefs.ErrNotImplemented)
		}
		return err
	}
	if value == sysfsOffline {
		return nil
	}
	if err := writeSysfsValue(path, sysfsOffline); err != nil {
		return fmt.Errorf("offline cpu %d: %w", cpu, err)
	}

	log.G(ctx).WithField("cpu_id", cpu).Debug("CPU offlined")
	return nil
}

// Online writes "1" to cpuN/online, retrying while the file is absent.
func (s *Sysfs) Online(ctx context.Context, cpu int) error {
	if err := s.checkPresent(cpu); err != nil {
		return err
	}
	path := s.onlinePath(cpu)

	err := retrySysfsOperation(ctx, fmt.Sprintf("online CPU %d", cpu), func() error {
		value, err := readSysfsValue(path)
		if err != nil {
			return err
		}
		if value == sysfsOnline {
			return nil
		}
		return writeSysfsValue(path, sysfsOnline)
	})
	if err != nil {
		return fmt.Errorf("online cpu %d: %w", cpu, err)
	}

	log.G(ctx).WithField("cpu_id", cpu).Debug("CPU onlined")
	return nil
}

func (s *Sysfs) checkPresent(cpu int) error {
	if _, err := os.Stat(filepath.Join(s.root, fmt.Sprintf("cpu%d", cpu))); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cpu %d not present: %w", cpu, errdefs.ErrNotFound)
		}
		return err
	}
	return nil
}

// BootID returns the kernel boot id read from path (BootIDPath when empty).
// Hotplug state does not survive a reboot; callers use the id to tell
// which persisted reservations still describe the running host.
func BootID(path string) (string, error) {
	if path == "" {
		path = BootIDPath
	}
	id, err := readSysfsValue(path)
	if err != nil {
		return "", fmt.Errorf("read boot id: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("read boot id: %s is empty", path)
	}
	return id, nil
}

// readSysfsValue reads and trims a sysfs attribute.
func readSysfsValue(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func writeSysfsValue(path, value string) error {
	return os.WriteFile(path, []byte(value), sysfsFilePerms)
}

// retrySysfsOperation retries fn with exponential backoff while it fails
// with os.ErrNotExist. Other errors stop immediately. The context bounds
// the total time spent.
func retrySysfsOperation(ctx context.Context, name string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sysfsRetryBaseDelay
	b.MaxInterval = sysfsRetryMaxDelay
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", name, attempt, err)
	}
	if attempt > 1 {
		log.G(ctx).WithField("attempts", attempt).Debugf("%s succeeded after retry", name)
	}
	return nil
}
