//go:build linux

// Package cgroup mirrors the host-assignable CPU set into a cgroup v2
// cpuset so that host workloads stop being scheduled on withdrawn CPUs.
package cgroup

import (
	"context"
	"fmt"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/log"

	"github.com/spin-stack/hvagent/internal/cpuset"
)

// CpusetPublisher writes the assignable set to cpuset.cpus of a cgroup.
type CpusetPublisher struct {
	group   string
	manager *cgroup2.Manager
}

// NewCpusetPublisher loads an existing cgroup v2 group such as
// "/system.slice". The group must already have the cpuset controller
// enabled.
func NewCpusetPublisher(group string) (*CpusetPublisher, error) {
	m, err := cgroup2.Load(group)
	if err != nil {
		return nil, fmt.Errorf("load cgroup %s: %w", group, err)
	}
	return &CpusetPublisher{group: group, manager: m}, nil
}

// Publish restricts the group to the given CPUs.
func (p *CpusetPublisher) Publish(ctx context.Context, assignable cpuset.CPUSet) error {
	if assignable.IsEmpty() {
		return fmt.Errorf("refusing to publish an empty cpuset to %s", p.group)
	}
	cpus := assignable.String()
	if err := p.manager.Update(&cgroup2.Resources{
		CPU: &cgroup2.CPU{Cpus: cpus},
	}); err != nil {
		return fmt.Errorf("update %s cpuset.cpus=%s: %w", p.group, cpus, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"cgroup": p.group,
		"cpus":   cpus,
	}).Debug("published host cpuset")
	return nil
}
