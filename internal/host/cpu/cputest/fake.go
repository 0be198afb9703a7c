// Package cputest provides an in-memory cpu.Hotplugger for tests.
package cputest

import (
	"context"
	"fmt"
	"sync"

	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/host/cpu"
)

// Hotplugger simulates host CPUs. All CPUs start online.
type Hotplugger struct {
	mu      sync.Mutex
	present cpuset.CPUSet
	online  cpuset.CPUSet

	// OfflineErr makes Offline fail for the listed CPUs.
	OfflineErr map[int]error
	// OnlineErr makes Online fail for the listed CPUs.
	OnlineErr map[int]error
	// Block makes Offline wait until ctx is done for the listed CPUs.
	Block map[int]bool

	Calls []string
}

var _ cpu.Hotplugger = (*Hotplugger)(nil)

// New returns a fake host with n online CPUs.
func New(n int) *Hotplugger {
	return &Hotplugger{
		present:    cpuset.Range(n),
		online:     cpuset.Range(n),
		OfflineErr: map[int]error{},
		OnlineErr:  map[int]error{},
		Block:      map[int]bool{},
	}
}

// SetOnline forces the online state of a CPU without recording a call.
func (h *Hotplugger) SetOnline(id int, online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if online {
		h.online = h.online.Add(id)
	} else {
		h.online = h.online.Remove(id)
	}
}

// OnlineSet returns the CPUs currently online.
func (h *Hotplugger) OnlineSet() cpuset.CPUSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// CallLog returns a copy of the recorded calls.
func (h *Hotplugger) CallLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.Calls...)
}

func (h *Hotplugger) Present(context.Context) (cpuset.CPUSet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.present, nil
}

func (h *Hotplugger) IsOnline(_ context.Context, id int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.present.Contains(id) {
		return false, fmt.Errorf("cpu %d not present", id)
	}
	return h.online.Contains(id), nil
}

func (h *Hotplugger) Offline(ctx context.Context, id int) error {
	h.mu.Lock()
	h.Calls = append(h.Calls, fmt.Sprintf("offline %d", id))
	block := h.Block[id]
	err := h.OfflineErr[id]
	h.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = h.online.Remove(id)
	return nil
}

func (h *Hotplugger) Online(_ context.Context, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Calls = append(h.Calls, fmt.Sprintf("online %d", id))
	if err := h.OnlineErr[id]; err != nil {
		return err
	}
	h.online = h.online.Add(id)
	return nil
}
