// Package registry tracks the VMs created through this agent.
//
// Records live only in memory and do not survive an agent restart.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/lifecycle"
)

const (
	// DefaultMaxVMs bounds the id space.
	DefaultMaxVMs = 16
	// DefaultMaxDiskPath is the longest disk image path, in bytes.
	DefaultMaxDiskPath = 63
)

// Mode is how a VM was described at create time.
type Mode string

const (
	ModeRaw        Mode = "raw"
	ModeStructured Mode = "structured"
	// ModeRecovered marks a VM re-adopted from the reservation ledger after
	// an agent restart; its configuration is unknown.
	ModeRecovered Mode = "recovered"
)

// Record is what the agent knows about one VM.
type Record struct {
	ID            uint64        `json:"id"`
	DiskImagePath string        `json:"disk_image_path,omitempty"`
	Mode          Mode          `json:"mode"`
	Kind          uint64        `json:"kind"`
	CPUs          cpuset.CPUSet `json:"cpus"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Registry is a bounded id to record map.
type Registry struct {
	mu          sync.RWMutex
	maxVMs      uint64
	maxDiskPath int
	records     map[uint64]Record
}

// New returns an empty registry accepting ids in [0, maxVMs).
func New(maxVMs uint64, maxDiskPath int) *Registry {
	if maxVMs == 0 {
		maxVMs = DefaultMaxVMs
	}
	if maxDiskPath <= 0 {
		maxDiskPath = DefaultMaxDiskPath
	}
	return &Registry{
		maxVMs:      maxVMs,
		maxDiskPath: maxDiskPath,
		records:     make(map[uint64]Record),
	}
}

// MaxVMs returns the id bound.
func (r *Registry) MaxVMs() uint64 {
	return r.maxVMs
}

func (r *Registry) checkID(id uint64) error {
	if id >= r.maxVMs {
		return fmt.Errorf("id %d, limit %d: %w", id, r.maxVMs, lifecycle.ErrInvalidID)
	}
	return nil
}

// CheckPath validates a disk image path without touching the registry.
func (r *Registry) CheckPath(path string) error {
	if len(path) > r.maxDiskPath {
		return lifecycle.Invalidf("disk image path is %d bytes, limit %d", len(path), r.maxDiskPath)
	}
	for i := 0; i < len(path); i++ {
		if path[i] == 0 {
			return lifecycle.Invalidf("disk image path contains a NUL byte")
		}
	}
	return nil
}

// Register stores rec. It fails with ErrAlreadyExists when a non-empty
// disk image path is already stored for rec.ID; the stored record is not
// modified in that case.
func (r *Registry) Register(rec Record) error {
	if err := r.checkID(rec.ID); err != nil {
		return err
	}
	if err := r.CheckPath(rec.DiskImagePath); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.records[rec.ID]; ok && cur.DiskImagePath != "" {
		return fmt.Errorf("vm %d has disk image %q: %w", rec.ID, cur.DiskImagePath, lifecycle.ErrAlreadyExists)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r.records[rec.ID] = rec
	return nil
}

// Lookup returns the disk image path of id.
func (r *Registry) Lookup(id uint64) (string, error) {
	if err := r.checkID(id); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok || rec.DiskImagePath == "" {
		return "", fmt.Errorf("vm %d has no disk image path: %w", id, lifecycle.ErrNotFound)
	}
	return rec.DiskImagePath, nil
}

// Get returns the full record of id.
func (r *Registry) Get(id uint64) (Record, error) {
	if err := r.checkID(id); err != nil {
		return Record{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("vm %d: %w", id, lifecycle.ErrNotFound)
	}
	return rec, nil
}

// Remove deletes the record of id.
func (r *Registry) Remove(id uint64) error {
	if err := r.checkID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("vm %d: %w", id, lifecycle.ErrNotFound)
	}
	delete(r.records, id)
	return nil
}

// List returns every record ordered by id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
