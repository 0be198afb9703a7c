// Package reservation withdraws host CPUs for exclusive guest use.
//
// The manager owns two disjoint universes: CPUs the host may schedule on
// (assignable) and CPUs withdrawn for guests. Every reservation is
// journaled before the first CPU is touched so an agent restart can undo
// a half-finished attempt.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/hvagent/internal/boltstore"
	"github.com/spin-stack/hvagent/internal/cpuset"
	"github.com/spin-stack/hvagent/internal/host/cpu"
	"github.com/spin-stack/hvagent/internal/lifecycle"
)

const (
	defaultOfflineTimeout = 10 * time.Second
	defaultOnlineTimeout  = 10 * time.Second

	ledgerPrefix = "reservation/"
)

// Publisher receives the host-assignable set after every change.
type Publisher interface {
	Publish(ctx context.Context, assignable cpuset.CPUSet) error
}

// Reservation is the set of CPUs withdrawn by one attempt.
type Reservation struct {
	ID string `json:"id"`
	// CPUs lists every CPU removed from the host set.
	CPUs cpuset.CPUSet `json:"cpus"`
	// WasOnline is the subset that was online beforehand and must be
	// brought back online on release.
	WasOnline cpuset.CPUSet `json:"was_online"`
	// Owner is empty until the reservation is committed to a VM.
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// BootID is the kernel boot the reservation was made in.
	BootID string `json:"boot_id,omitempty"`
}

// Committed reports whether the reservation is owned by a VM.
func (r *Reservation) Committed() bool {
	return r.Owner != ""
}

// Manager reserves and releases host CPUs.
type Manager struct {
	mu sync.Mutex

	hotplug   cpu.Hotplugger
	ledger    boltstore.Store[Reservation]
	publisher Publisher

	offlineTimeout time.Duration
	onlineTimeout  time.Duration
	bootID         string

	present   cpuset.CPUSet
	withdrawn cpuset.CPUSet
	seq       uint64
}

// Opt configures a Manager.
type Opt func(*Manager)

// WithLedger journals reservations to store.
func WithLedger(store boltstore.Store[Reservation]) Opt {
	return func(m *Manager) {
		m.ledger = store
	}
}

// WithPublisher mirrors the assignable set to p.
func WithPublisher(p Publisher) Opt {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithBootID stamps reservations with the current kernel boot id. Recover
// then discards entries made before the host last rebooted.
func WithBootID(id string) Opt {
	return func(m *Manager) {
		m.bootID = id
	}
}

// WithTimeouts bounds each CPU offline and online call.
func WithTimeouts(offline, online time.Duration) Opt {
	return func(m *Manager) {
		if offline > 0 {
			m.offlineTimeout = offline
		}
		if online > 0 {
			m.onlineTimeout = online
		}
	}
}

// NewManager probes the present CPUs and returns a manager with every
// present CPU assignable to the host.
func NewManager(ctx context.Context, hotplug cpu.Hotplugger, opts ...Opt) (*Manager, error) {
	m := &Manager{
		hotplug:        hotplug,
		offlineTimeout: defaultOfflineTimeout,
		onlineTimeout:  defaultOnlineTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	if m.ledger == nil {
		m.ledger = boltstore.NewMemoryStore[Reservation]()
	}

	present, err := hotplug.Present(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe host cpus: %w", err)
	}
	if present.IsEmpty() {
		return nil, errors.New("probe host cpus: no cpus present")
	}
	m.present = present
	m.seq = uint64(time.Now().UnixNano())

	log.G(ctx).WithField("present", present.String()).Info("cpu reservation manager initialized")
	return m, nil
}

// Present returns every CPU known to the host.
func (m *Manager) Present() cpuset.CPUSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

// Assignable returns the CPUs the host may schedule on.
func (m *Manager) Assignable() cpuset.CPUSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present.Difference(m.withdrawn)
}

// Withdrawn returns the CPUs currently reserved for guests.
func (m *Manager) Withdrawn() cpuset.CPUSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withdrawn
}

// Validate checks a mask against the host without side effects.
func (m *Manager) Validate(mask cpuset.CPUSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked(mask)
}

func (m *Manager) validateLocked(mask cpuset.CPUSet) error {
	if mask.IsEmpty() {
		return lifecycle.Invalidf("empty cpu mask")
	}
	if extra := mask.Difference(m.present); !extra.IsEmpty() {
		return lifecycle.Invalidf("cpus %s not present on host (present: %s)", extra, m.present)
	}
	if taken := mask.Intersect(m.withdrawn); !taken.IsEmpty() {
		return lifecycle.Invalidf("cpus %s already reserved", taken)
	}
	if mask.Equal(m.present.Difference(m.withdrawn)) {
		return lifecycle.Invalidf("cpus %s would leave the host without cpus", mask)
	}
	return nil
}

// Reserve withdraws every CPU in mask, in increasing index order. Online
// CPUs are taken offline first. If any step fails the CPUs already
// processed by this call are restored before the error is returned, so a
// failed Reserve leaves the host exactly as it found it.
func (m *Manager) Reserve(ctx context.Context, mask cpuset.CPUSet) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateLocked(mask); err != nil {
		return nil, err
	}

	m.seq++
	res := &Reservation{
		ID:        strconv.FormatUint(m.seq, 36),
		CreatedAt: time.Now().UTC(),
		BootID:    m.bootID,
	}
	logger := log.G(ctx).WithFields(log.Fields{
		"reservation": res.ID,
		"cpus":        mask.String(),
	})

	if err := m.journal(ctx, res); err != nil {
		return nil, lifecycle.NewReservationError(-1, fmt.Errorf("journal reservation: %w", err))
	}

	var failed error
	mask.Each(func(id int) bool {
		if err := m.withdrawLocked(ctx, res, id); err != nil {
			failed = lifecycle.NewReservationError(id, err)
			return false
		}
		return true
	})

	if failed == nil && m.publisher != nil {
		if err := m.publisher.Publish(ctx, m.present.Difference(m.withdrawn)); err != nil {
			failed = lifecycle.NewReservationError(-1, fmt.Errorf("publish host cpuset: %w", err))
		}
	}

	if failed != nil {
		logger.WithError(failed).Error("cpu reservation failed, rolling back")
		if err := m.restoreLocked(ctx, res); err != nil {
			logger.WithError(err).Warn("cpu reservation rollback incomplete")
		}
		m.publishLocked(ctx)
		m.forget(ctx, res)
		return nil, failed
	}

	logger.WithField("was_online", res.WasOnline.String()).Info("cpus reserved")
	return res, nil
}

// withdrawLocked offlines one CPU (if needed) and removes it from the host.
func (m *Manager) withdrawLocked(ctx context.Context, res *Reservation, id int) error {
	online, err := m.hotplug.IsOnline(ctx, id)
	if err != nil {
		return fmt.Errorf("query cpu %d: %w", id, err)
	}
	if online {
		octx, cancel := context.WithTimeout(ctx, m.offlineTimeout)
		err := m.hotplug.Offline(octx, id)
		cancel()
		log.G(ctx).WithError(err).WithField("cpu_id", id).Debug("cpu offline")
		if err != nil {
			return err
		}
		res.WasOnline = res.WasOnline.Add(id)
	}
	res.CPUs = res.CPUs.Add(id)
	m.withdrawn = m.withdrawn.Add(id)

	if err := m.journal(ctx, res); err != nil {
		return fmt.Errorf("journal cpu %d: %w", id, err)
	}
	return nil
}

// restoreLocked returns every CPU of res to the host, highest index first.
// Onlining is best effort; the CPU is re-added to the host set regardless.
func (m *Manager) restoreLocked(ctx context.Context, res *Reservation) error {
	var errs []error
	cpus := res.CPUs.List()
	for i := len(cpus) - 1; i >= 0; i-- {
		id := cpus[i]
		if res.WasOnline.Contains(id) {
			if err := m.onlineIfNeeded(ctx, id); err != nil {
				log.G(ctx).WithError(err).WithField("cpu_id", id).Warn("failed to bring cpu back online")
				errs = append(errs, fmt.Errorf("cpu %d: %w", id, err))
			}
		}
		m.withdrawn = m.withdrawn.Remove(id)
	}
	return errors.Join(errs...)
}

func (m *Manager) onlineIfNeeded(ctx context.Context, id int) error {
	online, err := m.hotplug.IsOnline(ctx, id)
	if err == nil && online {
		return nil
	}
	octx, cancel := context.WithTimeout(ctx, m.onlineTimeout)
	defer cancel()
	return m.hotplug.Online(octx, id)
}

// Release returns the CPUs of res to the host. Failures are logged and not
// returned: release runs on error paths where the original error must
// still surface.
func (m *Manager) Release(ctx context.Context, res *Reservation) {
	if res == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.restoreLocked(ctx, res); err != nil {
		log.G(ctx).WithError(err).WithField("reservation", res.ID).Warn("cpu release incomplete")
	}
	m.publishLocked(ctx)
	m.forget(ctx, res)

	log.G(ctx).WithFields(log.Fields{
		"reservation": res.ID,
		"cpus":        res.CPUs.String(),
	}).Info("cpus released")
}

// Commit marks res as permanently owned by owner.
func (m *Manager) Commit(ctx context.Context, res *Reservation, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res.Owner = owner
	if err := m.journal(ctx, res); err != nil {
		return fmt.Errorf("commit reservation %s: %w", res.ID, err)
	}
	return nil
}

// Recover replays the ledger after a restart. Uncommitted reservations
// belong to attempts that never finished and are released. Committed ones
// are withdrawn again and returned so their owners can be re-adopted.
// Reservations from an earlier boot are dropped: the reboot already
// returned their CPUs to the host and the hypervisor holds no guests.
func (m *Manager) Recover(ctx context.Context) ([]*Reservation, error) {
	var stale, pending, committed []*Reservation
	err := m.ledger.Scan(ctx, ledgerPrefix, func(_ string, r *Reservation) error {
		if m.bootID != "" && r.BootID != m.bootID {
			stale = append(stale, r)
		} else if r.Committed() {
			committed = append(committed, r)
		} else {
			pending = append(pending, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan reservation ledger: %w", err)
	}

	for _, r := range stale {
		log.G(ctx).WithFields(log.Fields{
			"reservation": r.ID,
			"owner":       r.Owner,
			"boot_id":     r.BootID,
		}).Info("dropping reservation from a previous boot")
		m.forget(ctx, r)
	}

	for _, r := range pending {
		log.G(ctx).WithFields(log.Fields{
			"reservation": r.ID,
			"cpus":        r.CPUs.String(),
		}).Warn("releasing reservation left by an interrupted attempt")
		m.Release(ctx, r)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range committed {
		m.withdrawn = m.withdrawn.Union(r.CPUs.Intersect(m.present))
	}
	if len(committed) > 0 {
		m.publishLocked(ctx)
	}
	return committed, nil
}

func (m *Manager) publishLocked(ctx context.Context) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, m.present.Difference(m.withdrawn)); err != nil {
		log.G(ctx).WithError(err).Warn("failed to publish host cpuset")
	}
}

func (m *Manager) journal(ctx context.Context, res *Reservation) error {
	return m.ledger.Put(ctx, ledgerPrefix+res.ID, res)
}

func (m *Manager) forget(ctx context.Context, res *Reservation) {
	if err := m.ledger.Delete(ctx, ledgerPrefix+res.ID); err != nil {
		log.G(ctx).WithError(err).WithField("reservation", res.ID).Warn("failed to remove reservation from ledger")
	}
}
