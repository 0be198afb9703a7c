// Package cpuset provides an ordered set of host logical CPU indices.
// The string form follows the Linux cpulist format ("0-3,6,8-9") used by
// sysfs and cgroup cpuset files.
package cpuset

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MaxCPUs is the exclusive upper bound for a CPU index.
const MaxCPUs = 1024

const words = MaxCPUs / 64

// CPUSet is an immutable bitmask over CPU indices [0, MaxCPUs).
// The zero value is the empty set.
type CPUSet struct {
	bits [words]uint64
}

// New returns a set containing the given CPUs.
// Indices outside [0, MaxCPUs) are rejected.
func New(cpus ...int) (CPUSet, error) {
	var s CPUSet
	for _, cpu := range cpus {
		if cpu < 0 || cpu >= MaxCPUs {
			return CPUSet{}, fmt.Errorf("cpu index %d out of range [0, %d)", cpu, MaxCPUs)
		}
		s.bits[cpu/64] |= 1 << (uint(cpu) % 64)
	}
	return s, nil
}

// MustNew is New for constant inputs; it panics on an invalid index.
func MustNew(cpus ...int) CPUSet {
	s, err := New(cpus...)
	if err != nil {
		panic(err)
	}
	return s
}

// FromMask builds a set from a 64-bit mask where bit N selects CPU N.
func FromMask(mask uint64) CPUSet {
	var s CPUSet
	s.bits[0] = mask
	return s
}

// Range returns the set [0, n).
func Range(n int) CPUSet {
	var s CPUSet
	if n > MaxCPUs {
		n = MaxCPUs
	}
	for cpu := 0; cpu < n; cpu++ {
		s.bits[cpu/64] |= 1 << (uint(cpu) % 64)
	}
	return s
}

// Mask returns the low 64 CPUs as a bitmask. ok is false if the set
// contains CPUs that do not fit.
func (s CPUSet) Mask() (mask uint64, ok bool) {
	for _, w := range s.bits[1:] {
		if w != 0 {
			return s.bits[0], false
		}
	}
	return s.bits[0], true
}

// Contains reports whether cpu is in the set.
func (s CPUSet) Contains(cpu int) bool {
	if cpu < 0 || cpu >= MaxCPUs {
		return false
	}
	return s.bits[cpu/64]&(1<<(uint(cpu)%64)) != 0
}

// Add returns a copy of s with cpu added. Out of range indices are ignored.
func (s CPUSet) Add(cpu int) CPUSet {
	if cpu >= 0 && cpu < MaxCPUs {
		s.bits[cpu/64] |= 1 << (uint(cpu) % 64)
	}
	return s
}

// Remove returns a copy of s without cpu.
func (s CPUSet) Remove(cpu int) CPUSet {
	if cpu >= 0 && cpu < MaxCPUs {
		s.bits[cpu/64] &^= 1 << (uint(cpu) % 64)
	}
	return s
}

// Union returns s ∪ o.
func (s CPUSet) Union(o CPUSet) CPUSet {
	for i := range s.bits {
		s.bits[i] |= o.bits[i]
	}
	return s
}

// Intersect returns s ∩ o.
func (s CPUSet) Intersect(o CPUSet) CPUSet {
	for i := range s.bits {
		s.bits[i] &= o.bits[i]
	}
	return s
}

// Difference returns s \ o.
func (s CPUSet) Difference(o CPUSet) CPUSet {
	for i := range s.bits {
		s.bits[i] &^= o.bits[i]
	}
	return s
}

// IsEmpty reports whether the set has no members.
func (s CPUSet) IsEmpty() bool {
	for _, w := range s.bits {
		if w != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether both sets have the same members.
func (s CPUSet) Equal(o CPUSet) bool {
	return s.bits == o.bits
}

// Len returns the number of CPUs in the set.
func (s CPUSet) Len() int {
	n := 0
	for _, w := range s.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// Max returns the highest CPU index in the set, or -1 if empty.
func (s CPUSet) Max() int {
	for i := words - 1; i >= 0; i-- {
		if w := s.bits[i]; w != 0 {
			return i*64 + 63 - bits.LeadingZeros64(w)
		}
	}
	return -1
}

// List returns the members in increasing order.
func (s CPUSet) List() []int {
	out := make([]int, 0, s.Len())
	s.Each(func(cpu int) bool {
		out = append(out, cpu)
		return true
	})
	return out
}

// Each calls fn for every member in increasing order until fn returns false.
func (s CPUSet) Each(fn func(cpu int) bool) {
	for i, w := range s.bits {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			if !fn(i*64 + b) {
				return
			}
			w &^= 1 << uint(b)
		}
	}
}

// String formats the set as a Linux cpulist.
func (s CPUSet) String() string {
	var sb strings.Builder
	start, prev := -1, -1
	flush := func() {
		if start < 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(start))
		if prev > start {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(prev))
		}
	}
	s.Each(func(cpu int) bool {
		if cpu != prev+1 || start < 0 {
			flush()
			start = cpu
		}
		prev = cpu
		return true
	})
	flush()
	return sb.String()
}

// Parse parses a Linux cpulist such as "0-3,6". Whitespace around the
// input is ignored and the empty string yields the empty set.
func Parse(list string) (CPUSet, error) {
	var s CPUSet
	list = strings.TrimSpace(list)
	if list == "" {
		return s, nil
	}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return CPUSet{}, fmt.Errorf("invalid cpulist element %q: %w", part, err)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil {
				return CPUSet{}, fmt.Errorf("invalid cpulist element %q: %w", part, err)
			}
		}
		if first < 0 || last >= MaxCPUs || first > last {
			return CPUSet{}, fmt.Errorf("invalid cpulist range %q", part)
		}
		for cpu := first; cpu <= last; cpu++ {
			s.bits[cpu/64] |= 1 << (uint(cpu) % 64)
		}
	}
	return s, nil
}

// MarshalText implements encoding.TextMarshaler.
func (s CPUSet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CPUSet) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
