// Package sgx holds the guest-facing configuration of SGX Enclave Page
// Cache memory. Sections are supplied by VM configuration, consumed while
// the CPUID table and boot descriptors are assembled, and dropped
// afterwards.
package sgx

import "sort"

// Section is one physical region backing an EPC section.
type Section struct {
	Start uint64
	Size  uint64
}

// Region aggregates the EPC sections of a VM, keyed by section id and
// iterated in id order.
type Region struct {
	start    uint64
	size     uint64
	sections map[string]Section
}

// NewRegion returns an empty Region spanning [start, start+size).
func NewRegion(start, size uint64) *Region {
	return &Region{
		start:    start,
		size:     size,
		sections: make(map[string]Section),
	}
}

func (r *Region) Start() uint64 { return r.start }

func (r *Region) Size() uint64 { return r.size }

// Insert adds or replaces the section named id.
func (r *Region) Insert(id string, s Section) {
	r.sections[id] = s
}

// Sections returns the sections ordered by id. The order is part of the
// guest ABI: it fixes which CPUID sub-leaf each section lands in.
func (r *Region) Sections() []Section {
	ids := make([]string, 0, len(r.sections))
	for id := range r.sections {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := make([]Section, len(ids))
	for i, id := range ids {
		out[i] = r.sections[id]
	}

	return out
}
