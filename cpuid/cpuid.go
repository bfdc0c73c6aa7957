// Package cpuid assembles and validates the CPUID table a guest observes.
//
// The table is built once per VM: the hypervisor-reported entries are
// patched with fixed feature bits, optional topology and SGX EPC leaves,
// and an optional Hyper-V compatible hypervisor interface. The finished
// table is cloned per vCPU; only the APIC ID differs between clones.
package cpuid

// FlagSignificantIndex marks an entry whose Index (sub-leaf) is
// meaningful. Same value as KVM_CPUID_FLAG_SIGNIFCANT_INDEX.
const FlagSignificantIndex = 1 << 0

// Entry is one CPUID leaf/sub-leaf in the layout KVM reports it.
type Entry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
}

// Table is the ordered list of CPUID entries handed to a vCPU.
// A table never holds more than one entry per (Function, Index) pair.
type Table []Entry

// Reg names one of the four registers a CPUID leaf returns.
type Reg int

const (
	EAX Reg = iota
	EBX
	ECX
	EDX
)

func (r Reg) String() string {
	switch r {
	case EAX:
		return "EAX"
	case EBX:
		return "EBX"
	case ECX:
		return "ECX"
	case EDX:
		return "EDX"
	}

	return "invalid"
}

func (e *Entry) reg(r Reg) uint32 {
	switch r {
	case EAX:
		return e.EAX
	case EBX:
		return e.EBX
	case ECX:
		return e.ECX
	case EDX:
		return e.EDX
	}

	return 0
}

func (e *Entry) setReg(r Reg, v uint32) {
	switch r {
	case EAX:
		e.EAX = v
	case EBX:
		e.EBX = v
	case ECX:
		e.ECX = v
	case EDX:
		e.EDX = v
	}
}

// Clone returns an independent copy of t. Each vCPU thread owns a clone
// and mutates only the APIC ID fields of its own copy before committing
// it to the hypervisor.
func (t Table) Clone() Table {
	c := make(Table, len(t))
	copy(c, t)

	return c
}

// find returns the entry matching (function, index), or nil.
func (t Table) find(function, index uint32) *Entry {
	for i := range t {
		if t[i].Function == function && t[i].Index == index {
			return &t[i]
		}
	}

	return nil
}

// deleteFunction removes every sub-leaf of function from t.
func (t Table) deleteFunction(function uint32) Table {
	out := t[:0]

	for _, e := range t {
		if e.Function != function {
			out = append(out, e)
		}
	}

	return out
}
