package cpuid

// Patch turns individual feature bits on for one leaf. Nil bit fields are
// left alone; named bits are ORed in, never cleared, so applying the same
// patch twice is a no-op.
type Patch struct {
	Function uint32
	Index    uint32
	FlagsBit *uint8
	EAXBit   *uint8
	EBXBit   *uint8
	ECXBit   *uint8
	EDXBit   *uint8
}

// Bit is a convenience for building Patch literals.
func Bit(n uint8) *uint8 { return &n }

// ApplyPatches ORs every patch bit into every entry whose function and
// index match. Entries are never created; a patch for a missing leaf does
// nothing.
func (t Table) ApplyPatches(patches []Patch) {
	for i := range t {
		for _, p := range patches {
			if t[i].Function != p.Function || t[i].Index != p.Index {
				continue
			}

			if p.FlagsBit != nil {
				t[i].Flags |= 1 << *p.FlagsBit
			}

			if p.EAXBit != nil {
				t[i].EAX |= 1 << *p.EAXBit
			}

			if p.EBXBit != nil {
				t[i].EBX |= 1 << *p.EBXBit
			}

			if p.ECXBit != nil {
				t[i].ECX |= 1 << *p.ECXBit
			}

			if p.EDXBit != nil {
				t[i].EDX |= 1 << *p.EDXBit
			}
		}
	}
}

// SetReg overwrites reg with value on the entry matching (function, index).
// If no entry matches, a new one is appended with the significant-index
// flag set and the remaining registers zero.
func (t *Table) SetReg(function, index uint32, reg Reg, value uint32) {
	if e := t.find(function, index); e != nil {
		e.setReg(reg, value)

		return
	}

	e := Entry{
		Function: function,
		Index:    index,
		Flags:    FlagSignificantIndex,
	}
	e.setReg(reg, value)

	*t = append(*t, e)
}

// SetRegAll overwrites reg with value on every sub-leaf of function.
// A function with no entries is left untouched: the broadcast form never
// creates entries. Used for the per-vCPU APIC ID, which must land in every
// sub-leaf of the topology leaves.
func (t Table) SetRegAll(function uint32, reg Reg, value uint32) {
	for i := range t {
		if t[i].Function == function {
			t[i].setReg(reg, value)
		}
	}
}

// HasFeature reports whether bit is set in reg of the entry matching
// (function, index). A missing entry means the feature is unsupported.
func (t Table) HasFeature(function, index uint32, reg Reg, bit uint8) bool {
	e := t.find(function, index)
	if e == nil {
		return false
	}

	mask := uint32(1) << bit

	return e.reg(reg)&mask == mask
}
