package cpuid

import (
	"errors"
	"fmt"

	"github.com/govmkit/archvm/sgx"
)

// Feature bits forced on in the base feature leaf (0x1).
const (
	tscDeadlineTimerECXBit = 24
	hypervisorECXBit       = 31
	mtrrEDXBit             = 12
)

// KVM paravirtual feature bits, leaf 0x40000001 EAX.
// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
const (
	kvmFeatureClocksourceBit       = 0
	kvmFeatureClocksource2Bit      = 3
	kvmFeatureAsyncPFBit           = 4
	kvmFeatureStealTimeBit         = 5
	kvmFeatureAsyncPFVMExitBit     = 10
	kvmFeatureAsyncPFIntBit        = 14
	kvmFeatureClocksourceStableBit = 24
)

// ErrTDXUnsupported is returned when TDX is requested but the backend
// cannot report TDX capabilities.
var ErrTDXUnsupported = errors.New("backend does not support TDX")

// Backend is the hypervisor consulted while assembling the table.
type Backend interface {
	// SupportedCPUID returns the CPUID entries the hypervisor can
	// virtualize on this host.
	SupportedCPUID() (Table, error)
}

// TDXBackend is implemented by backends able to run TDX guests.
type TDXBackend interface {
	TDXCapabilities() (TDXCapabilities, error)
}

// TDXCapabilities holds the TDX module's extended-state masks: bits of
// XFAM the module forces clear (Fixed0) and forces set (Fixed1).
type TDXCapabilities struct {
	XFAMFixed0 uint64
	XFAMFixed1 uint64
}

// Options selects the optional contents of a generated table.
type Options struct {
	// Topology populates the extended topology leaves when non-nil.
	Topology *Topology

	// SGXSections populates the EPC enumeration leaves when non-empty.
	SGXSections []sgx.Section

	// PhysBits is forced into the physical-address-bits field of leaf
	// 0x80000008.
	PhysBits uint8

	// KVMHyperV replaces the hypervisor identification leaves with a
	// Hyper-V compatible set backed by KVM's Hyper-V emulation.
	KVMHyperV bool

	// TDX applies the TDX module's extended-state restrictions.
	TDX bool
}

// GenerateCommon builds the CPUID table shared by every vCPU of a VM.
// The per-vCPU APIC ID fields are filled in later, on a clone, by the
// vCPU setup path. Step order matters: later adjustments overwrite
// earlier ones.
func GenerateCommon(b Backend, opts Options) (Table, error) {
	patches := []Patch{
		// TSC deadline timer, required for the APIC timer mode the
		// guest kernels expect.
		{Function: 1, Index: 0, ECXBit: Bit(tscDeadlineTimerECXBit)},
		// "Running under a hypervisor" bit.
		{Function: 1, Index: 0, ECXBit: Bit(hypervisorECXBit)},
		// MTRR, some guests refuse to boot without it.
		{Function: 1, Index: 0, EDXBit: Bit(mtrrEDXBit)},
	}

	table, err := b.SupportedCPUID()
	if err != nil {
		return nil, fmt.Errorf("getting supported CPUID: %w", err)
	}

	table.ApplyPatches(patches)

	if opts.Topology != nil {
		table.UpdateTopology(*opts.Topology)
	}

	if len(opts.SGXSections) > 0 {
		if err := table.UpdateSGX(opts.SGXSections); err != nil {
			return nil, err
		}
	}

	var tdxCaps *TDXCapabilities

	if opts.TDX {
		tb, ok := b.(TDXBackend)
		if !ok {
			return nil, ErrTDXUnsupported
		}

		caps, err := tb.TDXCapabilities()
		if err != nil {
			return nil, fmt.Errorf("getting TDX capabilities: %w", err)
		}

		tdxCaps = &caps
	}

	for i := range table {
		switch table[i].Function {
		case 0xd:
			if tdxCaps != nil {
				applyTDXStateMasks(&table[i], tdxCaps)
			}
		case 0x8000_0006:
			// Some backends report the L2 cache descriptor leaf as
			// all-zero; backfill it from the host CPU.
			e := &table[i]
			if e.EAX == 0 && e.EBX == 0 && e.ECX == 0 && e.EDX == 0 {
				if maxExt, _, _, _ := CPUID(0x8000_0000); maxExt >= 0x8000_0006 {
					e.EAX, e.EBX, e.ECX, e.EDX = CPUID(0x8000_0006)
				}
			}
		case 0x8000_0008:
			// Physical address bits live in EAX[7:0].
			table[i].EAX = (table[i].EAX &^ 0xff) | uint32(opts.PhysBits)
		case 0x4000_0001:
			// Async PF via interrupt misbehaves in guests; keep it off
			// until the interrupt path is trusted.
			table[i].EAX &^= 1 << kvmFeatureAsyncPFIntBit

			// TDX guests get no paravirtual clock or preemption
			// accounting from KVM.
			if opts.TDX {
				table[i].EAX &^= 1<<kvmFeatureClocksourceBit |
					1<<kvmFeatureClocksource2Bit |
					1<<kvmFeatureClocksourceStableBit |
					1<<kvmFeatureAsyncPFBit |
					1<<kvmFeatureAsyncPFVMExitBit |
					1<<kvmFeatureStealTimeBit
			}
		}
	}

	// The processor brand string always comes from the host hardware,
	// never from the hypervisor-reported table.
	for fn := uint32(0x8000_0002); fn <= 0x8000_0004; fn++ {
		table = table.deleteFunction(fn)

		eax, ebx, ecx, edx := CPUID(fn)
		table = append(table, Entry{
			Function: fn,
			EAX:      eax,
			EBX:      ebx,
			ECX:      ecx,
			EDX:      edx,
		})
	}

	if opts.KVMHyperV {
		table = injectHyperV(table)
	}

	return table, nil
}

// applyTDXStateMasks restricts the extended state-component leaf 0xd to
// what the TDX module allows. Sub-leaf 0 carries the XCR0 (user state)
// mask split across EAX/EDX; sub-leaf 1 carries the XSS (supervisor
// state) mask split across ECX/EDX.
func applyTDXStateMasks(e *Entry, caps *TDXCapabilities) {
	const xcr0Mask uint64 = 0x82ff

	xssMask := ^xcr0Mask

	switch e.Index {
	case 0:
		e.EAX &= uint32(caps.XFAMFixed0) & uint32(xcr0Mask)
		e.EAX |= uint32(caps.XFAMFixed1) & uint32(xcr0Mask)
		e.EDX &= uint32((caps.XFAMFixed0 & xcr0Mask) >> 32)
		e.EDX |= uint32((caps.XFAMFixed1 & xcr0Mask) >> 32)
	case 1:
		e.ECX &= uint32(caps.XFAMFixed0) & uint32(xssMask)
		e.ECX |= uint32(caps.XFAMFixed1) & uint32(xssMask)
		e.EDX &= uint32((caps.XFAMFixed0 & xssMask) >> 32)
		e.EDX |= uint32((caps.XFAMFixed1 & xssMask) >> 32)
	}
}

// injectHyperV replaces the hypervisor identification leaves with the
// Hyper-V interface KVM emulates. Compliance with "Hv#1" requires leaves
// up to 0x4000000a; see the Hypervisor Top Level Functional Specification.
func injectHyperV(table Table) Table {
	table = table.deleteFunction(0x4000_0000)
	table = table.deleteFunction(0x4000_0001)

	table = append(table,
		Entry{
			Function: 0x4000_0000,
			EAX:      0x4000_000a, // maximum hypervisor leaf
			EBX:      0x756e_694c, // "Linu"
			ECX:      0x564b_2078, // "x KV"
			EDX:      0x7648_204d, // "M Hv"
		},
		Entry{
			Function: 0x4000_0001,
			EAX:      0x3123_7648, // "Hv#1"
		},
		Entry{
			Function: 0x4000_0002,
			EAX:      0x3839,  // build number
			EBX:      0xa0000, // version
		},
		Entry{
			Function: 0x4000_0003,
			EAX: 1<<1 | // AccessPartitionReferenceCounter
				1<<2 | // AccessSynicRegs
				1<<3 | // AccessSyntheticTimerRegs
				1<<9, // AccessPartitionReferenceTsc
			EDX: 1 << 3, // CPU dynamic partitioning
		},
		Entry{
			Function: 0x4000_0004,
			EAX:      1 << 5, // recommend relaxed timing
		},
	)

	// Reserved leaves up to the declared maximum.
	for fn := uint32(0x4000_0005); fn <= 0x4000_000a; fn++ {
		table = append(table, Entry{Function: fn})
	}

	return table
}
