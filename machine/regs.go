package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/govmkit/archvm/kvm"
	"github.com/govmkit/archvm/layout"
	"github.com/govmkit/archvm/pvh"
)

// MSR indices programmed to their boot values.
const (
	msrIA32TSC          = 0x10
	msrIA32SysenterCS   = 0x174
	msrIA32SysenterESP  = 0x175
	msrIA32SysenterEIP  = 0x176
	msrIA32MiscEnable   = 0x1a0
	msrSTAR             = 0xc000_0081
	msrLSTAR            = 0xc000_0082
	msrCSTAR            = 0xc000_0083
	msrSFMask           = 0xc000_0084
	msrKernelGSBase     = 0xc000_0102

	msrMiscEnableFastString = 1 << 0
)

// Local APIC registers and delivery modes.
const (
	apicLVT0 = 0x350
	apicLVT1 = 0x360

	apicModeExtINT = 0x700
	apicModeNMI    = 0x400
)

// setupRegs programs the PVH entry state: flags bit 1 set, %rip at the
// kernel's PVH entry point and %rbx pointing at the start info.
func (m *Machine) setupRegs(i int) error {
	regs, err := kvm.GetRegs(m.vcpuFds[i])
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = m.entry
	regs.RBX = layout.PVHInfoStart
	regs.RSP = layout.BootStackPointer

	if err := kvm.SetRegs(m.vcpuFds[i], regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS for vcpu %d: %w", i, err)
	}

	return nil
}

// setupFPU resets the FPU to the state kernels expect at handoff.
func (m *Machine) setupFPU(i int) error {
	fpu := kvm.FPU{
		FCW:   0x37f,
		MXCSR: 0x1f80,
	}

	if err := kvm.SetFPU(m.vcpuFds[i], &fpu); err != nil {
		return fmt.Errorf("KVM_SET_FPU for vcpu %d: %w", i, err)
	}

	return nil
}

// setupMSRs zeroes the syscall and sysenter MSRs and enables fast
// string operations, the state Linux checks early during boot.
func (m *Machine) setupMSRs(i int) error {
	msrs := kvm.MSRS{}

	for _, index := range []uint32{
		msrIA32SysenterCS,
		msrIA32SysenterESP,
		msrIA32SysenterEIP,
		msrSTAR,
		msrCSTAR,
		msrKernelGSBase,
		msrSFMask,
		msrLSTAR,
		msrIA32TSC,
	} {
		msrs.Entries[msrs.NMSRs] = kvm.MSREntry{Index: index}
		msrs.NMSRs++
	}

	msrs.Entries[msrs.NMSRs] = kvm.MSREntry{
		Index: msrIA32MiscEnable,
		Data:  msrMiscEnableFastString,
	}
	msrs.NMSRs++

	if err := kvm.SetMSRs(m.vcpuFds[i], &msrs); err != nil {
		return fmt.Errorf("KVM_SET_MSRS for vcpu %d: %w", i, err)
	}

	return nil
}

// setupSregs writes the boot GDT and null IDT into guest memory and
// enters protected mode with flat segments, no paging.
func (m *Machine) setupSregs(i int) error {
	gdt := pvh.CreateGDT()

	for idx, entry := range gdt {
		addr := uint64(layout.BootGDTStart) + uint64(idx)*8
		if err := m.mem.WriteObject(entry, addr); err != nil {
			return fmt.Errorf("writing boot GDT: %w", err)
		}
	}

	if err := m.mem.WriteObject(uint64(0), uint64(layout.BootIDTStart)); err != nil {
		return fmt.Errorf("writing boot IDT: %w", err)
	}

	sregs, err := kvm.GetSregs(m.vcpuFds[i])
	if err != nil {
		return err
	}

	sregs.GDT.Base = layout.BootGDTStart
	sregs.GDT.Limit = uint16(len(gdt)*8 - 1)
	sregs.IDT.Base = layout.BootIDTStart
	sregs.IDT.Limit = 7

	code := pvh.SegmentFromGDT(gdt[1], 1)
	data := pvh.SegmentFromGDT(gdt[2], 2)
	tss := pvh.SegmentFromGDT(gdt[3], 3)

	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data
	sregs.TR = tss

	sregs.CR0 = 0x1 // protected mode, no paging
	sregs.CR4 = 0
	sregs.EFER = 0

	if err := kvm.SetSregs(m.vcpuFds[i], sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS for vcpu %d: %w", i, err)
	}

	return nil
}

// setupLINT reroutes the local APIC lines so legacy interrupts reach
// the guest: LVT0 delivers ExtINT, LVT1 delivers NMI.
func (m *Machine) setupLINT(i int) error {
	var lapic kvm.LAPICState

	if err := kvm.GetLAPIC(m.vcpuFds[i], &lapic); err != nil {
		return fmt.Errorf("KVM_GET_LAPIC for vcpu %d: %w", i, err)
	}

	setAPICDeliveryMode(&lapic, apicLVT0, apicModeExtINT)
	setAPICDeliveryMode(&lapic, apicLVT1, apicModeNMI)

	if err := kvm.SetLAPIC(m.vcpuFds[i], &lapic); err != nil {
		return fmt.Errorf("KVM_SET_LAPIC for vcpu %d: %w", i, err)
	}

	return nil
}

func setAPICDeliveryMode(lapic *kvm.LAPICState, reg int, mode uint32) {
	value := binary.LittleEndian.Uint32(lapic.Regs[reg:])
	value = value&^0x700 | mode
	binary.LittleEndian.PutUint32(lapic.Regs[reg:], value)
}
