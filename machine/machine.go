// Package machine wires a VM together: KVM fds, guest memory, the
// virtualized CPU identity and the PVH boot state.
package machine

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/govmkit/archvm/cpuid"
	"github.com/govmkit/archvm/ebda"
	"github.com/govmkit/archvm/kvm"
	"github.com/govmkit/archvm/layout"
	"github.com/govmkit/archvm/memory"
	"github.com/govmkit/archvm/pvh"
	"github.com/govmkit/archvm/sgx"
)

const (
	com1Port = 0x3f8
)

// Config selects the shape of a new machine.
type Config struct {
	NCPUs   int
	MemSize uint64

	// ThreadsPerCore, CoresPerDie and DiesPerPackage describe the guest
	// topology; all three default to 1.
	ThreadsPerCore uint8
	CoresPerDie    uint8
	DiesPerPackage uint8

	// PhysBits overrides the physical address width advertised to the
	// guest. 0 means use the host's usable width.
	PhysBits uint8

	// HyperV replaces the KVM hypervisor leaves with Hyper-V ones.
	HyperV bool

	// TDX restricts the extended state leaves to what the TDX module
	// allows.
	TDX bool

	// SGX, when non-nil, is the EPC region advertised to the guest.
	SGX *sgx.Region
}

func (c *Config) topology() *cpuid.Topology {
	topo := cpuid.Topology{
		ThreadsPerCore: c.ThreadsPerCore,
		CoresPerDie:    c.CoresPerDie,
		DiesPerPackage: c.DiesPerPackage,
	}

	if topo.ThreadsPerCore == 0 {
		topo.ThreadsPerCore = 1
	}

	if topo.CoresPerDie == 0 {
		topo.CoresPerDie = 1
	}

	if topo.DiesPerPackage == 0 {
		topo.DiesPerPackage = 1
	}

	return &topo
}

type Machine struct {
	kvmFd, vmFd uintptr
	vcpuFds     []uintptr
	runs        []*kvm.RunData
	mem         *memory.GuestMemory

	// table is the CPUID table shared by all vCPUs; each vCPU finalizes
	// a clone of it with its own APIC ID.
	table cpuid.Table

	hyperv    bool
	sgxRegion *sgx.Region

	// entry is the guest entry point, known once a kernel is loaded.
	// vCPU register state is only programmed after that.
	entry     uint64
	initramfs *pvh.Module
	cmdline   uint64
}

// New builds a VM with its memory and vCPU fds but no guest loaded yet.
func New(cfg Config) (*Machine, error) {
	m := &Machine{hyperv: cfg.HyperV, sgxRegion: cfg.SGX}

	devKVM, err := kvm.Open()
	if err != nil {
		return m, fmt.Errorf("/dev/kvm: %w", err)
	}

	m.kvmFd = devKVM.Fd()
	m.vcpuFds = make([]uintptr, cfg.NCPUs)
	m.runs = make([]*kvm.RunData, cfg.NCPUs)

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return m, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return m, err
	}

	if m.mem, err = memory.New(cfg.MemSize); err != nil {
		return m, err
	}

	for slot, region := range m.mem.RAMRegions() {
		err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
			Slot:          uint32(slot),
			GuestPhysAddr: region.Start,
			MemorySize:    region.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&region.Buf()[0]))),
		})
		if err != nil {
			return m, fmt.Errorf("registering RAM at %#x: %w", region.Start, err)
		}
	}

	physBits := cfg.PhysBits
	if physBits == 0 {
		physBits = cpuid.HostPhysBits()
	}

	opts := cpuid.Options{
		Topology:  cfg.topology(),
		PhysBits:  physBits,
		KVMHyperV: cfg.HyperV,
		TDX:       cfg.TDX,
	}

	if cfg.SGX != nil {
		opts.SGXSections = cfg.SGX.Sections()
	}

	if m.table, err = cpuid.GenerateCommon(kvmBackend{kvmFd: m.kvmFd}, opts); err != nil {
		return m, fmt.Errorf("generating CPUID table: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(m.kvmFd)
	if err != nil {
		return m, err
	}

	for i := 0; i < cfg.NCPUs; i++ {
		if m.vcpuFds[i], err = kvm.CreateVCPU(m.vmFd, i); err != nil {
			return m, err
		}

		r, err := syscall.Mmap(int(m.vcpuFds[i]), 0, int(mmapSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return m, err
		}

		m.runs[i] = (*kvm.RunData)(unsafe.Pointer(&r[0]))
	}

	if err := m.configureSystem(cfg.NCPUs); err != nil {
		return m, err
	}

	return m, nil
}

// configureSystem writes the firmware state guests probe before ACPI is
// up: the real-mode EBDA pointer and the MP tables at the EBDA itself.
func (m *Machine) configureSystem(nCPUs int) error {
	if err := m.mem.WriteObject(uint16(layout.EBDAStart>>4), layout.EBDAPointer); err != nil {
		return err
	}

	e, err := ebda.New(nCPUs)
	if err != nil {
		return err
	}

	bytes, err := e.Bytes()
	if err != nil {
		return err
	}

	return m.mem.WriteAt(bytes, layout.EBDAStart)
}

// CPUIDTable returns the table shared by the vCPUs. Migration admission
// compares this against the table of the destination host.
func (m *Machine) CPUIDTable() cpuid.Table { return m.table.Clone() }

// Memory exposes the guest memory for loaders.
func (m *Machine) Memory() *memory.GuestMemory { return m.mem }

// RunData returns the shared kvm_run mappings.
func (m *Machine) RunData() []*kvm.RunData { return m.runs }

// SetupVCPU finalizes one vCPU: its CPUID identity, Hyper-V synthetic
// interrupt controller, boot MSRs, registers and local APIC. Register
// state is skipped until a kernel has been loaded.
func (m *Machine) SetupVCPU(i int) error {
	table := m.table.Clone()

	// The x2APIC ID in the topology leaves is the only per-vCPU part of
	// the identity.
	table.SetRegAll(0xb, cpuid.EDX, uint32(i))
	table.SetRegAll(0x1f, cpuid.EDX, uint32(i))

	c, err := tableToKVM(table)
	if err != nil {
		return err
	}

	if err := kvm.SetCPUID2(m.vcpuFds[i], c); err != nil {
		return fmt.Errorf("KVM_SET_CPUID2 for vcpu %d: %w", i, err)
	}

	if m.hyperv {
		// The SynIC capability was advertised through the Hyper-V CPUID
		// leaves already. Failing to enable it now would leave the guest
		// with an interface it cannot use, there is no way to continue.
		enable := kvm.EnableCapData{Cap: kvm.CapHypervSynic}
		if err := kvm.EnableCap(m.vcpuFds[i], &enable); err != nil {
			panic(fmt.Sprintf("enabling Hyper-V SynIC on vcpu %d: %v", i, err))
		}
	}

	if err := m.setupMSRs(i); err != nil {
		return err
	}

	if m.entry != 0 {
		if err := m.setupRegs(i); err != nil {
			return err
		}

		if err := m.setupFPU(i); err != nil {
			return err
		}

		if err := m.setupSregs(i); err != nil {
			return err
		}
	}

	return m.setupLINT(i)
}

// SetupVCPUs finalizes every vCPU.
func (m *Machine) SetupVCPUs() error {
	for i := range m.vcpuFds {
		if err := m.SetupVCPU(i); err != nil {
			return err
		}
	}

	return nil
}

// GetRegs reads the general purpose registers of one vCPU.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	return kvm.GetRegs(m.vcpuFds[cpu])
}

// GetSregs reads the special registers of one vCPU.
func (m *Machine) GetSregs(cpu int) (*kvm.Sregs, error) {
	return kvm.GetSregs(m.vcpuFds[cpu])
}

// RunInfiniteLoop drives one vCPU until it halts or fails.
func (m *Machine) RunInfiniteLoop(i int) error {
	// vcpu ioctls must come from the thread that created the vcpu, or
	// at least consistently from one thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		isContinue, err := m.RunOnce(i)
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}
}

// RunOnce enters the guest once and handles a single exit.
func (m *Machine) RunOnce(i int) (bool, error) {
	err := kvm.Run(m.vcpuFds[i])

	switch kvm.ExitType(m.runs[i].ExitReason) {
	case kvm.EXITHLT:
		return false, err
	case kvm.EXITSHUTDOWN:
		return false, err
	case kvm.EXITIO:
		direction, size, port, count, offset := m.runs[i].IO()
		bytes := (*(*[100]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(m.runs[i])) +
			uintptr(offset))))[0:size]

		// The only port backed here is COM1 transmit, enough to see
		// early console output.
		if direction == kvm.EXITIOOUT && port == com1Port {
			for j := 0; j < int(count); j++ {
				os.Stdout.Write(bytes)
			}
		}

		return true, err
	case kvm.EXITUNKNOWN:
		return true, err
	case kvm.EXITINTR:
		// A signal to the vcpu thread interrupts KVM_RUN with EINTR.
		return true, nil
	case kvm.EXITDEBUG:
		return false, kvm.ErrDebug
	default:
		if err != nil {
			return false, err
		}

		return false, fmt.Errorf("%w: %s",
			kvm.ErrUnexpectedExitReason, kvm.ExitType(m.runs[i].ExitReason))
	}
}
