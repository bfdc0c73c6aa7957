package machine

import (
	"fmt"

	"github.com/govmkit/archvm/cpuid"
	"github.com/govmkit/archvm/kvm"
)

// HostCPUIDTable builds the CPUID table this host would offer a guest
// of the given shape, without creating a VM. Migration admission on the
// destination side runs against this table.
func HostCPUIDTable(cfg Config) (cpuid.Table, error) {
	devKVM, err := kvm.Open()
	if err != nil {
		return nil, fmt.Errorf("/dev/kvm: %w", err)
	}
	defer devKVM.Close()

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

	return cpuid.GenerateCommon(kvmBackend{kvmFd: devKVM.Fd()}, opts)
}

// kvmBackend feeds the table builder from the KVM system fd.
type kvmBackend struct {
	kvmFd uintptr
}

func (b kvmBackend) SupportedCPUID() (cpuid.Table, error) {
	c := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(b.kvmFd, &c); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	return tableFromKVM(&c), nil
}

func tableFromKVM(c *kvm.CPUID) cpuid.Table {
	table := make(cpuid.Table, 0, c.Nent)

	for i := 0; i < int(c.Nent); i++ {
		e := c.Entries[i]
		table = append(table, cpuid.Entry{
			Function: e.Function,
			Index:    e.Index,
			Flags:    e.Flags,
			EAX:      e.Eax,
			EBX:      e.Ebx,
			ECX:      e.Ecx,
			EDX:      e.Edx,
		})
	}

	return table
}

func tableToKVM(table cpuid.Table) (*kvm.CPUID, error) {
	c := &kvm.CPUID{}

	if len(table) > len(c.Entries) {
		return nil, fmt.Errorf("%d CPUID entries exceed the kvm argument capacity", len(table))
	}

	for i, e := range table {
		c.Entries[i] = kvm.CPUIDEntry2{
			Function: e.Function,
			Index:    e.Index,
			Flags:    e.Flags,
			Eax:      e.EAX,
			Ebx:      e.EBX,
			Ecx:      e.ECX,
			Edx:      e.EDX,
		}
	}

	c.Nent = uint32(len(table))

	return c, nil
}
